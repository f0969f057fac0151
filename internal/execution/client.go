package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/protocol"
)

var (
	// ErrProtocolTimeout is returned when the worker does not complete a
	// request within the reply deadline.
	ErrProtocolTimeout = errors.New("execution: worker reply timed out")

	// ErrWorkerClosed is returned when the worker stream ends while a
	// request is in flight.
	ErrWorkerClosed = errors.New("execution: worker connection closed")
)

// transport is the byte channel to a worker. The process transport wraps a
// child process; tests wire pipes to an in-process worker loop.
type transport interface {
	Writer() io.Writer
	Reader() io.Reader
	// Close shuts the request stream, signalling the worker to exit.
	Close() error
	// Wait blocks until the worker has exited.
	Wait() error
}

// client drives the JSON-lines request/reply exchange with one worker. A
// single pump goroutine owns the read side and fans messages into a channel;
// requests are serialized so replies cannot interleave.
type client struct {
	enc      *protocol.Encoder
	trans    transport
	logger   *zap.Logger
	timeout  time.Duration
	messages chan protocol.Message

	reqMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

const defaultReplyTimeout = 180 * time.Second

func newClient(trans transport, timeout time.Duration, logger *zap.Logger) *client {
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &client{
		enc:      protocol.NewEncoder(trans.Writer()),
		trans:    trans,
		logger:   logger,
		timeout:  timeout,
		messages: make(chan protocol.Message, 64),
	}
	go c.pump()
	return c
}

// pump reads worker messages until the stream ends.
func (c *client) pump() {
	defer close(c.messages)

	dec := protocol.NewDecoder(c.trans.Reader())
	for {
		var msg protocol.Message
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("worker stream decode failed", zap.Error(err))
			}
			return
		}
		c.messages <- msg
	}
}

// roundTrip sends one request and collects its correlated replies until the
// idle status arrives. The timeout bounds the silence between messages, not
// the whole exchange, so a long execution that keeps streaming stays alive.
// Messages for other parents are dropped with a log line; they indicate a
// worker bug.
func (c *client) roundTrip(ctx context.Context, req protocol.Request) ([]protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if req.MsgID == "" {
		req.MsgID = uuid.NewString()
	}
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("execution: send request: %w", err)
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	var replies []protocol.Message
	for {
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case <-deadline.C:
			return replies, fmt.Errorf("%w after %s", ErrProtocolTimeout, c.timeout)
		case msg, ok := <-c.messages:
			if !ok {
				return replies, ErrWorkerClosed
			}
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(c.timeout)
			if msg.ParentID != req.MsgID {
				c.logger.Warn("uncorrelated worker message dropped",
					zap.String("parent_id", msg.ParentID),
					zap.String("expected", req.MsgID))
				continue
			}
			if msg.Kind == protocol.KindStatus {
				if msg.State == protocol.StateIdle {
					return replies, nil
				}
				continue
			}
			replies = append(replies, msg)
		}
	}
}

// close shuts down the transport and waits for the worker to exit.
func (c *client) close() error {
	c.closeOnce.Do(func() {
		if err := c.trans.Close(); err != nil {
			c.closeErr = err
		}
		if err := c.trans.Wait(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// procTransport runs the worker as a child process of this binary.
type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// startWorkerProcess spawns `<binary> worker` with stdio pipes. An empty
// binary means re-exec the current executable.
func startWorkerProcess(ctx context.Context, binary string, args []string, dir string) (*procTransport, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("execution: resolve worker binary: %w", err)
		}
		binary = self
	}
	if len(args) == 0 {
		args = []string{"worker"}
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("execution: start worker: %w", err)
	}

	return &procTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (t *procTransport) Writer() io.Writer { return t.stdin }
func (t *procTransport) Reader() io.Reader { return t.stdout }

func (t *procTransport) Close() error { return t.stdin.Close() }

// Wait gives the worker a grace period after stdin closes, then kills it.
func (t *procTransport) Wait() error {
	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = t.cmd.Process.Kill()
		return <-done
	}
}

// pipeTransport connects the client to an in-process worker loop over pipes.
type pipeTransport struct {
	w    io.WriteCloser
	r    io.Reader
	wait func() error
}

func (t *pipeTransport) Writer() io.Writer { return t.w }
func (t *pipeTransport) Reader() io.Reader { return t.r }
func (t *pipeTransport) Close() error      { return t.w.Close() }
func (t *pipeTransport) Wait() error {
	if t.wait == nil {
		return nil
	}
	return t.wait()
}
