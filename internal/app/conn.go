package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/agent"
	"github.com/vivym/scimate-agent/internal/conversation"
	"github.com/vivym/scimate-agent/internal/event"
)

// Frame is the WebSocket wire format, both directions. Type discriminates;
// the other fields are type-dependent.
type Frame struct {
	Type string `json:"type"`

	// Inbound.
	Text string `json:"text,omitempty"`

	// Outbound.
	Event string              `json:"event,omitempty"`
	Data  any                 `json:"data,omitempty"`
	Error string              `json:"error,omitempty"`
	Round *conversation.Round `json:"round,omitempty"`
}

// Inbound frame types.
const (
	FrameUserQuery = "user_query"
	FrameInterrupt = "interrupt"
)

// Outbound frame types.
const (
	FrameEvent = "event"
	FrameError = "error"
	FrameRound = "round"
)

type connState string

const (
	stateIdle    connState = "idle"
	stateRunning connState = "running"
)

// conn is one connected client: a session ledger, an agent, and the two
// socket pumps. gorilla allows one concurrent writer, so every outbound
// frame goes through the outbound channel.
type conn struct {
	id      string
	sock    *websocket.Conn
	agent   *agent.Agent
	runner  *sessionRunner
	emitter *event.Emitter
	logger  *zap.Logger

	outbound  chan Frame
	closeOnce sync.Once

	mu         sync.Mutex
	state      connState
	rounds     []conversation.Round
	cancelTurn context.CancelFunc
}

func newConn(id string, sock *websocket.Conn, ag *agent.Agent, runner *sessionRunner, emitter *event.Emitter, logger *zap.Logger) *conn {
	c := &conn{
		id:       id,
		sock:     sock,
		agent:    ag,
		runner:   runner,
		emitter:  emitter,
		logger:   logger.With(zap.String("session_id", id)),
		outbound: make(chan Frame, 64),
		state:    stateIdle,
	}
	emitter.On("*", func(name string, data any) {
		c.send(Frame{Type: FrameEvent, Event: name, Data: data})
	})
	return c
}

// send queues an outbound frame. Frames to a stalled client are dropped
// rather than blocking the pipeline.
func (c *conn) send(frame Frame) {
	select {
	case c.outbound <- frame:
	default:
		c.logger.Warn("dropping frame for slow client", zap.String("type", frame.Type))
	}
}

// serve runs the read and write pumps until the client goes away, then
// tears the session down.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readPump(ctx)

	c.interrupt()
	cancel()
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	c.runner.stop(stopCtx, c.id)
	c.sock.Close()
}

// close force-closes the socket; serve unwinds from the read error.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.sock.Close()
	})
}

func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbound:
			if err := c.sock.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *conn) readPump(ctx context.Context) {
	for {
		var frame Frame
		if err := c.sock.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case FrameUserQuery:
			c.handleQuery(ctx, frame.Text)
		case FrameInterrupt:
			c.interrupt()
		default:
			c.send(Frame{Type: FrameError, Error: "unknown frame type: " + frame.Type})
		}
	}
}

// handleQuery starts a turn unless one is already running. The turn runs on
// its own goroutine so the read pump stays responsive to interrupts.
func (c *conn) handleQuery(ctx context.Context, query string) {
	c.mu.Lock()
	if c.state == stateRunning {
		c.mu.Unlock()
		c.send(Frame{Type: FrameError, Error: "session is already running"})
		return
	}
	c.state = stateRunning
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	rounds := c.rounds
	c.mu.Unlock()

	go func() {
		defer cancel()

		updated, _, err := c.agent.RunTurn(turnCtx, rounds, query)

		c.mu.Lock()
		if updated != nil {
			c.rounds = updated
		}
		c.state = stateIdle
		c.cancelTurn = nil
		c.mu.Unlock()

		if err != nil {
			// A cancelled turn is an interrupt, not a failure.
			if errors.Is(err, context.Canceled) {
				c.emitter.Emit("turn_interrupted", map[string]string{
					"reason":  "user_interrupt",
					"message": "the turn was interrupted before it finished",
				})
				return
			}
			c.send(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		if len(updated) > 0 {
			last := updated[len(updated)-1]
			c.send(Frame{Type: FrameRound, Round: &last})
		}
	}()
}

// interrupt cancels the running turn, if any.
func (c *conn) interrupt() {
	c.mu.Lock()
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
