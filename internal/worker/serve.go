package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/protocol"
)

// Serve runs the worker request loop: decode requests from in, execute them
// one at a time, and write correlated replies to out. Every request is
// bracketed by busy and idle status messages. The loop returns when the
// input stream closes or the context is cancelled.
func Serve(ctx context.Context, in io.Reader, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	runtime, err := NewRuntime(logger)
	if err != nil {
		return err
	}

	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req protocol.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			logger.Warn("request decode failed", zap.Error(err))
			continue
		}

		handleRequest(runtime, enc, req, logger)
	}
}

func handleRequest(runtime *Runtime, enc *protocol.Encoder, req protocol.Request, logger *zap.Logger) {
	emit := func(msg protocol.Message) {
		msg.ParentID = req.MsgID
		if err := enc.Encode(msg); err != nil {
			logger.Warn("reply write failed", zap.Error(err))
		}
	}
	runtime.setEmit(emit)
	defer runtime.setEmit(nil)

	emit(protocol.Message{Kind: protocol.KindStatus, State: protocol.StateBusy})
	defer emit(protocol.Message{Kind: protocol.KindStatus, State: protocol.StateIdle})

	switch req.Channel {
	case protocol.ChannelControl:
		resp := runtime.HandleControl(req.Code)
		raw, err := json.Marshal(resp)
		if err != nil {
			raw = []byte(`{"is_success":false,"message":"response marshal failed"}`)
		}
		emit(protocol.Message{
			Kind: protocol.KindExecuteResult,
			Data: map[string]string{"application/json": string(raw)},
		})

	case protocol.ChannelUser:
		data, err := runtime.Execute(req.Code)
		if err != nil {
			emit(protocol.Message{
				Kind:      protocol.KindError,
				ErrName:   "EvalError",
				ErrValue:  err.Error(),
				Traceback: strings.Split(err.Error(), "\n"),
			})
			return
		}
		emit(protocol.Message{Kind: protocol.KindExecuteResult, Data: data})

	default:
		emit(protocol.Message{
			Kind:     protocol.KindError,
			ErrName:  "ProtocolError",
			ErrValue: "unknown channel " + string(req.Channel),
		})
	}
}
