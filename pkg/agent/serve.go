package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devloop/devloop/pkg/agent/protocol"
	"github.com/devloop/devloop/pkg/engine"
)

// ServeOptions configures the agent side of a session.
type ServeOptions struct {
	// Name is announced in READY.
	Name string
	// TTL ends the session after this long. Zero means no limit.
	TTL time.Duration
	// Metadata is announced in READY.
	Metadata map[string]string
}

// Serve runs the agent side of the protocol: it announces READY on w,
// dispatches every CMD read from r to provider and answers with DONE or
// ERROR. It returns after sending EXIT, when r is exhausted, ctx ends or the
// TTL expires.
func Serve(ctx context.Context, r io.Reader, w io.Writer, provider engine.AIProvider, opts ServeOptions) error {
	if opts.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TTL)
		defer cancel()
	}

	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  protocol.Version,
		Agent:    opts.Name,
		PID:      os.Getpid(),
		Caps:     []protocol.CommandType{protocol.CommandAnalyze, protocol.CommandGeneratePlan, protocol.CommandGenerateCode},
		Metadata: opts.Metadata,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	cmds := make(chan *protocol.CommandMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			cmd, err := dec.DecodeCommand()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	count := 0
	exit := func(reason string, code int) error {
		return enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code, CommandsTotal: count})
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return exit("ttl_expired", 0)
			}
			return exit("cancelled", 0)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return exit("stdin_closed", 0)
			}
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: "PROTOCOL_ERROR", Message: err.Error()})
			_ = exit("error", 1)
			return err
		case cmd := <-cmds:
			count++
			if err := handle(ctx, enc, provider, cmd); err != nil {
				return err
			}
		}
	}
}

func handle(ctx context.Context, enc *protocol.Encoder, provider engine.AIProvider, cmd *protocol.CommandMessage) error {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	start := time.Now()
	result, err := dispatch(cmdCtx, provider, cmd)
	if err != nil {
		return enc.EncodeError(errorMessage(cmd.ID, err))
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})
}

func dispatch(ctx context.Context, provider engine.AIProvider, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	var out interface{}
	switch cmd.Type {
	case protocol.CommandAnalyze:
		var params protocol.AnalyzeParams
		if err := protocol.ParseData(cmd.Params, &params); err != nil {
			return nil, engine.NewValidationError("invalid analyze params", err)
		}
		analysis, err := provider.Analyze(ctx, params.Issue)
		if err != nil {
			return nil, err
		}
		out = analysis

	case protocol.CommandGeneratePlan:
		var params protocol.GeneratePlanParams
		if err := protocol.ParseData(cmd.Params, &params); err != nil {
			return nil, engine.NewValidationError("invalid generate-plan params", err)
		}
		plan, err := provider.GeneratePlan(ctx, params.Issue, params.Analysis)
		if err != nil {
			return nil, err
		}
		out = plan

	case protocol.CommandGenerateCode:
		var params protocol.GenerateCodeParams
		if err := protocol.ParseData(cmd.Params, &params); err != nil {
			return nil, engine.NewValidationError("invalid generate-code params", err)
		}
		changes, err := provider.GenerateCode(ctx, params.Issue, params.Plan)
		if err != nil {
			return nil, err
		}
		out = changes

	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported command type: %s", cmd.Type), nil)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return raw, nil
}

func errorMessage(id string, err error) *protocol.ErrorMessage {
	msg := &protocol.ErrorMessage{
		CommandID: id,
		Code:      "AGENT_FAILED",
		Message:   err.Error(),
		Retryable: engine.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded),
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		msg.Code = ee.Code
	}
	return msg
}
