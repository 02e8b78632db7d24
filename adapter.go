package cortex

import (
	"context"
	"log/slog"
)

// Adapter receives every event of a run, in stream order, exactly once.
// Dispatch errors are logged and swallowed: an adapter can never affect the
// run that feeds it. Implementations that persist events should be
// idempotent on (brainRunId, ts).
type Adapter interface {
	Dispatch(ctx context.Context, ev Event) error
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, ev Event) error

func (f AdapterFunc) Dispatch(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogAdapter writes one structured log line per event. It is the default
// observability surface when no exporter is configured.
type LogAdapter struct {
	log *slog.Logger
}

// NewLogAdapter creates a LogAdapter. A nil logger discards everything.
func NewLogAdapter(l *slog.Logger) *LogAdapter {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &LogAdapter{log: l}
}

func (a *LogAdapter) Dispatch(_ context.Context, ev Event) error {
	attrs := []any{"run_id", ev.BrainRunID, "ts", ev.Timestamp}
	switch {
	case ev.Step != nil:
		attrs = append(attrs, "step", ev.Step.Title, "index", ev.Step.Index, "depth", ev.Step.Depth)
		if ev.Step.Halted {
			attrs = append(attrs, "halted", true)
		}
	case ev.Agent != nil:
		attrs = append(attrs, "step", ev.Agent.StepTitle)
		if ev.Agent.Iteration > 0 {
			attrs = append(attrs, "iteration", ev.Agent.Iteration, "total_tokens", ev.Agent.TotalTokens)
		}
		if ev.Agent.ToolName != "" {
			attrs = append(attrs, "tool", ev.Agent.ToolName)
		}
	case ev.Batch != nil:
		attrs = append(attrs, "step", ev.Batch.StepTitle, "chunk", ev.Batch.ChunkIndex, "processed", ev.Batch.Processed)
	case ev.Err != nil:
		attrs = append(attrs, "error", ev.Err.Error())
	}

	switch ev.Type {
	case EventError:
		a.log.Error(string(ev.Type), attrs...)
	case EventCancelled, EventAgentTokenLimit, EventAgentIterationLimit:
		a.log.Warn(string(ev.Type), attrs...)
	default:
		a.log.Info(string(ev.Type), attrs...)
	}
	return nil
}
