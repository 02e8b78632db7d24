package cortex

import (
	"context"
	"log/slog"
)

// BrainRunner is the host-facing harness: it owns the shared capabilities,
// drives runs to completion, and fans every event out to the configured
// adapters in stream order.
type BrainRunner struct {
	Client   ObjectGenerator
	Adapters []Adapter

	Resources Resources
	Pages     Pages
	Env       map[string]string
	Memory    Memory

	Signals SignalProvider
	Logger  *slog.Logger
	Tracer  Tracer
}

// RunResult summarizes a finished (or paused) run. Events holds the full
// stream for persistence; a paused run's ResumeCtx feeds a later Resume.
type RunResult struct {
	BrainRunID string
	Terminal   EventType
	FinalState State
	Err        *SerializedError
	ResumeCtx  *ResumeContext
	Events     []Event
}

// Paused reports whether the run suspended rather than finished.
func (r *RunResult) Paused() bool { return r.Terminal == EventPaused }

// Run executes a definition and blocks until its stream terminates. Fields
// left zero on p are filled from the runner.
func (br *BrainRunner) Run(ctx context.Context, def *BrainDefinition, p RunParams) (*RunResult, error) {
	br.fill(&p)
	return br.pump(ctx, Run(ctx, def, p))
}

// Resume continues a paused run from its stored event log.
func (br *BrainRunner) Resume(ctx context.Context, def *BrainDefinition, p ResumeParams) (*RunResult, error) {
	br.fill(&p.RunParams)
	return br.pump(ctx, Resume(ctx, def, p))
}

func (br *BrainRunner) fill(p *RunParams) {
	if p.Client == nil {
		p.Client = br.Client
	}
	if p.Resources == nil {
		p.Resources = br.Resources
	}
	if p.Pages == nil {
		p.Pages = br.Pages
	}
	if p.Env == nil {
		p.Env = br.Env
	}
	if p.Memory == nil {
		p.Memory = br.Memory
	}
	if p.Signals == nil {
		p.Signals = br.Signals
	}
	if p.Logger == nil {
		p.Logger = br.Logger
	}
	if p.Tracer == nil {
		p.Tracer = br.Tracer
	}
}

// pump drains the stream, dispatching each event to every adapter exactly
// once, and assembles the result from the terminal event.
func (br *BrainRunner) pump(ctx context.Context, ch <-chan Event) (*RunResult, error) {
	log := br.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	res := &RunResult{}
	for ev := range ch {
		res.Events = append(res.Events, ev)
		res.BrainRunID = ev.BrainRunID
		for _, a := range br.Adapters {
			dispatchSafely(ctx, a, ev, log)
		}
		if !ev.IsTerminal() {
			continue
		}
		res.Terminal = ev.Type
		res.FinalState = ev.FinalState
		res.Err = ev.Err
		res.ResumeCtx = ev.ResumeCtx
	}
	if res.Terminal == "" {
		return res, ctx.Err()
	}
	return res, nil
}

// dispatchSafely contains adapter panics and errors: the stream must not be
// disturbed by a misbehaving consumer.
func dispatchSafely(ctx context.Context, a Adapter, ev Event, log *slog.Logger) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("adapter panicked", "type", ev.Type, "panic", v)
		}
	}()
	if err := a.Dispatch(ctx, ev); err != nil {
		log.Error("adapter dispatch failed", "type", ev.Type, "error", err)
	}
}
