package observer

import (
	"context"
	"sync"
	"time"

	cortex "github.com/arimelias/cortex"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventAdapter is a cortex.Adapter that turns the engine's event stream into
// OTEL metrics. One adapter serves any number of concurrent runs.
type EventAdapter struct {
	inst *Instruments

	mu   sync.Mutex
	runs map[string]*runTrack
}

type runTrack struct {
	started    time.Time
	stepAt     time.Time
	lastTokens int
}

// NewEventAdapter creates an adapter over initialized instruments.
func NewEventAdapter(inst *Instruments) *EventAdapter {
	return &EventAdapter{inst: inst, runs: make(map[string]*runTrack)}
}

var _ cortex.Adapter = (*EventAdapter)(nil)

func (a *EventAdapter) Dispatch(ctx context.Context, ev cortex.Event) error {
	a.inst.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(ev.Type))))

	a.mu.Lock()
	tr := a.runs[ev.BrainRunID]
	if tr == nil {
		tr = &runTrack{started: time.Now()}
		a.runs[ev.BrainRunID] = tr
	}
	a.mu.Unlock()

	switch ev.Type {
	case cortex.EventStart, cortex.EventResumed:
		a.inst.RunsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("brain.title", ev.BrainTitle),
			attribute.Bool("resumed", ev.Type == cortex.EventResumed)))
		tr.started = time.Now()
		tr.stepAt = time.Now()

	case cortex.EventStepStart:
		tr.stepAt = time.Now()

	case cortex.EventStepComplete:
		if ev.Step != nil {
			a.inst.StepsExecuted.Add(ctx, 1, metric.WithAttributes(
				attribute.String("step.title", ev.Step.Title),
				attribute.Int("step.depth", ev.Step.Depth)))
			if !tr.stepAt.IsZero() {
				a.inst.StepDuration.Record(ctx, float64(time.Since(tr.stepAt).Milliseconds()),
					metric.WithAttributes(attribute.String("step.title", ev.Step.Title)))
			}
		}

	case cortex.EventAgentIteration:
		if ev.Agent != nil {
			a.inst.AgentCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("step.title", ev.Agent.StepTitle)))
			if delta := ev.Agent.TotalTokens - tr.lastTokens; delta > 0 {
				a.inst.TokenUsage.Add(ctx, int64(delta))
				tr.lastTokens = ev.Agent.TotalTokens
			}
		}

	case cortex.EventAgentRawMessage:
		// Iteration events stamp tokens before the model call; the raw
		// response carries the total including it.
		if ev.Agent != nil {
			if delta := ev.Agent.TotalTokens - tr.lastTokens; delta > 0 {
				a.inst.TokenUsage.Add(ctx, int64(delta))
				tr.lastTokens = ev.Agent.TotalTokens
			}
		}

	case cortex.EventComplete, cortex.EventError, cortex.EventCancelled, cortex.EventPaused:
		a.inst.RunsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("terminal", string(ev.Type))))
		if ev.Type == cortex.EventError {
			a.inst.RunErrors.Add(ctx, 1)
		}
		a.inst.RunDuration.Record(ctx, float64(time.Since(tr.started).Milliseconds()),
			metric.WithAttributes(attribute.String("terminal", string(ev.Type))))
		a.mu.Lock()
		delete(a.runs, ev.BrainRunID)
		a.mu.Unlock()
	}
	return nil
}
