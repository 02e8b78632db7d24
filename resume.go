package cortex

import (
	"context"
	"errors"
)

// ResumeParams extends RunParams with the stored history of a paused run.
// EventLog is the full, ordered event history (across prior pause/resume
// cycles); ResumeCtx is the context the host persisted from the PAUSED
// event. ResumeCtx may be nil, in which case the context derived from log
// replay is used directly; when provided it is verified against replay and
// any disagreement is a fatal engine error.
type ResumeParams struct {
	RunParams
	EventLog  []Event
	ResumeCtx *ResumeContext
}

// Resume continues a paused run. The returned stream begins with RESUMED
// and a STEP_STATUS snapshot; past steps are not re-executed or re-emitted.
// RESUME signals queued beforehand are consumed silently; USER_MESSAGE
// signals are left queued for the agent loop.
func Resume(ctx context.Context, def *BrainDefinition, p ResumeParams) <-chan Event {
	ch := make(chan Event, eventBuffer)
	go func() {
		defer close(ch)
		resumeRun(ctx, def, p, ch)
	}()
	return ch
}

func resumeRun(ctx context.Context, def *BrainDefinition, p ResumeParams, ch chan Event) {
	r := newRun(def, p.RunParams, ch)

	snap, err := replayLog(def, p.EventLog)
	if err != nil {
		r.log.Error("resume rejected", "error", err)
		_ = r.emit(ctx, Event{Type: EventError, Err: serializeError(err)})
		return
	}
	r.id = snap.BrainRunID
	if r.p.Options == nil {
		r.p.Options = snap.Options
	}
	r.snap = snap
	r.lastTS = snap.LastTimestamp

	if p.ResumeCtx != nil {
		if err := verifyResumeContext(p.ResumeCtx, snap.DeriveResumeContext()); err != nil {
			r.log.Error("resume context disagrees with replay", "run_id", r.id, "error", err)
			_ = r.emit(ctx, Event{Type: EventError, Err: serializeError(err)})
			return
		}
	}

	// Queued RESUME signals are consumed here. Anything else, USER_MESSAGE
	// in particular, stays queued.
	for {
		sig, err := r.signals.Take(ctx, FilterOf(SignalResume), true)
		if err != nil || sig == nil {
			break
		}
	}

	if err := r.emit(ctx, Event{Type: EventResumed, BrainTitle: def.title}); err != nil {
		return
	}
	if err := r.emit(ctx, Event{Type: EventStepStatus, Steps: r.snap.StepTree()}); err != nil {
		return
	}

	if r.snap.PendingWebhooks != nil {
		sig, err := r.signals.Take(ctx, FilterOf(SignalWebhookResponse), true)
		if err == nil && sig == nil {
			// Host resumed before queueing the reply; wait for it.
			sig, err = r.signals.Take(ctx, FilterOf(SignalWebhookResponse), false)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_ = r.emit(ctx, Event{Type: EventCancelled, BrainTitle: def.title})
			}
			return
		}
		if err := r.emit(ctx, Event{Type: EventWebhookResponse, Response: sig.Response}); err != nil {
			return
		}
	}

	r.execute(ctx, r.snap.DeriveResumeContext())
}

// replayLog validates a stored event history and folds it into a snapshot.
// All failures are engine-internal: a host handed us a log we cannot trust.
func replayLog(def *BrainDefinition, log []Event) (*RunSnapshot, error) {
	if len(log) == 0 {
		return nil, engineInternalf("empty event log")
	}
	if log[0].Type != EventStart {
		return nil, engineInternalf("event log must begin with START, got %s", log[0].Type)
	}
	if last := log[len(log)-1]; last.Type != EventPaused {
		return nil, engineInternalf("event log must end with PAUSED, got %s", last.Type)
	}
	for i, ev := range log[:len(log)-1] {
		if ev.IsTerminal() && ev.Type != EventPaused {
			return nil, engineInternalf("terminal event %s at log position %d", ev.Type, i)
		}
	}
	snap := NewSnapshot(def)
	for i, ev := range log {
		if err := snap.Reduce(ev); err != nil {
			return nil, engineInternalf("replay event %d (%s): %v", i, ev.Type, err)
		}
	}
	if !snap.Paused {
		return nil, engineInternalf("replayed log is not a paused run")
	}
	return snap, nil
}

// verifyResumeContext checks a host-persisted resume context against the one
// derived from replay: same depth, same step indexes, same state content.
func verifyResumeContext(provided, derived *ResumeContext) error {
	p, d := provided, derived
	for depth := 0; ; depth++ {
		if (p == nil) != (d == nil) {
			return engineInternalf("resume context depth mismatch at level %d", depth)
		}
		if p == nil {
			return nil
		}
		if p.StepIndex != d.StepIndex {
			return engineInternalf("resume context step index mismatch at level %d: %d vs %d", depth, p.StepIndex, d.StepIndex)
		}
		hash := p.StateHash
		if hash == "" {
			hash = StateHash(p.State)
		}
		if hash != d.StateHash {
			return engineInternalf("resume context state mismatch at level %d", depth)
		}
		p, d = p.Inner, d.Inner
	}
}
