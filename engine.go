package cortex

import (
	"context"
	"errors"
	"log/slog"
)

// eventBuffer is the channel capacity for a run's event stream. Emission
// blocks once the consumer falls this far behind.
const eventBuffer = 16

// RunParams carries everything a single run needs. Only Client is required
// when the definition contains agent or batch steps; every other field has a
// working zero value.
type RunParams struct {
	// Client is the LLM backend for agent and batch steps.
	Client ObjectGenerator

	// Options is the host-supplied options object, validated against the
	// definition's options schema before START.
	Options map[string]any

	// InitialState seeds the outermost brain level. Nil means empty.
	InitialState State

	// BrainRunID identifies the run. Empty means a fresh UUIDv7.
	BrainRunID string

	// Capabilities passed through to step bodies.
	Resources Resources
	Pages     Pages
	Env       map[string]string
	Memory    Memory

	// Signals delivers host control messages. Nil means a fresh in-memory
	// queue the host cannot reach, so runs without one are uninterruptible.
	Signals SignalProvider

	Logger *slog.Logger
	Tracer Tracer
}

// Scheduler control flow. These never escape the package: the executor maps
// them to CANCELLED and PAUSED terminal events.
var (
	errRunKilled = errors.New("run killed")
	errRunPaused = errors.New("run paused")
)

// Run executes a brain definition and returns its event stream. The stream
// is lazy and ordered; it closes after the terminal event. The caller must
// drain the channel or cancel ctx, otherwise the run goroutine blocks.
func Run(ctx context.Context, def *BrainDefinition, p RunParams) <-chan Event {
	ch := make(chan Event, eventBuffer)
	r := newRun(def, p, ch)
	go func() {
		defer close(ch)
		r.execute(ctx, nil)
	}()
	return ch
}

// run is the single-executor state for one run. All fields are owned by the
// run goroutine; nothing here is shared.
type run struct {
	def     *BrainDefinition
	p       RunParams
	ch      chan Event
	snap    *RunSnapshot
	signals SignalProvider
	log     *slog.Logger
	tracer  Tracer
	client  ObjectGenerator
	id      string
	lastTS  int64
}

func newRun(def *BrainDefinition, p RunParams, ch chan Event) *run {
	r := &run{def: def, p: p, ch: ch, client: p.Client, signals: p.Signals, log: p.Logger, tracer: p.Tracer, id: p.BrainRunID}
	if r.signals == nil {
		r.signals = NewInMemorySignals()
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	if r.id == "" {
		r.id = NewRunID()
	}
	r.snap = NewSnapshot(def)
	return r
}

// emit stamps, reduces, and delivers one event. Timestamps are strictly
// monotone within the run even when the wall clock stalls.
func (r *run) emit(ctx context.Context, ev Event) error {
	ev.BrainRunID = r.id
	ev.Options = r.p.Options
	ts := NowMillis()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	ev.Timestamp = ts
	if err := r.snap.Reduce(ev); err != nil {
		r.log.Error("live reduce failed", "type", ev.Type, "error", err)
	}
	select {
	case r.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives a run (or, with rc set, a resumed run whose snapshot was
// rebuilt by replay) to its terminal event.
func (r *run) execute(ctx context.Context, rc *ResumeContext) {
	ctx, span := r.startSpan(ctx, "brain.run",
		StringAttr("brain.title", r.def.title),
		StringAttr("brain.run_id", r.id))

	state := CloneState(r.p.InitialState)
	if state == nil {
		state = State{}
	}

	if rc == nil {
		if err := validateJSON("options", r.def.optionsSchema, r.p.Options); err != nil {
			// Rejected before START: the run never begins.
			r.log.Warn("options rejected", "brain", r.def.title, "error", err)
			_ = r.emit(ctx, Event{Type: EventError, Err: serializeError(err)})
			endSpan(span, err)
			return
		}
		if err := r.emit(ctx, Event{Type: EventStart, BrainTitle: r.def.title, InitialState: state}); err != nil {
			endSpan(span, err)
			return
		}
		if err := r.emit(ctx, Event{Type: EventStepStatus, Steps: r.snap.StepTree()}); err != nil {
			endSpan(span, err)
			return
		}
	}

	final, err := r.runLevel(ctx, r.def, state, 0, rc)
	switch {
	case err == nil:
		r.log.Info("run complete", "brain", r.def.title, "run_id", r.id)
		_ = r.emit(ctx, Event{Type: EventComplete, BrainTitle: r.def.title, FinalState: final})
		endSpan(span, nil)
	case errors.Is(err, errRunKilled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.log.Info("run cancelled", "brain", r.def.title, "run_id", r.id)
		_ = r.emit(ctx, Event{Type: EventCancelled, BrainTitle: r.def.title})
		endSpan(span, nil)
	case errors.Is(err, errRunPaused):
		resumeCtx := r.snap.DeriveResumeContext()
		r.log.Info("run paused", "brain", r.def.title, "run_id", r.id)
		_ = r.emit(ctx, Event{Type: EventPaused, BrainTitle: r.def.title, ResumeCtx: resumeCtx})
		endSpan(span, nil)
	default:
		r.log.Error("run failed", "brain", r.def.title, "run_id", r.id, "error", err)
		_ = r.emit(ctx, Event{Type: EventError, BrainTitle: r.def.title, Err: serializeError(err)})
		endSpan(span, err)
	}
}

// runLevel executes one brain level. Signals are checked before each step,
// never mid-step; a started step always runs to its natural suspension point.
// rc, when set, positions the level at a resume point and seeds the first
// dispatched step; it applies to that step only.
func (r *run) runLevel(ctx context.Context, lvl *BrainDefinition, state State, depth int, rc *ResumeContext) (State, error) {
	i := 0
	if rc != nil {
		i = rc.StepIndex
		state = CloneState(rc.State)
	}
	for {
		sig, err := r.signals.Take(ctx, FilterOf(SignalKill, SignalPause), true)
		if err != nil {
			return nil, err
		}
		if sig != nil {
			switch sig.Type {
			case SignalKill:
				return nil, errRunKilled
			case SignalPause:
				return nil, errRunPaused
			}
		}
		if i >= len(lvl.steps) {
			return state, nil
		}

		sd := lvl.steps[i]
		stepRC := rc
		rc = nil
		// A step resumed at an interior point (mid-agent, mid-batch, webhook
		// reply, or inside a nested child) emitted its STEP_START before the
		// pause; it is not re-emitted.
		resumedInPlace := stepRC != nil &&
			(stepRC.Agent != nil || stepRC.Batch != nil || len(stepRC.WebhookResponse) > 0 || stepRC.Inner != nil)
		if !resumedInPlace {
			stepRC = nil
			if err := r.emit(ctx, Event{Type: EventStepStart, Step: &StepEvent{Title: sd.title, Index: i, Depth: depth}}); err != nil {
				return nil, err
			}
		}

		next, halted, err := r.dispatch(ctx, sd, depth, state, stepRC)
		if err != nil {
			var aw *errAwait
			if errors.As(err, &aw) {
				// Plain-step webhook wait: register and suspend. The step
				// re-executes on resume with the response injected.
				if err := r.emit(ctx, Event{Type: EventWebhook, Webhooks: aw.webhooks}); err != nil {
					return nil, err
				}
				return nil, errRunPaused
			}
			return nil, err
		}

		patch := DiffStates(state, next)
		if err := r.emit(ctx, Event{Type: EventStepComplete, Step: &StepEvent{Title: sd.title, Index: i, Depth: depth, Patch: patch, Halted: halted}}); err != nil {
			return nil, err
		}
		state = next
		if halted {
			return state, nil
		}
		i++
	}
}

// dispatch runs one step body and returns the level's next state. The halted
// flag reports an early level termination requested via Halt.
func (r *run) dispatch(ctx context.Context, sd stepDef, depth int, state State, rc *ResumeContext) (State, bool, error) {
	ctx, span := r.startSpan(ctx, "brain.step",
		StringAttr("step.title", sd.title),
		StringAttr("step.type", sd.kind.String()),
		IntAttr("step.depth", depth))

	next, halted, err := r.dispatchKind(ctx, sd, depth, state, rc)
	endSpan(span, err)
	return next, halted, err
}

func (r *run) dispatchKind(ctx context.Context, sd stepDef, depth int, state State, rc *ResumeContext) (State, bool, error) {
	switch sd.kind {
	case stepPlain:
		sc := r.stepContext(state)
		if rc != nil {
			sc.Response = rc.WebhookResponse
		}
		next, err := callStepBody(ctx, sd.plain, sc)
		if err != nil {
			var h *errHalt
			if errors.As(err, &h) {
				if next == nil {
					next = state
				}
				return next, true, nil
			}
			return nil, false, err
		}
		if next == nil {
			next = state
		}
		return next, false, nil

	case stepAgent:
		var seed *AgentContext
		var response []byte
		if rc != nil {
			seed = rc.Agent
			response = rc.WebhookResponse
		}
		next, err := r.runAgentLoop(ctx, sd, state, seed, response)
		return next, false, err

	case stepNested:
		var childRC *ResumeContext
		childState := sd.adapt(state)
		if rc != nil {
			childRC = rc.Inner
		}
		childFinal, err := r.runLevel(ctx, sd.child, childState, depth+1, childRC)
		if err != nil {
			return nil, false, err
		}
		return sd.merge(CloneState(state), childFinal), false, nil

	case stepBatch:
		var seed *BatchProgress
		if rc != nil {
			seed = rc.Batch
		}
		next, err := r.runBatch(ctx, sd, state, seed)
		return next, false, err
	}
	return nil, false, engineInternalf("unknown step kind %d", sd.kind)
}

// callStepBody invokes a plain step body with panic containment.
func callStepBody(ctx context.Context, body StepFunc, sc *StepContext) (next State, err error) {
	defer func() {
		if v := recover(); v != nil {
			next, err = nil, serializePanic(v)
		}
	}()
	return body(ctx, sc)
}

// stepContext builds the per-step capability struct. State is cloned so a
// misbehaving body cannot mutate the engine's copy.
func (r *run) stepContext(state State) *StepContext {
	return &StepContext{
		State:      CloneState(state),
		Options:    r.p.Options,
		Resources:  r.p.Resources,
		Pages:      r.p.Pages,
		Env:        r.p.Env,
		Memory:     r.p.Memory,
		BrainRunID: r.id,
	}
}

// --- tracing plumbing ---

func (r *run) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if r.tracer == nil {
		return ctx, nil
	}
	return r.tracer.Start(ctx, name, attrs...)
}

func endSpan(sp Span, err error) {
	if sp == nil {
		return
	}
	if err != nil && !errors.Is(err, errRunPaused) && !errors.Is(err, errRunKilled) {
		sp.Error(err)
	}
	sp.End()
}
