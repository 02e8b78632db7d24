package cortex

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRunLinearStream(t *testing.T) {
	events := collect(Run(context.Background(), linearBrain(), RunParams{}))
	wantTypes(t, events,
		EventStart, EventStepStatus,
		EventStepStart, EventStepComplete,
		EventStepStart, EventStepComplete,
		EventComplete)

	start := events[0]
	if start.BrainTitle != "linear" {
		t.Fatalf("START title = %q", start.BrainTitle)
	}
	if start.BrainRunID == "" {
		t.Fatal("START missing brainRunId")
	}

	first := events[2]
	if first.Step.Title != "S1" || first.Step.Index != 0 || first.Step.Depth != 0 {
		t.Fatalf("first STEP_START = %+v", first.Step)
	}

	p1 := events[3].Step.Patch
	if len(p1) != 1 || p1[0].Op != "add" || p1[0].Path != "/a" {
		t.Fatalf("S1 patch = %v", p1)
	}
	p2 := events[5].Step.Patch
	if len(p2) != 1 || p2[0].Op != "replace" || p2[0].Path != "/a" {
		t.Fatalf("S2 patch = %v", p2)
	}

	final := events[6].FinalState
	if !jsonEqual(final, State{"a": 2}) {
		t.Fatalf("final state = %v", final)
	}
}

func TestRunEventMetadata(t *testing.T) {
	events := collect(Run(context.Background(), linearBrain(), RunParams{
		BrainRunID: "fixed-id",
		Options:    map[string]any{"k": "v"},
	}))
	var last int64
	for i, ev := range events {
		if ev.BrainRunID != "fixed-id" {
			t.Fatalf("event %d run id = %q", i, ev.BrainRunID)
		}
		if ev.Options["k"] != "v" {
			t.Fatalf("event %d missing options", i)
		}
		if ev.Timestamp <= last {
			t.Fatalf("event %d timestamp %d not strictly after %d", i, ev.Timestamp, last)
		}
		last = ev.Timestamp
	}
}

func TestRunEmptyBrain(t *testing.T) {
	events := collect(Run(context.Background(), NewBrain("empty"), RunParams{}))
	wantTypes(t, events, EventStart, EventStepStatus, EventComplete)
	if !jsonEqual(events[2].FinalState, State{}) {
		t.Fatalf("final state = %v", events[2].FinalState)
	}
}

func TestRunPatchesReplayToFinalState(t *testing.T) {
	def := NewBrain("replay").
		Step("S1", setState(State{"a": 1, "list": []any{1, 2}})).
		Step("S2", setState(State{"a": 2, "list": []any{1}, "b": "x"})).
		Step("S3", setState(State{"b": "x"}))

	events := collect(Run(context.Background(), def, RunParams{}))
	terminal := events[len(events)-1]
	if terminal.Type != EventComplete {
		t.Fatalf("terminal = %s", terminal.Type)
	}

	state := State{}
	for _, ev := range events {
		if ev.Type != EventStepComplete {
			continue
		}
		next, err := ApplyPatchToState(state, ev.Step.Patch)
		if err != nil {
			t.Fatalf("apply patch for %q: %v", ev.Step.Title, err)
		}
		state = next
	}
	if !jsonEqual(state, terminal.FinalState) {
		t.Fatalf("replayed %v != final %v", state, terminal.FinalState)
	}
}

func TestRunKillBeforeStart(t *testing.T) {
	signals := NewInMemorySignals()
	signals.Queue(Signal{Type: SignalKill})

	events := collect(Run(context.Background(), linearBrain(), RunParams{Signals: signals}))
	wantTypes(t, events, EventStart, EventStepStatus, EventCancelled)
}

func TestRunKillBetweenSteps(t *testing.T) {
	signals := NewInMemorySignals()
	def := NewBrain("killable").
		Step("S1", func(_ context.Context, sc *StepContext) (State, error) {
			signals.Queue(Signal{Type: SignalKill})
			return State{"a": 1}, nil
		}).
		Step("S2", setState(State{"a": 2}))

	events := collect(Run(context.Background(), def, RunParams{Signals: signals}))
	wantTypes(t, events,
		EventStart, EventStepStatus,
		EventStepStart, EventStepComplete,
		EventCancelled)
	// S2 never started.
	for _, ev := range events {
		if ev.Type == EventStepStart && ev.Step.Title == "S2" {
			t.Fatal("S2 started after KILL")
		}
	}
}

func TestRunKillOutranksPause(t *testing.T) {
	signals := NewInMemorySignals()
	def := NewBrain("contested").
		Step("S1", func(_ context.Context, _ *StepContext) (State, error) {
			signals.Queue(Signal{Type: SignalPause})
			signals.Queue(Signal{Type: SignalKill})
			return State{"a": 1}, nil
		}).
		Step("S2", setState(State{"a": 2}))

	events := collect(Run(context.Background(), def, RunParams{Signals: signals}))
	if terminal := events[len(events)-1]; terminal.Type != EventCancelled {
		t.Fatalf("terminal = %s, want CANCELLED", terminal.Type)
	}
}

func TestRunHaltEndsLevelEarly(t *testing.T) {
	def := NewBrain("halting").
		Step("S1", func(_ context.Context, sc *StepContext) (State, error) {
			return State{"done": true}, Halt()
		}).
		Step("S2", setState(State{"unreached": true}))

	events := collect(Run(context.Background(), def, RunParams{}))
	wantTypes(t, events,
		EventStart, EventStepStatus,
		EventStepStart, EventStepComplete,
		EventComplete)
	if !events[3].Step.Halted {
		t.Fatal("STEP_COMPLETE not marked halted")
	}
	if !jsonEqual(events[4].FinalState, State{"done": true}) {
		t.Fatalf("final state = %v", events[4].FinalState)
	}
}

func TestRunOptionsValidationFailsBeforeStart(t *testing.T) {
	def := NewBrain("validated").
		WithOptionsSchema(json.RawMessage(`{"type":"object","required":["topic"]}`)).
		Step("S1", setState(State{"a": 1}))

	events := collect(Run(context.Background(), def, RunParams{Options: map[string]any{}}))
	wantTypes(t, events, EventError)
	if events[0].Err == nil || events[0].Err.Name != "ValidationError" {
		t.Fatalf("error = %+v", events[0].Err)
	}
}

func TestRunOptionsValidationPasses(t *testing.T) {
	def := NewBrain("validated").
		WithOptionsSchema(json.RawMessage(`{"type":"object","required":["topic"]}`)).
		Step("S1", setState(State{"a": 1}))

	events := collect(Run(context.Background(), def, RunParams{Options: map[string]any{"topic": "tides"}}))
	if terminal := events[len(events)-1]; terminal.Type != EventComplete {
		t.Fatalf("terminal = %s", terminal.Type)
	}
}

func TestRunStepError(t *testing.T) {
	def := NewBrain("failing").
		Step("S1", setState(State{"a": 1})).
		Step("S2", func(_ context.Context, _ *StepContext) (State, error) {
			return nil, errors.New("boom")
		}).
		Step("S3", setState(State{"a": 3}))

	events := collect(Run(context.Background(), def, RunParams{}))
	terminal := events[len(events)-1]
	if terminal.Type != EventError {
		t.Fatalf("terminal = %s", terminal.Type)
	}
	if terminal.Err.Name != "Error" || terminal.Err.Message != "boom" {
		t.Fatalf("error = %+v", terminal.Err)
	}
	for _, ev := range events {
		if ev.Type == EventStepStart && ev.Step.Title == "S3" {
			t.Fatal("S3 started after error")
		}
	}
}

func TestRunStepPanicIsContained(t *testing.T) {
	def := NewBrain("panicking").
		Step("S1", func(_ context.Context, _ *StepContext) (State, error) {
			panic("oh no")
		})

	events := collect(Run(context.Background(), def, RunParams{}))
	terminal := events[len(events)-1]
	if terminal.Type != EventError {
		t.Fatalf("terminal = %s", terminal.Type)
	}
	if terminal.Err.Stack == "" {
		t.Fatal("panic error missing stack")
	}
}

func TestRunNestedBrain(t *testing.T) {
	inner := NewBrain("inner").
		Step("I1", func(_ context.Context, sc *StepContext) (State, error) {
			next := CloneState(sc.State)
			next["x"] = 1
			return next, nil
		})
	def := NewBrain("outer").
		Step("S1", setState(State{"seed": true})).
		Brain("sub", inner, nil, func(parent, child State) State {
			merged := CloneState(parent)
			merged["fromChild"] = child["x"]
			return merged
		}).
		Step("S3", func(_ context.Context, sc *StepContext) (State, error) {
			next := CloneState(sc.State)
			next["after"] = true
			return next, nil
		})

	events := collect(Run(context.Background(), def, RunParams{}))
	wantTypes(t, events,
		EventStart, EventStepStatus,
		EventStepStart, EventStepComplete, // S1
		EventStepStart, // sub
		EventStepStart, EventStepComplete, // I1 at depth 1
		EventStepComplete, // sub
		EventStepStart, EventStepComplete, // S3
		EventComplete)

	if d := events[5].Step.Depth; d != 1 {
		t.Fatalf("inner STEP_START depth = %d, want 1", d)
	}
	final := events[len(events)-1].FinalState
	want := State{"seed": true, "fromChild": 1, "after": true}
	if !jsonEqual(final, want) {
		t.Fatalf("final = %v, want %v", final, want)
	}
}

func TestRunNestedChildErrorPropagates(t *testing.T) {
	inner := NewBrain("inner").
		Step("I1", func(_ context.Context, _ *StepContext) (State, error) {
			return nil, errors.New("child failed")
		})
	def := NewBrain("outer").Brain("sub", inner, nil, nil)

	events := collect(Run(context.Background(), def, RunParams{}))
	terminal := events[len(events)-1]
	if terminal.Type != EventError || terminal.Err.Message != "child failed" {
		t.Fatalf("terminal = %s %+v", terminal.Type, terminal.Err)
	}
}

func TestRunNilStepResultKeepsState(t *testing.T) {
	def := NewBrain("noop").
		Step("S1", setState(State{"a": 1})).
		Step("S2", func(_ context.Context, _ *StepContext) (State, error) {
			return nil, nil
		})

	events := collect(Run(context.Background(), def, RunParams{}))
	terminal := events[len(events)-1]
	if terminal.Type != EventComplete || !jsonEqual(terminal.FinalState, State{"a": 1}) {
		t.Fatalf("terminal = %s %v", terminal.Type, terminal.FinalState)
	}
	// The no-op step's patch is empty.
	var noop Event
	for _, ev := range events {
		if ev.Type == EventStepComplete && ev.Step.Title == "S2" {
			noop = ev
		}
	}
	if len(noop.Step.Patch) != 0 {
		t.Fatalf("no-op patch = %v", noop.Step.Patch)
	}
}

func TestRunStepContextIsolation(t *testing.T) {
	def := NewBrain("isolated").
		Step("S1", setState(State{"a": 1})).
		Step("S2", func(_ context.Context, sc *StepContext) (State, error) {
			// Mutating the handed-in state must not leak into the engine.
			sc.State["a"] = 99
			return nil, nil
		})

	events := collect(Run(context.Background(), def, RunParams{}))
	terminal := events[len(events)-1]
	if !jsonEqual(terminal.FinalState, State{"a": 1}) {
		t.Fatalf("final = %v, want engine copy untouched", terminal.FinalState)
	}
}

func TestRunStepStatusOnlyAfterStart(t *testing.T) {
	events := collect(Run(context.Background(), linearBrain(), RunParams{}))
	if n := countEvents(events, EventStepStatus); n != 1 {
		t.Fatalf("STEP_STATUS count = %d, want 1", n)
	}
	if events[1].Type != EventStepStatus {
		t.Fatalf("STEP_STATUS not immediately after START: %v", types(events))
	}
	tree := events[1].Steps
	if len(tree) != 2 || tree[0].Status != StepPending {
		t.Fatalf("initial tree = %+v", tree)
	}
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	def := NewBrain("cancelled").
		Step("S1", func(ctx context.Context, _ *StepContext) (State, error) {
			cancel()
			return nil, ctx.Err()
		})

	events := collect(Run(ctx, def, RunParams{}))
	// The terminal CANCELLED may be lost if the stream send races the
	// cancelled context; accept either an empty tail or CANCELLED.
	if len(events) > 0 {
		if terminal := events[len(events)-1]; terminal.IsTerminal() && terminal.Type != EventCancelled {
			t.Fatalf("terminal = %s, want CANCELLED", terminal.Type)
		}
	}
}
