package cortex

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRunnerCollectsResult(t *testing.T) {
	br := &BrainRunner{}
	res, err := br.Run(context.Background(), linearBrain(), RunParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terminal != EventComplete {
		t.Fatalf("terminal = %s", res.Terminal)
	}
	if res.BrainRunID == "" {
		t.Fatal("missing run id")
	}
	if !jsonEqual(res.FinalState, State{"a": 2}) {
		t.Fatalf("final = %v", res.FinalState)
	}
	if res.Err != nil || res.Paused() {
		t.Fatalf("unexpected error/pause: %+v", res)
	}
	if len(res.Events) == 0 || res.Events[0].Type != EventStart {
		t.Fatalf("events = %v", types(res.Events))
	}
}

func TestRunnerFansOutToAdapters(t *testing.T) {
	a1 := &recordAdapter{}
	a2 := &recordAdapter{}
	br := &BrainRunner{Adapters: []Adapter{a1, a2}}

	res, err := br.Run(context.Background(), linearBrain(), RunParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Every adapter sees the same events, in stream order, exactly once.
	for _, a := range []*recordAdapter{a1, a2} {
		got := a.all()
		if len(got) != len(res.Events) {
			t.Fatalf("adapter saw %d events, stream had %d", len(got), len(res.Events))
		}
		for i := range got {
			if got[i].Type != res.Events[i].Type || got[i].Timestamp != res.Events[i].Timestamp {
				t.Fatalf("adapter event %d = %s@%d, stream %s@%d",
					i, got[i].Type, got[i].Timestamp, res.Events[i].Type, res.Events[i].Timestamp)
			}
		}
	}
}

func TestRunnerSurvivesMisbehavingAdapters(t *testing.T) {
	panicking := AdapterFunc(func(_ context.Context, _ Event) error {
		panic("adapter bug")
	})
	failing := AdapterFunc(func(_ context.Context, _ Event) error {
		return errors.New("sink unavailable")
	})
	record := &recordAdapter{}
	br := &BrainRunner{Adapters: []Adapter{panicking, failing, record}}

	res, err := br.Run(context.Background(), linearBrain(), RunParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terminal != EventComplete {
		t.Fatalf("terminal = %s", res.Terminal)
	}
	// Later adapters still receive every event.
	if len(record.all()) != len(res.Events) {
		t.Fatalf("record saw %d of %d events", len(record.all()), len(res.Events))
	}
}

func TestRunnerPauseResumeCycle(t *testing.T) {
	signals := NewInMemorySignals()
	def := NewBrain("linear").
		Step("S1", func(_ context.Context, _ *StepContext) (State, error) {
			signals.Queue(Signal{Type: SignalPause})
			return State{"a": 1}, nil
		}).
		Step("S2", setState(State{"a": 2}))

	br := &BrainRunner{Signals: signals}
	res, err := br.Run(context.Background(), def, RunParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Paused() || res.ResumeCtx == nil {
		t.Fatalf("expected pause, got %+v", res)
	}

	resumed, err := br.Resume(context.Background(), def, ResumeParams{
		EventLog:  res.Events,
		ResumeCtx: res.ResumeCtx,
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Terminal != EventComplete || !jsonEqual(resumed.FinalState, State{"a": 2}) {
		t.Fatalf("resumed = %+v", resumed)
	}
	if resumed.BrainRunID != res.BrainRunID {
		t.Fatal("run id changed across resume")
	}
}

func TestRunnerErrorResult(t *testing.T) {
	def := NewBrain("failing").Step("S1", func(_ context.Context, _ *StepContext) (State, error) {
		return nil, errors.New("boom")
	})
	br := &BrainRunner{}
	res, err := br.Run(context.Background(), def, RunParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terminal != EventError || res.Err == nil || res.Err.Message != "boom" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunnerFillsSharedCapabilities(t *testing.T) {
	resources := MapResources{"greeting": "hello"}
	br := &BrainRunner{Resources: resources}

	def := NewBrain("uses-resources").Step("S1", func(ctx context.Context, sc *StepContext) (State, error) {
		v, err := sc.Resources.Get(ctx, "greeting")
		if err != nil {
			return nil, err
		}
		return State{"got": v}, nil
	})
	res, err := br.Run(context.Background(), def, RunParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !jsonEqual(res.FinalState, State{"got": "hello"}) {
		t.Fatalf("final = %v", res.FinalState)
	}
}

func TestLogAdapter(t *testing.T) {
	var buf strings.Builder
	a := NewLogAdapter(slog.New(slog.NewTextHandler(&buf, nil)))

	events := collect(Run(context.Background(), linearBrain(), RunParams{}))
	for _, ev := range events {
		if err := a.Dispatch(context.Background(), ev); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	out := buf.String()
	for _, want := range []string{"START", "STEP_START", "STEP_COMPLETE", "COMPLETE", "run_id"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLogAdapterNilLogger(t *testing.T) {
	a := NewLogAdapter(nil)
	if err := a.Dispatch(context.Background(), Event{Type: EventStart}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}
