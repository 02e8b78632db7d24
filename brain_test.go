package cortex

import (
	"context"
	"encoding/json"
	"testing"
)

func TestBuilderReturnsNewDefinitions(t *testing.T) {
	base := NewBrain("base")
	withStep := base.Step("S1", setState(State{"a": 1}))

	if base.StepCount() != 0 {
		t.Fatalf("base mutated: %d steps", base.StepCount())
	}
	if withStep.StepCount() != 1 {
		t.Fatalf("derived definition has %d steps, want 1", withStep.StepCount())
	}

	// Two forks from the same parent must not share step slices.
	forkA := withStep.Step("A", setState(State{}))
	forkB := withStep.Step("B", setState(State{}))
	if forkA.steps[1].title != "A" || forkB.steps[1].title != "B" {
		t.Fatalf("forks interfere: %q vs %q", forkA.steps[1].title, forkB.steps[1].title)
	}
}

func TestBuilderMetadata(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	def := NewBrain("titled").
		WithDescription("does things").
		WithOptionsSchema(schema)

	if def.Title() != "titled" {
		t.Fatalf("Title = %q", def.Title())
	}
	if def.Description() != "does things" {
		t.Fatalf("Description = %q", def.Description())
	}
	if string(def.optionsSchema) != string(schema) {
		t.Fatal("options schema not retained")
	}
}

func TestStepKindStrings(t *testing.T) {
	def := NewBrain("kinds").
		Step("p", setState(State{})).
		AgentStep("a", func(context.Context, *StepContext) (AgentSpec, error) { return AgentSpec{}, nil }).
		Brain("n", NewBrain("child"), nil, nil).
		BatchStep("b", BatchSpec{})

	want := []string{"step", "agent", "brain", "batch"}
	for i, w := range want {
		if got := def.steps[i].kind.String(); got != w {
			t.Errorf("step %d kind = %q, want %q", i, got, w)
		}
	}
}

func TestBatchStepDefaults(t *testing.T) {
	def := NewBrain("b").BatchStep("items", BatchSpec{})
	spec := def.steps[0].batch
	if spec.ChunkSize != 1 {
		t.Fatalf("ChunkSize = %d, want 1", spec.ChunkSize)
	}
	if spec.ResultKey != "results" {
		t.Fatalf("ResultKey = %q, want results", spec.ResultKey)
	}

	custom := NewBrain("b").BatchStep("items", BatchSpec{ChunkSize: 5, ResultKey: "out"})
	if custom.steps[0].batch.ChunkSize != 5 || custom.steps[0].batch.ResultKey != "out" {
		t.Fatalf("explicit values overridden: %+v", custom.steps[0].batch)
	}
}

func TestBrainDefaultsAdaptAndMerge(t *testing.T) {
	def := NewBrain("outer").Brain("inner", NewBrain("child"), nil, nil)
	sd := def.steps[0]

	parent := State{"a": 1}
	adapted := sd.adapt(parent)
	if !jsonEqual(adapted, parent) {
		t.Fatalf("default adapt = %v, want pass-through", adapted)
	}
	adapted["a"] = 99
	if parent["a"] != 1 {
		t.Fatal("default adapt shares state with parent")
	}

	child := State{"b": 2}
	if got := sd.merge(parent, child); !jsonEqual(got, child) {
		t.Fatalf("default merge = %v, want child state", got)
	}
}

func TestStructure(t *testing.T) {
	inner := NewBrain("inner").Step("I1", setState(State{}))
	def := NewBrain("outer").
		WithDescription("top").
		Step("S1", setState(State{})).
		Brain("sub", inner, nil, nil)

	st := def.Structure()
	if st.Title != "outer" || st.Description != "top" {
		t.Fatalf("structure header: %+v", st)
	}
	if len(st.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(st.Steps))
	}
	if st.Steps[0].Type != "step" || st.Steps[0].Title != "S1" {
		t.Fatalf("step 0: %+v", st.Steps[0])
	}
	if st.Steps[1].Type != "brain" || st.Steps[1].InnerBrain == nil {
		t.Fatalf("step 1: %+v", st.Steps[1])
	}
	if got := st.Steps[1].InnerBrain.Steps[0].Title; got != "I1" {
		t.Fatalf("inner step = %q", got)
	}
}

func TestInitialStepTree(t *testing.T) {
	inner := NewBrain("inner").Step("I1", setState(State{}))
	def := NewBrain("outer").
		Step("S1", setState(State{})).
		Brain("sub", inner, nil, nil)

	tree := def.initialStepTree()
	if len(tree) != 2 {
		t.Fatalf("tree = %d nodes, want 2", len(tree))
	}
	for _, n := range tree {
		if n.Status != StepPending {
			t.Fatalf("node %q status = %s, want pending", n.Title, n.Status)
		}
	}
	if len(tree[1].InnerSteps) != 1 || tree[1].InnerSteps[0].Title != "I1" {
		t.Fatalf("nested tree: %+v", tree[1])
	}
}
