package cortex

import (
	"context"
	"encoding/json"
)

// StepFunc is a plain step body. It receives the current state via sc and
// returns the next state. Returning an error wrapped by Halt ends the level
// early; returning an Await error registers webhooks and suspends the run.
type StepFunc func(ctx context.Context, sc *StepContext) (State, error)

// AgentFunc builds the agent specification for an agent step from the
// current state.
type AgentFunc func(ctx context.Context, sc *StepContext) (AgentSpec, error)

// AdaptFunc projects parent state into a nested brain's initial state.
type AdaptFunc func(parent State) State

// MergeFunc folds a completed nested brain's state back into the parent.
type MergeFunc func(parent, child State) State

// AgentSpec configures one agent-loop execution.
type AgentSpec struct {
	Prompt string
	System string
	Tools  map[string]ToolDef

	// MaxIterations caps LLM round-trips (default 10). MaxTokens caps the
	// summed usage across iterations; 0 means unlimited.
	MaxIterations int
	MaxTokens     int
}

// ToolDef declares a tool available to an agent loop. A terminal tool ends
// the loop; its input becomes the step's result state and Execute is never
// called. Non-terminal tools must provide Execute; returning an Await error
// from Execute suspends the run until a webhook response arrives.
type ToolDef struct {
	Description string
	InputSchema json.RawMessage // JSON Schema for the tool's arguments
	Execute     func(ctx context.Context, sc *StepContext, input json.RawMessage) (any, error)
	Terminal    bool
}

// BatchSpec configures a batch agent step: Items yields the work list,
// Body builds an AgentSpec per item, and results accumulate under ResultKey
// in the step's output state ("results" when empty). Schema, when set,
// validates each item's result.
type BatchSpec struct {
	Items     func(ctx context.Context, sc *StepContext) ([]any, error)
	ChunkSize int
	Schema    json.RawMessage
	Body      func(ctx context.Context, item any, sc *StepContext) (AgentSpec, error)
	ResultKey string
}

type stepKind int

const (
	stepPlain stepKind = iota
	stepAgent
	stepNested
	stepBatch
)

func (k stepKind) String() string {
	switch k {
	case stepAgent:
		return "agent"
	case stepNested:
		return "brain"
	case stepBatch:
		return "batch"
	default:
		return "step"
	}
}

// stepDef is one entry of a brain's ordered step list.
type stepDef struct {
	kind  stepKind
	title string

	plain StepFunc
	agent AgentFunc

	child *BrainDefinition
	adapt AdaptFunc
	merge MergeFunc

	batch *BatchSpec
}

// BrainDefinition is an immutable, reusable description of a brain. Builder
// methods return a new definition per call; a definition already handed to
// Run is never mutated.
type BrainDefinition struct {
	title         string
	description   string
	optionsSchema json.RawMessage
	steps         []stepDef
}

// NewBrain starts a definition with the given title.
func NewBrain(title string) *BrainDefinition {
	return &BrainDefinition{title: title}
}

// Title returns the brain's title.
func (b *BrainDefinition) Title() string { return b.title }

// Description returns the brain's description.
func (b *BrainDefinition) Description() string { return b.description }

// StepCount returns the number of top-level steps.
func (b *BrainDefinition) StepCount() int { return len(b.steps) }

// clone copies the definition with room for one more step.
func (b *BrainDefinition) clone() *BrainDefinition {
	cp := *b
	cp.steps = make([]stepDef, len(b.steps), len(b.steps)+1)
	copy(cp.steps, b.steps)
	return &cp
}

// WithDescription returns a definition with the description set.
func (b *BrainDefinition) WithDescription(d string) *BrainDefinition {
	cp := b.clone()
	cp.description = d
	return cp
}

// WithOptionsSchema returns a definition whose run options are validated
// against the given JSON Schema before START is emitted.
func (b *BrainDefinition) WithOptionsSchema(schema json.RawMessage) *BrainDefinition {
	cp := b.clone()
	cp.optionsSchema = schema
	return cp
}

// Step appends a plain computation step.
func (b *BrainDefinition) Step(title string, body StepFunc) *BrainDefinition {
	cp := b.clone()
	cp.steps = append(cp.steps, stepDef{kind: stepPlain, title: title, plain: body})
	return cp
}

// AgentStep appends an LLM agent-loop step.
func (b *BrainDefinition) AgentStep(title string, body AgentFunc) *BrainDefinition {
	cp := b.clone()
	cp.steps = append(cp.steps, stepDef{kind: stepAgent, title: title, agent: body})
	return cp
}

// Brain appends a nested sub-brain. adapt projects parent state into the
// child's initial state (nil passes the parent state through); merge folds
// the child's final state back (nil replaces the parent state with the
// child's).
func (b *BrainDefinition) Brain(title string, child *BrainDefinition, adapt AdaptFunc, merge MergeFunc) *BrainDefinition {
	if adapt == nil {
		adapt = func(parent State) State { return CloneState(parent) }
	}
	if merge == nil {
		merge = func(_, child State) State { return child }
	}
	cp := b.clone()
	cp.steps = append(cp.steps, stepDef{kind: stepNested, title: title, child: child, adapt: adapt, merge: merge})
	return cp
}

// BatchStep appends a chunked batch agent step.
func (b *BrainDefinition) BatchStep(title string, spec BatchSpec) *BrainDefinition {
	s := spec
	if s.ChunkSize <= 0 {
		s.ChunkSize = 1
	}
	if s.ResultKey == "" {
		s.ResultKey = "results"
	}
	cp := b.clone()
	cp.steps = append(cp.steps, stepDef{kind: stepBatch, title: title, batch: &s})
	return cp
}

// --- structure traversal ---

// BrainStructure is the recursive shape of a definition, used by hosts to
// render directories and resolve identifiers.
type BrainStructure struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Steps       []StepStructure `json:"steps"`
}

// StepStructure describes one step; nested brains carry their own structure.
type StepStructure struct {
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	InnerBrain *BrainStructure `json:"innerBrain,omitempty"`
}

// Structure returns the definition's recursive shape.
func (b *BrainDefinition) Structure() BrainStructure {
	out := BrainStructure{Title: b.title, Description: b.description, Steps: make([]StepStructure, len(b.steps))}
	for i, s := range b.steps {
		ss := StepStructure{Type: s.kind.String(), Title: s.title}
		if s.kind == stepNested {
			inner := s.child.Structure()
			ss.InnerBrain = &inner
		}
		out.Steps[i] = ss
	}
	return out
}

// initialStepTree builds the all-pending SerializedStep snapshot for a
// definition. Nested brains include their child trees.
func (b *BrainDefinition) initialStepTree() []SerializedStep {
	tree := make([]SerializedStep, len(b.steps))
	for i, s := range b.steps {
		tree[i] = SerializedStep{Title: s.title, Type: s.kind.String(), Status: StepPending}
		if s.kind == stepNested {
			tree[i].InnerSteps = s.child.initialStepTree()
		}
	}
	return tree
}
