package cortex

import (
	"context"
	"encoding/json"
)

// StepContext is the explicit run-scoped context handed to every step body,
// agent-spec builder, and tool execute function. Nothing is captured in
// closures: all capabilities a body may use arrive through this struct.
type StepContext struct {
	// State is the current brain-level state. Bodies must treat it as
	// read-only and return a new value; the engine records the diff.
	State State

	// Options is the validated run options object.
	Options map[string]any

	// Injected capabilities. Any of these may be nil when the host did not
	// provide them; bodies that require one should error explicitly.
	Resources Resources
	Pages     Pages
	Env       map[string]string
	Memory    Memory

	// Response carries the webhook reply when a step re-executes after a
	// WEBHOOK_RESPONSE resume. Nil on first execution.
	Response json.RawMessage

	// BrainRunID identifies the run, stable across pause/resume.
	BrainRunID string
}

// withState returns a shallow copy bound to a different state snapshot.
func (sc *StepContext) withState(state State) *StepContext {
	cp := *sc
	cp.State = state
	cp.Response = nil
	return &cp
}

// Resources is a keyed loader for host-provided assets (prompts, documents,
// fixtures). It is read-mostly; implementations must allow concurrent reads.
type Resources interface {
	Get(ctx context.Context, key string) (any, error)
}

// Pages renders host-registered page templates, used by brains that produce
// human-facing surfaces.
type Pages interface {
	Render(ctx context.Context, name string, data any) (string, error)
}

// Memory is an optional append-and-search capability for long-lived context
// across runs.
type Memory interface {
	Append(ctx context.Context, brainRunID string, entry any) error
	Search(ctx context.Context, query string, limit int) ([]any, error)
}

// MapResources is a Resources backed by a fixed map, convenient for tests
// and simple hosts.
type MapResources map[string]any

func (m MapResources) Get(_ context.Context, key string) (any, error) {
	v, ok := m[key]
	if !ok {
		return nil, &ValidationError{Subject: "resource", Detail: "unknown key " + key}
	}
	return v, nil
}
