package cortex

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// scriptGenerator is an ObjectGenerator that replays scripted results, one
// per GenerateText call, and records every request for assertions.
type scriptGenerator struct {
	mu       sync.Mutex
	script   []GenerateTextResult
	requests []GenerateTextRequest

	// onCall, when set, runs before returning the i-th result. Used to queue
	// signals at deterministic points.
	onCall func(i int, req GenerateTextRequest)

	// err, when set, is returned once the script is exhausted.
	err error
}

func (g *scriptGenerator) GenerateText(ctx context.Context, req GenerateTextRequest) (GenerateTextResult, error) {
	if err := ctx.Err(); err != nil {
		return GenerateTextResult{}, err
	}
	g.mu.Lock()
	i := len(g.requests)
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.onCall != nil {
		g.onCall(i, req)
	}
	if i >= len(g.script) {
		if g.err != nil {
			return GenerateTextResult{}, g.err
		}
		return GenerateTextResult{}, errors.New("script exhausted")
	}
	return g.script[i], nil
}

func (g *scriptGenerator) GenerateObject(_ context.Context, _ GenerateObjectRequest) (GenerateObjectResult, error) {
	return GenerateObjectResult{}, errors.New("not scripted")
}

func (g *scriptGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *scriptGenerator) request(i int) GenerateTextRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

// textReply scripts an assistant message with no tool calls.
func textReply(text string, tokens int) GenerateTextResult {
	return GenerateTextResult{
		Text:             text,
		Usage:            Usage{TotalTokens: tokens},
		ResponseMessages: []ChatMessage{{Role: "assistant", Content: text}},
	}
}

// toolReply scripts a response containing the given tool calls.
func toolReply(tokens int, calls ...ToolCall) GenerateTextResult {
	return GenerateTextResult{
		ToolCalls:        calls,
		Usage:            Usage{TotalTokens: tokens},
		ResponseMessages: []ChatMessage{{Role: "assistant", ToolCalls: calls}},
	}
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// collect drains a run's stream into a slice.
func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// types projects the event kinds, the usual first assertion in stream tests.
func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func wantTypes(t *testing.T, events []Event, want ...EventType) {
	t.Helper()
	got := types(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full stream %v)", i, got[i], want[i], got)
		}
	}
}

// findEvent returns the first event of the given type, or fails.
func findEvent(t *testing.T, events []Event, typ EventType) Event {
	t.Helper()
	for _, ev := range events {
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event in %v", typ, types(events))
	return Event{}
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// setState is a plain step body that returns a fixed state.
func setState(s State) StepFunc {
	return func(_ context.Context, _ *StepContext) (State, error) {
		return CloneState(s), nil
	}
}

// linearBrain is the two-step seed brain used across scheduler tests.
func linearBrain() *BrainDefinition {
	return NewBrain("linear").
		Step("S1", setState(State{"a": 1})).
		Step("S2", setState(State{"a": 2}))
}

// recordAdapter collects dispatched events for fan-out assertions.
type recordAdapter struct {
	mu     sync.Mutex
	events []Event
}

func (a *recordAdapter) Dispatch(_ context.Context, ev Event) error {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	return nil
}

func (a *recordAdapter) all() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}
