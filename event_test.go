package cortex

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	terminal := []EventType{EventComplete, EventError, EventCancelled, EventPaused}
	for _, typ := range terminal {
		ev := Event{Type: typ}
		if !ev.IsTerminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}
	nonTerminal := []EventType{
		EventStart, EventResumed, EventStepStatus, EventStepStart,
		EventStepComplete, EventAgentStart, EventAgentIteration,
		EventBatchChunkComplete, EventWebhook, EventWebhookResponse,
	}
	for _, typ := range nonTerminal {
		ev := Event{Type: typ}
		if ev.IsTerminal() {
			t.Errorf("%s should not be terminal", typ)
		}
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	ev := Event{
		Type:       EventStepComplete,
		BrainRunID: "run-1",
		Timestamp:  42,
		Options:    map[string]any{"zeta": 1, "alpha": 2, "mid": 3},
		Step: &StepEvent{
			Title: "S1",
			Patch: Patch{{Op: "add", Path: "/a", Value: 1}},
		},
	}
	first, err := ev.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := ev.Canonical()
		if err != nil {
			t.Fatalf("Canonical: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("canonical form unstable:\n%s\n%s", first, again)
		}
	}
	if bytes.ContainsRune(first, '\n') {
		t.Fatalf("canonical output contains whitespace: %s", first)
	}
	var v any
	if err := json.Unmarshal(first, &v); err != nil {
		t.Fatalf("canonical output is not valid JSON: %v", err)
	}
}

func TestCanonicalDecodeRoundTrip(t *testing.T) {
	ev := Event{
		Type:       EventAgentToolCall,
		BrainRunID: "run-2",
		Timestamp:  7,
		Agent: &AgentEvent{
			StepTitle:  "research",
			ToolCallID: "call_1",
			ToolName:   "lookup",
			Args:       json.RawMessage(`{"q":"tides"}`),
		},
	}
	data, err := ev.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.Type != ev.Type || got.BrainRunID != ev.BrainRunID || got.Timestamp != ev.Timestamp {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Agent == nil || got.Agent.ToolName != "lookup" || got.Agent.ToolCallID != "call_1" {
		t.Fatalf("agent payload mismatch: %+v", got.Agent)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestResumeContextDeepest(t *testing.T) {
	leaf := &ResumeContext{StepIndex: 2}
	rc := &ResumeContext{
		StepIndex: 0,
		Inner:     &ResumeContext{StepIndex: 1, Inner: leaf},
	}
	if got := rc.Deepest(); got != leaf {
		t.Fatalf("Deepest = %+v, want leaf", got)
	}
	if got := leaf.Deepest(); got != leaf {
		t.Fatal("Deepest of a leaf should be itself")
	}
}
