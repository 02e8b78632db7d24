package cortex

import (
	"encoding/json"
)

// EventType identifies the kind of engine event.
type EventType string

// Lifecycle events. Every run begins with exactly one START and ends with
// exactly one of COMPLETE, ERROR, CANCELLED, or PAUSED. A paused run may
// later be resumed (RESUMED) and yield a further terminal event.
const (
	EventStart     EventType = "START"
	EventComplete  EventType = "COMPLETE"
	EventError     EventType = "ERROR"
	EventCancelled EventType = "CANCELLED"
	EventPaused    EventType = "PAUSED"
	EventResumed   EventType = "RESUMED"
)

// Step events.
const (
	EventStepStatus   EventType = "STEP_STATUS"
	EventStepStart    EventType = "STEP_START"
	EventStepComplete EventType = "STEP_COMPLETE"
)

// Agent events.
const (
	EventAgentStart            EventType = "AGENT_START"
	EventAgentIteration        EventType = "AGENT_ITERATION"
	EventAgentToolCall         EventType = "AGENT_TOOL_CALL"
	EventAgentToolResult       EventType = "AGENT_TOOL_RESULT"
	EventAgentAssistantMessage EventType = "AGENT_ASSISTANT_MESSAGE"
	EventAgentRawMessage       EventType = "AGENT_RAW_RESPONSE_MESSAGE"
	EventAgentUserMessage      EventType = "AGENT_USER_MESSAGE"
	EventAgentComplete         EventType = "AGENT_COMPLETE"
	EventAgentTokenLimit       EventType = "AGENT_TOKEN_LIMIT"
	EventAgentIterationLimit   EventType = "AGENT_ITERATION_LIMIT"
	EventAgentWebhook          EventType = "AGENT_WEBHOOK"
)

// Batch and external events.
const (
	EventBatchChunkComplete EventType = "BATCH_CHUNK_COMPLETE"
	EventWebhook            EventType = "WEBHOOK"
	EventWebhookResponse    EventType = "WEBHOOK_RESPONSE"
)

// Event is the tagged union emitted by the engine. Type discriminates which
// optional sections are populated. Every event carries the brainRunId, the
// run options, and a per-run strictly monotone timestamp (unix millis).
// Consumers receive events by reference and must not mutate them.
type Event struct {
	Type       EventType      `json:"type"`
	BrainRunID string         `json:"brainRunId"`
	Options    map[string]any `json:"options,omitempty"`
	Timestamp  int64          `json:"ts"`

	// Lifecycle payloads.
	BrainTitle   string           `json:"brainTitle,omitempty"`
	InitialState State            `json:"initialState,omitempty"` // START
	FinalState   State            `json:"finalState,omitempty"`   // COMPLETE
	Err          *SerializedError `json:"error,omitempty"`        // ERROR
	ResumeCtx    *ResumeContext   `json:"resumeContext,omitempty"` // PAUSED

	// Step payloads.
	Step  *StepEvent       `json:"step,omitempty"`
	Steps []SerializedStep `json:"steps,omitempty"` // STEP_STATUS

	// Agent payloads.
	Agent *AgentEvent `json:"agent,omitempty"`

	// Batch payloads.
	Batch *BatchEvent `json:"batch,omitempty"`

	// External payloads.
	Webhooks []Webhook       `json:"webhooks,omitempty"` // WEBHOOK
	Response json.RawMessage `json:"response,omitempty"` // WEBHOOK_RESPONSE
}

// StepEvent is the step-scoped payload on STEP_START and STEP_COMPLETE.
// Depth is the brain-nesting level (0 = outermost); Index is the step's
// position in its level's declared order.
type StepEvent struct {
	Title  string `json:"title"`
	Index  int    `json:"index"`
	Depth  int    `json:"depth"`
	Patch  Patch  `json:"patch,omitempty"`
	Halted bool   `json:"halted,omitempty"`
}

// AgentEvent is the agent-scoped payload on AGENT_* events.
type AgentEvent struct {
	StepTitle        string          `json:"stepTitle,omitempty"`
	Iteration        int             `json:"iteration,omitempty"`
	TotalTokens      int             `json:"totalTokens,omitempty"`
	Message          string          `json:"message,omitempty"` // assistant/user text
	Raw              *ChatMessage    `json:"raw,omitempty"`     // provider message, metadata preserved
	ToolCallID       string          `json:"toolCallId,omitempty"`
	ToolName         string          `json:"toolName,omitempty"`
	Args             json.RawMessage `json:"args,omitempty"`
	Result           any             `json:"result,omitempty"`
	TerminalToolName string          `json:"terminalToolName,omitempty"` // AGENT_COMPLETE
	Webhooks         []Webhook       `json:"webhooks,omitempty"`         // AGENT_WEBHOOK
}

// BatchEvent is the payload on BATCH_CHUNK_COMPLETE. Results accumulates
// every item completed so far, in item order.
type BatchEvent struct {
	StepTitle  string        `json:"stepTitle"`
	ChunkIndex int           `json:"chunkIndex"`
	Processed  int           `json:"processed"`
	Results    []BatchResult `json:"results"`
}

// BatchResult pairs a batch item's position with its agent result.
type BatchResult struct {
	Index  int `json:"index"`
	Result any `json:"result"`
}

// StepStatus is the observable execution state of a step in the tree
// snapshot carried on STEP_STATUS events.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepComplete  StepStatus = "complete"
	StepError     StepStatus = "error"
	StepCancelled StepStatus = "cancelled"
	StepPausedAt  StepStatus = "paused"
)

// SerializedStep is one node of the step tree snapshot. Nested brains carry
// their child steps under InnerSteps.
type SerializedStep struct {
	Title      string           `json:"title"`
	Type       string           `json:"type"` // "step", "agent", "brain", "batch"
	Status     StepStatus       `json:"status"`
	InnerSteps []SerializedStep `json:"innerSteps,omitempty"`
}

// IsTerminal reports whether the event ends its run's stream.
func (e *Event) IsTerminal() bool {
	switch e.Type {
	case EventComplete, EventError, EventCancelled, EventPaused:
		return true
	}
	return false
}

// Canonical returns the event's canonical JSON form: object keys sorted,
// no insignificant whitespace. This is the wire format for storage and for
// watch streams; two equal events always produce byte-identical output.
func (e *Event) Canonical() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	// Round-trip through a decoded value: encoding/json emits map keys in
	// sorted order, which yields the canonical key ordering at every level.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// DecodeEvent parses a stored canonical event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// --- resume context ---

// ResumeContext is a snapshot of where a paused or suspended run should pick
// up. It is a tree: each level of the execution stack contributes one node,
// and exactly one of Inner, Agent, WebhookResponse/PendingWebhooks, or Batch
// is set at the deepest node, identifying the interior suspension point.
type ResumeContext struct {
	StepIndex int    `json:"stepIndex"`
	State     State  `json:"state"`
	StateHash string `json:"stateHash,omitempty"`

	Inner           *ResumeContext  `json:"innerResumeContext,omitempty"`
	Agent           *AgentContext   `json:"agentContext,omitempty"`
	WebhookResponse json.RawMessage `json:"webhookResponse,omitempty"`
	PendingWebhooks []Webhook       `json:"pendingWebhooks,omitempty"`
	Batch           *BatchProgress  `json:"batchProgress,omitempty"`
}

// Deepest returns the innermost node of the resume tree.
func (rc *ResumeContext) Deepest() *ResumeContext {
	cur := rc
	for cur.Inner != nil {
		cur = cur.Inner
	}
	return cur
}

// AgentContext captures a mid-agent suspension: the conversation so far, the
// iteration and token counters, and any tool calls still awaiting results
// (webhook waits).
type AgentContext struct {
	Iteration        int           `json:"iteration"`
	TotalTokens      int           `json:"totalTokens"`
	Messages         []ChatMessage `json:"messages"`
	PendingToolCalls []ToolCall    `json:"pendingToolCalls,omitempty"`
}

// BatchProgress captures a mid-batch suspension. ProcessedCount is the number
// of items fully completed; resume restarts at exactly that index.
type BatchProgress struct {
	ProcessedCount int           `json:"processedCount"`
	Results        []BatchResult `json:"results,omitempty"`
}
