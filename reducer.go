package cortex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Frame is one level of the execution stack, outermost first.
type Frame struct {
	def        *BrainDefinition
	BrainTitle string
	StepIndex  int
	State      State

	// steps holds this level's status nodes. For nested frames it aliases
	// the parent node's InnerSteps so status writes are visible from the
	// top-level tree.
	steps []SerializedStep
}

// RunSnapshot is the state machine derived from an event stream. The running
// engine maintains one live; Resume rebuilds one offline by replaying a
// stored log through Reduce. Replay is O(events): each event touches only
// the deepest frame and the agent context.
type RunSnapshot struct {
	rootDef *BrainDefinition

	BrainRunID string
	Options    map[string]any

	Frames []Frame

	// Agent is the deepest level's in-flight agent conversation, nil outside
	// an agent step.
	Agent          *AgentContext
	agentStepTitle string

	// Batch is the deepest level's in-flight batch progress.
	Batch *BatchProgress

	// PendingWebhooks is non-nil while the run awaits a webhook response.
	// WebhookResponse is a response observed in the log but not yet consumed
	// by a step; resume delivers it via StepContext.Response or as the
	// pending tool call's result.
	PendingWebhooks []Webhook
	WebhookResponse json.RawMessage

	Complete bool
	Killed   bool
	Paused   bool
	Errored  bool

	LastTimestamp int64
}

// NewSnapshot creates an empty snapshot bound to a definition. The first
// frame materializes when the START event is reduced.
func NewSnapshot(def *BrainDefinition) *RunSnapshot {
	return &RunSnapshot{rootDef: def}
}

// Reduce folds one event into the snapshot. Events must arrive in stream
// order. An error indicates a corrupt log or patch and is always an
// EngineInternalError.
func (s *RunSnapshot) Reduce(ev Event) error {
	if ev.Timestamp < s.LastTimestamp {
		return engineInternalf("event timestamp regressed: %d after %d", ev.Timestamp, s.LastTimestamp)
	}
	s.LastTimestamp = ev.Timestamp

	switch ev.Type {
	case EventStart:
		s.BrainRunID = ev.BrainRunID
		s.Options = ev.Options
		s.Frames = []Frame{{
			def:        s.rootDef,
			BrainTitle: s.rootDef.title,
			State:      CloneState(ev.InitialState),
			steps:      s.rootDef.initialStepTree(),
		}}

	case EventStepStart:
		if ev.Step == nil {
			return engineInternalf("STEP_START without step payload")
		}
		f, err := s.frameAt(ev.Step.Depth)
		if err != nil {
			return err
		}
		if ev.Step.Index >= len(f.def.steps) {
			return engineInternalf("STEP_START index %d out of range at depth %d", ev.Step.Index, ev.Step.Depth)
		}
		f.steps[ev.Step.Index].Status = StepRunning
		if sd := f.def.steps[ev.Step.Index]; sd.kind == stepNested {
			s.Frames = append(s.Frames, Frame{
				def:        sd.child,
				BrainTitle: sd.child.title,
				State:      sd.adapt(f.State),
				steps:      f.steps[ev.Step.Index].InnerSteps,
			})
		}

	case EventStepComplete:
		if ev.Step == nil {
			return engineInternalf("STEP_COMPLETE without step payload")
		}
		f, err := s.frameAt(ev.Step.Depth)
		if err != nil {
			return err
		}
		// A completing nested step pops its child frame.
		s.Frames = s.Frames[:ev.Step.Depth+1]
		next, err := ApplyPatchToState(f.State, ev.Step.Patch)
		if err != nil {
			return engineInternalf("apply stored patch for step %q: %v", ev.Step.Title, err)
		}
		f.State = next
		f.steps[ev.Step.Index].Status = StepComplete
		if ev.Step.Halted {
			f.StepIndex = len(f.def.steps)
		} else {
			f.StepIndex = ev.Step.Index + 1
		}
		s.Agent = nil
		s.agentStepTitle = ""
		s.Batch = nil
		s.PendingWebhooks = nil
		s.WebhookResponse = nil

	case EventAgentStart:
		if ev.Agent == nil {
			return engineInternalf("AGENT_START without agent payload")
		}
		s.agentStepTitle = ev.Agent.StepTitle
		s.Agent = &AgentContext{Messages: []ChatMessage{UserMessage(ev.Agent.Message)}}

	case EventAgentIteration:
		if s.Agent == nil || ev.Agent == nil {
			return engineInternalf("AGENT_ITERATION outside agent step")
		}
		s.Agent.Iteration = ev.Agent.Iteration
		s.Agent.TotalTokens = ev.Agent.TotalTokens

	case EventAgentUserMessage:
		if s.Agent == nil || ev.Agent == nil {
			return engineInternalf("AGENT_USER_MESSAGE outside agent step")
		}
		s.Agent.Messages = append(s.Agent.Messages, UserMessage(ev.Agent.Message))

	case EventAgentRawMessage:
		if s.Agent == nil || ev.Agent == nil || ev.Agent.Raw == nil {
			return engineInternalf("AGENT_RAW_RESPONSE_MESSAGE without message")
		}
		s.Agent.Messages = append(s.Agent.Messages, *ev.Agent.Raw)
		if ev.Agent.TotalTokens > 0 {
			s.Agent.TotalTokens = ev.Agent.TotalTokens
		}

	case EventAgentAssistantMessage:
		// Display-only: the raw response message already carries the
		// conversation content.

	case EventAgentToolCall:
		if s.Agent == nil || ev.Agent == nil {
			return engineInternalf("AGENT_TOOL_CALL outside agent step")
		}
		s.Agent.PendingToolCalls = append(s.Agent.PendingToolCalls, ToolCall{
			ID:   ev.Agent.ToolCallID,
			Name: ev.Agent.ToolName,
			Args: ev.Agent.Args,
		})

	case EventAgentToolResult:
		if s.Agent == nil || ev.Agent == nil {
			return engineInternalf("AGENT_TOOL_RESULT outside agent step")
		}
		s.Agent.Messages = append(s.Agent.Messages, ToolResultMessage(ev.Agent.ToolCallID, stringifyResult(ev.Agent.Result)))
		s.removePendingToolCall(ev.Agent.ToolCallID)

	case EventAgentComplete, EventAgentTokenLimit, EventAgentIterationLimit:
		// Loop over. For the limit events the ERROR that follows settles
		// the run.
		s.Agent = nil
		s.agentStepTitle = ""

	case EventAgentWebhook:
		if ev.Agent == nil {
			return engineInternalf("AGENT_WEBHOOK without agent payload")
		}
		s.PendingWebhooks = ev.Agent.Webhooks

	case EventWebhook:
		s.PendingWebhooks = ev.Webhooks

	case EventWebhookResponse:
		s.WebhookResponse = ev.Response
		s.PendingWebhooks = nil

	case EventBatchChunkComplete:
		if ev.Batch == nil {
			return engineInternalf("BATCH_CHUNK_COMPLETE without batch payload")
		}
		s.Batch = &BatchProgress{ProcessedCount: ev.Batch.Processed, Results: ev.Batch.Results}

	case EventStepStatus:
		// Derived output, not an input: internal bookkeeping stays
		// authoritative during replay.

	case EventPaused:
		s.Paused = true
		s.rewriteRunning(StepPausedAt)

	case EventResumed:
		s.Paused = false
		s.revivePaused()

	case EventComplete:
		s.Complete = true

	case EventCancelled:
		s.Killed = true
		s.rewriteRunning(StepCancelled)

	case EventError:
		s.Errored = true
		s.rewriteRunning(StepError)

	default:
		return engineInternalf("unknown event type %q", ev.Type)
	}
	return nil
}

func (s *RunSnapshot) frameAt(depth int) (*Frame, error) {
	if depth < 0 || depth >= len(s.Frames) {
		return nil, engineInternalf("no frame at depth %d (stack %d)", depth, len(s.Frames))
	}
	return &s.Frames[depth], nil
}

func (s *RunSnapshot) removePendingToolCall(id string) {
	for i, tc := range s.Agent.PendingToolCalls {
		if tc.ID == id {
			s.Agent.PendingToolCalls = append(s.Agent.PendingToolCalls[:i], s.Agent.PendingToolCalls[i+1:]...)
			return
		}
	}
}

// rewriteRunning moves every running step to the given settled status.
func (s *RunSnapshot) rewriteRunning(status StepStatus) {
	for fi := range s.Frames {
		f := &s.Frames[fi]
		for i := range f.steps {
			if f.steps[i].Status == StepRunning {
				f.steps[i].Status = status
			}
		}
	}
}

// revivePaused restores paused step statuses after RESUMED: a step with an
// interior suspension (agent, batch, webhook) resumes in place and shows
// running again; anything else reverts to pending until its STEP_START.
func (s *RunSnapshot) revivePaused() {
	resumesInPlace := s.Agent != nil || s.Batch != nil || s.PendingWebhooks != nil || len(s.WebhookResponse) > 0
	for fi := range s.Frames {
		f := &s.Frames[fi]
		for i := range f.steps {
			if f.steps[i].Status != StepPausedAt {
				continue
			}
			if resumesInPlace && fi == len(s.Frames)-1 && i == f.StepIndex {
				f.steps[i].Status = StepRunning
			} else {
				f.steps[i].Status = StepPending
			}
		}
	}
}

// StepTree returns a deep copy of the top-level step tree, suitable for
// embedding in a STEP_STATUS event.
func (s *RunSnapshot) StepTree() []SerializedStep {
	if len(s.Frames) == 0 {
		return nil
	}
	return cloneStepTree(s.Frames[0].steps)
}

func cloneStepTree(steps []SerializedStep) []SerializedStep {
	if steps == nil {
		return nil
	}
	out := make([]SerializedStep, len(steps))
	for i, st := range steps {
		out[i] = st
		out[i].InnerSteps = cloneStepTree(st.InnerSteps)
	}
	return out
}

// DeriveResumeContext builds the resume tree for the snapshot's current
// suspension point: one node per frame, with the interior marker (agent,
// webhook, batch) on the deepest node.
func (s *RunSnapshot) DeriveResumeContext() *ResumeContext {
	if len(s.Frames) == 0 {
		return nil
	}
	var root, cur *ResumeContext
	for i := range s.Frames {
		node := &ResumeContext{
			StepIndex: s.Frames[i].StepIndex,
			State:     CloneState(s.Frames[i].State),
			StateHash: StateHash(s.Frames[i].State),
		}
		if root == nil {
			root = node
		} else {
			cur.Inner = node
		}
		cur = node
	}
	cur.Agent = s.Agent
	cur.Batch = s.Batch
	cur.PendingWebhooks = s.PendingWebhooks
	cur.WebhookResponse = s.WebhookResponse
	return root
}

// StateHash returns a stable content hash of a state object, used to verify
// host-provided resume contexts against log replay.
func StateHash(s State) string {
	var doc any
	if s != nil {
		doc = map[string]any(s)
	}
	b, err := json.Marshal(normalize(doc))
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// stringifyResult renders a tool result for the conversation transcript.
func stringifyResult(v any) string {
	switch r := v.(type) {
	case nil:
		return "null"
	case string:
		return r
	case json.RawMessage:
		return string(r)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
