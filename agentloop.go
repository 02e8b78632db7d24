package cortex

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
)

// defaultMaxIterations caps agent loops whose AgentSpec does not set a limit.
const defaultMaxIterations = 10

// runAgentLoop drives one agent step to a terminal tool, a limit, or a
// suspension. seed and response position the loop at a resume point: seed
// restores the conversation and counters, response settles the pending tool
// call that registered the webhook.
func (r *run) runAgentLoop(ctx context.Context, sd stepDef, state State, seed *AgentContext, response json.RawMessage) (State, error) {
	sc := r.stepContext(state)
	spec, err := callAgentBuilder(ctx, sd.agent, sc)
	if err != nil {
		return nil, err
	}
	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	descriptors, err := toolDescriptors(spec.Tools)
	if err != nil {
		return nil, err
	}

	var messages []ChatMessage
	iteration, tokens := 0, 0
	if seed == nil {
		if err := r.emit(ctx, Event{Type: EventAgentStart, Agent: &AgentEvent{StepTitle: sd.title, Message: spec.Prompt}}); err != nil {
			return nil, err
		}
		messages = []ChatMessage{UserMessage(spec.Prompt)}
	} else {
		messages = append(messages, seed.Messages...)
		iteration = seed.Iteration
		tokens = seed.TotalTokens

		// Settle tool calls announced before the suspension: the webhook
		// response becomes the awaiting call's result, then any calls left
		// un-executed in that iteration run now.
		pending := seed.PendingToolCalls
		if len(response) > 0 && len(pending) > 0 {
			tc := pending[0]
			if err := r.emit(ctx, Event{Type: EventAgentToolResult, Agent: &AgentEvent{StepTitle: sd.title, ToolCallID: tc.ID, ToolName: tc.Name, Result: json.RawMessage(response)}}); err != nil {
				return nil, err
			}
			messages = append(messages, ToolResultMessage(tc.ID, string(response)))
			pending = pending[1:]
		}
		for i, tc := range pending {
			resState, done, err := r.dispatchToolCall(ctx, sd.title, spec, sc, tc, &messages)
			if err != nil {
				return nil, r.suspendOnAwait(ctx, sd.title, err, pending[i+1:])
			}
			if done {
				return resState, nil
			}
		}
	}

	for {
		// 1. Drain queued user messages into the conversation, ordered.
		for {
			sig, err := r.signals.Take(ctx, FilterOf(SignalUserMessage), true)
			if err != nil {
				return nil, err
			}
			if sig == nil {
				break
			}
			if err := r.emit(ctx, Event{Type: EventAgentUserMessage, Agent: &AgentEvent{StepTitle: sd.title, Message: sig.Content}}); err != nil {
				return nil, err
			}
			messages = append(messages, UserMessage(sig.Content))
		}

		// 2. Control signals at the iteration boundary.
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

		iteration++
		if err := r.emit(ctx, Event{Type: EventAgentIteration, Agent: &AgentEvent{StepTitle: sd.title, Iteration: iteration, TotalTokens: tokens}}); err != nil {
			return nil, err
		}

		res, err := r.generateText(ctx, GenerateTextRequest{System: spec.System, Messages: messages, Tools: descriptors})
		if err != nil {
			return nil, err
		}
		tokens += res.Usage.Total()

		raw := res.ResponseMessages
		if len(raw) == 0 {
			// Providers that do not echo message objects still need the turn
			// in the conversation for replay.
			raw = []ChatMessage{{Role: "assistant", Content: res.Text, ToolCalls: res.ToolCalls}}
		}
		for i := range raw {
			if err := r.emit(ctx, Event{Type: EventAgentRawMessage, Agent: &AgentEvent{StepTitle: sd.title, Raw: &raw[i], TotalTokens: tokens}}); err != nil {
				return nil, err
			}
			messages = append(messages, raw[i])
		}
		if res.Text != "" {
			if err := r.emit(ctx, Event{Type: EventAgentAssistantMessage, Agent: &AgentEvent{StepTitle: sd.title, Message: res.Text}}); err != nil {
				return nil, err
			}
		}

		for i, tc := range res.ToolCalls {
			if err := r.emit(ctx, Event{Type: EventAgentToolCall, Agent: &AgentEvent{StepTitle: sd.title, ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args}}); err != nil {
				return nil, err
			}
			resState, done, err := r.dispatchToolCall(ctx, sd.title, spec, sc, tc, &messages)
			if err != nil {
				return nil, r.suspendOnAwait(ctx, sd.title, err, res.ToolCalls[i+1:])
			}
			if done {
				return resState, nil
			}
		}

		if spec.MaxTokens > 0 && tokens >= spec.MaxTokens {
			if err := r.emit(ctx, Event{Type: EventAgentTokenLimit, Agent: &AgentEvent{StepTitle: sd.title, Iteration: iteration, TotalTokens: tokens}}); err != nil {
				return nil, err
			}
			return nil, &LimitExceededError{Limit: "tokens", Max: spec.MaxTokens}
		}
		if iteration >= maxIter {
			if err := r.emit(ctx, Event{Type: EventAgentIterationLimit, Agent: &AgentEvent{StepTitle: sd.title, Iteration: iteration, TotalTokens: tokens}}); err != nil {
				return nil, err
			}
			return nil, &LimitExceededError{Limit: "iterations", Max: maxIter}
		}
	}
}

// dispatchToolCall runs one tool invocation. done reports a terminal tool:
// its input becomes the step result state and the loop ends. An Await error
// from Execute propagates for the caller to convert into a suspension.
func (r *run) dispatchToolCall(ctx context.Context, stepTitle string, spec AgentSpec, sc *StepContext, tc ToolCall, messages *[]ChatMessage) (State, bool, error) {
	tool, ok := spec.Tools[tc.Name]
	if !ok {
		return nil, false, r.feedToolResult(ctx, stepTitle, tc, "unknown tool: "+tc.Name, messages)
	}
	if err := validateJSON("tool input", tool.InputSchema, tc.Args); err != nil {
		// Fed back as the tool result so the model can correct its call.
		return nil, false, r.feedToolResult(ctx, stepTitle, tc, err.Error(), messages)
	}

	if tool.Terminal {
		resState := terminalResultState(tc.Args)
		if err := r.emit(ctx, Event{Type: EventAgentComplete, Agent: &AgentEvent{StepTitle: stepTitle, TerminalToolName: tc.Name, Result: resState}}); err != nil {
			return nil, false, err
		}
		return resState, true, nil
	}

	result, err := callToolExecute(ctx, tool, sc, tc.Args)
	if err != nil {
		return nil, false, err
	}
	if err := r.emit(ctx, Event{Type: EventAgentToolResult, Agent: &AgentEvent{StepTitle: stepTitle, ToolCallID: tc.ID, ToolName: tc.Name, Result: result}}); err != nil {
		return nil, false, err
	}
	*messages = append(*messages, ToolResultMessage(tc.ID, stringifyResult(result)))
	return nil, false, nil
}

// feedToolResult records a synthetic tool result (unknown tool, rejected
// input) without failing the run.
func (r *run) feedToolResult(ctx context.Context, stepTitle string, tc ToolCall, text string, messages *[]ChatMessage) error {
	if err := r.emit(ctx, Event{Type: EventAgentToolResult, Agent: &AgentEvent{StepTitle: stepTitle, ToolCallID: tc.ID, ToolName: tc.Name, Result: text}}); err != nil {
		return err
	}
	*messages = append(*messages, ToolResultMessage(tc.ID, text))
	return nil
}

// suspendOnAwait converts an Await error from a tool into an AGENT_WEBHOOK
// suspension. Calls the model requested but the loop has not yet executed are
// announced first so the resume path can settle them. Non-await errors pass
// through unchanged.
func (r *run) suspendOnAwait(ctx context.Context, stepTitle string, err error, remaining []ToolCall) error {
	var aw *errAwait
	if !errors.As(err, &aw) {
		return err
	}
	for _, tc := range remaining {
		if e := r.emit(ctx, Event{Type: EventAgentToolCall, Agent: &AgentEvent{StepTitle: stepTitle, ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args}}); e != nil {
			return e
		}
	}
	if e := r.emit(ctx, Event{Type: EventAgentWebhook, Agent: &AgentEvent{StepTitle: stepTitle, Webhooks: aw.webhooks}}); e != nil {
		return e
	}
	return errRunPaused
}

// generateText performs one model call with a KILL watcher: a KILL signal
// arriving mid-call cancels the call context and the partial result is
// discarded.
func (r *run) generateText(ctx context.Context, req GenerateTextRequest) (GenerateTextResult, error) {
	if r.client == nil {
		return GenerateTextResult{}, errors.New("agent step requires an ObjectGenerator client")
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	killed := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		sig, err := r.signals.Take(callCtx, FilterOf(SignalKill), false)
		if err == nil && sig != nil {
			close(killed)
			cancel()
		}
	}()

	res, err := r.client.GenerateText(callCtx, req)
	cancel()
	<-watchDone

	select {
	case <-killed:
		return GenerateTextResult{}, errRunKilled
	default:
	}
	if err != nil {
		return GenerateTextResult{}, err
	}
	return res, nil
}

// terminalResultState turns a terminal tool's input into the step result
// state. Non-object inputs land under a "result" key.
func terminalResultState(args json.RawMessage) State {
	var m map[string]any
	if len(args) > 0 && json.Unmarshal(args, &m) == nil && m != nil {
		return State(m)
	}
	return State{"result": string(args)}
}

// toolDescriptors advertises the AgentSpec's tools to the model in a stable
// (name-sorted) order.
func toolDescriptors(tools map[string]ToolDef) ([]ToolDescriptor, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		td := tools[name]
		if !td.Terminal && td.Execute == nil {
			return nil, &ValidationError{Subject: "tool " + name, Detail: "non-terminal tool must provide Execute"}
		}
		out = append(out, ToolDescriptor{Name: name, Description: td.Description, Parameters: td.InputSchema})
	}
	return out, nil
}

func callAgentBuilder(ctx context.Context, build AgentFunc, sc *StepContext) (spec AgentSpec, err error) {
	defer func() {
		if v := recover(); v != nil {
			spec, err = AgentSpec{}, serializePanic(v)
		}
	}()
	return build(ctx, sc)
}

func callToolExecute(ctx context.Context, tool ToolDef, sc *StepContext, input json.RawMessage) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			result, err = nil, serializePanic(v)
		}
	}()
	return tool.Execute(ctx, sc, input)
}
