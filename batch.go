package cortex

import (
	"context"
	"encoding/json"
	"errors"
)

// runBatch executes a batch agent step: items are processed in order, one
// quiet agent loop per item, with BATCH_CHUNK_COMPLETE emitted after each
// chunk carrying the accumulated results. seed positions the loop at a
// resume point; processing restarts at exactly the next unprocessed index.
func (r *run) runBatch(ctx context.Context, sd stepDef, state State, seed *BatchProgress) (State, error) {
	spec := sd.batch
	sc := r.stepContext(state)

	items, err := callBatchItems(ctx, spec, sc)
	if err != nil {
		return nil, err
	}

	start := 0
	var results []BatchResult
	if seed != nil {
		start = seed.ProcessedCount
		results = append(results, seed.Results...)
	}
	reported := start

	for i := start; i < len(items); i++ {
		// Item boundaries are suspension points, same as step boundaries.
		sig, err := r.signals.Take(ctx, FilterOf(SignalKill, SignalPause), true)
		if err != nil {
			return nil, err
		}
		if sig != nil {
			switch sig.Type {
			case SignalKill:
				return nil, errRunKilled
			case SignalPause:
				// Flush a partial chunk so the resume context's processed
				// count matches the items actually finished.
				if err := r.emitChunk(ctx, sd.title, spec, i, reported, results); err != nil {
					return nil, err
				}
				return nil, errRunPaused
			}
		}

		itemSpec, err := callBatchBody(ctx, spec, items[i], sc)
		if err != nil {
			return nil, err
		}
		result, err := r.runBatchItem(ctx, itemSpec, sc)
		if err != nil {
			return nil, err
		}
		if err := validateJSON("batch result", spec.Schema, result); err != nil {
			return nil, err
		}
		results = append(results, BatchResult{Index: i, Result: result})

		if (i+1)%spec.ChunkSize == 0 || i == len(items)-1 {
			if err := r.emitChunk(ctx, sd.title, spec, i+1, reported, results); err != nil {
				return nil, err
			}
			reported = i + 1
		}
	}

	plain, err := toPlainJSON(results)
	if err != nil {
		return nil, engineInternalf("encode batch results: %v", err)
	}
	next := CloneState(state)
	if next == nil {
		next = State{}
	}
	next[spec.ResultKey] = plain
	return next, nil
}

func (r *run) emitChunk(ctx context.Context, stepTitle string, spec *BatchSpec, processed, reported int, results []BatchResult) error {
	if processed <= reported {
		return nil
	}
	snapshot := make([]BatchResult, len(results))
	copy(snapshot, results)
	return r.emit(ctx, Event{Type: EventBatchChunkComplete, Batch: &BatchEvent{
		StepTitle:  stepTitle,
		ChunkIndex: (processed - 1) / spec.ChunkSize,
		Processed:  processed,
		Results:    snapshot,
	}})
}

// runBatchItem is the quiet agent loop for one batch item: no AGENT_* events,
// progress is reported at chunk granularity only. KILL still cancels an
// in-flight model call through the generateText watcher.
func (r *run) runBatchItem(ctx context.Context, spec AgentSpec, sc *StepContext) (any, error) {
	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	descriptors, err := toolDescriptors(spec.Tools)
	if err != nil {
		return nil, err
	}

	messages := []ChatMessage{UserMessage(spec.Prompt)}
	tokens := 0
	for iteration := 1; ; iteration++ {
		res, err := r.generateText(ctx, GenerateTextRequest{System: spec.System, Messages: messages, Tools: descriptors})
		if err != nil {
			return nil, err
		}
		tokens += res.Usage.Total()

		raw := res.ResponseMessages
		if len(raw) == 0 {
			raw = []ChatMessage{{Role: "assistant", Content: res.Text, ToolCalls: res.ToolCalls}}
		}
		messages = append(messages, raw...)

		for _, tc := range res.ToolCalls {
			tool, ok := spec.Tools[tc.Name]
			if !ok {
				messages = append(messages, ToolResultMessage(tc.ID, "unknown tool: "+tc.Name))
				continue
			}
			if err := validateJSON("tool input", tool.InputSchema, tc.Args); err != nil {
				messages = append(messages, ToolResultMessage(tc.ID, err.Error()))
				continue
			}
			if tool.Terminal {
				return terminalResultValue(tc.Args), nil
			}
			result, err := callToolExecute(ctx, tool, sc, tc.Args)
			if err != nil {
				var aw *errAwait
				if errors.As(err, &aw) {
					return nil, errors.New("webhook waits are not supported inside batch items")
				}
				return nil, err
			}
			messages = append(messages, ToolResultMessage(tc.ID, stringifyResult(result)))
		}

		if spec.MaxTokens > 0 && tokens >= spec.MaxTokens {
			return nil, &LimitExceededError{Limit: "tokens", Max: spec.MaxTokens}
		}
		if iteration >= maxIter {
			return nil, &LimitExceededError{Limit: "iterations", Max: maxIter}
		}
	}
}

// terminalResultValue decodes a terminal tool's input as the item result.
func terminalResultValue(args json.RawMessage) any {
	var v any
	if len(args) > 0 && json.Unmarshal(args, &v) == nil {
		return v
	}
	return string(args)
}

func callBatchItems(ctx context.Context, spec *BatchSpec, sc *StepContext) (items []any, err error) {
	defer func() {
		if v := recover(); v != nil {
			items, err = nil, serializePanic(v)
		}
	}()
	return spec.Items(ctx, sc)
}

func callBatchBody(ctx context.Context, spec *BatchSpec, item any, sc *StepContext) (out AgentSpec, err error) {
	defer func() {
		if v := recover(); v != nil {
			out, err = AgentSpec{}, serializePanic(v)
		}
	}()
	return spec.Body(ctx, item, sc)
}
