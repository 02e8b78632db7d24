// Package cortex is a framework for defining and running brains: ordered,
// durably-resumable, event-emitting execution graphs that mix deterministic
// computation steps with LLM-driven agent loops, webhook waits, and nested
// sub-brains.
//
// # Quick Start
//
// Build a brain with the fluent definition builder and run it:
//
//	def := cortex.NewBrain("greeter").
//		Step("load", func(ctx context.Context, sc *cortex.StepContext) (cortex.State, error) {
//			return cortex.State{"who": "world"}, nil
//		}).
//		AgentStep("respond", func(ctx context.Context, sc *cortex.StepContext) (cortex.AgentSpec, error) {
//			return cortex.AgentSpec{
//				Prompt: "Greet " + sc.State["who"].(string),
//				Tools: map[string]cortex.ToolDef{
//					"done": {Description: "Finish", Terminal: true},
//				},
//			}, nil
//		})
//
//	for ev := range cortex.Run(ctx, def, cortex.RunParams{Client: client}) {
//		fmt.Println(ev.Type)
//	}
//
// Running a brain produces a lazy, ordered stream of events. Applying each
// STEP_COMPLETE patch to the START event's initial state reproduces the state
// the next step observed, so any prefix of the stream ending in PAUSED can be
// replayed and resumed with [Resume] without re-executing past steps.
//
// # Core Interfaces
//
//   - [ObjectGenerator] — LLM backend (generateText, generateObject, streaming)
//   - [SignalProvider] — host-to-engine control channel (KILL, PAUSE, ...)
//   - [Adapter] — side-effecting consumer of the event stream
//   - [Resources], [Pages], [Memory] — injected step-body capabilities
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Event stores: store/sqlite (local), store/postgres.
// Observability: observer (OpenTelemetry traces and metrics).
//
// See the cmd/cortex directory for a runnable reference host.
package cortex
