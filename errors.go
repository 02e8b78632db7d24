package cortex

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// SerializedError is the wire form of an error carried on ERROR events.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *SerializedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// serializeError converts an arbitrary error into its wire form. Typed engine
// errors keep their names; everything else is a user step error.
func serializeError(err error) *SerializedError {
	switch e := err.(type) {
	case *SerializedError:
		return e
	case *EngineInternalError:
		return &SerializedError{Name: "EngineInternal", Message: e.Message}
	case *ValidationError:
		return &SerializedError{Name: "ValidationError", Message: e.Error()}
	case *LimitExceededError:
		return &SerializedError{Name: "LimitExceeded", Message: e.Error()}
	default:
		return &SerializedError{Name: "Error", Message: err.Error()}
	}
}

// serializePanic converts a recovered panic value into a wire error with the
// goroutine stack attached.
func serializePanic(v any) *SerializedError {
	return &SerializedError{
		Name:    "Error",
		Message: fmt.Sprintf("panic: %v", v),
		Stack:   string(debug.Stack()),
	}
}

// EngineInternalError is a fatal engine defect: reducer disagreement on
// resume, an invalid stored patch, or a corrupt event log. It is never caused
// by user step bodies and hosts are expected to escalate it.
type EngineInternalError struct {
	Message string
}

func (e *EngineInternalError) Error() string {
	return "engine internal: " + e.Message
}

func engineInternalf(format string, args ...any) *EngineInternalError {
	return &EngineInternalError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports a failed schema check on the run options object or
// on a tool call's input. It surfaces as a user step error at the relevant
// step, except for options validation which fails the run before START.
type ValidationError struct {
	Subject string // "options", "tool input", "batch result"
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed validation: %s", e.Subject, e.Detail)
}

// LimitExceededError reports an agent loop that hit its token or iteration
// budget without a terminal tool firing.
type LimitExceededError struct {
	Limit string // "tokens" or "iterations"
	Max   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("agent exceeded %s limit (%d)", e.Limit, e.Max)
}

// --- step-body control-flow sentinels ---

// errHalt is returned by Halt. The scheduler converts it into an early,
// successful termination of the current brain level.
type errHalt struct{}

func (*errHalt) Error() string { return "halt" }

// Halt returns an error that a plain step body can return alongside its new
// state to end the current brain level early. The step's STEP_COMPLETE event
// carries halted=true and no further steps at that level run.
func Halt() error { return &errHalt{} }

// errAwait is returned by Await. The engine converts it into a WEBHOOK event
// followed by suspension of the run.
type errAwait struct {
	webhooks []Webhook
}

func (*errAwait) Error() string { return "awaiting webhooks" }

// Await returns an error that a step body or a tool execute function can
// return to register webhooks and suspend the run. The run emits a WEBHOOK
// event (AGENT_WEBHOOK inside an agent loop) and pauses; when the host later
// queues a WEBHOOK_RESPONSE signal and calls Resume, the response is
// delivered via StepContext.Response (plain steps re-execute) or as the
// pending tool call's result (agent steps continue in place).
func Await(webhooks ...Webhook) error {
	return &errAwait{webhooks: webhooks}
}

// Webhook registers an external callback the run will wait on.
type Webhook struct {
	Slug       string          `json:"slug"`
	Identifier string          `json:"identifier"`
	Schema     json.RawMessage `json:"schema,omitempty"`
}
