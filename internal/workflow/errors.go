package workflow

import "fmt"

// Load-error reason codes classify every way a workflow document can fail
// validation. Codes are stable strings so callers can switch on them without
// parsing message text.
const (
	// ReasonMissingField is reported when a step omits a required field.
	ReasonMissingField = "missing-field"

	// ReasonEmptyField is reported when a required field is present but empty.
	ReasonEmptyField = "empty-field"

	// ReasonBadEnum is reported for a device kind outside the closed set.
	ReasonBadEnum = "bad-enum"

	// ReasonDuplicateTag is reported when two steps in the same flow scope
	// declare the same tag.
	ReasonDuplicateTag = "duplicate-tag"

	// ReasonUnresolvedTag is reported when a jump target does not resolve
	// within the jumping step's flow scope, or when a parallel-group member
	// declares a jump (group members cannot participate in jump logic).
	ReasonUnresolvedTag = "unresolved-tag"

	// ReasonUnresolvedHandler is reported when an error-handler name is
	// neither registered nor advertised as a built-in.
	ReasonUnresolvedHandler = "unresolved-handler"

	// ReasonUnresolvedOptionalFlow is reported when execute_optional_flow
	// names a flow absent from the optional-flow registry.
	ReasonUnresolvedOptionalFlow = "unresolved-optional-flow"

	// ReasonJumpCycle is reported when jump_on_failure references within one
	// flow form a cycle (including a self-jump).
	ReasonJumpCycle = "jump-cycle"

	// ReasonOptionalFlowCycle is reported when execute_optional_flow
	// references across the registry form a cycle.
	ReasonOptionalFlowCycle = "optional-flow-cycle"

	// ReasonVariableUndefined is reported when a ${name} reference names a
	// variable absent from the variables map.
	ReasonVariableUndefined = "variable-undefined"

	// ReasonBadParametersType is reported when a step's parameters field is
	// present but not a map.
	ReasonBadParametersType = "bad-parameters-type"
)

// LoadError is the fatal validation error produced by the loader. Path
// locates the offending node in the document (e.g. "steps[3].parallel[1]"),
// Reason is one of the Reason* codes, and Message is human-readable detail.
type LoadError struct {
	Path    string
	Reason  string
	Message string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workflow: [%s] %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("workflow: %s: [%s] %s", e.Path, e.Reason, e.Message)
}

func loadErrf(path, reason, format string, args ...any) *LoadError {
	return &LoadError{Path: path, Reason: reason, Message: fmt.Sprintf(format, args...)}
}
