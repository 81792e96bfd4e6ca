package tool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/toolgate/protocol"
)

const (
	// CodeToolNotFound is returned when no definition is registered under the name.
	CodeToolNotFound = "TOOL_NOT_FOUND"
	// CodeSchemaValidationFailed is returned when arguments violate the parameter schema.
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	// CodeAdapterNotAvailable is returned when the named backend is missing or offline.
	CodeAdapterNotAvailable = "ADAPTER_NOT_AVAILABLE"
	// CodeHandlerError is returned when a handler cannot be loaded or faults.
	CodeHandlerError = "HANDLER_ERROR"
	// CodePipeTimeout is returned when the remote peer does not answer in time.
	CodePipeTimeout = "PIPE_TIMEOUT"
	// CodePipeDisconnected is returned when the remote peer goes away mid-call.
	CodePipeDisconnected = "PIPE_DISCONNECTED"
	// CodeNotConnected is returned when the held connection closed before the call was sent.
	CodeNotConnected = "NOT_CONNECTED"
	// CodeProtocolError is returned for framing violations.
	CodeProtocolError = protocol.CodeProtocolError
	// CodeInvalidPayload is returned when a frame is not a valid envelope.
	CodeInvalidPayload = protocol.CodeInvalidPayload
	// CodeRevitAPIError is the fallback for failures reported by the remote peer.
	CodeRevitAPIError = "REVIT_API_ERROR"
	// CodePyRevitScriptError is returned when a script run fails.
	CodePyRevitScriptError = "PYREVIT_SCRIPT_ERROR"
	// CodeDynamoExecutionError is returned when graph preparation fails.
	CodeDynamoExecutionError = "DYNAMO_EXECUTION_ERROR"
	// CodeInvocationFailed is a generic fallback for invocation failures.
	CodeInvocationFailed = "INVOCATION_FAILED"
)

// ToolError is a structured failure that keeps its machine-readable code as it
// crosses handler, adapter, and dispatcher boundaries.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return CodeInvocationFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewToolError builds a ToolError. An empty code becomes CodeInvocationFailed
// and an empty message falls back to the cause's text.
func NewToolError(code, message string, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = CodeInvocationFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:    cleanCode,
		Message: cleanMsg,
		Cause:   cause,
	}
}

func toolErrorFrom(err error) (*ToolError, bool) {
	if err == nil {
		return nil, false
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// ErrorCodeOrDefault returns the code carried by err when it wraps a
// ToolError, otherwise fallback.
func ErrorCodeOrDefault(err error, fallback string) string {
	if toolErr, ok := toolErrorFrom(err); ok && toolErr != nil && strings.TrimSpace(toolErr.Code) != "" {
		return toolErr.Code
	}
	if strings.TrimSpace(fallback) == "" {
		return CodeInvocationFailed
	}
	return fallback
}

// FailFromError converts err into a failed Result. A wrapped ToolError keeps
// its own code and message; anything else is reported under fallback.
func FailFromError(err error, fallback string) Result {
	if toolErr, ok := toolErrorFrom(err); ok && toolErr != nil {
		return Fail(ErrorCodeOrDefault(err, fallback), toolErr.Message)
	}
	if err == nil {
		return Fail(fallback, "")
	}
	return Fail(fallback, err.Error())
}
