package tool

import "strings"

// Result is the uniform outcome of a tool invocation. ErrorCode is non-empty
// exactly when Success is false; use OK and Fail to keep that true.
type Result struct {
	Success      bool
	Data         map[string]any
	ErrorCode    string
	ErrorMessage string
	DurationMS   int64
}

// OK builds a successful result. A nil data map becomes an empty one.
func OK(data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Success: true, Data: data}
}

// Fail builds a failed result. An empty code becomes CodeInvocationFailed.
func Fail(code, message string) Result {
	code = strings.TrimSpace(code)
	if code == "" {
		code = CodeInvocationFailed
	}
	return Result{
		Success:      false,
		Data:         map[string]any{},
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// Err returns the failure as a *ToolError, or nil for a successful result.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &ToolError{Code: r.ErrorCode, Message: r.ErrorMessage}
}

// Payload renders the result in its wire shape:
// {success, data, error: null|{code, message}, duration_ms}.
func (r Result) Payload() map[string]any {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	var errObj any
	if !r.Success {
		errObj = map[string]any{
			"code":    r.ErrorCode,
			"message": r.ErrorMessage,
		}
	}
	return map[string]any{
		"success":     r.Success,
		"data":        data,
		"error":       errObj,
		"duration_ms": r.DurationMS,
	}
}
