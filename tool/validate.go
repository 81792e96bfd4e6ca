package tool

import (
	"fmt"
	"strings"
)

// Severity defines diagnostic severity produced by validators.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a structured validation finding.
type Diagnostic struct {
	Field    string   `json:"field,omitempty"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Field == "" {
		return d.Message
	}
	return fmt.Sprintf("%s: %s", d.Field, d.Message)
}

// ValidationError reports every violation found in a rejected definition.
type ValidationError struct {
	Name        string
	Source      string
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			parts = append(parts, d.String())
		}
	}
	subject := e.Name
	if subject == "" {
		subject = e.Source
	}
	if subject == "" {
		return "tool: invalid definition: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("tool: invalid definition %q: %s", subject, strings.Join(parts, "; "))
}

func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
