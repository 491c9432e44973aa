// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"errors"
	"fmt"
)

const (
	// SeverityWarning indicates a recoverable discovery warning.
	SeverityWarning Severity = "warning"
	// SeverityError indicates a non-fatal discovery error diagnostic.
	SeverityError Severity = "error"

	// CodeAutoloadFailed reports a deferred constant whose target could not be loaded.
	CodeAutoloadFailed DiagnosticCode = "autoload_failed"
	// CodeFeatureNotFound reports a required feature missing from every search path.
	CodeFeatureNotFound DiagnosticCode = "feature_not_found"
	// CodeSourceUnreadable reports a discovered source file that could not be read.
	CodeSourceUnreadable DiagnosticCode = "source_unreadable"
	// CodeDynamicRequire reports a require whose argument is not a string literal.
	CodeDynamicRequire DiagnosticCode = "dynamic_require"
	// CodeUnresolvablePath reports a dependency with no destination in the container.
	CodeUnresolvablePath DiagnosticCode = "unresolvable_path"
	// CodeWindowedUnavailable reports a windowed build without a windowed interpreter.
	CodeWindowedUnavailable DiagnosticCode = "windowed_unavailable"
)

var (
	// ErrInvalidSeverity is returned when a Severity value is not recognized.
	ErrInvalidSeverity = errors.New("invalid diagnostic severity")
	// ErrInvalidDiagnosticCode is returned when a DiagnosticCode value is not recognized.
	ErrInvalidDiagnosticCode = errors.New("invalid diagnostic code")
)

type (
	// Severity represents discovery diagnostic severity.
	Severity string

	// DiagnosticCode is a machine-readable diagnostic identifier.
	DiagnosticCode string

	// Diagnostic represents a structured discovery diagnostic that is returned
	// to callers (rather than written to stderr) for consistent rendering policy.
	Diagnostic struct {
		// Severity is the diagnostic level (warning or error).
		Severity Severity
		// Code is a machine-readable identifier (e.g., "feature_not_found").
		Code DiagnosticCode
		// Message is the human-readable description.
		Message string
		// Path is the file path associated with this diagnostic (optional).
		Path string
		// Cause is the underlying error (optional, for programmatic inspection).
		Cause error
	}
)

// IsValid returns whether the Severity is a known level,
// and a list of validation errors if it is not.
func (s Severity) IsValid() (bool, []error) {
	switch s {
	case SeverityWarning, SeverityError:
		return true, nil
	default:
		return false, []error{fmt.Errorf("%w: %q", ErrInvalidSeverity, string(s))}
	}
}

// String returns the string representation of the Severity.
func (s Severity) String() string { return string(s) }

// IsValid returns whether the DiagnosticCode is a known identifier,
// and a list of validation errors if it is not.
func (c DiagnosticCode) IsValid() (bool, []error) {
	switch c {
	case CodeAutoloadFailed, CodeFeatureNotFound, CodeSourceUnreadable,
		CodeDynamicRequire, CodeUnresolvablePath, CodeWindowedUnavailable:
		return true, nil
	default:
		return false, []error{fmt.Errorf("%w: %q", ErrInvalidDiagnosticCode, string(c))}
	}
}

// String returns the string representation of the DiagnosticCode.
func (c DiagnosticCode) String() string { return string(c) }

// NewDiagnostic creates a diagnostic without a path or cause.
func NewDiagnostic(severity Severity, code DiagnosticCode, message string) Diagnostic {
	return Diagnostic{Severity: severity, Code: code, Message: message}
}

// NewDiagnosticWithPath creates a diagnostic associated with a file path.
func NewDiagnosticWithPath(severity Severity, code DiagnosticCode, message, path string) Diagnostic {
	return Diagnostic{Severity: severity, Code: code, Message: message, Path: path}
}

// NewDiagnosticWithCause creates a diagnostic carrying the underlying error.
func NewDiagnosticWithCause(severity Severity, code DiagnosticCode, message, path string, cause error) Diagnostic {
	return Diagnostic{Severity: severity, Code: code, Message: message, Path: path, Cause: cause}
}

// Error renders the diagnostic as a single line, including the cause when set.
func (d Diagnostic) Error() string {
	msg := d.Message
	if d.Path != "" {
		msg = d.Path + ": " + msg
	}
	if d.Cause != nil {
		msg += ": " + d.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (d Diagnostic) Unwrap() error { return d.Cause }
