// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"errors"
	"testing"
)

func TestSeverity_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity Severity
		want     bool
		wantErr  bool
	}{
		{SeverityWarning, true, false},
		{SeverityError, true, false},
		{"", false, true},
		{"invalid", false, true},
		{"WARNING", false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			t.Parallel()
			isValid, errs := tt.severity.IsValid()
			if isValid != tt.want {
				t.Errorf("Severity(%q).IsValid() = %v, want %v", tt.severity, isValid, tt.want)
			}
			if tt.wantErr {
				if len(errs) == 0 {
					t.Fatalf("Severity(%q).IsValid() returned no errors, want error", tt.severity)
				}
				if !errors.Is(errs[0], ErrInvalidSeverity) {
					t.Errorf("error should wrap ErrInvalidSeverity, got: %v", errs[0])
				}
			} else if len(errs) > 0 {
				t.Errorf("Severity(%q).IsValid() returned unexpected errors: %v", tt.severity, errs)
			}
		})
	}
}

func TestDiagnosticCode_IsValid(t *testing.T) {
	t.Parallel()

	validCodes := []DiagnosticCode{
		CodeAutoloadFailed, CodeFeatureNotFound, CodeSourceUnreadable,
		CodeDynamicRequire, CodeUnresolvablePath, CodeWindowedUnavailable,
	}

	for _, code := range validCodes {
		t.Run(string(code), func(t *testing.T) {
			t.Parallel()
			isValid, errs := code.IsValid()
			if !isValid {
				t.Errorf("DiagnosticCode(%q).IsValid() = false, want true", code)
			}
			if len(errs) > 0 {
				t.Errorf("DiagnosticCode(%q).IsValid() returned unexpected errors: %v", code, errs)
			}
		})
	}

	invalidCodes := []DiagnosticCode{"", "invalid", "FEATURE_NOT_FOUND"}
	for _, code := range invalidCodes {
		t.Run("invalid_"+string(code), func(t *testing.T) {
			t.Parallel()
			isValid, errs := code.IsValid()
			if isValid {
				t.Errorf("DiagnosticCode(%q).IsValid() = true, want false", code)
			}
			if len(errs) == 0 {
				t.Fatalf("DiagnosticCode(%q).IsValid() returned no errors, want error", code)
			}
			if !errors.Is(errs[0], ErrInvalidDiagnosticCode) {
				t.Errorf("error should wrap ErrInvalidDiagnosticCode, got: %v", errs[0])
			}
		})
	}
}

func TestNewDiagnostic(t *testing.T) {
	t.Parallel()

	d := NewDiagnostic(SeverityWarning, CodeAutoloadFailed, "test message")

	if d.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want %q", d.Severity, SeverityWarning)
	}
	if d.Code != CodeAutoloadFailed {
		t.Errorf("Code = %q, want %q", d.Code, CodeAutoloadFailed)
	}
	if d.Message != "test message" {
		t.Errorf("Message = %q, want %q", d.Message, "test message")
	}
	if d.Path != "" {
		t.Errorf("Path = %q, want empty string", d.Path)
	}
	if d.Cause != nil {
		t.Errorf("Cause = %v, want nil", d.Cause)
	}
}

func TestNewDiagnosticWithCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("permission denied")
	d := NewDiagnosticWithCause(SeverityWarning, CodeSourceUnreadable, "cannot read", "/lib/x.rb", cause)

	if !errors.Is(d, cause) {
		t.Errorf("errors.Is(d, cause) = false")
	}
	if got, want := d.Error(), "/lib/x.rb: cannot read: permission denied"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDiagnosticCode_String(t *testing.T) {
	t.Parallel()

	if got := CodeFeatureNotFound.String(); got != "feature_not_found" {
		t.Errorf("CodeFeatureNotFound.String() = %q, want %q", got, "feature_not_found")
	}
	if got := DiagnosticCode("").String(); got != "" {
		t.Errorf("DiagnosticCode(\"\").String() = %q, want %q", got, "")
	}
}

func TestResult_Warnings(t *testing.T) {
	t.Parallel()

	r := &Result{Diagnostics: []Diagnostic{
		NewDiagnostic(SeverityWarning, CodeAutoloadFailed, "a"),
		NewDiagnostic(SeverityError, CodeSourceUnreadable, "b"),
		NewDiagnostic(SeverityWarning, CodeFeatureNotFound, "c"),
	}}
	got := r.Warnings()
	if len(got) != 2 || got[0].Message != "a" || got[1].Message != "c" {
		t.Errorf("Warnings() = %+v", got)
	}
}
