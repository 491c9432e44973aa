// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"context"
	"errors"

	"github.com/samber/lo"
)

var (
	// ErrEntryNotFound is returned when the entry script cannot be read.
	ErrEntryNotFound = errors.New("entry script not found")
	// ErrProbeFailed is returned when the interpreter probe run fails.
	ErrProbeFailed = errors.New("dependency probe failed")
	// ErrNoReport is returned when the probe output carries no report.
	ErrNoReport = errors.New("dependency probe produced no report")
)

type (
	// Resolver captures the transitive set of files a script loads.
	Resolver interface {
		Resolve(ctx context.Context, req Request) (*Result, error)
	}

	// Request describes what to resolve.
	Request struct {
		// Entry is the script to analyze.
		Entry string
		// LoadPath is searched in order for required features ($LOAD_PATH).
		LoadPath []string
		// GemDirs are gem homes; each has gems/ and specifications/ below it.
		GemDirs []string
		// ForceAutoload forces pending autoload bindings until a fixed point.
		ForceAutoload bool
	}

	// Result is the outcome of a resolution.
	Result struct {
		// Features are the loaded files in load order, without duplicates.
		// The entry script itself is not included.
		Features []Feature
		// GemSpecs are the specification files of the gems that were loaded.
		GemSpecs []string
		// Diagnostics are the non-fatal problems met along the way.
		Diagnostics []Diagnostic
	}
)

// Warnings returns the warning-level diagnostics.
func (r *Result) Warnings() []Diagnostic {
	return lo.Filter(r.Diagnostics, func(d Diagnostic, _ int) bool {
		return d.Severity == SeverityWarning
	})
}
