// SPDX-License-Identifier: MPL-2.0

// Package discovery finds the complete set of files a Ruby script loads at
// run time.
//
// Two Resolver implementations are provided:
//   - StaticResolver walks require, require_relative, load and autoload
//     statements in the source and resolves them against the load path and
//     installed gems, the way the interpreter would.
//   - TraceResolver runs the real interpreter with a probe that loads the
//     script, forces every pending autoload and reports $LOADED_FEATURES.
//
// Both force deferred (autoload) bindings until a full pass finds nothing new,
// and both report failures as warning diagnostics instead of errors: a file
// that cannot be found is left out of the container, not fatal to the build.
//
// File organization:
//   - resolver.go: Resolver, Request, Result
//   - feature.go: Feature and the insertion-ordered FeatureSet
//   - scan.go: Ruby source scanner for load statements
//   - static.go: StaticResolver
//   - trace.go: TraceResolver, Runner and ExecRunner
package discovery
