// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors for fatal build failures and a
// catalog of markdown guidance for the common ones, rendered with glamour.
package issue
