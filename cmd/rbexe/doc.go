// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the rbexe command line: build, inspect and config.
package cmd
