// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helper functions for tests that handle errors
// appropriately, reducing boilerplate and ensuring consistent error handling.
//
// Besides the generic Must* helpers (MustSetenv, MustMkdirAll, MustWriteFile,
// MustClose) it builds the fixtures the packaging tests share: fake Ruby
// installations, stub images and shell-script stand-ins for the external
// compressor.
package testutil
