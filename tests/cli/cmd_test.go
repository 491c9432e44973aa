// SPDX-License-Identifier: MPL-2.0

// Package cli contains CLI integration tests using testscript.
//
// The rbexe command runs in-process through testscript.Main. Scripts that
// package something ship a shell-script interpreter that answers the
// RbConfig query, so no Ruby installation is needed.
package cli

import (
	"path/filepath"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	cmd "github.com/rbexe/rbexe/cmd/rbexe"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"rbexe": cmd.Execute,
	})
}

// TestCLI runs all testscript tests in the testdata directory.
func TestCLI(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata",
		Setup: func(env *testscript.Env) error {
			// The xdg package reads these once at startup, so they must be
			// set before rbexe runs.
			env.Setenv("XDG_CONFIG_HOME", filepath.Join(env.WorkDir, ".config"))
			env.Setenv("XDG_DATA_HOME", filepath.Join(env.WorkDir, ".data"))
			env.Setenv("NO_COLOR", "1")
			return nil
		},
		// Continue running all tests even if one fails
		ContinueOnError: true,
	})
}
