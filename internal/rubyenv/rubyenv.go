// SPDX-License-Identifier: MPL-2.0

// Package rubyenv describes the Ruby installation being packaged: where it is
// installed, which interpreter binaries and shared library it ships, and the
// load path and gem directories discovery searches.
//
// The values normally come from RbConfig via Probe; Overrides lets the
// configuration file pin any of them.
package rubyenv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/rbexe/rbexe/pkg/fspath"
)

// rbconfigQuery prints the RbConfig values an Installation is built from.
const rbconfigQuery = `require "rbconfig"
require "json"
c = RbConfig::CONFIG
gem_dirs = defined?(Gem) ? (Gem.path rescue []) : []
puts JSON.generate(
  "root" => c["exec_prefix"],
  "site_lib_dir" => c["sitelibdir"],
  "bin_dir" => c["bindir"],
  "lib_dir" => c["libdir"],
  "install_name" => c["ruby_install_name"],
  "windowed_install_name" => c["rubyw_install_name"],
  "exe_ext" => c["EXEEXT"],
  "libruby_so" => c["LIBRUBY_SO"],
  "enable_shared" => c["ENABLE_SHARED"],
  "load_path" => $LOAD_PATH.map(&:to_s),
  "gem_dirs" => gem_dirs.map(&:to_s)
)
`

var (
	// ErrInvalidInstallation is returned by Validate.
	ErrInvalidInstallation = errors.New("invalid Ruby installation")
	// ErrEmptyCommand is returned by SplitCommand for a blank command line.
	ErrEmptyCommand = errors.New("empty interpreter command")
	// ErrProbeOutput is returned when the RbConfig query output cannot be decoded.
	ErrProbeOutput = errors.New("unexpected RbConfig query output")
)

type (
	// Installation is a Ruby installation on the build machine.
	Installation struct {
		// Root is the installation prefix (RbConfig exec_prefix).
		Root string
		// SiteLibDir is RbConfig sitelibdir.
		SiteLibDir string
		// BinDir holds the interpreter executables.
		BinDir string
		// LibDir is RbConfig libdir, searched for the shared library when it
		// is not in BinDir.
		LibDir string
		// Executable is the console interpreter file name (ruby, ruby.exe).
		Executable string
		// WindowedExecutable is the GUI interpreter file name (rubyw.exe),
		// empty when the installation has none.
		WindowedExecutable string
		// SharedLibrary is the interpreter's shared library file name, empty
		// for static builds.
		SharedLibrary string
		// LoadPath is the interpreter's default $LOAD_PATH.
		LoadPath []string
		// GemDirs are the gem homes (Gem.path).
		GemDirs []string
	}

	// Overrides replaces probed values. Empty fields keep the probed value.
	Overrides struct {
		Root               string
		SiteLibDir         string
		BinDir             string
		Executable         string
		WindowedExecutable string
		SharedLibrary      string
	}

	// Runner runs the interpreter with extra arguments and returns its
	// standard output. discovery.ExecRunner satisfies it.
	Runner interface {
		Run(ctx context.Context, args []string) ([]byte, error)
	}

	rbconfigValues struct {
		Root                string   `json:"root"`
		SiteLibDir          string   `json:"site_lib_dir"`
		BinDir              string   `json:"bin_dir"`
		LibDir              string   `json:"lib_dir"`
		InstallName         string   `json:"install_name"`
		WindowedInstallName string   `json:"windowed_install_name"`
		ExeExt              string   `json:"exe_ext"`
		LibrubySO           string   `json:"libruby_so"`
		EnableShared        string   `json:"enable_shared"`
		LoadPath            []string `json:"load_path"`
		GemDirs             []string `json:"gem_dirs"`
	}
)

// SplitCommand splits a configured interpreter command line such as
// `bundle exec ruby` or `"/opt/my ruby/bin/ruby" --disable-gems` into argv
// using POSIX shell quoting. Environment references are expanded.
func SplitCommand(command string) ([]string, error) {
	fields, err := shell.Fields(command, nil)
	if err != nil {
		return nil, fmt.Errorf("parse interpreter command %q: %w", command, err)
	}
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	return fields, nil
}

// Probe queries RbConfig through runner and returns the installation.
func Probe(ctx context.Context, runner Runner) (Installation, error) {
	out, err := runner.Run(ctx, []string{"-e", rbconfigQuery})
	if err != nil {
		return Installation{}, fmt.Errorf("query RbConfig: %w", err)
	}
	return parseRbConfig(out)
}

// QueryScript returns the Ruby source Probe runs.
func QueryScript() string { return rbconfigQuery }

func parseRbConfig(out []byte) (Installation, error) {
	// Take the last non-empty line; RUBYOPT-loaded libraries may print first.
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	last := lines[len(lines)-1]

	var v rbconfigValues
	if err := json.Unmarshal(last, &v); err != nil {
		return Installation{}, fmt.Errorf("%w: %w", ErrProbeOutput, err)
	}

	inst := Installation{
		Root:       filepath.Clean(v.Root),
		SiteLibDir: filepath.Clean(v.SiteLibDir),
		BinDir:     filepath.Clean(v.BinDir),
		LibDir:     v.LibDir,
		Executable: v.InstallName + v.ExeExt,
		LoadPath:   v.LoadPath,
		GemDirs:    v.GemDirs,
	}
	if v.WindowedInstallName != "" {
		inst.WindowedExecutable = v.WindowedInstallName + v.ExeExt
	}
	if strings.EqualFold(v.EnableShared, "yes") {
		inst.SharedLibrary = v.LibrubySO
	}
	if inst.LibDir != "" {
		inst.LibDir = filepath.Clean(inst.LibDir)
	}
	return inst, nil
}

// Apply returns inst with every non-empty override applied.
func (o Overrides) Apply(inst Installation) Installation {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&inst.Root, o.Root)
	set(&inst.SiteLibDir, o.SiteLibDir)
	set(&inst.BinDir, o.BinDir)
	set(&inst.Executable, o.Executable)
	set(&inst.WindowedExecutable, o.WindowedExecutable)
	set(&inst.SharedLibrary, o.SharedLibrary)
	return inst
}

// Validate checks that the installation can be packaged: absolute
// directories and an existing console interpreter.
func (i Installation) Validate() error {
	var errs []error
	if !filepath.IsAbs(i.Root) {
		errs = append(errs, fmt.Errorf("installation root %q is not absolute", i.Root))
	}
	if !filepath.IsAbs(i.BinDir) {
		errs = append(errs, fmt.Errorf("bin dir %q is not absolute", i.BinDir))
	}
	if i.Executable == "" {
		errs = append(errs, errors.New("no interpreter executable name"))
	} else if exe := i.ExecutablePath(i.Executable); !fspath.IsFile(exe) {
		errs = append(errs, fmt.Errorf("interpreter %s does not exist", exe))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInstallation, errors.Join(errs...))
	}
	return nil
}

// ExecutablePath returns the host path of a file in BinDir.
func (i Installation) ExecutablePath(name string) string {
	return filepath.Join(i.BinDir, name)
}

// SharedLibraryPath returns the host path of the shared library: BinDir when
// it is there (Windows layout), LibDir otherwise. It is empty for static
// builds.
func (i Installation) SharedLibraryPath() string {
	if i.SharedLibrary == "" {
		return ""
	}
	if p := i.ExecutablePath(i.SharedLibrary); fspath.IsFile(p) || i.LibDir == "" {
		return p
	}
	return filepath.Join(i.LibDir, i.SharedLibrary)
}

// SelectExecutable picks the interpreter for a script. The windowed variant
// is used for .rbw scripts or when windowed is forced, unless console is
// forced. It reports false when the windowed variant was wanted but the
// installation has none; the console executable is returned then.
//
// Note: ocra-style packagers launched the console interpreter in both
// branches, so .rbw scripts still opened a console window. This selects the
// windowed interpreter instead.
func (i Installation) SelectExecutable(script string, windowed, console bool) (string, bool) {
	wantWindowed := (strings.EqualFold(filepath.Ext(script), ".rbw") || windowed) && !console
	if !wantWindowed {
		return i.Executable, true
	}
	if i.WindowedExecutable == "" {
		return i.Executable, false
	}
	return i.WindowedExecutable, true
}
