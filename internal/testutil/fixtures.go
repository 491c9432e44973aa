// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	// CompressorCopy is a compressor script that copies its input verbatim.
	CompressorCopy CompressorBehavior = iota
	// CompressorFail writes a partial output file, then exits with status 1.
	CompressorFail
	// CompressorNoOutput exits zero without creating the output file.
	CompressorNoOutput
)

type (
	// CompressorBehavior selects what a fake compressor script does.
	CompressorBehavior int

	// RubyLayout describes a fake Ruby installation created on disk.
	// All paths are absolute with symlinks resolved.
	RubyLayout struct {
		// Root is the installation prefix (RbConfig exec_prefix).
		Root string
		// BinDir holds the interpreter and its shared library.
		BinDir string
		// RubyLibDir is the standard library directory.
		RubyLibDir string
		// SiteLibDir is the site library directory.
		SiteLibDir string
		// GemDir is the gem home (gems/ and specifications/ live below it).
		GemDir string
		// Executable and SharedLibrary are file names inside BinDir.
		Executable    string
		SharedLibrary string
	}
)

// WriteCompressorScript writes a POSIX shell script that mimics the
// `lzma e <in> <out>` calling convention and returns its path.
func WriteCompressorScript(t testing.TB, dir string, behavior CompressorBehavior) string {
	t.Helper()

	var body string
	switch behavior {
	case CompressorCopy:
		body = "#!/bin/sh\n[ \"$1\" = e ] || exit 2\ncp \"$2\" \"$3\"\n"
	case CompressorFail:
		body = "#!/bin/sh\necho partial > \"$3\" && echo 'lzma: simulated failure after partial output' >&2\nexit 1\n"
	case CompressorNoOutput:
		body = "#!/bin/sh\nexit 0\n"
	default:
		t.Fatalf("unknown compressor behavior %d", behavior)
	}

	path := filepath.Join(dir, "lzma")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write compressor script: %v", err)
	}
	return path
}

// WriteStub writes a stub image of the given content and returns its path.
func WriteStub(t testing.TB, dir string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, "stub.exe")
	MustMkdirAll(t, dir, 0o755)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}
	return path
}

// NewRubyLayout creates a minimal Ruby installation below dir: an interpreter
// binary, a shared library, a standard library with set.rb, a site library and
// an empty gem home.
func NewRubyLayout(t testing.TB, dir string) RubyLayout {
	t.Helper()

	root := filepath.Join(MustEvalSymlinks(t, dir), "ruby")
	l := RubyLayout{
		Root:          root,
		BinDir:        filepath.Join(root, "bin"),
		RubyLibDir:    filepath.Join(root, "lib", "ruby", "3.3.0"),
		SiteLibDir:    filepath.Join(root, "lib", "ruby", "site_ruby"),
		GemDir:        filepath.Join(root, "lib", "ruby", "gems", "3.3.0"),
		Executable:    "ruby",
		SharedLibrary: "libruby.so.3.3",
	}

	MustWriteFile(t, filepath.Join(l.BinDir, l.Executable), "#!ruby-binary\n")
	MustWriteFile(t, filepath.Join(l.BinDir, l.SharedLibrary), "ELF-libruby\n")
	MustWriteFile(t, filepath.Join(l.RubyLibDir, "set.rb"), "class Set\nend\n")
	MustMkdirAll(t, l.SiteLibDir, 0o755)
	MustMkdirAll(t, filepath.Join(l.GemDir, "gems"), 0o755)
	MustMkdirAll(t, filepath.Join(l.GemDir, "specifications"), 0o755)
	return l
}

// AddGem creates <GemDir>/gems/<fullName>/lib/<files...> and the matching
// gemspec, returning the gem's lib directory.
func (l RubyLayout) AddGem(t testing.TB, fullName string, files map[string]string) string {
	t.Helper()
	lib := filepath.Join(l.GemDir, "gems", fullName, "lib")
	MustMkdirAll(t, lib, 0o755)
	for name, content := range files {
		MustWriteFile(t, filepath.Join(lib, filepath.FromSlash(name)), content)
	}
	MustWriteFile(t, filepath.Join(l.GemDir, "specifications", fullName+".gemspec"), "Gem::Specification.new\n")
	return lib
}
