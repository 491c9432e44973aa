// SPDX-License-Identifier: MPL-2.0

package fspath_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rbexe/rbexe/pkg/fspath"
)

func TestAbs(t *testing.T) {
	t.Parallel()

	got, err := fspath.Abs(".")
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}
	want, _ := filepath.Abs(".")
	want, _ = filepath.EvalSymlinks(want)
	if got != want {
		t.Errorf("Abs() = %q, want %q", got, want)
	}
}

func TestAbs_ResolvesSymlinks(t *testing.T) {
	t.Parallel()

	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	target := filepath.Join(base, "target")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := fspath.Abs(filepath.Join(link, "main.rb"))
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}
	// main.rb does not exist, so the path is returned unresolved.
	if want := filepath.Join(link, "main.rb"); got != want {
		t.Errorf("Abs(missing) = %q, want %q", got, want)
	}

	if err := os.WriteFile(filepath.Join(target, "main.rb"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err = fspath.Abs(filepath.Join(link, "main.rb"))
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}
	if want := filepath.Join(target, "main.rb"); got != want {
		t.Errorf("Abs(linked) = %q, want %q", got, want)
	}
}

func TestUnder(t *testing.T) {
	t.Parallel()

	root := filepath.Join(string(filepath.Separator), "opt", "ruby")

	tests := []struct {
		name    string
		p       string
		wantRel string
		wantOK  bool
	}{
		{"nested file", filepath.Join(root, "lib", "ruby", "set.rb"), "lib/ruby/set.rb", true},
		{"root itself", root, ".", true},
		{"sibling with shared prefix", root + "-extra" + string(filepath.Separator) + "x.rb", "", false},
		{"parent", filepath.Dir(root), "", false},
		{"unclean inside", filepath.Join(root, "lib") + string(filepath.Separator) + ".." + string(filepath.Separator) + "bin", "bin", true},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rel, ok := fspath.Under(root, tt.p)
			if ok != tt.wantOK || rel != tt.wantRel {
				t.Errorf("Under(%q, %q) = (%q, %v), want (%q, %v)", root, tt.p, rel, ok, tt.wantRel, tt.wantOK)
			}
		})
	}
}

func TestIsFileIsDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "a.rb")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !fspath.IsFile(file) || fspath.IsDir(file) {
		t.Errorf("file %s misreported", file)
	}
	if fspath.IsFile(dir) || !fspath.IsDir(dir) {
		t.Errorf("dir %s misreported", dir)
	}
	if fspath.IsFile(filepath.Join(dir, "missing")) {
		t.Error("IsFile() = true for a missing path")
	}
}

func TestTrimExt(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"app.rb", "app"},
		{"gui.RBW", "gui"},
		{"tool", "tool"},
		{"archive.tar", "archive.tar"},
	}
	for _, tt := range tests {
		if got := fspath.TrimExt(tt.in, ".rb", ".rbw"); got != tt.want {
			t.Errorf("TrimExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
