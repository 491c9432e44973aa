// SPDX-License-Identifier: MPL-2.0

package image

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/rbexe/rbexe/internal/classify"
	"github.com/rbexe/rbexe/internal/compress"
	"github.com/rbexe/rbexe/internal/discovery"
	"github.com/rbexe/rbexe/internal/opcode"
	"github.com/rbexe/rbexe/internal/rubyenv"
	"github.com/rbexe/rbexe/internal/testutil"
)

var testStub = []byte("SSSSSSSSSS")

type buildFixture struct {
	layout testutil.RubyLayout
	inst   rubyenv.Installation
	appDir string
	script string
	outDir string
}

func newBuildFixture(t *testing.T) buildFixture {
	t.Helper()

	tmp := testutil.MustEvalSymlinks(t, t.TempDir())
	layout := testutil.NewRubyLayout(t, tmp)
	appDir := filepath.Join(tmp, "app")
	outDir := filepath.Join(tmp, "out")
	testutil.MustMkdirAll(t, outDir, 0o755)

	return buildFixture{
		layout: layout,
		inst: rubyenv.Installation{
			Root:          layout.Root,
			SiteLibDir:    layout.SiteLibDir,
			BinDir:        layout.BinDir,
			Executable:    layout.Executable,
			SharedLibrary: layout.SharedLibrary,
		},
		appDir: appDir,
		script: testutil.MustWriteFile(t, filepath.Join(appDir, "main.rb"), "puts 1\n"),
		outDir: outDir,
	}
}

func (f buildFixture) request(name string) Request {
	return Request{
		Output:       filepath.Join(f.outDir, name),
		Stub:         testStub,
		Script:       f.script,
		Installation: f.inst,
	}
}

// installedDep creates a file inside the installation and returns it as a
// discovered feature.
func (f buildFixture) installedDep(t *testing.T, rel, name, content string) discovery.Feature {
	t.Helper()
	p := testutil.MustWriteFile(t, filepath.Join(f.layout.Root, filepath.FromSlash(rel)), content)
	return discovery.Feature{Name: name, Path: p}
}

func parseOutput(t *testing.T, p string, decompress opcode.DecompressFunc) *opcode.Container {
	t.Helper()
	c, err := opcode.Open(p, decompress)
	if err != nil {
		t.Fatalf("opcode.Open(%s) error = %v", p, err)
	}
	return c
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary output left behind: %s", e.Name())
		}
	}
}

func TestBuild_UncompressedByteLayout(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	req := f.request("app.exe")
	req.Dependencies = []discovery.Feature{f.installedDep(t, "lib/foo/bar.rb", "foo/bar.rb", "BAR")}

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ops, err := opcode.Encode([]opcode.Entry{
		opcode.CreateDirectoryEntry{Path: "src"},
		opcode.CreateFileEntry{Path: "src/main.rb", Data: []byte("puts 1\n")},
		opcode.CreateDirectoryEntry{Path: "bin"},
		opcode.CreateFileEntry{Path: "bin/ruby", Data: []byte("#!ruby-binary\n")},
		opcode.CreateFileEntry{Path: "bin/libruby.so.3.3", Data: []byte("ELF-libruby\n")},
		opcode.CreateDirectoryEntry{Path: "lib"},
		opcode.CreateDirectoryEntry{Path: "lib/foo"},
		opcode.CreateFileEntry{Path: "lib/foo/bar.rb", Data: []byte("BAR")},
		opcode.SetEnvEntry{Name: "RUBYOPT", Value: ""},
		opcode.SetEnvEntry{Name: "RUBYLIB", Value: ""},
		opcode.CreateProcessEntry{Image: "bin/ruby", CommandLine: "ruby \xff/src/main.rb"},
		opcode.EndEntry{},
	})
	if err != nil {
		t.Fatal(err)
	}

	var want bytes.Buffer
	want.Write(testStub)
	want.Write(ops)
	want.Write([]byte{0, 0, 0, 0, 10, 0, 0, 0, 0x41, 0xB6, 0xBA, 0x4E})

	got := testutil.MustReadFile(t, res.Path)
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("container bytes mismatch\n got: %x\nwant: %x", got, want.Bytes())
	}

	if res.Size != int64(len(got)) {
		t.Errorf("Size = %d, want %d", res.Size, len(got))
	}
	if res.Digest != digest.FromBytes(got) {
		t.Errorf("Digest = %s, want %s", res.Digest, digest.FromBytes(got))
	}
	if res.PayloadSize != int64(len(ops)) {
		t.Errorf("PayloadSize = %d, want %d", res.PayloadSize, len(ops))
	}
	if res.Compressed {
		t.Error("Compressed = true")
	}
	if want := []string{"src", "bin", "lib", "lib/foo"}; !slices.Equal(res.Directories, want) {
		t.Errorf("Directories = %v, want %v", res.Directories, want)
	}
	assertNoTempFiles(t, f.outDir)
}

func TestBuild_DirectoryBeforeFile(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	req := f.request("app.exe")
	req.Files = []string{
		testutil.MustWriteFile(t, filepath.Join(f.appDir, "lib", "a", "one.rb"), "1"),
		testutil.MustWriteFile(t, filepath.Join(f.appDir, "lib", "a", "two.rb"), "2"),
		testutil.MustWriteFile(t, filepath.Join(f.appDir, "lib", "b", "three.rb"), "3"),
	}
	req.Dependencies = []discovery.Feature{
		f.installedDep(t, "lib/ruby/3.3.0/json/common.rb", "json/common.rb", "c"),
		f.installedDep(t, "lib/ruby/3.3.0/json/ext.rb", "json/ext.rb", "e"),
		{Name: "set.rb", Path: filepath.Join(f.layout.RubyLibDir, "set.rb")},
	}

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	c := parseOutput(t, res.Path, nil)
	created := map[string]int{}
	files := 0
	for _, e := range c.Operations() {
		switch v := e.(type) {
		case opcode.CreateDirectoryEntry:
			created[v.Path]++
			if parent := filepath.ToSlash(filepath.Dir(v.Path)); parent != "." && created[parent] == 0 {
				t.Errorf("directory %s created before its parent %s", v.Path, parent)
			}
		case opcode.CreateFileEntry:
			files++
			dir := filepath.ToSlash(filepath.Dir(v.Path))
			if dir != "." && created[dir] == 0 {
				t.Errorf("file %s written before directory %s", v.Path, dir)
			}
		}
	}
	for dir, n := range created {
		if n != 1 {
			t.Errorf("directory %s created %d times", dir, n)
		}
	}
	if files != 9 {
		t.Errorf("got %d files, want 9", files)
	}
}

func TestBuild_CompressedMatchesUncompressed(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	deps := []discovery.Feature{f.installedDep(t, "lib/foo/bar.rb", "foo/bar.rb", strings.Repeat("bar\n", 200))}

	plain := f.request("plain.exe")
	plain.Dependencies = deps
	plainRes, err := Build(context.Background(), plain)
	if err != nil {
		t.Fatalf("Build(plain) error = %v", err)
	}

	packed := f.request("packed.exe")
	packed.Dependencies = deps
	packed.Compressor = compress.Builtin{}
	packedRes, err := Build(context.Background(), packed)
	if err != nil {
		t.Fatalf("Build(packed) error = %v", err)
	}
	if !packedRes.Compressed || packedRes.CompressedSize == 0 {
		t.Errorf("Result = %+v, want compressed", packedRes)
	}
	if packedRes.PayloadSize != plainRes.PayloadSize {
		t.Errorf("PayloadSize = %d, want %d", packedRes.PayloadSize, plainRes.PayloadSize)
	}

	pc := parseOutput(t, plainRes.Path, nil)
	cc := parseOutput(t, packedRes.Path, compress.Decompress)

	wrappers := 0
	for _, e := range cc.Outer {
		if e.Tag() == opcode.DecompressLZMA {
			wrappers++
		}
	}
	if wrappers != 1 || len(cc.Outer) != 2 || cc.Outer[1].Tag() != opcode.End {
		t.Fatalf("outer stream = %v, want one DecompressLZMA and the outer End", tags(cc.Outer))
	}

	// The inner stream, inner End included, is the uncompressed payload.
	innerBytes, err := opcode.Encode(cc.Inner)
	if err != nil {
		t.Fatal(err)
	}
	plainBytes, err := opcode.Encode(pc.Outer)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(innerBytes, plainBytes) {
		t.Error("decompressed payload differs from the uncompressed stream")
	}

	for _, c := range []*opcode.Container{pc, cc} {
		if c.Trailer.PayloadOffset != uint32(len(testStub)) {
			t.Errorf("PayloadOffset = %d, want %d", c.Trailer.PayloadOffset, len(testStub))
		}
		if !bytes.Equal(c.Stub, testStub) {
			t.Errorf("Stub = %q, want %q", c.Stub, testStub)
		}
	}
}

func TestBuild_ExternalCompressor(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell script compressor requires a POSIX shell")
	}

	f := newBuildFixture(t)
	scratch := filepath.Join(f.outDir, "scratch")
	testutil.MustMkdirAll(t, scratch, 0o755)

	req := f.request("app.exe")
	req.Compressor = &compress.External{
		Path:    testutil.WriteCompressorScript(t, f.outDir, testutil.CompressorCopy),
		TempDir: scratch,
	}
	var stages []Stage
	req.Progress = func(s Stage) { stages = append(stages, s) }

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !slices.Equal(stages, []Stage{StageBuilding, StageCompressing}) {
		t.Errorf("stages = %v", stages)
	}

	// The copy "compressor" leaves the stream as is.
	identity := func(b []byte) ([]byte, error) { return b, nil }
	c := parseOutput(t, res.Path, identity)
	if !c.Compressed() || c.Inner[len(c.Inner)-1].Tag() != opcode.End {
		t.Errorf("inner stream = %v, want it closed by End", tags(c.Inner))
	}
	if entries, _ := os.ReadDir(scratch); len(entries) != 0 {
		t.Errorf("compressor scratch files left behind: %d", len(entries))
	}
}

func TestBuild_CompressorFailureAborts(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell script compressor requires a POSIX shell")
	}

	f := newBuildFixture(t)
	scratch := filepath.Join(f.outDir, "scratch")
	testutil.MustMkdirAll(t, scratch, 0o755)

	req := f.request("app.exe")
	req.Compressor = &compress.External{
		Path:    testutil.WriteCompressorScript(t, f.outDir, testutil.CompressorFail),
		TempDir: scratch,
	}

	_, err := Build(context.Background(), req)
	if !errors.Is(err, compress.ErrCompressorFailed) {
		t.Fatalf("Build() error = %v, want ErrCompressorFailed", err)
	}
	var exitErr *compress.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Errorf("Build() error = %v, want exit status 1", err)
	}

	if _, statErr := os.Stat(req.Output); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("output exists after failed build: %v", statErr)
	}
	if entries, _ := os.ReadDir(scratch); len(entries) != 0 {
		t.Errorf("compressor scratch files left behind: %d", len(entries))
	}
	assertNoTempFiles(t, f.outDir)
}

func TestBuild_SiteLibFallbackUsesReferencedName(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	vendored := testutil.MustWriteFile(t, filepath.Join(filepath.Dir(f.appDir), "vendor", "gems", "x-1.0", "lib", "foo", "bar.rb"), "X")

	req := f.request("app.exe")
	req.Dependencies = []discovery.Feature{{Name: "foo/bar.rb", Path: vendored}}

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	rec := findRecord(res, vendored)
	if rec == nil {
		t.Fatalf("dependency %s not packaged", vendored)
	}
	if want := "lib/ruby/site_ruby/foo/bar.rb"; rec.Dest != want {
		t.Errorf("Dest = %q, want %q", rec.Dest, want)
	}
	if rec.Role != RoleDependency || rec.Digest != digest.FromBytes([]byte("X")) {
		t.Errorf("record = %+v", rec)
	}
}

func TestBuild_UnresolvableDependencySkipped(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	foreign := testutil.MustWriteFile(t, filepath.Join(filepath.Dir(f.appDir), "elsewhere", "x.rb"), "X")

	req := f.request("app.exe")
	req.Dependencies = []discovery.Feature{{Name: filepath.ToSlash(foreign), Path: foreign}}

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v, want warning only", err)
	}
	if findRecord(res, foreign) != nil {
		t.Error("unresolvable dependency was packaged")
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Code != discovery.CodeUnresolvablePath {
		t.Errorf("Diagnostics = %+v, want one unresolvable_path warning", res.Diagnostics)
	}
}

func TestBuild_SymlinkedScriptDirectory(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	helper := testutil.MustWriteFile(t, filepath.Join(f.appDir, "lib", "helper.rb"), "HELPER = 1\n")
	link := filepath.Join(filepath.Dir(f.appDir), "linked-app")
	if err := os.Symlink(f.appDir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	req := f.request("app.exe")
	req.Script = filepath.Join(link, "main.rb")
	// The interpreter records script-relative files by their real path.
	req.Dependencies = []discovery.Feature{{Name: filepath.ToSlash(helper), Path: helper}}

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Errorf("Diagnostics = %+v, want none", res.Diagnostics)
	}
	for source, want := range map[string]string{f.script: "src/main.rb", helper: "src/lib/helper.rb"} {
		rec := findRecord(res, source)
		if rec == nil {
			t.Errorf("%s not packaged", source)
			continue
		}
		if rec.Dest != want {
			t.Errorf("Dest(%s) = %q, want %q", source, rec.Dest, want)
		}
	}
}

func TestBuild_FatalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(t *testing.T, f buildFixture, req *Request)
		want   error
	}{
		{
			name: "gemspec outside installation",
			mutate: func(t *testing.T, f buildFixture, req *Request) {
				req.GemSpecs = []string{testutil.MustWriteFile(t, filepath.Join(f.appDir, "x.gemspec"), "spec")}
			},
			want: classify.ErrOutsideInstallRoot,
		},
		{
			name: "explicit file outside script dir",
			mutate: func(t *testing.T, f buildFixture, req *Request) {
				req.Files = []string{testutil.MustWriteFile(t, filepath.Join(f.outDir, "stray.rb"), "x")}
			},
			want: ErrOutsideSourceDir,
		},
		{
			name: "missing extra library",
			mutate: func(_ *testing.T, _ buildFixture, req *Request) {
				req.ExtraLibraries = []string{"zlib1.dll"}
			},
			want: os.ErrNotExist,
		},
		{
			name: "unreadable dependency",
			mutate: func(_ *testing.T, f buildFixture, req *Request) {
				req.Dependencies = []discovery.Feature{{Name: "gone.rb", Path: filepath.Join(f.layout.RubyLibDir, "gone.rb")}}
			},
			want: os.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newBuildFixture(t)
			req := f.request("app.exe")
			tt.mutate(t, f, &req)

			if _, err := Build(context.Background(), req); !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
			if _, err := os.Stat(req.Output); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("output exists after failed build: %v", err)
			}
			assertNoTempFiles(t, f.outDir)
		})
	}
}

func TestBuild_Cancelled(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := f.request("app.exe")
	if _, err := Build(ctx, req); !errors.Is(err, context.Canceled) {
		t.Fatalf("Build() error = %v, want context.Canceled", err)
	}
	assertNoTempFiles(t, f.outDir)
}

func TestBuild_ExtraLibrariesAndDuplicates(t *testing.T) {
	t.Parallel()

	f := newBuildFixture(t)
	testutil.MustWriteFile(t, filepath.Join(f.layout.BinDir, "zlib1.dll"), "zlib")

	req := f.request("app.exe")
	req.ExtraLibraries = []string{"zlib1.dll"}
	req.Files = []string{f.script}

	res, err := Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var dests []string
	for _, r := range res.Files {
		dests = append(dests, r.Dest)
	}
	want := []string{"src/main.rb", "bin/ruby", "bin/libruby.so.3.3", "bin/zlib1.dll"}
	if !slices.Equal(dests, want) {
		t.Errorf("destinations = %v, want %v", dests, want)
	}
}

func TestBuild_ExecutableSelection(t *testing.T) {
	t.Parallel()

	t.Run("windowed available", func(t *testing.T) {
		t.Parallel()
		f := newBuildFixture(t)
		testutil.MustWriteFile(t, filepath.Join(f.layout.BinDir, "rubyw"), "gui")
		f.inst.WindowedExecutable = "rubyw"
		req := f.request("gui.exe")
		req.Script = testutil.MustWriteFile(t, filepath.Join(f.appDir, "gui.rbw"), "Tk.mainloop\n")

		res, err := Build(context.Background(), req)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if res.Executable != "rubyw" || res.CommandLine != "rubyw \xff/src/gui.rbw" {
			t.Errorf("launch = %q %q", res.Executable, res.CommandLine)
		}
		if len(res.Diagnostics) != 0 {
			t.Errorf("Diagnostics = %+v, want none", res.Diagnostics)
		}
	})

	t.Run("console forced", func(t *testing.T) {
		t.Parallel()
		f := newBuildFixture(t)
		f.inst.WindowedExecutable = "rubyw"
		req := f.request("gui.exe")
		req.Script = testutil.MustWriteFile(t, filepath.Join(f.appDir, "gui.rbw"), "Tk.mainloop\n")
		req.Console = true

		res, err := Build(context.Background(), req)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if res.Executable != "ruby" {
			t.Errorf("Executable = %q, want ruby", res.Executable)
		}
	})

	t.Run("windowed unavailable", func(t *testing.T) {
		t.Parallel()
		f := newBuildFixture(t)
		req := f.request("app.exe")
		req.Windowed = true

		res, err := Build(context.Background(), req)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if res.Executable != "ruby" {
			t.Errorf("Executable = %q, want ruby", res.Executable)
		}
		if len(res.Diagnostics) != 1 || res.Diagnostics[0].Code != discovery.CodeWindowedUnavailable {
			t.Errorf("Diagnostics = %+v, want windowed_unavailable", res.Diagnostics)
		}
	})
}

func TestBuild_NoScript(t *testing.T) {
	t.Parallel()

	if _, err := Build(context.Background(), Request{}); !errors.Is(err, ErrNoScript) {
		t.Errorf("Build() error = %v, want ErrNoScript", err)
	}
}

func TestDefaultOutput(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"app.rb", "app.exe"},
		{"gui.rbw", "gui.exe"},
		{filepath.Join("dir", "tool.rb"), filepath.Join("dir", "tool.exe")},
		{"script", "script.exe"},
	}
	for _, tt := range tests {
		if got := DefaultOutput(tt.in); got != tt.want {
			t.Errorf("DefaultOutput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func findRecord(res *Result, source string) *FileRecord {
	for i := range res.Files {
		if res.Files[i].Source == source {
			return &res.Files[i]
		}
	}
	return nil
}

func tags(entries []opcode.Entry) []opcode.Tag {
	out := make([]opcode.Tag, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Tag())
	}
	return out
}
