// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/rbexe/rbexe/internal/config"
	"github.com/rbexe/rbexe/internal/discovery"
	"github.com/rbexe/rbexe/internal/rubyenv"
	"github.com/rbexe/rbexe/internal/testutil"
)

type (
	// staticProvider hands out a fixed configuration.
	staticProvider struct {
		cfg  *config.Config
		path string
	}

	// rubyRunner answers the RbConfig query for a fake installation and
	// records every invocation.
	rubyRunner struct {
		mu    sync.Mutex
		out   []byte
		err   error
		calls [][]string
		argv  []string
	}

	// cliFixture is a fake installation, a stub and a script directory.
	cliFixture struct {
		layout testutil.RubyLayout
		runner *rubyRunner
		cfg    *config.Config
		appDir string
		outDir string
		stub   string
		script string
	}
)

func (p staticProvider) Load(context.Context, config.LoadOptions) (*config.Config, string, error) {
	return p.cfg, p.path, nil
}

func newRubyRunner(t *testing.T, l testutil.RubyLayout) *rubyRunner {
	t.Helper()
	out, err := json.Marshal(map[string]any{
		"root":                  l.Root,
		"site_lib_dir":          l.SiteLibDir,
		"bin_dir":               l.BinDir,
		"lib_dir":               filepath.Join(l.Root, "lib"),
		"install_name":          "ruby",
		"windowed_install_name": "",
		"exe_ext":               "",
		"libruby_so":            l.SharedLibrary,
		"enable_shared":         "yes",
		"load_path":             []string{l.SiteLibDir, l.RubyLibDir},
		"gem_dirs":              []string{l.GemDir},
	})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return &rubyRunner{out: out}
}

func (r *rubyRunner) Run(_ context.Context, args []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	if r.err != nil {
		return nil, r.err
	}
	if len(args) == 2 && args[0] == "-e" && args[1] == rubyenv.QueryScript() {
		return r.out, nil
	}
	return nil, errors.New("unexpected interpreter invocation")
}

func (r *rubyRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// newCLIFixture creates an installation, a stub and app/main.rb, which
// requires set (from the standard library) and a helper next to it.
func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	base := testutil.MustEvalSymlinks(t, t.TempDir())

	f := &cliFixture{
		layout: testutil.NewRubyLayout(t, base),
		appDir: filepath.Join(base, "app"),
		outDir: filepath.Join(base, "out"),
	}
	f.runner = newRubyRunner(t, f.layout)
	f.stub = testutil.WriteStub(t, filepath.Join(base, "stub"), []byte("STUBSTUB"))
	f.script = testutil.MustWriteFile(t, filepath.Join(f.appDir, "main.rb"), "require \"set\"\nrequire_relative \"helper\"\n")
	testutil.MustWriteFile(t, filepath.Join(f.appDir, "helper.rb"), "HELPER = 1\n")
	testutil.MustMkdirAll(t, f.outDir, 0o755)

	f.cfg = config.DefaultConfig()
	f.cfg.StubPath = f.stub
	f.cfg.Compression = config.CompressionNone
	f.cfg.Discovery.Mode = config.DiscoveryStatic
	return f
}

// run executes the command tree with args and returns stdout, stderr (both
// without styling) and the command error.
func (f *cliFixture) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := &App{
		Config: staticProvider{cfg: f.cfg},
		NewRunner: func(argv []string) discovery.Runner {
			f.runner.mu.Lock()
			f.runner.argv = argv
			f.runner.mu.Unlock()
			return f.runner
		},
		stdout: &stdout,
		stderr: &stderr,
	}
	root := NewRootCommand(app)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return ansi.Strip(stdout.String()), ansi.Strip(stderr.String()), err
}
