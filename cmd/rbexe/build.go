// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rbexe/rbexe/internal/classify"
	"github.com/rbexe/rbexe/internal/compress"
	"github.com/rbexe/rbexe/internal/config"
	"github.com/rbexe/rbexe/internal/discovery"
	"github.com/rbexe/rbexe/internal/image"
	"github.com/rbexe/rbexe/internal/issue"
	"github.com/rbexe/rbexe/internal/rubyenv"
	"github.com/rbexe/rbexe/pkg/fspath"
)

type (
	// buildOptions are the raw build flags.
	buildOptions struct {
		dlls        []string
		includes    []string
		noLZMA      bool
		compression string
		quiet       bool
		windowed    bool
		console     bool
		noAutoload  bool
		discovery   string
		output      string
		stub        string
		compressor  string
		report      string
	}

	// buildSettings are the flags merged over the configuration.
	buildSettings struct {
		script         string
		files          []string
		output         string
		stubPath       string
		compression    compress.Mode
		compressorPath string
		tempDir        string
		discovery      config.DiscoveryMode
		autoload       bool
		includeDirs    []string
		extraLibs      []string
		windowed       bool
		console        bool
		quiet          bool
		verbose        bool
		interpreter    []string
		overrides      rubyenv.Overrides
		report         string
	}
)

func newBuildCommand(app *App) *cobra.Command {
	opts := &buildOptions{}

	buildCmd := &cobra.Command{
		Use:   "build [flags] <script.rb> [files...]",
		Short: "Package a script and everything it loads into one executable",
		Long: `Package a script and everything it loads into one executable.

The script is checked for dependencies (by running it under a probe, or by
scanning its source with --discovery static), then the interpreter, the
loaded files and any extra files given on the command line are written into
a container behind the extraction stub. Extra files must live below the
script's directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			s, err := opts.settings(cfg, cmd.Flags().Changed, args, app.verbose)
			if err != nil {
				return err
			}
			_, err = runBuild(cmd.Context(), app, s)
			return err
		},
	}

	f := buildCmd.Flags()
	f.StringArrayVar(&opts.dlls, "dll", nil, "include an additional library from the interpreter's bin directory (repeatable)")
	f.StringArrayVarP(&opts.includes, "include", "I", nil, "add a directory to the load path (repeatable)")
	f.BoolVar(&opts.noLZMA, "no-lzma", false, "disable payload compression")
	f.StringVar(&opts.compression, "compression", "", "compression mode: external, builtin or none")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")
	f.BoolVar(&opts.windowed, "windows", false, "launch with the windowed interpreter")
	f.BoolVar(&opts.console, "console", false, "launch with the console interpreter (wins over --windows and .rbw)")
	f.BoolVar(&opts.noAutoload, "no-autoload", false, "do not force autoload constants during discovery")
	f.StringVar(&opts.discovery, "discovery", "", "dependency discovery: trace or static")
	f.StringVarP(&opts.output, "output", "o", "", "container path (default: script name with .exe)")
	f.StringVar(&opts.stub, "stub", "", "extraction stub image")
	f.StringVar(&opts.compressor, "compressor", "", "lzma-compatible executable for external compression")
	f.StringVar(&opts.report, "report", "", "write a TOML build report to this path")

	return buildCmd
}

// settings merges the flags over cfg. changed reports whether a flag was
// set on the command line.
func (o *buildOptions) settings(cfg *config.Config, changed func(string) bool, args []string, verbose bool) (buildSettings, error) {
	s := buildSettings{
		script:         args[0],
		files:          args[1:],
		output:         o.output,
		stubPath:       lo.Ternary(o.stub != "", o.stub, cfg.StubPath),
		compressorPath: lo.Ternary(o.compressor != "", o.compressor, cfg.CompressorPath),
		tempDir:        cfg.Build.TempDir,
		discovery:      cfg.Discovery.Mode,
		autoload:       cfg.Discovery.Autoload && !o.noAutoload,
		includeDirs:    lo.Uniq(append(append([]string{}, cfg.Discovery.IncludeDirs...), o.includes...)),
		extraLibs:      lo.Uniq(append(append([]string{}, cfg.Build.ExtraLibraries...), o.dlls...)),
		windowed:       o.windowed,
		console:        o.console,
		quiet:          o.quiet || cfg.UI.Quiet,
		verbose:        verbose || cfg.UI.Verbose,
		report:         o.report,
		overrides: rubyenv.Overrides{
			Root:               cfg.Installation.Root,
			SiteLibDir:         cfg.Installation.SiteLibDir,
			BinDir:             cfg.Installation.BinDir,
			Executable:         cfg.Installation.Executable,
			WindowedExecutable: cfg.Installation.WindowedExecutable,
			SharedLibrary:      cfg.Installation.SharedLibrary,
		},
	}
	if s.output == "" {
		s.output = image.DefaultOutput(s.script)
	}

	mode := string(cfg.Compression)
	if changed("compression") {
		mode = o.compression
	}
	if o.noLZMA {
		mode = string(compress.ModeNone)
	}
	var err error
	if s.compression, err = compress.ParseMode(mode); err != nil {
		return s, err
	}

	if changed("discovery") {
		s.discovery = config.DiscoveryMode(o.discovery)
		if valid, errs := s.discovery.IsValid(); !valid {
			return s, errors.Join(errs...)
		}
	}

	if s.interpreter, err = rubyenv.SplitCommand(cfg.Interpreter); err != nil {
		return s, err
	}
	return s, nil
}

// runBuild checks the inputs, probes the installation, resolves the
// script's dependencies and writes the container.
func runBuild(ctx context.Context, app *App, s buildSettings) (*image.Result, error) {
	out := app.stdout
	if s.quiet {
		out = io.Discard
	}
	logger := app.newLogger(s.verbose, s.quiet)

	stub, compressor, err := checkBuildInputs(s)
	if err != nil {
		return nil, err
	}

	runner := app.NewRunner(s.interpreter)
	inst, err := probeInstallation(ctx, runner, s.overrides)
	if err != nil {
		return nil, err
	}
	logger.Debug("installation", "root", inst.Root, "bin", inst.BinDir, "exe", inst.Executable, "lib", inst.SharedLibrary)

	banner(out, "Loading script to check dependencies")
	deps, err := resolveDependencies(ctx, runner, logger, inst, s)
	if err != nil {
		return nil, err
	}

	banner(out, "Building "+s.output)
	res, err := image.Build(ctx, image.Request{
		Output:         s.output,
		Stub:           stub,
		Script:         s.script,
		Files:          s.files,
		Installation:   inst,
		ExtraLibraries: s.extraLibs,
		Dependencies:   deps.Features,
		GemSpecs:       deps.GemSpecs,
		Compressor:     compressor,
		Windowed:       s.windowed,
		Console:        s.console,
		Logger:         logger,
		Progress: func(stage image.Stage) {
			if stage == image.StageCompressing {
				banner(out, "Compressing")
			}
		},
	})
	if err != nil {
		return nil, buildError(err, s)
	}

	banner(out, fmt.Sprintf("Finished (Final size was %s)", datasize.ByteSize(res.Size).HumanReadable()))

	if s.report != "" {
		if err := writeReport(s.report, newBuildReport(s, inst, deps, res)); err != nil {
			return res, issue.NewErrorContext().
				WithOperation("write build report").
				WithResource(s.report).
				Wrap(err).
				BuildError()
		}
	}
	return res, nil
}

// checkBuildInputs runs the fatal startup checks before any work is done.
func checkBuildInputs(s buildSettings) ([]byte, compress.Compressor, error) {
	if !fspath.IsFile(s.script) {
		return nil, nil, issue.NewErrorContext().
			WithOperation("find script").
			WithResource(s.script).
			WithIssue(issue.ScriptNotFoundId).
			Wrap(os.ErrNotExist).
			BuildError()
	}

	stub, err := os.ReadFile(s.stubPath)
	if err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("read stub").
			WithResource(s.stubPath).
			WithIssue(issue.StubNotFoundId).
			WithSuggestion("Pass --stub with the path to the extraction stub").
			Wrap(err).
			BuildError()
	}

	var compressor compress.Compressor
	switch s.compression {
	case compress.ModeExternal:
		ext := &compress.External{Path: s.compressorPath, TempDir: s.tempDir}
		if err := ext.Check(); err != nil {
			return nil, nil, issue.NewErrorContext().
				WithOperation("find compressor").
				WithResource(s.compressorPath).
				WithIssue(issue.CompressorNotFoundId).
				WithSuggestion("Use --compression builtin or --no-lzma").
				Wrap(err).
				BuildError()
		}
		compressor = ext
	case compress.ModeBuiltin:
		compressor = compress.Builtin{}
	}
	return stub, compressor, nil
}

func probeInstallation(ctx context.Context, runner rubyenv.Runner, overrides rubyenv.Overrides) (rubyenv.Installation, error) {
	inst, err := rubyenv.Probe(ctx, runner)
	if err == nil {
		inst = overrides.Apply(inst)
		err = inst.Validate()
	}
	if err != nil {
		return inst, issue.NewErrorContext().
			WithOperation("query the Ruby installation").
			WithIssue(issue.InterpreterNotFoundId).
			Wrap(err).
			BuildError()
	}
	return inst, nil
}

func resolveDependencies(ctx context.Context, runner discovery.Runner, logger *log.Logger, inst rubyenv.Installation, s buildSettings) (*discovery.Result, error) {
	includeDirs := make([]string, 0, len(s.includeDirs))
	for _, dir := range s.includeDirs {
		abs, err := fspath.Abs(dir)
		if err != nil {
			return nil, err
		}
		includeDirs = append(includeDirs, abs)
	}
	entry, err := fspath.Abs(s.script)
	if err != nil {
		return nil, err
	}

	req := discovery.Request{Entry: entry, LoadPath: includeDirs, ForceAutoload: s.autoload}
	var resolver discovery.Resolver
	switch s.discovery {
	case config.DiscoveryStatic:
		req.LoadPath = append(req.LoadPath, inst.LoadPath...)
		req.GemDirs = inst.GemDirs
		resolver = discovery.NewStaticResolver(logger)
	default:
		resolver = discovery.NewTraceResolver(runner, logger)
	}

	res, err := resolver.Resolve(ctx, req)
	if err != nil {
		ec := issue.NewErrorContext().
			WithOperation("check dependencies").
			WithResource(s.script)
		if errors.Is(err, discovery.ErrProbeFailed) || errors.Is(err, discovery.ErrNoReport) {
			ec = ec.WithIssue(issue.ScriptFailedId)
		}
		return nil, ec.Wrap(err).BuildError()
	}
	for _, d := range res.Warnings() {
		logger.Warn(d.Message, "code", d.Code, "path", d.Path)
	}
	logger.Debug("dependencies resolved", "mode", s.discovery, "features", len(res.Features), "gems", len(res.GemSpecs), "warnings", len(res.Warnings()))
	return res, nil
}

// buildError attaches guidance to the builder's fatal errors.
func buildError(err error, s buildSettings) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	ec := issue.NewErrorContext().WithOperation("build container").WithResource(s.output)
	switch {
	case errors.Is(err, image.ErrOutsideSourceDir):
		ec = ec.WithIssue(issue.FileOutsideSourceDirId)
	case errors.Is(err, classify.ErrOutsideInstallRoot):
		ec = ec.WithIssue(issue.GemSpecOutsideInstallationId)
	case errors.Is(err, compress.ErrCompressorFailed):
		ec = ec.WithIssue(issue.CompressionFailedId)
	case errors.Is(err, os.ErrPermission):
		ec = ec.WithIssue(issue.OutputNotWritableId)
	case errors.Is(err, os.ErrNotExist) && !fspath.IsDir(filepath.Dir(s.output)):
		ec = ec.WithIssue(issue.OutputNotWritableId)
	}
	return ec.Wrap(err).BuildError()
}

func banner(w io.Writer, msg string) {
	fmt.Fprintln(w, bannerStyle.Render("=== "+msg))
}
