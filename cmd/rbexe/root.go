// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/rbexe/rbexe/internal/config"
	"github.com/rbexe/rbexe/internal/discovery"
	"github.com/rbexe/rbexe/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

type (
	// App wires the CLI to its services. Tests replace the interpreter
	// runner and the output streams.
	App struct {
		Config config.Provider
		// NewRunner returns the runner for an interpreter command line.
		NewRunner func(argv []string) discovery.Runner

		stdout io.Writer
		stderr io.Writer

		verbose bool
		cfgFile string
	}
)

// NewApp returns an App using the real config files, interpreter and
// standard streams.
func NewApp() *App {
	return &App{
		Config: config.NewProvider(),
		NewRunner: func(argv []string) discovery.Runner {
			return &discovery.ExecRunner{Argv: argv}
		},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// NewRootCommand builds the command tree for app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rbexe",
		Short: "Package a Ruby script into a self-extracting executable",
		Long: TitleStyle.Render("rbexe") + SubtitleStyle.Render(" - package a Ruby script into a self-extracting executable") + `

rbexe finds every file a script loads, copies them together with the Ruby
interpreter into a single container behind an extraction stub, and makes the
container launch the script when run.

` + SubtitleStyle.Render("Examples:") + `
  rbexe build app.rb                 Package app.rb into app.exe
  rbexe build --no-lzma app.rb       Package without compression
  rbexe inspect app.exe              List what a container holds
  rbexe config show                  Show the effective configuration`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)

	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/rbexe/config.cue)")

	rootCmd.AddCommand(newBuildCommand(app))
	rootCmd.AddCommand(newInspectCommand(app))
	rootCmd.AddCommand(newConfigCommand(app))
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits non-zero on failure. It is called by main.main().
func Execute() {
	app := NewApp()
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			renderError(w, err, app.verbose)
		}),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// loadConfig loads the configuration selected by --config, falling back to
// defaults when no file exists.
func (a *App) loadConfig(ctx context.Context) (*config.Config, string, error) {
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.cfgFile})
}

// newLogger returns the logger handed to the builder and resolvers.
func (a *App) newLogger(verbose, quiet bool) *log.Logger {
	logger := log.NewWithOptions(a.stderr, log.Options{Prefix: "rbexe"})
	switch {
	case verbose:
		logger.SetLevel(log.DebugLevel)
	case quiet:
		logger.SetLevel(log.WarnLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

// renderError prints err for the user. Actionable errors get their
// suggestions and, when linked, the catalog guidance.
func renderError(w io.Writer, err error, verbose bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		fmt.Fprintln(w, ErrorStyle.Render("Error:")+" "+err.Error())
		return
	}

	fmt.Fprintln(w, ErrorStyle.Render("Error:")+" "+ae.Format(verbose))
	if entry := ae.Issue(); entry != nil {
		rendered, renderErr := entry.Render("")
		if renderErr != nil {
			fmt.Fprintln(w, VerboseStyle.Render("(failed to render guidance: "+renderErr.Error()+")"))
			return
		}
		fmt.Fprint(w, rendered)
	}
}
