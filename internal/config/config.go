// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/rbexe/rbexe/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "rbexe"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. RBEXE_DISCOVERY_MODE.
	EnvPrefix = "RBEXE"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the rbexe configuration directory below the XDG config
// home (%LOCALAPPDATA% on Windows, ~/Library/Application Support on macOS).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}
	if xdg.ConfigHome == "" {
		return "", errors.New("failed to determine the user config directory")
	}
	return filepath.Join(xdg.ConfigHome, AppName), nil
}

// ConfigFilePath returns the path of the user config file, whether or not
// it exists.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt), nil
}

// loadWithOptions loads defaults, then the first config file found, then
// RBEXE_* environment overrides. It returns the file used, or "" when none
// was found.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath, err := resolvePath(opts)
	if err != nil {
		return nil, "", err
	}
	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the values match the schema shown by 'rbexe config show'").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if valid, errs := cfg.IsValid(); !valid {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithIssue(issue.ConfigLoadFailedId).
			WithSuggestion("Check RBEXE_* environment variables for typos").
			Wrap(errors.Join(errs...)).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

// resolvePath picks the config file: an explicit path (which must exist),
// then the user config dir, then ./config.cue.
func resolvePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'rbexe config init' to create a default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	cfgDir := opts.ConfigDirPath
	if cfgDir == "" {
		var err error
		if cfgDir, err = ConfigDir(); err != nil {
			return "", err
		}
	}

	candidates := []string{
		filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt),
		filepath.Join(opts.BaseDir, ConfigFileName+"."+ConfigFileExt),
	}
	for _, p := range candidates {
		if fileExists(p) {
			return p, nil
		}
	}
	return "", nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("interpreter", d.Interpreter)
	v.SetDefault("stub_path", d.StubPath)
	v.SetDefault("compressor_path", d.CompressorPath)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("discovery.mode", d.Discovery.Mode)
	v.SetDefault("discovery.autoload", d.Discovery.Autoload)
	v.SetDefault("discovery.include_dirs", d.Discovery.IncludeDirs)
	v.SetDefault("build.extra_libraries", d.Build.ExtraLibraries)
	v.SetDefault("build.temp_dir", d.Build.TempDir)
	v.SetDefault("installation.root", d.Installation.Root)
	v.SetDefault("installation.site_lib_dir", d.Installation.SiteLibDir)
	v.SetDefault("installation.bin_dir", d.Installation.BinDir)
	v.SetDefault("installation.executable", d.Installation.Executable)
	v.SetDefault("installation.windowed_executable", d.Installation.WindowedExecutable)
	v.SetDefault("installation.shared_library", d.Installation.SharedLibrary)
	v.SetDefault("ui.quiet", d.UI.Quiet)
	v.SetDefault("ui.verbose", d.UI.Verbose)
}

// loadCUEIntoViper validates a CUE file against #Config and merges it into
// v on top of the defaults.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	configMap, err := decodeCUE(data, path)
	if err != nil {
		return err
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default configuration unless a config file
// already exists. It returns the file path and whether it was created.
func CreateDefaultConfig() (string, bool, error) {
	cfgPath, err := ConfigFilePath()
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		return cfgPath, false, nil
	}
	if err := Save(DefaultConfig()); err != nil {
		return "", false, err
	}
	return cfgPath, true, nil
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	cfgPath, err := ConfigFilePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(cfg)), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateCUE renders cfg as a config file accepted by #Config.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// rbexe configuration file\n")
	sb.WriteString("// Values set here are overridden by RBEXE_* environment variables and flags.\n\n")

	fmt.Fprintf(&sb, "interpreter: %q\n", cfg.Interpreter)
	fmt.Fprintf(&sb, "stub_path: %q\n", cfg.StubPath)
	fmt.Fprintf(&sb, "compressor_path: %q\n", cfg.CompressorPath)
	fmt.Fprintf(&sb, "compression: %q\n", cfg.Compression)

	sb.WriteString("\ndiscovery: {\n")
	fmt.Fprintf(&sb, "\tmode: %q\n", cfg.Discovery.Mode)
	fmt.Fprintf(&sb, "\tautoload: %v\n", cfg.Discovery.Autoload)
	fmt.Fprintf(&sb, "\tinclude_dirs: %s\n", cueList(cfg.Discovery.IncludeDirs))
	sb.WriteString("}\n")

	sb.WriteString("\nbuild: {\n")
	fmt.Fprintf(&sb, "\textra_libraries: %s\n", cueList(cfg.Build.ExtraLibraries))
	if cfg.Build.TempDir != "" {
		fmt.Fprintf(&sb, "\ttemp_dir: %q\n", cfg.Build.TempDir)
	}
	sb.WriteString("}\n")

	inst := cfg.Installation
	fields := []struct{ key, value string }{
		{"root", inst.Root},
		{"site_lib_dir", inst.SiteLibDir},
		{"bin_dir", inst.BinDir},
		{"executable", inst.Executable},
		{"windowed_executable", inst.WindowedExecutable},
		{"shared_library", inst.SharedLibrary},
	}
	sb.WriteString("\n// Overrides for values probed from the interpreter.\ninstallation: {\n")
	for _, f := range fields {
		if f.value != "" {
			fmt.Fprintf(&sb, "\t%s: %q\n", f.key, f.value)
		}
	}
	sb.WriteString("}\n")

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tquiet: %v\n", cfg.UI.Quiet)
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	sb.WriteString("}\n")

	return sb.String()
}

func cueList(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, s := range items {
		quoted = append(quoted, strconv.Quote(s))
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
