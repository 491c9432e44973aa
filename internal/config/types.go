// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const (
	// DiscoveryStatic scans sources without running the script.
	DiscoveryStatic DiscoveryMode = "static"
	// DiscoveryTrace runs the script once under the dependency probe.
	DiscoveryTrace DiscoveryMode = "trace"

	// CompressionExternal runs an lzma-compatible executable.
	// Defined locally to avoid coupling config to internal/compress.
	CompressionExternal Compression = "external"
	// CompressionBuiltin compresses in-process.
	CompressionBuiltin Compression = "builtin"
	// CompressionNone writes the payload uncompressed.
	CompressionNone Compression = "none"

	defaultInterpreter = "ruby"
	stubFileName       = "stub.exe"
	compressorFileName = "lzma.exe"
)

var (
	// ErrInvalidDiscoveryMode is returned when a DiscoveryMode value is not recognized.
	ErrInvalidDiscoveryMode = errors.New("invalid discovery mode")
	// ErrInvalidCompression is returned when a Compression value is not recognized.
	ErrInvalidCompression = errors.New("invalid compression")
	// ErrInvalidInterpreter is returned for a whitespace-only interpreter command.
	ErrInvalidInterpreter = errors.New("invalid interpreter command")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// DiscoveryMode selects how dependencies are found.
	DiscoveryMode string

	// InvalidDiscoveryModeError wraps ErrInvalidDiscoveryMode.
	InvalidDiscoveryModeError struct {
		Value DiscoveryMode
	}

	// Compression selects how the payload is compressed.
	Compression string

	// InvalidCompressionError wraps ErrInvalidCompression.
	InvalidCompressionError struct {
		Value Compression
	}

	// InvalidConfigError collects the field errors of a Config.
	// It wraps ErrInvalidConfig for errors.Is() compatibility.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config is the rbexe configuration.
	Config struct {
		// Interpreter is the command used to run Ruby, split with shell
		// quoting rules (e.g. "bundle exec ruby").
		Interpreter string `json:"interpreter" mapstructure:"interpreter"`
		// StubPath is the extraction stub written ahead of every payload.
		StubPath string `json:"stub_path" mapstructure:"stub_path"`
		// CompressorPath is the executable used by CompressionExternal.
		CompressorPath string `json:"compressor_path" mapstructure:"compressor_path"`
		// Compression is the default compression mode.
		Compression Compression `json:"compression" mapstructure:"compression"`

		Discovery    DiscoveryConfig    `json:"discovery" mapstructure:"discovery"`
		Build        BuildConfig        `json:"build" mapstructure:"build"`
		Installation InstallationConfig `json:"installation" mapstructure:"installation"`
		UI           UIConfig           `json:"ui" mapstructure:"ui"`
	}

	// DiscoveryConfig configures dependency discovery.
	DiscoveryConfig struct {
		Mode DiscoveryMode `json:"mode" mapstructure:"mode"`
		// Autoload forces pending autoload constants to be loaded.
		Autoload bool `json:"autoload" mapstructure:"autoload"`
		// IncludeDirs are prepended to the interpreter's load path.
		IncludeDirs []string `json:"include_dirs" mapstructure:"include_dirs"`
	}

	// BuildConfig configures container assembly.
	BuildConfig struct {
		// ExtraLibraries are file names in the installation's bin dir that
		// are always packaged.
		ExtraLibraries []string `json:"extra_libraries" mapstructure:"extra_libraries"`
		// TempDir holds the compressor's scratch files. Empty means the
		// system temp dir.
		TempDir string `json:"temp_dir" mapstructure:"temp_dir"`
	}

	// InstallationConfig overrides values probed from the interpreter.
	// Empty fields keep the probed value.
	InstallationConfig struct {
		Root               string `json:"root" mapstructure:"root"`
		SiteLibDir         string `json:"site_lib_dir" mapstructure:"site_lib_dir"`
		BinDir             string `json:"bin_dir" mapstructure:"bin_dir"`
		Executable         string `json:"executable" mapstructure:"executable"`
		WindowedExecutable string `json:"windowed_executable" mapstructure:"windowed_executable"`
		SharedLibrary      string `json:"shared_library" mapstructure:"shared_library"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		Quiet   bool `json:"quiet" mapstructure:"quiet"`
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}
)

func (m DiscoveryMode) String() string { return string(m) }

// IsValid returns whether the DiscoveryMode is one of the defined modes,
// and a list of validation errors if it is not.
func (m DiscoveryMode) IsValid() (bool, []error) {
	switch m {
	case DiscoveryStatic, DiscoveryTrace:
		return true, nil
	default:
		return false, []error{&InvalidDiscoveryModeError{Value: m}}
	}
}

func (e *InvalidDiscoveryModeError) Error() string {
	return fmt.Sprintf("invalid discovery mode %q (valid: static, trace)", e.Value)
}

func (e *InvalidDiscoveryModeError) Unwrap() error { return ErrInvalidDiscoveryMode }

func (c Compression) String() string { return string(c) }

// IsValid returns whether the Compression is one of the defined modes,
// and a list of validation errors if it is not.
func (c Compression) IsValid() (bool, []error) {
	switch c {
	case CompressionExternal, CompressionBuiltin, CompressionNone:
		return true, nil
	default:
		return false, []error{&InvalidCompressionError{Value: c}}
	}
}

func (e *InvalidCompressionError) Error() string {
	return fmt.Sprintf("invalid compression %q (valid: external, builtin, none)", e.Value)
}

func (e *InvalidCompressionError) Unwrap() error { return ErrInvalidCompression }

// IsValid validates the values CUE cannot check once environment
// overrides have been merged in.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if strings.TrimSpace(c.Interpreter) == "" {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidInterpreter, c.Interpreter))
	}
	if valid, fieldErrs := c.Compression.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Discovery.Mode.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, err := range e.FieldErrors {
		msgs = append(msgs, err.Error())
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Unwrap exposes ErrInvalidConfig and every field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// DataDir is where rbexe looks for its stub and compressor by default.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Interpreter:    defaultInterpreter,
		StubPath:       filepath.Join(DataDir(), stubFileName),
		CompressorPath: filepath.Join(DataDir(), compressorFileName),
		Compression:    CompressionExternal,
		Discovery: DiscoveryConfig{
			Mode:        DiscoveryTrace,
			Autoload:    true,
			IncludeDirs: []string{},
		},
		Build: BuildConfig{
			ExtraLibraries: []string{},
		},
	}
}
