// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"

	"github.com/rbexe/rbexe/internal/discovery"
	"github.com/rbexe/rbexe/internal/image"
	"github.com/rbexe/rbexe/internal/opcode"
	"github.com/rbexe/rbexe/internal/rubyenv"
)

// extractDirPlaceholder stands in for the launch separator byte, which is
// not valid UTF-8 and cannot appear in a TOML string.
const extractDirPlaceholder = "<extract-dir>"

type (
	// buildReport is the --report document.
	buildReport struct {
		Output         string             `toml:"output"`
		Size           int64              `toml:"size"`
		SizeHuman      string             `toml:"size_human"`
		Digest         string             `toml:"digest"`
		Compressed     bool               `toml:"compressed"`
		PayloadSize    int64              `toml:"payload_size"`
		CompressedSize int64              `toml:"compressed_size,omitempty"`
		Executable     string             `toml:"executable"`
		CommandLine    string             `toml:"command_line"`
		Discovery      string             `toml:"discovery"`
		Installation   reportInstallation `toml:"installation"`
		Directories    []string           `toml:"directories"`
		Files          []reportFile       `toml:"files"`
		Warnings       []reportWarning    `toml:"warnings,omitempty"`
	}

	reportInstallation struct {
		Root          string `toml:"root"`
		BinDir        string `toml:"bin_dir"`
		SiteLibDir    string `toml:"site_lib_dir"`
		SharedLibrary string `toml:"shared_library,omitempty"`
	}

	reportFile struct {
		Source string `toml:"source"`
		Dest   string `toml:"dest"`
		Role   string `toml:"role"`
		Size   int64  `toml:"size"`
		Digest string `toml:"digest"`
	}

	reportWarning struct {
		Code    string `toml:"code"`
		Message string `toml:"message"`
		Path    string `toml:"path,omitempty"`
	}
)

func newBuildReport(s buildSettings, inst rubyenv.Installation, deps *discovery.Result, res *image.Result) buildReport {
	warnings := append(append([]discovery.Diagnostic{}, deps.Warnings()...), res.Diagnostics...)
	return buildReport{
		Output:         res.Path,
		Size:           res.Size,
		SizeHuman:      datasize.ByteSize(res.Size).HumanReadable(),
		Digest:         res.Digest.String(),
		Compressed:     res.Compressed,
		PayloadSize:    res.PayloadSize,
		CompressedSize: res.CompressedSize,
		Executable:     res.Executable,
		CommandLine:    displayCommandLine(res.CommandLine),
		Discovery:      string(s.discovery),
		Installation: reportInstallation{
			Root:          inst.Root,
			BinDir:        inst.BinDir,
			SiteLibDir:    inst.SiteLibDir,
			SharedLibrary: inst.SharedLibrary,
		},
		Directories: res.Directories,
		Files: lo.Map(res.Files, func(f image.FileRecord, _ int) reportFile {
			return reportFile{
				Source: f.Source,
				Dest:   f.Dest,
				Role:   string(f.Role),
				Size:   f.Size,
				Digest: f.Digest.String(),
			}
		}),
		Warnings: lo.Map(warnings, func(d discovery.Diagnostic, _ int) reportWarning {
			return reportWarning{Code: d.Code.String(), Message: d.Message, Path: d.Path}
		}),
	}
}

func writeReport(path string, rep buildReport) error {
	data, err := toml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// displayCommandLine replaces the launch separator with a readable marker.
func displayCommandLine(cmdline string) string {
	return strings.ReplaceAll(cmdline, string([]byte{opcode.LaunchSeparator}), extractDirPlaceholder)
}
