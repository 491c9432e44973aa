// SPDX-License-Identifier: MPL-2.0

package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nrednav/cuid2"
)

type (
	// External runs `<Path> e <input> <output>` and reads the result back.
	//
	// The input and output files are named after a fresh identifier so that
	// concurrent builds sharing TempDir never collide. Both are removed when
	// Compress returns, whatever the outcome.
	External struct {
		// Path is the compressor executable.
		Path string
		// TempDir holds the scratch files. Empty means os.TempDir().
		TempDir string
	}

	// ExitError reports a compressor that ran but exited non-zero.
	ExitError struct {
		Code   int
		Stderr string
	}
)

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("compressor exited with status %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Unwrap returns ErrCompressorFailed for errors.Is compatibility.
func (e *ExitError) Unwrap() error {
	return ErrCompressorFailed
}

// Name returns the executable's base name.
func (c *External) Name() string {
	return filepath.Base(c.Path)
}

// Check verifies that the compressor executable exists and is a regular file.
func (c *External) Check() error {
	info, err := os.Stat(c.Path)
	if err != nil {
		return fmt.Errorf("compressor %s: %w", c.Path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("compressor %s is a directory", c.Path)
	}
	return nil
}

// Compress writes data to a temporary input file, runs the compressor and
// returns the contents of the temporary output file.
func (c *External) Compress(ctx context.Context, data []byte) (out []byte, err error) {
	in, outPath := c.scratchPaths()
	defer func() {
		// Cleanup runs on every path; a leftover scratch file is an error only
		// when nothing else went wrong.
		for _, p := range []string{in, outPath} {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
				err = fmt.Errorf("remove scratch file: %w", rmErr)
			}
		}
	}()

	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write compressor input: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, "e", in, outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("%w: %w", ErrCompressorFailed, runErr)
	}

	out, err = os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %w", ErrCompressorFailed, err)
	}
	return out, nil
}

func (c *External) scratchPaths() (in, out string) {
	dir := c.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	base := filepath.Join(dir, "rbexe-"+cuid2.Generate())
	return base + ".in", base + ".out"
}
