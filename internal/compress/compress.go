// SPDX-License-Identifier: MPL-2.0

// Package compress turns an assembled opcode stream into the compressed blob
// carried by a DecompressLZMA entry.
//
// Two compressors are provided: External shells out to an `lzma`-compatible
// executable through a pair of temporary files, and Builtin encodes in-process.
// Both produce the LZMA "alone" format the extraction stub decodes.
package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

const (
	// ModeExternal compresses with an external executable.
	ModeExternal Mode = "external"
	// ModeBuiltin compresses in-process.
	ModeBuiltin Mode = "builtin"
	// ModeNone disables compression.
	ModeNone Mode = "none"
)

var (
	// ErrCompressorFailed is returned when the external compressor exits non-zero
	// or cannot be started.
	ErrCompressorFailed = errors.New("compressor failed")
	// ErrInvalidMode is returned for unknown compression modes.
	ErrInvalidMode = errors.New("invalid compression mode")
)

type (
	// Mode selects how (and whether) the payload is compressed.
	Mode string

	// Compressor compresses a complete payload in one call.
	Compressor interface {
		// Name identifies the compressor in logs and reports.
		Name() string
		// Compress returns the compressed form of data.
		Compress(ctx context.Context, data []byte) ([]byte, error)
	}

	// Builtin compresses with an in-process LZMA encoder.
	Builtin struct{}
)

// ParseMode validates a mode string. The empty string selects ModeExternal.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeExternal, nil
	case ModeExternal, ModeBuiltin, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (expected external, builtin or none)", ErrInvalidMode, s)
	}
}

// String returns the mode name.
func (m Mode) String() string {
	return string(m)
}

// Name returns "builtin".
func (Builtin) Name() string {
	return string(ModeBuiltin)
}

// Compress encodes data as an LZMA alone stream with the uncompressed size
// recorded in the header.
func (Builtin) Compress(_ context.Context, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		SizeInHeader: true,
		Size:         int64(len(data)),
	}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create lzma writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lzma encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lzma finish: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes an LZMA alone stream, as the extraction stub does.
func Decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read lzma header: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lzma decode: %w", err)
	}
	return out, nil
}
