// SPDX-License-Identifier: MPL-2.0

package opcode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Writer encodes entries onto an underlying writer and tracks how many bytes
// have been written.
type Writer struct {
	w   io.Writer
	n   int64
	buf [4]byte
}

// NewWriter returns a Writer that encodes onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() int64 {
	return w.n
}

// Write encodes a single entry.
func (w *Writer) Write(e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	if err := w.uint32(uint32(e.Tag())); err != nil {
		return err
	}

	switch v := e.(type) {
	case CreateDirectoryEntry:
		return w.cstring(v.Path)
	case CreateFileEntry:
		if err := w.cstring(v.Path); err != nil {
			return err
		}
		return w.blob(v.Data)
	case CreateProcessEntry:
		if err := w.cstring(v.Image); err != nil {
			return err
		}
		return w.cstring(v.CommandLine)
	case SetEnvEntry:
		if err := w.cstring(v.Name); err != nil {
			return err
		}
		return w.cstring(v.Value)
	case DecompressLZMAEntry:
		return w.blob(v.Data)
	case EndEntry:
		return nil
	default:
		return fmt.Errorf("encode %T: %w", e, ErrUnknownTag)
	}
}

// Encode returns the concatenated encoding of entries.
func Encode(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// WriteTrailer appends the End marker, the payload offset and the signature.
// payloadOffset is the byte offset of the first payload opcode, which equals
// the stub image size.
func WriteTrailer(w io.Writer, payloadOffset uint32) error {
	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(End))
	binary.LittleEndian.PutUint32(trailer[4:8], payloadOffset)
	copy(trailer[8:12], Signature[:])
	_, err := w.Write(trailer[:])
	return err
}

// validate rejects entries that cannot be represented on the wire before any
// byte of them is written.
func validate(e Entry) error {
	check := func(field, s string) error {
		if strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("%s %s %q: %w", e.Tag(), field, s, ErrNulInString)
		}
		return nil
	}
	size := func(data []byte) error {
		if uint64(len(data)) > math.MaxUint32 {
			return fmt.Errorf("%s: %d bytes: %w", e.Tag(), len(data), ErrTooLarge)
		}
		return nil
	}

	switch v := e.(type) {
	case CreateDirectoryEntry:
		return check("path", v.Path)
	case CreateFileEntry:
		if err := check("path", v.Path); err != nil {
			return err
		}
		return size(v.Data)
	case CreateProcessEntry:
		if err := check("image", v.Image); err != nil {
			return err
		}
		return check("command line", v.CommandLine)
	case SetEnvEntry:
		if err := check("name", v.Name); err != nil {
			return err
		}
		return check("value", v.Value)
	case DecompressLZMAEntry:
		return size(v.Data)
	}
	return nil
}

func (w *Writer) uint32(v uint32) error {
	binary.LittleEndian.PutUint32(w.buf[:], v)
	return w.write(w.buf[:])
}

func (w *Writer) cstring(s string) error {
	if err := w.write([]byte(s)); err != nil {
		return err
	}
	return w.write([]byte{0})
}

func (w *Writer) blob(data []byte) error {
	if err := w.uint32(uint32(len(data))); err != nil {
		return err
	}
	return w.write(data)
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return err
}
