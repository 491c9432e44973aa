// SPDX-License-Identifier: MPL-2.0

package opcode

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reader decodes entries from an opcode stream.
type Reader struct {
	r   *bufio.Reader
	off int64
	// size is the input length when known, -1 otherwise.
	size int64
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), size: -1}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.off
}

// Next decodes the next entry. It returns io.EOF when the input ends cleanly
// between entries and ErrTruncated when it ends inside one.
func (r *Reader) Next() (Entry, error) {
	start := r.off
	raw, err := r.uint32()
	if err != nil {
		if errors.Is(err, io.EOF) && r.off == start {
			return nil, io.EOF
		}
		return nil, err
	}

	tag := Tag(raw)
	switch tag {
	case End:
		return EndEntry{}, nil
	case CreateDirectory:
		p, err := r.cstring()
		if err != nil {
			return nil, err
		}
		return CreateDirectoryEntry{Path: p}, nil
	case CreateFile:
		p, err := r.cstring()
		if err != nil {
			return nil, err
		}
		data, err := r.blob()
		if err != nil {
			return nil, err
		}
		return CreateFileEntry{Path: p, Data: data}, nil
	case CreateProcess:
		image, err := r.cstring()
		if err != nil {
			return nil, err
		}
		cmdline, err := r.cstring()
		if err != nil {
			return nil, err
		}
		return CreateProcessEntry{Image: image, CommandLine: cmdline}, nil
	case SetEnv:
		name, err := r.cstring()
		if err != nil {
			return nil, err
		}
		value, err := r.cstring()
		if err != nil {
			return nil, err
		}
		return SetEnvEntry{Name: name, Value: value}, nil
	case DecompressLZMA:
		data, err := r.blob()
		if err != nil {
			return nil, err
		}
		return DecompressLZMAEntry{Data: data}, nil
	default:
		return nil, &UnknownTagError{Tag: tag, Offset: start}
	}
}

// Decode decodes every entry in data, End markers included.
func Decode(data []byte) ([]Entry, error) {
	r := NewReader(bytes.NewReader(data))
	r.size = int64(len(data))
	var entries []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

func (r *Reader) uint32() (uint32, error) {
	var b [4]byte
	n, err := io.ReadFull(r.r, b[:])
	r.off += int64(n)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("read u32 at offset %d: %w", r.off-int64(n), ErrTruncated)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *Reader) cstring() (string, error) {
	s, err := r.r.ReadString(0)
	r.off += int64(len(s))
	if err != nil {
		return "", fmt.Errorf("read string at offset %d: %w", r.off-int64(len(s)), ErrTruncated)
	}
	return s[:len(s)-1], nil
}

func (r *Reader) blob() ([]byte, error) {
	size, err := r.uint32()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read length at offset %d: %w", r.off, ErrTruncated)
		}
		return nil, err
	}
	if r.size >= 0 {
		if int64(size) > r.size-r.off {
			return nil, fmt.Errorf("read %d bytes at offset %d: %w", size, r.off, ErrTruncated)
		}
		data := make([]byte, size)
		n, err := io.ReadFull(r.r, data)
		r.off += int64(n)
		if err != nil {
			return nil, fmt.Errorf("read %d bytes at offset %d: %w", size, r.off-int64(n), ErrTruncated)
		}
		return data, nil
	}

	// Unknown input length: grow with the data actually read, not the
	// declared size.
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r.r, int64(size))
	r.off += n
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", size, r.off-n, ErrTruncated)
	}
	return buf.Bytes(), nil
}
