// SPDX-License-Identifier: MPL-2.0

package opcode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// ErrMultipleWrappers is returned when a payload contains more than one
// DecompressLZMA entry.
var ErrMultipleWrappers = errors.New("more than one DecompressLZMA entry in payload")

type (
	// Trailer is the fixed-size record at the end of a container.
	Trailer struct {
		// PayloadOffset is the byte offset of the first payload opcode.
		PayloadOffset uint32
	}

	// DecompressFunc expands the data of a DecompressLZMA entry.
	DecompressFunc func(data []byte) ([]byte, error)

	// Container is a parsed container file.
	Container struct {
		// Stub is the stub image preceding the payload.
		Stub []byte
		// Trailer is the decoded trailer.
		Trailer Trailer
		// Outer is the top-level opcode stream between the stub and the trailer.
		Outer []Entry
		// Inner is the decompressed stream when Outer holds a DecompressLZMA
		// wrapper, nil otherwise.
		Inner []Entry
		// Size is the total container size in bytes.
		Size int64
	}
)

// ReadTrailer decodes the trailer from the last TrailerSize bytes of data.
func ReadTrailer(data []byte) (Trailer, error) {
	if len(data) < TrailerSize {
		return Trailer{}, fmt.Errorf("container of %d bytes has no trailer: %w", len(data), ErrTruncated)
	}
	t := data[len(data)-TrailerSize:]
	if !bytes.Equal(t[8:12], Signature[:]) {
		return Trailer{}, ErrBadSignature
	}
	if Tag(binary.LittleEndian.Uint32(t[0:4])) != End {
		return Trailer{}, fmt.Errorf("trailer does not start with End: %w", ErrTruncated)
	}
	offset := binary.LittleEndian.Uint32(t[4:8])
	if int64(offset) > int64(len(data)-TrailerSize) {
		return Trailer{}, fmt.Errorf("payload offset %d beyond end of file: %w", offset, ErrTruncated)
	}
	return Trailer{PayloadOffset: offset}, nil
}

// Parse splits a container into stub, payload and trailer and decodes the
// payload. When the payload is wrapped in DecompressLZMA, decompress is used
// to expand and decode the inner stream; a nil decompress leaves Inner empty.
func Parse(data []byte, decompress DecompressFunc) (*Container, error) {
	trailer, err := ReadTrailer(data)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Stub:    data[:trailer.PayloadOffset],
		Trailer: trailer,
		Size:    int64(len(data)),
	}

	c.Outer, err = Decode(data[trailer.PayloadOffset : len(data)-TrailerSize])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var wrapped *DecompressLZMAEntry
	for _, e := range c.Outer {
		if w, ok := e.(DecompressLZMAEntry); ok {
			if wrapped != nil {
				return nil, ErrMultipleWrappers
			}
			wrapped = &w
		}
	}

	if wrapped != nil && decompress != nil {
		raw, err := decompress(wrapped.Data)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		c.Inner, err = Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode compressed payload: %w", err)
		}
	}

	return c, nil
}

// Open reads and parses the container at path.
func Open(path string, decompress DecompressFunc) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, decompress)
}

// Compressed reports whether the payload is wrapped in DecompressLZMA.
func (c *Container) Compressed() bool {
	for _, e := range c.Outer {
		if e.Tag() == DecompressLZMA {
			return true
		}
	}
	return false
}

// Operations returns the materialization sequence the stub would execute:
// the inner stream for compressed payloads, the outer one otherwise. Decoding
// stops at the first End.
func (c *Container) Operations() []Entry {
	stream := c.Outer
	if c.Compressed() {
		stream = c.Inner
	}
	for i, e := range stream {
		if e.Tag() == End {
			return stream[:i]
		}
	}
	return stream
}
