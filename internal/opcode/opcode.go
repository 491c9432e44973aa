// SPDX-License-Identifier: MPL-2.0

package opcode

import (
	"errors"
	"fmt"
)

const (
	// End terminates an opcode stream. It carries no payload.
	End Tag = 0
	// CreateDirectory creates a directory below the extraction root.
	CreateDirectory Tag = 1
	// CreateFile writes a file below the extraction root.
	CreateFile Tag = 2
	// CreateProcess launches the packaged program.
	CreateProcess Tag = 3
	// DecompressLZMA wraps an LZMA-compressed opcode stream.
	DecompressLZMA Tag = 4
	// SetEnv assigns an environment variable before launch.
	SetEnv Tag = 5

	// TrailerSize is the size of the fixed trailer at the end of a container:
	// End marker, payload offset and signature.
	TrailerSize = 12

	// LaunchSeparator is the reserved byte placed in a CreateProcess command line
	// between the executable name and the script argument. The stub replaces it
	// with the extraction directory; it is never a literal path character.
	LaunchSeparator byte = 0xFF
)

// Signature identifies an rbexe container. It is the last four bytes of the file.
var Signature = [4]byte{0x41, 0xB6, 0xBA, 0x4E}

var (
	// ErrNulInString is returned when a string field contains a NUL byte and
	// therefore cannot be nul-terminated unambiguously.
	ErrNulInString = errors.New("string field contains NUL byte")
	// ErrTooLarge is returned when a length does not fit in a uint32.
	ErrTooLarge = errors.New("data exceeds 4 GiB opcode limit")
	// ErrTruncated is returned when the input ends in the middle of an entry.
	ErrTruncated = errors.New("truncated opcode stream")
	// ErrUnknownTag is returned when the decoder meets an undefined tag value.
	ErrUnknownTag = errors.New("unknown opcode tag")
	// ErrBadSignature is returned when a file does not end with Signature.
	ErrBadSignature = errors.New("container signature mismatch")
)

type (
	// Tag is the 32-bit opcode identifier written ahead of every entry.
	Tag uint32

	// Entry is one decoded or to-be-encoded opcode.
	Entry interface {
		Tag() Tag
		isEntry()
	}

	// CreateDirectoryEntry creates Path (relative to the extraction root).
	CreateDirectoryEntry struct {
		Path string
	}

	// CreateFileEntry writes Data to Path (relative to the extraction root).
	CreateFileEntry struct {
		Path string
		Data []byte
	}

	// CreateProcessEntry launches Image with CommandLine.
	CreateProcessEntry struct {
		Image       string
		CommandLine string
	}

	// SetEnvEntry sets the environment variable Name to Value.
	SetEnvEntry struct {
		Name  string
		Value string
	}

	// DecompressLZMAEntry carries the compressed bytes of an inner opcode stream.
	DecompressLZMAEntry struct {
		Data []byte
	}

	// EndEntry marks the end of a stream.
	EndEntry struct{}

	// UnknownTagError reports an undefined tag met while decoding.
	UnknownTagError struct {
		Tag    Tag
		Offset int64
	}
)

// String returns the tag's name.
func (t Tag) String() string {
	switch t {
	case End:
		return "End"
	case CreateDirectory:
		return "CreateDirectory"
	case CreateFile:
		return "CreateFile"
	case CreateProcess:
		return "CreateProcess"
	case DecompressLZMA:
		return "DecompressLZMA"
	case SetEnv:
		return "SetEnv"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// Valid reports whether t is one of the defined tags.
func (t Tag) Valid() bool {
	return t <= SetEnv
}

func (CreateDirectoryEntry) Tag() Tag { return CreateDirectory }
func (CreateFileEntry) Tag() Tag      { return CreateFile }
func (CreateProcessEntry) Tag() Tag   { return CreateProcess }
func (SetEnvEntry) Tag() Tag          { return SetEnv }
func (DecompressLZMAEntry) Tag() Tag  { return DecompressLZMA }
func (EndEntry) Tag() Tag             { return End }

func (CreateDirectoryEntry) isEntry() {}
func (CreateFileEntry) isEntry()      {}
func (CreateProcessEntry) isEntry()   {}
func (SetEnvEntry) isEntry()          {}
func (DecompressLZMAEntry) isEntry()  {}
func (EndEntry) isEntry()             {}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown opcode tag %d at offset %d", uint32(e.Tag), e.Offset)
}

// Unwrap returns ErrUnknownTag for errors.Is compatibility.
func (e *UnknownTagError) Unwrap() error {
	return ErrUnknownTag
}
