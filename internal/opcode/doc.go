// SPDX-License-Identifier: MPL-2.0

// Package opcode implements the binary opcode stream embedded in rbexe containers.
//
// A container is laid out as:
//
//	[stub image][payload][End][payload offset: u32][signature: 41 B6 BA 4E]
//
// The payload is either a raw opcode stream terminated by End, or a single
// DecompressLZMA entry wrapping such a stream followed by an outer End. All
// integers are little-endian uint32 values and all string fields are
// nul-terminated.
//
// The builder only needs the encoding half (Writer, WriteTrailer). The decoding
// half (Reader, ReadTrailer, Parse) mirrors what the extraction stub does and is
// used by `rbexe inspect` and by tests.
package opcode
