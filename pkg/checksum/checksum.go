// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Sentinel bytes framing optional values. These are part of the on-disk
// cache key contract; changing them invalidates every existing cache.
const (
	nilStringMarker = 0x01
	someStrvMarker  = 0x01
	nilStrvMarker   = 0x02
)

// Builder is a streaming SHA-256 accumulator with typed appenders.
// Strings are NUL-terminated and nil values carry sentinel bytes distinct
// from the encoding of an empty value. Appends carry no type tag, so
// different input sequences can still produce the same byte stream:
// OptStr(nil) and Bool(true) both write 0x01, and a string containing a
// NUL byte reads like two strings.
type Builder struct {
	h hash.Hash
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{h: sha256.New()}
}

// Str appends s followed by a NUL terminator.
func (b *Builder) Str(s string) {
	b.h.Write([]byte(s))
	b.h.Write([]byte{0})
}

// OptStr appends *s as Str would, or the nil sentinel when s is nil.
// A nil string hashes differently from an empty one.
func (b *Builder) OptStr(s *string) {
	if s == nil {
		b.h.Write([]byte{nilStringMarker})
		return
	}
	b.Str(*s)
}

// Strv appends the marker byte for a present vector followed by each
// element as Str. A nil vector appends only its own sentinel.
func (b *Builder) Strv(v []string) {
	if v == nil {
		b.h.Write([]byte{nilStrvMarker})
		return
	}
	b.h.Write([]byte{someStrvMarker})
	for _, s := range v {
		b.Str(s)
	}
}

// Bool appends 0x01 for true, 0x00 for false.
func (b *Builder) Bool(v bool) {
	if v {
		b.h.Write([]byte{1})
	} else {
		b.h.Write([]byte{0})
	}
}

// Uint32 appends n as 4 little-endian bytes.
func (b *Builder) Uint32(n uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	b.h.Write(buf[:])
}

// Bytes appends raw data with no framing.
func (b *Builder) Bytes(data []byte) {
	b.h.Write(data)
}

// Current returns the hex digest of the running state without
// finalizing the accumulator; further appends remain valid.
func (b *Builder) Current() string {
	return hex.EncodeToString(b.h.Sum(nil))
}
