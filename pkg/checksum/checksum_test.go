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
	"encoding/hex"
	"testing"

	"gotest.tools/v3/assert"
)

func digestOf(data ...byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestStrFraming(t *testing.T) {
	b := New()
	b.Str("abc")
	assert.Equal(t, b.Current(), digestOf('a', 'b', 'c', 0))
}

func TestOptStrNilVersusEmpty(t *testing.T) {
	withNil := New()
	withNil.OptStr(nil)

	empty := ""
	withEmpty := New()
	withEmpty.OptStr(&empty)

	assert.Assert(t, withNil.Current() != withEmpty.Current())
	assert.Equal(t, withNil.Current(), digestOf(0x01))
	assert.Equal(t, withEmpty.Current(), digestOf(0x00))
}

func TestStrvFraming(t *testing.T) {
	b := New()
	b.Strv([]string{"a", "b"})
	assert.Equal(t, b.Current(), digestOf(0x01, 'a', 0, 'b', 0))

	nilv := New()
	nilv.Strv(nil)
	assert.Equal(t, nilv.Current(), digestOf(0x02))

	// an empty vector is its marker alone, distinct from nil
	emptyv := New()
	emptyv.Strv([]string{})
	assert.Equal(t, emptyv.Current(), digestOf(0x01))
}

func TestBoolAndUint32(t *testing.T) {
	b := New()
	b.Bool(true)
	b.Bool(false)
	b.Uint32(0x01020304)
	assert.Equal(t, b.Current(), digestOf(1, 0, 0x04, 0x03, 0x02, 0x01))
}

func TestCurrentDoesNotFinalize(t *testing.T) {
	b := New()
	b.Str("stage")
	first := b.Current()
	assert.Equal(t, b.Current(), first)

	b.Str("more")
	assert.Assert(t, b.Current() != first)
}

func TestKeyStability(t *testing.T) {
	run := func() string {
		b := New()
		b.Str("module")
		b.Strv([]string{"configure", "make"})
		b.Bool(true)
		b.Uint32(7)
		b.Bytes([]byte{0xde, 0xad})
		return b.Current()
	}
	assert.Equal(t, run(), run())
}

func TestBoundaryCollisionResistance(t *testing.T) {
	// "ab" + "c" must differ from "a" + "bc"
	left := New()
	left.Str("ab")
	left.Str("c")

	right := New()
	right.Str("a")
	right.Str("bc")

	assert.Assert(t, left.Current() != right.Current())
}
