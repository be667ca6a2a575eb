// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"sort"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestPermissionInvariants(t *testing.T) {
	p := &Permission{}
	p.AllowConditional("b")
	p.AllowConditional("a")
	p.AllowConditional("b")
	assert.DeepEqual(t, p.Conditionals(), []string{"a", "b"})
	assert.Assert(t, sort.StringsAreSorted(p.Conditionals()))

	p.Allow()
	assert.Assert(t, p.Allowed())
	assert.Assert(t, cmp.Len(p.Conditionals(), 0))
	assert.Assert(t, p.Reset())

	// conditional on an unconditionally allowed permission is a no-op
	p.AllowConditional("c")
	assert.Assert(t, cmp.Len(p.Conditionals(), 0))

	p.Disallow()
	assert.Assert(t, !p.Allowed())
	assert.Assert(t, p.Reset())
	assert.Assert(t, cmp.Len(p.Conditionals(), 0))
}

func TestPermissionMerge(t *testing.T) {
	base := &Permission{}
	base.AllowConditional("has-a")
	base.AllowConditional("has-b")

	overlay := &Permission{}
	overlay.AllowConditional("has-c")
	base.Merge(overlay)
	assert.DeepEqual(t, base.Conditionals(), []string{"has-a", "has-b", "has-c"})
	assert.Assert(t, !base.Reset())

	// a resetting overlay clears accumulated conditionals first
	resetOverlay := &Permission{}
	resetOverlay.Disallow()
	resetOverlay.AllowConditional("only")
	base.Merge(resetOverlay)
	assert.DeepEqual(t, base.Conditionals(), []string{"only"})
	assert.Assert(t, base.Reset())

	// merging an unconditional allow drops conditionals
	allowOverlay := &Permission{}
	allowOverlay.Allow()
	base.Merge(allowOverlay)
	assert.Assert(t, base.Allowed())
	assert.Assert(t, cmp.Len(base.Conditionals(), 0))
}

func TestPermissionCompute(t *testing.T) {
	eval := func(name string) (bool, bool) {
		switch name {
		case "has-wayland":
			return true, true
		case "has-x11":
			return false, true
		}
		return false, false
	}

	allowed := &Permission{}
	allowed.Allow()
	assert.Assert(t, allowed.Compute(eval))

	cond := &Permission{}
	cond.AllowConditional("has-wayland")
	assert.Assert(t, cond.Compute(eval))

	falseCond := &Permission{}
	falseCond.AllowConditional("has-x11")
	assert.Assert(t, !falseCond.Compute(eval))

	negated := &Permission{}
	negated.AllowConditional("!has-x11")
	assert.Assert(t, negated.Compute(eval))

	alwaysTrue := &Permission{}
	alwaysTrue.AllowConditional("true")
	assert.Assert(t, alwaysTrue.Compute(nil))

	unknown := &Permission{}
	unknown.AllowConditional("no-such-condition")
	assert.Assert(t, !unknown.Compute(eval))
}

func TestPermissionAddsPermissions(t *testing.T) {
	allow := func() *Permission { p := &Permission{}; p.Allow(); return p }
	conds := func(cs ...string) *Permission {
		p := &Permission{}
		for _, c := range cs {
			p.AllowConditional(c)
		}
		return p
	}

	// old allowed never adds
	assert.Assert(t, !allow().AddsPermissions(allow()))
	assert.Assert(t, !allow().AddsPermissions(conds("x")))

	// new unconditional over conditional old adds
	assert.Assert(t, conds("x").AddsPermissions(allow()))

	// conditional walk
	assert.Assert(t, !conds("a", "b").AddsPermissions(conds("a")))
	assert.Assert(t, conds("a").AddsPermissions(conds("a", "b")))
	assert.Assert(t, conds("a").AddsPermissions(conds("b")))
	assert.Assert(t, !conds("a", "b").AddsPermissions(conds("a", "b")))
	assert.Assert(t, !conds("a").AddsPermissions(&Permission{}))
}

func TestPermissionListRoundTrip(t *testing.T) {
	perms := parsePermissionList("wayland;if:wayland:has-wayland;!x11")

	wayland := perms["wayland"]
	assert.Assert(t, !wayland.Allowed())
	assert.Assert(t, !wayland.Reset())
	assert.DeepEqual(t, wayland.Conditionals(), []string{"has-wayland"})

	x11 := perms["x11"]
	assert.Assert(t, !x11.Allowed())
	assert.Assert(t, x11.Reset())
	assert.Assert(t, cmp.Len(x11.Conditionals(), 0))

	assert.Equal(t, serializePermissionMap(perms, false), "wayland;if:wayland:has-wayland;!x11;")
}

func TestPermissionSerializeShapes(t *testing.T) {
	allowed := &Permission{}
	allowed.Allow()
	assert.DeepEqual(t, allowed.serialize("dri", false), []string{"dri"})

	// conditional with reset: marker first, compat token before if: lines
	condReset := &Permission{}
	condReset.Disallow()
	condReset.AllowConditional("cond")
	assert.DeepEqual(t, condReset.serialize("s", false), []string{"!s", "s", "if:s:cond"})
	assert.DeepEqual(t, condReset.serialize("s", true), []string{"s", "if:s:cond"})

	denied := &Permission{}
	denied.Disallow()
	assert.DeepEqual(t, denied.serialize("x11", false), []string{"!x11"})
	assert.Assert(t, cmp.Len(denied.serialize("x11", true), 0))
}

func TestPermissionBackwardCompatRevert(t *testing.T) {
	// bare token then if: line: the provisional allow reverts
	perms := parsePermissionList("foo;if:foo:c")
	foo := perms["foo"]
	assert.Assert(t, !foo.Allowed())
	assert.Assert(t, !foo.Reset())
	assert.DeepEqual(t, foo.Conditionals(), []string{"c"})

	// bare token after if: lines is the unexpected order: warn, ignore
	perms = parsePermissionList("if:foo:c;foo")
	foo = perms["foo"]
	assert.Assert(t, !foo.Allowed())
	assert.DeepEqual(t, foo.Conditionals(), []string{"c"})
}
