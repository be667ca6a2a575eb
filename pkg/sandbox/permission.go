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
	"strings"

	"github.com/flatpak/flatpak/pkg/fplog"
)

// Permission records the grant state of a single named capability such
// as the "wayland" socket or the "dri" device.
//
// Invariants: allowed implies no conditionals; conditionals are kept
// lexicographically sorted and deduplicated.
type Permission struct {
	allowed      bool
	reset        bool
	conditionals []string

	// sawBareToken tracks the legacy bare-name token while a list is
	// being deserialized; the first if: line for the name reverts the
	// provisional unconditional allow it implied.
	sawBareToken bool
}

// Allowed reports an unconditional grant.
func (p *Permission) Allowed() bool { return p.allowed }

// Reset reports whether the permission resets lower layers on merge.
func (p *Permission) Reset() bool { return p.reset }

// Conditionals returns the sorted condition names. The slice is shared;
// callers must not mutate it.
func (p *Permission) Conditionals() []string { return p.conditionals }

// Disallow revokes the capability unconditionally. The reset flag makes
// the revocation override lower layers.
func (p *Permission) Disallow() {
	p.allowed = false
	p.reset = true
	p.conditionals = nil
}

// Allow grants the capability unconditionally. Allow also resets:
// without it, conditionals layered later would quietly make the
// unconditional grant conditional again.
func (p *Permission) Allow() {
	p.allowed = true
	p.reset = true
	p.conditionals = nil
}

// AllowConditional grants the capability subject to the named runtime
// condition. Ignored when the capability is already unconditionally
// allowed or the condition is already recorded.
func (p *Permission) AllowConditional(cond string) {
	if p.allowed {
		return
	}
	i := sort.SearchStrings(p.conditionals, cond)
	if i < len(p.conditionals) && p.conditionals[i] == cond {
		return
	}
	p.conditionals = append(p.conditionals, "")
	copy(p.conditionals[i+1:], p.conditionals[i:])
	p.conditionals[i] = cond
}

// Merge layers overlay on top of p.
func (p *Permission) Merge(overlay *Permission) {
	if overlay.reset {
		p.conditionals = nil
		p.reset = true
	}
	p.allowed = overlay.allowed
	for _, c := range overlay.conditionals {
		p.AllowConditional(c)
	}
	if p.allowed {
		p.conditionals = nil
	}
}

// Clone returns an independent copy.
func (p *Permission) Clone() *Permission {
	c := *p
	c.conditionals = append([]string(nil), p.conditionals...)
	return &c
}

// ConditionEvaluator resolves a condition name to its runtime truth
// value. known is false for conditions the evaluator cannot answer;
// those contribute nothing to Compute.
type ConditionEvaluator func(name string) (value, known bool)

// Compute resolves the permission against the runtime environment. An
// unconditional grant is always effective; otherwise any satisfied
// conditional grants the capability. A leading '!' on a condition
// negates its sense.
func (p *Permission) Compute(eval ConditionEvaluator) bool {
	if p.allowed {
		return true
	}
	for _, cond := range p.conditionals {
		name, negated := strings.CutPrefix(cond, "!")
		var value, known bool
		if name == "true" {
			value, known = true, true
		} else if eval != nil {
			value, known = eval(name)
		}
		if known && value != negated {
			return true
		}
	}
	return false
}

// AddsPermissions reports whether next is strictly more permissive than
// p: a new unconditional grant, or any conditional next carries that p
// does not. Conditionals only in p are narrowings and ignored.
func (p *Permission) AddsPermissions(next *Permission) bool {
	if p.allowed {
		return false
	}
	if next.allowed {
		return true
	}
	// merge-walk of two sorted lists
	i, j := 0, 0
	for j < len(next.conditionals) {
		switch {
		case i >= len(p.conditionals) || p.conditionals[i] > next.conditionals[j]:
			return true
		case p.conditionals[i] < next.conditionals[j]:
			i++
		default:
			i++
			j++
		}
	}
	return false
}

// serialize appends the line tokens describing the permission for name.
// A conditional permission emits its reset marker first, then the bare
// name kept for older readers, then one if: line per condition. When
// flattening, negations and reset markers are dropped.
func (p *Permission) serialize(name string, flatten bool) []string {
	var out []string
	switch {
	case p.allowed:
		out = append(out, name)
	case len(p.conditionals) > 0:
		if p.reset && !flatten {
			out = append(out, "!"+name)
		}
		out = append(out, name)
		for _, c := range p.conditionals {
			out = append(out, "if:"+name+":"+c)
		}
	case p.reset:
		if !flatten {
			out = append(out, "!"+name)
		}
	}
	return out
}

// permissionMap deserialization. Tokens take three shapes: "name" for
// an unconditional allow, "!name" for an unconditional disallow, and
// "if:name:cond" for a conditional grant. A bare name followed by an
// if: line for the same name is the legacy backward-compatibility
// encoding of a purely conditional permission.
func parsePermissionToken(perms map[string]*Permission, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	get := func(name string) *Permission {
		p, ok := perms[name]
		if !ok {
			p = &Permission{}
			perms[name] = p
		}
		return p
	}
	if rest, ok := strings.CutPrefix(token, "if:"); ok {
		name, cond, ok := strings.Cut(rest, ":")
		if !ok || name == "" || cond == "" {
			fplog.Warningf("Ignoring malformed conditional permission %q", token)
			return
		}
		p := get(name)
		if p.sawBareToken {
			// revert the provisional unconditional allow
			p.allowed = false
			p.sawBareToken = false
		}
		if p.allowed {
			fplog.Warningf("Conditional %q follows an unconditional grant of %q, ignoring", token, name)
			return
		}
		p.AllowConditional(cond)
		return
	}
	if name, ok := strings.CutPrefix(token, "!"); ok {
		get(name).Disallow()
		return
	}
	p := get(token)
	if len(p.conditionals) > 0 {
		fplog.Warningf("Bare token %q after conditional grants, ignoring", token)
		return
	}
	p.allowed = true
	p.sawBareToken = true
}

func parsePermissionList(value string) map[string]*Permission {
	perms := make(map[string]*Permission)
	for _, token := range strings.Split(value, ";") {
		parsePermissionToken(perms, token)
	}
	for _, p := range perms {
		p.sawBareToken = false
	}
	return perms
}

func serializePermissionMap(perms map[string]*Permission, flatten bool) string {
	names := make([]string, 0, len(perms))
	for name := range perms {
		names = append(names, name)
	}
	sort.Strings(names)

	var tokens []string
	for _, name := range names {
		tokens = append(tokens, perms[name].serialize(name, flatten)...)
	}
	return joinList(tokens)
}

// joinList renders tokens in the key-file list form, each element
// terminated by a semicolon.
func joinList(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	return strings.Join(tokens, ";") + ";"
}
