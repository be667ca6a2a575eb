// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fpref

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates applications from runtimes.
type Kind int

const (
	// KindApp identifies an application ref.
	KindApp Kind = 1 << iota
	// KindRuntime identifies a runtime ref.
	KindRuntime
)

// KindAny matches both ref kinds in ParsePartial.
const KindAny = KindApp | KindRuntime

var errEmptySegment = errors.New("ref components must not be empty")

// InvalidRefError records a ref string that could not be parsed.
type InvalidRefError struct {
	Text string
	Err  error
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("invalid ref %q: %v", e.Text, e.Err)
}

func (e *InvalidRefError) Unwrap() error { return e.Err }

// IsInvalidRefError returns a boolean indicating whether the error
// reports a malformed ref string.
func IsInvalidRefError(err error) bool {
	var ire *InvalidRefError
	return errors.As(err, &ire)
}

var kindNames = map[Kind]string{
	KindApp:     "app",
	KindRuntime: "runtime",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func parseKind(tok string) (Kind, bool) {
	switch tok {
	case "app":
		return KindApp, true
	case "runtime":
		return KindRuntime, true
	}
	return 0, false
}

// Ref is a fully qualified content name kind/id/arch/branch. A Ref is
// immutable after construction; compare with ==.
type Ref struct {
	kind   Kind
	id     string
	arch   string
	branch string
}

// New builds a Ref from its four components without validation of the
// id/arch/branch vocabulary beyond non-emptiness.
func New(kind Kind, id, arch, branch string) (Ref, error) {
	if _, ok := kindNames[kind]; !ok {
		return Ref{}, &InvalidRefError{Text: id, Err: fmt.Errorf("unknown ref kind %d", kind)}
	}
	if id == "" || arch == "" || branch == "" {
		return Ref{}, &InvalidRefError{Text: id, Err: errEmptySegment}
	}
	return Ref{kind: kind, id: id, arch: arch, branch: branch}, nil
}

// Parse parses the canonical four-segment form kind/id/arch/branch.
func Parse(text string) (Ref, error) {
	parts := strings.Split(text, "/")
	if len(parts) != 4 {
		return Ref{}, &InvalidRefError{Text: text, Err: fmt.Errorf("expected 4 segments, got %d", len(parts))}
	}
	kind, ok := parseKind(parts[0])
	if !ok {
		return Ref{}, &InvalidRefError{Text: text, Err: fmt.Errorf("unknown ref kind %q", parts[0])}
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Ref{}, &InvalidRefError{Text: text, Err: errEmptySegment}
		}
	}
	return Ref{kind: kind, id: parts[1], arch: parts[2], branch: parts[3]}, nil
}

// Partial is the result of tolerantly parsing a possibly-incomplete ref
// string. Kinds is the set of kinds the text could still name; absent
// suffix components are empty strings.
type Partial struct {
	Kinds  Kind
	ID     string
	Arch   string
	Branch string
}

// ParsePartial parses whatever prefix of kind/id/arch/branch is present
// in text, restricted to allowed kinds. A leading kind token narrows the
// kind set; its absence leaves the full allowed set. Only a kind token
// outside the allowed set, or more than three segments after the
// optional kind token, is an error.
func ParsePartial(text string, allowed Kind) (Partial, error) {
	p := Partial{Kinds: allowed}
	if text == "" {
		return p, nil
	}
	parts := strings.Split(text, "/")
	if kind, ok := parseKind(parts[0]); ok {
		if kind&allowed == 0 {
			return Partial{}, &InvalidRefError{Text: text, Err: fmt.Errorf("ref kind %q not allowed here", parts[0])}
		}
		p.Kinds = kind
		parts = parts[1:]
	} else if len(parts) > 3 {
		return Partial{}, &InvalidRefError{Text: text, Err: fmt.Errorf("unknown ref kind %q", parts[0])}
	}
	if len(parts) > 3 {
		return Partial{}, &InvalidRefError{Text: text, Err: errors.New("too many segments")}
	}
	fields := []*string{&p.ID, &p.Arch, &p.Branch}
	for i, seg := range parts {
		*fields[i] = seg
	}
	return p, nil
}

// Format returns the canonical kind/id/arch/branch form.
func (r Ref) Format() string {
	return r.kind.String() + "/" + r.id + "/" + r.arch + "/" + r.branch
}

func (r Ref) String() string { return r.Format() }

// PrefString is the short id/arch/branch form used in user-facing
// messages.
func (r Ref) PrefString() string {
	return r.id + "/" + r.arch + "/" + r.branch
}

// Kind returns the ref kind.
func (r Ref) Kind() Kind { return r.kind }

// ID returns the application or runtime id.
func (r Ref) ID() string { return r.id }

// Arch returns the architecture component.
func (r Ref) Arch() string { return r.arch }

// Branch returns the branch component.
func (r Ref) Branch() string { return r.branch }

// IsApp reports whether the ref names an application.
func (r Ref) IsApp() bool { return r.kind == KindApp }

// IsZero reports whether the ref is the zero value.
func (r Ref) IsZero() bool { return r == Ref{} }

// subrefSuffixes marks ids as subordinate content of a parent id when
// they appear as the final dotted component.
var subrefSuffixes = []string{
	".Locale",
	".Debug",
	".Sources",
}

// IsSubref returns true when id names subordinate content such as
// translations or debug symbols of a parent id.
func IsSubref(id string) bool {
	for _, suffix := range subrefSuffixes {
		if strings.HasSuffix(id, suffix) && len(id) > len(suffix) {
			return true
		}
	}
	return false
}
