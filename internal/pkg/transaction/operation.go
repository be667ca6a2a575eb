// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package transaction

import (
	"sort"

	"github.com/samber/lo"

	"github.com/flatpak/flatpak/pkg/fpref"
)

// OpKind discriminates the operations a transaction can run.
type OpKind int

const (
	// OpInstall installs a ref that is not present.
	OpInstall OpKind = iota
	// OpUpdate updates a ref that is present.
	OpUpdate
	// OpInstallOrUpdate resolves to install or update at execution
	// time, depending on the installed state.
	OpInstallOrUpdate
	// OpBundle installs from a local bundle file.
	OpBundle
)

func (k OpKind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpUpdate:
		return "update"
	case OpInstallOrUpdate:
		return "install/update"
	case OpBundle:
		return "install bundle"
	}
	return "unknown"
}

// OpState tracks an operation through execution.
type OpState int

const (
	// OpStatePending is the state before execution.
	OpStatePending OpState = iota
	// OpStateSucceeded marks a completed operation.
	OpStateSucceeded
	// OpStateFailed marks a failed operation.
	OpStateFailed
	// OpStateSkipped marks an operation skipped because its source
	// operation did not succeed.
	OpStateSkipped
)

// noSourceOp marks an operation introduced directly by the caller.
const noSourceOp = -1

// Operation is one node of the transaction plan. sourceOp is an index
// into the plan order, not a pointer, so execution can walk the graph
// without owning references.
type Operation struct {
	kind       OpKind
	remote     string
	ref        fpref.Ref
	subpaths   []string
	commit     string
	bundlePath string
	nonFatal   bool
	sourceOp   int
	state      OpState
}

// Ref returns the ref the operation acts on.
func (op *Operation) Ref() fpref.Ref { return op.ref }

// Remote returns the remote the operation pulls from; empty for a pure
// update until resolved at execution time.
func (op *Operation) Remote() string { return op.remote }

// Kind returns the operation kind; an install-or-update reports its
// resolved kind once execution has decided.
func (op *Operation) Kind() OpKind { return op.kind }

// State returns the execution state.
func (op *Operation) State() OpState { return op.state }

// Subpaths returns the subpath restriction: nil keeps what a prior
// deploy used, empty means everything.
func (op *Operation) Subpaths() []string { return op.subpaths }

// NonFatal reports whether a failure aborts sibling operations.
func (op *Operation) NonFatal() bool { return op.nonFatal }

// mergeSubpaths combines subpath restrictions from two requests for
// the same ref. nil (keep prior) yields to anything explicit; an empty
// set means everything and absorbs explicit lists; two explicit lists
// union.
func mergeSubpaths(a, b []string) []string {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case len(a) == 0 || len(b) == 0:
		return []string{}
	}
	union := lo.Uniq(append(append([]string{}, a...), b...))
	sort.Strings(union)
	return union
}
