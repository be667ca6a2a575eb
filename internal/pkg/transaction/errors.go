// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package transaction

import (
	"errors"
	"fmt"

	"github.com/flatpak/flatpak/pkg/fpref"
)

var (
	// ErrNotInstalled reports an update of a ref that is not installed.
	ErrNotInstalled = errors.New("not installed")
	// ErrAlreadyInstalled reports an install of a ref already present
	// from the same remote. Backends return it from the update
	// primitive too, where it is coerced to success.
	ErrAlreadyInstalled = errors.New("already installed")
	// ErrAlreadyInstalledFromOtherRemote reports an install of a ref
	// present from a different remote.
	ErrAlreadyInstalledFromOtherRemote = errors.New("already installed from another remote")
	// ErrRuntimeUnavailable reports an app runtime neither installed
	// nor findable in any configured remote.
	ErrRuntimeUnavailable = errors.New("runtime not found in any configured remote")
	// ErrRemoteStateUnavailable reports a remote whose summary could
	// not be fetched at execution time.
	ErrRemoteStateUnavailable = errors.New("remote state unavailable")
	// ErrSomeOperationsFailed is the transaction result when one or
	// more operations not marked non-fatal failed and the run did not
	// stop at the first error.
	ErrSomeOperationsFailed = errors.New("one or more operations failed")
	// ErrAborted reports a user abort from an interactive prompt.
	ErrAborted = errors.New("aborted by user")
)

// VersionTooOldError reports metadata requiring a newer host than this
// build.
type VersionTooOldError struct {
	Ref      fpref.Ref
	Required string
}

func (e *VersionTooOldError) Error() string {
	return fmt.Sprintf("%s needs a later flatpak version (%s)", e.Ref.PrefString(), e.Required)
}

// IsVersionTooOldError returns a boolean indicating whether the error
// reports a required-flatpak version newer than the host.
func IsVersionTooOldError(err error) bool {
	var vte *VersionTooOldError
	return errors.As(err, &vte)
}

// OperationError wraps a failure with the ref and operation name every
// user-visible message carries.
type OperationError struct {
	Ref    fpref.Ref
	OpName string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.OpName, e.Ref.PrefString(), e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
