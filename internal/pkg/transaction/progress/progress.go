// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package progress renders transaction progress on a terminal.
package progress

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Terminal drives one mpb bar per operation. Calls arrive
// synchronously from the transaction executor.
type Terminal struct {
	container *mpb.Progress
	bar       *mpb.Bar
	current   uint64
}

// NewTerminal creates a progress renderer writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{
		container: mpb.New(mpb.WithWidth(64), mpb.WithOutput(w)),
	}
}

// Start implements transaction.Progress.
func (t *Terminal) Start(nOps int) {}

// OpStart opens a bar for the operation on the named pref.
func (t *Terminal) OpStart(pref string) {
	t.current = 0
	t.bar = t.container.AddBar(0,
		mpb.PrependDecorators(
			decor.Name(pref, decor.WC{C: decor.DindentRight}),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f"),
		),
	)
}

// OpProgress advances the current bar.
func (t *Terminal) OpProgress(bytes, total uint64) {
	if t.bar == nil {
		return
	}
	t.bar.SetTotal(int64(total), false)
	t.bar.IncrInt64(int64(bytes - t.current))
	t.current = bytes
}

// OpEnd completes the current bar.
func (t *Terminal) OpEnd(err error) {
	if t.bar == nil {
		return
	}
	t.bar.SetTotal(-1, true)
	t.bar = nil
}

// Wait flushes the rendering; call after the transaction returns.
func (t *Terminal) Wait() {
	t.container.Wait()
}
