// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package repo defines the content-addressed object store capability
// the engines run against. The store itself is replaceable; the build
// cache and the transaction engine only ever see these interfaces.
package repo

import (
	"errors"
	"fmt"
)

// ErrRefNotFound is returned by ResolveRev for an unknown ref.
var ErrRefNotFound = errors.New("ref not found")

// ErrCommitNotFound is returned by LoadCommit for an unknown commit id.
var ErrCommitNotFound = errors.New("commit not found")

// Commit is the loaded metadata of one commit object. The ID is a
// 64-character content hash by convention; the engines use it only for
// equality and explicit targeting.
type Commit struct {
	ID      string
	Parent  string
	Subject string
	Body    string
}

// CheckoutOptions control tree materialization.
type CheckoutOptions struct {
	// NoHardlinks forces file copies. The build cache always sets it:
	// checked-out objects may be mutated by later build steps.
	NoHardlinks bool
	// ForceMtime sets every checked-out file's mtime to the given unix
	// time when non-zero.
	ForceMtime int64
}

// Changes lists relative paths differing between two trees.
type Changes struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether the two trees were identical.
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

func (c *Changes) String() string {
	return fmt.Sprintf("%d added, %d modified, %d removed",
		len(c.Added), len(c.Modified), len(c.Removed))
}

// Txn is an open write transaction against a repo. Either Commit or
// Abort must be called exactly once.
type Txn interface {
	// WriteTree ingests the directory as a tree and returns a commit id
	// for it with the given subject, body and optional parent. Extended
	// attributes are skipped.
	WriteTree(dir, subject, body, parent string) (string, error)
	// SetRef points ref at the commit id within the transaction.
	SetRef(ref, commitID string) error
	// Commit publishes everything written in the transaction.
	Commit() error
	// Abort discards everything written in the transaction.
	Abort() error
}

// Repo is the read/write surface of one content-addressed store.
type Repo interface {
	// ResolveRev resolves a ref to a commit id, ErrRefNotFound when the
	// ref does not exist.
	ResolveRev(ref string) (string, error)
	// LoadCommit loads commit metadata by id.
	LoadCommit(id string) (*Commit, error)
	// ListRefs returns all refs with the given prefix, unordered.
	ListRefs(prefix string) ([]string, error)
	// DeleteRef removes a ref; removing a missing ref is not an error.
	DeleteRef(ref string) error
	// Checkout materializes the commit's tree into dir.
	Checkout(commitID, dir string, opts CheckoutOptions) error
	// Begin opens a write transaction.
	Begin() (Txn, error)
	// DiffCommits compares the trees of two commits. An empty id stands
	// for the empty tree.
	DiffCommits(a, b string) (*Changes, error)
	// DiffWithDir compares a commit's tree against a directory on disk.
	DiffWithDir(commitID, dir string) (*Changes, error)
	// Prune removes objects unreachable from any ref.
	Prune() error
}
