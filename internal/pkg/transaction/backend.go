// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package transaction

import (
	"context"

	"github.com/flatpak/flatpak/internal/pkg/installation"
	"github.com/flatpak/flatpak/pkg/fpref"
)

// RemoteState caches what one remote advertises: for each ref the
// installed size, download size and metadata blob of its current
// commit. Created lazily on first use within a transaction and freed
// with it.
type RemoteState struct {
	Name  string
	Cache map[fpref.Ref]*CacheEntry
}

// CacheEntry is one row of a remote's summary cache.
type CacheEntry struct {
	InstalledSize uint64
	DownloadSize  uint64
	Metadata      []byte
}

// Lookup returns the cache entry of a ref, nil when the remote does
// not carry it.
func (s *RemoteState) Lookup(ref fpref.Ref) *CacheEntry {
	if s.Cache == nil {
		return nil
	}
	return s.Cache[ref]
}

// RelatedRef is an extension a primary ref declares: translations,
// debug symbols, and the like.
type RelatedRef struct {
	Ref      fpref.Ref
	Subpaths []string
	Download bool
}

// InstallRequest carries one install/update invocation into the
// backend.
type InstallRequest struct {
	Ref            fpref.Ref
	Remote         string
	Subpaths       []string
	Commit         string
	NoPull         bool
	NoDeploy       bool
	NoStaticDeltas bool
	Reinstall      bool
}

// BundleInfo is what a local bundle file declares about itself.
type BundleInfo struct {
	Ref      fpref.Ref
	Metadata []byte
	Origin   string
}

// Progress is the sink execution reports through; calls arrive
// synchronously from the executing goroutine.
type Progress interface {
	Start(nOps int)
	OpStart(pref string)
	OpProgress(bytes, total uint64)
	OpEnd(err error)
}

// NullProgress discards everything.
type NullProgress struct{}

func (NullProgress) Start(int)               {}
func (NullProgress) OpStart(string)          {}
func (NullProgress) OpProgress(uint64, uint64) {}
func (NullProgress) OpEnd(error)             {}

// Prompter resolves interactive choices. Choose returns the index of
// the selected option or a negative value to abort.
type Prompter interface {
	Choose(question string, options []string) (int, error)
}

// Backend is the pull/deploy capability the transaction engine drives.
// Every long-running primitive takes a context whose cancellation
// aborts it with the context error.
type Backend interface {
	// FetchRemoteState loads the summary cache of a remote.
	FetchRemoteState(ctx context.Context, dir *installation.Installation, remote string) (*RemoteState, error)
	// RelatedRefs queries the extensions a ref declares, from the
	// remote or (when useLocal) from the installed deploy.
	RelatedRefs(ctx context.Context, state *RemoteState, ref fpref.Ref, useLocal bool) ([]RelatedRef, error)
	// FindRuntimeRemotes returns the configured remotes carrying the
	// runtime ref, in configuration priority order.
	FindRuntimeRemotes(ctx context.Context, dir *installation.Installation, ref fpref.Ref) ([]string, error)
	// Install pulls and deploys a ref.
	Install(ctx context.Context, dir *installation.Installation, req *InstallRequest, progress Progress) error
	// Update pulls and redeploys a ref.
	Update(ctx context.Context, dir *installation.Installation, req *InstallRequest, progress Progress) error
	// CheckForUpdate returns the commit an update would move to, empty
	// when the deploy is current.
	CheckForUpdate(ctx context.Context, dir *installation.Installation, state *RemoteState, ref fpref.Ref, commit string) (string, error)
	// InstallBundle deploys a local bundle file.
	InstallBundle(ctx context.Context, dir *installation.Installation, path string, progress Progress) error
	// LoadBundle reads the descriptor of a local bundle file.
	LoadBundle(path string) (*BundleInfo, error)
	// ResolveOCI registers an OCI image location and reports the ref
	// and ephemeral remote it maps to.
	ResolveOCI(ctx context.Context, dir *installation.Installation, uri, tag string) (fpref.Ref, string, error)
	// Prune drops unreachable objects from the local repository.
	Prune(ctx context.Context, dir *installation.Installation) error
	// PruneOrigin removes an ephemeral origin remote and its objects.
	PruneOrigin(ctx context.Context, dir *installation.Installation, remote string) error
}
