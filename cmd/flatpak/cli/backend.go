// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/flatpak/flatpak/internal/pkg/installation"
	"github.com/flatpak/flatpak/internal/pkg/repo"
	"github.com/flatpak/flatpak/internal/pkg/repo/local"
	"github.com/flatpak/flatpak/internal/pkg/transaction"
	"github.com/flatpak/flatpak/pkg/fplog"
	"github.com/flatpak/flatpak/pkg/fpref"
	"github.com/flatpak/flatpak/pkg/sandbox"
)

// localBackend serves transactions from file-system remotes: a remote
// URL is a file:// path to another repository whose refs are named by
// their canonical form and whose commit bodies carry the metadata
// key-file.
type localBackend struct {
	installRoot string
}

func newBackend(installRoot string) transaction.Backend {
	return &localBackend{installRoot: installRoot}
}

func (b *localBackend) remoteRepo(dir *installation.Installation, remote string) (*local.Repo, error) {
	conf, err := dir.Remote(remote)
	if err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(conf.URL, "file://")
	if path == conf.URL {
		return nil, fmt.Errorf("remote %s: only file:// transports are supported", remote)
	}
	return local.Open(path)
}

func (b *localBackend) FetchRemoteState(ctx context.Context, dir *installation.Installation, remote string) (*transaction.RemoteState, error) {
	r, err := b.remoteRepo(dir, remote)
	if err != nil {
		return nil, err
	}
	refs, err := r.ListRefs("")
	if err != nil {
		return nil, err
	}

	state := &transaction.RemoteState{
		Name:  remote,
		Cache: make(map[fpref.Ref]*transaction.CacheEntry),
	}
	for _, name := range refs {
		ref, err := fpref.Parse(name)
		if err != nil {
			continue
		}
		commitID, err := r.ResolveRev(name)
		if err != nil {
			continue
		}
		commit, err := r.LoadCommit(commitID)
		if err != nil {
			continue
		}
		state.Cache[ref] = &transaction.CacheEntry{
			Metadata: []byte(commit.Body),
		}
	}
	return state, nil
}

func (b *localBackend) RelatedRefs(ctx context.Context, state *transaction.RemoteState, ref fpref.Ref, useLocal bool) ([]transaction.RelatedRef, error) {
	// subrefs sharing the id prefix are the related set a file remote
	// can advertise; useLocal is not consulted, the remote cache is
	// always read
	var related []transaction.RelatedRef
	for candidate := range state.Cache {
		if candidate == ref || !fpref.IsSubref(candidate.ID()) {
			continue
		}
		if !strings.HasPrefix(candidate.ID(), ref.ID()+".") {
			continue
		}
		related = append(related, transaction.RelatedRef{
			Ref:      candidate,
			Subpaths: []string{},
			Download: true,
		})
	}
	return related, nil
}

func (b *localBackend) FindRuntimeRemotes(ctx context.Context, dir *installation.Installation, ref fpref.Ref) ([]string, error) {
	remotes, err := dir.ListRemotes()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, conf := range remotes {
		if conf.Disabled {
			continue
		}
		state, err := b.FetchRemoteState(ctx, dir, conf.Name)
		if err != nil {
			fplog.Warningf("Cannot read remote %s: %v", conf.Name, err)
			continue
		}
		if state.Lookup(ref) != nil {
			names = append(names, conf.Name)
		}
	}
	return names, nil
}

func (b *localBackend) deploy(dir *installation.Installation, r *local.Repo, req *transaction.InstallRequest, commitID string) error {
	commit, err := r.LoadCommit(commitID)
	if err != nil {
		return err
	}

	deployDir := filepath.Join(dir.Root(), req.Ref.Kind().String(), req.Ref.ID(), req.Ref.Arch(), req.Ref.Branch(), "files")
	if err := r.Checkout(commitID, deployDir, repo.CheckoutOptions{ForceMtime: 1}); err != nil {
		return errors.Wrapf(err, "deploying %s", req.Ref.PrefString())
	}
	if err := dir.SetMetadata(req.Ref, []byte(commit.Body)); err != nil {
		return err
	}

	deploy := &installation.Deploy{
		Ref:      req.Ref,
		Origin:   req.Remote,
		Commit:   commitID,
		Subpaths: req.Subpaths,
	}
	if meta, err := sandbox.LoadKeyFile([]byte(commit.Body)); err == nil {
		for _, group := range []string{"Application", "Runtime"} {
			if section, err := meta.GetSection(group); err == nil {
				deploy.EndOfLife = section.Key("end-of-life").String()
				deploy.EndOfLifeRebase = section.Key("end-of-life-rebase").String()
			}
		}
	}
	return dir.SetDeployed(deploy)
}

func (b *localBackend) Install(ctx context.Context, dir *installation.Installation, req *transaction.InstallRequest, progress transaction.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := b.remoteRepo(dir, req.Remote)
	if err != nil {
		return err
	}
	commitID := req.Commit
	if commitID == "" {
		commitID, err = r.ResolveRev(req.Ref.Format())
		if err != nil {
			return errors.Wrapf(err, "resolving %s in remote %s", req.Ref.PrefString(), req.Remote)
		}
	}
	if deploy, err := dir.Deployed(req.Ref); err == nil && deploy.Commit == commitID && !req.Reinstall {
		return transaction.ErrAlreadyInstalled
	}
	if req.NoDeploy {
		return nil
	}
	return b.deploy(dir, r, req, commitID)
}

func (b *localBackend) Update(ctx context.Context, dir *installation.Installation, req *transaction.InstallRequest, progress transaction.Progress) error {
	return b.Install(ctx, dir, req, progress)
}

func (b *localBackend) CheckForUpdate(ctx context.Context, dir *installation.Installation, state *transaction.RemoteState, ref fpref.Ref, commit string) (string, error) {
	deploy, err := dir.Deployed(ref)
	if err != nil {
		return "", err
	}
	target := commit
	if target == "" {
		r, err := b.remoteRepo(dir, deploy.Origin)
		if err != nil {
			return "", err
		}
		target, err = r.ResolveRev(ref.Format())
		if err != nil {
			return "", err
		}
	}
	if target == deploy.Commit {
		return "", nil
	}
	return target, nil
}

func (b *localBackend) LoadBundle(path string) (*transaction.BundleInfo, error) {
	data, err := os.ReadFile(filepath.Join(path, "bundle-info"))
	if err != nil {
		return nil, errors.Wrapf(err, "reading bundle %s", path)
	}
	f, err := sandbox.LoadKeyFile(data)
	if err != nil {
		return nil, err
	}
	section, err := f.GetSection("Bundle")
	if err != nil {
		return nil, fmt.Errorf("bundle %s has no [Bundle] group", path)
	}
	ref, err := fpref.Parse(section.Key("ref").String())
	if err != nil {
		return nil, err
	}
	metadata, err := os.ReadFile(filepath.Join(path, "metadata"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &transaction.BundleInfo{
		Ref:      ref,
		Metadata: metadata,
		Origin:   section.Key("origin").String(),
	}, nil
}

func (b *localBackend) InstallBundle(ctx context.Context, dir *installation.Installation, path string, progress transaction.Progress) error {
	info, err := b.LoadBundle(path)
	if err != nil {
		return err
	}
	deployDir := filepath.Join(dir.Root(), info.Ref.Kind().String(), info.Ref.ID(), info.Ref.Arch(), info.Ref.Branch(), "files")
	if err := copyTree(filepath.Join(path, "files"), deployDir); err != nil {
		return errors.Wrapf(err, "deploying bundle %s", path)
	}
	if info.Metadata != nil {
		if err := dir.SetMetadata(info.Ref, info.Metadata); err != nil {
			return err
		}
	}
	return dir.SetDeployed(&installation.Deploy{
		Ref:    info.Ref,
		Origin: info.Ref.ID() + "-origin",
	})
}

func (b *localBackend) ResolveOCI(ctx context.Context, dir *installation.Installation, uri, tag string) (fpref.Ref, string, error) {
	return fpref.Ref{}, "", fmt.Errorf("OCI image transport is not supported")
}

func (b *localBackend) Prune(ctx context.Context, dir *installation.Installation) error {
	// nothing pulls into a shared local repository yet, so there is
	// nothing to prune beyond the ephemeral origins
	return nil
}

func (b *localBackend) PruneOrigin(ctx context.Context, dir *installation.Installation, remote string) error {
	return dir.RemoveRemote(remote)
}

func copyTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
