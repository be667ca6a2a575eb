// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package local is a file-backed implementation of the repo capability.
// Objects live under objects/ keyed by their SHA-256, commits are JSON
// records keyed by the hash of their serialized form, refs are files
// mirroring the ref path under refs/.
package local

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/flatpak/flatpak/internal/pkg/repo"
	"github.com/flatpak/flatpak/pkg/fplog"
)

const (
	objectsDir = "objects"
	commitsDir = "commits"
	refsDir    = "refs"
)

// Repo is a local on-disk store.
type Repo struct {
	root string
}

// Open opens or creates a store rooted at dir.
func Open(dir string) (*Repo, error) {
	for _, sub := range []string{objectsDir, commitsDir, refsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "initializing repository at %s", dir)
		}
	}
	return &Repo{root: dir}, nil
}

// treeEntry describes one file of a committed tree.
type treeEntry struct {
	Object  string `json:"object,omitempty"`
	Mode    uint32 `json:"mode"`
	Symlink string `json:"symlink,omitempty"`
}

type commitRecord struct {
	Parent  string               `json:"parent,omitempty"`
	Subject string               `json:"subject"`
	Body    string               `json:"body,omitempty"`
	Tree    map[string]treeEntry `json:"tree"`
}

func (r *Repo) objectPath(id string) string {
	return filepath.Join(r.root, objectsDir, id)
}

func (r *Repo) commitPath(id string) string {
	return filepath.Join(r.root, commitsDir, id)
}

func (r *Repo) refPath(ref string) string {
	return filepath.Join(r.root, refsDir, filepath.FromSlash(ref))
}

// ResolveRev resolves a ref name to its commit id.
func (r *Repo) ResolveRev(ref string) (string, error) {
	data, err := os.ReadFile(r.refPath(ref))
	if os.IsNotExist(err) {
		return "", repo.ErrRefNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "resolving ref %s", ref)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Repo) loadRecord(id string) (*commitRecord, error) {
	data, err := os.ReadFile(r.commitPath(id))
	if os.IsNotExist(err) {
		return nil, repo.ErrCommitNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading commit %s", id)
	}
	var rec commitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding commit %s", id)
	}
	return &rec, nil
}

// LoadCommit loads commit metadata by id.
func (r *Repo) LoadCommit(id string) (*repo.Commit, error) {
	rec, err := r.loadRecord(id)
	if err != nil {
		return nil, err
	}
	return &repo.Commit{
		ID:      id,
		Parent:  rec.Parent,
		Subject: rec.Subject,
		Body:    rec.Body,
	}, nil
}

// ListRefs returns every ref with the given prefix.
func (r *Repo) ListRefs(prefix string) ([]string, error) {
	base := filepath.Join(r.root, refsDir)
	var refs []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			refs = append(refs, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing refs")
	}
	sort.Strings(refs)
	return refs, nil
}

// DeleteRef removes a ref; a missing ref is not an error.
func (r *Repo) DeleteRef(ref string) error {
	err := os.Remove(r.refPath(ref))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting ref %s", ref)
	}
	return nil
}

// Checkout materializes the commit's tree into dir, replacing files
// already present there.
func (r *Repo) Checkout(commitID, dir string, opts repo.CheckoutOptions) error {
	rec, err := r.loadRecord(commitID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "clearing checkout target %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	paths := make([]string, 0, len(rec.Tree))
	for p := range rec.Tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var mtime time.Time
	if opts.ForceMtime != 0 {
		mtime = time.Unix(opts.ForceMtime, 0)
	}
	for _, p := range paths {
		entry := rec.Tree[p]
		dest := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if entry.Symlink != "" {
			if err := os.Symlink(entry.Symlink, dest); err != nil {
				return errors.Wrapf(err, "checking out symlink %s", p)
			}
			continue
		}
		if err := r.checkoutObject(entry, dest, opts.NoHardlinks); err != nil {
			return errors.Wrapf(err, "checking out %s", p)
		}
		if opts.ForceMtime != 0 {
			if err := os.Chtimes(dest, mtime, mtime); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Repo) checkoutObject(entry treeEntry, dest string, noHardlinks bool) error {
	src := r.objectPath(entry.Object)
	if !noHardlinks {
		if err := os.Link(src, dest); err == nil {
			return nil
		}
		// fall back to copying across filesystems
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(entry.Mode)&fs.ModePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scanTree builds the tree manifest of a directory, ingesting file
// contents into the object store when store is set.
func (r *Repo) scanTree(dir string, store bool) (map[string]treeEntry, error) {
	tree := make(map[string]treeEntry)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			tree[name] = treeEntry{Symlink: target, Mode: uint32(info.Mode().Perm())}
			return nil
		}
		if !info.Mode().IsRegular() {
			fplog.Debugf("Skipping irregular file %s", name)
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		object := hex.EncodeToString(sum[:])
		if store {
			objectPath := r.objectPath(object)
			if _, err := os.Stat(objectPath); os.IsNotExist(err) {
				if err := os.WriteFile(objectPath, data, 0o644); err != nil {
					return err
				}
			}
		}
		tree[name] = treeEntry{Object: object, Mode: uint32(info.Mode().Perm())}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning tree %s", dir)
	}
	return tree, nil
}

// txn collects staged commits and ref updates until Commit.
type txn struct {
	repo    *Repo
	commits map[string][]byte
	refs    map[string]string
	done    bool
}

// Begin opens a write transaction.
func (r *Repo) Begin() (repo.Txn, error) {
	return &txn{
		repo:    r,
		commits: make(map[string][]byte),
		refs:    make(map[string]string),
	}, nil
}

func (t *txn) WriteTree(dir, subject, body, parent string) (string, error) {
	tree, err := t.repo.scanTree(dir, true)
	if err != nil {
		return "", err
	}
	rec := commitRecord{
		Parent:  parent,
		Subject: subject,
		Body:    body,
		Tree:    tree,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	t.commits[id] = data
	return id, nil
}

func (t *txn) SetRef(ref, commitID string) error {
	t.refs[ref] = commitID
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	for id, data := range t.commits {
		if err := os.WriteFile(t.repo.commitPath(id), data, 0o644); err != nil {
			return errors.Wrapf(err, "writing commit %s", id)
		}
	}
	for ref, commitID := range t.refs {
		path := t.repo.refPath(ref)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(commitID+"\n"), 0o644); err != nil {
			return errors.Wrapf(err, "updating ref %s", ref)
		}
	}
	return nil
}

func (t *txn) Abort() error {
	t.done = true
	t.commits = nil
	t.refs = nil
	return nil
}

func diffTrees(a, b map[string]treeEntry) *repo.Changes {
	changes := &repo.Changes{}
	for name, entry := range b {
		old, ok := a[name]
		switch {
		case !ok:
			changes.Added = append(changes.Added, name)
		case old != entry:
			changes.Modified = append(changes.Modified, name)
		}
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			changes.Removed = append(changes.Removed, name)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Modified)
	sort.Strings(changes.Removed)
	return changes
}

func (r *Repo) treeOf(commitID string) (map[string]treeEntry, error) {
	if commitID == "" {
		return map[string]treeEntry{}, nil
	}
	rec, err := r.loadRecord(commitID)
	if err != nil {
		return nil, err
	}
	return rec.Tree, nil
}

// DiffCommits compares the trees of two commits; an empty id is the
// empty tree.
func (r *Repo) DiffCommits(a, b string) (*repo.Changes, error) {
	treeA, err := r.treeOf(a)
	if err != nil {
		return nil, err
	}
	treeB, err := r.treeOf(b)
	if err != nil {
		return nil, err
	}
	return diffTrees(treeA, treeB), nil
}

// DiffWithDir compares a commit's tree against a directory on disk.
func (r *Repo) DiffWithDir(commitID, dir string) (*repo.Changes, error) {
	treeA, err := r.treeOf(commitID)
	if err != nil {
		return nil, err
	}
	treeB, err := r.scanTree(dir, false)
	if err != nil {
		return nil, err
	}
	return diffTrees(treeA, treeB), nil
}

// Prune removes commits and objects unreachable from any ref, walking
// parent chains so intermediate commits stay alive.
func (r *Repo) Prune() error {
	refs, err := r.ListRefs("")
	if err != nil {
		return err
	}

	liveCommits := make(map[string]bool)
	liveObjects := make(map[string]bool)
	for _, ref := range refs {
		id, err := r.ResolveRev(ref)
		if err != nil {
			return err
		}
		for id != "" && !liveCommits[id] {
			rec, err := r.loadRecord(id)
			if err != nil {
				if errors.Is(err, repo.ErrCommitNotFound) {
					break
				}
				return err
			}
			liveCommits[id] = true
			for _, entry := range rec.Tree {
				if entry.Object != "" {
					liveObjects[entry.Object] = true
				}
			}
			id = rec.Parent
		}
	}

	pruned := 0
	for _, kind := range []struct {
		dir  string
		live map[string]bool
	}{
		{commitsDir, liveCommits},
		{objectsDir, liveObjects},
	} {
		entries, err := os.ReadDir(filepath.Join(r.root, kind.dir))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !kind.live[entry.Name()] {
				if err := os.Remove(filepath.Join(r.root, kind.dir, entry.Name())); err != nil {
					return err
				}
				pruned++
			}
		}
	}
	fplog.Debugf("Pruned %d unreachable objects", pruned)
	return nil
}
