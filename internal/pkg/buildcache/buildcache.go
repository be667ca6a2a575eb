// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcache skips completed build stages by comparing a
// rolling checksum of all inputs against stage commits in a
// content-addressed repository.
package buildcache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/flatpak/flatpak/internal/pkg/repo"
	"github.com/flatpak/flatpak/internal/pkg/repo/local"
	"github.com/flatpak/flatpak/pkg/checksum"
	"github.com/flatpak/flatpak/pkg/fplog"
)

// checkedOutMtime is the mtime forced onto every cached file so a
// build resumed from cache is indistinguishable from a deploy of it.
const checkedOutMtime = 1

// Cache tracks the stage progression of one build. Once a stage
// misses, the cache is disabled for the rest of the run: later stages
// depend on the missed stage's output and can no longer match.
type Cache struct {
	repo         repo.Repo
	sum          *checksum.Builder
	branch       string
	stage        string
	lastParent   string
	unusedStages map[string]bool
	disabled     bool
	appDir       string
}

// Open creates or opens the cache repository at cacheDir for the given
// branch, with appDir as the working tree stages check out to and
// commit from. A legacy ref named exactly after the branch is deleted.
func Open(cacheDir, appDir, branch string) (*Cache, error) {
	r, err := local.Open(cacheDir)
	if err != nil {
		return nil, errors.Wrap(err, "opening build cache")
	}
	return openWith(r, appDir, branch)
}

func openWith(r repo.Repo, appDir, branch string) (*Cache, error) {
	// refs from before stages were introduced used the bare branch name
	if _, err := r.ResolveRev(branch); err == nil {
		fplog.Debugf("Removing legacy cache ref %s", branch)
		if err := r.DeleteRef(branch); err != nil {
			return nil, err
		}
	}

	refs, err := r.ListRefs(branch + "/")
	if err != nil {
		return nil, err
	}
	unused := make(map[string]bool, len(refs))
	for _, ref := range refs {
		unused[ref] = true
	}

	return &Cache{
		repo:         r,
		sum:          checksum.New(),
		branch:       branch,
		unusedStages: unused,
		appDir:       appDir,
	}, nil
}

// Checksum exposes the rolling input fingerprint; callers append every
// stage input to it before calling Lookup.
func (c *Cache) Checksum() *checksum.Builder {
	return c.sum
}

// isStageRefChar reports the bytes that may appear literally in a stage
// ref; any other byte is replaced by its lowercase hex digits, with no
// marker or padding. Distinct stage names can therefore share a ref:
// "a b" and "a20b" both become "a20b".
func isStageRefChar(b byte) bool {
	return b >= 'A' && b <= 'Z' ||
		b >= 'a' && b <= 'z' ||
		b >= '0' && b <= '9' ||
		b == '-' || b == '_' || b == '.'
}

// StageRef returns the cache ref naming a stage within the branch.
func (c *Cache) StageRef(stage string) string {
	var sb strings.Builder
	sb.WriteString(c.branch)
	sb.WriteByte('/')
	for i := 0; i < len(stage); i++ {
		if isStageRefChar(stage[i]) {
			sb.WriteByte(stage[i])
		} else {
			fmt.Fprintf(&sb, "%x", stage[i])
		}
	}
	return sb.String()
}

// Lookup checks whether the stage's stored commit matches the current
// input checksum. On a miss the last hit (if any) is checked out into
// the app dir and the cache is disabled for the rest of the run.
func (c *Cache) Lookup(stage string) (bool, error) {
	c.stage = stage
	delete(c.unusedStages, c.StageRef(stage))

	if !c.disabled {
		commitID, err := c.repo.ResolveRev(c.StageRef(stage))
		if err == nil {
			commit, err := c.repo.LoadCommit(commitID)
			if err == nil && commit.Subject == c.sum.Current() {
				fplog.Debugf("Cache hit for stage %s", stage)
				c.lastParent = commitID
				return true, nil
			}
		} else if !errors.Is(err, repo.ErrRefNotFound) {
			return false, err
		}
	}

	fplog.Debugf("Cache miss for stage %s", stage)
	if !c.disabled && c.lastParent != "" {
		if err := c.checkoutParent(); err != nil {
			return false, err
		}
	}
	c.disabled = true
	return false, nil
}

func (c *Cache) checkoutParent() error {
	fplog.Infof("Restoring cached state from commit %.12s", c.lastParent)
	err := c.repo.Checkout(c.lastParent, c.appDir, repo.CheckoutOptions{
		NoHardlinks: true,
		ForceMtime:  checkedOutMtime,
	})
	if err != nil {
		return errors.Wrapf(err, "checking out cached stage into %s", c.appDir)
	}
	return nil
}

// Commit stores the app dir as the completed output of the current
// stage, keyed by the current input checksum.
func (c *Cache) Commit(body string) error {
	if err := forceMtimes(c.appDir); err != nil {
		return err
	}

	txn, err := c.repo.Begin()
	if err != nil {
		return err
	}
	commitID, err := txn.WriteTree(c.appDir, c.sum.Current(), body, c.lastParent)
	if err != nil {
		txn.Abort()
		return errors.Wrapf(err, "committing stage %s", c.stage)
	}
	if err := txn.SetRef(c.StageRef(c.stage), commitID); err != nil {
		txn.Abort()
		return err
	}
	if err := txn.Commit(); err != nil {
		txn.Abort()
		return errors.Wrapf(err, "committing stage %s", c.stage)
	}

	fplog.Debugf("Committed stage %s as %.12s", c.stage, commitID)
	c.lastParent = commitID
	return nil
}

// CheckoutLastParent materializes the final cached tree into the app
// dir after a run whose last stage was a hit; the build then post-
// processes the tree in place.
func (c *Cache) CheckoutLastParent() error {
	if c.disabled || c.lastParent == "" {
		return nil
	}
	if err := c.checkoutParent(); err != nil {
		return err
	}
	c.disabled = true
	return nil
}

// GC deletes the refs of stages never looked up this run and prunes
// the repository.
func (c *Cache) GC() error {
	for ref := range c.unusedStages {
		fplog.Debugf("Removing unused cache stage %s", ref)
		if err := c.repo.DeleteRef(ref); err != nil {
			return err
		}
	}
	c.unusedStages = make(map[string]bool)
	return c.repo.Prune()
}

// GetChanges lists the paths the current stage changed, comparing the
// last commit against its parent.
func (c *Cache) GetChanges() (*repo.Changes, error) {
	if c.lastParent == "" {
		return &repo.Changes{}, nil
	}
	commit, err := c.repo.LoadCommit(c.lastParent)
	if err != nil {
		return nil, err
	}
	return c.repo.DiffCommits(commit.Parent, c.lastParent)
}

// GetOutstandingChanges lists the paths the app dir has diverged from
// the last commit.
func (c *Cache) GetOutstandingChanges() (*repo.Changes, error) {
	if c.lastParent == "" {
		return &repo.Changes{}, nil
	}
	return c.repo.DiffWithDir(c.lastParent, c.appDir)
}

// GetAllChanges lists the paths changed between the init and finish
// stages of the branch.
func (c *Cache) GetAllChanges() (*repo.Changes, error) {
	initID, err := c.repo.ResolveRev(c.StageRef("init"))
	if err != nil {
		if errors.Is(err, repo.ErrRefNotFound) {
			initID = ""
		} else {
			return nil, err
		}
	}
	finishID, err := c.repo.ResolveRev(c.StageRef("finish"))
	if err != nil {
		if errors.Is(err, repo.ErrRefNotFound) {
			finishID = ""
		} else {
			return nil, err
		}
	}
	return c.repo.DiffCommits(initID, finishID)
}

// Disabled reports whether a stage has missed this run.
func (c *Cache) Disabled() bool {
	return c.disabled
}

// LastParent returns the most recent hit or committed stage.
func (c *Cache) LastParent() string {
	return c.lastParent
}

func forceMtimes(dir string) error {
	mtime := time.Unix(checkedOutMtime, 0)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chtimes(path, mtime, mtime)
	})
}
