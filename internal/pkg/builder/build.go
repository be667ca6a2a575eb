// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package builder runs ordered module build stages against the
// fingerprint-indexed build cache.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flatpak/flatpak/internal/pkg/buildcache"
	"github.com/flatpak/flatpak/pkg/checksum"
	"github.com/flatpak/flatpak/pkg/fplog"
	"github.com/flatpak/flatpak/pkg/fpref"
	"github.com/flatpak/flatpak/pkg/manifest"
)

// Executor runs the external build tools of one module inside the app
// directory. The engine only sequences and caches; executing
// configure/make/install lines is delegated here.
type Executor interface {
	BuildModule(ctx context.Context, module *manifest.Module, appDir string) error
}

// Config defines how a build is executed and where its state lives.
type Config struct {
	// Arch is the architecture being built for.
	Arch string
	// CacheDir is the build cache repository location.
	CacheDir string
	// AppDir is the working tree modules build into.
	AppDir string
	// KeepBuildDirs prevents build state cleanup after failures,
	// useful for debugging.
	KeepBuildDirs bool
}

// Build is an abstracted way to look at the entire build process: it
// holds the ordered stages derived from the manifest and the cache
// they are fingerprinted against.
type Build struct {
	stages []stage
	cache  *buildcache.Cache
	mf     *manifest.Manifest
	exec   Executor
	// Conf contains cross stage build configuration.
	Conf Config
}

// stage couples a cache stage name with its input fingerprint and the
// work to run on a cache miss.
type stage struct {
	name string
	sum  func(b *checksum.Builder)
	run  func(ctx context.Context) error
}

// New creates a Build for a manifest.
func New(mf *manifest.Manifest, exec Executor, conf Config) (*Build, error) {
	ref, err := fpref.New(fpref.KindApp, mf.AppRefID(), conf.Arch, mf.BranchOrDefault())
	if err != nil {
		return nil, fmt.Errorf("unable to derive app ref from manifest: %w", err)
	}

	cache, err := buildcache.Open(conf.CacheDir, conf.AppDir, ref.Format())
	if err != nil {
		return nil, err
	}

	b := &Build{
		cache: cache,
		mf:    mf,
		exec:  exec,
		Conf:  conf,
	}
	b.stages = append(b.stages, stage{
		name: "init",
		sum:  b.sumInit,
		run:  b.runInit,
	})
	for _, mod := range mf.FlatModules() {
		module := mod
		b.stages = append(b.stages, stage{
			name: "module-" + module.Name,
			sum:  func(sum *checksum.Builder) { sumModule(sum, module) },
			run:  func(ctx context.Context) error { return b.runModule(ctx, module) },
		})
	}
	b.stages = append(b.stages, stage{
		name: "finish",
		sum:  b.sumFinish,
		run:  b.runFinish,
	})
	return b, nil
}

// Full runs the whole build, skipping every stage whose inputs match a
// previous run.
func (b *Build) Full(ctx context.Context) error {
	fplog.Infof("Starting build of %s", b.mf.AppRefID())

	for _, s := range b.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sum(b.cache.Checksum())

		hit, err := b.cache.Lookup(s.name)
		if err != nil {
			return err
		}
		if hit {
			fplog.Infof("Cache hit for %s, skipping", s.name)
			continue
		}

		fplog.Infof("Running stage %s", s.name)
		if err := s.run(ctx); err != nil {
			if !b.Conf.KeepBuildDirs {
				b.cleanUp()
			}
			return fmt.Errorf("stage %s failed: %w", s.name, err)
		}
		if err := b.cache.Commit("stage " + s.name); err != nil {
			return err
		}
	}

	// everything hit: materialize the final tree for post-processing
	if err := b.cache.CheckoutLastParent(); err != nil {
		return err
	}

	if changes, err := b.cache.GetAllChanges(); err == nil {
		fplog.Verbosef("Build changed %s", changes)
	}

	if err := b.cache.GC(); err != nil {
		fplog.Warningf("Cannot collect stale cache stages: %v", err)
	}

	fplog.Verbosef("Build complete: %s", b.Conf.AppDir)
	return nil
}

// cleanUp removes the partially built tree after a failed stage.
func (b *Build) cleanUp() {
	fplog.Debugf("Cleaning up %q", b.Conf.AppDir)
	if err := os.RemoveAll(b.Conf.AppDir); err != nil {
		fplog.Errorf("Could not remove app dir: %v", err)
	}
}

func (b *Build) sumInit(sum *checksum.Builder) {
	sum.Str("init")
	sum.Str(b.mf.AppRefID())
	sum.Str(b.mf.Runtime)
	sum.Str(b.mf.RuntimeVersion)
	sum.Str(b.mf.Sdk)
	sum.Str(b.Conf.Arch)
}

func (b *Build) runInit(ctx context.Context) error {
	for _, sub := range []string{"files", "var"} {
		if err := os.MkdirAll(filepath.Join(b.Conf.AppDir, sub), 0o755); err != nil {
			return err
		}
		// keep empty directories representable in the cache tree
		keep := filepath.Join(b.Conf.AppDir, sub, ".keep")
		if err := os.WriteFile(keep, nil, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// sumModule folds every input that influences a module's output into
// the rolling checksum, in a fixed order.
func sumModule(sum *checksum.Builder, module *manifest.Module) {
	sum.Str("module")
	sum.Str(module.Name)
	sum.Str(module.BuildSystem)
	sum.Strv(module.ConfigOpts)
	sum.Strv(module.BuildCommands)
	sum.Uint32(uint32(len(module.Sources)))
	for _, src := range module.Sources {
		sum.Str(src.Type)
		sum.Str(src.URL)
		sum.Str(src.SHA256)
		sum.Str(src.Path)
		sum.Str(src.Commit)
		sum.Str(src.Branch)
	}
}

func (b *Build) runModule(ctx context.Context, module *manifest.Module) error {
	fplog.Infof("Building module %s", module.Name)
	return b.exec.BuildModule(ctx, module, b.Conf.AppDir)
}

func (b *Build) sumFinish(sum *checksum.Builder) {
	sum.Str("finish")
	sum.Str(b.mf.Command)
	sum.Strv(b.mf.FinishArgs)
}

func (b *Build) runFinish(ctx context.Context) error {
	return b.finalize()
}

// Cache exposes the underlying cache for change queries after a build.
func (b *Build) Cache() *buildcache.Cache {
	return b.cache
}
