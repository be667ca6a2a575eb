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
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flatpak/flatpak/internal/pkg/builder"
	"github.com/flatpak/flatpak/pkg/fplog"
	"github.com/flatpak/flatpak/pkg/manifest"
)

func buildCmd(opts *globalOptions) *cobra.Command {
	var (
		cacheDir      string
		appDir        string
		keepBuildDirs bool
	)
	cmd := &cobra.Command{
		Use:   "build MANIFEST",
		Short: "Build an application from a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			if appDir == "" {
				appDir = mf.AppRefID()
			}
			b, err := builder.New(mf, &shellExecutor{}, builder.Config{
				Arch:          opts.arch,
				CacheDir:      cacheDir,
				AppDir:        appDir,
				KeepBuildDirs: keepBuildDirs,
			})
			if err != nil {
				return err
			}
			return b.Full(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cacheDir, "state-dir", ".flatpak-builder", "build cache location")
	cmd.Flags().StringVar(&appDir, "app-dir", "", "directory to build into (defaults to the app id)")
	cmd.Flags().BoolVar(&keepBuildDirs, "keep-build-dirs", false, "keep the app dir after a failed build")
	return cmd
}

// shellExecutor runs a module's build-commands through the shell with
// the app dir as working directory and FLATPAK_DEST pointing at the
// installation prefix.
type shellExecutor struct{}

func (shellExecutor) BuildModule(ctx context.Context, module *manifest.Module, appDir string) error {
	dest, err := filepath.Abs(filepath.Join(appDir, "files"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, line := range module.BuildCommands {
		fplog.Verbosef("Running: %s", line)
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
		cmd.Dir = appDir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "FLATPAK_DEST="+dest)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("build command %q failed: %w", line, err)
		}
	}
	return nil
}
