// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/flatpak/flatpak/pkg/fplog"
	"github.com/flatpak/flatpak/pkg/sandbox"
)

// finalize turns the built tree into a deployable one: it resolves the
// finish-args into a sandbox context and writes the metadata key-file
// the installer and launcher read.
func (b *Build) finalize() error {
	if err := b.insertMetadata(); err != nil {
		return fmt.Errorf("while inserting metadata: %w", err)
	}
	if err := b.insertExportDirs(); err != nil {
		return fmt.Errorf("while preparing export directories: %w", err)
	}
	return nil
}

func (b *Build) insertMetadata() error {
	fplog.Infof("Adding metadata")

	ctx := sandbox.NewContext()
	if err := ctx.ApplyOptions(b.mf.FinishArgs); err != nil {
		return err
	}

	f, err := ctx.Save(false)
	if err != nil {
		return err
	}
	app, err := f.NewSection("Application")
	if err != nil {
		return err
	}
	app.Key("name").SetValue(b.mf.AppRefID())
	app.Key("runtime").SetValue(b.mf.Runtime + "/" + b.Conf.Arch + "/" + b.mf.RuntimeVersion)
	if b.mf.Sdk != "" {
		app.Key("sdk").SetValue(b.mf.Sdk + "/" + b.Conf.Arch + "/" + b.mf.RuntimeVersion)
	}
	if b.mf.Command != "" {
		app.Key("command").SetValue(b.mf.Command)
	}

	// the Application group leads the file so tolerant readers that
	// only scan the first group still find the identity keys
	sections := append([]string{"Application"}, orderedContextSections(f)...)
	out := ini.Empty()
	for _, name := range sections {
		src, err := f.GetSection(name)
		if err != nil {
			continue
		}
		dst, err := out.NewSection(name)
		if err != nil {
			return err
		}
		for _, key := range src.Keys() {
			dst.Key(key.Name()).SetValue(key.Value())
		}
	}

	return os.WriteFile(filepath.Join(b.Conf.AppDir, "metadata"), sandbox.WriteKeyFile(out), 0o644)
}

func orderedContextSections(f *ini.File) []string {
	var names []string
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection || section.Name() == "Application" {
			continue
		}
		if len(section.Keys()) == 0 {
			continue
		}
		names = append(names, section.Name())
	}
	return names
}

// insertExportDirs makes sure the conventional export locations exist
// so deploy can link icons and desktop files from them.
func (b *Build) insertExportDirs() error {
	for _, sub := range []string{
		"files/share/applications",
		"files/share/icons",
	} {
		dir := filepath.Join(b.Conf.AppDir, sub)
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, ".keep"), nil, 0o644); err != nil {
			return err
		}
	}
	return nil
}
