// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package installation models one installation root: the deployed
// application trees, their deploy metadata, and the configured remotes.
package installation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/flatpak/flatpak/pkg/fpref"
	"github.com/flatpak/flatpak/pkg/sandbox"
)

const (
	deployFileName   = "deploy"
	metadataFileName = "metadata"
	remotesFileName  = "remotes"

	groupDeploy       = "Deploy"
	keyOrigin         = "origin"
	keyCommit         = "commit"
	keySubpaths       = "subpaths"
	keyEndOfLife      = "end-of-life"
	keyEndOfLifeRebase = "end-of-life-rebase"

	keyURL      = "url"
	keyDisabled = "disabled"
)

// ErrNotDeployed is wrapped into lookups for refs with no deploy.
var ErrNotDeployed = errors.New("not deployed")

// ErrNoRemote is returned for unknown remote names.
var ErrNoRemote = errors.New("remote not configured")

// Deploy is the recorded state of one deployed ref.
type Deploy struct {
	Ref             fpref.Ref
	Origin          string
	Commit          string
	Subpaths        []string
	EndOfLife       string
	EndOfLifeRebase string
}

// Remote is one configured source of refs.
type Remote struct {
	Name      string
	URL       string
	Disabled  bool
	Ephemeral bool
}

// Installation is one installation root on disk.
type Installation struct {
	ID   string
	root string
}

// Open opens (creating if needed) an installation rooted at dir.
func Open(id, dir string) (*Installation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "opening installation %s", id)
	}
	return &Installation{ID: id, root: dir}, nil
}

// Root returns the installation root directory.
func (i *Installation) Root() string {
	return i.root
}

// SameAs reports whether other points at the same root.
func (i *Installation) SameAs(other *Installation) bool {
	return other != nil && i.root == other.root
}

func (i *Installation) deployDir(ref fpref.Ref) string {
	return filepath.Join(i.root, ref.Kind().String(), ref.ID(), ref.Arch(), ref.Branch())
}

// Deployed loads the deploy record of a ref, ErrNotDeployed when the
// ref is not installed here.
func (i *Installation) Deployed(ref fpref.Ref) (*Deploy, error) {
	path := filepath.Join(i.deployDir(ref), deployFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotDeployed, "%s", ref.PrefString())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading deploy of %s", ref.PrefString())
	}
	f, err := sandbox.LoadKeyFile(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing deploy of %s", ref.PrefString())
	}
	section, err := f.GetSection(groupDeploy)
	if err != nil {
		return nil, fmt.Errorf("deploy of %s has no [%s] group", ref.PrefString(), groupDeploy)
	}

	d := &Deploy{
		Ref:             ref,
		Origin:          section.Key(keyOrigin).String(),
		Commit:          section.Key(keyCommit).String(),
		EndOfLife:       section.Key(keyEndOfLife).String(),
		EndOfLifeRebase: section.Key(keyEndOfLifeRebase).String(),
	}
	if section.HasKey(keySubpaths) {
		for _, p := range strings.Split(section.Key(keySubpaths).String(), ";") {
			if p = strings.TrimSpace(p); p != "" {
				d.Subpaths = append(d.Subpaths, p)
			}
		}
	}
	return d, nil
}

// IsDeployed reports whether the ref is installed here.
func (i *Installation) IsDeployed(ref fpref.Ref) bool {
	_, err := os.Stat(filepath.Join(i.deployDir(ref), deployFileName))
	return err == nil
}

// SetDeployed writes the deploy record of a ref.
func (i *Installation) SetDeployed(d *Deploy) error {
	f := ini.Empty()
	section, err := f.NewSection(groupDeploy)
	if err != nil {
		return err
	}
	section.Key(keyOrigin).SetValue(d.Origin)
	section.Key(keyCommit).SetValue(d.Commit)
	if d.Subpaths != nil {
		section.Key(keySubpaths).SetValue(strings.Join(d.Subpaths, ";"))
	}
	if d.EndOfLife != "" {
		section.Key(keyEndOfLife).SetValue(d.EndOfLife)
	}
	if d.EndOfLifeRebase != "" {
		section.Key(keyEndOfLifeRebase).SetValue(d.EndOfLifeRebase)
	}

	dir := i.deployDir(d.Ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, deployFileName), sandbox.WriteKeyFile(f), 0o644)
}

// Undeploy removes a deployed ref.
func (i *Installation) Undeploy(ref fpref.Ref) error {
	return os.RemoveAll(i.deployDir(ref))
}

// Metadata reads the deployed metadata key-file of a ref.
func (i *Installation) Metadata(ref fpref.Ref) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(i.deployDir(ref), metadataFileName))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotDeployed, "%s", ref.PrefString())
	}
	return data, err
}

// SetMetadata writes the deployed metadata key-file of a ref.
func (i *Installation) SetMetadata(ref fpref.Ref, data []byte) error {
	dir := i.deployDir(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o644)
}

// ListDeployed enumerates every ref installed here.
func (i *Installation) ListDeployed() ([]fpref.Ref, error) {
	var refs []fpref.Ref
	for _, kind := range []string{"app", "runtime"} {
		kindDir := filepath.Join(i.root, kind)
		ids, err := os.ReadDir(kindDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			arches, err := os.ReadDir(filepath.Join(kindDir, id.Name()))
			if err != nil {
				return nil, err
			}
			for _, arch := range arches {
				branches, err := os.ReadDir(filepath.Join(kindDir, id.Name(), arch.Name()))
				if err != nil {
					return nil, err
				}
				for _, branch := range branches {
					ref, err := fpref.Parse(kind + "/" + id.Name() + "/" + arch.Name() + "/" + branch.Name())
					if err != nil {
						continue
					}
					if i.IsDeployed(ref) {
						refs = append(refs, ref)
					}
				}
			}
		}
	}
	return refs, nil
}

func (i *Installation) remotesPath() string {
	return filepath.Join(i.root, remotesFileName)
}

func (i *Installation) loadRemotes() (*ini.File, error) {
	data, err := os.ReadFile(i.remotesPath())
	if os.IsNotExist(err) {
		return ini.Empty(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading remotes configuration")
	}
	return sandbox.LoadKeyFile(data)
}

func remoteSection(name string) string {
	return `remote "` + name + `"`
}

// Remote loads one configured remote by name.
func (i *Installation) Remote(name string) (*Remote, error) {
	f, err := i.loadRemotes()
	if err != nil {
		return nil, err
	}
	section, err := f.GetSection(remoteSection(name))
	if err != nil {
		return nil, errors.Wrapf(ErrNoRemote, "%s", name)
	}
	return &Remote{
		Name:      name,
		URL:       section.Key(keyURL).String(),
		Disabled:  section.Key(keyDisabled).MustBool(false),
		Ephemeral: section.Key("ephemeral").MustBool(false),
	}, nil
}

// ListRemotes returns every configured remote.
func (i *Installation) ListRemotes() ([]*Remote, error) {
	f, err := i.loadRemotes()
	if err != nil {
		return nil, err
	}
	var remotes []*Remote
	for _, section := range f.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, `remote "`) || !strings.HasSuffix(name, `"`) {
			continue
		}
		remotes = append(remotes, &Remote{
			Name:      strings.TrimSuffix(strings.TrimPrefix(name, `remote "`), `"`),
			URL:       section.Key(keyURL).String(),
			Disabled:  section.Key(keyDisabled).MustBool(false),
			Ephemeral: section.Key("ephemeral").MustBool(false),
		})
	}
	return remotes, nil
}

// AddRemote records a remote, replacing any previous definition of the
// same name.
func (i *Installation) AddRemote(r *Remote) error {
	f, err := i.loadRemotes()
	if err != nil {
		return err
	}
	f.DeleteSection(remoteSection(r.Name))
	section, err := f.NewSection(remoteSection(r.Name))
	if err != nil {
		return err
	}
	section.Key(keyURL).SetValue(r.URL)
	if r.Disabled {
		section.Key(keyDisabled).SetValue("true")
	}
	if r.Ephemeral {
		section.Key("ephemeral").SetValue("true")
	}
	return os.WriteFile(i.remotesPath(), sandbox.WriteKeyFile(f), 0o644)
}

// RemoveRemote deletes a remote definition; unknown names are ignored.
func (i *Installation) RemoveRemote(name string) error {
	f, err := i.loadRemotes()
	if err != nil {
		return err
	}
	f.DeleteSection(remoteSection(name))
	return os.WriteFile(i.remotesPath(), sandbox.WriteKeyFile(f), 0o644)
}
