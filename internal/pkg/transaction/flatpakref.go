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
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/flatpak/flatpak/internal/pkg/installation"
	"github.com/flatpak/flatpak/pkg/fpref"
	"github.com/flatpak/flatpak/pkg/sandbox"
)

const (
	groupFlatpakRef = "Flatpak Ref"
	keyRefName      = "Name"
	keyRefBranch    = "Branch"
	keyRefURL       = "Url"
	keyRefIsRuntime = "IsRuntime"
	keyRefSuggest   = "SuggestRemoteName"
)

// FlatpakRef is the parsed form of a .flatpakref descriptor: a single
// ref plus the remote carrying it.
type FlatpakRef struct {
	Ref        fpref.Ref
	URL        string
	RemoteName string
}

// ParseFlatpakRef parses .flatpakref key-file data for the given
// architecture.
func ParseFlatpakRef(data []byte, arch string) (*FlatpakRef, error) {
	f, err := sandbox.LoadKeyFile(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing flatpakref")
	}
	section, err := f.GetSection(groupFlatpakRef)
	if err != nil {
		return nil, fmt.Errorf("flatpakref has no [%s] group", groupFlatpakRef)
	}

	name := section.Key(keyRefName).String()
	if name == "" {
		return nil, fmt.Errorf("flatpakref has no %s key", keyRefName)
	}
	branch := section.Key(keyRefBranch).MustString("master")
	url := section.Key(keyRefURL).String()
	if url == "" {
		return nil, fmt.Errorf("flatpakref has no %s key", keyRefURL)
	}

	kind := fpref.KindApp
	if section.Key(keyRefIsRuntime).MustBool(false) {
		kind = fpref.KindRuntime
	}
	ref, err := fpref.New(kind, name, arch, branch)
	if err != nil {
		return nil, err
	}

	remoteName := section.Key(keyRefSuggest).String()
	if remoteName == "" {
		remoteName = name + "-origin"
	}
	return &FlatpakRef{Ref: ref, URL: url, RemoteName: remoteName}, nil
}

// AddInstallFlatpakref queues installing the ref a .flatpakref file
// describes, registering its remote when not yet configured.
func (t *Transaction) AddInstallFlatpakref(ctx context.Context, path, arch string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	fr, err := ParseFlatpakRef(data, arch)
	if err != nil {
		return errors.Wrapf(err, "while handling %s", path)
	}

	if _, err := t.dir.Remote(fr.RemoteName); errors.Is(err, installation.ErrNoRemote) {
		if err := t.dir.AddRemote(&installation.Remote{Name: fr.RemoteName, URL: fr.URL}); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return t.AddInstall(ctx, fr.RemoteName, fr.Ref, nil)
}
