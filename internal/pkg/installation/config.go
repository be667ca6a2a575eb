// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package installation

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// InstallationConfig is one entry of the installations file.
type InstallationConfig struct {
	ID          string `toml:"id"`
	Path        string `toml:"path"`
	DisplayName string `toml:"display-name"`
	Priority    int    `toml:"priority"`
}

type installationsFile struct {
	Installation []InstallationConfig `toml:"installation"`
}

// LoadSystemInstallations reads the installations file and opens every
// configured root. A missing file yields no installations.
func LoadSystemInstallations(path string) ([]*Installation, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading installations configuration")
	}

	var conf installationsFile
	if err := toml.Unmarshal(data, &conf); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	installations := make([]*Installation, 0, len(conf.Installation))
	for _, entry := range conf.Installation {
		if entry.ID == "" || entry.Path == "" {
			return nil, errors.Errorf("installation entry in %s needs both id and path", path)
		}
		inst, err := Open(entry.ID, entry.Path)
		if err != nil {
			return nil, err
		}
		installations = append(installations, inst)
	}
	return installations, nil
}
