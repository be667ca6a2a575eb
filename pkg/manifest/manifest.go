// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package manifest maps builder manifests onto explicit record types.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var errNoModules = errors.New("manifest has no modules")

// InvalidManifestError records a manifest that fails validation.
type InvalidManifestError struct {
	Field string
	Err   error
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest field %q: %v", e.Field, e.Err)
}

func (e *InvalidManifestError) Unwrap() error { return e.Err }

// Source is one input of a module.
type Source struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Path   string `json:"path,omitempty"`
	Commit string `json:"commit,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// Module is one ordered build unit. Nested modules build before their
// parent.
type Module struct {
	Name          string   `json:"name"`
	Sources       []Source `json:"sources,omitempty"`
	ConfigOpts    []string `json:"config-opts,omitempty"`
	BuildCommands []string `json:"build-commands,omitempty"`
	BuildSystem   string   `json:"buildsystem,omitempty"`
	Modules       []*Module `json:"modules,omitempty"`
}

// Manifest describes one application build.
type Manifest struct {
	ID             string    `json:"id"`
	AppID          string    `json:"app-id,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	Runtime        string    `json:"runtime"`
	RuntimeVersion string    `json:"runtime-version"`
	Sdk            string    `json:"sdk"`
	Command        string    `json:"command,omitempty"`
	Separate       bool      `json:"separate-locales,omitempty"`
	FinishArgs     []string  `json:"finish-args,omitempty"`
	Modules        []*Module `json:"modules"`
}

// AppRefID returns the application id, honoring the legacy app-id key.
func (m *Manifest) AppRefID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.AppID
}

// BranchOrDefault returns the target branch, master when unset.
func (m *Manifest) BranchOrDefault() string {
	if m.Branch != "" {
		return m.Branch
	}
	return "master"
}

// FlatModules returns the modules in build order: nested modules
// first, depth first.
func (m *Manifest) FlatModules() []*Module {
	var out []*Module
	var walk func(mods []*Module)
	walk = func(mods []*Module) {
		for _, mod := range mods {
			walk(mod.Modules)
			out = append(out, mod)
		}
	}
	walk(m.Modules)
	return out
}

// Parse decodes and validates manifest JSON.
func Parse(r io.Reader) (*Manifest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("while decoding manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open manifest %s: %w", path, err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("while parsing manifest %s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	if m.AppRefID() == "" {
		return &InvalidManifestError{Field: "id", Err: errors.New("missing")}
	}
	if strings.Count(m.AppRefID(), ".") < 2 {
		return &InvalidManifestError{Field: "id", Err: errors.New("must have at least three dot-separated elements")}
	}
	if m.Runtime == "" {
		return &InvalidManifestError{Field: "runtime", Err: errors.New("missing")}
	}
	if m.RuntimeVersion == "" {
		return &InvalidManifestError{Field: "runtime-version", Err: errors.New("missing")}
	}
	if len(m.Modules) == 0 {
		return &InvalidManifestError{Field: "modules", Err: errNoModules}
	}
	seen := make(map[string]bool)
	for _, mod := range m.FlatModules() {
		if mod.Name == "" {
			return &InvalidManifestError{Field: "modules", Err: errors.New("module with no name")}
		}
		if seen[mod.Name] {
			return &InvalidManifestError{Field: "modules", Err: fmt.Errorf("duplicate module %q", mod.Name)}
		}
		seen[mod.Name] = true
	}
	return nil
}
