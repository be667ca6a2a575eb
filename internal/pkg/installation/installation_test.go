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
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/flatpak/flatpak/pkg/fpref"
)

func mustRef(t *testing.T, s string) fpref.Ref {
	t.Helper()
	r, err := fpref.Parse(s)
	assert.NilError(t, err)
	return r
}

func TestDeployRoundTrip(t *testing.T) {
	inst, err := Open("user", t.TempDir())
	assert.NilError(t, err)

	ref := mustRef(t, "app/org.example.App/x86_64/stable")
	assert.Assert(t, !inst.IsDeployed(ref))
	_, err = inst.Deployed(ref)
	assert.ErrorIs(t, err, ErrNotDeployed)

	deploy := &Deploy{
		Ref:       ref,
		Origin:    "flathub",
		Commit:    "0123",
		Subpaths:  []string{"/de", "/en"},
		EndOfLife: "use the fork",
	}
	assert.NilError(t, inst.SetDeployed(deploy))
	assert.Assert(t, inst.IsDeployed(ref))

	loaded, err := inst.Deployed(ref)
	assert.NilError(t, err)
	assert.Equal(t, loaded.Origin, "flathub")
	assert.Equal(t, loaded.Commit, "0123")
	assert.DeepEqual(t, loaded.Subpaths, []string{"/de", "/en"})
	assert.Equal(t, loaded.EndOfLife, "use the fork")

	assert.NilError(t, inst.Undeploy(ref))
	assert.Assert(t, !inst.IsDeployed(ref))
}

func TestMetadataRoundTrip(t *testing.T) {
	inst, err := Open("user", t.TempDir())
	assert.NilError(t, err)
	ref := mustRef(t, "runtime/org.freedesktop.Platform/x86_64/23.08")

	assert.NilError(t, inst.SetMetadata(ref, []byte("[Runtime]\nname=org.freedesktop.Platform\n")))
	data, err := inst.Metadata(ref)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "[Runtime]\nname=org.freedesktop.Platform\n")
}

func TestListDeployed(t *testing.T) {
	inst, err := Open("user", t.TempDir())
	assert.NilError(t, err)

	app := mustRef(t, "app/org.example.App/x86_64/stable")
	runtime := mustRef(t, "runtime/org.freedesktop.Platform/x86_64/23.08")
	assert.NilError(t, inst.SetDeployed(&Deploy{Ref: app, Origin: "flathub"}))
	assert.NilError(t, inst.SetDeployed(&Deploy{Ref: runtime, Origin: "flathub"}))

	refs, err := inst.ListDeployed()
	assert.NilError(t, err)
	assert.Equal(t, len(refs), 2)
}

func TestRemotesConfig(t *testing.T) {
	inst, err := Open("user", t.TempDir())
	assert.NilError(t, err)

	_, err = inst.Remote("flathub")
	assert.ErrorIs(t, err, ErrNoRemote)

	assert.NilError(t, inst.AddRemote(&Remote{Name: "flathub", URL: "https://flathub.org/repo"}))
	assert.NilError(t, inst.AddRemote(&Remote{Name: "dead", URL: "https://dead.example", Disabled: true}))

	r, err := inst.Remote("flathub")
	assert.NilError(t, err)
	assert.Equal(t, r.URL, "https://flathub.org/repo")
	assert.Assert(t, !r.Disabled)

	r, err = inst.Remote("dead")
	assert.NilError(t, err)
	assert.Assert(t, r.Disabled)

	remotes, err := inst.ListRemotes()
	assert.NilError(t, err)
	assert.Equal(t, len(remotes), 2)

	assert.NilError(t, inst.RemoveRemote("dead"))
	_, err = inst.Remote("dead")
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestLoadSystemInstallations(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "installations.toml")
	content := `
[[installation]]
id = "default"
path = "` + filepath.Join(dir, "system") + `"
display-name = "System"
priority = 10

[[installation]]
id = "sdcard"
path = "` + filepath.Join(dir, "sdcard") + `"
`
	assert.NilError(t, os.WriteFile(conf, []byte(content), 0o644))

	installations, err := LoadSystemInstallations(conf)
	assert.NilError(t, err)
	assert.Equal(t, len(installations), 2)
	assert.Equal(t, installations[0].ID, "default")

	// a missing file is simply no installations
	none, err := LoadSystemInstallations(filepath.Join(dir, "nope.toml"))
	assert.NilError(t, err)
	assert.Assert(t, none == nil)

	// entries need id and path
	assert.NilError(t, os.WriteFile(conf, []byte("[[installation]]\nid = \"x\"\n"), 0o644))
	_, err = LoadSystemInstallations(conf)
	assert.Assert(t, err != nil)
}
