// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fpref

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
		kind    Kind
		id      string
		arch    string
		branch  string
	}{
		{
			name:   "app",
			text:   "app/org.example.App/x86_64/stable",
			kind:   KindApp,
			id:     "org.example.App",
			arch:   "x86_64",
			branch: "stable",
		},
		{
			name:   "runtime",
			text:   "runtime/org.freedesktop.Platform/aarch64/23.08",
			kind:   KindRuntime,
			id:     "org.freedesktop.Platform",
			arch:   "aarch64",
			branch: "23.08",
		},
		{name: "three segments", text: "app/org.example.App/x86_64", wantErr: true},
		{name: "five segments", text: "app/org.example.App/x86_64/stable/extra", wantErr: true},
		{name: "bad kind", text: "extension/org.example.App/x86_64/stable", wantErr: true},
		{name: "empty id", text: "app//x86_64/stable", wantErr: true},
		{name: "empty branch", text: "app/org.example.App/x86_64/", wantErr: true},
		{name: "empty", text: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.text)
			if tt.wantErr {
				assert.Assert(t, err != nil)
				assert.Assert(t, IsInvalidRefError(err))
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, r.Kind(), tt.kind)
			assert.Equal(t, r.ID(), tt.id)
			assert.Equal(t, r.Arch(), tt.arch)
			assert.Equal(t, r.Branch(), tt.branch)
			assert.Equal(t, r.Format(), tt.text)
		})
	}
}

func TestParsePartial(t *testing.T) {
	p, err := ParsePartial("app/org.example.App", KindAny)
	assert.NilError(t, err)
	assert.Equal(t, p.Kinds, KindApp)
	assert.Equal(t, p.ID, "org.example.App")
	assert.Equal(t, p.Arch, "")
	assert.Equal(t, p.Branch, "")

	p, err = ParsePartial("org.example.App/x86_64", KindAny)
	assert.NilError(t, err)
	assert.Equal(t, p.Kinds, KindAny)
	assert.Equal(t, p.Arch, "x86_64")

	_, err = ParsePartial("runtime/org.x/a/b", KindApp)
	assert.Assert(t, IsInvalidRefError(err))

	p, err = ParsePartial("", KindRuntime)
	assert.NilError(t, err)
	assert.Equal(t, p.Kinds, KindRuntime)
	assert.Equal(t, p.ID, "")
}

func TestRefEquality(t *testing.T) {
	a, err := Parse("app/org.example.App/x86_64/stable")
	assert.NilError(t, err)
	b, err := New(KindApp, "org.example.App", "x86_64", "stable")
	assert.NilError(t, err)
	assert.Assert(t, a == b)

	c, err := Parse("app/org.example.App/x86_64/beta")
	assert.NilError(t, err)
	assert.Assert(t, a != c)
}

func TestPrefString(t *testing.T) {
	r, err := Parse("app/org.example.App/x86_64/stable")
	assert.NilError(t, err)
	assert.Equal(t, r.PrefString(), "org.example.App/x86_64/stable")
}

func TestIsSubref(t *testing.T) {
	assert.Assert(t, IsSubref("org.example.App.Locale"))
	assert.Assert(t, IsSubref("org.example.App.Debug"))
	assert.Assert(t, IsSubref("org.example.App.Sources"))
	assert.Assert(t, !IsSubref("org.example.App"))
	assert.Assert(t, !IsSubref(".Locale"))
	assert.Assert(t, !IsSubref("org.example.Localez"))
}
