// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func saveString(t *testing.T, c *Context, flatten bool) string {
	t.Helper()
	data, err := c.SaveData(flatten)
	assert.NilError(t, err)
	return string(data)
}

func loadContext(t *testing.T, data string) *Context {
	t.Helper()
	c := NewContext()
	assert.NilError(t, c.Load([]byte(data)))
	return c
}

func TestContextBitmaskMerge(t *testing.T) {
	base := NewContext()
	base.Shares = ShareNetwork
	base.SharesValid = ShareNetwork | ShareIPC

	overlay := NewContext()
	overlay.Shares = ShareIPC
	overlay.SharesValid = ShareIPC

	base.Merge(overlay)
	assert.Equal(t, base.Shares, ShareNetwork|ShareIPC)
	assert.Equal(t, base.SharesValid, ShareNetwork|ShareIPC)

	// an overlay that explicitly unshares wins over the base grant
	unshare := NewContext()
	unshare.SharesValid = ShareNetwork
	base.Merge(unshare)
	assert.Equal(t, base.Shares, ShareIPC)
}

func TestContextBitmaskMergeAssociativity(t *testing.T) {
	mk := func(bits, valid Shares) *Context {
		c := NewContext()
		c.Shares, c.SharesValid = bits, valid
		return c
	}
	a := mk(ShareNetwork, ShareNetwork)
	b := mk(0, ShareNetwork|ShareIPC)
	c := mk(ShareIPC, ShareIPC)

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)

	bc := b.Clone()
	bc.Merge(c)
	right := a.Clone()
	right.Merge(bc)

	assert.Equal(t, left.Shares, right.Shares)
	assert.Equal(t, left.SharesValid, right.SharesValid)
}

func TestContextHostResetMerge(t *testing.T) {
	base := NewContext()
	base.Filesystems["home"] = FilesystemReadWrite
	base.Filesystems["/mnt/data"] = FilesystemReadOnly

	overlay := NewContext()
	overlay.Filesystems[FilesystemHostReset] = FilesystemNone
	overlay.Filesystems["~/Music"] = FilesystemReadOnly

	base.Merge(overlay)
	_, hasHome := base.Filesystems["home"]
	assert.Assert(t, !hasHome)
	_, hasData := base.Filesystems["/mnt/data"]
	assert.Assert(t, !hasData)
	assert.Equal(t, base.Filesystems["~/Music"], FilesystemReadOnly)
	assert.Equal(t, base.Filesystems[FilesystemHostReset], FilesystemNone)
}

func TestContextHostResetSerializedFirst(t *testing.T) {
	c := NewContext()
	c.Filesystems["home"] = FilesystemReadWrite
	c.Filesystems[FilesystemHostReset] = FilesystemNone
	c.Filesystems["/a"] = FilesystemReadOnly

	out := saveString(t, c, false)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "filesystems") {
			_, value, _ := strings.Cut(line, "=")
			assert.Equal(t, strings.TrimSpace(value), "!host:reset;/a:ro;home;")
			return
		}
	}
	t.Fatal("no filesystems key in output")
}

func TestContextGenericPolicy(t *testing.T) {
	c := NewContext()
	assert.NilError(t, c.ApplyGenericPolicy("autostart.delay", "value1"))
	assert.NilError(t, c.ApplyGenericPolicy("autostart.delay", "value2"))
	assert.DeepEqual(t, c.Generic["autostart.delay"], []string{"value1", "value2"})

	// a removal drops the matching positive entry but is itself kept
	assert.NilError(t, c.ApplyGenericPolicy("autostart.delay", "!value1"))
	assert.DeepEqual(t, c.Generic["autostart.delay"], []string{"value2", "!value1"})

	// re-adding replaces the removal
	assert.NilError(t, c.ApplyGenericPolicy("autostart.delay", "value1"))
	assert.DeepEqual(t, c.Generic["autostart.delay"], []string{"value2", "value1"})

	assert.Assert(t, c.ApplyGenericPolicy("nodot", "v") != nil)
}

func TestContextSaveLoadRoundTrip(t *testing.T) {
	c := NewContext()
	c.Shares = ShareNetwork
	c.SharesValid = ShareNetwork | ShareIPC
	c.Features = FeatureMultiarch
	c.FeaturesValid = FeatureMultiarch

	wayland := &Permission{}
	wayland.AllowConditional("has-wayland")
	c.Sockets["wayland"] = wayland
	x11 := &Permission{}
	x11.Disallow()
	c.Sockets["x11"] = x11
	dri := &Permission{}
	dri.Allow()
	c.Devices["dri"] = dri

	c.Filesystems["host"] = FilesystemReadWrite
	c.Filesystems["~/Documents"] = FilesystemReadOnly
	c.Persistent[".mozilla"] = true

	lang := "en_US.UTF-8"
	c.EnvVars["LANG"] = &lang
	c.EnvVars["LD_PRELOAD"] = nil

	assert.NilError(t, c.SetSessionBusPolicy("org.freedesktop.Notifications", BusPolicyTalk))
	assert.NilError(t, c.SetSystemBusPolicy("org.freedesktop.UDisks2", BusPolicyTalk))
	assert.NilError(t, c.ApplyGenericPolicy("autostart.delay", "5"))
	c.USBAllow["vnd:1234+prd:5678"] = "vnd:1234+prd:5678"
	c.USBHide["cls:03"] = "cls:03"

	loaded := loadContext(t, saveString(t, c, false))

	assert.Equal(t, loaded.Shares, c.Shares)
	assert.Equal(t, loaded.SharesValid, c.SharesValid)
	assert.Equal(t, loaded.Features, c.Features)
	assert.Equal(t, loaded.FeaturesValid, c.FeaturesValid)

	assert.Assert(t, !loaded.Sockets["wayland"].Allowed())
	assert.DeepEqual(t, loaded.Sockets["wayland"].Conditionals(), []string{"has-wayland"})
	assert.Assert(t, loaded.Sockets["x11"].Reset())
	assert.Assert(t, loaded.Devices["dri"].Allowed())

	assert.Equal(t, loaded.Filesystems["host"], FilesystemReadWrite)
	assert.Equal(t, loaded.Filesystems["~/Documents"], FilesystemReadOnly)
	assert.Assert(t, loaded.Persistent[".mozilla"])

	assert.Equal(t, *loaded.EnvVars["LANG"], "en_US.UTF-8")
	v, ok := loaded.EnvVars["LD_PRELOAD"]
	assert.Assert(t, ok)
	assert.Assert(t, v == nil)

	assert.Equal(t, loaded.SessionBus["org.freedesktop.Notifications"], BusPolicyTalk)
	assert.Equal(t, loaded.SystemBus["org.freedesktop.UDisks2"], BusPolicyTalk)
	assert.DeepEqual(t, loaded.Generic["autostart.delay"], []string{"5"})
	assert.Equal(t, loaded.USBAllow["vnd:1234+prd:5678"], "vnd:1234+prd:5678")
	assert.Equal(t, loaded.USBHide["cls:03"], "cls:03")

	// a second round trip is byte-stable
	assert.Equal(t, saveString(t, loaded, false), saveString(t, c, false))
}

func TestContextFlattenDropsNegations(t *testing.T) {
	c := NewContext()
	c.SharesValid = ShareNetwork | ShareIPC
	c.Shares = ShareNetwork
	x11 := &Permission{}
	x11.Disallow()
	c.Sockets["x11"] = x11
	c.Filesystems["home"] = FilesystemNone
	c.Filesystems[FilesystemHostReset] = FilesystemNone
	assert.NilError(t, c.ApplyGenericPolicy("autostart.delay", "!5"))

	out := saveString(t, c, true)
	assert.Assert(t, !strings.Contains(out, "!"))
	assert.Assert(t, !strings.Contains(out, "x11"))
	assert.Assert(t, !strings.Contains(out, "host"))
	assert.Assert(t, strings.Contains(out, "network"))
}

func TestContextAddsPermissionsReflexive(t *testing.T) {
	c := loadContext(t, `[Context]
shared=network;
sockets=wayland;if:wayland:has-wayland;!x11;
devices=dri;
filesystems=host;~/Documents:ro;
[Session Bus Policy]
org.freedesktop.Notifications=talk
`)
	assert.Assert(t, !c.AddsPermissions(c))
	assert.Assert(t, !c.AddsPermissions(c.Clone()))
}

func TestContextAddsPermissions(t *testing.T) {
	base := loadContext(t, `[Context]
shared=network;
sockets=wayland;
filesystems=~/Documents:ro;
`)

	shares := base.Clone()
	shares.Shares |= ShareIPC
	shares.SharesValid |= ShareIPC
	assert.Assert(t, base.AddsPermissions(shares))

	// harmless features are ignored
	harmless := base.Clone()
	harmless.Features |= FeatureMultiarch | FeaturePerAppDevShm
	harmless.FeaturesValid |= FeatureMultiarch | FeaturePerAppDevShm
	assert.Assert(t, !base.AddsPermissions(harmless))

	devel := base.Clone()
	devel.Features |= FeatureDevel
	devel.FeaturesValid |= FeatureDevel
	assert.Assert(t, base.AddsPermissions(devel))

	socket := base.Clone()
	p := &Permission{}
	p.Allow()
	socket.Sockets["pulseaudio"] = p
	assert.Assert(t, base.AddsPermissions(socket))

	fsWider := base.Clone()
	fsWider.Filesystems["~/Documents"] = FilesystemReadWrite
	assert.Assert(t, base.AddsPermissions(fsWider))

	bus := base.Clone()
	assert.NilError(t, bus.SetSessionBusPolicy("org.example.Service", BusPolicyTalk))
	assert.Assert(t, base.AddsPermissions(bus))
}

func TestContextAddsPermissionsFallbackX11(t *testing.T) {
	old := loadContext(t, "[Context]\nsockets=x11;\n")
	next := loadContext(t, "[Context]\nsockets=x11;fallback-x11;\n")
	assert.Assert(t, !old.AddsPermissions(next))

	// without x11 granted, fallback-x11 is a real addition
	bare := NewContext()
	assert.Assert(t, bare.AddsPermissions(next))
}

func TestContextAddsPermissionsHostCeiling(t *testing.T) {
	host := loadContext(t, "[Context]\nfilesystems=host;\n")

	// host covers wider grants at or below its mode
	wide := loadContext(t, "[Context]\nfilesystems=/mnt/data;\n")
	assert.Assert(t, !host.AddsPermissions(wide))

	// but create exceeds host's read-write ceiling
	create := loadContext(t, "[Context]\nfilesystems=/mnt/data:create;\n")
	assert.Assert(t, host.AddsPermissions(create))
}

func TestContextAddsPermissionsUSB(t *testing.T) {
	base := NewContext()
	base.USBAllow["vnd:1234"] = "vnd:1234"
	base.USBHide["cls:03"] = "cls:03"

	same := base.Clone()
	assert.Assert(t, !base.AddsPermissions(same))

	added := base.Clone()
	added.USBAllow["vnd:9999"] = "vnd:9999"
	assert.Assert(t, base.AddsPermissions(added))

	unhidden := base.Clone()
	delete(unhidden.USBHide, "cls:03")
	assert.Assert(t, base.AddsPermissions(unhidden))
}

func TestContextResetAllMergeAddsNothing(t *testing.T) {
	c := loadContext(t, `[Context]
shared=network;
sockets=wayland;
filesystems=home;
`)
	resetAll := NewContext()
	resetAll.Filesystems[FilesystemHostReset] = FilesystemNone
	for name := range c.Sockets {
		p := &Permission{}
		p.Disallow()
		resetAll.Sockets[name] = p
	}

	merged := c.Clone()
	merged.Merge(resetAll)
	assert.Assert(t, !c.AddsPermissions(merged))
}

func TestContextApplyOptions(t *testing.T) {
	c := NewContext()
	assert.NilError(t, c.ApplyOptions([]string{
		"--share=network",
		"--socket=wayland",
		"--device=dri",
		"--filesystem=~/Documents:ro",
		"--env=LANG=C",
		"--unset-env=LD_PRELOAD",
		"--persist=.mozilla",
		"--talk-name=org.freedesktop.Notifications",
		"--usb=vnd:1234",
	}))
	assert.Equal(t, c.Shares, ShareNetwork)
	assert.Assert(t, c.Sockets["wayland"].Allowed())
	assert.Assert(t, c.Devices["dri"].Allowed())
	assert.Equal(t, c.Filesystems["~/Documents"], FilesystemReadOnly)
	assert.Equal(t, *c.EnvVars["LANG"], "C")
	assert.Assert(t, c.EnvVars["LD_PRELOAD"] == nil)
	assert.Equal(t, c.SessionBus["org.freedesktop.Notifications"], BusPolicyTalk)

	assert.Assert(t, c.ApplyOption("--socket") != nil)
	assert.Assert(t, c.ApplyOption("--bogus=1") != nil)
	assert.Assert(t, c.ApplyOption("--talk-name=notaname") != nil)
}

func TestContextExportArgs(t *testing.T) {
	c := NewContext()
	assert.NilError(t, c.ApplyOptions([]string{
		"--share=network",
		"--socket=wayland",
		"--filesystem=home",
	}))
	args := c.ExportArgs()
	assert.DeepEqual(t, args, []string{
		"--filesystem=home",
		"--share=network",
		"--socket=wayland",
	})
}
