// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ApplyOption applies one --key=value permission option, the syntax
// used by manifest finish-args and the command line.
func (c *Context) ApplyOption(option string) error {
	if !strings.HasPrefix(option, "--") {
		return fmt.Errorf("not a permission option: %q", option)
	}
	name, value, hasValue := strings.Cut(strings.TrimPrefix(option, "--"), "=")

	needValue := func() (string, error) {
		if !hasValue || value == "" {
			return "", fmt.Errorf("option --%s requires a value", name)
		}
		return value, nil
	}

	switch name {
	case "share", "unshare":
		v, err := needValue()
		if err != nil {
			return err
		}
		_, byName := invertNames(shareNames)
		bit, ok := byName[v]
		if !ok {
			return fmt.Errorf("unknown share type %q", v)
		}
		c.SharesValid |= Shares(bit)
		if name == "share" {
			c.Shares |= Shares(bit)
		} else {
			c.Shares &^= Shares(bit)
		}
	case "allow", "disallow":
		v, err := needValue()
		if err != nil {
			return err
		}
		_, byName := invertNames(featureNames)
		bit, ok := byName[v]
		if !ok {
			return fmt.Errorf("unknown feature %q", v)
		}
		c.FeaturesValid |= Features(bit)
		if name == "allow" {
			c.Features |= Features(bit)
		} else {
			c.Features &^= Features(bit)
		}
	case "socket", "nosocket":
		v, err := needValue()
		if err != nil {
			return err
		}
		p, ok := c.Sockets[v]
		if !ok {
			p = &Permission{}
			c.Sockets[v] = p
		}
		if name == "socket" {
			p.Allow()
		} else {
			p.Disallow()
		}
	case "device", "nodevice":
		v, err := needValue()
		if err != nil {
			return err
		}
		p, ok := c.Devices[v]
		if !ok {
			p = &Permission{}
			c.Devices[v] = p
		}
		if name == "device" {
			p.Allow()
		} else {
			p.Disallow()
		}
	case "filesystem", "nofilesystem":
		v, err := needValue()
		if err != nil {
			return err
		}
		if name == "nofilesystem" && !strings.HasPrefix(v, "!") {
			v = "!" + v
		}
		location, mode, _, err := ParseFilesystem(v)
		if err != nil {
			return err
		}
		c.Filesystems[location] = mode
	case "env":
		v, err := needValue()
		if err != nil {
			return err
		}
		envName, envValue, ok := strings.Cut(v, "=")
		if !ok || envName == "" {
			return fmt.Errorf("--env requires NAME=VALUE, got %q", v)
		}
		c.EnvVars[envName] = &envValue
	case "unset-env":
		v, err := needValue()
		if err != nil {
			return err
		}
		c.EnvVars[v] = nil
	case "persist":
		v, err := needValue()
		if err != nil {
			return err
		}
		c.Persistent[v] = true
	case "talk-name":
		v, err := needValue()
		if err != nil {
			return err
		}
		return c.SetSessionBusPolicy(v, BusPolicyTalk)
	case "own-name":
		v, err := needValue()
		if err != nil {
			return err
		}
		return c.SetSessionBusPolicy(v, BusPolicyOwn)
	case "no-talk-name":
		v, err := needValue()
		if err != nil {
			return err
		}
		return c.SetSessionBusPolicy(v, BusPolicyNone)
	case "system-talk-name":
		v, err := needValue()
		if err != nil {
			return err
		}
		return c.SetSystemBusPolicy(v, BusPolicyTalk)
	case "system-own-name":
		v, err := needValue()
		if err != nil {
			return err
		}
		return c.SetSystemBusPolicy(v, BusPolicyOwn)
	case "add-policy", "remove-policy":
		v, err := needValue()
		if err != nil {
			return err
		}
		key, policyValue, ok := strings.Cut(v, "=")
		if !ok {
			return fmt.Errorf("policy option requires KEY=VALUE, got %q", v)
		}
		if name == "remove-policy" && !strings.HasPrefix(policyValue, "!") {
			policyValue = "!" + policyValue
		}
		return c.ApplyGenericPolicy(key, policyValue)
	case "usb":
		v, err := needValue()
		if err != nil {
			return err
		}
		c.USBAllow[v] = v
	case "nousb":
		v, err := needValue()
		if err != nil {
			return err
		}
		c.USBHide[v] = v
	default:
		return fmt.Errorf("unknown permission option --%s", name)
	}
	return nil
}

// ApplyOptions applies a list of permission options, stopping at the
// first failure.
func (c *Context) ApplyOptions(options []string) error {
	for _, option := range options {
		if err := c.ApplyOption(option); err != nil {
			return err
		}
	}
	return nil
}

// ExportArgs renders the effective context back into the option syntax,
// suitable for constructing the sandbox launcher command line. Grants
// are emitted together with --unset-env for unset variables and --nousb
// for hidden USB devices; none-mode filesystems, the host reset marker,
// disallowed sockets and devices, bus names below talk and "!" policy
// values are left out. The context is expected to be flattened.
func (c *Context) ExportArgs() []string {
	var args []string

	for bit, name := range shareNames {
		if c.SharesValid&bit != 0 && c.Shares&bit != 0 {
			args = append(args, "--share="+name)
		}
	}
	for bit, name := range featureNames {
		if c.FeaturesValid&bit != 0 && c.Features&bit != 0 {
			args = append(args, "--allow="+name)
		}
	}
	for name, p := range c.Sockets {
		if p.Allowed() {
			args = append(args, "--socket="+name)
		}
	}
	for name, p := range c.Devices {
		if p.Allowed() {
			args = append(args, "--device="+name)
		}
	}
	for location, mode := range c.Filesystems {
		if mode == FilesystemNone || location == FilesystemHostReset {
			continue
		}
		args = append(args, "--filesystem="+formatFilesystem(location, mode))
	}
	for name, v := range c.EnvVars {
		if v != nil {
			args = append(args, "--env="+name+"="+*v)
		} else {
			args = append(args, "--unset-env="+name)
		}
	}
	for path := range c.Persistent {
		args = append(args, "--persist="+path)
	}
	for name, policy := range c.SessionBus {
		switch policy {
		case BusPolicyTalk:
			args = append(args, "--talk-name="+name)
		case BusPolicyOwn:
			args = append(args, "--own-name="+name)
		}
	}
	for name, policy := range c.SystemBus {
		switch policy {
		case BusPolicyTalk:
			args = append(args, "--system-talk-name="+name)
		case BusPolicyOwn:
			args = append(args, "--system-own-name="+name)
		}
	}
	for key, values := range c.Generic {
		positive := lo.Filter(values, func(v string, _ int) bool {
			return !strings.HasPrefix(v, "!")
		})
		for _, v := range positive {
			args = append(args, "--add-policy="+key+"="+v)
		}
	}
	for q := range c.USBAllow {
		args = append(args, "--usb="+q)
	}
	for q := range c.USBHide {
		args = append(args, "--nousb="+q)
	}

	sort.Strings(args)
	return args
}
