// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/ini.v1"

	"github.com/flatpak/flatpak/pkg/fplog"
)

// Shares is the bitmask of coarse-grained host sharing.
type Shares uint32

const (
	// ShareNetwork shares the host network namespace.
	ShareNetwork Shares = 1 << iota
	// ShareIPC shares the host IPC namespace.
	ShareIPC
)

var shareNames = map[Shares]string{
	ShareNetwork: "network",
	ShareIPC:     "ipc",
}

// Features is the bitmask of opt-in sandbox features.
type Features uint32

const (
	// FeatureDevel allows debugging facilities inside the sandbox.
	FeatureDevel Features = 1 << iota
	// FeatureMultiarch allows running foreign-architecture binaries.
	FeatureMultiarch
	// FeatureBluetooth allows bluetooth sockets.
	FeatureBluetooth
	// FeatureCanbus allows CAN bus sockets.
	FeatureCanbus
	// FeaturePerAppDevShm gives the app its own /dev/shm.
	FeaturePerAppDevShm
)

var featureNames = map[Features]string{
	FeatureDevel:        "devel",
	FeatureMultiarch:    "multiarch",
	FeatureBluetooth:    "bluetooth",
	FeatureCanbus:       "canbus",
	FeaturePerAppDevShm: "per-app-dev-shm",
}

// harmlessFeatures do not count as new permissions when an update adds
// them; they widen compatibility, not capability.
const harmlessFeatures = FeatureMultiarch | FeaturePerAppDevShm

// BusPolicy ranks session/system bus access for one well-known name.
type BusPolicy int

const (
	// BusPolicyNone denies any access to the name.
	BusPolicyNone BusPolicy = iota
	// BusPolicySee allows seeing the name on the bus.
	BusPolicySee
	// BusPolicyTalk allows method calls to the name.
	BusPolicyTalk
	// BusPolicyOwn allows owning the name.
	BusPolicyOwn
)

var busPolicyNames = map[BusPolicy]string{
	BusPolicyNone: "none",
	BusPolicySee:  "see",
	BusPolicyTalk: "talk",
	BusPolicyOwn:  "own",
}

// InvalidDbusNameError records a malformed D-Bus name in a bus policy
// group.
type InvalidDbusNameError struct {
	Name string
}

func (e *InvalidDbusNameError) Error() string {
	return fmt.Sprintf("invalid dbus name %q", e.Name)
}

// IsInvalidDbusNameError returns a boolean indicating whether the error
// reports a malformed D-Bus name.
func IsInvalidDbusNameError(err error) bool {
	var ide *InvalidDbusNameError
	return errors.As(err, &ide)
}

func validDbusName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	// a well-known name needs at least two dot-separated elements;
	// a trailing .* glob is accepted for policy entries
	trimmed := strings.TrimSuffix(name, ".*")
	parts := strings.Split(trimmed, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Key-file group and key names of the serialized form.
const (
	groupContext       = "Context"
	groupSessionBus    = "Session Bus Policy"
	groupSystemBus     = "System Bus Policy"
	groupA11yBus       = "A11y Bus Policy"
	groupEnvironment   = "Environment"
	groupPolicyPrefix  = "Policy "
	groupUSB           = "USB Devices"
	keyShared          = "shared"
	keySockets         = "sockets"
	keyDevices         = "devices"
	keyFeatures        = "features"
	keyFilesystems     = "filesystems"
	keyPersistent      = "persistent"
	keyUnsetEnv        = "unset-environment"
	keyUSBEnumerable   = "enumerable-devices"
	keyUSBHidden       = "hidden-devices"
)

// Context aggregates every sandbox permission of one application or
// runtime layer. The zero value is a context that grants nothing and
// overrides nothing.
type Context struct {
	Shares        Shares
	SharesValid   Shares
	Features      Features
	FeaturesValid Features
	Sockets       map[string]*Permission
	Devices       map[string]*Permission
	EnvVars       map[string]*string
	Persistent    map[string]bool
	Filesystems   map[string]FilesystemMode
	SessionBus    map[string]BusPolicy
	SystemBus     map[string]BusPolicy
	A11yBus       map[string]BusPolicy
	Generic       map[string][]string
	USBAllow      map[string]string
	USBHide       map[string]string
}

// NewContext returns an empty context with all maps initialized.
func NewContext() *Context {
	return &Context{
		Sockets:     make(map[string]*Permission),
		Devices:     make(map[string]*Permission),
		EnvVars:     make(map[string]*string),
		Persistent:  make(map[string]bool),
		Filesystems: make(map[string]FilesystemMode),
		SessionBus:  make(map[string]BusPolicy),
		SystemBus:   make(map[string]BusPolicy),
		A11yBus:     make(map[string]BusPolicy),
		Generic:     make(map[string][]string),
		USBAllow:    make(map[string]string),
		USBHide:     make(map[string]string),
	}
}

// Clone returns an independent deep copy.
func (c *Context) Clone() *Context {
	out := NewContext()
	out.Shares, out.SharesValid = c.Shares, c.SharesValid
	out.Features, out.FeaturesValid = c.Features, c.FeaturesValid
	for k, v := range c.Sockets {
		out.Sockets[k] = v.Clone()
	}
	for k, v := range c.Devices {
		out.Devices[k] = v.Clone()
	}
	for k, v := range c.EnvVars {
		if v == nil {
			out.EnvVars[k] = nil
		} else {
			val := *v
			out.EnvVars[k] = &val
		}
	}
	for k := range c.Persistent {
		out.Persistent[k] = true
	}
	for k, v := range c.Filesystems {
		out.Filesystems[k] = v
	}
	for k, v := range c.SessionBus {
		out.SessionBus[k] = v
	}
	for k, v := range c.SystemBus {
		out.SystemBus[k] = v
	}
	for k, v := range c.A11yBus {
		out.A11yBus[k] = v
	}
	for k, v := range c.Generic {
		out.Generic[k] = append([]string(nil), v...)
	}
	for k, v := range c.USBAllow {
		out.USBAllow[k] = v
	}
	for k, v := range c.USBHide {
		out.USBHide[k] = v
	}
	return out
}

// SetSessionBusPolicy records a session bus policy entry after
// validating the name.
func (c *Context) SetSessionBusPolicy(name string, policy BusPolicy) error {
	if !validDbusName(name) {
		return &InvalidDbusNameError{Name: name}
	}
	c.SessionBus[name] = policy
	return nil
}

// SetSystemBusPolicy records a system bus policy entry after validating
// the name.
func (c *Context) SetSystemBusPolicy(name string, policy BusPolicy) error {
	if !validDbusName(name) {
		return &InvalidDbusNameError{Name: name}
	}
	c.SystemBus[name] = policy
	return nil
}

// ApplyGenericPolicy records one (key, value) policy entry. The key
// must be of the form subsystem.name. A value carrying a leading '!' is
// a removal intent: it drops the matching positive entry and survives
// into the merged output so later layers can see the removal.
func (c *Context) ApplyGenericPolicy(key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("policy key %q must be of the form subsystem.key", key)
	}
	payload := strings.TrimPrefix(value, "!")
	existing := c.Generic[key]
	next := make([]string, 0, len(existing)+1)
	for _, v := range existing {
		if strings.TrimPrefix(v, "!") == payload {
			continue
		}
		next = append(next, v)
	}
	c.Generic[key] = append(next, value)
	return nil
}

// Merge layers overlay on top of c. Filesystems honor host-reset: its
// presence in the overlay clears everything c had accumulated before a
// single overlay entry is copied.
func (c *Context) Merge(overlay *Context) {
	c.SharesValid |= overlay.SharesValid
	c.Shares = (c.Shares &^ overlay.SharesValid) | (overlay.Shares & overlay.SharesValid)
	c.FeaturesValid |= overlay.FeaturesValid
	c.Features = (c.Features &^ overlay.FeaturesValid) | (overlay.Features & overlay.FeaturesValid)

	for name, p := range overlay.Sockets {
		base, ok := c.Sockets[name]
		if !ok {
			base = &Permission{}
			c.Sockets[name] = base
		}
		base.Merge(p)
	}
	for name, p := range overlay.Devices {
		base, ok := c.Devices[name]
		if !ok {
			base = &Permission{}
			c.Devices[name] = base
		}
		base.Merge(p)
	}
	for name, v := range overlay.EnvVars {
		if v == nil {
			c.EnvVars[name] = nil
		} else {
			val := *v
			c.EnvVars[name] = &val
		}
	}
	for path := range overlay.Persistent {
		c.Persistent[path] = true
	}

	// check for host-reset before any entry is copied
	if mode, ok := overlay.Filesystems[FilesystemHostReset]; ok && mode == FilesystemNone {
		c.Filesystems = make(map[string]FilesystemMode)
	}
	for location, mode := range overlay.Filesystems {
		c.Filesystems[location] = mode
	}

	for name, p := range overlay.SessionBus {
		c.SessionBus[name] = p
	}
	for name, p := range overlay.SystemBus {
		c.SystemBus[name] = p
	}
	for name, p := range overlay.A11yBus {
		c.A11yBus[name] = p
	}
	for key, values := range overlay.Generic {
		for _, v := range values {
			// key shape was validated when the entry was recorded
			_ = c.ApplyGenericPolicy(key, v)
		}
	}
	for q, v := range overlay.USBAllow {
		c.USBAllow[q] = v
	}
	for q, v := range overlay.USBHide {
		c.USBHide[q] = v
	}
}

// AddsPermissions reports whether next grants anything c does not. It
// drives upgrade consent: a false result lets an update proceed without
// asking.
func (c *Context) AddsPermissions(next *Context) bool {
	if next.Shares&^c.Shares != 0 {
		return true
	}
	if (next.Features&^c.Features)&^harmlessFeatures != 0 {
		return true
	}

	// allowing x11 implicitly allows fallback-x11; upgrade the old side
	// so the comparison does not flag the implicit grant
	oldSockets := c.Sockets
	if x11, ok := oldSockets["x11"]; ok && x11.Allowed() {
		if fallback, ok := oldSockets["fallback-x11"]; !ok || !fallback.Allowed() {
			oldSockets = make(map[string]*Permission, len(c.Sockets))
			for k, v := range c.Sockets {
				oldSockets[k] = v
			}
			allowed := &Permission{}
			allowed.Allow()
			oldSockets["fallback-x11"] = allowed
		}
	}
	if permissionMapAdds(oldSockets, next.Sockets) {
		return true
	}
	if permissionMapAdds(c.Devices, next.Devices) {
		return true
	}

	if busMapAdds(c.SessionBus, next.SessionBus) ||
		busMapAdds(c.SystemBus, next.SystemBus) ||
		busMapAdds(c.A11yBus, next.A11yBus) {
		return true
	}

	for key, values := range next.Generic {
		for _, v := range values {
			if strings.HasPrefix(v, "!") {
				// removals never add permissions
				continue
			}
			if !lo.Contains(c.Generic[key], v) {
				return true
			}
		}
	}

	// host acts as a ceiling: an entry only adds permission when it
	// exceeds both its old mode and old host access. Even with home
	// granted, adding ~/foo can widen access through symlink traversal,
	// so subpaths are never subsumed by larger grants.
	hostMode := c.Filesystems[FilesystemHost]
	for location, mode := range next.Filesystems {
		if location == FilesystemHostReset {
			continue
		}
		if mode > c.Filesystems[location] && mode > hostMode {
			return true
		}
	}

	for q := range next.USBAllow {
		if _, ok := c.USBAllow[q]; !ok {
			return true
		}
	}
	for q := range c.USBHide {
		if _, ok := next.USBHide[q]; !ok {
			return true
		}
	}
	return false
}

func permissionMapAdds(old, next map[string]*Permission) bool {
	for name, p := range next {
		base, ok := old[name]
		if !ok {
			base = &Permission{}
		}
		if base.AddsPermissions(p) {
			return true
		}
	}
	return false
}

func busMapAdds(old, next map[string]BusPolicy) bool {
	for name, policy := range next {
		if policy > old[name] {
			return true
		}
	}
	return false
}

func serializeBitmask(bits, valid uint32, names map[uint32]string, flatten bool) string {
	keys := make([]uint32, 0, len(names))
	for bit := range names {
		keys = append(keys, bit)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var tokens []string
	for _, bit := range keys {
		switch {
		case valid&bit == 0:
		case bits&bit != 0:
			tokens = append(tokens, names[bit])
		case !flatten:
			tokens = append(tokens, "!"+names[bit])
		}
	}
	return joinList(tokens)
}

func parseBitmask(value string, byName map[string]uint32) (bits, valid uint32) {
	for _, token := range strings.Split(value, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		name, negated := strings.CutPrefix(token, "!")
		bit, ok := byName[name]
		if !ok {
			fplog.Warningf("Unknown context token %q, ignoring", token)
			continue
		}
		valid |= bit
		if negated {
			bits &^= bit
		} else {
			bits |= bit
		}
	}
	return bits, valid
}

func invertNames[T ~uint32](names map[T]string) (byBit map[uint32]string, byName map[string]uint32) {
	byBit = make(map[uint32]string, len(names))
	byName = make(map[string]uint32, len(names))
	for bit, name := range names {
		byBit[uint32(bit)] = name
		byName[name] = uint32(bit)
	}
	return byBit, byName
}

// Save serializes the context into a key-file. Flatten mode is for
// contexts that will never be layered under another: negations, reset
// markers and none-mode entries are dropped.
func (c *Context) Save(flatten bool) (*ini.File, error) {
	f := ini.Empty()
	ctx, err := f.NewSection(groupContext)
	if err != nil {
		return nil, err
	}

	shareBits, _ := invertNames(shareNames)
	featureBits, _ := invertNames(featureNames)
	if v := serializeBitmask(uint32(c.Shares), uint32(c.SharesValid), shareBits, flatten); v != "" {
		ctx.Key(keyShared).SetValue(v)
	}
	if v := serializeBitmask(uint32(c.Features), uint32(c.FeaturesValid), featureBits, flatten); v != "" {
		ctx.Key(keyFeatures).SetValue(v)
	}
	if v := serializePermissionMap(c.Sockets, flatten); v != "" {
		ctx.Key(keySockets).SetValue(v)
	}
	if v := serializePermissionMap(c.Devices, flatten); v != "" {
		ctx.Key(keyDevices).SetValue(v)
	}
	if v := c.serializeFilesystems(flatten); v != "" {
		ctx.Key(keyFilesystems).SetValue(v)
	}
	if len(c.Persistent) > 0 {
		paths := lo.Keys(c.Persistent)
		sort.Strings(paths)
		ctx.Key(keyPersistent).SetValue(joinList(paths))
	}

	var unset []string
	for name, v := range c.EnvVars {
		if v == nil {
			unset = append(unset, name)
		}
	}
	if len(unset) > 0 {
		sort.Strings(unset)
		ctx.Key(keyUnsetEnv).SetValue(joinList(unset))
	}

	if err := saveBusPolicy(f, groupSessionBus, c.SessionBus); err != nil {
		return nil, err
	}
	if err := saveBusPolicy(f, groupSystemBus, c.SystemBus); err != nil {
		return nil, err
	}
	if err := saveBusPolicy(f, groupA11yBus, c.A11yBus); err != nil {
		return nil, err
	}

	if len(c.EnvVars) > 0 {
		env, err := f.NewSection(groupEnvironment)
		if err != nil {
			return nil, err
		}
		names := lo.Keys(c.EnvVars)
		sort.Strings(names)
		for _, name := range names {
			if v := c.EnvVars[name]; v != nil {
				env.Key(name).SetValue(*v)
			} else {
				// empty value for older readers; newer readers prefer
				// the unset-environment list
				env.Key(name).SetValue("")
			}
		}
	}

	subsystems := make(map[string][]string)
	for key := range c.Generic {
		subsystem, _, _ := strings.Cut(key, ".")
		subsystems[subsystem] = append(subsystems[subsystem], key)
	}
	for _, subsystem := range sortedKeys(subsystems) {
		section, err := f.NewSection(groupPolicyPrefix + subsystem)
		if err != nil {
			return nil, err
		}
		keys := subsystems[subsystem]
		sort.Strings(keys)
		for _, key := range keys {
			_, name, _ := strings.Cut(key, ".")
			values := c.Generic[key]
			if flatten {
				values = lo.Filter(values, func(v string, _ int) bool {
					return !strings.HasPrefix(v, "!")
				})
			}
			if len(values) > 0 {
				section.Key(name).SetValue(joinList(values))
			}
		}
	}

	if len(c.USBAllow) > 0 || len(c.USBHide) > 0 {
		usb, err := f.NewSection(groupUSB)
		if err != nil {
			return nil, err
		}
		if len(c.USBAllow) > 0 {
			usb.Key(keyUSBEnumerable).SetValue(joinList(sortedUSBQueries(c.USBAllow)))
		}
		if len(c.USBHide) > 0 {
			usb.Key(keyUSBHidden).SetValue(joinList(sortedUSBQueries(c.USBHide)))
		}
	}
	return f, nil
}

func (c *Context) serializeFilesystems(flatten bool) string {
	var tokens []string
	// host-reset must come first so a merging reader clears before it
	// copies the remaining entries
	if mode, ok := c.Filesystems[FilesystemHostReset]; ok && mode == FilesystemNone && !flatten {
		tokens = append(tokens, formatFilesystem(FilesystemHostReset, mode))
	}
	locations := lo.Keys(c.Filesystems)
	sort.Strings(locations)
	for _, location := range locations {
		if location == FilesystemHostReset {
			continue
		}
		mode := c.Filesystems[location]
		if mode == FilesystemNone && flatten {
			continue
		}
		tokens = append(tokens, formatFilesystem(location, mode))
	}
	return joinList(tokens)
}

func saveBusPolicy(f *ini.File, group string, policies map[string]BusPolicy) error {
	if len(policies) == 0 {
		return nil
	}
	section, err := f.NewSection(group)
	if err != nil {
		return err
	}
	names := lo.Keys(policies)
	sort.Strings(names)
	for _, name := range names {
		section.Key(name).SetValue(busPolicyNames[policies[name]])
	}
	return nil
}

func sortedKeys(m map[string][]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func sortedUSBQueries(m map[string]string) []string {
	queries := lo.Values(m)
	sort.Strings(queries)
	return queries
}

// keyFileLoadOptions keep semicolon lists intact: GLib key-files have
// no inline comments and use '=' as the only delimiter.
var keyFileLoadOptions = ini.LoadOptions{
	IgnoreInlineComment: true,
	KeyValueDelimiters:  "=",
}

// LoadKeyFile parses key-file data with the options every metadata
// consumer in this module must use.
func LoadKeyFile(data []byte) (*ini.File, error) {
	return ini.LoadSources(keyFileLoadOptions, data)
}

// WriteKeyFile renders an ini.File in GLib key-file form: no value
// quoting, one key=value per line. ini's own writer would backquote
// values containing semicolons, which list values always do.
func WriteKeyFile(f *ini.File) []byte {
	var buf strings.Builder
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection && len(section.Keys()) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString("[" + section.Name() + "]\n")
		for _, key := range section.Keys() {
			buf.WriteString(key.Name() + "=" + key.Value() + "\n")
		}
	}
	return []byte(buf.String())
}

// SaveData serializes the context to key-file bytes.
func (c *Context) SaveData(flatten bool) ([]byte, error) {
	f, err := c.Save(flatten)
	if err != nil {
		return nil, err
	}
	return WriteKeyFile(f), nil
}

// Load parses a serialized context from key-file data and loads it
// into c as LoadFile does.
func (c *Context) Load(data []byte) error {
	f, err := LoadKeyFile(data)
	if err != nil {
		return fmt.Errorf("while parsing context metadata: %w", err)
	}
	return c.LoadFile(f)
}

// LoadFile loads the context groups of an already-parsed key-file into
// c. Shares, features, sockets and devices present in the file replace
// c's values; filesystems, persistent paths, environment, bus, policy
// and USB entries are added to c's own. Groups the context does not own
// are ignored so metadata files can carry application groups alongside.
func (c *Context) LoadFile(f *ini.File) error {
	if ctx, err := f.GetSection(groupContext); err == nil {
		_, shareByName := invertNames(shareNames)
		_, featureByName := invertNames(featureNames)
		if ctx.HasKey(keyShared) {
			bits, valid := parseBitmask(ctx.Key(keyShared).String(), shareByName)
			c.Shares, c.SharesValid = Shares(bits), Shares(valid)
		}
		if ctx.HasKey(keyFeatures) {
			bits, valid := parseBitmask(ctx.Key(keyFeatures).String(), featureByName)
			c.Features, c.FeaturesValid = Features(bits), Features(valid)
		}
		if ctx.HasKey(keySockets) {
			c.Sockets = parsePermissionList(ctx.Key(keySockets).String())
		}
		if ctx.HasKey(keyDevices) {
			c.Devices = parsePermissionList(ctx.Key(keyDevices).String())
		}
		if ctx.HasKey(keyFilesystems) {
			if err := c.loadFilesystems(ctx.Key(keyFilesystems).String()); err != nil {
				return err
			}
		}
		for _, path := range splitList(ctx.Key(keyPersistent).String()) {
			c.Persistent[path] = true
		}
		for _, name := range splitList(ctx.Key(keyUnsetEnv).String()) {
			c.EnvVars[name] = nil
		}
	}

	if err := loadBusPolicy(f, groupSessionBus, c.SessionBus); err != nil {
		return err
	}
	if err := loadBusPolicy(f, groupSystemBus, c.SystemBus); err != nil {
		return err
	}
	if err := loadBusPolicy(f, groupA11yBus, c.A11yBus); err != nil {
		return err
	}

	if env, err := f.GetSection(groupEnvironment); err == nil {
		for _, key := range env.Keys() {
			if v, ok := c.EnvVars[key.Name()]; ok && v == nil {
				// unset-environment wins over the legacy empty value
				continue
			}
			value := key.Value()
			c.EnvVars[key.Name()] = &value
		}
	}

	for _, section := range f.Sections() {
		subsystem, ok := strings.CutPrefix(section.Name(), groupPolicyPrefix)
		if !ok {
			continue
		}
		for _, key := range section.Keys() {
			for _, value := range splitList(key.Value()) {
				if err := c.ApplyGenericPolicy(subsystem+"."+key.Name(), value); err != nil {
					return err
				}
			}
		}
	}

	if usb, err := f.GetSection(groupUSB); err == nil {
		for _, q := range splitList(usb.Key(keyUSBEnumerable).String()) {
			c.USBAllow[q] = q
		}
		for _, q := range splitList(usb.Key(keyUSBHidden).String()) {
			c.USBHide[q] = q
		}
	}
	return nil
}

func (c *Context) loadFilesystems(value string) error {
	for _, token := range splitFilesystemList(value) {
		location, mode, _, err := ParseFilesystem(token)
		if err != nil {
			return err
		}
		c.Filesystems[location] = mode
	}
	return nil
}

// splitFilesystemList splits a semicolon list while honoring backslash
// escapes inside tokens.
func splitFilesystemList(value string) []string {
	var out []string
	var cur strings.Builder
	escaped := false
	for _, r := range value {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == ';':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func splitList(value string) []string {
	var out []string
	for _, token := range strings.Split(value, ";") {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, token)
		}
	}
	return out
}

func loadBusPolicy(f *ini.File, group string, into map[string]BusPolicy) error {
	section, err := f.GetSection(group)
	if err != nil {
		return nil
	}
	for _, key := range section.Keys() {
		if !validDbusName(key.Name()) {
			return &InvalidDbusNameError{Name: key.Name()}
		}
		var policy BusPolicy
		found := false
		for p, name := range busPolicyNames {
			if name == key.Value() {
				policy, found = p, true
				break
			}
		}
		if !found {
			fplog.Warningf("Unknown bus policy %q for %s, treating as none", key.Value(), key.Name())
		}
		into[key.Name()] = policy
	}
	return nil
}
