// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package transaction turns install/update/bundle requests into an
// ordered plan of operations over the local repository and installed
// tree, and executes it with per-operation failure policies.
package transaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/flatpak/flatpak/internal/pkg/installation"
	"github.com/flatpak/flatpak/pkg/fplog"
	"github.com/flatpak/flatpak/pkg/fpref"
	"github.com/flatpak/flatpak/pkg/sandbox"
)

// hostVersion gates metadata carrying a required-flatpak field.
var hostVersion = semver.MustParse("1.16.0")

const (
	groupApplication   = "Application"
	groupRuntime       = "Runtime"
	keyRuntime         = "runtime"
	keyRequiredVersion = "required-flatpak"
)

// Flags select transaction-wide behavior.
type Flags struct {
	NoInteraction  bool
	NoPull         bool
	NoDeploy       bool
	NoStaticDeltas bool
	AddDeps        bool
	AddRelated     bool
	Reinstall      bool
}

// Transaction is the plan builder and executor for one user
// invocation.
type Transaction struct {
	dir        *installation.Installation
	systemDirs []*installation.Installation
	backend    Backend
	flags      Flags
	prompter   Prompter
	progress   Progress

	opsByRef map[fpref.Ref]int
	opsOrder []*Operation

	remoteStates       map[string]*RemoteState
	addedOriginRemotes []string
}

// New creates an empty transaction against dir. systemDirs are the
// other configured installations consulted when deciding whether a
// runtime is installed somewhere visible.
func New(dir *installation.Installation, systemDirs []*installation.Installation, backend Backend, flags Flags) *Transaction {
	return &Transaction{
		dir:          dir,
		systemDirs:   systemDirs,
		backend:      backend,
		flags:        flags,
		progress:     NullProgress{},
		opsByRef:     make(map[fpref.Ref]int),
		remoteStates: make(map[string]*RemoteState),
	}
}

// SetProgress installs the progress sink execution reports through.
func (t *Transaction) SetProgress(p Progress) {
	t.progress = p
}

// SetPrompter installs the interactive chooser used when a runtime is
// available from several remotes.
func (t *Transaction) SetPrompter(p Prompter) {
	t.prompter = p
}

// IsEmpty reports whether the plan holds no operations.
func (t *Transaction) IsEmpty() bool {
	return len(t.opsOrder) == 0
}

// ContainsRef reports whether the plan already has an operation for
// the ref.
func (t *Transaction) ContainsRef(ref fpref.Ref) bool {
	_, ok := t.opsByRef[ref]
	return ok
}

// Operations exposes the plan in execution order.
func (t *Transaction) Operations() []*Operation {
	return t.opsOrder
}

// addOp is the single point through which operations enter the plan.
// A second add for the same ref merges subpath restrictions into the
// existing operation; it may sharpen an install-or-update into an
// install but never flips install and update into each other.
func (t *Transaction) addOp(remote string, ref fpref.Ref, subpaths []string, commit, bundlePath string, kind OpKind) *Operation {
	if idx, ok := t.opsByRef[ref]; ok {
		op := t.opsOrder[idx]
		op.subpaths = mergeSubpaths(op.subpaths, subpaths)
		if op.kind == OpInstallOrUpdate && kind == OpInstall {
			op.kind = OpInstall
		}
		return op
	}
	op := &Operation{
		kind:       kind,
		remote:     remote,
		ref:        ref,
		subpaths:   subpaths,
		commit:     commit,
		bundlePath: bundlePath,
		sourceOp:   noSourceOp,
	}
	// dependencies enter the plan before their dependents, so the
	// recorded order is already execution order
	t.opsOrder = append(t.opsOrder, op)
	t.opsByRef[ref] = len(t.opsOrder) - 1
	return op
}

func (t *Transaction) opIndex(op *Operation) int {
	return t.opsByRef[op.ref]
}

// AddInstall queues installing ref from remote.
func (t *Transaction) AddInstall(ctx context.Context, remote string, ref fpref.Ref, subpaths []string) error {
	if subpaths == nil {
		subpaths = []string{}
	}
	return t.addRef(ctx, OpInstall, remote, ref, subpaths, "", "", nil)
}

// AddUpdate queues updating an installed ref, optionally pinning a
// commit.
func (t *Transaction) AddUpdate(ctx context.Context, ref fpref.Ref, subpaths []string, commit string) error {
	return t.addRef(ctx, OpUpdate, "", ref, subpaths, commit, "", nil)
}

// AddInstallBundle queues installing a local bundle file.
func (t *Transaction) AddInstallBundle(ctx context.Context, path string) error {
	info, err := t.backend.LoadBundle(path)
	if err != nil {
		return errors.Wrapf(err, "loading bundle %s", path)
	}
	origin := info.Origin
	if origin == "" {
		origin = info.Ref.ID() + "-origin"
	}
	return t.addRef(ctx, OpBundle, origin, info.Ref, []string{}, "", path, info.Metadata)
}

// AddInstallOCI queues installing from an OCI image location.
func (t *Transaction) AddInstallOCI(ctx context.Context, uri, tag string) error {
	ref, remote, err := t.backend.ResolveOCI(ctx, t.dir, uri, tag)
	if err != nil {
		return errors.Wrapf(err, "resolving OCI image %s", uri)
	}
	t.addedOriginRemotes = append(t.addedOriginRemotes, remote)
	return t.addRef(ctx, OpInstall, remote, ref, []string{}, "", "", nil)
}

// addRef is the gate all requests flow through: origin handling,
// installed-state validation, metadata checks, dependency and related
// discovery, and finally the plan append.
func (t *Transaction) addRef(ctx context.Context, kind OpKind, remote string, ref fpref.Ref, subpaths []string, commit, bundlePath string, metadata []byte) error {
	if strings.HasPrefix(remote, "file://") {
		origin, err := t.ensureOriginRemote(ref, remote)
		if err != nil {
			return err
		}
		remote = origin
	}

	switch kind {
	case OpUpdate:
		deploy, err := t.dir.Deployed(ref)
		if err != nil {
			if errors.Is(err, installation.ErrNotDeployed) {
				return errors.Wrapf(ErrNotInstalled, "%s", ref.PrefString())
			}
			return err
		}
		if r, err := t.dir.Remote(deploy.Origin); err == nil && r.Disabled {
			fplog.Warningf("Not updating %s: origin remote %s is disabled", ref.PrefString(), deploy.Origin)
			return nil
		}
		remote = deploy.Origin
	case OpInstall:
		if remote == "" {
			return fmt.Errorf("no remote given for install of %s", ref.PrefString())
		}
		if deploy, err := t.dir.Deployed(ref); err == nil {
			if deploy.Origin != remote {
				return errors.Wrapf(ErrAlreadyInstalledFromOtherRemote, "%s is installed from %s", ref.PrefString(), deploy.Origin)
			}
			if !t.flags.Reinstall {
				fplog.Infof("%s already installed from %s, skipping", ref.PrefString(), remote)
				return nil
			}
		}
	case OpBundle:
		// bundles may install fresh or replace an existing deploy
	}

	var state *RemoteState
	if kind != OpBundle {
		var err error
		state, err = t.ensureRemoteState(ctx, remote)
		if err != nil {
			return err
		}
	}

	if metadata == nil && state != nil {
		if entry := state.Lookup(ref); entry != nil {
			metadata = entry.Metadata
		} else {
			fplog.Warningf("No metadata for %s in remote %s", ref.PrefString(), remote)
		}
	}

	var meta *ini.File
	if metadata != nil {
		var err error
		meta, err = sandbox.LoadKeyFile(metadata)
		if err != nil {
			return errors.Wrapf(err, "parsing metadata of %s", ref.PrefString())
		}
		if err := t.checkRequiredVersion(ref, meta); err != nil {
			return err
		}
	}

	var runtimeOp *Operation
	if t.flags.AddDeps && ref.IsApp() && meta != nil {
		var err error
		runtimeOp, err = t.addDeps(ctx, state, remote, meta)
		if err != nil {
			return err
		}
	}

	op := t.addOp(remote, ref, subpaths, commit, bundlePath, kind)
	if runtimeOp != nil && op.sourceOp == noSourceOp {
		op.sourceOp = t.opIndex(runtimeOp)
	}

	if t.flags.AddRelated && state != nil {
		t.addRelated(ctx, state, remote, ref, op)
	}
	return nil
}

// ensureOriginRemote registers an ephemeral remote for a file:// URL,
// named after the ref it was created for and pruned when the
// transaction finishes.
func (t *Transaction) ensureOriginRemote(ref fpref.Ref, url string) (string, error) {
	name := ref.ID() + "-origin"
	err := t.dir.AddRemote(&installation.Remote{
		Name:      name,
		URL:       url,
		Ephemeral: true,
	})
	if err != nil {
		return "", errors.Wrapf(err, "adding origin remote for %s", ref.PrefString())
	}
	t.addedOriginRemotes = append(t.addedOriginRemotes, name)
	return name, nil
}

func (t *Transaction) ensureRemoteState(ctx context.Context, remote string) (*RemoteState, error) {
	if state, ok := t.remoteStates[remote]; ok {
		return state, nil
	}
	state, err := t.backend.FetchRemoteState(ctx, t.dir, remote)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteStateUnavailable, "%s: %v", remote, err)
	}
	t.remoteStates[remote] = state
	return state, nil
}

func (t *Transaction) checkRequiredVersion(ref fpref.Ref, meta *ini.File) error {
	group := groupRuntime
	if ref.IsApp() {
		group = groupApplication
	}
	section, err := meta.GetSection(group)
	if err != nil {
		return nil
	}
	required := section.Key(keyRequiredVersion).String()
	if required == "" {
		return nil
	}
	requiredVersion, err := semver.Parse(required)
	if err != nil {
		fplog.Warningf("Ignoring malformed required-flatpak %q for %s", required, ref.PrefString())
		return nil
	}
	if hostVersion.LT(requiredVersion) {
		return &VersionTooOldError{Ref: ref, Required: required}
	}
	return nil
}

// addDeps queues the runtime an app declares. An uninstalled runtime
// becomes an install-or-update from whichever remote carries it; one
// installed here becomes a non-fatal update at its current origin, and
// one installed only in another visible installation adds nothing.
func (t *Transaction) addDeps(ctx context.Context, state *RemoteState, remote string, meta *ini.File) (*Operation, error) {
	section, err := meta.GetSection(groupApplication)
	if err != nil {
		return nil, nil
	}
	runtime := section.Key(keyRuntime).String()
	if runtime == "" {
		return nil, nil
	}
	runtimeRef, err := fpref.Parse("runtime/" + runtime)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing declared runtime %q", runtime)
	}

	if t.ContainsRef(runtimeRef) {
		return nil, nil
	}

	var op *Operation
	switch {
	case !t.refIsInstalled(runtimeRef):
		chosen, err := t.chooseRuntimeRemote(ctx, runtimeRef)
		if err != nil {
			return nil, err
		}
		op = t.addOp(chosen, runtimeRef, nil, "", "", OpInstallOrUpdate)
	case t.dir.IsDeployed(runtimeRef):
		deploy, err := t.dir.Deployed(runtimeRef)
		if err != nil {
			return nil, err
		}
		op = t.addOp(deploy.Origin, runtimeRef, nil, "", "", OpUpdate)
		op.nonFatal = true
	default:
		// installed in another visible installation, nothing to do
		return nil, nil
	}

	if t.flags.AddRelated {
		if runtimeState, err := t.ensureRemoteState(ctx, op.remote); err == nil {
			t.addRelated(ctx, runtimeState, op.remote, runtimeRef, op)
		} else {
			fplog.Warningf("Cannot query related refs of %s: %v", runtimeRef.PrefString(), err)
		}
	}
	return op, nil
}

// refIsInstalled walks the current installation, then every system
// installation except duplicates of it.
func (t *Transaction) refIsInstalled(ref fpref.Ref) bool {
	if t.dir.IsDeployed(ref) {
		return true
	}
	for _, dir := range t.systemDirs {
		if dir.SameAs(t.dir) {
			continue
		}
		if dir.IsDeployed(ref) {
			return true
		}
	}
	return false
}

func (t *Transaction) chooseRuntimeRemote(ctx context.Context, ref fpref.Ref) (string, error) {
	remotes, err := t.backend.FindRuntimeRemotes(ctx, t.dir, ref)
	if err != nil {
		return "", err
	}
	if len(remotes) == 0 {
		return "", errors.Wrapf(ErrRuntimeUnavailable, "%s", ref.PrefString())
	}
	if len(remotes) == 1 || t.flags.NoInteraction {
		return remotes[0], nil
	}
	if t.prompter == nil {
		return remotes[0], nil
	}
	choice, err := t.prompter.Choose(
		fmt.Sprintf("Required runtime %s is available from several remotes. Which? 0=abort", ref.PrefString()),
		remotes,
	)
	if err != nil {
		return "", err
	}
	if choice < 0 || choice >= len(remotes) {
		return "", ErrAborted
	}
	return remotes[choice], nil
}

// addRelated queues the downloadable extensions a ref declares as
// non-fatal install-or-updates. Lookup failures are warnings.
func (t *Transaction) addRelated(ctx context.Context, state *RemoteState, remote string, ref fpref.Ref, sourceOp *Operation) {
	related, err := t.backend.RelatedRefs(ctx, state, ref, t.flags.NoPull)
	if err != nil {
		fplog.Warningf("Cannot list related refs of %s: %v", ref.PrefString(), err)
		return
	}
	for _, rel := range related {
		if !rel.Download {
			continue
		}
		op := t.addOp(remote, rel.Ref, rel.Subpaths, "", "", OpInstallOrUpdate)
		op.nonFatal = true
		if op.sourceOp == noSourceOp && sourceOp != nil {
			op.sourceOp = t.opIndex(sourceOp)
		}
	}
}

// UpdateMetadata refreshes the summary caches: of every enabled
// configured remote when allRemotes is set, otherwise of the remotes
// the plan already touched. Individual failures are warnings.
func (t *Transaction) UpdateMetadata(ctx context.Context, allRemotes bool) error {
	var names []string
	if allRemotes {
		remotes, err := t.dir.ListRemotes()
		if err != nil {
			return err
		}
		for _, r := range remotes {
			if !r.Disabled {
				names = append(names, r.Name)
			}
		}
	} else {
		for name := range t.remoteStates {
			names = append(names, name)
		}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := t.backend.FetchRemoteState(ctx, t.dir, name)
		if err != nil {
			fplog.Warningf("Cannot update metadata for remote %s: %v", name, err)
			continue
		}
		t.remoteStates[name] = state
	}
	return nil
}

// Run executes the plan. The returned error is nil when every operation
// that was not skipped either succeeded or is non-fatal; failed
// non-fatal operations are only logged as warnings.
func (t *Transaction) Run(ctx context.Context, stopOnFirstError bool) error {
	t.progress.Start(len(t.opsOrder))
	someFailed := false

	for _, op := range t.opsOrder {
		// resolve install-or-update against the installed state,
		// adopting the installed origin over whatever was recorded
		if op.kind == OpInstallOrUpdate {
			if deploy, err := t.dir.Deployed(op.ref); err == nil {
				op.kind = OpUpdate
				op.remote = deploy.Origin
			} else {
				op.kind = OpInstall
			}
		}

		if t.skipForSourceOp(op) {
			fplog.Infof("Skipping %s of %s: dependency was not installed", op.kind, op.ref.PrefString())
			op.state = OpStateSkipped
			continue
		}

		t.progress.OpStart(op.ref.PrefString())
		err := t.execute(ctx, op)
		t.progress.OpEnd(err)

		if err != nil {
			opErr := &OperationError{Ref: op.ref, OpName: op.kind.String(), Err: err}
			op.state = OpStateFailed
			switch {
			case op.nonFatal:
				fplog.Warningf("Warning: %v", opErr)
			case stopOnFirstError:
				t.finish(ctx)
				return opErr
			default:
				fplog.Errorf("Error: %v", opErr)
				someFailed = true
			}
			continue
		}

		op.state = OpStateSucceeded
		t.warnEndOfLife(op.ref)
	}

	t.finish(ctx)
	if someFailed {
		return ErrSomeOperationsFailed
	}
	return nil
}

// skipForSourceOp applies the dependency skip rule. An app install
// still runs when its runtime merely failed to update: the installed
// runtime is intact, so the app can run against it.
func (t *Transaction) skipForSourceOp(op *Operation) bool {
	if op.sourceOp == noSourceOp {
		return false
	}
	src := t.opsOrder[op.sourceOp]
	if src.state != OpStateFailed && src.state != OpStateSkipped {
		return false
	}
	if op.kind == OpInstall && op.ref.IsApp() &&
		src.state == OpStateFailed && src.kind == OpUpdate {
		return false
	}
	return true
}

func (t *Transaction) execute(ctx context.Context, op *Operation) error {
	var state *RemoteState
	if op.kind != OpBundle {
		var err error
		state, err = t.ensureRemoteState(ctx, op.remote)
		if err != nil {
			return err
		}
	}

	req := &InstallRequest{
		Ref:            op.ref,
		Remote:         op.remote,
		Subpaths:       op.subpaths,
		Commit:         op.commit,
		NoPull:         t.flags.NoPull,
		NoDeploy:       t.flags.NoDeploy,
		NoStaticDeltas: t.flags.NoStaticDeltas,
		Reinstall:      t.flags.Reinstall,
	}

	switch op.kind {
	case OpInstall:
		return t.backend.Install(ctx, t.dir, req, t.progress)
	case OpUpdate:
		target, err := t.backend.CheckForUpdate(ctx, t.dir, state, op.ref, op.commit)
		if err != nil {
			return err
		}
		if target == "" {
			fplog.Infof("No updates for %s.", op.ref.PrefString())
			return nil
		}
		req.Commit = target
		if err := t.backend.Update(ctx, t.dir, req, t.progress); err != nil {
			if errors.Is(err, ErrAlreadyInstalled) {
				return nil
			}
			return err
		}
		fplog.Infof("Updated %s to %.12s", op.ref.PrefString(), target)
		return nil
	case OpBundle:
		return t.backend.InstallBundle(ctx, t.dir, op.bundlePath, t.progress)
	}
	return fmt.Errorf("cannot execute operation kind %v", op.kind)
}

func (t *Transaction) warnEndOfLife(ref fpref.Ref) {
	deploy, err := t.dir.Deployed(ref)
	if err != nil {
		return
	}
	if deploy.EndOfLife != "" {
		fplog.Warningf("%s is end-of-life: %s", ref.PrefString(), deploy.EndOfLife)
	}
	if deploy.EndOfLifeRebase != "" {
		fplog.Warningf("%s has been replaced by %s", ref.PrefString(), deploy.EndOfLifeRebase)
	}
}

// finish prunes the repository and drops ephemeral origin remotes.
func (t *Transaction) finish(ctx context.Context) {
	if err := t.backend.Prune(ctx, t.dir); err != nil {
		fplog.Warningf("Cannot prune repository: %v", err)
	}
	for _, name := range t.addedOriginRemotes {
		if err := t.backend.PruneOrigin(ctx, t.dir, name); err != nil {
			fplog.Warningf("Cannot remove origin remote %s: %v", name, err)
		}
	}
	t.addedOriginRemotes = nil
}
