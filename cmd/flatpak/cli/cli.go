// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cli wires the engines into the flatpak command.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flatpak/flatpak/internal/pkg/installation"
	"github.com/flatpak/flatpak/internal/pkg/transaction"
	"github.com/flatpak/flatpak/internal/pkg/transaction/progress"
	"github.com/flatpak/flatpak/pkg/fplog"
	"github.com/flatpak/flatpak/pkg/fpref"
)

var warnColor = color.New(color.FgYellow)

type globalOptions struct {
	verbose       int
	installRoot   string
	installations string
	noInteraction bool
	noPull        bool
	noDeploy      bool
	noRelated     bool
	noDeps        bool
	reinstall     bool
	arch          string
}

func defaultInstallRoot() string {
	if root := os.Getenv("FLATPAK_USER_DIR"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/flatpak"
	}
	return filepath.Join(home, ".local", "share", "flatpak")
}

// RootCmd builds the flatpak command tree.
func RootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "flatpak",
		Short:         "Build, install and run sandboxed applications",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			fplog.SetLevel(opts.verbose)
		},
	}

	flags := root.PersistentFlags()
	flags.CountVarP(&opts.verbose, "verbose", "v", "increase verbosity")
	flags.StringVar(&opts.installRoot, "install-root", defaultInstallRoot(), "installation root directory")
	flags.StringVar(&opts.installations, "installations-config", "/etc/flatpak/installations.toml", "system installations configuration")
	flags.StringVar(&opts.arch, "arch", "x86_64", "architecture to operate on")

	root.AddCommand(installCmd(opts))
	root.AddCommand(updateCmd(opts))
	root.AddCommand(installBundleCmd(opts))
	root.AddCommand(buildCmd(opts))
	return root
}

func addTransactionFlags(flags *pflag.FlagSet, opts *globalOptions) {
	flags.BoolVarP(&opts.noInteraction, "assumeyes", "y", false, "answer yes to all questions")
	flags.BoolVar(&opts.noPull, "no-pull", false, "do not pull, only deploy local commits")
	flags.BoolVar(&opts.noDeploy, "no-deploy", false, "pull only, do not deploy")
	flags.BoolVar(&opts.noRelated, "no-related", false, "do not install related refs")
	flags.BoolVar(&opts.noDeps, "no-deps", false, "do not install runtime dependencies")
	flags.BoolVar(&opts.reinstall, "reinstall", false, "uninstall first if already installed")
}

func (o *globalOptions) transactionFlags() transaction.Flags {
	return transaction.Flags{
		NoInteraction: o.noInteraction,
		NoPull:        o.noPull,
		NoDeploy:      o.noDeploy,
		AddDeps:       !o.noDeps,
		AddRelated:    !o.noRelated,
		Reinstall:     o.reinstall,
	}
}

func (o *globalOptions) newTransaction() (*transaction.Transaction, *progress.Terminal, error) {
	dir, err := installation.Open("user", o.installRoot)
	if err != nil {
		return nil, nil, err
	}
	systemDirs, err := installation.LoadSystemInstallations(o.installations)
	if err != nil {
		fplog.Warningf("Ignoring system installations: %v", err)
	}

	tx := transaction.New(dir, systemDirs, newBackend(o.installRoot), o.transactionFlags())
	term := progress.NewTerminal(os.Stdout)
	tx.SetProgress(term)
	if !o.noInteraction {
		tx.SetPrompter(stdinPrompter{})
	}
	return tx, term, nil
}

// parseRefArg accepts a full ref or a bare id completed with the
// selected arch and a default branch.
func parseRefArg(arg, arch string) (fpref.Ref, error) {
	if strings.Count(arg, "/") == 3 {
		return fpref.Parse(arg)
	}
	partial, err := fpref.ParsePartial(arg, fpref.KindAny)
	if err != nil {
		return fpref.Ref{}, err
	}
	kind := fpref.KindApp
	if partial.Kinds == fpref.KindRuntime {
		kind = fpref.KindRuntime
	}
	id := partial.ID
	if id == "" {
		return fpref.Ref{}, fmt.Errorf("cannot parse ref %q", arg)
	}
	branch := partial.Branch
	if branch == "" {
		branch = "stable"
	}
	refArch := partial.Arch
	if refArch == "" {
		refArch = arch
	}
	return fpref.New(kind, id, refArch, branch)
}

func installCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install REMOTE REF...",
		Short: "Install applications or runtimes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, term, err := opts.newTransaction()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 1 && strings.HasSuffix(args[0], ".flatpakref") {
				if err := tx.AddInstallFlatpakref(ctx, args[0], opts.arch); err != nil {
					return err
				}
			} else {
				if len(args) < 2 {
					return fmt.Errorf("expected REMOTE REF")
				}
				remote := args[0]
				for _, arg := range args[1:] {
					ref, err := parseRefArg(arg, opts.arch)
					if err != nil {
						return err
					}
					if err := tx.AddInstall(ctx, remote, ref, nil); err != nil {
						return err
					}
				}
			}

			err = tx.Run(ctx, false)
			term.Wait()
			return err
		},
	}
	addTransactionFlags(cmd.Flags(), opts)
	return cmd
}

func updateCmd(opts *globalOptions) *cobra.Command {
	var commit string
	cmd := &cobra.Command{
		Use:   "update [REF...]",
		Short: "Update installed applications or runtimes",
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, term, err := opts.newTransaction()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			refs := args
			if len(refs) == 0 {
				dir, err := installation.Open("user", opts.installRoot)
				if err != nil {
					return err
				}
				installed, err := dir.ListDeployed()
				if err != nil {
					return err
				}
				for _, ref := range installed {
					refs = append(refs, ref.Format())
				}
			}
			for _, arg := range refs {
				ref, err := parseRefArg(arg, opts.arch)
				if err != nil {
					return err
				}
				if err := tx.AddUpdate(ctx, ref, nil, commit); err != nil {
					return err
				}
			}

			if err := tx.UpdateMetadata(ctx, len(args) == 0); err != nil {
				return err
			}
			err = tx.Run(ctx, false)
			term.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "update to this commit instead of the latest")
	addTransactionFlags(cmd.Flags(), opts)
	return cmd
}

func installBundleCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install-bundle FILE",
		Short: "Install an application from a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, term, err := opts.newTransaction()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := tx.AddInstallBundle(ctx, args[0]); err != nil {
				return err
			}
			err = tx.Run(ctx, false)
			term.Wait()
			return err
		},
	}
	addTransactionFlags(cmd.Flags(), opts)
	return cmd
}

// stdinPrompter asks the user to choose between numbered options.
type stdinPrompter struct{}

func (stdinPrompter) Choose(question string, options []string) (int, error) {
	warnColor.Println(question)
	for i, option := range options {
		fmt.Printf("  %d) %s\n", i+1, option)
	}
	fmt.Print("> ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return -1, err
	}
	choice, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || choice < 1 || choice > len(options) {
		return -1, nil
	}
	return choice - 1, nil
}
