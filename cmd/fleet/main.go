// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// fleet applies declarative vSphere state files and enumerates VM
// inventories over one vCenter session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/client"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/inventory"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/reconcile"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbosity int

	root := &cobra.Command{
		Use:           "fleet",
		Short:         "Reconcile vSphere entities and enumerate VM inventories",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := log.NewLogger(verbosity)
			log.SetDefault(logger)
			cmd.SetContext(logr.NewContext(cmd.Context(), logger))
		},
	}
	root.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 0, "log verbosity")
	root.AddCommand(newApplyCommand(), newInventoryCommand())
	return root
}

func newApplyCommand() *cobra.Command {
	var (
		stateFile string
		checkMode bool
		showDiff  bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Drive the entities of a state file to their desired state",
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := spec.LoadState(stateFile)
			if err != nil {
				return err
			}

			settings, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := client.New(ctx, settings)
			if err != nil {
				return err
			}
			defer c.Logout(ctx)

			r := reconcile.New(c)
			r.CheckMode = checkMode

			failed := false
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, doc := range docs {
				res := dispatch(ctx, r, doc)
				if !showDiff {
					res.Diff = nil
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
				failed = failed || res.Failed
			}
			if failed {
				return fmt.Errorf("one or more documents failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&stateFile, "file", "f", "", "state file to apply")
	cmd.Flags().BoolVar(&checkMode, "check", false, "plan edits without submitting them")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "include before/after diffs in the output")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func dispatch(ctx context.Context, r *reconcile.Reconciler, doc spec.Document) *result.Result {
	switch doc.Kind {
	case spec.KindVirtualMachine:
		return r.ReconcileVM(ctx, doc.VirtualMachine)
	case spec.KindDistributedSwitch:
		return r.ReconcileSwitch(ctx, doc.DistributedSwitch)
	case spec.KindDistributedPortgroup:
		return r.ReconcilePortgroup(ctx, doc.DistributedPortgroup)
	case spec.KindDatastoreCluster:
		return r.ReconcileDatastoreCluster(ctx, doc.DatastoreCluster)
	case spec.KindStandardSwitch:
		return r.ReconcileStandardSwitch(ctx, doc.StandardSwitch)
	case spec.KindISCSI:
		return r.ReconcileISCSI(ctx, doc.ISCSI)
	case spec.KindVCenterOptions:
		return r.ReconcileOptions(ctx, doc.VCenterOptions)
	case spec.KindLibraryItem:
		return r.ReconcileLibraryItem(ctx, doc.LibraryItem)
	}
	res := &result.Result{}
	res.Fail(fmt.Errorf("unknown document kind %q", doc.Kind), nil)
	return res
}

func newInventoryCommand() *cobra.Command {
	var (
		configPath   string
		refreshCache bool
	)

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Enumerate virtual machines into host records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadInventory(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := client.New(ctx, cfg.Settings)
			if err != nil {
				return err
			}
			defer c.Logout(ctx)

			engine := inventory.New(c)
			engine.RefreshCache = refreshCache

			records, err := engine.Enumerate(ctx, cfg)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "inventory configuration document")
	cmd.Flags().BoolVar(&refreshCache, "refresh-cache", false, "bypass and rewrite the inventory cache")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
