// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	dvsdiff "github.com/vmware-tanzu/vsphere-fleet/pkg/diff/dvs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/resolve"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

const dvsKind = "VmwareDistributedVirtualSwitch"

// ReconcileSwitch drives one distributed virtual switch. Health-check
// probes ride a dedicated API call after the config edits.
func (r *Reconciler) ReconcileSwitch(ctx context.Context, desired *spec.DistributedSwitch) *result.Result {
	res := &result.Result{}
	defer outcome("DistributedVirtualSwitch", res)

	if err := desired.Validate(); err != nil {
		res.Fail(err, nil)
		return res
	}

	ref, err := r.resolver.Resolve(ctx, resolve.Target{
		Kind:       dvsKind,
		Name:       desired.Name,
		MoID:       desired.MoID,
		Datacenter: desired.Datacenter,
		Folder:     desired.Folder,
	})
	observed := dvsdiff.SwitchObserved{}
	switch {
	case errs.IsNotFound(err):
		if desired.State == spec.StateAbsent {
			return res
		}
	case err != nil:
		res.Fail(err, nil)
		return res
	default:
		if desired.State == spec.StateAbsent {
			r.destroyEntity(ctx, ref, "DistributedVirtualSwitch", desired.Name, res)
			return res
		}
		observed, err = r.observeSwitch(ctx, ref)
		if err != nil {
			res.Fail(err, nil)
			return res
		}
	}
	observed.RecommendedVersions = r.recommendedDvsVersions(ctx)

	cs, warnings, err := dvsdiff.DiffSwitch(desired, observed)
	if err != nil {
		res.Fail(err, nil)
		return res
	}
	hcSpecs := dvsdiff.HealthCheckSpecs(desired, observed)

	res.Warnings = append(res.Warnings, warnings...)
	res.Changed = !cs.Empty() || len(hcSpecs) > 0
	res.Changes = cs.Summaries()
	if len(hcSpecs) > 0 {
		res.Changes = append(res.Changes, "Reconfigure(HealthCheck)")
	}
	if r.CheckMode || !res.Changed {
		return res
	}

	for i := range cs {
		created, err := r.applySwitchEdit(ctx, desired, &cs[i])
		if err != nil {
			res.Fail(err, &cs[i])
			return res
		}
		if created.Value != "" {
			ref = created
		}
	}

	if len(hcSpecs) > 0 {
		if err := r.updateHealthChecks(ctx, ref, hcSpecs); err != nil {
			res.Fail(err, nil)
			return res
		}
	}
	return res
}

func (r *Reconciler) observeSwitch(ctx context.Context, ref vimtypes.ManagedObjectReference) (dvsdiff.SwitchObserved, error) {
	var dvs mo.DistributedVirtualSwitch
	pc := property.DefaultCollector(r.client.VimClient())
	if err := pc.RetrieveOne(ctx, ref, []string{"config"}, &dvs); err != nil {
		return dvsdiff.SwitchObserved{}, errs.Classify(err)
	}
	config, ok := dvs.Config.(*vimtypes.VMwareDVSConfigInfo)
	if !ok {
		return dvsdiff.SwitchObserved{}, errs.BadPropertyError{Property: "config"}
	}
	return dvsdiff.SwitchObserved{Ref: ref, Config: config}, nil
}

// recommendedDvsVersions is best-effort; version validation is skipped when
// the server does not answer.
func (r *Reconciler) recommendedDvsVersions(ctx context.Context) []string {
	vim := r.client.VimClient()
	mgr := vim.ServiceContent.DvSwitchManager
	if mgr == nil {
		return nil
	}
	res, err := methods.QueryAvailableDvsSpec(ctx, vim, &vimtypes.QueryAvailableDvsSpec{This: *mgr})
	if err != nil {
		log.FromContextOrDefault(ctx).V(4).Info("version query failed", "err", err)
		return nil
	}
	versions := make([]string, 0, len(res.Returnval))
	for _, ps := range res.Returnval {
		versions = append(versions, ps.Version)
	}
	return versions
}

func (r *Reconciler) applySwitchEdit(ctx context.Context, desired *spec.DistributedSwitch, e *diff.Edit) (vimtypes.ManagedObjectReference, error) {
	var zero vimtypes.ManagedObjectReference
	vim := r.client.VimClient()

	switch e.Op {
	case diff.OpCreateContainer:
		createSpec, ok := e.Payload.(*vimtypes.DVSCreateSpec)
		if !ok {
			return zero, errs.BadInputError{Field: "payload", Message: "create payload is not a DVS create spec"}
		}
		folderPath := desired.Folder
		if folderPath == "" {
			folderPath = "/"
		}
		folder, err := r.resolver.ResolveFolder(ctx, folderPath, desired.Datacenter, "network")
		if err != nil {
			return zero, err
		}
		t, err := folder.CreateDVS(ctx, *createSpec)
		if err != nil {
			return zero, errs.Classify(err)
		}
		info, err := r.waiter().Wait(ctx, t.Reference())
		if err != nil {
			return zero, err
		}
		if ref, ok := info.Result.(vimtypes.ManagedObjectReference); ok {
			return ref, nil
		}
		return zero, nil

	case diff.OpUpgradeHardware:
		productSpec, ok := e.Payload.(*vimtypes.DistributedVirtualSwitchProductSpec)
		if !ok {
			return zero, errs.BadInputError{Field: "payload", Message: "upgrade payload is not a product spec"}
		}
		req := vimtypes.PerformDvsProductSpecOperation_Task{
			This:        e.Target,
			Operation:   "upgrade",
			ProductSpec: productSpec,
		}
		taskRes, err := methods.PerformDvsProductSpecOperation_Task(ctx, vim, &req)
		if err != nil {
			return zero, errs.Classify(err)
		}
		_, err = r.waiter().Wait(ctx, taskRes.Returnval)
		return zero, err

	case diff.OpReconfigure:
		configSpec, ok := e.Payload.(*vimtypes.VMwareDVSConfigSpec)
		if !ok {
			return zero, errs.BadInputError{Field: "payload", Message: "reconfigure payload is not a DVS config spec"}
		}
		dvs := object.NewDistributedVirtualSwitch(vim, e.Target)
		t, err := dvs.Reconfigure(ctx, configSpec)
		if err != nil {
			return zero, errs.Classify(err)
		}
		_, err = r.waiter().Wait(ctx, t.Reference())
		return zero, err
	}
	return zero, errs.BadInputError{Field: "changes", Message: "unsupported switch edit " + string(e.Op)}
}

func (r *Reconciler) updateHealthChecks(ctx context.Context, ref vimtypes.ManagedObjectReference, specs []vimtypes.BaseDVSHealthCheckConfig) error {
	req := vimtypes.UpdateDVSHealthCheckConfig_Task{
		This:              ref,
		HealthCheckConfig: specs,
	}
	taskRes, err := methods.UpdateDVSHealthCheckConfig_Task(ctx, r.client.VimClient(), &req)
	if err != nil {
		return errs.Classify(err)
	}
	_, err = r.waiter().Wait(ctx, taskRes.Returnval)
	return err
}

// ReconcilePortgroup drives one distributed portgroup. The owning switch
// must already exist.
func (r *Reconciler) ReconcilePortgroup(ctx context.Context, desired *spec.DistributedPortgroup) *result.Result {
	res := &result.Result{}
	defer outcome("DistributedVirtualPortgroup", res)

	if err := desired.Validate(); err != nil {
		res.Fail(err, nil)
		return res
	}

	switchRef, err := r.resolver.Resolve(ctx, resolve.Target{
		Kind:       dvsKind,
		Name:       desired.Switch,
		Datacenter: desired.Datacenter,
	})
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	observed, err := r.observePortgroup(ctx, switchRef, desired.Name)
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	if desired.State == spec.StateAbsent {
		if observed.Config == nil {
			return res
		}
		r.destroyEntity(ctx, observed.Ref, "DistributedVirtualPortgroup", desired.Name, res)
		return res
	}

	cs, warnings, err := dvsdiff.DiffPortgroup(desired, observed)
	if err != nil {
		res.Fail(err, nil)
		return res
	}
	res.Warnings = append(res.Warnings, warnings...)
	res.Changed = !cs.Empty()
	res.Changes = cs.Summaries()
	if r.CheckMode || cs.Empty() {
		return res
	}

	for i := range cs {
		if err := r.applyPortgroupEdit(ctx, &cs[i]); err != nil {
			res.Fail(err, &cs[i])
			return res
		}
	}
	return res
}

// observePortgroup walks the switch's portgroup list looking for the name,
// and carries the switch's pvlan table and uplink names for validation.
func (r *Reconciler) observePortgroup(ctx context.Context, switchRef vimtypes.ManagedObjectReference, name string) (dvsdiff.PortgroupObserved, error) {
	out := dvsdiff.PortgroupObserved{SwitchRef: switchRef}

	var dvs mo.DistributedVirtualSwitch
	pc := property.DefaultCollector(r.client.VimClient())
	if err := pc.RetrieveOne(ctx, switchRef, []string{"config", "portgroup"}, &dvs); err != nil {
		return out, errs.Classify(err)
	}

	if config, ok := dvs.Config.(*vimtypes.VMwareDVSConfigInfo); ok {
		for _, entry := range config.PvlanConfig {
			out.PvlanIDs = append(out.PvlanIDs, entry.SecondaryVlanId)
		}
		if policy, ok := config.UplinkPortPolicy.(*vimtypes.DVSNameArrayUplinkPortPolicy); ok {
			out.Uplinks = policy.UplinkPortName
		}
	}

	if len(dvs.Portgroup) == 0 {
		return out, nil
	}
	var pgs []mo.DistributedVirtualPortgroup
	if err := pc.Retrieve(ctx, dvs.Portgroup, []string{"config"}, &pgs); err != nil {
		return out, errs.Classify(err)
	}
	for _, pg := range pgs {
		if pg.Config.Name == name {
			out.Ref = pg.Self
			cfg := pg.Config
			out.Config = &cfg
			break
		}
	}
	return out, nil
}

func (r *Reconciler) applyPortgroupEdit(ctx context.Context, e *diff.Edit) error {
	vim := r.client.VimClient()

	configSpec, ok := e.Payload.(*vimtypes.DVPortgroupConfigSpec)
	if !ok {
		return errs.BadInputError{Field: "payload", Message: "portgroup payload is not a config spec"}
	}

	switch e.Op {
	case diff.OpCreateContainer:
		dvs := object.NewDistributedVirtualSwitch(vim, e.Parent)
		t, err := dvs.AddPortgroup(ctx, []vimtypes.DVPortgroupConfigSpec{*configSpec})
		if err != nil {
			return errs.Classify(err)
		}
		_, err = r.waiter().Wait(ctx, t.Reference())
		return err

	case diff.OpReconfigure:
		pg := object.NewDistributedVirtualPortgroup(vim, e.Target)
		t, err := pg.Reconfigure(ctx, *configSpec)
		if err != nil {
			return errs.Classify(err)
		}
		_, err = r.waiter().Wait(ctx, t.Reference())
		return err
	}
	return errs.BadInputError{Field: "changes", Message: "unsupported portgroup edit " + string(e.Op)}
}

// destroyEntity destroys any managed entity through the common destroy
// task.
func (r *Reconciler) destroyEntity(ctx context.Context, ref vimtypes.ManagedObjectReference, kind, name string, res *result.Result) {
	res.Changed = true
	res.Changes = append(res.Changes, "DestroyContainer("+kind+" "+name+")")
	if r.CheckMode {
		return
	}
	entity := object.NewCommon(r.client.VimClient(), ref)
	t, err := entity.Destroy(ctx)
	if err != nil {
		res.Fail(errs.Classify(err), nil)
		return
	}
	if _, err := r.waiter().Wait(ctx, t.Reference()); err != nil {
		res.Fail(err, nil)
	}
}
