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
	iscsidiff "github.com/vmware-tanzu/vsphere-fleet/pkg/diff/iscsi"
	vswitchdiff "github.com/vmware-tanzu/vsphere-fleet/pkg/diff/vswitch"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

func (r *Reconciler) hostSystem(ctx context.Context, hostname string) (*object.HostSystem, error) {
	host, err := r.client.Finder().HostSystem(ctx, hostname)
	if err != nil {
		return nil, errs.NotFoundError{Kind: "HostSystem", Name: hostname}
	}
	return host, nil
}

// ReconcileStandardSwitch drives one host-local vSwitch through the host
// network system.
func (r *Reconciler) ReconcileStandardSwitch(ctx context.Context, desired *spec.StandardSwitch) *result.Result {
	res := &result.Result{}
	defer outcome("HostVirtualSwitch", res)

	if err := desired.Validate(); err != nil {
		res.Fail(err, nil)
		return res
	}

	host, err := r.hostSystem(ctx, desired.ESXiHost)
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	observed, err := r.observeVirtualSwitch(ctx, host, desired.Name)
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	cs, warnings, err := vswitchdiff.Diff(desired, observed)
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

	ns, err := host.ConfigManager().NetworkSystem(ctx)
	if err != nil {
		res.Fail(errs.Classify(err), nil)
		return res
	}
	for i := range cs {
		if err := applyVirtualSwitchEdit(ctx, ns, desired.Name, &cs[i]); err != nil {
			res.Fail(err, &cs[i])
			return res
		}
	}
	return res
}

func (r *Reconciler) observeVirtualSwitch(ctx context.Context, host *object.HostSystem, name string) (vswitchdiff.Observed, error) {
	out := vswitchdiff.Observed{HostRef: host.Reference()}

	var h mo.HostSystem
	pc := property.DefaultCollector(r.client.VimClient())
	if err := pc.RetrieveOne(ctx, host.Reference(), []string{"config.network.vswitch"}, &h); err != nil {
		return out, errs.Classify(err)
	}
	if h.Config == nil || h.Config.Network == nil {
		return out, nil
	}
	for i := range h.Config.Network.Vswitch {
		if h.Config.Network.Vswitch[i].Name == name {
			out.Switch = &h.Config.Network.Vswitch[i]
			break
		}
	}
	return out, nil
}

func applyVirtualSwitchEdit(ctx context.Context, ns *object.HostNetworkSystem, name string, e *diff.Edit) error {
	switch e.Op {
	case diff.OpCreateContainer:
		sw, ok := e.Payload.(*vimtypes.HostVirtualSwitchSpec)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "create payload is not a vswitch spec"}
		}
		return errs.Classify(ns.AddVirtualSwitch(ctx, name, sw))

	case diff.OpReconfigure:
		sw, ok := e.Payload.(*vimtypes.HostVirtualSwitchSpec)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "reconfigure payload is not a vswitch spec"}
		}
		return errs.Classify(ns.UpdateVirtualSwitch(ctx, name, *sw))

	case diff.OpDestroyContainer:
		return errs.Classify(ns.RemoveVirtualSwitch(ctx, name))
	}
	return errs.BadInputError{Field: "changes", Message: "unsupported vswitch edit " + string(e.Op)}
}

// ReconcileISCSI drives one host iSCSI adapter: the software service,
// names, CHAP, discovery targets and port bindings.
func (r *Reconciler) ReconcileISCSI(ctx context.Context, desired *spec.ISCSIAdapter) *result.Result {
	res := &result.Result{}
	defer outcome("InternetScsiHba", res)

	if err := desired.Validate(); err != nil {
		res.Fail(err, nil)
		return res
	}

	host, err := r.hostSystem(ctx, desired.ESXiHost)
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	observed, iscsiMgr, storageRef, err := r.observeISCSI(ctx, host, desired)
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	cs, warnings, err := iscsidiff.Diff(desired, observed)
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
		if err := r.applyISCSIEdit(ctx, desired, storageRef, iscsiMgr, &cs[i]); err != nil {
			res.Fail(err, &cs[i])
			return res
		}
	}
	return res
}

// observeISCSI gathers the HBA, the software service state and the port
// bindings, plus the manager references the edits will target.
func (r *Reconciler) observeISCSI(ctx context.Context, host *object.HostSystem, desired *spec.ISCSIAdapter) (iscsidiff.Observed, *vimtypes.ManagedObjectReference, vimtypes.ManagedObjectReference, error) {
	out := iscsidiff.Observed{HostRef: host.Reference()}

	var h mo.HostSystem
	pc := property.DefaultCollector(r.client.VimClient())
	err := pc.RetrieveOne(ctx, host.Reference(), []string{
		"config.storageDevice", "configManager.storageSystem", "configManager.iscsiManager",
	}, &h)
	if err != nil {
		return out, nil, vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}
	if h.Config == nil || h.ConfigManager.StorageSystem == nil {
		return out, nil, vimtypes.ManagedObjectReference{}, errs.BadPropertyError{Property: "configManager.storageSystem"}
	}
	storageRef := *h.ConfigManager.StorageSystem

	sd := h.Config.StorageDevice
	if sd == nil {
		return out, nil, vimtypes.ManagedObjectReference{}, errs.BadPropertyError{Property: "config.storageDevice"}
	}
	if sd.SoftwareInternetScsiEnabled {
		out.SoftwareEnabled = true
	}
	for _, base := range sd.HostBusAdapter {
		hba, ok := base.(*vimtypes.HostInternetScsiHba)
		if !ok {
			continue
		}
		if hba.Device == desired.VmhbaName {
			out.HBA = hba
			break
		}
	}

	iscsiMgr := h.ConfigManager.IscsiManager
	if iscsiMgr != nil && desired.VmhbaName != "" && out.HBA != nil {
		bound, active, err := r.boundVnics(ctx, *iscsiMgr, desired.VmhbaName)
		if err != nil {
			return out, nil, vimtypes.ManagedObjectReference{}, err
		}
		out.BoundVnics = bound
		out.ActiveVnics = active
	}
	return out, iscsiMgr, storageRef, nil
}

func (r *Reconciler) boundVnics(ctx context.Context, mgr vimtypes.ManagedObjectReference, hbaName string) (bound, active []string, _ error) {
	res, err := methods.QueryBoundVnics(ctx, r.client.VimClient(), &vimtypes.QueryBoundVnics{
		This:         mgr,
		IScsiHbaName: hbaName,
	})
	if err != nil {
		return nil, nil, errs.Classify(err)
	}
	for _, info := range res.Returnval {
		bound = append(bound, info.VnicDevice)
		if info.PathStatus == string(vimtypes.IscsiPortInfoPathStatusActive) {
			active = append(active, info.VnicDevice)
		}
	}
	return bound, active, nil
}

func (r *Reconciler) applyISCSIEdit(ctx context.Context, desired *spec.ISCSIAdapter, storageRef vimtypes.ManagedObjectReference, iscsiMgr *vimtypes.ManagedObjectReference, e *diff.Edit) error {
	vim := r.client.VimClient()

	switch e.Kind {
	case "SoftwareIscsi":
		enabled, _ := e.Payload.(bool)
		_, err := methods.UpdateSoftwareInternetScsiEnabled(ctx, vim, &vimtypes.UpdateSoftwareInternetScsiEnabled{
			This:    storageRef,
			Enabled: enabled,
		})
		return errs.Classify(err)

	case "IscsiName":
		name, _ := e.Payload.(string)
		_, err := methods.UpdateInternetScsiName(ctx, vim, &vimtypes.UpdateInternetScsiName{
			This:           storageRef,
			IScsiHbaDevice: desired.VmhbaName,
			IScsiName:      name,
		})
		return errs.Classify(err)

	case "IscsiAlias":
		alias, _ := e.Payload.(string)
		_, err := methods.UpdateInternetScsiAlias(ctx, vim, &vimtypes.UpdateInternetScsiAlias{
			This:           storageRef,
			IScsiHbaDevice: desired.VmhbaName,
			IScsiAlias:     alias,
		})
		return errs.Classify(err)

	case "IscsiAuth":
		auth, ok := e.Payload.(*vimtypes.HostInternetScsiHbaAuthenticationProperties)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "auth payload is not authentication properties"}
		}
		_, err := methods.UpdateInternetScsiAuthenticationProperties(ctx, vim, &vimtypes.UpdateInternetScsiAuthenticationProperties{
			This:                     storageRef,
			IScsiHbaDevice:           desired.VmhbaName,
			AuthenticationProperties: *auth,
		})
		return errs.Classify(err)

	case "IscsiSendTarget":
		target, ok := e.Payload.(vimtypes.HostInternetScsiHbaSendTarget)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "payload is not a send target"}
		}
		return r.applySendTargetEdit(ctx, storageRef, desired.VmhbaName, target, e.Op)

	case "IscsiStaticTarget":
		target, ok := e.Payload.(vimtypes.HostInternetScsiHbaStaticTarget)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "payload is not a static target"}
		}
		return r.applyStaticTargetEdit(ctx, storageRef, desired.VmhbaName, target, e.Op)

	case "IscsiPortBinding":
		if iscsiMgr == nil {
			return errs.BadPropertyError{Property: "configManager.iscsiManager"}
		}
		return r.applyPortBindingEdit(ctx, *iscsiMgr, desired.VmhbaName, e)
	}
	return errs.BadInputError{Field: "changes", Message: "unsupported iscsi edit kind " + e.Kind}
}

func (r *Reconciler) applySendTargetEdit(ctx context.Context, storageRef vimtypes.ManagedObjectReference, hbaName string, target vimtypes.HostInternetScsiHbaSendTarget, op diff.Op) error {
	vim := r.client.VimClient()

	switch op {
	case diff.OpAddDevice:
		_, err := methods.AddInternetScsiSendTargets(ctx, vim, &vimtypes.AddInternetScsiSendTargets{
			This:           storageRef,
			IScsiHbaDevice: hbaName,
			Targets:        []vimtypes.HostInternetScsiHbaSendTarget{target},
		})
		return errs.Classify(err)
	case diff.OpRemoveDevice:
		_, err := methods.RemoveInternetScsiSendTargets(ctx, vim, &vimtypes.RemoveInternetScsiSendTargets{
			This:           storageRef,
			IScsiHbaDevice: hbaName,
			Targets:        []vimtypes.HostInternetScsiHbaSendTarget{target},
		})
		return errs.Classify(err)
	case diff.OpEditDevice:
		// Per-target CHAP rides the auth update with a target set.
		_, err := methods.UpdateInternetScsiAuthenticationProperties(ctx, vim, &vimtypes.UpdateInternetScsiAuthenticationProperties{
			This:                     storageRef,
			IScsiHbaDevice:           hbaName,
			AuthenticationProperties: *target.AuthenticationProperties,
			TargetSet: &vimtypes.HostInternetScsiHbaTargetSet{
				SendTargets: []vimtypes.HostInternetScsiHbaSendTarget{target},
			},
		})
		return errs.Classify(err)
	}
	return errs.BadInputError{Field: "changes", Message: "unsupported send target edit " + string(op)}
}

func (r *Reconciler) applyStaticTargetEdit(ctx context.Context, storageRef vimtypes.ManagedObjectReference, hbaName string, target vimtypes.HostInternetScsiHbaStaticTarget, op diff.Op) error {
	vim := r.client.VimClient()

	switch op {
	case diff.OpAddDevice:
		_, err := methods.AddInternetScsiStaticTargets(ctx, vim, &vimtypes.AddInternetScsiStaticTargets{
			This:           storageRef,
			IScsiHbaDevice: hbaName,
			Targets:        []vimtypes.HostInternetScsiHbaStaticTarget{target},
		})
		return errs.Classify(err)
	case diff.OpRemoveDevice:
		_, err := methods.RemoveInternetScsiStaticTargets(ctx, vim, &vimtypes.RemoveInternetScsiStaticTargets{
			This:           storageRef,
			IScsiHbaDevice: hbaName,
			Targets:        []vimtypes.HostInternetScsiHbaStaticTarget{target},
		})
		return errs.Classify(err)
	case diff.OpEditDevice:
		_, err := methods.UpdateInternetScsiAuthenticationProperties(ctx, vim, &vimtypes.UpdateInternetScsiAuthenticationProperties{
			This:                     storageRef,
			IScsiHbaDevice:           hbaName,
			AuthenticationProperties: *target.AuthenticationProperties,
			TargetSet: &vimtypes.HostInternetScsiHbaTargetSet{
				StaticTargets: []vimtypes.HostInternetScsiHbaStaticTarget{target},
			},
		})
		return errs.Classify(err)
	}
	return errs.BadInputError{Field: "changes", Message: "unsupported static target edit " + string(op)}
}

func (r *Reconciler) applyPortBindingEdit(ctx context.Context, mgr vimtypes.ManagedObjectReference, hbaName string, e *diff.Edit) error {
	vim := r.client.VimClient()

	switch e.Op {
	case diff.OpAddDevice:
		_, err := methods.BindVnic(ctx, vim, &vimtypes.BindVnic{
			This:         mgr,
			IScsiHbaName: hbaName,
			VnicDevice:   e.Name,
		})
		return errs.Classify(err)
	case diff.OpRemoveDevice:
		_, err := methods.UnbindVnic(ctx, vim, &vimtypes.UnbindVnic{
			This:         mgr,
			IScsiHbaName: hbaName,
			VnicDevice:   e.Name,
			Force:        e.Force,
		})
		return errs.Classify(err)
	}
	return errs.BadInputError{Field: "changes", Message: "unsupported port binding edit " + string(e.Op)}
}
