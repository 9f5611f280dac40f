// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	sdrsdiff "github.com/vmware-tanzu/vsphere-fleet/pkg/diff/sdrs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/resolve"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

// ReconcileDatastoreCluster drives one storage pod and its SDRS config.
func (r *Reconciler) ReconcileDatastoreCluster(ctx context.Context, desired *spec.DatastoreCluster) *result.Result {
	res := &result.Result{}
	defer outcome("StoragePod", res)

	if err := desired.Validate(); err != nil {
		res.Fail(err, nil)
		return res
	}

	ref, err := r.resolver.Resolve(ctx, resolve.Target{
		Kind:       "StoragePod",
		Name:       desired.Name,
		MoID:       desired.MoID,
		Datacenter: desired.Datacenter,
		Folder:     desired.Folder,
	})
	observed := sdrsdiff.Observed{}
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
			r.destroyEntity(ctx, ref, "StoragePod", desired.Name, res)
			return res
		}
		observed, err = r.observeStoragePod(ctx, ref)
		if err != nil {
			res.Fail(err, nil)
			return res
		}
	}

	refs, err := r.overrideVMRefs(ctx, desired)
	if err != nil {
		res.Fail(err, nil)
		return res
	}
	observed.VMRefs = refs

	cs, warnings, err := sdrsdiff.Diff(desired, observed)
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
		created, err := r.applyStoragePodEdit(ctx, desired, &cs[i], ref)
		if err != nil {
			res.Fail(err, &cs[i])
			return res
		}
		if created.Value != "" {
			ref = created
		}
	}
	return res
}

func (r *Reconciler) observeStoragePod(ctx context.Context, ref vimtypes.ManagedObjectReference) (sdrsdiff.Observed, error) {
	var pod mo.StoragePod
	pc := property.DefaultCollector(r.client.VimClient())
	if err := pc.RetrieveOne(ctx, ref, []string{"podStorageDrsEntry", "parent"}, &pod); err != nil {
		return sdrsdiff.Observed{}, errs.Classify(err)
	}
	out := sdrsdiff.Observed{Ref: ref}
	if pod.Parent != nil {
		out.Parent = *pod.Parent
	}
	if pod.PodStorageDrsEntry != nil {
		cfg := pod.PodStorageDrsEntry.StorageDrsConfig
		out.Config = &cfg
	}
	return out, nil
}

// overrideVMRefs resolves the names in vm_overrides up front so the differ
// stays server-free.
func (r *Reconciler) overrideVMRefs(ctx context.Context, desired *spec.DatastoreCluster) (map[string]vimtypes.ManagedObjectReference, error) {
	if len(desired.VMOverrides) == 0 {
		return nil, nil
	}
	refs := make(map[string]vimtypes.ManagedObjectReference, len(desired.VMOverrides))
	for _, o := range desired.VMOverrides {
		ref, err := r.resolver.Resolve(ctx, resolve.Target{
			Kind:       "VirtualMachine",
			Name:       o.Name,
			Datacenter: desired.Datacenter,
		})
		if err != nil {
			return nil, err
		}
		refs[o.Name] = ref
	}
	return refs, nil
}

func (r *Reconciler) applyStoragePodEdit(ctx context.Context, desired *spec.DatastoreCluster, e *diff.Edit, podRef vimtypes.ManagedObjectReference) (vimtypes.ManagedObjectReference, error) {
	var zero vimtypes.ManagedObjectReference

	switch e.Op {
	case diff.OpCreateContainer:
		folderPath := desired.Folder
		if folderPath == "" {
			folderPath = "/"
		}
		folder, err := r.resolver.ResolveFolder(ctx, folderPath, desired.Datacenter, "datastore")
		if err != nil {
			return zero, err
		}
		pod, err := folder.CreateStoragePod(ctx, desired.Name)
		if err != nil {
			return zero, errs.Classify(err)
		}
		return pod.Reference(), nil

	case diff.OpReconfigure:
		drsSpec, ok := e.Payload.(*vimtypes.StorageDrsConfigSpec)
		if !ok {
			return zero, errs.BadInputError{Field: "payload", Message: "reconfigure payload is not an SDRS config spec"}
		}
		target := e.Target
		if target.Value == "" {
			target = podRef
		}
		srm := r.client.VimClient().ServiceContent.StorageResourceManager
		if srm == nil {
			return zero, errs.BadPropertyError{Property: "storageResourceManager"}
		}
		req := vimtypes.ConfigureStorageDrsForPod_Task{
			This:   *srm,
			Pod:    target,
			Spec:   *drsSpec,
			Modify: true,
		}
		taskRes, err := methods.ConfigureStorageDrsForPod_Task(ctx, r.client.VimClient(), &req)
		if err != nil {
			return zero, errs.Classify(err)
		}
		_, err = r.waiter().Wait(ctx, taskRes.Returnval)
		return zero, err
	}
	return zero, errs.BadInputError{Field: "changes", Message: "unsupported storage pod edit " + string(e.Op)}
}
