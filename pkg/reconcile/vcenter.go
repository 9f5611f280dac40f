// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	vcoptsdiff "github.com/vmware-tanzu/vsphere-fleet/pkg/diff/vcopts"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/library"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

// ReconcileOptions drives the vCenter advanced settings through the
// service option manager. Edits batch into one update call.
func (r *Reconciler) ReconcileOptions(ctx context.Context, desired *spec.VCenterOptions) *result.Result {
	res := &result.Result{}
	defer outcome("OptionManager", res)

	vim := r.client.VimClient()
	settingRef := vim.ServiceContent.Setting
	if settingRef == nil {
		res.Fail(errs.BadPropertyError{Property: "setting"}, nil)
		return res
	}

	var om mo.OptionManager
	pc := property.DefaultCollector(vim)
	if err := pc.RetrieveOne(ctx, *settingRef, []string{"setting"}, &om); err != nil {
		res.Fail(errs.Classify(err), nil)
		return res
	}

	cs, warnings, err := vcoptsdiff.Diff(desired, vcoptsdiff.Observed{
		Ref:     *settingRef,
		Current: om.Setting,
	})
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

	updates := make([]vimtypes.BaseOptionValue, 0, len(cs))
	for i := range cs {
		ov, ok := cs[i].Payload.(*vimtypes.OptionValue)
		if !ok {
			res.Fail(errs.BadInputError{Field: "payload", Message: "option payload is not an option value"}, &cs[i])
			return res
		}
		updates = append(updates, ov)
	}

	optMgr := object.NewOptionManager(vim, *settingRef)
	if err := optMgr.Update(ctx, updates); err != nil {
		res.Fail(errs.Classify(err), nil)
		return res
	}
	return res
}

// ReconcileLibraryItem drives one content library item through the vAPI
// library manager.
func (r *Reconciler) ReconcileLibraryItem(ctx context.Context, desired *spec.LibraryItem) *result.Result {
	res := &result.Result{}
	defer outcome("LibraryItem", res)

	mgr := library.NewManager(r.client.LibraryManager())
	if r.CheckMode {
		// The vAPI update session cannot be planned without side effects;
		// check mode reports the declared intent only.
		res.Changed = true
		res.Changes = []string{"EnsureLibraryItem(" + desired.Name + ")"}
		return res
	}

	out, err := mgr.Ensure(ctx, desired)
	if err != nil {
		res.Fail(err, nil)
		return res
	}
	res.Changed = out.Changed
	if out.Changed {
		res.Changes = []string{"EnsureLibraryItem(" + desired.Name + ")"}
	}
	if out.ItemID != "" {
		res.SetInstanceField("itemId", out.ItemID)
	}
	return res
}
