// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package sdrs diffs datastore cluster storage DRS configuration.
package sdrs

import (
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

// Observed is the live storage pod state.
type Observed struct {
	Ref    vimtypes.ManagedObjectReference
	Parent vimtypes.ManagedObjectReference
	// Config is podStorageDrsEntry.storageDrsConfig; nil when the pod is
	// absent.
	Config *vimtypes.StorageDrsConfigInfo
	// VMRefs resolves override VM names to references.
	VMRefs map[string]vimtypes.ManagedObjectReference
}

// Diff compares the desired datastore cluster config against the observed
// pod. An absent pod yields a create followed by the SDRS configuration.
func Diff(desired *spec.DatastoreCluster, observed Observed) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}

	var cs diff.ChangeSet

	if observed.Config == nil {
		cs = append(cs, diff.Edit{
			Op:     diff.OpCreateContainer,
			Parent: observed.Parent,
			Kind:   "StoragePod",
			Name:   desired.Name,
		})
	}

	drsSpec, changed, err := storageDrsSpec(desired, observed)
	if err != nil {
		return nil, nil, err
	}
	if changed {
		cs = append(cs, diff.Edit{
			Op:      diff.OpReconfigure,
			Target:  observed.Ref,
			Kind:    "StoragePod",
			Payload: drsSpec,
		})
	}
	return cs, nil, nil
}

func storageDrsSpec(desired *spec.DatastoreCluster, observed Observed) (*vimtypes.StorageDrsConfigSpec, bool, error) {
	ci := observed.Config

	pod := &vimtypes.StorageDrsPodConfigSpec{}
	changed := false

	var cur *vimtypes.StorageDrsPodConfigInfo
	if ci != nil {
		cur = &ci.PodConfig
	}

	if desired.Enabled != nil && (cur == nil || cur.Enabled != *desired.Enabled) {
		pod.Enabled = desired.Enabled
		changed = true
	}
	if desired.AutomationLevel != "" && (cur == nil || cur.DefaultVmBehavior != desired.AutomationLevel) {
		pod.DefaultVmBehavior = desired.AutomationLevel
		changed = true
	}
	if desired.KeepVMDKsTogether != nil &&
		(cur == nil || !ptr.Equal(cur.DefaultIntraVmAffinity, desired.KeepVMDKsTogether)) {
		pod.DefaultIntraVmAffinity = desired.KeepVMDKsTogether
		changed = true
	}
	if desired.LoadBalanceIntervalM != nil &&
		(cur == nil || cur.LoadBalanceInterval != *desired.LoadBalanceIntervalM) {
		pod.LoadBalanceInterval = *desired.LoadBalanceIntervalM
		changed = true
	}
	if desired.EnableIOLoadBalance != nil &&
		(cur == nil || !ptr.Equal(&cur.IoLoadBalanceEnabled, desired.EnableIOLoadBalance)) {
		pod.IoLoadBalanceEnabled = desired.EnableIOLoadBalance
		changed = true
	}

	if auto := automationSpec(desired.Overrides, cur); auto != nil {
		pod.AutomationOverrides = auto
		changed = true
	}
	if space := spaceSpec(desired.Space, cur); space != nil {
		pod.SpaceLoadBalanceConfig = space
		changed = true
	}
	if io := ioSpec(desired, cur); io != nil {
		pod.IoLoadBalanceConfig = io
		changed = true
	}

	out := &vimtypes.StorageDrsConfigSpec{}
	if changed {
		out.PodConfigSpec = pod
	}

	vmSpecs, vmChanged := vmOverrideSpecs(desired.VMOverrides, observed)
	if vmChanged {
		out.VmConfigSpec = vmSpecs
		changed = true
	}

	return out, changed, nil
}

// automationLevel maps cluster_settings to unset, which the server reads
// as "follow the cluster default".
func automationLevel(v string) string {
	if v == "cluster_settings" {
		return ""
	}
	return v
}

func automationSpec(want spec.AutomationOverrides, cur *vimtypes.StorageDrsPodConfigInfo) *vimtypes.StorageDrsAutomationConfig {
	var current *vimtypes.StorageDrsAutomationConfig
	if cur != nil {
		current = cur.AutomationOverrides
	}

	out := &vimtypes.StorageDrsAutomationConfig{}
	changed := false

	set := func(want string, got string, field *string) {
		if want == "" {
			return
		}
		v := automationLevel(want)
		if got != v {
			*field = v
			changed = true
		}
	}

	var curSpace, curIO, curRule, curPolicy, curEvac string
	if current != nil {
		curSpace = current.SpaceLoadBalanceAutomationMode
		curIO = current.IoLoadBalanceAutomationMode
		curRule = current.RuleEnforcementAutomationMode
		curPolicy = current.PolicyEnforcementAutomationMode
		curEvac = current.VmEvacuationAutomationMode
	}

	set(want.SpaceLoadBalance, curSpace, &out.SpaceLoadBalanceAutomationMode)
	set(want.IOLoadBalance, curIO, &out.IoLoadBalanceAutomationMode)
	set(want.RuleEnforcement, curRule, &out.RuleEnforcementAutomationMode)
	set(want.PolicyEnforcement, curPolicy, &out.PolicyEnforcementAutomationMode)
	set(want.VMEvacuation, curEvac, &out.VmEvacuationAutomationMode)

	if !changed {
		return nil
	}
	return out
}

func spaceSpec(want spec.SpaceThreshold, cur *vimtypes.StorageDrsPodConfigInfo) *vimtypes.StorageDrsSpaceLoadBalanceConfig {
	var current *vimtypes.StorageDrsSpaceLoadBalanceConfig
	if cur != nil {
		current = cur.SpaceLoadBalanceConfig
	}

	out := &vimtypes.StorageDrsSpaceLoadBalanceConfig{}
	changed := false

	if want.MinUtilizationDifference != nil {
		got := int32(0)
		if current != nil {
			got = current.MinSpaceUtilizationDifference
		}
		if got != *want.MinUtilizationDifference {
			out.MinSpaceUtilizationDifference = *want.MinUtilizationDifference
			changed = true
		}
	}
	// Each threshold axis implies its mode; equal values under the wrong
	// mode are still drift.
	curMode := ""
	if current != nil {
		curMode = current.SpaceThresholdMode
	}
	if want.FreeSpaceGB != nil {
		got := int32(0)
		if current != nil {
			got = current.FreeSpaceThresholdGB
		}
		mode := string(vimtypes.StorageDrsSpaceLoadBalanceConfigSpaceThresholdModeFreeSpace)
		if got != *want.FreeSpaceGB || curMode != mode {
			out.SpaceThresholdMode = mode
			out.FreeSpaceThresholdGB = *want.FreeSpaceGB
			changed = true
		}
	}
	if want.UtilizationPercent != nil {
		got := int32(0)
		if current != nil {
			got = current.SpaceUtilizationThreshold
		}
		mode := string(vimtypes.StorageDrsSpaceLoadBalanceConfigSpaceThresholdModeUtilization)
		if got != *want.UtilizationPercent || curMode != mode {
			out.SpaceThresholdMode = mode
			out.SpaceUtilizationThreshold = *want.UtilizationPercent
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return out
}

func ioSpec(desired *spec.DatastoreCluster, cur *vimtypes.StorageDrsPodConfigInfo) *vimtypes.StorageDrsIoLoadBalanceConfig {
	var current *vimtypes.StorageDrsIoLoadBalanceConfig
	if cur != nil {
		current = cur.IoLoadBalanceConfig
	}

	out := &vimtypes.StorageDrsIoLoadBalanceConfig{}
	changed := false

	if desired.IOLatencyThresholdMs != nil {
		got := int32(0)
		if current != nil {
			got = current.IoLatencyThreshold
		}
		if got != *desired.IOLatencyThresholdMs {
			out.IoLatencyThreshold = *desired.IOLatencyThresholdMs
			changed = true
		}
	}
	if desired.IOLoadImbalanceThreshold != nil {
		got := int32(0)
		if current != nil {
			got = current.IoLoadImbalanceThreshold
		}
		if got != *desired.IOLoadImbalanceThreshold {
			out.IoLoadImbalanceThreshold = *desired.IOLoadImbalanceThreshold
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return out
}

// vmOverrideSpecs maps the per-VM declarations:
//
//	disabled → behavior unset, enabled false
//	none     → behavior unset, enabled unset
//	other    → behavior set, enabled false
func vmOverrideSpecs(overrides []spec.VMOverride, observed Observed) ([]vimtypes.StorageDrsVmConfigSpec, bool) {
	if len(overrides) == 0 {
		return nil, false
	}

	observedByVM := map[vimtypes.ManagedObjectReference]*vimtypes.StorageDrsVmConfigInfo{}
	if observed.Config != nil {
		for i := range observed.Config.VmConfig {
			vc := &observed.Config.VmConfig[i]
			if vc.Vm != nil {
				observedByVM[*vc.Vm] = vc
			}
		}
	}

	var out []vimtypes.StorageDrsVmConfigSpec
	for _, o := range overrides {
		ref, ok := observed.VMRefs[o.Name]
		if !ok {
			continue
		}

		var behavior string
		var enabled *bool
		switch o.AutomationLevel {
		case "disabled":
			enabled = vimtypes.NewBool(false)
		case "none", "":
		default:
			behavior = o.AutomationLevel
			enabled = vimtypes.NewBool(false)
		}

		info := &vimtypes.StorageDrsVmConfigInfo{
			Vm:              &ref,
			Behavior:        behavior,
			Enabled:         enabled,
			IntraVmAffinity: o.KeepVMDKsTogether,
		}

		cur := observedByVM[ref]
		op := vimtypes.ArrayUpdateOperationAdd
		if cur != nil {
			if sameVMOverride(cur, info) {
				continue
			}
			op = vimtypes.ArrayUpdateOperationEdit
		}

		out = append(out, vimtypes.StorageDrsVmConfigSpec{
			ArrayUpdateSpec: vimtypes.ArrayUpdateSpec{Operation: op},
			Info:            info,
		})
	}
	return out, len(out) > 0
}

func sameVMOverride(a, b *vimtypes.StorageDrsVmConfigInfo) bool {
	return a.Behavior == b.Behavior &&
		ptr.Equal(a.Enabled, b.Enabled) &&
		ptr.Equal(a.IntraVmAffinity, b.IntraVmAffinity)
}
