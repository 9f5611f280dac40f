// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package dvs

import (
	"fmt"
	"slices"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// PortgroupObserved is the live portgroup state plus the owning switch
// facts needed for validation.
type PortgroupObserved struct {
	Ref       vimtypes.ManagedObjectReference
	SwitchRef vimtypes.ManagedObjectReference
	Config    *vimtypes.DVPortgroupConfigInfo
	// PvlanIDs are the secondary pvlan ids configured on the switch.
	PvlanIDs []int32
	// Uplinks are the switch's uplink port names, for teaming validation.
	Uplinks []string
}

// DiffPortgroup compares a desired portgroup against the observed config.
// Nil observed config yields a create against the owning switch.
func DiffPortgroup(desired *spec.DistributedPortgroup, observed PortgroupObserved) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}
	if err := validatePvlan(desired, observed); err != nil {
		return nil, nil, err
	}
	if err := validateUplinks(desired, observed); err != nil {
		return nil, nil, err
	}

	configSpec, changed, err := portgroupSpec(desired, observed.Config)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return nil, nil, nil
	}

	if observed.Config == nil {
		configSpec.Name = desired.Name
		configSpec.Type = string(vimtypes.DistributedVirtualPortgroupPortgroupTypeEarlyBinding)
		if desired.PortBinding == "ephemeral" {
			configSpec.Type = string(vimtypes.DistributedVirtualPortgroupPortgroupTypeEphemeral)
		}
		return diff.ChangeSet{{
			Op:      diff.OpCreateContainer,
			Parent:  observed.SwitchRef,
			Kind:    "DistributedVirtualPortgroup",
			Name:    desired.Name,
			Payload: configSpec,
		}}, nil, nil
	}

	configSpec.ConfigVersion = observed.Config.ConfigVersion
	return diff.ChangeSet{{
		Op:      diff.OpReconfigure,
		Target:  observed.Ref,
		Kind:    "DistributedVirtualPortgroup",
		Payload: configSpec,
	}}, nil, nil
}

func validatePvlan(desired *spec.DistributedPortgroup, observed PortgroupObserved) error {
	if desired.VLAN == nil || desired.VLAN.PrivateID == nil {
		return nil
	}
	if !slices.Contains(observed.PvlanIDs, *desired.VLAN.PrivateID) {
		return errs.BadInputError{
			Field:   "private_vlan_id",
			Message: fmt.Sprintf("pvlan %d is not configured on the switch", *desired.VLAN.PrivateID),
		}
	}
	return nil
}

func validateUplinks(desired *spec.DistributedPortgroup, observed PortgroupObserved) error {
	if desired.Teaming == nil || len(observed.Uplinks) == 0 {
		return nil
	}
	for _, u := range append(desired.Teaming.ActiveUplinks, desired.Teaming.StandbyUplinks...) {
		if !slices.Contains(observed.Uplinks, u) {
			return errs.BadInputError{
				Field:   "teaming_policy",
				Message: fmt.Sprintf("uplink %q is not defined on the switch", u),
			}
		}
	}
	return nil
}

// portgroupSpec builds the minimal config spec. Observed fields with
// inherited=true are treated as unset and never compared.
func portgroupSpec(desired *spec.DistributedPortgroup, ci *vimtypes.DVPortgroupConfigInfo) (*vimtypes.DVPortgroupConfigSpec, bool, error) {
	out := &vimtypes.DVPortgroupConfigSpec{}
	changed := false

	var currentPort *vimtypes.VMwareDVSPortSetting
	if ci != nil {
		if ps, ok := ci.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting); ok {
			currentPort = ps
		}
	}
	port := &vimtypes.VMwareDVSPortSetting{}
	portChanged := false

	if desired.NumPorts != nil && (ci == nil || ci.NumPorts != *desired.NumPorts) {
		out.NumPorts = *desired.NumPorts
		changed = true
	}

	if desired.PortBinding != "" && ci != nil {
		wantType := string(vimtypes.DistributedVirtualPortgroupPortgroupTypeEarlyBinding)
		if desired.PortBinding == "ephemeral" {
			wantType = string(vimtypes.DistributedVirtualPortgroupPortgroupTypeEphemeral)
		}
		if ci.Type != wantType {
			out.Type = wantType
			changed = true
		}
	}

	if desired.PortAllocation != "" {
		wantExpand := desired.PortAllocation == "elastic"
		if desired.PortBinding == "ephemeral" {
			wantExpand = false
		}
		if ci == nil || ci.AutoExpand == nil || *ci.AutoExpand != wantExpand {
			out.AutoExpand = vimtypes.NewBool(wantExpand)
			changed = true
		}
	}

	if vlan, err := vlanSetting(desired.VLAN, currentPort); err != nil {
		return nil, false, err
	} else if vlan != nil {
		port.Vlan = vlan
		portChanged = true
	}

	if sec := portSecurity(desired.Security, currentPort); sec != nil {
		port.MacManagementPolicy = sec
		portChanged = true
	}

	if team := teamingSetting(desired.Teaming, currentPort); team != nil {
		port.UplinkTeamingPolicy = team
		portChanged = true
	}

	if in := shapingSetting(desired.IngressShaping, shapingOf(currentPort, true)); in != nil {
		port.InShapingPolicy = in
		portChanged = true
	}
	if egress := shapingSetting(desired.EgressShaping, shapingOf(currentPort, false)); egress != nil {
		port.OutShapingPolicy = egress
		portChanged = true
	}

	if desired.MacLearning != nil {
		var current *bool
		if currentPort != nil && currentPort.MacManagementPolicy != nil &&
			currentPort.MacManagementPolicy.MacLearningPolicy != nil {
			current = &currentPort.MacManagementPolicy.MacLearningPolicy.Enabled
		}
		if current == nil || *current != *desired.MacLearning {
			if port.MacManagementPolicy == nil {
				port.MacManagementPolicy = &vimtypes.DVSMacManagementPolicy{}
			}
			port.MacManagementPolicy.MacLearningPolicy = &vimtypes.DVSMacLearningPolicy{
				Enabled: *desired.MacLearning,
			}
			portChanged = true
		}
	}

	if policy := portPolicy(desired.PortPolicy, ci); policy != nil {
		out.Policy = policy
		changed = true
	}

	if portChanged {
		out.DefaultPortConfig = port
		changed = true
	}
	return out, changed, nil
}

// inheritedBool reads a BoolPolicy, reporting nothing when inherited.
func inheritedBool(p *vimtypes.BoolPolicy) *bool {
	if p == nil || p.Inherited || p.Value == nil {
		return nil
	}
	return p.Value
}

func boolPolicy(v bool) *vimtypes.BoolPolicy {
	return &vimtypes.BoolPolicy{Value: vimtypes.NewBool(v)}
}

func longPolicy(v int64) *vimtypes.LongPolicy {
	return &vimtypes.LongPolicy{Value: v}
}

func vlanSetting(want *spec.VLANSpec, current *vimtypes.VMwareDVSPortSetting) (vimtypes.BaseVmwareDistributedVirtualSwitchVlanSpec, error) {
	if want == nil {
		return nil, nil
	}

	var currentVlan vimtypes.BaseVmwareDistributedVirtualSwitchVlanSpec
	if current != nil {
		currentVlan = current.Vlan
	}

	switch {
	case want.ID != nil:
		if v, ok := currentVlan.(*vimtypes.VmwareDistributedVirtualSwitchVlanIdSpec); ok &&
			!v.Inherited && v.VlanId == *want.ID {
			return nil, nil
		}
		return &vimtypes.VmwareDistributedVirtualSwitchVlanIdSpec{VlanId: *want.ID}, nil

	case want.TrunkRanges != "":
		ranges, err := util.ParseVlanRanges(want.TrunkRanges)
		if err != nil {
			return nil, err
		}
		if v, ok := currentVlan.(*vimtypes.VmwareDistributedVirtualSwitchTrunkVlanSpec); ok &&
			!v.Inherited && slices.Equal(v.VlanId, ranges) {
			return nil, nil
		}
		return &vimtypes.VmwareDistributedVirtualSwitchTrunkVlanSpec{VlanId: ranges}, nil

	case want.PrivateID != nil:
		if v, ok := currentVlan.(*vimtypes.VmwareDistributedVirtualSwitchPvlanSpec); ok &&
			!v.Inherited && v.PvlanId == *want.PrivateID {
			return nil, nil
		}
		return &vimtypes.VmwareDistributedVirtualSwitchPvlanSpec{PvlanId: *want.PrivateID}, nil
	}
	return nil, nil
}

func portSecurity(want *spec.SecurityPolicy, current *vimtypes.VMwareDVSPortSetting) *vimtypes.DVSMacManagementPolicy {
	if want == nil {
		return nil
	}

	var mac *vimtypes.DVSMacManagementPolicy
	if current != nil {
		mac = current.MacManagementPolicy
	}

	var promiscuous, forged, changes *bool
	if mac != nil {
		promiscuous = mac.AllowPromiscuous
		forged = mac.ForgedTransmits
		changes = mac.MacChanges
	}

	boolDiffers := func(want, got *bool) bool {
		return want != nil && (got == nil || *got != *want)
	}

	if !boolDiffers(want.Promiscuous, promiscuous) &&
		!boolDiffers(want.ForgedTransmits, forged) &&
		!boolDiffers(want.MacChanges, changes) {
		return nil
	}

	out := &vimtypes.DVSMacManagementPolicy{}
	if want.Promiscuous != nil {
		out.AllowPromiscuous = want.Promiscuous
	}
	if want.ForgedTransmits != nil {
		out.ForgedTransmits = want.ForgedTransmits
	}
	if want.MacChanges != nil {
		out.MacChanges = want.MacChanges
	}
	return out
}

func teamingSetting(want *spec.TeamingPolicy, current *vimtypes.VMwareDVSPortSetting) *vimtypes.VmwareUplinkPortTeamingPolicy {
	if want == nil {
		return nil
	}

	var cur *vimtypes.VmwareUplinkPortTeamingPolicy
	if current != nil {
		cur = current.UplinkTeamingPolicy
	}

	out := &vimtypes.VmwareUplinkPortTeamingPolicy{}
	changed := false

	if want.LoadBalancing != "" {
		currentLB := ""
		if cur != nil && cur.Policy != nil && !cur.Policy.Inherited {
			currentLB = cur.Policy.Value
		}
		if currentLB != want.LoadBalancing {
			out.Policy = &vimtypes.StringPolicy{Value: want.LoadBalancing}
			changed = true
		}
	}
	if want.FailureDetection != "" {
		wantBeacon := want.FailureDetection == "beacon_probing"
		var currentBeacon *bool
		if cur != nil && cur.FailureCriteria != nil {
			currentBeacon = inheritedBool(cur.FailureCriteria.CheckBeacon)
		}
		if currentBeacon == nil || *currentBeacon != wantBeacon {
			out.FailureCriteria = &vimtypes.DVSFailureCriteria{
				CheckBeacon: boolPolicy(wantBeacon),
			}
			changed = true
		}
	}
	if want.NotifySwitches != nil {
		var currentNotify *bool
		if cur != nil {
			currentNotify = inheritedBool(cur.NotifySwitches)
		}
		if currentNotify == nil || *currentNotify != *want.NotifySwitches {
			out.NotifySwitches = boolPolicy(*want.NotifySwitches)
			changed = true
		}
	}
	if want.Failback != nil {
		// RollingOrder is the inverse of failback.
		wantRolling := !*want.Failback
		var currentRolling *bool
		if cur != nil {
			currentRolling = inheritedBool(cur.RollingOrder)
		}
		if currentRolling == nil || *currentRolling != wantRolling {
			out.RollingOrder = boolPolicy(wantRolling)
			changed = true
		}
	}
	if len(want.ActiveUplinks) > 0 || len(want.StandbyUplinks) > 0 {
		var currentActive, currentStandby []string
		if cur != nil && cur.UplinkPortOrder != nil && !cur.UplinkPortOrder.Inherited {
			currentActive = cur.UplinkPortOrder.ActiveUplinkPort
			currentStandby = cur.UplinkPortOrder.StandbyUplinkPort
		}
		if !slices.Equal(currentActive, want.ActiveUplinks) ||
			!slices.Equal(currentStandby, want.StandbyUplinks) {
			out.UplinkPortOrder = &vimtypes.VMwareUplinkPortOrderPolicy{
				ActiveUplinkPort:  want.ActiveUplinks,
				StandbyUplinkPort: want.StandbyUplinks,
			}
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return out
}

func shapingOf(current *vimtypes.VMwareDVSPortSetting, ingress bool) *vimtypes.DVSTrafficShapingPolicy {
	if current == nil {
		return nil
	}
	if ingress {
		return current.InShapingPolicy
	}
	return current.OutShapingPolicy
}

// shapingSetting builds one direction of traffic shaping; inherited flags
// cascade to each field individually.
func shapingSetting(want *spec.ShapingPolicy, cur *vimtypes.DVSTrafficShapingPolicy) *vimtypes.DVSTrafficShapingPolicy {
	if want == nil || want.Enabled == nil {
		return nil
	}

	var curEnabled *bool
	var curAvg, curPeak, curBurst *int64
	if cur != nil {
		curEnabled = inheritedBool(cur.Enabled)
		if cur.AverageBandwidth != nil && !cur.AverageBandwidth.Inherited {
			curAvg = &cur.AverageBandwidth.Value
		}
		if cur.PeakBandwidth != nil && !cur.PeakBandwidth.Inherited {
			curPeak = &cur.PeakBandwidth.Value
		}
		if cur.BurstSize != nil && !cur.BurstSize.Inherited {
			curBurst = &cur.BurstSize.Value
		}
	}

	same := func(want, got *int64) bool {
		return want == nil || (got != nil && *got == *want)
	}

	if curEnabled != nil && *curEnabled == *want.Enabled &&
		same(want.AverageBandwidth, curAvg) &&
		same(want.PeakBandwidth, curPeak) &&
		same(want.BurstSize, curBurst) {
		return nil
	}

	out := &vimtypes.DVSTrafficShapingPolicy{
		Enabled: boolPolicy(*want.Enabled),
	}
	if *want.Enabled {
		out.AverageBandwidth = longPolicy(*want.AverageBandwidth)
		out.PeakBandwidth = longPolicy(*want.PeakBandwidth)
		out.BurstSize = longPolicy(*want.BurstSize)
	}
	return out
}

func portPolicy(want *spec.PortPolicy, ci *vimtypes.DVPortgroupConfigInfo) *vimtypes.VMwareDVSPortgroupPolicy {
	if want == nil {
		return nil
	}

	var cur *vimtypes.VMwareDVSPortgroupPolicy
	if ci != nil {
		if p, ok := ci.Policy.(*vimtypes.VMwareDVSPortgroupPolicy); ok {
			cur = p
		}
	}

	out := &vimtypes.VMwareDVSPortgroupPolicy{}
	if cur != nil {
		*out = *cur
	}
	changed := false

	apply := func(want *bool, field *bool) {
		if want != nil && *field != *want {
			*field = *want
			changed = true
		}
	}
	applyPtr := func(want *bool, field **bool) {
		if want == nil {
			return
		}
		if *field == nil || **field != *want {
			*field = vimtypes.NewBool(*want)
			changed = true
		}
	}

	apply(want.BlockOverride, &out.BlockOverrideAllowed)
	applyPtr(want.NetworkRPOverride, &out.NetworkResourcePoolOverrideAllowed)
	apply(want.LivePortMove, &out.LivePortMovingAllowed)
	apply(want.PortConfigResetAtDisconnect, &out.PortConfigResetAtDisconnect)
	applyPtr(want.SecurityOverride, &out.MacManagementOverrideAllowed)
	apply(want.ShapingOverride, &out.ShapingOverrideAllowed)
	applyPtr(want.TrafficFilterOverride, &out.TrafficFilterOverrideAllowed)
	apply(want.UplinkTeamingOverride, &out.UplinkTeamingOverrideAllowed)
	apply(want.VendorConfigOverride, &out.VendorConfigOverrideAllowed)
	apply(want.VlanOverride, &out.VlanOverrideAllowed)

	if !changed {
		return nil
	}
	return out
}
