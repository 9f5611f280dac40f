// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package vswitch diffs host-local standard virtual switches.
package vswitch

import (
	"slices"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

// Observed is the live switch state on one host.
type Observed struct {
	// HostRef is the owning host; standard switch edits target its
	// network system.
	HostRef vimtypes.ManagedObjectReference
	// Switch is nil when absent.
	Switch *vimtypes.HostVirtualSwitch
}

// Diff compares a desired standard vSwitch against the observed host
// state. The returned edits carry *vimtypes.HostVirtualSwitchSpec payloads
// for the host network system.
func Diff(desired *spec.StandardSwitch, observed Observed) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}

	if desired.State == spec.StateAbsent {
		if observed.Switch == nil {
			return nil, nil, nil
		}
		return diff.ChangeSet{{
			Op:     diff.OpDestroyContainer,
			Target: observed.HostRef,
			Kind:   "HostVirtualSwitch",
			Name:   desired.Name,
		}}, nil, nil
	}

	if observed.Switch == nil {
		return createSwitch(desired, observed)
	}
	return updateSwitch(desired, observed)
}

func createSwitch(desired *spec.StandardSwitch, observed Observed) (diff.ChangeSet, []string, error) {
	sw := &vimtypes.HostVirtualSwitchSpec{
		NumPorts: 128,
	}
	if desired.NumPorts != nil {
		sw.NumPorts = *desired.NumPorts
	}
	if desired.MTU != nil {
		sw.Mtu = *desired.MTU
	}
	if len(desired.NICs) > 0 {
		sw.Bridge = &vimtypes.HostVirtualSwitchBondBridge{
			NicDevice: slices.Clone(desired.NICs),
		}
	}
	sw.Policy = networkPolicy(desired, nil)

	return diff.ChangeSet{{
		Op:      diff.OpCreateContainer,
		Parent:  observed.HostRef,
		Kind:    "HostVirtualSwitch",
		Name:    desired.Name,
		Payload: sw,
	}}, nil, nil
}

func updateSwitch(desired *spec.StandardSwitch, observed Observed) (diff.ChangeSet, []string, error) {
	current := observed.Switch
	var warnings []string

	out := vimtypes.HostVirtualSwitchSpec{
		NumPorts: current.Spec.NumPorts,
		Mtu:      current.Spec.Mtu,
		Bridge:   current.Spec.Bridge,
		Policy:   current.Spec.Policy,
	}
	changed := false

	if desired.MTU != nil && out.Mtu != *desired.MTU {
		out.Mtu = *desired.MTU
		changed = true
	}
	if desired.NumPorts != nil && out.NumPorts != *desired.NumPorts {
		out.NumPorts = *desired.NumPorts
		changed = true
	}

	var currentNICs []string
	if bond, ok := current.Spec.Bridge.(*vimtypes.HostVirtualSwitchBondBridge); ok {
		currentNICs = bond.NicDevice
	}
	if desired.NICs != nil && !sameSet(currentNICs, desired.NICs) {
		out.Bridge = &vimtypes.HostVirtualSwitchBondBridge{
			NicDevice: slices.Clone(desired.NICs),
		}
		changed = true
	}

	if policy := networkPolicy(desired, current.Spec.Policy); policy != nil {
		// Uplinks no longer bonded are evicted from the teaming order.
		pruneNicOrder(policy, desired.NICs, currentNICs)
		out.Policy = policy
		changed = true
	}

	if !changed {
		return nil, warnings, nil
	}
	return diff.ChangeSet{{
		Op:      diff.OpReconfigure,
		Target:  observed.HostRef,
		Kind:    "HostVirtualSwitch",
		Name:    desired.Name,
		Payload: &out,
	}}, warnings, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

// networkPolicy builds the switch policy when any declared field differs;
// nil when nothing changes.
func networkPolicy(desired *spec.StandardSwitch, current *vimtypes.HostNetworkPolicy) *vimtypes.HostNetworkPolicy {
	out := &vimtypes.HostNetworkPolicy{}
	if current != nil {
		*out = *current
	}
	changed := false

	if sec := desired.Security; sec != nil {
		if out.Security == nil {
			out.Security = &vimtypes.HostNetworkSecurityPolicy{}
		}
		secOut := *out.Security
		applyBool := func(want *bool, field **bool) {
			if want != nil && (*field == nil || **field != *want) {
				*field = vimtypes.NewBool(*want)
				changed = true
			}
		}
		applyBool(sec.Promiscuous, &secOut.AllowPromiscuous)
		applyBool(sec.ForgedTransmits, &secOut.ForgedTransmits)
		applyBool(sec.MacChanges, &secOut.MacChanges)
		out.Security = &secOut
	}

	if team := desired.Teaming; team != nil {
		if out.NicTeaming == nil {
			out.NicTeaming = &vimtypes.HostNicTeamingPolicy{}
		}
		teamOut := *out.NicTeaming

		if team.LoadBalancing != "" && teamOut.Policy != team.LoadBalancing {
			teamOut.Policy = team.LoadBalancing
			changed = true
		}
		if team.FailureDetection != "" {
			wantBeacon := team.FailureDetection == "beacon_probing"
			if teamOut.FailureCriteria == nil {
				teamOut.FailureCriteria = &vimtypes.HostNicFailureCriteria{}
			}
			fc := *teamOut.FailureCriteria
			if fc.CheckBeacon == nil || *fc.CheckBeacon != wantBeacon {
				fc.CheckBeacon = vimtypes.NewBool(wantBeacon)
				teamOut.FailureCriteria = &fc
				changed = true
			}
		}
		if team.NotifySwitches != nil &&
			(teamOut.NotifySwitches == nil || *teamOut.NotifySwitches != *team.NotifySwitches) {
			teamOut.NotifySwitches = vimtypes.NewBool(*team.NotifySwitches)
			changed = true
		}
		if team.Failback != nil {
			wantRolling := !*team.Failback
			if teamOut.RollingOrder == nil || *teamOut.RollingOrder != wantRolling {
				teamOut.RollingOrder = vimtypes.NewBool(wantRolling)
				changed = true
			}
		}
		if len(team.ActiveUplinks) > 0 || len(team.StandbyUplinks) > 0 {
			if teamOut.NicOrder == nil {
				teamOut.NicOrder = &vimtypes.HostNicOrderPolicy{}
			}
			order := *teamOut.NicOrder
			if !slices.Equal(order.ActiveNic, team.ActiveUplinks) ||
				!slices.Equal(order.StandbyNic, team.StandbyUplinks) {
				order.ActiveNic = slices.Clone(team.ActiveUplinks)
				order.StandbyNic = slices.Clone(team.StandbyUplinks)
				teamOut.NicOrder = &order
				changed = true
			}
		}
		out.NicTeaming = &teamOut
	}

	if shaping := desired.Shaping; shaping != nil && shaping.Enabled != nil {
		if out.ShapingPolicy == nil {
			out.ShapingPolicy = &vimtypes.HostNetworkTrafficShapingPolicy{}
		}
		sp := *out.ShapingPolicy
		if sp.Enabled == nil || *sp.Enabled != *shaping.Enabled {
			sp.Enabled = vimtypes.NewBool(*shaping.Enabled)
			changed = true
		}
		if *shaping.Enabled {
			applyI64 := func(want *int64, field *int64) {
				if want != nil && *field != *want {
					*field = *want
					changed = true
				}
			}
			applyI64(shaping.AverageBandwidth, &sp.AverageBandwidth)
			applyI64(shaping.PeakBandwidth, &sp.PeakBandwidth)
			applyI64(shaping.BurstSize, &sp.BurstSize)
		}
		out.ShapingPolicy = &sp
	}

	if !changed {
		return nil
	}
	return out
}

// pruneNicOrder drops uplinks from the active and standby lists when they
// are no longer bonded to the switch.
func pruneNicOrder(policy *vimtypes.HostNetworkPolicy, desiredNICs, currentNICs []string) {
	if policy.NicTeaming == nil || policy.NicTeaming.NicOrder == nil {
		return
	}
	bonded := desiredNICs
	if bonded == nil {
		bonded = currentNICs
	}
	keep := func(nic string) bool {
		return slices.Contains(bonded, nic)
	}
	order := policy.NicTeaming.NicOrder
	order.ActiveNic = slices.DeleteFunc(slices.Clone(order.ActiveNic), func(n string) bool { return !keep(n) })
	order.StandbyNic = slices.DeleteFunc(slices.Clone(order.StandbyNic), func(n string) bool { return !keep(n) })
}
