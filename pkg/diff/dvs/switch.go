// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package dvs diffs distributed virtual switches and their portgroups.
package dvs

import (
	"fmt"
	"slices"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

// SwitchObserved is the live DVS state the differ compares against.
type SwitchObserved struct {
	Ref    vimtypes.ManagedObjectReference
	Config *vimtypes.VMwareDVSConfigInfo
	// RecommendedVersions is the server-reported product spec set.
	RecommendedVersions []string
}

// DiffSwitch compares a desired DVS against the observed config. A nil
// observed config means the switch is absent and yields a create.
func DiffSwitch(desired *spec.DistributedSwitch, observed SwitchObserved) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}

	if desired.Version != "" && len(observed.RecommendedVersions) > 0 &&
		!slices.Contains(observed.RecommendedVersions, desired.Version) {
		return nil, nil, errs.BadInputError{
			Field:   "version",
			Message: fmt.Sprintf("version %q not in supported set %v", desired.Version, observed.RecommendedVersions),
		}
	}

	if observed.Config == nil {
		return createSwitch(desired)
	}
	return updateSwitch(desired, observed)
}

func createSwitch(desired *spec.DistributedSwitch) (diff.ChangeSet, []string, error) {
	configSpec := &vimtypes.VMwareDVSConfigSpec{}
	configSpec.Name = desired.Name
	applySwitchSpec(desired, nil, configSpec)

	uplinks := int(ptr.DerefWithDefault(desired.UplinkQuantity, 1))
	names := make([]string, uplinks)
	for i := range names {
		names[i] = desired.UplinkName(i)
	}
	configSpec.UplinkPortPolicy = &vimtypes.DVSNameArrayUplinkPortPolicy{
		UplinkPortName: names,
	}

	createSpec := &vimtypes.DVSCreateSpec{ConfigSpec: configSpec}
	if desired.Version != "" {
		createSpec.ProductInfo = &vimtypes.DistributedVirtualSwitchProductSpec{
			Version: desired.Version,
		}
	}

	return diff.ChangeSet{{
		Op:      diff.OpCreateContainer,
		Kind:    "DistributedVirtualSwitch",
		Name:    desired.Name,
		Payload: createSpec,
	}}, nil, nil
}

func updateSwitch(desired *spec.DistributedSwitch, observed SwitchObserved) (diff.ChangeSet, []string, error) {
	ci := observed.Config
	configSpec := &vimtypes.VMwareDVSConfigSpec{}
	changed := applySwitchSpec(desired, ci, configSpec)

	if uplinkSpec, uplinkChanged := diffUplinks(desired, ci); uplinkChanged {
		configSpec.UplinkPortPolicy = uplinkSpec
		changed = true
	}

	var cs diff.ChangeSet

	if desired.Version != "" {
		current := ci.ProductInfo.Version
		if desired.Version != current {
			cs = append(cs, diff.Edit{
				Op:     diff.OpUpgradeHardware,
				Target: observed.Ref,
				Kind:   "DistributedVirtualSwitch",
				Name:   desired.Version,
				Payload: &vimtypes.DistributedVirtualSwitchProductSpec{
					Version: desired.Version,
				},
			})
		}
	}

	if changed {
		configSpec.ConfigVersion = ci.ConfigVersion
		cs = append(cs, diff.Edit{
			Op:      diff.OpReconfigure,
			Target:  observed.Ref,
			Kind:    "DistributedVirtualSwitch",
			Payload: configSpec,
		})
	}
	return cs, nil, nil
}

// applySwitchSpec fills the config spec fields that differ; ci may be nil
// on create, when every desired field applies.
func applySwitchSpec(desired *spec.DistributedSwitch, ci *vimtypes.VMwareDVSConfigInfo, out *vimtypes.VMwareDVSConfigSpec) bool {
	changed := false

	set := func(apply func()) {
		apply()
		changed = true
	}

	if desired.MTU != nil && (ci == nil || ci.MaxMtu != *desired.MTU) {
		set(func() { out.MaxMtu = *desired.MTU })
	}
	if desired.Description != "" && (ci == nil || ci.Description != desired.Description) {
		set(func() { out.Description = desired.Description })
	}
	if desired.ContactName != "" || desired.ContactInfo != "" {
		var current vimtypes.DVSContactInfo
		if ci != nil {
			current = ci.Contact
		}
		if current.Name != desired.ContactName || current.Contact != desired.ContactInfo {
			set(func() {
				out.Contact = &vimtypes.DVSContactInfo{
					Name:    desired.ContactName,
					Contact: desired.ContactInfo,
				}
			})
		}
	}

	if mode := multicastMode(desired.MulticastFilteringMode); mode != "" {
		if ci == nil || ci.MulticastFilteringMode != mode {
			set(func() { out.MulticastFilteringMode = mode })
		}
	}

	if ld := linkDiscovery(desired.LinkDiscovery); ld != nil {
		var current *vimtypes.LinkDiscoveryProtocolConfig
		if ci != nil {
			current = ci.LinkDiscoveryProtocolConfig
		}
		if current == nil || current.Protocol != ld.Protocol || current.Operation != ld.Operation {
			set(func() { out.LinkDiscoveryProtocolConfig = ld })
		}
	}

	// Health check rides a dedicated API; HealthCheckSpecs carries it to
	// the reconciler separately.

	if nf := netFlowSpec(desired.NetFlow, ci); nf != nil {
		set(func() { out.IpfixConfig = nf })
	}
	if desired.NetFlow != nil && desired.NetFlow.SwitchIP != "" {
		if ci == nil || ci.SwitchIpAddress != desired.NetFlow.SwitchIP {
			set(func() { out.SwitchIpAddress = desired.NetFlow.SwitchIP })
		}
	}

	if mac := macManagement(desired.NetworkPolicy, ci); mac != nil {
		set(func() { out.DefaultPortConfig = mac })
	}

	return changed
}

func multicastMode(mode string) string {
	switch mode {
	case "basic":
		return string(vimtypes.VMwareDvsMulticastFilteringModeLegacyFiltering)
	case "snooping":
		return string(vimtypes.VMwareDvsMulticastFilteringModeSnooping)
	}
	return ""
}

// linkDiscovery maps the declared protocol; disabled becomes cdp with
// operation none.
func linkDiscovery(ld *spec.LinkDiscovery) *vimtypes.LinkDiscoveryProtocolConfig {
	if ld == nil || ld.Protocol == "" {
		return nil
	}
	out := &vimtypes.LinkDiscoveryProtocolConfig{
		Protocol:  ld.Protocol,
		Operation: ld.Operation,
	}
	if ld.Protocol == "disabled" {
		out.Protocol = string(vimtypes.LinkDiscoveryProtocolConfigProtocolTypeCdp)
		out.Operation = string(vimtypes.LinkDiscoveryProtocolConfigOperationTypeNone)
	} else if out.Operation == "" {
		out.Operation = string(vimtypes.LinkDiscoveryProtocolConfigOperationTypeListen)
	}
	return out
}

// HealthCheckSpecs returns the health-check configs that differ from the
// observed state, for submission via UpdateDVSHealthCheckConfig.
func HealthCheckSpecs(desired *spec.DistributedSwitch, observed SwitchObserved) []vimtypes.BaseDVSHealthCheckConfig {
	return healthCheckSpecs(desired, observed.Config)
}

func healthCheckSpecs(desired *spec.DistributedSwitch, ci *vimtypes.VMwareDVSConfigInfo) []vimtypes.BaseDVSHealthCheckConfig {
	var out []vimtypes.BaseDVSHealthCheckConfig

	currentVlanMtu, currentTeaming := observedHealthChecks(ci)

	if hc := desired.HealthCheckVlanMtu; hc != nil && healthCheckDiffers(hc, currentVlanMtu) {
		out = append(out, &vimtypes.VMwareDVSVlanMtuHealthCheckConfig{
			VMwareDVSHealthCheckConfig: vimtypes.VMwareDVSHealthCheckConfig{
				DVSHealthCheckConfig: vimtypes.DVSHealthCheckConfig{
					Enable:   vimtypes.NewBool(hc.Enabled),
					Interval: hc.Interval,
				},
			},
		})
	}
	if hc := desired.HealthCheckTeaming; hc != nil && healthCheckDiffers(hc, currentTeaming) {
		out = append(out, &vimtypes.VMwareDVSTeamingHealthCheckConfig{
			VMwareDVSHealthCheckConfig: vimtypes.VMwareDVSHealthCheckConfig{
				DVSHealthCheckConfig: vimtypes.DVSHealthCheckConfig{
					Enable:   vimtypes.NewBool(hc.Enabled),
					Interval: hc.Interval,
				},
			},
		})
	}
	return out
}

func observedHealthChecks(ci *vimtypes.VMwareDVSConfigInfo) (vlanMtu, teaming *vimtypes.DVSHealthCheckConfig) {
	if ci == nil {
		return nil, nil
	}
	for _, base := range ci.HealthCheckConfig {
		switch hc := base.(type) {
		case *vimtypes.VMwareDVSVlanMtuHealthCheckConfig:
			vlanMtu = &hc.DVSHealthCheckConfig
		case *vimtypes.VMwareDVSTeamingHealthCheckConfig:
			teaming = &hc.DVSHealthCheckConfig
		}
	}
	return vlanMtu, teaming
}

// healthCheckDiffers ignores the interval when the probe is disabled.
func healthCheckDiffers(want *spec.HealthCheck, current *vimtypes.DVSHealthCheckConfig) bool {
	if current == nil {
		return true
	}
	enabled := ptr.Deref(current.Enable)
	if want.Enabled != enabled {
		return true
	}
	if !want.Enabled {
		return false
	}
	return want.Interval != current.Interval
}

func netFlowSpec(nf *spec.NetFlow, ci *vimtypes.VMwareDVSConfigInfo) *vimtypes.VMwareIpfixConfig {
	if nf == nil {
		return nil
	}
	var current vimtypes.VMwareIpfixConfig
	if ci != nil && ci.IpfixConfig != nil {
		current = *ci.IpfixConfig
	}

	out := current
	changed := false

	if nf.CollectorIP != "" && current.CollectorIpAddress != nf.CollectorIP {
		out.CollectorIpAddress = nf.CollectorIP
		changed = true
	}
	if nf.CollectorPort != nil && current.CollectorPort != *nf.CollectorPort {
		out.CollectorPort = *nf.CollectorPort
		changed = true
	}
	if nf.ObservationDomainID != nil && current.ObservationDomainId != *nf.ObservationDomainID {
		out.ObservationDomainId = *nf.ObservationDomainID
		changed = true
	}
	if nf.ActiveFlowTimeout != nil && current.ActiveFlowTimeout != *nf.ActiveFlowTimeout {
		out.ActiveFlowTimeout = *nf.ActiveFlowTimeout
		changed = true
	}
	if nf.IdleFlowTimeout != nil && current.IdleFlowTimeout != *nf.IdleFlowTimeout {
		out.IdleFlowTimeout = *nf.IdleFlowTimeout
		changed = true
	}
	if nf.SamplingRate != nil && current.SamplingRate != *nf.SamplingRate {
		out.SamplingRate = *nf.SamplingRate
		changed = true
	}
	if nf.InternalFlowsOnly != nil && current.InternalFlowsOnly != *nf.InternalFlowsOnly {
		out.InternalFlowsOnly = *nf.InternalFlowsOnly
		changed = true
	}

	if !changed {
		return nil
	}
	return &out
}

// macManagement builds the port-level MAC management defaults when they
// differ from the observed default port config.
func macManagement(policy *spec.SecurityPolicy, ci *vimtypes.VMwareDVSConfigInfo) *vimtypes.VMwareDVSPortSetting {
	if policy == nil {
		return nil
	}

	var current *vimtypes.DVSMacManagementPolicy
	if ci != nil {
		if ps, ok := ci.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting); ok {
			current = ps.MacManagementPolicy
		}
	}

	differs := func(want *bool, got *bool) bool {
		return want != nil && (got == nil || *got != *want)
	}

	var curProm, curForged, curMac *bool
	if current != nil {
		curProm = current.AllowPromiscuous
		curForged = current.ForgedTransmits
		curMac = current.MacChanges
	}

	if !differs(policy.Promiscuous, curProm) &&
		!differs(policy.ForgedTransmits, curForged) &&
		!differs(policy.MacChanges, curMac) {
		return nil
	}

	mac := &vimtypes.DVSMacManagementPolicy{}
	if policy.Promiscuous != nil {
		mac.AllowPromiscuous = policy.Promiscuous
	}
	if policy.ForgedTransmits != nil {
		mac.ForgedTransmits = policy.ForgedTransmits
	}
	if policy.MacChanges != nil {
		mac.MacChanges = policy.MacChanges
	}
	return &vimtypes.VMwareDVSPortSetting{
		MacManagementPolicy: mac,
	}
}

// diffUplinks resizes the uplink name array in place, adding or trimming
// trailing entries with the configured prefix.
func diffUplinks(desired *spec.DistributedSwitch, ci *vimtypes.VMwareDVSConfigInfo) (*vimtypes.DVSNameArrayUplinkPortPolicy, bool) {
	if desired.UplinkQuantity == nil {
		return nil, false
	}

	var current []string
	if policy, ok := ci.UplinkPortPolicy.(*vimtypes.DVSNameArrayUplinkPortPolicy); ok {
		current = policy.UplinkPortName
	}

	want := int(*desired.UplinkQuantity)
	if want == len(current) {
		return nil, false
	}

	names := make([]string, want)
	for i := range names {
		if i < len(current) {
			names[i] = current[i]
		} else {
			names[i] = desired.UplinkName(i)
		}
	}
	return &vimtypes.DVSNameArrayUplinkPortPolicy{UplinkPortName: names}, true
}
