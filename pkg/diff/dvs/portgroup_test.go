// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package dvs_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff/dvs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

func desiredPortgroup() *spec.DistributedPortgroup {
	return &spec.DistributedPortgroup{
		Identity: spec.Identity{Name: "pg-app"},
		State:    spec.StatePresent,
		Switch:   "dvs-prod",
	}
}

func observedPortgroup() dvs.PortgroupObserved {
	return dvs.PortgroupObserved{
		Ref:       vimtypes.ManagedObjectReference{Type: "DistributedVirtualPortgroup", Value: "dvportgroup-33"},
		SwitchRef: vimtypes.ManagedObjectReference{Type: "VmwareDistributedVirtualSwitch", Value: "dvs-21"},
		Config: &vimtypes.DVPortgroupConfigInfo{
			ConfigVersion: "3",
			NumPorts:      128,
			Type:          string(vimtypes.DistributedVirtualPortgroupPortgroupTypeEarlyBinding),
			DefaultPortConfig: &vimtypes.VMwareDVSPortSetting{
				Vlan: &vimtypes.VmwareDistributedVirtualSwitchVlanIdSpec{VlanId: 100},
			},
		},
		Uplinks: []string{"Uplink 1", "Uplink 2"},
	}
}

var _ = Describe("DiffPortgroup", func() {
	It("is empty when desired matches observed", func() {
		desired := desiredPortgroup()
		desired.NumPorts = ptr.To(int32(128))
		desired.VLAN = &spec.VLANSpec{ID: ptr.To(int32(100))}

		cs, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(err).ToNot(HaveOccurred())
		Expect(cs.Empty()).To(BeTrue())
	})

	It("creates an absent portgroup under the owning switch", func() {
		desired := desiredPortgroup()
		desired.NumPorts = ptr.To(int32(64))
		desired.PortBinding = "ephemeral"
		observed := observedPortgroup()
		observed.Config = nil

		cs, _, err := dvs.DiffPortgroup(desired, observed)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs).To(HaveLen(1))
		Expect(cs[0].Op).To(Equal(diff.OpCreateContainer))
		Expect(cs[0].Parent).To(Equal(observed.SwitchRef))

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		Expect(configSpec.Name).To(Equal("pg-app"))
		Expect(configSpec.NumPorts).To(Equal(int32(64)))
		Expect(configSpec.Type).To(Equal(string(vimtypes.DistributedVirtualPortgroupPortgroupTypeEphemeral)))
	})

	It("reconfigures a drifted vlan id carrying the config version", func() {
		desired := desiredPortgroup()
		desired.VLAN = &spec.VLANSpec{ID: ptr.To(int32(200))}

		cs, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(err).ToNot(HaveOccurred())
		Expect(cs).To(HaveLen(1))
		Expect(cs[0].Op).To(Equal(diff.OpReconfigure))

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		Expect(configSpec.ConfigVersion).To(Equal("3"))
		port := configSpec.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting)
		vlan := port.Vlan.(*vimtypes.VmwareDistributedVirtualSwitchVlanIdSpec)
		Expect(vlan.VlanId).To(Equal(int32(200)))
	})

	It("parses trunk ranges into vlan id pairs", func() {
		desired := desiredPortgroup()
		desired.VLAN = &spec.VLANSpec{TrunkRanges: "10-20, 30"}

		cs, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(err).ToNot(HaveOccurred())

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		port := configSpec.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting)
		trunk := port.Vlan.(*vimtypes.VmwareDistributedVirtualSwitchTrunkVlanSpec)
		Expect(trunk.VlanId).To(Equal([]vimtypes.NumericRange{
			{Start: 10, End: 20},
			{Start: 30, End: 30},
		}))
	})

	It("rejects a private vlan id the switch does not carry", func() {
		desired := desiredPortgroup()
		desired.VLAN = &spec.VLANSpec{PrivateID: ptr.To(int32(4000))}
		observed := observedPortgroup()
		observed.PvlanIDs = []int32{100, 200}

		_, _, err := dvs.DiffPortgroup(desired, observed)
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})

	It("accepts a private vlan id the switch carries", func() {
		desired := desiredPortgroup()
		desired.VLAN = &spec.VLANSpec{PrivateID: ptr.To(int32(200))}
		observed := observedPortgroup()
		observed.PvlanIDs = []int32{100, 200}

		cs, _, err := dvs.DiffPortgroup(desired, observed)
		Expect(err).ToNot(HaveOccurred())

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		port := configSpec.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting)
		pvlan := port.Vlan.(*vimtypes.VmwareDistributedVirtualSwitchPvlanSpec)
		Expect(pvlan.PvlanId).To(Equal(int32(200)))
	})

	It("rejects teaming uplinks the switch does not define", func() {
		desired := desiredPortgroup()
		desired.Teaming = &spec.TeamingPolicy{ActiveUplinks: []string{"Uplink 9"}}

		_, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})

	It("rejects elastic allocation on ephemeral binding", func() {
		desired := desiredPortgroup()
		desired.PortBinding = "ephemeral"
		desired.PortAllocation = "elastic"

		_, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})

	It("maps failback to the inverse rolling order", func() {
		desired := desiredPortgroup()
		desired.Teaming = &spec.TeamingPolicy{
			LoadBalancing:  "loadbalance_srcid",
			Failback:       ptr.To(true),
			NotifySwitches: ptr.To(true),
			ActiveUplinks:  []string{"Uplink 1"},
			StandbyUplinks: []string{"Uplink 2"},
		}

		cs, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(err).ToNot(HaveOccurred())

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		port := configSpec.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting)
		team := port.UplinkTeamingPolicy
		Expect(team.Policy.Value).To(Equal("loadbalance_srcid"))
		Expect(*team.RollingOrder.Value).To(BeFalse())
		Expect(*team.NotifySwitches.Value).To(BeTrue())
		Expect(team.UplinkPortOrder.ActiveUplinkPort).To(Equal([]string{"Uplink 1"}))
		Expect(team.UplinkPortOrder.StandbyUplinkPort).To(Equal([]string{"Uplink 2"}))
	})

	It("requires all three rates on enabled shaping", func() {
		desired := desiredPortgroup()
		desired.IngressShaping = &spec.ShapingPolicy{Enabled: ptr.To(true)}

		_, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})

	It("builds enabled shaping with all rates", func() {
		desired := desiredPortgroup()
		desired.IngressShaping = &spec.ShapingPolicy{
			Enabled:          ptr.To(true),
			AverageBandwidth: ptr.To(int64(100000)),
			PeakBandwidth:    ptr.To(int64(200000)),
			BurstSize:        ptr.To(int64(1024)),
		}

		cs, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(err).ToNot(HaveOccurred())

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		port := configSpec.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting)
		Expect(*port.InShapingPolicy.Enabled.Value).To(BeTrue())
		Expect(port.InShapingPolicy.AverageBandwidth.Value).To(Equal(int64(100000)))
		Expect(port.OutShapingPolicy).To(BeNil())
	})

	It("enables mac learning inside the mac management policy", func() {
		desired := desiredPortgroup()
		desired.MacLearning = ptr.To(true)

		cs, _, err := dvs.DiffPortgroup(desired, observedPortgroup())
		Expect(err).ToNot(HaveOccurred())

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		port := configSpec.DefaultPortConfig.(*vimtypes.VMwareDVSPortSetting)
		Expect(port.MacManagementPolicy.MacLearningPolicy.Enabled).To(BeTrue())
	})

	It("flips only drifted override policies", func() {
		desired := desiredPortgroup()
		desired.PortPolicy = &spec.PortPolicy{
			VlanOverride: ptr.To(true),
			LivePortMove: ptr.To(false),
		}
		observed := observedPortgroup()
		observed.Config.Policy = &vimtypes.VMwareDVSPortgroupPolicy{
			DVPortgroupPolicy: vimtypes.DVPortgroupPolicy{
				LivePortMovingAllowed: false,
			},
			VlanOverrideAllowed: false,
		}

		cs, _, err := dvs.DiffPortgroup(desired, observed)
		Expect(err).ToNot(HaveOccurred())

		configSpec := cs[0].Payload.(*vimtypes.DVPortgroupConfigSpec)
		policy := configSpec.Policy.(*vimtypes.VMwareDVSPortgroupPolicy)
		Expect(policy.VlanOverrideAllowed).To(BeTrue())
		Expect(policy.LivePortMovingAllowed).To(BeFalse())
	})
})
