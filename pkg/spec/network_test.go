// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

var _ = Describe("DistributedSwitch Validate", func() {
	It("requires a name", func() {
		s := &spec.DistributedSwitch{}
		Expect(s.Validate()).To(MatchError(ContainSubstring("switch_name")))
	})

	It("bounds the mtu", func() {
		s := &spec.DistributedSwitch{
			Identity: spec.Identity{Name: "dvs0"},
			MTU:      ptr.To(int32(10000)),
		}
		Expect(s.Validate()).To(MatchError(ContainSubstring("out of range")))
	})

	It("rejects an unknown multicast filtering mode", func() {
		s := &spec.DistributedSwitch{
			Identity:               spec.Identity{Name: "dvs0"},
			MulticastFilteringMode: "flooding",
		}
		Expect(s.Validate()).To(MatchError(ContainSubstring("unknown mode")))
	})

	It("formats uplink names with the default prefix", func() {
		s := &spec.DistributedSwitch{Identity: spec.Identity{Name: "dvs0"}}
		Expect(s.UplinkName(0)).To(HaveSuffix("1"))
		s.UplinkPrefix = "uplink_"
		Expect(s.UplinkName(1)).To(Equal("uplink_2"))
	})
})

var _ = Describe("VLANSpec Validate", func() {
	It("rejects combining id and trunk ranges", func() {
		v := &spec.VLANSpec{ID: ptr.To(int32(10)), TrunkRanges: "1-100"}
		Expect(v.Validate()).To(MatchError(ContainSubstring("mutually exclusive")))
	})

	It("bounds a single id", func() {
		v := &spec.VLANSpec{ID: ptr.To(int32(4095))}
		Expect(v.Validate()).To(MatchError(ContainSubstring("out of range")))
	})

	It("validates trunk range syntax", func() {
		v := &spec.VLANSpec{TrunkRanges: "200-100"}
		Expect(v.Validate()).To(HaveOccurred())
	})

	It("accepts a nil spec", func() {
		var v *spec.VLANSpec
		Expect(v.Validate()).To(Succeed())
	})
})

var _ = Describe("DistributedPortgroup Validate", func() {
	valid := func() *spec.DistributedPortgroup {
		return &spec.DistributedPortgroup{
			Identity: spec.Identity{Name: "pg-web"},
			Switch:   "dvs0",
		}
	}

	It("accepts a minimal portgroup", func() {
		Expect(valid().Validate()).To(Succeed())
	})

	It("requires the owning switch", func() {
		pg := valid()
		pg.Switch = ""
		Expect(pg.Validate()).To(MatchError(ContainSubstring("switch_name")))
	})

	It("forbids elastic allocation on ephemeral binding", func() {
		pg := valid()
		pg.PortBinding = "ephemeral"
		pg.PortAllocation = "elastic"
		Expect(pg.Validate()).To(MatchError(ContainSubstring("ephemeral binding forbids elastic allocation")))
	})

	It("rejects an unknown binding", func() {
		pg := valid()
		pg.PortBinding = "dynamic"
		Expect(pg.Validate()).To(MatchError(ContainSubstring("unknown binding")))
	})
})

var _ = Describe("StandardSwitch Validate", func() {
	It("requires switch and host", func() {
		s := &spec.StandardSwitch{Name: "vSwitch1"}
		Expect(s.Validate()).To(MatchError(ContainSubstring("esxi_hostname")))

		s = &spec.StandardSwitch{ESXiHost: "esxi-01"}
		Expect(s.Validate()).To(MatchError(ContainSubstring("switch")))
	})
})

var _ = Describe("ShapingPolicy Validate", func() {
	It("requires all three rates together", func() {
		sp := &spec.ShapingPolicy{
			Enabled:          ptr.To(true),
			AverageBandwidth: ptr.To(int64(100000)),
		}
		Expect(sp.Validate("in_shaping")).To(HaveOccurred())
	})

	It("accepts the full triple", func() {
		sp := &spec.ShapingPolicy{
			Enabled:          ptr.To(true),
			AverageBandwidth: ptr.To(int64(100000)),
			PeakBandwidth:    ptr.To(int64(200000)),
			BurstSize:        ptr.To(int64(1024)),
		}
		Expect(sp.Validate("in_shaping")).To(Succeed())
	})

	It("accepts nil", func() {
		var sp *spec.ShapingPolicy
		Expect(sp.Validate("in_shaping")).To(Succeed())
	})
})
