// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package propcol_test

import (
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/propcol"
)

var _ = Describe("ToPlain", func() {
	It("collapses managed object references to their moid", func() {
		ref := vimtypes.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-10"}
		Expect(propcol.ToPlain(ref)).To(Equal("vm-10"))
		Expect(propcol.ToPlain(&ref)).To(Equal("vm-10"))

		var nilRef *vimtypes.ManagedObjectReference
		Expect(propcol.ToPlain(nilRef)).To(BeNil())
	})

	It("passes primitives through", func() {
		Expect(propcol.ToPlain("name")).To(Equal("name"))
		Expect(propcol.ToPlain(int32(4))).To(Equal(int32(4)))
		Expect(propcol.ToPlain(true)).To(Equal(true))
		Expect(propcol.ToPlain(nil)).To(BeNil())
	})

	It("formats timestamps as RFC3339", func() {
		ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		Expect(propcol.ToPlain(ts)).To(Equal("2026-08-30T12:00:00Z"))
	})

	It("renders enum values as strings", func() {
		Expect(propcol.ToPlain(vimtypes.VirtualMachinePowerStatePoweredOn)).To(Equal("poweredOn"))
	})

	It("maps structs by lower-camel field name, flattening embedded types", func() {
		out := propcol.ToPlain(vimtypes.ElementDescription{
			Description: vimtypes.Description{
				Label:   "Power on",
				Summary: "Power on the virtual machine",
			},
			Key: "powerOn",
		})
		Expect(out).To(Equal(map[string]any{
			"label":   "Power on",
			"summary": "Power on the virtual machine",
			"key":     "powerOn",
		}))
	})

	It("omits nil pointer fields and recurses interface values", func() {
		out := propcol.ToPlain(vimtypes.OptionValue{Key: "guestinfo.owner", Value: "team-a"})
		Expect(out).To(Equal(map[string]any{
			"key":   "guestinfo.owner",
			"value": "team-a",
		}))
	})

	It("converts typed slices to []any", func() {
		refs := []vimtypes.ManagedObjectReference{
			{Type: "Network", Value: "network-7"},
			{Type: "Network", Value: "network-8"},
		}
		Expect(propcol.ToPlain(refs)).To(Equal([]any{"network-7", "network-8"}))
	})

	It("keeps byte slices intact", func() {
		Expect(propcol.ToPlain([]byte{0x1, 0x2})).To(Equal([]byte{0x1, 0x2}))
	})
})

var _ = Describe("SetNested and GetNested", func() {
	It("builds and reads dotted paths", func() {
		m := map[string]any{}
		propcol.SetNested(m, "summary.runtime.powerState", "poweredOn")
		propcol.SetNested(m, "summary.config.name", "web-01")
		propcol.SetNested(m, "name", "web-01")

		Expect(m).To(Equal(map[string]any{
			"name": "web-01",
			"summary": map[string]any{
				"runtime": map[string]any{"powerState": "poweredOn"},
				"config":  map[string]any{"name": "web-01"},
			},
		}))

		v, ok := propcol.GetNested(m, "summary.runtime.powerState")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("poweredOn"))

		_, ok = propcol.GetNested(m, "summary.runtime.host")
		Expect(ok).To(BeFalse())

		_, ok = propcol.GetNested(m, "name.leaf")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Flatten", func() {
	It("inverts nesting back to dotted paths", func() {
		flat := propcol.Flatten(map[string]any{
			"name": "web-01",
			"summary": map[string]any{
				"runtime": map[string]any{"powerState": "poweredOn"},
			},
			"guest": map[string]any{},
		})
		Expect(flat).To(Equal(map[string]any{
			"name":                       "web-01",
			"summary.runtime.powerState": "poweredOn",
			"guest":                      map[string]any{},
		}))
	})

	It("round-trips through SetNested", func() {
		flat := map[string]any{
			"name":                       "web-01",
			"config.guestId":             "otherGuest64",
			"config.hardware.numCPU":     int32(4),
			"summary.runtime.powerState": "poweredOn",
		}
		nested := map[string]any{}
		for path, v := range flat {
			propcol.SetNested(nested, path, v)
		}
		Expect(cmp.Diff(flat, propcol.Flatten(nested))).To(BeEmpty())
	})
})
