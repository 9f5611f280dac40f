// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package vcopts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff/vcopts"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

func observedOptions(values ...vimtypes.BaseOptionValue) vcopts.Observed {
	return vcopts.Observed{
		Ref:     vimtypes.ManagedObjectReference{Type: "OptionManager", Value: "VpxSettings"},
		Current: values,
	}
}

func optionPayload(e diff.Edit) *vimtypes.OptionValue {
	ov, ok := e.Payload.(*vimtypes.OptionValue)
	Expect(ok).To(BeTrue())
	return ov
}

var _ = Describe("Diff", func() {
	It("is empty with no declared settings", func() {
		cs, _, err := vcopts.Diff(&spec.VCenterOptions{}, observedOptions())
		Expect(err).ToNot(HaveOccurred())
		Expect(cs.Empty()).To(BeTrue())
	})

	It("rejects an empty option key", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{"": "x"}}

		_, _, err := vcopts.Diff(desired, observedOptions())
		Expect(err).To(HaveOccurred())
	})

	It("skips settings that already match", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{
			"event.maxAge": 30,
		}}
		observed := observedOptions(
			&vimtypes.OptionValue{Key: "event.maxAge", Value: int32(30)},
		)

		cs, _, err := vcopts.Diff(desired, observed)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs.Empty()).To(BeTrue())
	})

	It("emits sorted edits for drifted settings", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{
			"event.maxAge":       45,
			"config.log.level":   "info",
			"VirtualCenter.FQDN": "vc01.corp.local",
		}}
		observed := observedOptions(
			&vimtypes.OptionValue{Key: "event.maxAge", Value: int32(30)},
			&vimtypes.OptionValue{Key: "config.log.level", Value: "verbose"},
		)

		cs, _, err := vcopts.Diff(desired, observed)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs).To(HaveLen(3))
		Expect(cs[0].Name).To(Equal("VirtualCenter.FQDN"))
		Expect(cs[1].Name).To(Equal("config.log.level"))
		Expect(cs[2].Name).To(Equal("event.maxAge"))
		Expect(cs[0].Op).To(Equal(diff.OpSetOption))
	})

	It("coerces to the observed value's type", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{
			"alarms.enabled": "true",
			"event.maxAge":   "45",
		}}
		observed := observedOptions(
			&vimtypes.OptionValue{Key: "alarms.enabled", Value: false},
			&vimtypes.OptionValue{Key: "event.maxAge", Value: int32(30)},
		)

		cs, _, err := vcopts.Diff(desired, observed)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs).To(HaveLen(2))
		Expect(optionPayload(cs[0]).Value).To(Equal(true))
		Expect(optionPayload(cs[1]).Value).To(Equal(int32(45)))
	})

	It("fails on an uncoercible bool", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{
			"alarms.enabled": "maybe",
		}}
		observed := observedOptions(
			&vimtypes.OptionValue{Key: "alarms.enabled", Value: false},
		)

		_, _, err := vcopts.Diff(desired, observed)
		Expect(err).To(MatchError(ContainSubstring("cannot interpret")))
	})

	It("collapses integral json numbers for new keys", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{
			"task.maxAge": float64(10),
		}}

		cs, _, err := vcopts.Diff(desired, observedOptions())
		Expect(err).ToNot(HaveOccurred())
		Expect(cs).To(HaveLen(1))
		Expect(optionPayload(cs[0]).Value).To(Equal(int64(10)))
	})

	It("treats a truthy string as matching an observed bool", func() {
		desired := &spec.VCenterOptions{Settings: map[string]any{
			"alarms.enabled": "on",
		}}
		observed := observedOptions(
			&vimtypes.OptionValue{Key: "alarms.enabled", Value: true},
		)

		cs, _, err := vcopts.Diff(desired, observed)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs.Empty()).To(BeTrue())
	})
})
