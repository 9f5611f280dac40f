// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package iscsi_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff/iscsi"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

func desiredAdapter() *spec.ISCSIAdapter {
	return &spec.ISCSIAdapter{
		State:     spec.StatePresent,
		ESXiHost:  "esxi-01.corp.local",
		VmhbaName: "vmhba64",
	}
}

func observedAdapter() iscsi.Observed {
	return iscsi.Observed{
		HostRef:         vimtypes.ManagedObjectReference{Type: "HostSystem", Value: "host-12"},
		SoftwareEnabled: true,
		HBA: &vimtypes.HostInternetScsiHba{
			IScsiName:  "iqn.1998-01.com.vmware:esxi-01",
			IScsiAlias: "esxi-01",
		},
	}
}

var _ = Describe("Diff", func() {
	Context("software adapter service", func() {
		It("enables a disabled service", func() {
			desired := desiredAdapter()
			desired.State = spec.StateEnabled
			observed := observedAdapter()
			observed.SoftwareEnabled = false

			cs, _, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Op).To(Equal(diff.OpSetOption))
			Expect(cs[0].Kind).To(Equal("SoftwareIscsi"))
			Expect(cs[0].Payload).To(Equal(true))
		})

		It("no-ops an already enabled service", func() {
			desired := desiredAdapter()
			desired.State = spec.StateEnabled

			cs, _, err := iscsi.Diff(desired, observedAdapter())
			Expect(err).ToNot(HaveOccurred())
			Expect(cs.Empty()).To(BeTrue())
		})

		It("disables an enabled service without needing a vmhba name", func() {
			desired := desiredAdapter()
			desired.State = spec.StateDisabled
			desired.VmhbaName = ""

			cs, _, err := iscsi.Diff(desired, observedAdapter())
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Payload).To(Equal(false))
		})
	})

	It("requires the vmhba name when configuring", func() {
		desired := desiredAdapter()
		desired.VmhbaName = ""

		_, _, err := iscsi.Diff(desired, observedAdapter())
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})

	It("fails when the named hba is missing", func() {
		observed := observedAdapter()
		observed.HBA = nil

		_, _, err := iscsi.Diff(desiredAdapter(), observed)
		Expect(errs.IsNotFound(err)).To(BeTrue())
	})

	It("sets a drifted iscsi name and alias", func() {
		desired := desiredAdapter()
		desired.IscsiName = "iqn.1998-01.com.vmware:esxi-01-new"
		desired.Alias = "esxi-01" // unchanged

		cs, _, err := iscsi.Diff(desired, observedAdapter())
		Expect(err).ToNot(HaveOccurred())
		Expect(cs).To(HaveLen(1))
		Expect(cs[0].Kind).To(Equal("IscsiName"))
		Expect(cs[0].Payload).To(Equal("iqn.1998-01.com.vmware:esxi-01-new"))
	})

	Context("chap", func() {
		It("rejects a mutual secret without chapRequired", func() {
			desired := desiredAdapter()
			desired.CHAP = &spec.CHAPSettings{
				AuthType:     "chapPreferred",
				MutualSecret: "s3cret",
			}

			_, _, err := iscsi.Diff(desired, observedAdapter())
			Expect(errs.IsBadInput(err)).To(BeTrue())
		})

		It("reapplies whenever a secret is declared", func() {
			desired := desiredAdapter()
			desired.CHAP = &spec.CHAPSettings{
				AuthType: "chapRequired",
				Name:     "initiator",
				Secret:   "s3cret",
			}
			observed := observedAdapter()
			observed.HBA.AuthenticationProperties = vimtypes.HostInternetScsiHbaAuthenticationProperties{
				ChapAuthenticationType: "chapRequired",
				ChapName:               "initiator",
			}

			cs, _, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Kind).To(Equal("IscsiAuth"))

			auth := cs[0].Payload.(*vimtypes.HostInternetScsiHbaAuthenticationProperties)
			Expect(auth.ChapAuthEnabled).To(BeTrue())
			Expect(auth.ChapSecret).To(Equal("s3cret"))
		})

		It("skips matching secretless settings", func() {
			desired := desiredAdapter()
			desired.CHAP = &spec.CHAPSettings{
				AuthType: "chapRequired",
				Name:     "initiator",
			}
			observed := observedAdapter()
			observed.HBA.AuthenticationProperties = vimtypes.HostInternetScsiHbaAuthenticationProperties{
				ChapAuthenticationType: "chapRequired",
				ChapName:               "initiator",
			}

			cs, _, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs.Empty()).To(BeTrue())
		})
	})

	Context("send targets", func() {
		It("adds a new target defaulting the port", func() {
			desired := desiredAdapter()
			desired.SendTargets = []spec.SendTarget{{Address: "10.0.0.50"}}

			cs, _, err := iscsi.Diff(desired, observedAdapter())
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Op).To(Equal(diff.OpAddDevice))
			Expect(cs[0].Kind).To(Equal("IscsiSendTarget"))
			Expect(cs[0].Name).To(Equal("10.0.0.50:3260"))

			target := cs[0].Payload.(vimtypes.HostInternetScsiHbaSendTarget)
			Expect(target.Port).To(Equal(int32(3260)))
		})

		It("removes an absent target and skips a present one", func() {
			desired := desiredAdapter()
			desired.SendTargets = []spec.SendTarget{
				{State: spec.StateAbsent, Address: "10.0.0.50"},
				{Address: "10.0.0.51", Port: 3261},
			}
			observed := observedAdapter()
			observed.HBA.ConfiguredSendTarget = []vimtypes.HostInternetScsiHbaSendTarget{
				{Address: "10.0.0.50", Port: 3260},
				{Address: "10.0.0.51", Port: 3261},
			}

			cs, _, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Op).To(Equal(diff.OpRemoveDevice))
			Expect(cs[0].Name).To(Equal("10.0.0.50:3260"))
		})

		It("edits per-target chap on an existing target", func() {
			desired := desiredAdapter()
			desired.SendTargets = []spec.SendTarget{{
				Address: "10.0.0.50",
				CHAP:    &spec.CHAPSettings{AuthType: "chapRequired", Name: "t", Secret: "s"},
			}}
			observed := observedAdapter()
			observed.HBA.ConfiguredSendTarget = []vimtypes.HostInternetScsiHbaSendTarget{
				{Address: "10.0.0.50", Port: 3260},
			}

			cs, _, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Op).To(Equal(diff.OpEditDevice))

			target := cs[0].Payload.(vimtypes.HostInternetScsiHbaSendTarget)
			Expect(*target.AuthenticationProperties.ChapInherited).To(BeFalse())
		})
	})

	Context("static targets", func() {
		It("keys targets by name, address and port", func() {
			desired := desiredAdapter()
			desired.StaticTargets = []spec.StaticTarget{{
				IscsiName: "iqn.2001-05.com.array:lun1",
				Address:   "10.0.0.60",
			}}

			cs, _, err := iscsi.Diff(desired, observedAdapter())
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Op).To(Equal(diff.OpAddDevice))
			Expect(cs[0].Kind).To(Equal("IscsiStaticTarget"))
			Expect(cs[0].Name).To(Equal("iqn.2001-05.com.array:lun1@10.0.0.60:3260"))
		})

		It("requires name and address", func() {
			desired := desiredAdapter()
			desired.StaticTargets = []spec.StaticTarget{{Address: "10.0.0.60"}}

			_, _, err := iscsi.Diff(desired, observedAdapter())
			Expect(errs.IsBadInput(err)).To(BeTrue())
		})
	})

	Context("port bindings", func() {
		It("set-equivalences bindings", func() {
			desired := desiredAdapter()
			desired.PortBindings = []string{"vmk1", "vmk2"}
			observed := observedAdapter()
			observed.BoundVnics = []string{"vmk2", "vmk3"}

			cs, _, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(2))
			Expect(cs[0].Op).To(Equal(diff.OpAddDevice))
			Expect(cs[0].Name).To(Equal("vmk1"))
			Expect(cs[1].Op).To(Equal(diff.OpRemoveDevice))
			Expect(cs[1].Name).To(Equal("vmk3"))
		})

		It("refuses to unbind an active vmk without force", func() {
			desired := desiredAdapter()
			desired.PortBindings = []string{}
			observed := observedAdapter()
			observed.BoundVnics = []string{"vmk3"}
			observed.ActiveVnics = []string{"vmk3"}

			_, _, err := iscsi.Diff(desired, observed)
			Expect(errs.IsBadInput(err)).To(BeTrue())
		})

		It("unbinds an active vmk with force, warning", func() {
			desired := desiredAdapter()
			desired.PortBindings = []string{}
			desired.Force = true
			observed := observedAdapter()
			observed.BoundVnics = []string{"vmk3"}
			observed.ActiveVnics = []string{"vmk3"}

			cs, warnings, err := iscsi.Diff(desired, observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs).To(HaveLen(1))
			Expect(cs[0].Op).To(Equal(diff.OpRemoveDevice))
			Expect(cs[0].Force).To(BeTrue())
			Expect(warnings).To(ContainElement(ContainSubstring("active sessions")))
		})

		It("leaves bindings alone when undeclared", func() {
			observed := observedAdapter()
			observed.BoundVnics = []string{"vmk3"}

			cs, _, err := iscsi.Diff(desiredAdapter(), observed)
			Expect(err).ToNot(HaveOccurred())
			Expect(cs.Empty()).To(BeTrue())
		})
	})
})
