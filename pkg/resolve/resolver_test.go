// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package resolve_test

import (
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/resolve"
	"github.com/vmware-tanzu/vsphere-fleet/test/builder"
)

var _ = Describe("Resolver", func() {
	var (
		ctx      *builder.TestContextForVCSim
		resolver *resolve.Resolver
	)

	BeforeEach(func() {
		ctx = builder.NewTestContextForVCSim(builder.VCSimTestConfig{
			Datacenter: "DC0",
		})
		resolver = resolve.New(ctx.Client)
	})

	AfterEach(func() {
		ctx.AfterEach()
		ctx = nil
	})

	vmConfig := func(name string) *vimtypes.VirtualMachineConfigInfo {
		vm, err := ctx.Finder.VirtualMachine(ctx, name)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())

		var moVM mo.VirtualMachine
		pc := property.DefaultCollector(ctx.VimClient)
		ExpectWithOffset(1, pc.RetrieveOne(ctx, vm.Reference(), []string{"config"}, &moVM)).To(Succeed())
		ExpectWithOffset(1, moVM.Config).ToNot(BeNil())
		return moVM.Config
	}

	Context("by name", func() {
		It("resolves a uniquely named object", func() {
			ref, err := resolver.Resolve(ctx, resolve.ByName("VirtualMachine", "DC0_H0_VM0"))
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Type).To(Equal("VirtualMachine"))
		})

		It("reports an unknown name as not found", func() {
			_, err := resolver.Resolve(ctx, resolve.ByName("VirtualMachine", "enoent"))
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})

		It("scopes the search to a datacenter", func() {
			ref, err := resolver.Resolve(ctx,
				resolve.ByName("VirtualMachine", "DC0_C0_RP0_VM0").InDatacenter("DC0"))
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Type).To(Equal("VirtualMachine"))

			_, err = resolver.Resolve(ctx,
				resolve.ByName("VirtualMachine", "DC0_C0_RP0_VM0").InDatacenter("enoent"))
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})

		It("reports duplicate names as ambiguous with the candidate moids", func() {
			vm, err := ctx.Finder.VirtualMachine(ctx, "DC0_H0_VM1")
			Expect(err).ToNot(HaveOccurred())
			task, err := vm.Rename(ctx, "DC0_H0_VM0")
			Expect(err).ToNot(HaveOccurred())
			Expect(task.Wait(ctx)).To(Succeed())

			_, err = resolver.Resolve(ctx, resolve.ByName("VirtualMachine", "DC0_H0_VM0"))
			Expect(err).To(HaveOccurred())
			Expect(errs.IsAmbiguous(err)).To(BeTrue())

			var ambiguous errs.AmbiguousError
			Expect(errors.As(err, &ambiguous)).To(BeTrue())
			Expect(ambiguous.Candidates).To(HaveLen(2))
		})
	})

	Context("by moid", func() {
		It("round-trips a live reference", func() {
			ref, err := resolver.Resolve(ctx, resolve.ByName("VirtualMachine", "DC0_H0_VM0"))
			Expect(err).ToNot(HaveOccurred())

			again, err := resolver.Resolve(ctx, resolve.ByMoID("VirtualMachine", ref.Value))
			Expect(err).ToNot(HaveOccurred())
			Expect(again).To(Equal(ref))
		})

		It("reports a stale moid as not found", func() {
			_, err := resolver.Resolve(ctx, resolve.ByMoID("VirtualMachine", "vm-99999"))
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("by uuid", func() {
		It("resolves by BIOS uuid", func() {
			config := vmConfig("DC0_H0_VM0")
			Expect(config.Uuid).ToNot(BeEmpty())

			ref, err := resolver.Resolve(ctx, resolve.ByUUID(config.Uuid, false))
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Type).To(Equal("VirtualMachine"))
		})

		It("resolves by instance uuid", func() {
			config := vmConfig("DC0_H0_VM0")
			Expect(config.InstanceUuid).ToNot(BeEmpty())

			ref, err := resolver.Resolve(ctx, resolve.ByUUID(config.InstanceUuid, true))
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Type).To(Equal("VirtualMachine"))
		})

		It("reports an unknown uuid as not found", func() {
			_, err := resolver.Resolve(ctx,
				resolve.ByUUID("00000000-0000-0000-0000-000000000000", false))
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("by inventory path", func() {
		It("resolves a full path with an optional leading slash", func() {
			ref, err := resolver.Resolve(ctx, resolve.ByInventoryPath("/DC0/vm/DC0_H0_VM0"))
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Type).To(Equal("VirtualMachine"))

			again, err := resolver.Resolve(ctx, resolve.ByInventoryPath("DC0/vm/DC0_H0_VM0/"))
			Expect(err).ToNot(HaveOccurred())
			Expect(again).To(Equal(ref))
		})

		It("rejects a path resolving to a different kind", func() {
			t := resolve.ByInventoryPath("/DC0/vm/DC0_H0_VM0")
			t.Kind = "HostSystem"
			_, err := resolver.Resolve(ctx, t)
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})
	})

	It("rejects a target with no identifier", func() {
		_, err := resolver.Resolve(ctx, resolve.Target{Kind: "VirtualMachine"})
		Expect(err).To(HaveOccurred())
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})

	Context("caching", func() {
		It("serves repeat lookups from the cache until evicted", func() {
			target := resolve.ByName("VirtualMachine", "DC0_H0_VM0")
			ref, err := resolver.Resolve(ctx, target)
			Expect(err).ToNot(HaveOccurred())

			vm := object.NewVirtualMachine(ctx.VimClient, ref)
			task, err := vm.PowerOff(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(task.Wait(ctx)).To(Succeed())
			task, err = vm.Destroy(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(task.Wait(ctx)).To(Succeed())

			cached, err := resolver.Resolve(ctx, target)
			Expect(err).ToNot(HaveOccurred())
			Expect(cached).To(Equal(ref))

			resolver.Evict(target)
			_, err = resolver.Resolve(ctx, target)
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("ResolveFolder", func() {
		It("resolves an absolute folder path", func() {
			f, err := resolver.ResolveFolder(ctx, "/DC0/vm", "DC0", "vm")
			Expect(err).ToNot(HaveOccurred())
			Expect(f.Reference().Type).To(Equal("Folder"))
		})

		It("anchors a relative path at the datacenter folder of the kind", func() {
			parent, err := ctx.Finder.Folder(ctx, "/DC0/vm")
			Expect(err).ToNot(HaveOccurred())
			_, err = parent.CreateFolder(ctx, "linux")
			Expect(err).ToNot(HaveOccurred())

			f, err := resolver.ResolveFolder(ctx, "linux", "DC0", "vm")
			Expect(err).ToNot(HaveOccurred())
			Expect(f.InventoryPath).To(Equal("/DC0/vm/linux"))
		})

		It("rejects an empty path", func() {
			_, err := resolver.ResolveFolder(ctx, "", "DC0", "vm")
			Expect(err).To(HaveOccurred())
			Expect(errs.IsBadInput(err)).To(BeTrue())
		})

		It("reports a missing folder as not found", func() {
			_, err := resolver.ResolveFolder(ctx, "/DC0/vm/enoent", "DC0", "vm")
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("InventoryPathOf", func() {
		It("joins parent names from the root", func() {
			ref, err := resolver.Resolve(ctx, resolve.ByName("VirtualMachine", "DC0_H0_VM0"))
			Expect(err).ToNot(HaveOccurred())

			path, err := resolver.InventoryPathOf(ctx, ref)
			Expect(err).ToNot(HaveOccurred())
			Expect(path).To(Equal("/DC0/vm/DC0_H0_VM0"))
		})
	})

	Context("ParentDatacenterOf", func() {
		It("climbs from a VM to its datacenter", func() {
			ref, err := resolver.Resolve(ctx, resolve.ByName("VirtualMachine", "DC0_C0_RP0_VM0"))
			Expect(err).ToNot(HaveOccurred())

			dc, err := resolver.ParentDatacenterOf(ctx, ref)
			Expect(err).ToNot(HaveOccurred())
			Expect(dc.Reference().Type).To(Equal("Datacenter"))
		})
	})

	Context("FindVMByMAC", func() {
		It("locates the VM carrying the MAC address, case-insensitively", func() {
			config := vmConfig("DC0_H0_VM0")

			var mac string
			for _, dev := range config.Hardware.Device {
				if card, ok := dev.(vimtypes.BaseVirtualEthernetCard); ok {
					mac = card.GetVirtualEthernetCard().MacAddress
					break
				}
			}
			Expect(mac).ToNot(BeEmpty())

			ref, err := resolver.FindVMByMAC(ctx, strings.ToUpper(mac))
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Type).To(Equal("VirtualMachine"))
		})

		It("reports an unknown MAC as not found", func() {
			_, err := resolver.FindVMByMAC(ctx, "00:00:00:ff:ff:ff")
			Expect(err).To(HaveOccurred())
			Expect(errs.IsNotFound(err)).To(BeTrue())
		})
	})
})
