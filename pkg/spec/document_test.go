// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

var _ = Describe("ParseState", func() {
	It("splits and decodes multiple documents", func() {
		docs, err := spec.ParseState([]byte(`
kind: virtual_machine
name: web-01
state: present
guest_id: otherGuest64
datacenter: DC1
---
kind: distributed_switch
name: dvs0
mtu: 9000
---
kind: distributed_portgroup
name: pg-web
switch_name: dvs0
vlan:
  vlan_id: 120
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(docs).To(HaveLen(3))

		Expect(docs[0].Kind).To(Equal(spec.KindVirtualMachine))
		Expect(docs[0].VirtualMachine.Name).To(Equal("web-01"))
		Expect(docs[0].VirtualMachine.Datacenter).To(Equal("DC1"))

		Expect(docs[1].Kind).To(Equal(spec.KindDistributedSwitch))
		Expect(*docs[1].DistributedSwitch.MTU).To(Equal(int32(9000)))

		Expect(docs[2].Kind).To(Equal(spec.KindDistributedPortgroup))
		Expect(docs[2].DistributedPortgroup.Switch).To(Equal("dvs0"))
		Expect(*docs[2].DistributedPortgroup.VLAN.ID).To(Equal(int32(120)))
	})

	It("rejects a document without a kind", func() {
		_, err := spec.ParseState([]byte("name: web-01\n"))
		Expect(err).To(MatchError(ContainSubstring("missing a kind")))
	})

	It("rejects an unknown kind", func() {
		_, err := spec.ParseState([]byte("kind: firewall_rule\nname: x\n"))
		Expect(err).To(MatchError(ContainSubstring("unknown kind")))
	})

	It("rejects unknown fields", func() {
		_, err := spec.ParseState([]byte(`
kind: virtual_machine
name: web-01
guest_id: otherGuest64
bogus_field: true
`))
		Expect(err).To(HaveOccurred())
	})

	It("surfaces validation failures with the document index", func() {
		_, err := spec.ParseState([]byte("kind: datastore_cluster\nautomation_level: automated\n"))
		Expect(err).To(MatchError(ContainSubstring("document 1")))
	})

	It("rejects an empty state file", func() {
		_, err := spec.ParseState([]byte("\n---\n"))
		Expect(err).To(MatchError(ContainSubstring("no documents")))
	})
})
