// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Target cacheKey", func() {
	It("keeps name lookups with different folder hints apart", func() {
		base := ByName("VirtualMachine", "web-01").InDatacenter("DC1")
		prod := base.InFolder("/DC1/vm/prod")
		dev := base.InFolder("/DC1/vm/dev")

		Expect(prod.cacheKey()).ToNot(Equal(dev.cacheKey()))
		Expect(prod.cacheKey()).ToNot(Equal(base.cacheKey()))
	})

	It("treats folder hint slash variants as one key", func() {
		base := ByName("VirtualMachine", "web-01").InDatacenter("DC1")
		Expect(base.InFolder("DC1/vm/prod").cacheKey()).To(
			Equal(base.InFolder("/DC1/vm/prod/").cacheKey()))
	})

	It("separates identifier classes", func() {
		Expect(ByMoID("VirtualMachine", "vm-10").cacheKey()).ToNot(
			Equal(ByName("VirtualMachine", "vm-10").cacheKey()))
	})
})
