// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package util_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

var _ = DescribeTable("QuoteName",
	func(in, expected string) {
		Expect(util.QuoteName(in)).To(Equal(expected))
	},
	Entry("plain name", "web-01", "web-01"),
	Entry("forward slash", "team/web", "team%2fweb"),
	Entry("backslash", `team\web`, `team%5cweb`),
	Entry("literal percent", "50% done", "50%25 done"),
	Entry("percent then slash", "a%/b", "a%25%2fb"),
)

var _ = DescribeTable("UnquoteName",
	func(in, expected string) {
		Expect(util.UnquoteName(in)).To(Equal(expected))
	},
	Entry("plain name", "web-01", "web-01"),
	Entry("encoded slash", "team%2fweb", "team/web"),
	Entry("encoded percent", "50%25 done", "50% done"),
	Entry("invalid escape returned verbatim", "100%", "100%"),
)

var _ = DescribeTable("NormalizeFolderPath",
	func(in, expected string) {
		Expect(util.NormalizeFolderPath(in)).To(Equal(expected))
	},
	Entry("already normalized", "/DC1/vm/prod", "/DC1/vm/prod"),
	Entry("missing leading slash", "DC1/vm/prod", "/DC1/vm/prod"),
	Entry("trailing slash", "/DC1/vm/prod/", "/DC1/vm/prod"),
	Entry("both", "DC1/vm/prod/", "/DC1/vm/prod"),
	Entry("surrounding whitespace", "  /DC1/vm/prod ", "/DC1/vm/prod"),
	Entry("empty", "", ""),
)

var _ = DescribeTable("SnakeCase",
	func(in, expected string) {
		Expect(util.SnakeCase(in)).To(Equal(expected))
	},
	Entry("simple camel", "guestId", "guest_id"),
	Entry("capital run", "numCPU", "num_cpu"),
	Entry("dotted path", "config.hardware.memoryMB", "config_hardware_memory_mb"),
	Entry("already snake", "memory_mb", "memory_mb"),
	Entry("leading capital", "Name", "name"),
	Entry("hyphen and space", "some-thing else", "some_thing_else"),
)

var _ = Describe("SnakeCaseKeys", func() {
	It("recurses into nested maps", func() {
		in := map[string]any{
			"guestId": "otherGuest64",
			"runtime": map[string]any{
				"connectionState": "connected",
			},
		}
		Expect(util.SnakeCaseKeys(in)).To(Equal(map[string]any{
			"guest_id": "otherGuest64",
			"runtime": map[string]any{
				"connection_state": "connected",
			},
		}))
	})

	It("returns nil for nil input", func() {
		Expect(util.SnakeCaseKeys(nil)).To(BeNil())
	})
})
