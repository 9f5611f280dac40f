// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

var _ = Describe("Settings", func() {
	newSettings := func() config.Settings {
		return config.Settings{
			Host:     "vc01.corp.local",
			Username: "administrator@vsphere.local",
			Password: "secret",
		}
	}

	DescribeTable("Validate",
		func(mutate func(*config.Settings), wantErr string) {
			s := newSettings()
			mutate(&s)
			err := s.Validate()
			if wantErr == "" {
				Expect(err).ToNot(HaveOccurred())
			} else {
				Expect(err).To(MatchError(ContainSubstring(wantErr)))
			}
		},
		Entry("complete", func(*config.Settings) {}, ""),
		Entry("missing host", func(s *config.Settings) { s.Host = "" }, "hostname is required"),
		Entry("missing user", func(s *config.Settings) { s.Username = "" }, "username is required"),
		Entry("missing password", func(s *config.Settings) { s.Password = "" }, "password is required"),
	)

	It("defaults the port to 443", func() {
		s := newSettings()
		s.ApplyDefaults()
		Expect(s.Port).To(Equal(443))

		s.Port = 8443
		s.ApplyDefaults()
		Expect(s.Port).To(Equal(8443))
	})

	DescribeTable("Insecure",
		func(validate *bool, want bool) {
			s := config.Settings{ValidateCerts: validate}
			Expect(s.Insecure()).To(Equal(want))
		},
		Entry("unset follows the secure default", nil, false),
		Entry("validation on", ptr.To(true), false),
		Entry("validation off", ptr.To(false), true),
	)
})

var _ = Describe("ResourceFilter", func() {
	It("decodes the one-kind-key map shape", func() {
		var f config.ResourceFilter
		doc := `{"datacenter": ["DC0"], "resources": [{"cluster_compute_resource": []}]}`
		Expect(json.Unmarshal([]byte(doc), &f)).To(Succeed())

		Expect(f.Kind).To(Equal("datacenter"))
		Expect(f.Names).To(Equal([]string{"DC0"}))
		Expect(f.Children).To(HaveLen(1))
		Expect(f.Children[0].Kind).To(Equal("cluster_compute_resource"))
		Expect(f.Children[0].Names).To(BeEmpty())
	})

	It("rejects multiple kind keys", func() {
		var f config.ResourceFilter
		doc := `{"datacenter": ["DC0"], "folder": ["vm"]}`
		Expect(json.Unmarshal([]byte(doc), &f)).To(
			MatchError(ContainSubstring("multiple kinds")))
	})

	It("rejects a filter with no kind", func() {
		var f config.ResourceFilter
		Expect(json.Unmarshal([]byte(`{"resources": []}`), &f)).To(
			MatchError(ContainSubstring("missing a kind")))
	})
})

var _ = Describe("PathOption", func() {
	It("accepts a bool with the default separator", func() {
		var p config.PathOption
		Expect(json.Unmarshal([]byte(`true`), &p)).To(Succeed())
		Expect(p.Enabled).To(BeTrue())
		Expect(p.Separator).To(Equal("/"))
	})

	It("accepts a separator string", func() {
		var p config.PathOption
		Expect(json.Unmarshal([]byte(`"|"`), &p)).To(Succeed())
		Expect(p.Enabled).To(BeTrue())
		Expect(p.Separator).To(Equal("|"))
	})

	It("rejects other shapes", func() {
		var p config.PathOption
		Expect(json.Unmarshal([]byte(`42`), &p)).To(
			MatchError(ContainSubstring("with_path")))
	})
})

var _ = Describe("IsInventoryPath", func() {
	DescribeTable("suffix recognition",
		func(path string, want bool) {
			Expect(config.IsInventoryPath(path)).To(Equal(want))
		},
		Entry("yml", "fleet.vmware.yml", true),
		Entry("yaml", "fleet.vmware.yaml", true),
		Entry("json", "fleet.vmware.json", true),
		Entry("plain yaml", "fleet.yml", false),
		Entry("unrelated", "inventory.ini", false),
	)
})

var _ = Describe("LoadInventory", func() {
	writeDoc := func(name, content string) string {
		path := filepath.Join(GinkgoT().TempDir(), name)
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	It("loads a yaml document, defaulting hostnames and port", func() {
		path := writeDoc("test.vmware.yml", `
hostname: vc01.corp.local
username: administrator@vsphere.local
password: secret
properties:
  - name
  - guest.ipAddress
keyed_groups:
  - key: guest.guestId
    prefix: guest
`)
		cfg, err := config.LoadInventory(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Host).To(Equal("vc01.corp.local"))
		Expect(cfg.Port).To(Equal(443))
		Expect(cfg.Hostnames).To(Equal([]string{"config.name"}))
		Expect(cfg.Properties).To(ContainElement("guest.ipAddress"))
		Expect(cfg.KeyedGroups).To(HaveLen(1))
		Expect(cfg.Path).To(Equal(path))
	})

	It("rejects an unrecognized suffix", func() {
		path := writeDoc("test.yml", "hostname: vc01")
		_, err := config.LoadInventory(path)
		Expect(err).To(MatchError(ContainSubstring("does not end with")))
	})

	It("rejects unknown document fields", func() {
		path := writeDoc("test.vmware.yml", `
hostname: vc01.corp.local
username: a
password: b
no_such_field: true
`)
		_, err := config.LoadInventory(path)
		Expect(err).To(MatchError(ContainSubstring("parsing inventory config")))
	})

	It("fails without credentials", func() {
		path := writeDoc("test.vmware.yml", "hostname: vc01.corp.local")
		if os.Getenv("VCENTER_USER") != "" || os.Getenv("VCENTER_PASSWORD") != "" {
			Skip("VCENTER_* environment set")
		}
		_, err := config.LoadInventory(path)
		Expect(err).To(HaveOccurred())
	})
})
