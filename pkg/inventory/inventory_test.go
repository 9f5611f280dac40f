// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vmware/govmomi/vapi/tags"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/propcol"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

func sampleEnv() map[string]any {
	return map[string]any{
		"name": "web-01",
		"config": map[string]any{
			"guestId": "otherGuest64",
			"hardware": map[string]any{
				"numCPU": int32(4),
			},
		},
		"runtime": map[string]any{
			"powerState": "poweredOn",
		},
		"tags": []any{"prod", "web"},
	}
}

var _ = DescribeTable("truthy",
	func(v any, expected bool) {
		Expect(truthy(v)).To(Equal(expected))
	},
	Entry("nil", nil, false),
	Entry("false", false, false),
	Entry("true", true, true),
	Entry("empty string", "", false),
	Entry("string", "x", true),
	Entry("zero int", 0, false),
	Entry("int32", int32(2), true),
	Entry("zero int64", int64(0), false),
	Entry("zero float", float64(0), false),
	Entry("empty list", []any{}, false),
	Entry("list", []any{1}, true),
	Entry("empty map", map[string]any{}, false),
	Entry("map", map[string]any{"a": 1}, true),
	Entry("other type", struct{}{}, true),
)

var _ = Describe("exprEnv", func() {
	It("copies the tree so assignments do not leak back", func() {
		props := sampleEnv()
		env := exprEnv(props)
		env["extra"] = "value"
		Expect(props).ToNot(HaveKey("extra"))
	})
})

var _ = Describe("evalFilters", func() {
	It("keeps a record matching every filter", func() {
		keep, err := evalFilters([]string{
			`runtime.powerState == "poweredOn"`,
			`config.hardware.numCPU > 2`,
		}, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(keep).To(BeTrue())
	})

	It("drops a record failing one filter", func() {
		keep, err := evalFilters([]string{
			`runtime.powerState == "poweredOn"`,
			`name == "db-01"`,
		}, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(keep).To(BeFalse())
	})

	It("treats an unknown identifier as a miss, not an error", func() {
		keep, err := evalFilters([]string{`summary.overallStatus == "green"`}, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(keep).To(BeFalse())
	})
})

var _ = Describe("evalHostname", func() {
	var (
		cfg  *config.InventoryConfig
		flat map[string]any
	)

	BeforeEach(func() {
		cfg = &config.InventoryConfig{}
		flat = map[string]any{"guest.ipAddress": "10.0.0.8"}
	})

	It("returns the first expression producing a non-empty string", func() {
		cfg.Hostnames = []string{"config.guestId", "name"}
		hostname, err := evalHostname(cfg, sampleEnv(), flat, "vm-10")
		Expect(err).ToNot(HaveOccurred())
		Expect(hostname).To(Equal("otherGuest64"))
	})

	It("skips expressions that fail or produce no string", func() {
		cfg.Hostnames = []string{"summary.missing", "config.hardware.numCPU", "name"}
		hostname, err := evalHostname(cfg, sampleEnv(), flat, "vm-10")
		Expect(err).ToNot(HaveOccurred())
		Expect(hostname).To(Equal("web-01"))
	})

	It("falls back to the guest IP address without compose rules", func() {
		cfg.Hostnames = []string{"summary.missing"}
		hostname, err := evalHostname(cfg, sampleEnv(), flat, "vm-10")
		Expect(err).ToNot(HaveOccurred())
		Expect(hostname).To(Equal("10.0.0.8"))
	})

	It("refuses the fallback when compose rules are declared", func() {
		cfg.Hostnames = []string{"summary.missing"}
		cfg.Compose = map[string]string{"site": `"emea"`}
		_, err := evalHostname(cfg, sampleEnv(), flat, "vm-10")
		Expect(err).To(HaveOccurred())
		Expect(errs.IsBadInput(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("vm-10"))
	})

	It("errors when nothing resolves and no IP is known", func() {
		_, err := evalHostname(cfg, sampleEnv(), map[string]any{}, "vm-10")
		Expect(err).To(HaveOccurred())
		Expect(errs.IsBadInput(err)).To(BeTrue())
	})
})

var _ = Describe("evalCompose", func() {
	It("sets composed variables into the property tree", func() {
		props := sampleEnv()
		err := evalCompose(map[string]string{
			"cpu_count": "config.hardware.numCPU",
			"fqdn":      `name + ".example.com"`,
		}, exprEnv(props), props)
		Expect(err).ToNot(HaveOccurred())
		Expect(props).To(HaveKeyWithValue("cpu_count", int32(4)))
		Expect(props).To(HaveKeyWithValue("fqdn", "web-01.example.com"))
	})

	It("surfaces a failed expression as an input error", func() {
		props := sampleEnv()
		err := evalCompose(map[string]string{"region": "summary.missing"}, exprEnv(props), props)
		Expect(err).To(HaveOccurred())
		Expect(errs.IsBadInput(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("compose region"))
	})
})

var _ = Describe("evalGroups", func() {
	It("assigns conditional groups whose expression holds", func() {
		cfg := &config.InventoryConfig{
			Groups: map[string]string{
				"running": `runtime.powerState == "poweredOn"`,
				"big":     "config.hardware.numCPU > 8",
				"broken":  "summary.missing",
			},
		}
		groups, err := evalGroups(cfg, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(groups).To(ConsistOf("running"))
	})

	It("builds keyed groups with the prefix and default separator", func() {
		cfg := &config.InventoryConfig{
			KeyedGroups: []config.KeyedGroup{
				{Key: "config.guestId", Prefix: "guest"},
			},
		}
		groups, err := evalGroups(cfg, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(groups).To(ConsistOf("guest_otherGuest64"))
	})

	It("honors a custom separator and renders non-string keys", func() {
		cfg := &config.InventoryConfig{
			KeyedGroups: []config.KeyedGroup{
				{Key: "config.hardware.numCPU", Prefix: "cpu", Separator: ptr.To("-")},
			},
		}
		groups, err := evalGroups(cfg, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(groups).To(ConsistOf("cpu-4"))
	})

	It("fans a list key out into one group per element", func() {
		cfg := &config.InventoryConfig{
			KeyedGroups: []config.KeyedGroup{
				{Key: "tags", Prefix: "tag"},
			},
		}
		groups, err := evalGroups(cfg, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(groups).To(ConsistOf("tag_prod", "tag_web"))
	})

	It("falls back to the default value when the key misses", func() {
		cfg := &config.InventoryConfig{
			KeyedGroups: []config.KeyedGroup{
				{Key: "summary.missing", Prefix: "site", DefaultValue: "unknown"},
				{Key: "summary.missing", Prefix: "zone"},
			},
		}
		groups, err := evalGroups(cfg, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(groups).To(ConsistOf("site_unknown"))
	})

	It("uses the bare value without a prefix", func() {
		cfg := &config.InventoryConfig{
			KeyedGroups: []config.KeyedGroup{
				{Key: "config.guestId"},
			},
		}
		groups, err := evalGroups(cfg, sampleEnv())
		Expect(err).ToNot(HaveOccurred())
		Expect(groups).To(ConsistOf("otherGuest64"))
	})
})

var _ = Describe("buildPropertyList", func() {
	It("retrieves everything when no properties are configured", func() {
		paths, wantCustom := buildPropertyList(&config.InventoryConfig{})
		Expect(paths).To(Equal([]string{propcol.AllProperties}))
		Expect(wantCustom).To(BeTrue())
	})

	It("collapses an explicit all marker", func() {
		paths, wantCustom := buildPropertyList(&config.InventoryConfig{
			Properties: []string{"name", propcol.AllProperties},
		})
		Expect(paths).To(Equal([]string{propcol.AllProperties}))
		Expect(wantCustom).To(BeTrue())
	})

	It("merges the configured list with the mandatory paths", func() {
		paths, wantCustom := buildPropertyList(&config.InventoryConfig{
			Properties:    []string{"config.name", "summary.runtime"},
			Subproperties: []config.Subproperty{{Property: "guest", Subelements: []string{"hostName"}}},
		})
		Expect(wantCustom).To(BeFalse())
		Expect(paths).To(Equal([]string{
			"config.name",
			"summary.runtime",
			"guest",
			"name",
			"runtime.connectionState",
			"guest.ipAddress",
		}))
	})

	It("maps the customValue pseudo-property onto the field paths", func() {
		paths, wantCustom := buildPropertyList(&config.InventoryConfig{
			Properties: []string{"name", "customValue"},
		})
		Expect(wantCustom).To(BeTrue())
		Expect(paths).To(ContainElements("customValue", "availableField"))
		Expect(paths).ToNot(ContainElement(propcol.AllProperties))
	})
})

var _ = Describe("narrowSubproperties", func() {
	It("prunes a property down to the listed subelements", func() {
		props := sampleEnv()
		narrowSubproperties(props, []config.Subproperty{
			{Property: "config", Subelements: []string{"guestId"}},
		})
		Expect(props["config"]).To(Equal(map[string]any{"guestId": "otherGuest64"}))
	})

	It("reaches nested properties through dotted paths", func() {
		props := sampleEnv()
		narrowSubproperties(props, []config.Subproperty{
			{Property: "config.hardware", Subelements: []string{"memoryMB"}},
		})
		tree := props["config"].(map[string]any)
		Expect(tree["hardware"]).To(Equal(map[string]any{}))
	})

	It("leaves non-map nodes and unlisted properties alone", func() {
		props := sampleEnv()
		narrowSubproperties(props, []config.Subproperty{
			{Property: "name", Subelements: []string{"x"}},
			{Property: "config", Subelements: nil},
		})
		Expect(props).To(Equal(sampleEnv()))
	})
})

var _ = Describe("flattenTree", func() {
	It("re-flattens nested trees to dotted keys", func() {
		out := flattenTree(map[string]any{
			"name": "web-01",
			"config": map[string]any{
				"hardware": map[string]any{"numCPU": int32(4)},
			},
		})
		Expect(out).To(Equal(map[string]any{
			"name":                   "web-01",
			"config.hardware.numCPU": int32(4),
		}))
	})

	It("keeps empty subtrees as leaf values", func() {
		out := flattenTree(map[string]any{"guest": map[string]any{}})
		Expect(out).To(HaveKeyWithValue("guest", map[string]any{}))
	})
})

var _ = Describe("customValues", func() {
	fieldNames := map[int32]string{101: "owner", 102: "cost_center"}

	It("maps field keys onto their definition names", func() {
		out := customValues(map[string]any{
			"customValue": []any{
				map[string]any{"key": int32(101), "value": "team-a"},
				map[string]any{"key": int32(102), "value": "cc-7"},
			},
		}, fieldNames)
		Expect(out).To(Equal(map[string]string{
			"owner":       "team-a",
			"cost_center": "cc-7",
		}))
	})

	It("drops values without a known definition", func() {
		out := customValues(map[string]any{
			"customValue": []any{
				map[string]any{"key": int32(999), "value": "orphan"},
				"not-a-map",
			},
		}, fieldNames)
		Expect(out).To(BeEmpty())
	})

	It("tolerates a missing property", func() {
		Expect(customValues(map[string]any{}, fieldNames)).To(BeNil())
	})
})

type fakeTagManager struct {
	categories []tags.Category
	tags       []tags.Tag
	attached   []tags.AttachedTags
	err        error
}

func (f *fakeTagManager) GetCategories(ctx context.Context) ([]tags.Category, error) {
	return f.categories, f.err
}

func (f *fakeTagManager) GetTags(ctx context.Context) ([]tags.Tag, error) {
	return f.tags, f.err
}

func (f *fakeTagManager) ListAttachedTagsOnObjects(ctx context.Context, refs []mo.Reference) ([]tags.AttachedTags, error) {
	return f.attached, f.err
}

var _ = Describe("tagTable", func() {
	var (
		mgr   *fakeTagManager
		vmRef vimtypes.ManagedObjectReference
	)

	BeforeEach(func() {
		vmRef = vimtypes.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-10"}
		mgr = &fakeTagManager{
			categories: []tags.Category{
				{ID: "cat-1", Name: "environment"},
				{ID: "cat-2", Name: "tier"},
			},
			tags: []tags.Tag{
				{ID: "tag-1", Name: "prod", CategoryID: "cat-1"},
				{ID: "tag-2", Name: "web", CategoryID: "cat-2"},
				{ID: "tag-3", Name: "stray", CategoryID: "cat-9"},
			},
			attached: []tags.AttachedTags{
				{ObjectID: vmRef, TagIDs: []string{"tag-1", "tag-2", "tag-3", "tag-gone"}},
			},
		}
	})

	It("decorates an object with its tags and categories", func() {
		table, err := loadTagTable(context.Background(), mgr)
		Expect(err).ToNot(HaveOccurred())
		Expect(table.fetchAttachments(context.Background(), mgr, []mo.Reference{vmRef})).To(Succeed())

		tagNames, categories, byCategory := table.decorate(vmRef)
		Expect(tagNames).To(Equal([]string{"prod", "web", "stray"}))
		Expect(categories).To(ConsistOf("environment", "tier"))
		Expect(byCategory).To(Equal(map[string][]string{
			"environment": {"prod"},
			"tier":        {"web"},
		}))
	})

	It("returns nothing for an object without attachments", func() {
		table, err := loadTagTable(context.Background(), mgr)
		Expect(err).ToNot(HaveOccurred())

		tagNames, categories, byCategory := table.decorate(vmRef)
		Expect(tagNames).To(BeEmpty())
		Expect(categories).To(BeEmpty())
		Expect(byCategory).To(BeEmpty())
	})

	It("classifies manager failures", func() {
		mgr.err = errors.New("503 Service Unavailable")
		_, err := loadTagTable(context.Background(), mgr)
		Expect(err).To(HaveOccurred())
	})

	It("skips the attachment call for an empty ref list", func() {
		table, err := loadTagTable(context.Background(), mgr)
		Expect(err).ToNot(HaveOccurred())
		mgr.err = errors.New("should not be called")
		Expect(table.fetchAttachments(context.Background(), mgr, nil)).To(Succeed())
	})
})

var _ = Describe("fileCache", func() {
	var cfg *config.InventoryConfig

	BeforeEach(func() {
		cfg = &config.InventoryConfig{
			CacheDir: GinkgoT().TempDir(),
			Path:     "/etc/fleet/prod.vmware.yml",
		}
	})

	It("round-trips an enumeration result", func() {
		cache := newCache(cfg)
		_, ok := cache.load()
		Expect(ok).To(BeFalse())

		records := map[string]Record{
			"web-01": {
				Hostname:   "web-01",
				MoID:       "vm-10",
				Properties: map[string]any{"name": "web-01"},
				Groups:     []string{"running"},
			},
		}
		Expect(cache.store(records)).To(Succeed())

		loaded, ok := cache.load()
		Expect(ok).To(BeTrue())
		Expect(loaded).To(HaveKey("web-01"))
		Expect(loaded["web-01"].MoID).To(Equal("vm-10"))
		Expect(loaded["web-01"].Groups).To(Equal([]string{"running"}))
	})

	It("keys the entry by the document path", func() {
		first := newCache(cfg)
		cfg.Path = "/etc/fleet/lab.vmware.yml"
		second := newCache(cfg)
		Expect(first.path).ToNot(Equal(second.path))
		Expect(filepath.Dir(first.path)).To(Equal(filepath.Dir(second.path)))
	})

	It("treats a corrupt entry as a miss", func() {
		cache := newCache(cfg)
		Expect(os.WriteFile(cache.path, []byte("{not json"), 0o600)).To(Succeed())
		_, ok := cache.load()
		Expect(ok).To(BeFalse())
	})
})

var _ = DescribeTable("managedObjectKind",
	func(snake, expected string) {
		Expect(managedObjectKind(snake)).To(Equal(expected))
	},
	Entry("datacenter", "datacenter", "Datacenter"),
	Entry("folder", "folder", "Folder"),
	Entry("compute resource", "compute_resource", "ComputeResource"),
	Entry("cluster", "cluster_compute_resource", "ClusterComputeResource"),
	Entry("cluster alias", "cluster", "ClusterComputeResource"),
	Entry("resource pool", "resource_pool", "ResourcePool"),
	Entry("host", "host_system", "HostSystem"),
	Entry("datastore", "datastore", "Datastore"),
	Entry("datastore cluster", "datastore_cluster", "StoragePod"),
	Entry("storage pod alias", "storage_pod", "StoragePod"),
	Entry("virtual app", "virtual_app", "VirtualApp"),
	Entry("unknown", "network", ""),
)
