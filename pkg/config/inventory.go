// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// InventorySuffixes are the well-known file suffixes recognized as inventory
// configuration documents.
var InventorySuffixes = []string{
	".vmware.yml",
	".vmware.yaml",
	".vmware.json",
}

// KeyedGroup describes a group-per-value rule evaluated against each record.
type KeyedGroup struct {
	Key          string  `json:"key"`
	Prefix       string  `json:"prefix,omitempty"`
	Separator    *string `json:"separator,omitempty"`
	DefaultValue string  `json:"default_value,omitempty"`
}

// Subproperty narrows a retrieved property to a set of subelements.
type Subproperty struct {
	Property    string   `json:"property"`
	Subelements []string `json:"subelements,omitempty"`
}

// ResourceFilter selects objects of one managed-object kind by name and
// recurses into child filters. The document shape is a map with one
// snake-cased kind key (e.g. "datacenter", "compute_resource") listing names,
// plus an optional "resources" key for the next level.
type ResourceFilter struct {
	Kind     string
	Names    []string
	Children []ResourceFilter
}

// UnmarshalJSON accepts the one-kind-key map shape.
func (r *ResourceFilter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if k == "resources" {
			if err := json.Unmarshal(v, &r.Children); err != nil {
				return fmt.Errorf("resources: %w", err)
			}
			continue
		}
		if r.Kind != "" {
			return fmt.Errorf("resource filter has multiple kinds: %s and %s", r.Kind, k)
		}
		r.Kind = k
		if err := json.Unmarshal(v, &r.Names); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	if r.Kind == "" {
		return fmt.Errorf("resource filter missing a kind key")
	}
	return nil
}

// PathOption is a bool-or-string document field. A string value replaces the
// default path separator.
type PathOption struct {
	Enabled   bool
	Separator string
}

// UnmarshalJSON accepts true/false or a separator string.
func (p *PathOption) UnmarshalJSON(b []byte) error {
	var enabled bool
	if err := json.Unmarshal(b, &enabled); err == nil {
		p.Enabled = enabled
		p.Separator = "/"
		return nil
	}
	var sep string
	if err := json.Unmarshal(b, &sep); err != nil {
		return fmt.Errorf("with_path accepts a bool or a string, got %s", string(b))
	}
	p.Enabled = true
	p.Separator = sep
	return nil
}

// InventoryConfig is the inventory-source configuration document.
type InventoryConfig struct {
	Settings

	WithTags                  bool              `json:"with_tags,omitempty"`
	Hostnames                 []string          `json:"hostnames,omitempty"`
	Properties                []string          `json:"properties,omitempty"`
	Subproperties             []Subproperty     `json:"subproperties,omitempty"`
	WithNestedProperties      *bool             `json:"with_nested_properties,omitempty"`
	KeyedGroups               []KeyedGroup      `json:"keyed_groups,omitempty"`
	Filters                   []string          `json:"filters,omitempty"`
	Resources                 []ResourceFilter  `json:"resources,omitempty"`
	WithPath                  PathOption        `json:"with_path,omitempty"`
	WithSanitizedPropertyName bool              `json:"with_sanitized_property_name,omitempty"`
	Cache                     bool              `json:"cache,omitempty"`
	CacheDir                  string            `json:"cache_dir,omitempty"`
	Compose                   map[string]string `json:"compose,omitempty"`
	Groups                    map[string]string `json:"groups,omitempty"`

	// Path is the document path the config was loaded from; it keys the
	// inventory cache.
	Path string `json:"-"`
}

// IsInventoryPath reports whether path carries a recognized suffix.
func IsInventoryPath(path string) bool {
	for _, suffix := range InventorySuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// LoadInventory reads and validates an inventory configuration document.
// YAML and JSON shapes are both accepted.
func LoadInventory(path string) (*InventoryConfig, error) {
	if !IsInventoryPath(path) {
		return nil, fmt.Errorf("%s does not end with one of %v", path, InventorySuffixes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory config: %w", err)
	}

	cfg := &InventoryConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing inventory config %s: %w", path, err)
	}
	cfg.Path = path

	env, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = env.Host
	}
	if cfg.Username == "" {
		cfg.Username = env.Username
	}
	if cfg.Password == "" {
		cfg.Password = env.Password
	}
	if cfg.Port == 0 {
		cfg.Port = env.Port
	}
	if cfg.ValidateCerts == nil {
		cfg.ValidateCerts = env.ValidateCerts
	}
	if cfg.ProxyHost == "" {
		cfg.ProxyHost = env.ProxyHost
		cfg.ProxyPort = env.ProxyPort
	}
	cfg.ApplyDefaults()

	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Hostnames) == 0 {
		cfg.Hostnames = []string{"config.name"}
	}
	return cfg, nil
}
