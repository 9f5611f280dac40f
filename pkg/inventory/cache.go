// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
)

// fileCache persists one enumeration result per configuration document.
// The entry is keyed by the document path so distinct inventories sharing a
// cache directory never collide. Concurrent writers are the caller's
// concern.
type fileCache struct {
	path string
}

func newCache(cfg *config.InventoryConfig) *fileCache {
	dir := cfg.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "vsphere-fleet-inventory")
	}
	sum := sha256.Sum256([]byte(cfg.Path))
	return &fileCache{
		path: filepath.Join(dir, hex.EncodeToString(sum[:])+".json"),
	}
}

func (c *fileCache) load() (map[string]Record, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, false
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false
	}
	return records, true
}

func (c *fileCache) store(records map[string]Record) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
