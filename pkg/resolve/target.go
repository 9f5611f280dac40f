// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package resolve

import "github.com/vmware-tanzu/vsphere-fleet/pkg/util"

// Target identifies one managed object by exactly one of name, moid, uuid or
// inventory path, optionally scoped to a datacenter and disambiguated by a
// folder path hint.
type Target struct {
	Kind string

	Name            string
	MoID            string
	UUID            string
	UseInstanceUUID bool
	InventoryPath   string

	// Datacenter scopes ByName lookups when set.
	Datacenter string
	// Folder is a path fragment used to disambiguate duplicate names.
	Folder string
}

// ByName targets an object by its inventory name.
func ByName(kind, name string) Target {
	return Target{Kind: kind, Name: name}
}

// ByMoID targets an object by its managed object id.
func ByMoID(kind, moid string) Target {
	return Target{Kind: kind, MoID: moid}
}

// ByUUID targets a VM by BIOS or instance UUID.
func ByUUID(uuid string, useInstanceUUID bool) Target {
	return Target{Kind: "VirtualMachine", UUID: uuid, UseInstanceUUID: useInstanceUUID}
}

// ByInventoryPath targets an object by its full inventory path.
func ByInventoryPath(path string) Target {
	return Target{InventoryPath: path}
}

// InDatacenter returns a copy of the target scoped to the named datacenter.
func (t Target) InDatacenter(datacenter string) Target {
	t.Datacenter = datacenter
	return t
}

// InFolder returns a copy of the target with a folder disambiguation hint.
func (t Target) InFolder(folder string) Target {
	t.Folder = folder
	return t
}

func (t Target) cacheKey() string {
	switch {
	case t.MoID != "":
		return t.Kind + "/id:" + t.MoID
	case t.UUID != "":
		return t.Kind + "/uuid:" + t.UUID
	case t.InventoryPath != "":
		return "path:" + t.InventoryPath
	default:
		// The folder hint narrows duplicate names, so hinted and
		// unhinted lookups must not share a cached answer.
		return t.Kind + "/" + t.Datacenter + "/" + t.Name + "?folder=" + util.NormalizeFolderPath(t.Folder)
	}
}
