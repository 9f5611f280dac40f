// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"strings"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/propcol"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// resourceRoots resolves the nested resources filter into the set of
// containers to enumerate under. No filter means the service root.
func (e *Engine) resourceRoots(ctx context.Context, filters []config.ResourceFilter) ([]vimtypes.ManagedObjectReference, error) {
	if len(filters) == 0 {
		return []vimtypes.ManagedObjectReference{{}}, nil
	}
	return e.resolveFilters(ctx, vimtypes.ManagedObjectReference{}, filters)
}

func (e *Engine) resolveFilters(ctx context.Context, root vimtypes.ManagedObjectReference, filters []config.ResourceFilter) ([]vimtypes.ManagedObjectReference, error) {
	var out []vimtypes.ManagedObjectReference
	for _, f := range filters {
		kind := managedObjectKind(f.Kind)
		if kind == "" {
			return nil, errs.BadInputError{
				Field:   "resources",
				Message: "unknown resource kind " + f.Kind,
			}
		}

		matched, err := e.matchByName(ctx, root, kind, f.Names)
		if err != nil {
			return nil, err
		}

		if len(f.Children) == 0 {
			out = append(out, matched...)
			continue
		}
		for _, m := range matched {
			children, err := e.resolveFilters(ctx, m, f.Children)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	}
	return out, nil
}

func (e *Engine) matchByName(ctx context.Context, root vimtypes.ManagedObjectReference, kind string, names []string) ([]vimtypes.ManagedObjectReference, error) {
	items, err := propcol.Collect(ctx, e.client.VimClient(), propcol.Request{
		Root:            root,
		Kinds:           []string{kind},
		Paths:           []string{"name"},
		TolerateMissing: true,
	})
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		refs := make([]vimtypes.ManagedObjectReference, len(items))
		for i := range items {
			refs[i] = items[i].Ref
		}
		return refs, nil
	}

	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var refs []vimtypes.ManagedObjectReference
	for _, item := range items {
		name, _ := item.Flat["name"].(string)
		if want[name] || want[util.UnquoteName(name)] {
			refs = append(refs, item.Ref)
		}
	}
	if len(refs) == 0 {
		return nil, errs.NotFoundError{Kind: kind, Name: strings.Join(names, ",")}
	}
	return refs, nil
}

// managedObjectKind maps a snake-cased document kind onto the wire type.
func managedObjectKind(snake string) string {
	switch snake {
	case "datacenter":
		return "Datacenter"
	case "folder":
		return "Folder"
	case "compute_resource":
		return "ComputeResource"
	case "cluster_compute_resource", "cluster":
		return "ClusterComputeResource"
	case "resource_pool":
		return "ResourcePool"
	case "host_system":
		return "HostSystem"
	case "datastore":
		return "Datastore"
	case "datastore_cluster", "storage_pod":
		return "StoragePod"
	case "virtual_app":
		return "VirtualApp"
	}
	return ""
}
