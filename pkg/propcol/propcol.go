// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package propcol retrieves managed-object properties in bulk and translates
// the wire representation into plain nested maps.
package propcol

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/metrics"
)

// AllProperties requests the complete property set of each object.
const AllProperties = "all"

// Item is one retrieved object with its properties in both flat
// ("summary.runtime.host") and nested ({summary:{runtime:{host:...}}}) form.
type Item struct {
	Ref    vimtypes.ManagedObjectReference
	Flat   map[string]any
	Nested map[string]any
}

// MoID returns the item's managed object id.
func (i Item) MoID() string { return i.Ref.Value }

// Request describes one collection round trip.
type Request struct {
	// Root is the container to walk; the service root folder when empty.
	Root vimtypes.ManagedObjectReference

	// Kinds lists the managed-object types to select, e.g. "VirtualMachine".
	Kinds []string

	// Paths lists dotted property paths; the single value AllProperties
	// retrieves everything.
	Paths []string

	// TolerateMissing skips objects that disappear between enumeration and
	// retrieval instead of failing the round trip.
	TolerateMissing bool
}

// Collect performs one property-collector round trip under a container view.
func Collect(ctx context.Context, vc *vim25.Client, req Request) ([]Item, error) {
	logger := log.FromContextOrDefault(ctx).WithName("propcol")

	root := req.Root
	if root.Value == "" {
		root = vc.ServiceContent.RootFolder
	}

	m := view.NewManager(vc)
	cv, err := m.CreateContainerView(ctx, root, req.Kinds, true)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("creating container view under %s: %w", root.Value, err))
	}
	defer func() {
		if err := cv.Destroy(ctx); err != nil {
			logger.V(4).Error(err, "destroying container view")
		}
	}()

	filterSpec := buildFilterSpec(cv.Reference(), req.Kinds, req.Paths)

	pc := property.DefaultCollector(vc)
	res, err := pc.RetrieveProperties(ctx, vimtypes.RetrieveProperties{
		SpecSet: []vimtypes.PropertyFilterSpec{filterSpec},
	})
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("retrieving properties: %w", err))
	}
	metrics.PropertyCollectorRoundTrips.Inc()

	items := make([]Item, 0, len(res.Returnval))
	for _, oc := range res.Returnval {
		item, err := translate(oc, req.TolerateMissing)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
	}

	logger.V(4).Info("collected properties",
		"kinds", req.Kinds, "objects", len(items), "paths", len(req.Paths))
	return items, nil
}

func buildFilterSpec(
	viewRef vimtypes.ManagedObjectReference,
	kinds, paths []string) vimtypes.PropertyFilterSpec {

	all := len(paths) == 1 && paths[0] == AllProperties

	propSpecs := make([]vimtypes.PropertySpec, 0, len(kinds))
	for _, kind := range kinds {
		ps := vimtypes.PropertySpec{Type: kind}
		if all {
			ps.All = vimtypes.NewBool(true)
		} else {
			ps.PathSet = paths
		}
		propSpecs = append(propSpecs, ps)
	}

	return vimtypes.PropertyFilterSpec{
		ObjectSet: []vimtypes.ObjectSpec{{
			Obj:  viewRef,
			Skip: vimtypes.NewBool(true),
			SelectSet: []vimtypes.BaseSelectionSpec{
				&vimtypes.TraversalSpec{
					SelectionSpec: vimtypes.SelectionSpec{Name: "traverseView"},
					Type:          "ContainerView",
					Path:          "view",
				},
			},
		}},
		PropSet: propSpecs,
	}
}

func translate(oc vimtypes.ObjectContent, tolerateMissing bool) (*Item, error) {
	for _, missing := range oc.MissingSet {
		if missing.Fault.Fault == nil {
			continue
		}
		switch f := missing.Fault.Fault.(type) {
		case *vimtypes.InvalidProperty:
			return nil, errs.BadPropertyError{Property: f.Name}
		case *vimtypes.ManagedObjectNotFound:
			if tolerateMissing {
				return nil, nil
			}
			return nil, errs.NotFoundError{Kind: f.Obj.Type, Name: f.Obj.Value}
		case *vimtypes.NotAuthenticated, *vimtypes.NoPermission:
			// Unreadable objects are skipped, matching server-side view
			// semantics for partially visible inventories.
			if tolerateMissing {
				return nil, nil
			}
			return nil, errs.TransientError{
				Cause: fmt.Errorf("property %s: %T", missing.Path, f),
			}
		default:
			return nil, fmt.Errorf("property %s: %s",
				missing.Path, missing.Fault.LocalizedMessage)
		}
	}

	item := &Item{
		Ref:    oc.Obj,
		Flat:   make(map[string]any, len(oc.PropSet)),
		Nested: make(map[string]any),
	}
	for _, dp := range oc.PropSet {
		v := ToPlain(dp.Val)
		item.Flat[dp.Name] = v
		SetNested(item.Nested, dp.Name, v)
	}
	return item, nil
}
