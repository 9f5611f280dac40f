// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package resolve maps user-supplied identifiers onto unambiguous managed
// object references, with a per-session cache.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/client"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/constants"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/propcol"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// Resolver resolves Targets against one session. The cache is confined to a
// single reconcile pass; mutating callers evict entries that the server
// reports as gone.
type Resolver struct {
	client *client.Client
	cache  map[string]vimtypes.ManagedObjectReference
}

// New returns a Resolver bound to the session.
func New(c *client.Client) *Resolver {
	return &Resolver{
		client: c,
		cache:  make(map[string]vimtypes.ManagedObjectReference),
	}
}

// Resolve maps the target onto exactly one managed object reference.
// NotFoundError is recoverable (the caller may create); AmbiguousError is
// fatal for the target.
func (r *Resolver) Resolve(ctx context.Context, t Target) (vimtypes.ManagedObjectReference, error) {
	if ref, ok := r.cache[t.cacheKey()]; ok {
		return ref, nil
	}

	var (
		ref vimtypes.ManagedObjectReference
		err error
	)
	switch {
	case t.MoID != "":
		ref, err = r.resolveByMoID(ctx, t)
	case t.UUID != "":
		ref, err = r.resolveByUUID(ctx, t)
	case t.InventoryPath != "":
		ref, err = r.resolveByPath(ctx, t)
	case t.Name != "":
		ref, err = r.resolveByName(ctx, t)
	default:
		return vimtypes.ManagedObjectReference{},
			errs.BadInputError{Message: "target needs a name, moid, uuid or inventory path"}
	}
	if err != nil {
		return vimtypes.ManagedObjectReference{}, err
	}

	r.cache[t.cacheKey()] = ref
	return ref, nil
}

// Evict removes a target from the cache after the server reported its
// reference stale.
func (r *Resolver) Evict(t Target) {
	delete(r.cache, t.cacheKey())
}

func (r *Resolver) resolveByMoID(ctx context.Context, t Target) (vimtypes.ManagedObjectReference, error) {
	ref := vimtypes.ManagedObjectReference{Type: t.Kind, Value: t.MoID}

	// Probe a trivial property to verify the reference is live.
	var me mo.ManagedEntity
	pc := property.DefaultCollector(r.client.VimClient())
	err := pc.RetrieveOne(ctx, ref, []string{"name"}, &me)
	if err != nil {
		if errs.IsNotFound(errs.Classify(err)) {
			return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: t.Kind, Name: t.MoID}
		}
		return vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}

	log.FromContextOrDefault(ctx).V(4).Info("resolved by moid", "kind", t.Kind, "moid", t.MoID)
	return ref, nil
}

func (r *Resolver) resolveByUUID(ctx context.Context, t Target) (vimtypes.ManagedObjectReference, error) {
	si := object.NewSearchIndex(r.client.VimClient())
	found, err := si.FindByUuid(ctx, r.client.Datacenter(), t.UUID, true, &t.UseInstanceUUID)
	if err != nil {
		return vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}
	if found == nil {
		return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: t.Kind, Name: t.UUID}
	}
	return found.Reference(), nil
}

func (r *Resolver) resolveByPath(ctx context.Context, t Target) (vimtypes.ManagedObjectReference, error) {
	path := util.NormalizeFolderPath(t.InventoryPath)

	si := object.NewSearchIndex(r.client.VimClient())
	found, err := si.FindByInventoryPath(ctx, path)
	if err != nil {
		return vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}
	if found == nil {
		return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: "InventoryPath", Name: path}
	}
	ref := found.Reference()
	if t.Kind != "" && ref.Type != t.Kind {
		return vimtypes.ManagedObjectReference{},
			errs.NotFoundError{Kind: t.Kind, Name: path}
	}
	return ref, nil
}

func (r *Resolver) resolveByName(ctx context.Context, t Target) (vimtypes.ManagedObjectReference, error) {
	root := vimtypes.ManagedObjectReference{}
	if t.Datacenter != "" {
		dc, err := r.datacenterByName(ctx, t.Datacenter)
		if err != nil {
			return vimtypes.ManagedObjectReference{}, err
		}
		root = dc
	}

	items, err := propcol.Collect(ctx, r.client.VimClient(), propcol.Request{
		Root:  root,
		Kinds: []string{t.Kind},
		Paths: []string{"name"},
	})
	if err != nil {
		return vimtypes.ManagedObjectReference{}, err
	}

	want := util.QuoteName(t.Name)
	var candidates []vimtypes.ManagedObjectReference
	for _, item := range items {
		serverName, _ := item.Flat["name"].(string)
		if serverName == want || util.UnquoteName(serverName) == t.Name {
			candidates = append(candidates, item.Ref)
		}
	}

	switch len(candidates) {
	case 0:
		return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: t.Kind, Name: t.Name}
	case 1:
		return candidates[0], nil
	}

	// Duplicate names: a folder hint narrows by path containment.
	if t.Folder != "" {
		hint := util.NormalizeFolderPath(t.Folder)
		var narrowed []vimtypes.ManagedObjectReference
		for _, c := range candidates {
			p, err := r.InventoryPathOf(ctx, c)
			if err != nil {
				continue
			}
			if strings.Contains(p, hint) {
				narrowed = append(narrowed, c)
			}
		}
		if len(narrowed) == 1 {
			return narrowed[0], nil
		}
		if len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	moids := make([]string, len(candidates))
	for i, c := range candidates {
		moids[i] = c.Value
	}
	return vimtypes.ManagedObjectReference{},
		errs.AmbiguousError{Kind: t.Kind, Name: t.Name, Candidates: moids}
}

func (r *Resolver) datacenterByName(ctx context.Context, name string) (vimtypes.ManagedObjectReference, error) {
	key := "Datacenter//" + name
	if ref, ok := r.cache[key]; ok {
		return ref, nil
	}
	items, err := propcol.Collect(ctx, r.client.VimClient(), propcol.Request{
		Kinds: []string{"Datacenter"},
		Paths: []string{"name"},
	})
	if err != nil {
		return vimtypes.ManagedObjectReference{}, err
	}
	for _, item := range items {
		if n, _ := item.Flat["name"].(string); util.UnquoteName(n) == name {
			r.cache[key] = item.Ref
			return item.Ref, nil
		}
	}
	return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: "Datacenter", Name: name}
}

// ResolveFolder resolves a folder path such as "/DC1/vm/linux" to a Folder.
// The leading slash is optional and trailing slashes are ignored. The
// folderKind argument selects the datacenter-scoped root ("vm", "host",
// "datastore" or "network") when the path omits it.
func (r *Resolver) ResolveFolder(ctx context.Context, path, datacenter, folderKind string) (*object.Folder, error) {
	path = util.NormalizeFolderPath(path)
	if path == "" {
		return nil, errs.BadInputError{Field: "folder", Message: "empty folder path"}
	}

	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")

	// Paths relative to a datacenter ("linux/prod") are anchored at the
	// datacenter's folder for the requested kind.
	if datacenter != "" && segments[0] != datacenter {
		path = util.NormalizeFolderPath("/" + datacenter + "/" + folderKind + path)
	}

	f, err := r.client.Finder().Folder(ctx, path)
	if err != nil {
		return nil, errs.NotFoundError{Kind: "Folder", Name: path}
	}
	return f, nil
}

// InventoryPathOf climbs parent references to the root folder and joins the
// names with '/'. A visited set guards against parent cycles; the climb stops
// at the well-known root sentinels.
func (r *Resolver) InventoryPathOf(ctx context.Context, ref vimtypes.ManagedObjectReference) (string, error) {
	pc := property.DefaultCollector(r.client.VimClient())

	var names []string
	visited := map[string]bool{}
	cur := ref

	for {
		if visited[cur.Value] {
			return "", fmt.Errorf("parent cycle at %s", cur.Value)
		}
		visited[cur.Value] = true

		if cur.Value == constants.RootFolderMoID || cur.Value == constants.HostAgentRootFolderMoID {
			break
		}

		var me mo.ManagedEntity
		if err := pc.RetrieveOne(ctx, cur, []string{"name", "parent"}, &me); err != nil {
			return "", errs.Classify(err)
		}
		names = append([]string{me.Name}, names...)
		if me.Parent == nil {
			break
		}
		cur = *me.Parent
	}

	return "/" + strings.Join(names, "/"), nil
}

// ParentDatacenterOf climbs parents from any object to its datacenter.
func (r *Resolver) ParentDatacenterOf(ctx context.Context, ref vimtypes.ManagedObjectReference) (*object.Datacenter, error) {
	pc := property.DefaultCollector(r.client.VimClient())

	visited := map[string]bool{}
	cur := ref
	for {
		if cur.Type == "Datacenter" {
			return object.NewDatacenter(r.client.VimClient(), cur), nil
		}
		if visited[cur.Value] {
			return nil, fmt.Errorf("parent cycle at %s", cur.Value)
		}
		visited[cur.Value] = true
		if cur.Value == constants.RootFolderMoID || cur.Value == constants.HostAgentRootFolderMoID {
			return nil, errs.NotFoundError{Kind: "Datacenter", Name: ref.Value}
		}

		var me mo.ManagedEntity
		if err := pc.RetrieveOne(ctx, cur, []string{"parent"}, &me); err != nil {
			return nil, errs.Classify(err)
		}
		if me.Parent == nil {
			return nil, errs.NotFoundError{Kind: "Datacenter", Name: ref.Value}
		}
		cur = *me.Parent
	}
}

// FindByDNSName consults the server search index for a VM or host by DNS name.
func (r *Resolver) FindByDNSName(ctx context.Context, dnsName string, vmSearch bool) (vimtypes.ManagedObjectReference, error) {
	si := object.NewSearchIndex(r.client.VimClient())
	found, err := si.FindByDnsName(ctx, r.client.Datacenter(), dnsName, vmSearch)
	if err != nil {
		return vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}
	if found == nil {
		return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: "DnsName", Name: dnsName}
	}
	return found.Reference(), nil
}

// FindByIP consults the server search index for a VM or host by IP address.
func (r *Resolver) FindByIP(ctx context.Context, ip string, vmSearch bool) (vimtypes.ManagedObjectReference, error) {
	si := object.NewSearchIndex(r.client.VimClient())
	found, err := si.FindByIp(ctx, r.client.Datacenter(), ip, vmSearch)
	if err != nil {
		return vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}
	if found == nil {
		return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: "Ip", Name: ip}
	}
	return found.Reference(), nil
}

// FindVMByMAC scans VM ethernet devices for the given MAC address. There is
// no server-side index for MACs, so this is a property-collector sweep.
func (r *Resolver) FindVMByMAC(ctx context.Context, mac string) (vimtypes.ManagedObjectReference, error) {
	var vms []mo.VirtualMachine
	m := property.DefaultCollector(r.client.VimClient())

	items, err := propcol.Collect(ctx, r.client.VimClient(), propcol.Request{
		Kinds:           []string{"VirtualMachine"},
		Paths:           []string{"name"},
		TolerateMissing: true,
	})
	if err != nil {
		return vimtypes.ManagedObjectReference{}, err
	}

	refs := make([]vimtypes.ManagedObjectReference, len(items))
	for i := range items {
		refs[i] = items[i].Ref
	}
	if len(refs) == 0 {
		return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: "VirtualMachine", Name: mac}
	}
	if err := m.Retrieve(ctx, refs, []string{"config.hardware.device"}, &vms); err != nil {
		return vimtypes.ManagedObjectReference{}, errs.Classify(err)
	}

	want := strings.ToLower(mac)
	for _, vm := range vms {
		if vm.Config == nil {
			continue
		}
		for _, dev := range vm.Config.Hardware.Device {
			if card, ok := dev.(vimtypes.BaseVirtualEthernetCard); ok {
				if strings.ToLower(card.GetVirtualEthernetCard().MacAddress) == want {
					return vm.Self, nil
				}
			}
		}
	}
	return vimtypes.ManagedObjectReference{}, errs.NotFoundError{Kind: "VirtualMachine", Name: mac}
}
