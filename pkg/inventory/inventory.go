// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package inventory enumerates virtual machines into host records for
// orchestration tooling: property trees, tag decoration, expression-driven
// hostnames, filters, composed variables and group assignment.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmware/govmomi/vapi/tags"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/client"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/propcol"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/resolve"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// skipStates are the VM connection states excluded from enumeration.
var skipStates = map[vimtypes.VirtualMachineConnectionState]bool{
	vimtypes.VirtualMachineConnectionStateOrphaned:     true,
	vimtypes.VirtualMachineConnectionStateInaccessible: true,
	vimtypes.VirtualMachineConnectionStateDisconnected: true,
}

// requiredPaths are always retrieved regardless of the configured property
// list; enumeration and hostname fallback depend on them.
var requiredPaths = []string{
	"name",
	"config.name",
	"runtime.connectionState",
	"guest.ipAddress",
}

// Record is one enumerated VM.
type Record struct {
	Hostname string `json:"hostname"`
	MoID     string `json:"moid"`

	// Properties is the property tree, nested unless the config disables
	// nesting.
	Properties map[string]any `json:"properties"`

	Groups []string `json:"groups,omitempty"`
}

// Engine enumerates VMs over one client session.
type Engine struct {
	client   *client.Client
	resolver *resolve.Resolver

	// RefreshCache bypasses and rewrites the file cache.
	RefreshCache bool
}

// New returns an Engine over the given client.
func New(c *client.Client) *Engine {
	return &Engine{
		client:   c,
		resolver: resolve.New(c),
	}
}

// Enumerate produces the host records for the configuration. With caching
// enabled the previous result is returned when the cache entry exists;
// locking around the cache file is the caller's concern.
func (e *Engine) Enumerate(ctx context.Context, cfg *config.InventoryConfig) (map[string]Record, error) {
	logger := log.FromContextOrDefault(ctx).WithName("inventory")

	cache := newCache(cfg)
	if cfg.Cache && !e.RefreshCache {
		if records, ok := cache.load(); ok {
			logger.V(4).Info("serving from cache", "records", len(records))
			return records, nil
		}
	}

	tagTable, err := e.loadTags(ctx, cfg)
	if err != nil {
		return nil, err
	}

	roots, err := e.resourceRoots(ctx, cfg.Resources)
	if err != nil {
		return nil, err
	}

	paths, wantCustomValues := buildPropertyList(cfg)

	var items []propcol.Item
	for _, root := range roots {
		collected, err := propcol.Collect(ctx, e.client.VimClient(), propcol.Request{
			Root:            root,
			Kinds:           []string{"VirtualMachine"},
			Paths:           paths,
			TolerateMissing: true,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, collected...)
	}

	if tagTable != nil {
		refs := make([]mo.Reference, len(items))
		for i := range items {
			refs[i] = items[i].Ref
		}
		if err := tagTable.fetchAttachments(ctx, e.client.TagManager(), refs); err != nil {
			return nil, err
		}
	}

	fieldNames, err := e.customFieldNames(ctx, wantCustomValues)
	if err != nil {
		return nil, err
	}

	records := make(map[string]Record, len(items))
	for _, item := range items {
		record, keep, err := e.buildRecord(ctx, cfg, item, tagTable, fieldNames)
		if err != nil {
			return nil, err
		}
		if keep {
			records[record.Hostname] = record
		}
	}

	logger.V(2).Info("enumerated inventory", "records", len(records), "candidates", len(items))

	if cfg.Cache {
		if err := cache.store(records); err != nil {
			logger.Error(err, "writing inventory cache")
		}
	}
	return records, nil
}

// buildPropertyList merges the configured properties with the mandatory
// set. The pseudo-property customValue resolves through the custom fields
// manager, not the collector path set.
func buildPropertyList(cfg *config.InventoryConfig) ([]string, bool) {
	wantCustom := false

	if len(cfg.Properties) == 0 {
		return []string{propcol.AllProperties}, true
	}
	for _, p := range cfg.Properties {
		if p == propcol.AllProperties {
			return []string{propcol.AllProperties}, true
		}
		if p == "customValue" {
			wantCustom = true
		}
	}

	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}
	for _, p := range cfg.Properties {
		if p == "customValue" {
			continue
		}
		add(p)
	}
	for _, sp := range cfg.Subproperties {
		add(sp.Property)
	}
	for _, p := range requiredPaths {
		add(p)
	}
	if wantCustom {
		add("customValue")
		add("availableField")
	}
	return paths, wantCustom
}

func (e *Engine) customFieldNames(ctx context.Context, want bool) (map[int32]string, error) {
	if !want {
		return nil, nil
	}
	mgr, err := e.client.CustomFieldsManager()
	if err != nil {
		return nil, errs.Classify(err)
	}
	defs, err := mgr.Field(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	names := make(map[int32]string, len(defs))
	for _, def := range defs {
		names[def.Key] = def.Name
	}
	return names, nil
}

func (e *Engine) buildRecord(
	ctx context.Context,
	cfg *config.InventoryConfig,
	item propcol.Item,
	tagTable *tagTable,
	fieldNames map[int32]string) (Record, bool, error) {

	if state, ok := item.Flat["runtime.connectionState"].(string); ok {
		if skipStates[vimtypes.VirtualMachineConnectionState(state)] {
			return Record{}, false, nil
		}
	}

	props := item.Nested
	flat := item.Flat

	if fieldNames != nil {
		if cv := customValues(flat, fieldNames); len(cv) > 0 {
			props["customValue"] = cv
		}
	}
	delete(props, "availableField")

	if tagTable != nil {
		tags, categories, byCategory := tagTable.decorate(item.Ref)
		props["tags"] = tags
		props["categories"] = categories
		props["tag_category"] = byCategory
	}

	if cfg.WithPath.Enabled {
		path, err := e.resolver.InventoryPathOf(ctx, item.Ref)
		if err == nil {
			if sep := cfg.WithPath.Separator; sep != "" && sep != "/" {
				path = strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", sep)
			}
			props["path"] = path
		}
	}

	narrowSubproperties(props, cfg.Subproperties)

	env := exprEnv(props)

	keep, err := evalFilters(cfg.Filters, env)
	if err != nil {
		return Record{}, false, err
	}
	if !keep {
		return Record{}, false, nil
	}

	hostname, err := evalHostname(cfg, env, flat, item.MoID())
	if err != nil {
		return Record{}, false, err
	}

	if err := evalCompose(cfg.Compose, env, props); err != nil {
		return Record{}, false, err
	}

	groups, err := evalGroups(cfg, exprEnv(props))
	if err != nil {
		return Record{}, false, err
	}

	out := props
	if cfg.WithNestedProperties != nil && !*cfg.WithNestedProperties {
		out = flattenTree(props)
	}
	if cfg.WithSanitizedPropertyName {
		out = util.SnakeCaseKeys(out)
	}

	return Record{
		Hostname:   hostname,
		MoID:       item.MoID(),
		Properties: out,
		Groups:     groups,
	}, true, nil
}

func customValues(flat map[string]any, fieldNames map[int32]string) map[string]string {
	values, ok := flat["customValue"].([]any)
	if !ok {
		return nil
	}
	out := map[string]string{}
	for _, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		key, _ := entry["key"].(int32)
		value, _ := entry["value"].(string)
		if name, ok := fieldNames[key]; ok {
			out[name] = value
		}
	}
	return out
}

// narrowSubproperties prunes configured properties down to the listed
// subelements.
func narrowSubproperties(props map[string]any, subs []config.Subproperty) {
	for _, sp := range subs {
		if len(sp.Subelements) == 0 {
			continue
		}
		node := lookupPath(props, sp.Property)
		sub, ok := node.(map[string]any)
		if !ok {
			continue
		}
		keep := map[string]bool{}
		for _, el := range sp.Subelements {
			keep[el] = true
		}
		for k := range sub {
			if !keep[k] {
				delete(sub, k)
			}
		}
	}
}

func lookupPath(tree map[string]any, path string) any {
	cur := any(tree)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// flattenTree re-flattens a nested property tree to dotted keys.
func flattenTree(tree map[string]any) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		m, ok := node.(map[string]any)
		if !ok || len(m) == 0 {
			out[prefix] = node
			return
		}
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			walk(key, v)
		}
	}
	for k, v := range tree {
		walk(k, v)
	}
	return out
}

// loadTags initializes the tagging sidecar once per enumeration.
func (e *Engine) loadTags(ctx context.Context, cfg *config.InventoryConfig) (*tagTable, error) {
	if !cfg.WithTags {
		return nil, nil
	}
	return loadTagTable(ctx, e.client.TagManager())
}

// tagManagerAPI is the slice of the vAPI tag manager the engine consumes;
// tests substitute a fake.
type tagManagerAPI interface {
	GetCategories(ctx context.Context) ([]tags.Category, error)
	GetTags(ctx context.Context) ([]tags.Tag, error)
	ListAttachedTagsOnObjects(ctx context.Context, refs []mo.Reference) ([]tags.AttachedTags, error)
}

// tagTable indexes tags and categories by id with per-object attachment.
type tagTable struct {
	tagName     map[string]string
	tagCategory map[string]string
	attached    map[string][]string
}

func loadTagTable(ctx context.Context, mgr tagManagerAPI) (*tagTable, error) {
	t := &tagTable{
		tagName:     map[string]string{},
		tagCategory: map[string]string{},
		attached:    map[string][]string{},
	}

	categories, err := mgr.GetCategories(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	categoryName := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryName[c.ID] = c.Name
	}

	tagList, err := mgr.GetTags(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	for _, tag := range tagList {
		t.tagName[tag.ID] = tag.Name
		t.tagCategory[tag.ID] = categoryName[tag.CategoryID]
	}
	return t, nil
}

// attach records the tags bound to one object.
func (t *tagTable) attach(ref vimtypes.ManagedObjectReference, tagIDs []string) {
	t.attached[ref.Value] = tagIDs
}

// fetchAttachments loads the attachments for the given refs in one call.
func (t *tagTable) fetchAttachments(ctx context.Context, mgr tagManagerAPI, refs []mo.Reference) error {
	if len(refs) == 0 {
		return nil
	}
	attached, err := mgr.ListAttachedTagsOnObjects(ctx, refs)
	if err != nil {
		return errs.Classify(err)
	}
	for _, a := range attached {
		t.attached[a.ObjectID.Reference().Value] = a.TagIDs
	}
	return nil
}

func (t *tagTable) decorate(ref vimtypes.ManagedObjectReference) (tagNames, categories []string, byCategory map[string][]string) {
	byCategory = map[string][]string{}
	for _, id := range t.attached[ref.Value] {
		name, ok := t.tagName[id]
		if !ok {
			continue
		}
		tagNames = append(tagNames, name)
		category := t.tagCategory[id]
		if category == "" {
			continue
		}
		byCategory[category] = append(byCategory[category], name)
	}
	seen := map[string]bool{}
	for category := range byCategory {
		if !seen[category] {
			seen[category] = true
			categories = append(categories, category)
		}
	}
	return tagNames, categories, byCategory
}

func errFatalHostname(moid string) error {
	return errs.BadInputError{
		Field:   "hostnames",
		Message: fmt.Sprintf("no hostname expression produced a value for %s", moid),
	}
}
