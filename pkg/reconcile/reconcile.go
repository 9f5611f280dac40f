// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package reconcile drives entities from observed to desired state, one
// change set at a time.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	pbmtypes "github.com/vmware/govmomi/pbm/types"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/client"
	vmdiff "github.com/vmware-tanzu/vsphere-fleet/pkg/diff/vm"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/metrics"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/resolve"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/task"
)

// Reconciler applies desired state through one client session. It is not
// safe for concurrent use; run parallel reconciles over separate sessions.
type Reconciler struct {
	client   *client.Client
	resolver *resolve.Resolver

	// CheckMode plans edits without submitting them.
	CheckMode bool
}

// New returns a Reconciler over the given client.
func New(c *client.Client) *Reconciler {
	return &Reconciler{
		client:   c,
		resolver: resolve.New(c),
	}
}

func (r *Reconciler) waiter() *task.Waiter {
	return task.NewWaiter(r.client.VimClient())
}

func outcome(kind string, res *result.Result) {
	label := "unchanged"
	switch {
	case res.Failed:
		label = "failed"
	case res.Changed:
		label = "changed"
	}
	metrics.ReconcileTotal.WithLabelValues(kind, label).Inc()
}

// ReconcileVM drives one virtual machine. Resolution failures for
// state=absent are a no-op; for other states the VM is created from the
// payload first.
func (r *Reconciler) ReconcileVM(ctx context.Context, desired *spec.VirtualMachine) *result.Result {
	res := &result.Result{}
	defer outcome("VirtualMachine", res)

	logger := log.FromContextOrDefault(ctx).WithName("reconcile").WithValues("vm", desired.Identity.String())

	if err := desired.Validate(); err != nil {
		res.Fail(err, nil)
		return res
	}

	freshlyCreated := false
	ref, err := r.resolveVM(ctx, desired)
	if errs.IsNotFound(err) {
		if desired.State == spec.StateAbsent {
			return res
		}
		created, cerr := r.createVM(ctx, desired, res)
		if cerr != nil {
			res.Fail(cerr, nil)
			return res
		}
		if r.CheckMode {
			return res
		}
		ref = created
		err = nil
		freshlyCreated = true
	}
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	if desired.State == spec.StateAbsent {
		r.destroyVM(ctx, ref, res)
		r.resolver.Evict(vmTarget(desired))
		return res
	}

	observed, plain, err := r.observeVM(ctx, ref)
	if err != nil {
		res.Fail(err, nil)
		return res
	}
	observed.FreshlyCreated = freshlyCreated

	env, err := r.vmEnv(ctx, ref, desired)
	if err != nil {
		res.Fail(err, nil)
		return res
	}

	cs, warnings, err := vmdiff.Diff(desired, observed, env)
	if err != nil {
		res.Fail(err, nil)
		return res
	}
	res.Warnings = append(res.Warnings, warnings...)
	res.Changed = res.Changed || !cs.Empty()
	res.Changes = append(res.Changes, cs.Summaries()...)
	res.SetInstance(plain)

	before, after := result.BeforeAfter(cs, plain)
	res.SetDiff(before, after)

	if r.CheckMode || cs.Empty() {
		return res
	}

	logger.Info("applying changes", "count", len(cs))
	for i := range cs {
		if err := r.applyVMEdit(ctx, desired, &cs[i]); err != nil {
			res.Fail(err, &cs[i])
			return res
		}
	}

	r.postApplyWaits(ctx, ref, desired, res)
	return res
}

func vmTarget(desired *spec.VirtualMachine) resolve.Target {
	return resolve.Target{
		Kind:            "VirtualMachine",
		Name:            desired.Name,
		MoID:            desired.MoID,
		UUID:            desired.UUID,
		UseInstanceUUID: desired.UseInstanceUUID,
		Datacenter:      desired.Datacenter,
		Folder:          desired.Folder,
	}
}

func (r *Reconciler) resolveVM(ctx context.Context, desired *spec.VirtualMachine) (vimtypes.ManagedObjectReference, error) {
	return r.resolver.Resolve(ctx, vmTarget(desired))
}

// observeVM retrieves the minimal property set the sub-differs need.
func (r *Reconciler) observeVM(ctx context.Context, ref vimtypes.ManagedObjectReference) (vmdiff.Observed, map[string]any, error) {
	var vm mo.VirtualMachine
	pc := property.DefaultCollector(r.client.VimClient())
	err := pc.RetrieveOne(ctx, ref, []string{
		"name", "config", "runtime.powerState", "summary", "customValue", "availableField",
	}, &vm)
	if err != nil {
		return vmdiff.Observed{}, nil, errs.Classify(err)
	}
	if vm.Config == nil {
		return vmdiff.Observed{}, nil, errs.BadPropertyError{Property: "config"}
	}

	folderPath, err := r.resolver.InventoryPathOf(ctx, ref)
	if err != nil {
		folderPath = ""
	}

	fieldNames := map[int32]string{}
	for _, def := range vm.AvailableField {
		fieldNames[def.Key] = def.Name
	}
	customValues := map[string]string{}
	for _, base := range vm.CustomValue {
		if v, ok := base.(*vimtypes.CustomFieldStringValue); ok {
			if name, ok := fieldNames[v.Key]; ok {
				customValues[name] = v.Value
			}
		}
	}

	observed := vmdiff.Observed{
		Ref:          ref,
		Name:         vm.Name,
		FolderPath:   folderPath,
		Config:       vm.Config,
		PowerState:   vm.Runtime.PowerState,
		CustomValues: customValues,
	}

	plain := map[string]any{
		"name":       vm.Name,
		"moid":       ref.Value,
		"powerState": string(vm.Runtime.PowerState),
		"guestId":    vm.Config.GuestId,
		"numCpu":     vm.Config.Hardware.NumCPU,
		"memoryMB":   vm.Config.Hardware.MemoryMB,
		"hwVersion":  vm.Config.Version,
		"template":   vm.Config.Template,
	}
	if vm.Config.Uuid != "" {
		plain["uuid"] = vm.Config.Uuid
	}
	return observed, plain, nil
}

// vmEnv resolves the server-side lookups the differ needs up front.
func (r *Reconciler) vmEnv(ctx context.Context, ref vimtypes.ManagedObjectReference, desired *spec.VirtualMachine) (vmdiff.Env, error) {
	env := vmdiff.Env{}

	if desired.Hardware.Version == "latest" {
		maxVersion, err := r.maxHardwareVersion(ctx, ref)
		if err != nil {
			return env, err
		}
		env.MaxHardwareVersion = maxVersion
	}

	env.CustomFieldKey = func(name string) (int32, error) {
		return r.customFieldKey(ctx, name)
	}
	env.NetworkBacking = func(nic spec.NIC) (vimtypes.BaseVirtualDeviceBackingInfo, error) {
		return r.networkBacking(ctx, desired.Datacenter, nic)
	}
	env.DatastoreName = func(choice spec.DatastoreChoice) (string, error) {
		return r.selectDatastore(ctx, desired, choice)
	}
	env.StoredCustomizationSpec = func(name string) (*vimtypes.CustomizationSpec, error) {
		return r.storedCustomizationSpec(ctx, name)
	}

	if len(desired.NVDIMM) > 0 {
		profileID, err := r.pmemProfileID(ctx)
		if err != nil {
			return env, err
		}
		env.PMemProfileID = profileID
	}
	return env, nil
}

// maxHardwareVersion asks the environment browser for the largest
// upgrade-supported hardware version key.
func (r *Reconciler) maxHardwareVersion(ctx context.Context, ref vimtypes.ManagedObjectReference) (int32, error) {
	vm := object.NewVirtualMachine(r.client.VimClient(), ref)
	browser, err := vm.EnvironmentBrowser(ctx)
	if err != nil {
		return 0, errs.Classify(err)
	}
	descs, err := browser.QueryConfigOptionDescriptor(ctx)
	if err != nil {
		return 0, errs.Classify(err)
	}
	var max int32
	for _, d := range descs {
		if d.UpgradeSupported == nil || !*d.UpgradeSupported {
			continue
		}
		if v := parseVersionKey(d.Key); v > max {
			max = v
		}
	}
	if max == 0 {
		return 0, errs.BadInputError{Field: "hardware.version", Message: "no upgradeable hardware version reported"}
	}
	return max, nil
}

func parseVersionKey(key string) int32 {
	var n int32
	if _, err := fmt.Sscanf(key, "vmx-%d", &n); err != nil {
		return 0
	}
	return n
}

func (r *Reconciler) customFieldKey(ctx context.Context, name string) (int32, error) {
	mgr, err := r.client.CustomFieldsManager()
	if err != nil {
		return 0, errs.Classify(err)
	}
	key, err := mgr.FindKey(ctx, name)
	if err == nil {
		return key, nil
	}
	def, err := mgr.Add(ctx, name, "VirtualMachine", nil, nil)
	if err != nil {
		return 0, errs.Classify(err)
	}
	return def.Key, nil
}

// networkBacking resolves a NIC's network name across the three backing
// families. Distributed portgroups confirm the chosen host is a member of
// the owning switch during placement, not here.
func (r *Reconciler) networkBacking(ctx context.Context, datacenter string, nic spec.NIC) (vimtypes.BaseVirtualDeviceBackingInfo, error) {
	finder := r.client.Finder()
	net, err := finder.Network(ctx, nic.Network)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil, errs.NotFoundError{Kind: "Network", Name: nic.Network}
		}
		return nil, errs.Classify(err)
	}
	backing, err := net.EthernetCardBackingInfo(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	return backing, nil
}

// selectDatastore picks the disk's datastore: explicit name, SDRS pod
// recommendation, or the mounted volume with the most free space filtered
// by substring.
func (r *Reconciler) selectDatastore(ctx context.Context, desired *spec.VirtualMachine, choice spec.DatastoreChoice) (string, error) {
	if choice.Name != "" && !choice.Autoselect {
		return choice.Name, nil
	}
	finder := r.client.Finder()

	if choice.StoragePod != "" {
		pod, err := finder.DatastoreCluster(ctx, choice.StoragePod)
		if err != nil {
			return "", errs.NotFoundError{Kind: "StoragePod", Name: choice.StoragePod}
		}
		return r.recommendFromPod(ctx, pod, desired)
	}

	dss, err := finder.DatastoreList(ctx, "*")
	if err != nil {
		return "", errs.Classify(err)
	}

	var bestName string
	var bestFree int64 = -1
	for _, ds := range dss {
		var dsMo mo.Datastore
		pc := property.DefaultCollector(r.client.VimClient())
		if err := pc.RetrieveOne(ctx, ds.Reference(), []string{"summary"}, &dsMo); err != nil {
			continue
		}
		s := dsMo.Summary
		if !s.Accessible {
			continue
		}
		if s.Type != "VMFS" && s.Type != "NFS" && s.Type != "NFS41" {
			continue
		}
		if choice.Filter != "" && !strings.Contains(s.Name, choice.Filter) {
			continue
		}
		if s.FreeSpace > bestFree {
			bestFree = s.FreeSpace
			bestName = s.Name
		}
	}
	if bestName == "" {
		return "", errs.NotFoundError{Kind: "Datastore", Name: choice.Filter}
	}
	return bestName, nil
}

// recommendFromPod asks storage DRS for an initial placement
// recommendation out of the pod.
func (r *Reconciler) recommendFromPod(ctx context.Context, pod *object.StoragePod, desired *spec.VirtualMachine) (string, error) {
	srm := object.NewStorageResourceManager(r.client.VimClient())
	podRef := pod.Reference()

	storageSpec := vimtypes.StoragePlacementSpec{
		Type: string(vimtypes.StoragePlacementSpecPlacementTypeCreate),
		PodSelectionSpec: vimtypes.StorageDrsPodSelectionSpec{
			StoragePod: &podRef,
		},
	}
	placement, err := srm.RecommendDatastores(ctx, storageSpec)
	if err != nil {
		return "", errs.Classify(err)
	}
	for _, rec := range placement.Recommendations {
		for _, action := range rec.Action {
			if pa, ok := action.(*vimtypes.StoragePlacementAction); ok {
				var ds mo.Datastore
				pc := property.DefaultCollector(r.client.VimClient())
				if err := pc.RetrieveOne(ctx, pa.Destination, []string{"name"}, &ds); err != nil {
					continue
				}
				return ds.Name, nil
			}
		}
	}
	return "", errs.NotFoundError{Kind: "Datastore", Name: pod.Name()}
}

// pmemProfileID finds the persistent-memory storage policy required to
// back NVDIMM devices on vCenter.
func (r *Reconciler) pmemProfileID(ctx context.Context) (string, error) {
	pbmClient, err := r.client.PbmClient(ctx)
	if err != nil {
		return "", errs.Classify(err)
	}
	rtype := pbmtypes.PbmProfileResourceType{
		ResourceType: string(pbmtypes.PbmProfileResourceTypeEnumSTORAGE),
	}
	ids, err := pbmClient.QueryProfile(ctx, rtype, string(pbmtypes.PbmProfileCategoryEnumREQUIREMENT))
	if err != nil {
		return "", errs.Classify(err)
	}
	profiles, err := pbmClient.RetrieveContent(ctx, ids)
	if err != nil {
		return "", errs.Classify(err)
	}
	for _, p := range profiles {
		base := p.GetPbmProfile()
		if base == nil {
			continue
		}
		if strings.Contains(base.Name, "PMem") {
			return base.ProfileId.UniqueId, nil
		}
	}
	return "", errs.BadInputError{Field: "nvdimm", Message: "no PMem storage policy found"}
}

func (r *Reconciler) storedCustomizationSpec(ctx context.Context, name string) (*vimtypes.CustomizationSpec, error) {
	csm := object.NewCustomizationSpecManager(r.client.VimClient())
	item, err := csm.GetCustomizationSpec(ctx, name)
	if err != nil {
		return nil, errs.NotFoundError{Kind: "CustomizationSpec", Name: name}
	}
	return &item.Spec, nil
}
