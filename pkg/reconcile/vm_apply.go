// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/task"
)

// createVM builds the VM ab initio from the payload's mandatory fields.
// Device convergence happens in the same pass right after creation.
func (r *Reconciler) createVM(ctx context.Context, desired *spec.VirtualMachine, res *result.Result) (vimtypes.ManagedObjectReference, error) {
	var zero vimtypes.ManagedObjectReference

	var folder *object.Folder
	var err error
	if desired.Folder == "" {
		folder, err = r.client.Finder().DefaultFolder(ctx)
		if err != nil {
			return zero, errs.Classify(err)
		}
	} else {
		folder, err = r.resolver.ResolveFolder(ctx, desired.Folder, desired.Datacenter, "vm")
		if err != nil {
			return zero, err
		}
	}

	pool, host, err := r.placement(ctx, desired)
	if err != nil {
		return zero, err
	}

	dsChoice := spec.DatastoreChoice{Autoselect: true}
	if len(desired.Disks) > 0 {
		dsChoice = desired.Disks[0].Datastore
	}
	dsName, err := r.selectDatastore(ctx, desired, dsChoice)
	if err != nil {
		return zero, err
	}

	configSpec := vimtypes.VirtualMachineConfigSpec{
		Name:    desired.Name,
		GuestId: desired.GuestID,
		Files: &vimtypes.VirtualMachineFileInfo{
			VmPathName: fmt.Sprintf("[%s]", dsName),
		},
	}
	if desired.Hardware.NumCPUs != nil {
		configSpec.NumCPUs = *desired.Hardware.NumCPUs
	}
	if desired.Hardware.CoresPerSocket != nil {
		configSpec.NumCoresPerSocket = *desired.Hardware.CoresPerSocket
	}
	if desired.Hardware.MemoryMB != nil {
		configSpec.MemoryMB = *desired.Hardware.MemoryMB
	}
	if fw := desired.Hardware.BootFirmware; fw != "" {
		configSpec.Firmware = fw
	}
	if v := desired.Hardware.Version; v != "" && v != "latest" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			configSpec.Version = fmt.Sprintf("vmx-%02d", n)
		}
	}
	if desired.Annotation != nil {
		configSpec.Annotation = *desired.Annotation
	}

	res.Changed = true
	res.Changes = append(res.Changes, fmt.Sprintf("CreateContainer(VirtualMachine %s)", desired.Name))
	if r.CheckMode {
		return zero, nil
	}

	createTask, err := folder.CreateVM(ctx, configSpec, pool, host)
	if err != nil {
		return zero, errs.Classify(err)
	}
	info, err := r.waiter().Wait(ctx, createTask.Reference())
	if err != nil {
		return zero, err
	}
	ref, ok := info.Result.(vimtypes.ManagedObjectReference)
	if !ok {
		return zero, errs.TaskFailedError{TaskMoID: createTask.Reference().Value, Message: "create returned no reference"}
	}
	return ref, nil
}

// placement resolves the resource pool and optional host for creation.
func (r *Reconciler) placement(ctx context.Context, desired *spec.VirtualMachine) (*object.ResourcePool, *object.HostSystem, error) {
	finder := r.client.Finder()

	var host *object.HostSystem
	if desired.ESXiHost != "" {
		h, err := finder.HostSystem(ctx, desired.ESXiHost)
		if err != nil {
			return nil, nil, errs.NotFoundError{Kind: "HostSystem", Name: desired.ESXiHost}
		}
		host = h
	}

	if desired.ResourcePool != "" {
		pool, err := finder.ResourcePool(ctx, desired.ResourcePool)
		if err != nil {
			return nil, nil, errs.NotFoundError{Kind: "ResourcePool", Name: desired.ResourcePool}
		}
		return pool, host, nil
	}
	if desired.Cluster != "" {
		cluster, err := finder.ClusterComputeResource(ctx, desired.Cluster)
		if err != nil {
			return nil, nil, errs.NotFoundError{Kind: "ClusterComputeResource", Name: desired.Cluster}
		}
		pool, err := cluster.ResourcePool(ctx)
		if err != nil {
			return nil, nil, errs.Classify(err)
		}
		return pool, host, nil
	}
	if host != nil {
		pool, err := host.ResourcePool(ctx)
		if err != nil {
			return nil, nil, errs.Classify(err)
		}
		return pool, host, nil
	}

	pool, err := finder.DefaultResourcePool(ctx)
	if err != nil {
		return nil, nil, errs.Classify(err)
	}
	return pool, nil, nil
}

// destroyVM powers the VM off when needed and destroys it.
func (r *Reconciler) destroyVM(ctx context.Context, ref vimtypes.ManagedObjectReference, res *result.Result) {
	res.Changed = true
	res.Changes = append(res.Changes, "DestroyContainer(VirtualMachine)")
	if r.CheckMode {
		return
	}

	vm := object.NewVirtualMachine(r.client.VimClient(), ref)

	state, err := vm.PowerState(ctx)
	if err == nil && state == vimtypes.VirtualMachinePowerStatePoweredOn {
		if offTask, err := vm.PowerOff(ctx); err == nil {
			_, _ = r.waiter().Wait(ctx, offTask.Reference())
		}
	}

	destroyTask, err := vm.Destroy(ctx)
	if err != nil {
		res.Fail(errs.Classify(err), nil)
		return
	}
	if _, err := r.waiter().Wait(ctx, destroyTask.Reference()); err != nil {
		res.Fail(err, nil)
	}
}

// applyVMEdit submits one edit and waits for its task. Question answers
// declared on the virtual machine ride along with every wait.
func (r *Reconciler) applyVMEdit(ctx context.Context, desired *spec.VirtualMachine, e *diff.Edit) error {
	vm := object.NewVirtualMachine(r.client.VimClient(), e.Target)
	w := r.waiter()
	if len(desired.Answers) > 0 {
		w = w.WithAnswers(e.Target, desired.Answers)
	}

	wait := func(t *object.Task, err error) error {
		if err != nil {
			return errs.Classify(err)
		}
		_, werr := w.Wait(ctx, t.Reference())
		return werr
	}

	switch e.Op {
	case diff.OpRename:
		return wait(vm.Rename(ctx, e.Name))

	case diff.OpRelocate:
		folder, err := r.resolver.ResolveFolder(ctx, e.Name, desired.Datacenter, "vm")
		if err != nil {
			return err
		}
		return wait(folder.MoveInto(ctx, []vimtypes.ManagedObjectReference{e.Target}))

	case diff.OpReconfigure:
		configSpec, ok := e.Payload.(*vimtypes.VirtualMachineConfigSpec)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "reconfigure payload is not a config spec"}
		}
		return wait(vm.Reconfigure(ctx, *configSpec))

	case diff.OpUpgradeHardware:
		err := wait(vm.UpgradeVM(ctx, e.Name))
		// Already at or above the requested version counts as done.
		if errs.IsTaskFailed(err) {
			var vmMo mo.VirtualMachine
			pc := property.DefaultCollector(r.client.VimClient())
			if perr := pc.RetrieveOne(ctx, e.Target, []string{"config.version"}, &vmMo); perr == nil &&
				vmMo.Config != nil && vmMo.Config.Version == e.Name {
				return nil
			}
		}
		return err

	case diff.OpMarkAsTemplate:
		if e.Force {
			pool, _, err := r.placement(ctx, desired)
			if err != nil {
				return err
			}
			return errs.Classify(vm.MarkAsVirtualMachine(ctx, *pool, nil))
		}
		return errs.Classify(vm.MarkAsTemplate(ctx))

	case diff.OpCustomizeGuest:
		custSpec, ok := e.Payload.(*vimtypes.CustomizationSpec)
		if !ok {
			return errs.BadInputError{Field: "payload", Message: "customize payload is not a customization spec"}
		}
		return wait(vm.Customize(ctx, *custSpec))

	case diff.OpPowerTransition:
		return r.applyPower(ctx, vm, w, desired, e)

	case diff.OpSetOption:
		if e.Kind != "CustomField" {
			return errs.BadInputError{Field: "payload", Message: fmt.Sprintf("unexpected option kind %q", e.Kind)}
		}
		mgr, err := r.client.CustomFieldsManager()
		if err != nil {
			return errs.Classify(err)
		}
		key, err := r.customFieldKey(ctx, e.Name)
		if err != nil {
			return err
		}
		value, _ := e.Payload.(string)
		return errs.Classify(mgr.Set(ctx, e.Target, key, value))

	default:
		return errs.BadInputError{Field: "changes", Message: fmt.Sprintf("unsupported edit %s", e.Op)}
	}
}

// applyPower executes one power transition. Guest soft operations fall
// back to hard transitions when tools are unavailable and force is set.
func (r *Reconciler) applyPower(ctx context.Context, vm *object.VirtualMachine, w *task.Waiter, desired *spec.VirtualMachine, e *diff.Edit) error {
	logger := log.FromContextOrDefault(ctx).WithName("reconcile")

	wait := func(t *object.Task, err error) error {
		if err != nil {
			return errs.Classify(err)
		}
		_, werr := w.Wait(ctx, t.Reference())
		return werr
	}

	switch spec.State(e.Name) {
	case spec.StatePoweredOn:
		return wait(vm.PowerOn(ctx))

	case spec.StatePoweredOff:
		return wait(vm.PowerOff(ctx))

	case spec.StateSuspended:
		return wait(vm.Suspend(ctx))

	case spec.StateRestarted:
		state, err := vm.PowerState(ctx)
		if err != nil {
			return errs.Classify(err)
		}
		if state != vimtypes.VirtualMachinePowerStatePoweredOn {
			return wait(vm.PowerOn(ctx))
		}
		return wait(vm.Reset(ctx))

	case spec.StateShutdownGuest:
		if err := vm.ShutdownGuest(ctx); err != nil {
			if !e.Force {
				return errs.Classify(err)
			}
			logger.Info("guest shutdown unavailable, powering off")
			return wait(vm.PowerOff(ctx))
		}
		return r.waitForPowerState(ctx, vm, vimtypes.VirtualMachinePowerStatePoweredOff)

	case spec.StateRebootGuest:
		if err := vm.RebootGuest(ctx); err != nil {
			if !e.Force {
				return errs.Classify(err)
			}
			logger.Info("guest reboot unavailable, resetting")
			return wait(vm.Reset(ctx))
		}
		return nil

	default:
		// Plain transitions plotted directly by power state.
		switch e.DesiredPowerState {
		case vimtypes.VirtualMachinePowerStatePoweredOn:
			return wait(vm.PowerOn(ctx))
		case vimtypes.VirtualMachinePowerStatePoweredOff:
			return wait(vm.PowerOff(ctx))
		case vimtypes.VirtualMachinePowerStateSuspended:
			return wait(vm.Suspend(ctx))
		}
		return errs.BadInputError{Field: "state", Message: fmt.Sprintf("unknown power transition %q", e.Name)}
	}
}

const powerPollInterval = 2 * time.Second

func (r *Reconciler) waitForPowerState(ctx context.Context, vm *object.VirtualMachine, want vimtypes.VirtualMachinePowerState) error {
	start := time.Now()
	deadline := start.Add(5 * time.Minute)
	for {
		state, err := vm.PowerState(ctx)
		if err != nil {
			return errs.Classify(err)
		}
		if state == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.TimeoutError{Wait: "power state " + string(want), Elapsed: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(powerPollInterval):
		}
	}
}
