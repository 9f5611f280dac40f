// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package vm diffs a desired virtual machine against its observed config,
// emitting the minimal edits that close the gap.
package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

// Env supplies the server-derived lookups the differ needs without talking
// to the server itself. Callers resolve these ahead of the diff; tests
// supply fakes.
type Env struct {
	// MaxHardwareVersion is the largest upgrade-supported key reported by
	// the environment browser; resolves hardware.version "latest".
	MaxHardwareVersion int32

	// PMemProfileID is the resolved persistent-memory storage policy id,
	// required to add NVDIMM devices on vCenter.
	PMemProfileID string

	// CustomFieldKey resolves a custom attribute name to its field key,
	// defining the field when absent.
	CustomFieldKey func(name string) (int32, error)

	// NetworkBacking resolves a NIC's network to a device backing.
	// Standard portgroups, distributed portgroups and opaque networks are
	// all represented by the returned backing.
	NetworkBacking func(nic spec.NIC) (vimtypes.BaseVirtualDeviceBackingInfo, error)

	// DatastoreName resolves a disk's datastore choice (explicit,
	// autoselect, or SDRS recommendation) to a datastore name.
	DatastoreName func(choice spec.DatastoreChoice) (string, error)

	// StoredCustomizationSpec fetches a named server-stored guest
	// customization spec.
	StoredCustomizationSpec func(name string) (*vimtypes.CustomizationSpec, error)
}

// Observed is the live VM state the differ compares against.
type Observed struct {
	Ref        vimtypes.ManagedObjectReference
	Name       string
	FolderPath string
	Config     *vimtypes.VirtualMachineConfigInfo
	PowerState vimtypes.VirtualMachinePowerState
	// CustomValues maps custom attribute names to their current values.
	CustomValues map[string]string

	// FreshlyCreated marks a VM created earlier in the same run. Guest
	// customization applies only then, unless the declaration opts in
	// for existing VMs.
	FreshlyCreated bool
}

// Diff compares desired against observed and returns the ordered change
// set. Warnings carry non-fatal findings.
func Diff(desired *spec.VirtualMachine, observed Observed, env Env) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}
	if observed.Config == nil {
		return nil, nil, errs.BadPropertyError{Property: "config"}
	}

	var (
		cs       diff.ChangeSet
		warnings []string
		outCS    vimtypes.VirtualMachineConfigSpec
	)

	cs = append(cs, diffIdentity(desired, observed)...)

	if err := diffGuestID(desired, observed, &outCS); err != nil {
		return nil, nil, err
	}
	if err := diffCPUMemory(desired, observed, &outCS); err != nil {
		return nil, nil, err
	}
	diffAllocation(desired.Hardware.CPUAllocation, observed.Config.CpuAllocation, &outCS.CpuAllocation)
	diffAllocation(desired.Hardware.MemoryAllocation, observed.Config.MemoryAllocation, &outCS.MemoryAllocation)
	diffHardwareFlags(desired, observed, &outCS, &warnings)
	diffAnnotation(desired, observed, &outCS)
	diffAdvancedSettings(desired, observed, &outCS)

	upgrade, err := diffHardwareVersion(desired, observed, env)
	if err != nil {
		return nil, nil, err
	}
	cs = append(cs, upgrade...)

	deviceChanges, err := diffDevices(desired, observed, env)
	if err != nil {
		return nil, nil, err
	}
	outCS.DeviceChange = append(outCS.DeviceChange, deviceChanges...)

	if err := diffVAppProperties(desired, observed, &outCS); err != nil {
		return nil, nil, err
	}

	customEdits, err := diffCustomValues(desired, observed, env)
	if err != nil {
		return nil, nil, err
	}
	cs = append(cs, customEdits...)

	if !emptyConfigSpec(outCS) {
		cs = append(cs, diff.Edit{
			Op:      diff.OpReconfigure,
			Target:  observed.Ref,
			Kind:    "VirtualMachine",
			Payload: &outCS,
		})
	}

	templateEdits := diffTemplate(desired, observed)
	cs = append(cs, templateEdits...)

	custEdit, err := customizeEdit(desired, observed, env)
	if err != nil {
		return nil, nil, err
	}
	cs = append(cs, custEdit...)

	cs = append(cs, powerEdits(desired, observed)...)

	return cs.Order(observed.PowerState), warnings, nil
}

func diffIdentity(desired *spec.VirtualMachine, observed Observed) diff.ChangeSet {
	var cs diff.ChangeSet
	if desired.Name != "" && desired.Name != observed.Name {
		cs = append(cs, diff.Edit{
			Op:     diff.OpRename,
			Target: observed.Ref,
			Kind:   "VirtualMachine",
			Name:   desired.Name,
		})
	}
	if desired.Folder != "" && observed.FolderPath != "" &&
		normalizePath(desired.Folder) != normalizePath(observed.FolderPath) {
		cs = append(cs, diff.Edit{
			Op:     diff.OpRelocate,
			Target: observed.Ref,
			Kind:   "VirtualMachine",
			Name:   desired.Folder,
		})
	}
	return cs
}

func normalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}

func diffGuestID(desired *spec.VirtualMachine, observed Observed, outCS *vimtypes.VirtualMachineConfigSpec) error {
	if desired.GuestID == "" {
		return nil
	}
	diff.Cmp(observed.Config.GuestId, desired.GuestID, &outCS.GuestId)
	return nil
}

func diffCPUMemory(desired *spec.VirtualMachine, observed Observed, outCS *vimtypes.VirtualMachineConfigSpec) error {
	hw := desired.Hardware
	ci := observed.Config
	poweredOn := observed.PowerState == vimtypes.VirtualMachinePowerStatePoweredOn

	if hw.NumCPUs != nil && *hw.NumCPUs != ci.Hardware.NumCPU {
		if poweredOn {
			growing := *hw.NumCPUs > ci.Hardware.NumCPU
			if growing && !ptr.Deref(ci.CpuHotAddEnabled) {
				return errs.PowerStateError{
					Current:  string(observed.PowerState),
					Required: string(vimtypes.VirtualMachinePowerStatePoweredOff),
					Change:   "add CPUs without cpuHotAdd",
				}
			}
			if !growing && !ptr.Deref(ci.CpuHotRemoveEnabled) {
				return errs.PowerStateError{
					Current:  string(observed.PowerState),
					Required: string(vimtypes.VirtualMachinePowerStatePoweredOff),
					Change:   "remove CPUs without cpuHotRemove",
				}
			}
		}
		outCS.NumCPUs = *hw.NumCPUs
	}
	if hw.CoresPerSocket != nil {
		diff.Cmp(ci.Hardware.NumCoresPerSocket, *hw.CoresPerSocket, &outCS.NumCoresPerSocket)
		if outCS.NumCoresPerSocket != 0 && poweredOn {
			return errs.PowerStateError{
				Current:  string(observed.PowerState),
				Required: string(vimtypes.VirtualMachinePowerStatePoweredOff),
				Change:   "change cores per socket",
			}
		}
	}
	if hw.MemoryMB != nil && *hw.MemoryMB != int64(ci.Hardware.MemoryMB) {
		if poweredOn {
			growing := *hw.MemoryMB > int64(ci.Hardware.MemoryMB)
			if !growing || !ptr.Deref(ci.MemoryHotAddEnabled) {
				return errs.PowerStateError{
					Current:  string(observed.PowerState),
					Required: string(vimtypes.VirtualMachinePowerStatePoweredOff),
					Change:   "change memory without memoryHotAdd",
				}
			}
		}
		outCS.MemoryMB = *hw.MemoryMB
	}

	diff.CmpPtr(ci.CpuHotAddEnabled, hw.CPUHotAdd, &outCS.CpuHotAddEnabled)
	diff.CmpPtr(ci.CpuHotRemoveEnabled, hw.CPUHotRemove, &outCS.CpuHotRemoveEnabled)
	diff.CmpPtr(ci.MemoryHotAddEnabled, hw.MemoryHotAdd, &outCS.MemoryHotAddEnabled)
	return nil
}

// diffAllocation maps limit, reservation and shares for one resource.
// Setting custom shares forces the level to custom.
func diffAllocation(
	desired *spec.ResourceAllocation,
	observed *vimtypes.ResourceAllocationInfo,
	out **vimtypes.ResourceAllocationInfo) {

	if desired == nil {
		return
	}

	alloc := &vimtypes.ResourceAllocationInfo{}
	changed := false

	var obsLimit, obsReservation *int64
	var obsShares *vimtypes.SharesInfo
	if observed != nil {
		obsLimit = observed.Limit
		obsReservation = observed.Reservation
		obsShares = observed.Shares
	}

	if desired.Limit != nil && !ptr.Equal(obsLimit, desired.Limit) {
		alloc.Limit = desired.Limit
		changed = true
	}
	if desired.Reservation != nil && !ptr.Equal(obsReservation, desired.Reservation) {
		alloc.Reservation = desired.Reservation
		changed = true
	}
	if desired.Shares != nil {
		want := vimtypes.SharesInfo{
			Level: vimtypes.SharesLevel(desired.Shares.Level),
		}
		if desired.Shares.Shares != nil {
			want.Level = vimtypes.SharesLevelCustom
			want.Shares = *desired.Shares.Shares
		}
		if obsShares == nil || obsShares.Level != want.Level ||
			(want.Level == vimtypes.SharesLevelCustom && obsShares.Shares != want.Shares) {
			alloc.Shares = &want
			changed = true
		}
	}

	if changed {
		*out = alloc
	}
}

func diffHardwareFlags(
	desired *spec.VirtualMachine,
	observed Observed,
	outCS *vimtypes.VirtualMachineConfigSpec,
	warnings *[]string) {

	flags := desired.Hardware.Flags
	ci := observed.Config

	diff.CmpPtr(ci.NestedHVEnabled, flags.NestedVirt, &outCS.NestedHVEnabled)
	diff.CmpPtr(ci.VPMCEnabled, flags.VPMC, &outCS.VPMCEnabled)

	if flags.SecureBoot != nil {
		var current *bool
		if ci.BootOptions != nil {
			current = ci.BootOptions.EfiSecureBootEnabled
		}
		if !ptr.Equal(current, flags.SecureBoot) {
			if outCS.BootOptions == nil {
				outCS.BootOptions = &vimtypes.VirtualMachineBootOptions{}
			}
			outCS.BootOptions.EfiSecureBootEnabled = flags.SecureBoot
		}
	}
	if flags.IOMMU != nil {
		var current *bool
		if ci.Flags.VvtdEnabled != nil {
			current = ci.Flags.VvtdEnabled
		}
		if !ptr.Equal(current, flags.IOMMU) {
			if outCS.Flags == nil {
				outCS.Flags = &vimtypes.VirtualMachineFlagInfo{}
			}
			outCS.Flags.VvtdEnabled = flags.IOMMU
		}
	}
	if flags.VBS != nil {
		var current *bool
		if ci.Flags.VbsEnabled != nil {
			current = ci.Flags.VbsEnabled
		}
		if !ptr.Equal(current, flags.VBS) {
			if outCS.Flags == nil {
				outCS.Flags = &vimtypes.VirtualMachineFlagInfo{}
			}
			outCS.Flags.VbsEnabled = flags.VBS
		}
	}

	// Boot firmware is immutable after creation.
	if fw := desired.Hardware.BootFirmware; fw != "" && ci.Firmware != "" && fw != ci.Firmware {
		*warnings = append(*warnings,
			fmt.Sprintf("boot firmware cannot change from %s to %s after creation", ci.Firmware, fw))
	}
}

func diffAnnotation(desired *spec.VirtualMachine, observed Observed, outCS *vimtypes.VirtualMachineConfigSpec) {
	if desired.Annotation != nil && *desired.Annotation != observed.Config.Annotation {
		outCS.Annotation = *desired.Annotation
	}
}

func diffAdvancedSettings(desired *spec.VirtualMachine, observed Observed, outCS *vimtypes.VirtualMachineConfigSpec) {
	if len(desired.AdvancedSettings) == 0 {
		return
	}
	current := map[string]string{}
	for _, bov := range observed.Config.ExtraConfig {
		if ov := bov.GetOptionValue(); ov != nil {
			if s, ok := ov.Value.(string); ok {
				current[ov.Key] = s
			} else {
				current[ov.Key] = fmt.Sprintf("%v", ov.Value)
			}
		}
	}
	keys := sortedKeys(desired.AdvancedSettings)
	for _, k := range keys {
		v := desired.AdvancedSettings[k]
		if current[k] == v {
			continue
		}
		outCS.ExtraConfig = append(outCS.ExtraConfig, &vimtypes.OptionValue{Key: k, Value: v})
	}
}

// diffHardwareVersion resolves "latest" against the environment browser's
// maximum and forbids downgrades.
func diffHardwareVersion(desired *spec.VirtualMachine, observed Observed, env Env) (diff.ChangeSet, error) {
	v := desired.Hardware.Version
	if v == "" {
		return nil, nil
	}

	var target int32
	if v == "latest" {
		if env.MaxHardwareVersion == 0 {
			return nil, errs.BadInputError{Field: "hardware.version", Message: "environment reports no upgradeable version"}
		}
		target = env.MaxHardwareVersion
	} else {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, errs.BadInputError{Field: "hardware.version", Message: err.Error()}
		}
		target = int32(n)
	}

	current := parseHardwareVersion(observed.Config.Version)
	switch {
	case target == current:
		return nil, nil
	case target < current:
		return nil, errs.HardwareDowngradeError{Current: current, Desired: target}
	}

	return diff.ChangeSet{{
		Op:               diff.OpUpgradeHardware,
		Target:           observed.Ref,
		Kind:             "VirtualMachine",
		Name:             fmt.Sprintf("vmx-%02d", target),
		RequiresPowerOff: true,
	}}, nil
}

// parseHardwareVersion extracts NN from "vmx-NN"; 0 when unparseable.
func parseHardwareVersion(s string) int32 {
	s = strings.TrimPrefix(s, "vmx-")
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}

func diffCustomValues(desired *spec.VirtualMachine, observed Observed, env Env) (diff.ChangeSet, error) {
	if len(desired.CustomValues) == 0 {
		return nil, nil
	}
	if env.CustomFieldKey == nil {
		return nil, errs.BadInputError{Field: "customvalues", Message: "custom fields manager unavailable"}
	}
	var cs diff.ChangeSet
	for _, k := range sortedKeys(desired.CustomValues) {
		v := desired.CustomValues[k]
		if observed.CustomValues[k] == v {
			continue
		}
		if _, err := env.CustomFieldKey(k); err != nil {
			return nil, err
		}
		cs = append(cs, diff.Edit{
			Op:      diff.OpSetOption,
			Target:  observed.Ref,
			Kind:    "CustomField",
			Name:    k,
			Payload: v,
		})
	}
	return cs, nil
}

func diffTemplate(desired *spec.VirtualMachine, observed Observed) diff.ChangeSet {
	if desired.Template == nil || *desired.Template == observed.Config.Template {
		return nil
	}
	return diff.ChangeSet{{
		Op:     diff.OpMarkAsTemplate,
		Target: observed.Ref,
		Kind:   "VirtualMachine",
		Force:  !*desired.Template, // reversed: back to a VM
	}}
}

func customizeEdit(desired *spec.VirtualMachine, observed Observed, env Env) (diff.ChangeSet, error) {
	if desired.Customization == nil {
		return nil, nil
	}
	// Customization reboots the guest and rewrites its identity; an
	// unconditional re-run would never converge.
	if !observed.FreshlyCreated && !desired.Customization.ExistingVM {
		return nil, nil
	}
	custSpec, err := renderCustomization(desired.Customization, env)
	if err != nil {
		return nil, err
	}
	if custSpec == nil {
		return nil, nil
	}
	return diff.ChangeSet{{
		Op:      diff.OpCustomizeGuest,
		Target:  observed.Ref,
		Kind:    "VirtualMachine",
		Payload: custSpec,
	}}, nil
}

func powerEdits(desired *spec.VirtualMachine, observed Observed) diff.ChangeSet {
	if !desired.State.IsPowerState() {
		return nil
	}

	target, ok := powerTarget(desired.State)
	if !ok {
		return nil
	}
	// restarted and the guest operations always run; plain transitions
	// no-op when already there.
	switch desired.State {
	case spec.StateRestarted, spec.StateRebootGuest, spec.StateShutdownGuest:
	default:
		if observed.PowerState == target {
			return nil
		}
	}

	return diff.ChangeSet{{
		Op:                diff.OpPowerTransition,
		Target:            observed.Ref,
		Kind:              "VirtualMachine",
		Name:              string(desired.State),
		DesiredPowerState: target,
		Force:             desired.Force,
	}}
}

func powerTarget(s spec.State) (vimtypes.VirtualMachinePowerState, bool) {
	switch s {
	case spec.StatePoweredOn, spec.StateRestarted, spec.StateRebootGuest:
		return vimtypes.VirtualMachinePowerStatePoweredOn, true
	case spec.StatePoweredOff, spec.StateShutdownGuest:
		return vimtypes.VirtualMachinePowerStatePoweredOff, true
	case spec.StateSuspended:
		return vimtypes.VirtualMachinePowerStateSuspended, true
	}
	return "", false
}

func emptyConfigSpec(cs vimtypes.VirtualMachineConfigSpec) bool {
	return cs.NumCPUs == 0 &&
		cs.NumCoresPerSocket == 0 &&
		cs.MemoryMB == 0 &&
		cs.GuestId == "" &&
		cs.Annotation == "" &&
		cs.CpuHotAddEnabled == nil &&
		cs.CpuHotRemoveEnabled == nil &&
		cs.MemoryHotAddEnabled == nil &&
		cs.CpuAllocation == nil &&
		cs.MemoryAllocation == nil &&
		cs.NestedHVEnabled == nil &&
		cs.VPMCEnabled == nil &&
		cs.BootOptions == nil &&
		cs.Flags == nil &&
		len(cs.ExtraConfig) == 0 &&
		len(cs.DeviceChange) == 0 &&
		cs.VAppConfig == nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
