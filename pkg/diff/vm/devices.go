// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package vm

import (
	"fmt"
	"strings"

	"github.com/vmware/govmomi/object"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

const gib = int64(1024 * 1024 * 1024)

// deviceDiffer accumulates device change specs against one VM, handing out
// negative temporary keys for devices added in the same reconfigure.
type deviceDiffer struct {
	devices  object.VirtualDeviceList
	observed Observed
	env      Env
	changes  []vimtypes.BaseVirtualDeviceConfigSpec
	nextKey  int32
	// controllers created this pass, keyed by kind:bus.
	pending map[string]int32
}

func diffDevices(desired *spec.VirtualMachine, observed Observed, env Env) ([]vimtypes.BaseVirtualDeviceConfigSpec, error) {
	d := &deviceDiffer{
		devices:  object.VirtualDeviceList(observed.Config.Hardware.Device),
		observed: observed,
		env:      env,
		nextKey:  -100,
		pending:  map[string]int32{},
	}

	if err := d.diffDisks(desired.Disks); err != nil {
		return nil, err
	}
	if err := d.diffCDROMs(desired.CDROMs); err != nil {
		return nil, err
	}
	if err := d.diffNVDIMM(desired.NVDIMM); err != nil {
		return nil, err
	}
	if err := d.diffNICs(desired.NICs); err != nil {
		return nil, err
	}
	return d.changes, nil
}

func (d *deviceDiffer) takeKey() int32 {
	k := d.nextKey
	d.nextKey--
	return k
}

func (d *deviceDiffer) poweredOn() bool {
	return d.observed.PowerState == vimtypes.VirtualMachinePowerStatePoweredOn
}

// controllerKey returns the device key of the controller at (kind, bus),
// creating the controller in this change set when absent.
func (d *deviceDiffer) controllerKey(kind spec.ControllerKind, bus int32) (int32, error) {
	if key, ok := findController(d.devices, kind, bus); ok {
		return key, nil
	}
	slot := fmt.Sprintf("%s:%d", kind, bus)
	if key, ok := d.pending[slot]; ok {
		return key, nil
	}

	var ctrl vimtypes.BaseVirtualDevice
	switch kind {
	case spec.ControllerSCSI:
		ctrl = &vimtypes.ParaVirtualSCSIController{
			VirtualSCSIController: vimtypes.VirtualSCSIController{
				SharedBus: vimtypes.VirtualSCSISharingNoSharing,
				VirtualController: vimtypes.VirtualController{
					BusNumber: bus,
				},
			},
		}
	case spec.ControllerSATA:
		ctrl = &vimtypes.VirtualAHCIController{
			VirtualSATAController: vimtypes.VirtualSATAController{
				VirtualController: vimtypes.VirtualController{BusNumber: bus},
			},
		}
	case spec.ControllerNVMe:
		ctrl = &vimtypes.VirtualNVMEController{
			VirtualController: vimtypes.VirtualController{BusNumber: bus},
		}
	case spec.ControllerIDE:
		// IDE controllers are fixed hardware; they cannot be added.
		return 0, errs.BadInputError{
			Field:   "controller_number",
			Message: fmt.Sprintf("ide controller %d does not exist and cannot be added", bus),
		}
	case spec.ControllerNVDIMM:
		ctrl = &vimtypes.VirtualNVDIMMController{
			VirtualController: vimtypes.VirtualController{BusNumber: bus},
		}
	default:
		return 0, errs.BadInputError{Field: "controller_type", Message: fmt.Sprintf("unknown controller kind %q", kind)}
	}

	key := d.takeKey()
	ctrl.GetVirtualDevice().Key = key
	d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
		Operation: vimtypes.VirtualDeviceConfigSpecOperationAdd,
		Device:    ctrl,
	})
	d.pending[slot] = key
	return key, nil
}

func findController(devices object.VirtualDeviceList, kind spec.ControllerKind, bus int32) (int32, bool) {
	for _, dev := range devices {
		var ok bool
		switch kind {
		case spec.ControllerSCSI:
			_, ok = dev.(vimtypes.BaseVirtualSCSIController)
		case spec.ControllerSATA:
			_, ok = dev.(vimtypes.BaseVirtualSATAController)
		case spec.ControllerNVMe:
			_, ok = dev.(*vimtypes.VirtualNVMEController)
		case spec.ControllerIDE:
			_, ok = dev.(*vimtypes.VirtualIDEController)
		case spec.ControllerNVDIMM:
			_, ok = dev.(*vimtypes.VirtualNVDIMMController)
		}
		if !ok {
			continue
		}
		ctrl, ok := dev.(vimtypes.BaseVirtualController)
		if !ok {
			continue
		}
		if ctrl.GetVirtualController().BusNumber == bus {
			return ctrl.GetVirtualController().Key, true
		}
	}
	return 0, false
}

// slotOf reports the (kind, bus) of the controller owning a device key.
func (d *deviceDiffer) slotOf(controllerKey int32) (spec.ControllerKind, int32, bool) {
	dev := d.devices.FindByKey(controllerKey)
	if dev == nil {
		return "", 0, false
	}
	bus := int32(0)
	if bc, ok := dev.(vimtypes.BaseVirtualController); ok {
		bus = bc.GetVirtualController().BusNumber
	}
	switch dev.(type) {
	case *vimtypes.VirtualIDEController:
		return spec.ControllerIDE, bus, true
	case *vimtypes.VirtualAHCIController, *vimtypes.VirtualSATAController:
		return spec.ControllerSATA, bus, true
	case *vimtypes.VirtualNVMEController:
		return spec.ControllerNVMe, bus, true
	case *vimtypes.VirtualNVDIMMController:
		return spec.ControllerNVDIMM, bus, true
	}
	if _, ok := dev.(vimtypes.BaseVirtualSCSIController); ok {
		return spec.ControllerSCSI, bus, true
	}
	return "", 0, false
}

func (d *deviceDiffer) findDisk(kind spec.ControllerKind, bus, unit int32) *vimtypes.VirtualDisk {
	for _, dev := range d.devices {
		disk, ok := dev.(*vimtypes.VirtualDisk)
		if !ok || disk.UnitNumber == nil || *disk.UnitNumber != unit {
			continue
		}
		k, b, ok := d.slotOf(disk.ControllerKey)
		if ok && k == kind && b == bus {
			return disk
		}
	}
	return nil
}

func (d *deviceDiffer) diffDisks(disks []spec.Disk) error {
	for _, want := range disks {
		kind := want.ControllerKind
		if kind == "" {
			kind = spec.ControllerSCSI
		}
		existing := d.findDisk(kind, want.ControllerNumber, want.UnitNumber)

		switch {
		case want.State == spec.StateAbsent:
			if existing == nil {
				continue
			}
			change := &vimtypes.VirtualDeviceConfigSpec{
				Operation: vimtypes.VirtualDeviceConfigSpecOperationRemove,
				Device:    existing,
			}
			if want.DestroyBacking {
				change.FileOperation = vimtypes.VirtualDeviceConfigSpecFileOperationDestroy
			}
			d.changes = append(d.changes, change)

		case existing != nil:
			if want.SizeGB == nil {
				continue
			}
			desired := *want.SizeGB * gib
			switch {
			case desired == existing.CapacityInBytes:
			case desired < existing.CapacityInBytes:
				return errs.BadInputError{
					Field: "size_gb",
					Message: fmt.Sprintf("disk %s:%d:%d cannot shrink from %d to %d bytes",
						kind, want.ControllerNumber, want.UnitNumber, existing.CapacityInBytes, desired),
				}
			default:
				grown := *existing
				grown.CapacityInBytes = desired
				grown.CapacityInKB = desired / 1024
				d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
					Operation: vimtypes.VirtualDeviceConfigSpecOperationEdit,
					Device:    &grown,
				})
			}

		default:
			if err := d.addDisk(kind, want); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *deviceDiffer) addDisk(kind spec.ControllerKind, want spec.Disk) error {
	ctrlKey, err := d.controllerKey(kind, want.ControllerNumber)
	if err != nil {
		return err
	}

	disk := &vimtypes.VirtualDisk{
		VirtualDevice: vimtypes.VirtualDevice{
			Key:           d.takeKey(),
			ControllerKey: ctrlKey,
			UnitNumber:    &want.UnitNumber,
		},
	}

	if want.Backing == spec.BackingRDM {
		mode := string(want.Compatibility)
		if mode == "" {
			mode = string(spec.RDMPhysical)
		}
		diskMode := string(vimtypes.VirtualDiskModeIndependent_persistent)
		if want.Compatibility == spec.RDMVirtual {
			diskMode = string(vimtypes.VirtualDiskModePersistent)
		}
		disk.Backing = &vimtypes.VirtualDiskRawDiskMappingVer1BackingInfo{
			CompatibilityMode: mode,
			DeviceName:        want.RDMPath,
			DiskMode:          diskMode,
			VirtualDeviceFileBackingInfo: vimtypes.VirtualDeviceFileBackingInfo{
				FileName: "",
			},
		}
	} else {
		dsName, err := d.datastoreFor(want.Datastore)
		if err != nil {
			return err
		}
		backing := &vimtypes.VirtualDiskFlatVer2BackingInfo{
			DiskMode: string(vimtypes.VirtualDiskModePersistent),
			VirtualDeviceFileBackingInfo: vimtypes.VirtualDeviceFileBackingInfo{
				FileName: fmt.Sprintf("[%s]", dsName),
			},
		}
		switch want.Backing {
		case spec.BackingEagerZeroed:
			backing.ThinProvisioned = vimtypes.NewBool(false)
			backing.EagerlyScrub = vimtypes.NewBool(true)
		case spec.BackingThick:
			backing.ThinProvisioned = vimtypes.NewBool(false)
		default:
			backing.ThinProvisioned = vimtypes.NewBool(true)
		}
		disk.Backing = backing
		disk.CapacityInBytes = *want.SizeGB * gib
		disk.CapacityInKB = disk.CapacityInBytes / 1024
	}

	d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
		Operation:     vimtypes.VirtualDeviceConfigSpecOperationAdd,
		FileOperation: vimtypes.VirtualDeviceConfigSpecFileOperationCreate,
		Device:        disk,
	})
	return nil
}

func (d *deviceDiffer) datastoreFor(choice spec.DatastoreChoice) (string, error) {
	if choice.Name != "" && !choice.Autoselect && choice.StoragePod == "" {
		return choice.Name, nil
	}
	if d.env.DatastoreName == nil {
		if choice.Name != "" {
			return choice.Name, nil
		}
		return "", errs.BadInputError{Field: "datastore", Message: "no datastore selection available"}
	}
	return d.env.DatastoreName(choice)
}

func (d *deviceDiffer) findCDROM(kind spec.ControllerKind, bus, unit int32) *vimtypes.VirtualCdrom {
	for _, dev := range d.devices {
		cd, ok := dev.(*vimtypes.VirtualCdrom)
		if !ok || cd.UnitNumber == nil || *cd.UnitNumber != unit {
			continue
		}
		k, b, ok := d.slotOf(cd.ControllerKey)
		if ok && k == kind && b == bus {
			return cd
		}
	}
	return nil
}

func cdromBacking(want spec.CDROM) vimtypes.BaseVirtualDeviceBackingInfo {
	if want.Type == "iso" {
		return &vimtypes.VirtualCdromIsoBackingInfo{
			VirtualDeviceFileBackingInfo: vimtypes.VirtualDeviceFileBackingInfo{
				FileName: want.ISOPath,
			},
		}
	}
	return &vimtypes.VirtualCdromRemotePassthroughBackingInfo{
		VirtualDeviceRemoteDeviceBackingInfo: vimtypes.VirtualDeviceRemoteDeviceBackingInfo{
			DeviceName: "",
		},
	}
}

func sameCdromBacking(current vimtypes.BaseVirtualDeviceBackingInfo, want spec.CDROM) bool {
	if want.Type == "iso" {
		iso, ok := current.(*vimtypes.VirtualCdromIsoBackingInfo)
		return ok && iso.FileName == want.ISOPath
	}
	_, ok := current.(*vimtypes.VirtualCdromRemotePassthroughBackingInfo)
	return ok
}

func (d *deviceDiffer) diffCDROMs(cdroms []spec.CDROM) error {
	for _, want := range cdroms {
		kind := want.ControllerKind
		if kind == "" {
			kind = spec.ControllerIDE
		}
		// IDE devices cannot change while powered on.
		hotChange := kind != spec.ControllerIDE

		existing := d.findCDROM(kind, want.ControllerNumber, want.UnitNumber)

		switch {
		case want.State == spec.StateAbsent:
			if existing == nil {
				continue
			}
			if !hotChange && d.poweredOn() {
				return errs.PowerStateError{
					Current:  string(d.observed.PowerState),
					Required: string(vimtypes.VirtualMachinePowerStatePoweredOff),
					Change:   "remove ide cdrom",
				}
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation: vimtypes.VirtualDeviceConfigSpecOperationRemove,
				Device:    existing,
			})

		case existing != nil:
			if sameCdromBacking(existing.Backing, want) {
				continue
			}
			edited := *existing
			edited.Backing = cdromBacking(want)
			edited.Connectable = &vimtypes.VirtualDeviceConnectInfo{
				StartConnected: want.Type == "iso",
				Connected:      want.Type == "iso",
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation: vimtypes.VirtualDeviceConfigSpecOperationEdit,
				Device:    &edited,
			})

		default:
			if !hotChange && d.poweredOn() {
				return errs.PowerStateError{
					Current:  string(d.observed.PowerState),
					Required: string(vimtypes.VirtualMachinePowerStatePoweredOff),
					Change:   "add ide cdrom",
				}
			}
			ctrlKey, err := d.controllerKey(kind, want.ControllerNumber)
			if err != nil {
				return err
			}
			unit := want.UnitNumber
			cd := &vimtypes.VirtualCdrom{
				VirtualDevice: vimtypes.VirtualDevice{
					Key:           d.takeKey(),
					ControllerKey: ctrlKey,
					UnitNumber:    &unit,
					Backing:       cdromBacking(want),
					Connectable: &vimtypes.VirtualDeviceConnectInfo{
						AllowGuestControl: true,
						StartConnected:    want.Type == "iso",
					},
				},
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation: vimtypes.VirtualDeviceConfigSpecOperationAdd,
				Device:    cd,
			})
		}
	}
	return nil
}

func (d *deviceDiffer) findNVDIMM(label string) *vimtypes.VirtualNVDIMM {
	for _, dev := range d.devices {
		nv, ok := dev.(*vimtypes.VirtualNVDIMM)
		if !ok {
			continue
		}
		if desc := nv.DeviceInfo; desc != nil && desc.GetDescription().Label == label {
			return nv
		}
	}
	return nil
}

func (d *deviceDiffer) diffNVDIMM(modules []spec.NVDIMM) error {
	for _, want := range modules {
		existing := d.findNVDIMM(want.Label)

		switch {
		case want.State == spec.StateAbsent:
			if existing == nil {
				continue
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation:     vimtypes.VirtualDeviceConfigSpecOperationRemove,
				FileOperation: vimtypes.VirtualDeviceConfigSpecFileOperationDestroy,
				Device:        existing,
			})

		case existing != nil:
			switch {
			case want.SizeMB == existing.CapacityInMB:
			case want.SizeMB < existing.CapacityInMB:
				return errs.BadInputError{
					Field: "nvdimm.size_mb",
					Message: fmt.Sprintf("nvdimm %q cannot shrink from %d to %d MB",
						want.Label, existing.CapacityInMB, want.SizeMB),
				}
			default:
				grown := *existing
				grown.CapacityInMB = want.SizeMB
				d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
					Operation: vimtypes.VirtualDeviceConfigSpecOperationEdit,
					Device:    &grown,
				})
			}

		default:
			if d.env.PMemProfileID == "" {
				return errs.BadInputError{
					Field:   "nvdimm",
					Message: "no persistent-memory storage policy resolved",
				}
			}
			ctrlKey, err := d.controllerKey(spec.ControllerNVDIMM, 0)
			if err != nil {
				return err
			}
			nv := &vimtypes.VirtualNVDIMM{
				VirtualDevice: vimtypes.VirtualDevice{
					Key:           d.takeKey(),
					ControllerKey: ctrlKey,
				},
				CapacityInMB: want.SizeMB,
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation:     vimtypes.VirtualDeviceConfigSpecOperationAdd,
				FileOperation: vimtypes.VirtualDeviceConfigSpecFileOperationCreate,
				Device:        nv,
				Profile: []vimtypes.BaseVirtualMachineProfileSpec{
					&vimtypes.VirtualMachineDefinedProfileSpec{
						ProfileId: d.env.PMemProfileID,
					},
				},
			})
		}
	}
	return nil
}

// normalizeMAC lowercases and strips separators for MAC comparison.
func normalizeMAC(mac string) string {
	mac = strings.ToLower(mac)
	mac = strings.ReplaceAll(mac, ":", "")
	return strings.ReplaceAll(mac, "-", "")
}

func ethernetCards(devices object.VirtualDeviceList) []vimtypes.BaseVirtualEthernetCard {
	var out []vimtypes.BaseVirtualEthernetCard
	for _, dev := range devices {
		if nic, ok := dev.(vimtypes.BaseVirtualEthernetCard); ok {
			out = append(out, nic)
		}
	}
	return out
}
