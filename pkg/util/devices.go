// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	vimtypes "github.com/vmware/govmomi/vim25/types"
)

// SelectDeviceFn returns true if the provided virtual device is a match.
type SelectDeviceFn[T vimtypes.BaseVirtualDevice] func(dev T) bool

// SelectDevices returns a slice of the devices of type T that match at least
// one of the provided selector functions.
func SelectDevices[T vimtypes.BaseVirtualDevice](
	devices []vimtypes.BaseVirtualDevice,
	selectorFns ...SelectDeviceFn[T],
) []T {

	var selectedDevices []T
	for i := range devices {
		if t, ok := devices[i].(T); ok {
			for j := range selectorFns {
				if selectorFns[j](t) {
					selectedDevices = append(selectedDevices, t)
					break
				}
			}
		}
	}
	return selectedDevices
}

// SelectDevicesByType returns a slice of the devices that are of type T.
func SelectDevicesByType[T vimtypes.BaseVirtualDevice](
	devices []vimtypes.BaseVirtualDevice,
) []T {

	var selectedDevices []T
	for i := range devices {
		if t, ok := devices[i].(T); ok {
			selectedDevices = append(selectedDevices, t)
		}
	}
	return selectedDevices
}

// FindDeviceByKey returns the device with the provided key, or nil.
func FindDeviceByKey(
	devices []vimtypes.BaseVirtualDevice,
	key int32) vimtypes.BaseVirtualDevice {

	for i := range devices {
		if devices[i].GetVirtualDevice().Key == key {
			return devices[i]
		}
	}
	return nil
}

// DevicesFromConfigSpec returns the devices of a ConfigSpec's DeviceChange
// entries with an add or edit operation.
func DevicesFromConfigSpec(
	configSpec *vimtypes.VirtualMachineConfigSpec) []vimtypes.BaseVirtualDevice {

	if configSpec == nil {
		return nil
	}
	var devices []vimtypes.BaseVirtualDevice
	for _, dc := range configSpec.DeviceChange {
		spec := dc.GetVirtualDeviceConfigSpec()
		if spec == nil || spec.Device == nil {
			continue
		}
		switch spec.Operation {
		case vimtypes.VirtualDeviceConfigSpecOperationAdd,
			vimtypes.VirtualDeviceConfigSpecOperationEdit:
			devices = append(devices, spec.Device)
		}
	}
	return devices
}
