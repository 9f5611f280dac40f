// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package diff defines the typed change model shared by the per-kind
// differs: a ChangeSet is an ordered sequence of Edits that, applied in
// order, drive an observed object to its desired state.
package diff

import (
	"fmt"
	"sort"

	vimtypes "github.com/vmware/govmomi/vim25/types"
)

// Op names the kind of an Edit.
type Op string

const (
	OpCreateContainer  Op = "CreateContainer"
	OpDestroyContainer Op = "DestroyContainer"
	OpAddDevice        Op = "AddDevice"
	OpEditDevice       Op = "EditDevice"
	OpRemoveDevice     Op = "RemoveDevice"
	OpSetOption        Op = "SetOption"
	OpReconfigure      Op = "Reconfigure"
	OpPowerTransition  Op = "PowerTransition"
	OpRelocate         Op = "Relocate"
	OpRename           Op = "Rename"
	OpUpgradeHardware  Op = "UpgradeHardware"
	OpMarkAsTemplate   Op = "MarkAsTemplate"
	OpCustomizeGuest   Op = "CustomizeGuest"
)

// Edit is one typed change against a single target. Exactly the fields
// relevant to Op are populated.
type Edit struct {
	Op Op

	// Target is the object the edit applies to; empty for creates, where
	// Parent locates the container instead.
	Target vimtypes.ManagedObjectReference
	Parent vimtypes.ManagedObjectReference

	// Kind is the managed-object or device kind being changed.
	Kind string
	// Name is a human label for reporting (device label, option key,
	// new name).
	Name string

	// Payload carries the server spec for creates and reconfigures:
	// a *vimtypes.VirtualMachineConfigSpec, *vimtypes.DVSCreateSpec,
	// relocate spec, customization spec, option value, and so on.
	Payload any

	// DeviceKey identifies the device for edit/remove operations.
	DeviceKey int32
	// DestroyBacking deletes the backing file on RemoveDevice, and
	// cascades destruction on DestroyContainer.
	DestroyBacking bool

	// DesiredPowerState applies to PowerTransition edits.
	DesiredPowerState vimtypes.VirtualMachinePowerState
	// Force applies hard transitions when soft ones are unavailable.
	Force bool

	// RequiresPowerOff marks edits that cannot apply to a running VM.
	RequiresPowerOff bool
}

func (e Edit) String() string {
	switch e.Op {
	case OpSetOption:
		return fmt.Sprintf("%s(%s)", e.Op, e.Name)
	case OpAddDevice, OpEditDevice, OpRemoveDevice:
		return fmt.Sprintf("%s(%s %s)", e.Op, e.Kind, e.Name)
	default:
		if e.Name != "" {
			return fmt.Sprintf("%s(%s)", e.Op, e.Name)
		}
		return string(e.Op)
	}
}

// ChangeSet is an ordered sequence of Edits.
type ChangeSet []Edit

// Empty reports whether no edits are needed.
func (cs ChangeSet) Empty() bool { return len(cs) == 0 }

// Summaries returns one human line per edit, for check-mode reporting.
func (cs ChangeSet) Summaries() []string {
	out := make([]string, len(cs))
	for i, e := range cs {
		out[i] = e.String()
	}
	return out
}

// phase buckets edits for stable ordering: creates first, then renames and
// relocates, then reconfigures and device changes, power transitions last.
func phase(e Edit) int {
	switch e.Op {
	case OpCreateContainer:
		return 0
	case OpRename, OpRelocate:
		return 1
	case OpUpgradeHardware:
		return 2
	case OpReconfigure, OpAddDevice, OpEditDevice, OpRemoveDevice, OpSetOption, OpMarkAsTemplate:
		return 3
	case OpCustomizeGuest:
		return 4
	case OpPowerTransition:
		return 5
	case OpDestroyContainer:
		return 6
	default:
		return 3
	}
}

// Order sorts the set into submission order. The sort is stable so edits
// within a phase keep the sequence their differ emitted, which already
// places parent controllers before their devices. Edits marked
// RequiresPowerOff are preceded by a power-off transition when the set
// contains none earlier.
func (cs ChangeSet) Order(current vimtypes.VirtualMachinePowerState) ChangeSet {
	out := make(ChangeSet, len(cs))
	copy(out, cs)
	sort.SliceStable(out, func(i, j int) bool {
		return phase(out[i]) < phase(out[j])
	})

	if current != vimtypes.VirtualMachinePowerStatePoweredOn {
		return out
	}
	for i, e := range out {
		if !e.RequiresPowerOff {
			continue
		}
		off := Edit{
			Op:                OpPowerTransition,
			Target:            e.Target,
			DesiredPowerState: vimtypes.VirtualMachinePowerStatePoweredOff,
		}
		withOff := make(ChangeSet, 0, len(out)+1)
		withOff = append(withOff, out[:i]...)
		withOff = append(withOff, off)
		withOff = append(withOff, out[i:]...)
		return withOff
	}
	return out
}

// Cmp assigns b to *c when a differs from b. Shared helper for the
// per-kind differs building minimal server specs.
func Cmp[T comparable](a, b T, c *T) {
	if a != b {
		*c = b
	}
}

// CmpPtr assigns b to *c when either side is unset or the values differ.
// A nil b means "do not change" and never assigns.
func CmpPtr[T comparable](a *T, b *T, c **T) {
	if b == nil {
		return
	}
	if a == nil || *a != *b {
		*c = b
	}
}
