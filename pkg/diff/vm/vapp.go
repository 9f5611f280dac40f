// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package vm

import (
	"fmt"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

// diffVAppProperties compares OVF environment properties by id. New
// properties take keys past the current maximum.
func diffVAppProperties(
	desired *spec.VirtualMachine,
	observed Observed,
	outCS *vimtypes.VirtualMachineConfigSpec) error {

	if len(desired.VAppProperties) == 0 {
		return nil
	}

	existing := map[string]vimtypes.VAppPropertyInfo{}
	maxKey := int32(0)
	if observed.Config.VAppConfig != nil {
		if info := observed.Config.VAppConfig.GetVmConfigInfo(); info != nil {
			for _, p := range info.Property {
				existing[p.Id] = p
				if p.Key > maxKey {
					maxKey = p.Key
				}
			}
		}
	}

	var propSpecs []vimtypes.VAppPropertySpec
	for _, want := range desired.VAppProperties {
		current, found := existing[want.ID]

		op := want.Operation
		if op == "" {
			if found {
				op = "edit"
			} else {
				op = "add"
			}
		}

		switch op {
		case "add":
			if found {
				return errs.BadInputError{
					Field:   "vapp_properties",
					Message: fmt.Sprintf("property %q already exists", want.ID),
				}
			}
			maxKey++
			propSpecs = append(propSpecs, vimtypes.VAppPropertySpec{
				ArrayUpdateSpec: vimtypes.ArrayUpdateSpec{
					Operation: vimtypes.ArrayUpdateOperationAdd,
				},
				Info: &vimtypes.VAppPropertyInfo{
					Key:   maxKey,
					Id:    want.ID,
					Value: want.Value,
					Type:  "string",
				},
			})

		case "edit":
			if !found {
				return errs.NotFoundError{Kind: "VAppProperty", Name: want.ID}
			}
			if current.Value == want.Value {
				continue
			}
			edited := current
			edited.Value = want.Value
			propSpecs = append(propSpecs, vimtypes.VAppPropertySpec{
				ArrayUpdateSpec: vimtypes.ArrayUpdateSpec{
					Operation: vimtypes.ArrayUpdateOperationEdit,
				},
				Info: &edited,
			})

		case "remove":
			if !found {
				continue
			}
			propSpecs = append(propSpecs, vimtypes.VAppPropertySpec{
				ArrayUpdateSpec: vimtypes.ArrayUpdateSpec{
					Operation: vimtypes.ArrayUpdateOperationRemove,
					RemoveKey: current.Key,
				},
			})

		default:
			return errs.BadInputError{
				Field:   "vapp_properties.operation",
				Message: fmt.Sprintf("unknown operation %q", op),
			}
		}
	}

	if len(propSpecs) > 0 {
		outCS.VAppConfig = &vimtypes.VmConfigSpec{Property: propSpecs}
	}
	return nil
}
