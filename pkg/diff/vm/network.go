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

// newEthernetCard builds a fresh adapter of the requested emulation kind.
func newEthernetCard(kind spec.NICKind) (vimtypes.BaseVirtualEthernetCard, error) {
	switch kind {
	case "", spec.NICVmxnet3:
		return &vimtypes.VirtualVmxnet3{}, nil
	case spec.NICVmxnet2:
		return &vimtypes.VirtualVmxnet2{}, nil
	case spec.NICE1000:
		return &vimtypes.VirtualE1000{}, nil
	case spec.NICE1000e:
		return &vimtypes.VirtualE1000e{}, nil
	case spec.NICPCNet32:
		return &vimtypes.VirtualPCNet32{}, nil
	case spec.NICSriov:
		return &vimtypes.VirtualSriovEthernetCard{}, nil
	}
	return nil, errs.BadInputError{Field: "device_type", Message: fmt.Sprintf("unknown nic kind %q", kind)}
}

func nicKindOf(card vimtypes.BaseVirtualEthernetCard) spec.NICKind {
	switch card.(type) {
	case *vimtypes.VirtualVmxnet3:
		return spec.NICVmxnet3
	case *vimtypes.VirtualVmxnet2:
		return spec.NICVmxnet2
	case *vimtypes.VirtualE1000:
		return spec.NICE1000
	case *vimtypes.VirtualE1000e:
		return spec.NICE1000e
	case *vimtypes.VirtualPCNet32:
		return spec.NICPCNet32
	case *vimtypes.VirtualSriovEthernetCard:
		return spec.NICSriov
	}
	return ""
}

// backingLabel names the network an existing card is attached to, across
// the three backing families.
func backingLabel(card vimtypes.BaseVirtualEthernetCard) string {
	switch b := card.GetVirtualEthernetCard().Backing.(type) {
	case *vimtypes.VirtualEthernetCardNetworkBackingInfo:
		return b.DeviceName
	case *vimtypes.VirtualEthernetCardDistributedVirtualPortBackingInfo:
		return b.Port.PortgroupKey
	case *vimtypes.VirtualEthernetCardOpaqueNetworkBackingInfo:
		return b.OpaqueNetworkId
	}
	return ""
}

func sameBacking(current, want vimtypes.BaseVirtualDeviceBackingInfo) bool {
	switch w := want.(type) {
	case *vimtypes.VirtualEthernetCardNetworkBackingInfo:
		c, ok := current.(*vimtypes.VirtualEthernetCardNetworkBackingInfo)
		return ok && c.DeviceName == w.DeviceName
	case *vimtypes.VirtualEthernetCardDistributedVirtualPortBackingInfo:
		c, ok := current.(*vimtypes.VirtualEthernetCardDistributedVirtualPortBackingInfo)
		return ok && c.Port.PortgroupKey == w.Port.PortgroupKey &&
			c.Port.SwitchUuid == w.Port.SwitchUuid
	case *vimtypes.VirtualEthernetCardOpaqueNetworkBackingInfo:
		c, ok := current.(*vimtypes.VirtualEthernetCardOpaqueNetworkBackingInfo)
		return ok && c.OpaqueNetworkId == w.OpaqueNetworkId
	}
	return false
}

// diffNICs matches desired adapters to existing cards by declared MAC,
// then by current network backing, then positionally, because vSphere has
// no stable user-facing NIC slot. MAC addresses never change on edit.
func (d *deviceDiffer) diffNICs(nics []spec.NIC) error {
	if len(nics) == 0 {
		return nil
	}
	if d.env.NetworkBacking == nil {
		return errs.BadInputError{Field: "networks", Message: "no network resolver available"}
	}

	cards := ethernetCards(d.devices)
	used := make([]bool, len(cards))

	// First pass: claim existing cards by MAC when declared, then by
	// network label.
	claims := make([]int, len(nics))
	for i := range claims {
		claims[i] = -1
	}
	for i, want := range nics {
		if want.MAC == "" {
			continue
		}
		for j, card := range cards {
			if used[j] {
				continue
			}
			if normalizeMAC(card.GetVirtualEthernetCard().MacAddress) == normalizeMAC(want.MAC) {
				claims[i] = j
				used[j] = true
				break
			}
		}
	}
	for i, want := range nics {
		if claims[i] >= 0 {
			continue
		}
		for j, card := range cards {
			if used[j] {
				continue
			}
			if backingLabel(card) == want.Network {
				claims[i] = j
				used[j] = true
				break
			}
		}
	}

	// Final pass: remaining present adapters claim leftover cards in
	// declaration order, so re-attaching to a new network edits the card
	// in place instead of adding a second one. Absent adapters only ever
	// match by MAC or backing.
	for i, want := range nics {
		if claims[i] >= 0 || want.State == spec.StateAbsent {
			continue
		}
		for j, card := range cards {
			if used[j] {
				continue
			}
			if want.Kind != "" && nicKindOf(card) != want.Kind {
				continue
			}
			claims[i] = j
			used[j] = true
			break
		}
	}

	for i, want := range nics {
		existingIdx := claims[i]

		if want.State == spec.StateAbsent {
			if existingIdx < 0 {
				continue
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation: vimtypes.VirtualDeviceConfigSpecOperationRemove,
				Device:    cards[existingIdx].(vimtypes.BaseVirtualDevice),
			})
			continue
		}

		backing, err := d.env.NetworkBacking(want)
		if err != nil {
			return err
		}

		if existingIdx < 0 {
			card, err := newEthernetCard(want.Kind)
			if err != nil {
				return err
			}
			eth := card.GetVirtualEthernetCard()
			eth.Key = d.takeKey()
			eth.Backing = backing
			eth.Connectable = &vimtypes.VirtualDeviceConnectInfo{
				StartConnected:    want.StartOn == nil || *want.StartOn,
				AllowGuestControl: true,
				Connected:         want.Connected == nil || *want.Connected,
			}
			if want.MAC != "" {
				eth.AddressType = string(vimtypes.VirtualEthernetCardMacTypeManual)
				eth.MacAddress = want.MAC
			}
			if want.WakeOnLAN != nil {
				eth.WakeOnLanEnabled = want.WakeOnLAN
			}
			if want.DirectPath != nil {
				eth.UptCompatibilityEnabled = want.DirectPath
			}
			d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
				Operation: vimtypes.VirtualDeviceConfigSpecOperationAdd,
				Device:    card.(vimtypes.BaseVirtualDevice),
			})
			continue
		}

		card := cards[existingIdx]
		eth := card.GetVirtualEthernetCard()

		if want.MAC != "" && normalizeMAC(eth.MacAddress) != normalizeMAC(want.MAC) {
			return errs.BadInputError{
				Field:   "mac",
				Message: fmt.Sprintf("mac address of an existing adapter cannot change (%s)", eth.MacAddress),
			}
		}
		if want.Kind != "" && nicKindOf(card) != want.Kind {
			return errs.BadInputError{
				Field:   "device_type",
				Message: "adapter emulation kind cannot change; remove and re-add the nic",
			}
		}

		changed := false
		edited := *eth
		if !sameBacking(eth.Backing, backing) {
			edited.Backing = backing
			changed = true
		}
		if want.Connected != nil {
			if edited.Connectable == nil {
				edited.Connectable = &vimtypes.VirtualDeviceConnectInfo{}
			}
			if edited.Connectable.Connected != *want.Connected {
				c := *edited.Connectable
				c.Connected = *want.Connected
				edited.Connectable = &c
				changed = true
			}
		}
		if want.StartOn != nil {
			if edited.Connectable == nil {
				edited.Connectable = &vimtypes.VirtualDeviceConnectInfo{}
			}
			if edited.Connectable.StartConnected != *want.StartOn {
				c := *edited.Connectable
				c.StartConnected = *want.StartOn
				edited.Connectable = &c
				changed = true
			}
		}
		if want.WakeOnLAN != nil &&
			(eth.WakeOnLanEnabled == nil || *eth.WakeOnLanEnabled != *want.WakeOnLAN) {
			edited.WakeOnLanEnabled = want.WakeOnLAN
			changed = true
		}
		if !changed {
			continue
		}

		editDevice, err := cloneCardWithEthernet(card, &edited)
		if err != nil {
			return err
		}
		d.changes = append(d.changes, &vimtypes.VirtualDeviceConfigSpec{
			Operation: vimtypes.VirtualDeviceConfigSpecOperationEdit,
			Device:    editDevice,
		})
	}
	return nil
}

// cloneCardWithEthernet rebuilds a concrete card carrying the edited
// embedded VirtualEthernetCard.
func cloneCardWithEthernet(
	card vimtypes.BaseVirtualEthernetCard,
	edited *vimtypes.VirtualEthernetCard) (vimtypes.BaseVirtualDevice, error) {

	switch c := card.(type) {
	case *vimtypes.VirtualVmxnet3:
		out := *c
		out.VirtualEthernetCard = *edited
		return &out, nil
	case *vimtypes.VirtualVmxnet2:
		out := *c
		out.VirtualEthernetCard = *edited
		return &out, nil
	case *vimtypes.VirtualE1000:
		out := *c
		out.VirtualEthernetCard = *edited
		return &out, nil
	case *vimtypes.VirtualE1000e:
		out := *c
		out.VirtualEthernetCard = *edited
		return &out, nil
	case *vimtypes.VirtualPCNet32:
		out := *c
		out.VirtualEthernetCard = *edited
		return &out, nil
	case *vimtypes.VirtualSriovEthernetCard:
		out := *c
		out.VirtualEthernetCard = *edited
		return &out, nil
	}
	return nil, errs.BadInputError{Field: "networks", Message: "unsupported adapter type"}
}
