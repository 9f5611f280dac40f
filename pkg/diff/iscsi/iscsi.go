// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package iscsi diffs the configuration of a host iSCSI HBA: the software
// adapter enablement, CHAP, discovery targets and port bindings.
package iscsi

import (
	"fmt"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

const defaultPort = int32(3260)

// Observed is the live HBA state on one host.
type Observed struct {
	HostRef vimtypes.ManagedObjectReference
	// SoftwareEnabled reports the software iSCSI service state.
	SoftwareEnabled bool
	// HBA is nil when the named vmhba does not exist or is not iSCSI.
	HBA *vimtypes.HostInternetScsiHba
	// BoundVnics are the vmk interfaces currently bound to the adapter.
	BoundVnics []string
	// ActiveVnics are bound vmks with live sessions; removing one
	// requires force.
	ActiveVnics []string
}

// Diff compares the desired adapter state against the observed HBA. Edits
// carry kind-tagged payloads the reconciler maps to host storage system
// calls.
func Diff(desired *spec.ISCSIAdapter, observed Observed) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}

	var cs diff.ChangeSet

	switch desired.State {
	case spec.StateEnabled:
		if !observed.SoftwareEnabled {
			cs = append(cs, diff.Edit{
				Op:      diff.OpSetOption,
				Target:  observed.HostRef,
				Kind:    "SoftwareIscsi",
				Name:    "enabled",
				Payload: true,
			})
		}
		return cs, nil, nil
	case spec.StateDisabled:
		if observed.SoftwareEnabled {
			cs = append(cs, diff.Edit{
				Op:      diff.OpSetOption,
				Target:  observed.HostRef,
				Kind:    "SoftwareIscsi",
				Name:    "enabled",
				Payload: false,
			})
		}
		return cs, nil, nil
	}

	if observed.HBA == nil {
		return nil, nil, errs.NotFoundError{Kind: "InternetScsiHba", Name: desired.VmhbaName}
	}

	cs = append(cs, diffNames(desired, observed)...)

	authEdits, err := diffAuth(desired, observed)
	if err != nil {
		return nil, nil, err
	}
	cs = append(cs, authEdits...)

	cs = append(cs, diffSendTargets(desired, observed)...)
	cs = append(cs, diffStaticTargets(desired, observed)...)

	bindEdits, warnings, err := diffPortBindings(desired, observed)
	if err != nil {
		return nil, nil, err
	}
	cs = append(cs, bindEdits...)

	return cs, warnings, nil
}

func diffNames(desired *spec.ISCSIAdapter, observed Observed) diff.ChangeSet {
	var cs diff.ChangeSet
	if desired.IscsiName != "" && desired.IscsiName != observed.HBA.IScsiName {
		cs = append(cs, diff.Edit{
			Op:      diff.OpSetOption,
			Target:  observed.HostRef,
			Kind:    "IscsiName",
			Name:    desired.VmhbaName,
			Payload: desired.IscsiName,
		})
	}
	if desired.Alias != "" && desired.Alias != observed.HBA.IScsiAlias {
		cs = append(cs, diff.Edit{
			Op:      diff.OpSetOption,
			Target:  observed.HostRef,
			Kind:    "IscsiAlias",
			Name:    desired.VmhbaName,
			Payload: desired.Alias,
		})
	}
	return cs
}

// authProperties renders declared CHAP settings onto the wire type.
func authProperties(c *spec.CHAPSettings) *vimtypes.HostInternetScsiHbaAuthenticationProperties {
	out := &vimtypes.HostInternetScsiHbaAuthenticationProperties{
		ChapAuthEnabled:        c.AuthType != "" && c.AuthType != "chapProhibited",
		ChapAuthenticationType: c.AuthType,
		ChapName:               c.Name,
		ChapSecret:             c.Secret,
	}
	if c.MutualName != "" {
		out.MutualChapAuthenticationType = "chapRequired"
		out.MutualChapName = c.MutualName
		out.MutualChapSecret = c.MutualSecret
	}
	return out
}

func sameAuth(current vimtypes.HostInternetScsiHbaAuthenticationProperties, want *vimtypes.HostInternetScsiHbaAuthenticationProperties) bool {
	// Secrets are write-only on the server; a declared secret always
	// reapplies.
	if want.ChapSecret != "" || want.MutualChapSecret != "" {
		return false
	}
	return current.ChapAuthenticationType == want.ChapAuthenticationType &&
		current.ChapName == want.ChapName &&
		current.MutualChapName == want.MutualChapName
}

func diffAuth(desired *spec.ISCSIAdapter, observed Observed) (diff.ChangeSet, error) {
	if desired.CHAP == nil {
		return nil, nil
	}
	want := authProperties(desired.CHAP)
	if sameAuth(observed.HBA.AuthenticationProperties, want) {
		return nil, nil
	}
	return diff.ChangeSet{{
		Op:      diff.OpSetOption,
		Target:  observed.HostRef,
		Kind:    "IscsiAuth",
		Name:    desired.VmhbaName,
		Payload: want,
	}}, nil
}

func portOf(p int32) int32 {
	if p == 0 {
		return defaultPort
	}
	return p
}

func diffSendTargets(desired *spec.ISCSIAdapter, observed Observed) diff.ChangeSet {
	current := map[string]vimtypes.HostInternetScsiHbaSendTarget{}
	for _, t := range observed.HBA.ConfiguredSendTarget {
		current[fmt.Sprintf("%s:%d", t.Address, portOf(t.Port))] = t
	}

	var cs diff.ChangeSet
	for _, want := range desired.SendTargets {
		key := fmt.Sprintf("%s:%d", want.Address, portOf(want.Port))
		_, exists := current[key]

		target := vimtypes.HostInternetScsiHbaSendTarget{
			Address: want.Address,
			Port:    portOf(want.Port),
		}
		if want.CHAP != nil && (want.InheritCHAP == nil || !*want.InheritCHAP) {
			auth := authProperties(want.CHAP)
			auth.ChapInherited = vimtypes.NewBool(false)
			target.AuthenticationProperties = auth
		}

		switch {
		case want.State == spec.StateAbsent && exists:
			cs = append(cs, diff.Edit{
				Op:      diff.OpRemoveDevice,
				Target:  observed.HostRef,
				Kind:    "IscsiSendTarget",
				Name:    key,
				Payload: target,
			})
		case want.State != spec.StateAbsent && !exists:
			cs = append(cs, diff.Edit{
				Op:      diff.OpAddDevice,
				Target:  observed.HostRef,
				Kind:    "IscsiSendTarget",
				Name:    key,
				Payload: target,
			})
		case want.State != spec.StateAbsent && target.AuthenticationProperties != nil:
			cs = append(cs, diff.Edit{
				Op:      diff.OpEditDevice,
				Target:  observed.HostRef,
				Kind:    "IscsiSendTarget",
				Name:    key,
				Payload: target,
			})
		}
	}
	return cs
}

func diffStaticTargets(desired *spec.ISCSIAdapter, observed Observed) diff.ChangeSet {
	current := map[string]vimtypes.HostInternetScsiHbaStaticTarget{}
	for _, t := range observed.HBA.ConfiguredStaticTarget {
		current[fmt.Sprintf("%s@%s:%d", t.IScsiName, t.Address, portOf(t.Port))] = t
	}

	var cs diff.ChangeSet
	for _, want := range desired.StaticTargets {
		key := fmt.Sprintf("%s@%s:%d", want.IscsiName, want.Address, portOf(want.Port))
		_, exists := current[key]

		target := vimtypes.HostInternetScsiHbaStaticTarget{
			IScsiName: want.IscsiName,
			Address:   want.Address,
			Port:      portOf(want.Port),
		}
		if want.CHAP != nil && (want.InheritCHAP == nil || !*want.InheritCHAP) {
			auth := authProperties(want.CHAP)
			auth.ChapInherited = vimtypes.NewBool(false)
			target.AuthenticationProperties = auth
		}

		switch {
		case want.State == spec.StateAbsent && exists:
			cs = append(cs, diff.Edit{
				Op:      diff.OpRemoveDevice,
				Target:  observed.HostRef,
				Kind:    "IscsiStaticTarget",
				Name:    key,
				Payload: target,
			})
		case want.State != spec.StateAbsent && !exists:
			cs = append(cs, diff.Edit{
				Op:      diff.OpAddDevice,
				Target:  observed.HostRef,
				Kind:    "IscsiStaticTarget",
				Name:    key,
				Payload: target,
			})
		case want.State != spec.StateAbsent && target.AuthenticationProperties != nil:
			cs = append(cs, diff.Edit{
				Op:      diff.OpEditDevice,
				Target:  observed.HostRef,
				Kind:    "IscsiStaticTarget",
				Name:    key,
				Payload: target,
			})
		}
	}
	return cs
}

// diffPortBindings set-equivalences the desired vmk list with the bound
// list. Unbinding an interface with active sessions requires force.
func diffPortBindings(desired *spec.ISCSIAdapter, observed Observed) (diff.ChangeSet, []string, error) {
	if desired.PortBindings == nil {
		return nil, nil, nil
	}

	want := map[string]bool{}
	for _, vmk := range desired.PortBindings {
		want[vmk] = true
	}
	bound := map[string]bool{}
	for _, vmk := range observed.BoundVnics {
		bound[vmk] = true
	}
	active := map[string]bool{}
	for _, vmk := range observed.ActiveVnics {
		active[vmk] = true
	}

	var cs diff.ChangeSet
	var warnings []string

	for _, vmk := range desired.PortBindings {
		if bound[vmk] {
			continue
		}
		cs = append(cs, diff.Edit{
			Op:     diff.OpAddDevice,
			Target: observed.HostRef,
			Kind:   "IscsiPortBinding",
			Name:   vmk,
		})
	}
	for _, vmk := range observed.BoundVnics {
		if want[vmk] {
			continue
		}
		if active[vmk] && !desired.Force {
			return nil, nil, errs.BadInputError{
				Field:   "port_bind",
				Message: fmt.Sprintf("%s has active sessions; removal requires force", vmk),
			}
		}
		if active[vmk] {
			warnings = append(warnings, fmt.Sprintf("forcibly unbinding %s with active sessions", vmk))
		}
		cs = append(cs, diff.Edit{
			Op:     diff.OpRemoveDevice,
			Target: observed.HostRef,
			Kind:   "IscsiPortBinding",
			Name:   vmk,
			Force:  desired.Force,
		})
	}
	return cs, warnings, nil
}
