// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package vm

import (
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

// renderCustomization turns the declared customization into a server
// CustomizationSpec: a named server-stored spec is fetched as-is; inline
// Linux and Windows descriptions are rendered locally.
func renderCustomization(c *spec.Customization, env Env) (*vimtypes.CustomizationSpec, error) {
	if c == nil {
		return nil, nil
	}

	if c.ExistingSpec != "" {
		if env.StoredCustomizationSpec == nil {
			return nil, errs.BadInputError{
				Field:   "customization_spec",
				Message: "no customization spec manager available",
			}
		}
		return env.StoredCustomizationSpec(c.ExistingSpec)
	}

	if c.Linux != nil {
		return renderLinuxPrep(c.Linux), nil
	}
	if c.Windows != nil {
		return renderSysprep(c.Windows), nil
	}
	return nil, nil
}

func renderLinuxPrep(l *spec.LinuxPrep) *vimtypes.CustomizationSpec {
	prep := &vimtypes.CustomizationLinuxPrep{
		HostName: &vimtypes.CustomizationFixedName{Name: l.Hostname},
		Domain:   l.Domain,
		TimeZone: l.Timezone,
	}
	if l.HWClockUTC != nil {
		prep.HwClockUTC = l.HWClockUTC
	}

	out := &vimtypes.CustomizationSpec{
		Identity: prep,
		GlobalIPSettings: vimtypes.CustomizationGlobalIPSettings{
			DnsServerList: l.DNSServers,
			DnsSuffixList: l.DNSSuffix,
		},
	}
	return out
}

func renderSysprep(w *spec.Sysprep) *vimtypes.CustomizationSpec {
	identity := &vimtypes.CustomizationSysprep{
		GuiUnattended: vimtypes.CustomizationGuiUnattended{},
		UserData: vimtypes.CustomizationUserData{
			ComputerName: &vimtypes.CustomizationFixedName{Name: w.Hostname},
			FullName:     w.FullName,
			OrgName:      w.OrgName,
			ProductId:    w.ProductID,
		},
		Identification: vimtypes.CustomizationIdentification{
			JoinWorkgroup: w.Workgroup,
			JoinDomain:    w.JoinDomain,
			DomainAdmin:   w.DomainAdmin,
		},
	}

	if w.Password != "" {
		identity.GuiUnattended.Password = &vimtypes.CustomizationPassword{
			Value:     w.Password,
			PlainText: true,
		}
	}
	if w.Timezone != nil {
		identity.GuiUnattended.TimeZone = *w.Timezone
	}
	if w.AutoLogon != nil {
		identity.GuiUnattended.AutoLogon = *w.AutoLogon
	}
	if w.AutoLogonCount != nil {
		identity.GuiUnattended.AutoLogonCount = *w.AutoLogonCount
	}
	if w.DomainAdminPassword != "" {
		identity.Identification.DomainAdminPassword = &vimtypes.CustomizationPassword{
			Value:     w.DomainAdminPassword,
			PlainText: true,
		}
	}
	if len(w.RunOnce) > 0 {
		identity.GuiRunOnce = &vimtypes.CustomizationGuiRunOnce{
			CommandList: w.RunOnce,
		}
	}

	return &vimtypes.CustomizationSpec{
		Identity:         identity,
		GlobalIPSettings: vimtypes.CustomizationGlobalIPSettings{},
	}
}
