// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec

import (
	"fmt"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

// CHAPSettings configures iSCSI authentication. Top-level settings on the
// adapter propagate to targets that inherit.
type CHAPSettings struct {
	// AuthType is chapProhibited, chapDiscouraged, chapPreferred or
	// chapRequired.
	AuthType     string `json:"chap_auth_type,omitempty"`
	Name         string `json:"chap_name,omitempty"`
	Secret       string `json:"chap_secret,omitempty"`
	MutualName   string `json:"mutual_chap_name,omitempty"`
	MutualSecret string `json:"mutual_chap_secret,omitempty"`
}

func (c *CHAPSettings) Validate(field string) error {
	if c == nil {
		return nil
	}
	switch c.AuthType {
	case "", "chapProhibited", "chapDiscouraged", "chapPreferred", "chapRequired":
	default:
		return errs.BadInputError{Field: field + ".chap_auth_type", Message: fmt.Sprintf("unknown auth type %q", c.AuthType)}
	}
	if c.MutualSecret != "" && c.AuthType != "chapRequired" {
		return errs.BadInputError{Field: field, Message: "mutual chap requires chap_auth_type chapRequired"}
	}
	return nil
}

// SendTarget is a dynamic discovery target, identified by (address, port).
type SendTarget struct {
	State   State  `json:"state,omitempty"`
	Address string `json:"address"`
	Port    int32  `json:"port,omitempty"`

	// InheritCHAP leaves the adapter defaults in force.
	InheritCHAP *bool         `json:"chap_inherited,omitempty"`
	CHAP        *CHAPSettings `json:"chap,omitempty"`
}

// StaticTarget is a static target, identified by (iscsiName, address, port).
type StaticTarget struct {
	State     State  `json:"state,omitempty"`
	IscsiName string `json:"iscsi_name"`
	Address   string `json:"address"`
	Port      int32  `json:"port,omitempty"`

	InheritCHAP *bool         `json:"chap_inherited,omitempty"`
	CHAP        *CHAPSettings `json:"chap,omitempty"`
}

// ISCSIAdapter is the desired state of one host iSCSI HBA.
type ISCSIAdapter struct {
	// State enabled/disabled controls the software iSCSI service;
	// present applies target and CHAP configuration.
	State State `json:"state,omitempty"`

	ESXiHost  string `json:"esxi_hostname,omitempty"`
	VmhbaName string `json:"vmhba_name,omitempty"`

	IscsiName string `json:"iscsi_name,omitempty"`
	Alias     string `json:"alias,omitempty"`

	CHAP *CHAPSettings `json:"chap,omitempty"`

	SendTargets   []SendTarget   `json:"send_targets,omitempty"`
	StaticTargets []StaticTarget `json:"static_targets,omitempty"`

	// PortBindings is the desired vmk set; set-equivalenced with observed.
	PortBindings []string `json:"port_bind,omitempty"`

	// Force allows removal of active port bindings.
	Force bool `json:"force,omitempty"`
}

func (a *ISCSIAdapter) Validate() error {
	if a.ESXiHost == "" {
		return errs.BadInputError{Field: "esxi_hostname", Message: "required"}
	}
	if a.State != StateEnabled && a.State != StateDisabled && a.VmhbaName == "" {
		return errs.BadInputError{Field: "vmhba_name", Message: "required unless enabling or disabling the software adapter"}
	}
	if err := a.CHAP.Validate("chap"); err != nil {
		return err
	}
	for _, t := range a.SendTargets {
		if t.Address == "" {
			return errs.BadInputError{Field: "send_targets.address", Message: "required"}
		}
		if err := t.CHAP.Validate("send_targets.chap"); err != nil {
			return err
		}
	}
	for _, t := range a.StaticTargets {
		if t.IscsiName == "" || t.Address == "" {
			return errs.BadInputError{Field: "static_targets", Message: "iscsi_name and address are required"}
		}
		if err := t.CHAP.Validate("static_targets.chap"); err != nil {
			return err
		}
	}
	return nil
}
