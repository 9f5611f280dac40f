// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package spec defines the declarative desired-state model. Pointer fields
// that are nil mean "do not change".
package spec

import (
	"fmt"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

// State is the desired lifecycle marker of an entity.
type State string

const (
	StatePresent       State = "present"
	StateAbsent        State = "absent"
	StatePoweredOn     State = "poweredon"
	StatePoweredOff    State = "poweredoff"
	StateRestarted     State = "restarted"
	StateSuspended     State = "suspended"
	StateShutdownGuest State = "shutdownguest"
	StateRebootGuest   State = "rebootguest"

	// Host-level subsystems (software iSCSI) use enabled/disabled.
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
)

// IsPowerState reports whether s names a power transition rather than a
// presence change.
func (s State) IsPowerState() bool {
	switch s {
	case StatePoweredOn, StatePoweredOff, StateRestarted, StateSuspended,
		StateShutdownGuest, StateRebootGuest:
		return true
	}
	return false
}

// Identity locates an existing object or names a new one.
type Identity struct {
	Name            string `json:"name,omitempty"`
	UUID            string `json:"uuid,omitempty"`
	UseInstanceUUID bool   `json:"use_instance_uuid,omitempty"`
	MoID            string `json:"moid,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Datacenter      string `json:"datacenter,omitempty"`
}

// Validate checks that at least one identifier is set.
func (id Identity) Validate() error {
	if id.Name == "" && id.UUID == "" && id.MoID == "" {
		return errs.BadInputError{Field: "name", Message: "one of name, uuid or moid is required"}
	}
	return nil
}

func (id Identity) String() string {
	switch {
	case id.Name != "":
		return id.Name
	case id.MoID != "":
		return id.MoID
	default:
		return id.UUID
	}
}

// SharesInfo is a CPU or memory shares assignment. Setting Shares implies
// the custom level.
type SharesInfo struct {
	Level  string `json:"level,omitempty"` // low, normal, high, custom
	Shares *int32 `json:"shares,omitempty"`
}

// ResourceAllocation covers limit, reservation and shares for one resource.
type ResourceAllocation struct {
	Limit       *int64      `json:"limit,omitempty"`
	Reservation *int64      `json:"reservation,omitempty"`
	Shares      *SharesInfo `json:"shares,omitempty"`
}

func (ra *ResourceAllocation) Validate(field string) error {
	if ra == nil || ra.Shares == nil {
		return nil
	}
	switch ra.Shares.Level {
	case "", "low", "normal", "high", "custom":
	default:
		return errs.BadInputError{
			Field:   field + ".shares.level",
			Message: fmt.Sprintf("unknown level %q", ra.Shares.Level),
		}
	}
	return nil
}
