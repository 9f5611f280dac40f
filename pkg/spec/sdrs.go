// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec

import (
	"fmt"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

// AutomationOverrides are the per-axis SDRS automation levels. Each value is
// automated, manual, or empty for cluster settings.
type AutomationOverrides struct {
	SpaceLoadBalance  string `json:"space_balance_automation_level,omitempty"`
	IOLoadBalance     string `json:"io_balance_automation_level,omitempty"`
	RuleEnforcement   string `json:"rule_enforcement_automation_level,omitempty"`
	PolicyEnforcement string `json:"policy_enforcement_automation_level,omitempty"`
	VMEvacuation      string `json:"vm_evacuation_automation_level,omitempty"`
}

func validateAxis(field, value string) error {
	switch value {
	case "", "automated", "manual", "cluster_settings":
		return nil
	}
	return errs.BadInputError{Field: field, Message: fmt.Sprintf("unknown automation level %q", value)}
}

// SpaceThreshold selects the space load-balance trigger: free-space GB or
// utilization percent, exclusively.
type SpaceThreshold struct {
	// MinUtilizationDifference in percent, 1..50.
	MinUtilizationDifference *int32 `json:"space_utilization_difference,omitempty"`
	FreeSpaceGB              *int32 `json:"space_freespace_threshold_gb,omitempty"`
	UtilizationPercent       *int32 `json:"space_utilization_threshold,omitempty"`
}

// VMOverride is a per-VM SDRS behavior override.
type VMOverride struct {
	Name string `json:"name"`
	// AutomationLevel is none, automated, manual or disabled.
	AutomationLevel   string `json:"automation_level,omitempty"`
	KeepVMDKsTogether *bool  `json:"keep_vmdks_together,omitempty"`
}

// DatastoreCluster is the desired state of a storage pod's SDRS config.
type DatastoreCluster struct {
	Identity `json:",inline"`

	State State `json:"state,omitempty"`

	Enabled *bool `json:"enable_sdrs,omitempty"`
	// AutomationLevel is the default VM behavior: automated or manual.
	AutomationLevel      string `json:"automation_level,omitempty"`
	KeepVMDKsTogether    *bool  `json:"keep_vmdks_together,omitempty"`
	LoadBalanceIntervalM *int32 `json:"loadbalance_interval_mins,omitempty"`
	EnableIOLoadBalance  *bool  `json:"enable_io_loadbalance,omitempty"`

	Overrides AutomationOverrides `json:"automation_overrides,omitempty"`

	Space SpaceThreshold `json:"space,omitempty"`

	IOLatencyThresholdMs     *int32 `json:"io_latency_threshold,omitempty"`
	IOLoadImbalanceThreshold *int32 `json:"io_load_imbalance_threshold,omitempty"`

	VMOverrides []VMOverride `json:"vm_overrides,omitempty"`
}

func (dc *DatastoreCluster) Validate() error {
	if dc.Name == "" {
		return errs.BadInputError{Field: "datastore_cluster_name", Message: "required"}
	}
	switch dc.AutomationLevel {
	case "", "automated", "manual":
	default:
		return errs.BadInputError{Field: "automation_level", Message: fmt.Sprintf("unknown level %q", dc.AutomationLevel)}
	}
	for field, v := range map[string]string{
		"space_balance_automation_level":      dc.Overrides.SpaceLoadBalance,
		"io_balance_automation_level":         dc.Overrides.IOLoadBalance,
		"rule_enforcement_automation_level":   dc.Overrides.RuleEnforcement,
		"policy_enforcement_automation_level": dc.Overrides.PolicyEnforcement,
		"vm_evacuation_automation_level":      dc.Overrides.VMEvacuation,
	} {
		if err := validateAxis(field, v); err != nil {
			return err
		}
	}
	if d := dc.Space.MinUtilizationDifference; d != nil && (*d < 1 || *d > 50) {
		return errs.BadInputError{
			Field:   "space_utilization_difference",
			Message: fmt.Sprintf("%d out of range 1..50", *d),
		}
	}
	if dc.Space.FreeSpaceGB != nil && dc.Space.UtilizationPercent != nil {
		return errs.BadInputError{
			Field:   "space",
			Message: "space_freespace_threshold_gb and space_utilization_threshold are exclusive",
		}
	}
	if t := dc.IOLoadImbalanceThreshold; t != nil && (*t < 1 || *t > 100) {
		return errs.BadInputError{
			Field:   "io_load_imbalance_threshold",
			Message: fmt.Sprintf("%d out of range 1..100", *t),
		}
	}
	for _, o := range dc.VMOverrides {
		if o.Name == "" {
			return errs.BadInputError{Field: "vm_overrides.name", Message: "required"}
		}
		switch o.AutomationLevel {
		case "", "none", "automated", "manual", "disabled":
		default:
			return errs.BadInputError{
				Field:   "vm_overrides.automation_level",
				Message: fmt.Sprintf("unknown level %q", o.AutomationLevel),
			}
		}
	}
	return nil
}
