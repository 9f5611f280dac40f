// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec

import (
	"fmt"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/constants"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// SecurityPolicy are the layer-2 security toggles shared by standard and
// distributed switches.
type SecurityPolicy struct {
	Promiscuous     *bool `json:"promiscuous,omitempty"`
	ForgedTransmits *bool `json:"forged_transmits,omitempty"`
	MacChanges      *bool `json:"mac_changes,omitempty"`
}

// LinkDiscovery configures CDP/LLDP. Protocol "disabled" maps to cdp with
// operation none on the wire.
type LinkDiscovery struct {
	Protocol  string `json:"protocol,omitempty"`  // cdp, lldp, disabled
	Operation string `json:"operation,omitempty"` // listen, advertise, both, none
}

func (ld *LinkDiscovery) Validate() error {
	if ld == nil {
		return nil
	}
	switch ld.Protocol {
	case "", "cdp", "lldp", "disabled":
	default:
		return errs.BadInputError{Field: "discovery_protocol", Message: fmt.Sprintf("unknown protocol %q", ld.Protocol)}
	}
	switch ld.Operation {
	case "", "listen", "advertise", "both", "none":
	default:
		return errs.BadInputError{Field: "discovery_operation", Message: fmt.Sprintf("unknown operation %q", ld.Operation)}
	}
	return nil
}

// HealthCheck enables one DVS health-check probe with its run interval in
// minutes. A disabled probe ignores its interval.
type HealthCheck struct {
	Enabled  bool  `json:"enabled"`
	Interval int32 `json:"interval,omitempty"`
}

// NetFlow is the DVS ipfix configuration.
type NetFlow struct {
	CollectorIP         string `json:"collector_ip,omitempty"`
	CollectorPort       *int32 `json:"collector_port,omitempty"`
	ObservationDomainID *int64 `json:"observation_domain_id,omitempty"`
	ActiveFlowTimeout   *int32 `json:"active_flow_timeout,omitempty"`
	IdleFlowTimeout     *int32 `json:"idle_flow_timeout,omitempty"`
	SamplingRate        *int32 `json:"sampling_rate,omitempty"`
	InternalFlowsOnly   *bool  `json:"internal_flows_only,omitempty"`
	SwitchIP            string `json:"switch_ip,omitempty"`
}

// DistributedSwitch is the desired state of a DVS.
type DistributedSwitch struct {
	Identity `json:",inline"`

	State State `json:"state,omitempty"`

	Version     string `json:"version,omitempty"`
	MTU         *int32 `json:"mtu,omitempty"`
	Description string `json:"description,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
	ContactInfo string `json:"contact_info,omitempty"`

	UplinkQuantity *int32 `json:"uplink_quantity,omitempty"`
	UplinkPrefix   string `json:"uplink_prefix,omitempty"`

	MulticastFilteringMode string `json:"multicast_filtering_mode,omitempty"` // basic, snooping

	LinkDiscovery *LinkDiscovery `json:"link_discovery,omitempty"`

	HealthCheckVlanMtu *HealthCheck `json:"health_check_vlan_mtu,omitempty"`
	HealthCheckTeaming *HealthCheck `json:"health_check_teaming,omitempty"`

	NetFlow *NetFlow `json:"net_flow,omitempty"`

	// NetworkPolicy is the port-level MAC management default.
	NetworkPolicy *SecurityPolicy `json:"network_policy,omitempty"`
}

func (s *DistributedSwitch) Validate() error {
	if s.Name == "" {
		return errs.BadInputError{Field: "switch_name", Message: "required"}
	}
	if s.MTU != nil && (*s.MTU < constants.MinDVSMtu || *s.MTU > constants.MaxDVSMtu) {
		return errs.BadInputError{
			Field:   "mtu",
			Message: fmt.Sprintf("mtu %d out of range %d..%d", *s.MTU, constants.MinDVSMtu, constants.MaxDVSMtu),
		}
	}
	switch s.MulticastFilteringMode {
	case "", "basic", "snooping":
	default:
		return errs.BadInputError{Field: "multicast_filtering_mode", Message: fmt.Sprintf("unknown mode %q", s.MulticastFilteringMode)}
	}
	return s.LinkDiscovery.Validate()
}

// UplinkName formats the nth uplink with the configured prefix.
func (s *DistributedSwitch) UplinkName(n int) string {
	prefix := s.UplinkPrefix
	if prefix == "" {
		prefix = constants.UplinkPrefix
	}
	return fmt.Sprintf("%s%d", prefix, n+1)
}

// VLANSpec selects one VLAN mode for a distributed portgroup: single id,
// trunk ranges, or private VLAN id.
type VLANSpec struct {
	ID          *int32 `json:"vlan_id,omitempty"`
	TrunkRanges string `json:"vlan_trunk_range,omitempty"`
	PrivateID   *int32 `json:"private_vlan_id,omitempty"`
}

func (v *VLANSpec) Validate() error {
	if v == nil {
		return nil
	}
	set := 0
	if v.ID != nil {
		set++
	}
	if v.TrunkRanges != "" {
		set++
	}
	if v.PrivateID != nil {
		set++
	}
	if set > 1 {
		return errs.BadInputError{Field: "vlan", Message: "vlan_id, vlan_trunk_range and private_vlan_id are mutually exclusive"}
	}
	if v.ID != nil && (*v.ID < 0 || *v.ID > 4094) {
		return errs.BadInputError{Field: "vlan_id", Message: fmt.Sprintf("vlan %d out of range 0..4094", *v.ID)}
	}
	if v.TrunkRanges != "" {
		if _, err := util.ParseVlanRanges(v.TrunkRanges); err != nil {
			return err
		}
	}
	return nil
}

// TeamingPolicy is the uplink teaming configuration shared by standard and
// distributed portgroups.
type TeamingPolicy struct {
	LoadBalancing    string   `json:"load_balancing,omitempty"`
	FailureDetection string   `json:"network_failure_detection,omitempty"`
	NotifySwitches   *bool    `json:"notify_switches,omitempty"`
	Failback         *bool    `json:"failback,omitempty"`
	ActiveUplinks    []string `json:"active_uplinks,omitempty"`
	StandbyUplinks   []string `json:"standby_uplinks,omitempty"`
}

// ShapingPolicy is one direction of traffic shaping. When Enabled is true
// all three rates are required.
type ShapingPolicy struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	AverageBandwidth *int64 `json:"average_bandwidth,omitempty"`
	PeakBandwidth    *int64 `json:"peak_bandwidth,omitempty"`
	BurstSize        *int64 `json:"burst_size,omitempty"`
}

func (sp *ShapingPolicy) Validate(field string) error {
	if sp == nil || sp.Enabled == nil || !*sp.Enabled {
		return nil
	}
	if sp.AverageBandwidth == nil || sp.PeakBandwidth == nil || sp.BurstSize == nil {
		return errs.BadInputError{
			Field:   field,
			Message: "average_bandwidth, peak_bandwidth and burst_size are required when shaping is enabled",
		}
	}
	return nil
}

// PortPolicy controls which per-port overrides a distributed portgroup
// allows.
type PortPolicy struct {
	BlockOverride               *bool `json:"block_override,omitempty"`
	NetworkRPOverride           *bool `json:"network_rp_override,omitempty"`
	LivePortMove                *bool `json:"live_port_move,omitempty"`
	PortConfigResetAtDisconnect *bool `json:"port_config_reset_at_disconnect,omitempty"`
	SecurityOverride            *bool `json:"security_override,omitempty"`
	ShapingOverride             *bool `json:"shaping_override,omitempty"`
	TrafficFilterOverride       *bool `json:"traffic_filter_override,omitempty"`
	UplinkTeamingOverride       *bool `json:"uplink_teaming_override,omitempty"`
	VendorConfigOverride        *bool `json:"vendor_config_override,omitempty"`
	VlanOverride                *bool `json:"vlan_override,omitempty"`
}

// DistributedPortgroup is the desired state of one DVS portgroup.
type DistributedPortgroup struct {
	Identity `json:",inline"`

	State State `json:"state,omitempty"`

	Switch string `json:"switch_name,omitempty"`

	NumPorts       *int32 `json:"num_ports,omitempty"`
	PortBinding    string `json:"port_binding,omitempty"`    // static, ephemeral
	PortAllocation string `json:"port_allocation,omitempty"` // elastic, fixed

	VLAN *VLANSpec `json:"vlan,omitempty"`

	Security *SecurityPolicy `json:"network_policy,omitempty"`
	Teaming  *TeamingPolicy  `json:"teaming_policy,omitempty"`

	IngressShaping *ShapingPolicy `json:"in_shaping,omitempty"`
	EgressShaping  *ShapingPolicy `json:"out_shaping,omitempty"`

	PortPolicy *PortPolicy `json:"port_policy,omitempty"`

	MacLearning *bool `json:"mac_learning,omitempty"`
}

func (pg *DistributedPortgroup) Validate() error {
	if pg.Name == "" {
		return errs.BadInputError{Field: "portgroup_name", Message: "required"}
	}
	if pg.Switch == "" {
		return errs.BadInputError{Field: "switch_name", Message: "required"}
	}
	switch pg.PortBinding {
	case "", "static", "ephemeral":
	default:
		return errs.BadInputError{Field: "port_binding", Message: fmt.Sprintf("unknown binding %q", pg.PortBinding)}
	}
	switch pg.PortAllocation {
	case "", "elastic", "fixed":
	default:
		return errs.BadInputError{Field: "port_allocation", Message: fmt.Sprintf("unknown allocation %q", pg.PortAllocation)}
	}
	if pg.PortBinding == "ephemeral" && pg.PortAllocation == "elastic" {
		return errs.BadInputError{Field: "port_allocation", Message: "ephemeral binding forbids elastic allocation"}
	}
	if err := pg.VLAN.Validate(); err != nil {
		return err
	}
	if err := pg.IngressShaping.Validate("in_shaping"); err != nil {
		return err
	}
	return pg.EgressShaping.Validate("out_shaping")
}

// StandardSwitch is the desired state of a host-local vSwitch.
type StandardSwitch struct {
	State State `json:"state,omitempty"`

	ESXiHost string `json:"esxi_hostname,omitempty"`
	Name     string `json:"switch,omitempty"`

	MTU      *int32   `json:"mtu,omitempty"`
	NumPorts *int32   `json:"number_of_ports,omitempty"`
	NICs     []string `json:"nics,omitempty"`

	Security *SecurityPolicy `json:"security,omitempty"`
	Teaming  *TeamingPolicy  `json:"teaming,omitempty"`
	Shaping  *ShapingPolicy  `json:"traffic_shaping,omitempty"`
}

func (s *StandardSwitch) Validate() error {
	if s.Name == "" {
		return errs.BadInputError{Field: "switch", Message: "required"}
	}
	if s.ESXiHost == "" {
		return errs.BadInputError{Field: "esxi_hostname", Message: "required"}
	}
	return s.Shaping.Validate("traffic_shaping")
}
