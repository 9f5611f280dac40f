// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec

import (
	"fmt"
	"strings"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/task"
)

// ControllerKind identifies the device controller family owning a disk or
// CD-ROM slot.
type ControllerKind string

const (
	ControllerSCSI   ControllerKind = "scsi"
	ControllerSATA   ControllerKind = "sata"
	ControllerNVMe   ControllerKind = "nvme"
	ControllerIDE    ControllerKind = "ide"
	ControllerNVDIMM ControllerKind = "nvdimm"
)

// controllerRange is the valid (bus, unit) envelope for a controller kind.
type controllerRange struct {
	maxBus       int32
	maxUnit      int32
	reservedUnit int32 // -1 when none
}

var controllerRanges = map[ControllerKind]controllerRange{
	ControllerSCSI: {maxBus: 3, maxUnit: 15, reservedUnit: 7},
	ControllerSATA: {maxBus: 3, maxUnit: 29, reservedUnit: -1},
	ControllerNVMe: {maxBus: 3, maxUnit: 14, reservedUnit: -1},
	ControllerIDE:  {maxBus: 1, maxUnit: 1, reservedUnit: -1},
}

// ValidateSlot checks a (bus, unit) position against the controller's
// envelope.
func (k ControllerKind) ValidateSlot(bus, unit int32) error {
	r, ok := controllerRanges[k]
	if !ok {
		return errs.BadInputError{Field: "controller_type", Message: fmt.Sprintf("unknown controller kind %q", k)}
	}
	if bus < 0 || bus > r.maxBus {
		return errs.BadInputError{
			Field:   "controller_number",
			Message: fmt.Sprintf("%s bus %d out of range 0..%d", k, bus, r.maxBus),
		}
	}
	if unit < 0 || unit > r.maxUnit || unit == r.reservedUnit {
		return errs.BadInputError{
			Field:   "unit_number",
			Message: fmt.Sprintf("%s unit %d invalid (0..%d excluding %d)", k, unit, r.maxUnit, r.reservedUnit),
		}
	}
	return nil
}

// DiskBacking names how a virtual disk file is provisioned.
type DiskBacking string

const (
	BackingThin        DiskBacking = "thin"
	BackingThick       DiskBacking = "thick"
	BackingEagerZeroed DiskBacking = "eagerzeroedthick"
	BackingRDM         DiskBacking = "rdm"
)

// RDMCompatibility selects raw device mapping compatibility mode.
type RDMCompatibility string

const (
	RDMPhysical RDMCompatibility = "physicalMode"
	RDMVirtual  RDMCompatibility = "virtualMode"
)

// DatastoreChoice selects the datastore for a disk: an explicit name, a
// storage pod (SDRS recommendation), or autoselect among mounted volumes
// optionally filtered by a name substring.
type DatastoreChoice struct {
	Name       string `json:"datastore,omitempty"`
	StoragePod string `json:"storage_pod,omitempty"`
	Autoselect bool   `json:"autoselect_datastore,omitempty"`
	Filter     string `json:"datastore_filter,omitempty"`
}

// Disk is one virtual disk slot, identified by its controller triple.
type Disk struct {
	State            State            `json:"state,omitempty"` // present or absent
	ControllerKind   ControllerKind   `json:"controller_type,omitempty"`
	ControllerNumber int32            `json:"controller_number"`
	UnitNumber       int32            `json:"unit_number"`
	SizeGB           *int64           `json:"size_gb,omitempty"`
	Backing          DiskBacking      `json:"type,omitempty"`
	RDMPath          string           `json:"rdm_path,omitempty"`
	Compatibility    RDMCompatibility `json:"compatibility_mode,omitempty"`
	Datastore        DatastoreChoice  `json:"datastore_choice,omitempty"`
	DestroyBacking   bool             `json:"destroy,omitempty"`
}

func (d Disk) Validate() error {
	kind := d.ControllerKind
	if kind == "" {
		kind = ControllerSCSI
	}
	if err := kind.ValidateSlot(d.ControllerNumber, d.UnitNumber); err != nil {
		return err
	}
	switch d.Backing {
	case "", BackingThin, BackingThick, BackingEagerZeroed:
	case BackingRDM:
		if d.RDMPath == "" && d.State != StateAbsent {
			return errs.BadInputError{Field: "rdm_path", Message: "required for rdm disks"}
		}
	default:
		return errs.BadInputError{Field: "type", Message: fmt.Sprintf("unknown disk backing %q", d.Backing)}
	}
	if d.State != StateAbsent && d.Backing != BackingRDM && d.SizeGB == nil {
		return errs.BadInputError{Field: "size_gb", Message: "required for present disks"}
	}
	return nil
}

// CDROM is a CD-ROM slot, identity like Disk.
type CDROM struct {
	State            State          `json:"state,omitempty"`
	ControllerKind   ControllerKind `json:"controller_type,omitempty"` // ide or sata
	ControllerNumber int32          `json:"controller_number"`
	UnitNumber       int32          `json:"unit_number"`
	// Type is none, client or iso.
	Type    string `json:"type,omitempty"`
	ISOPath string `json:"iso_path,omitempty"`
}

func (c CDROM) Validate() error {
	kind := c.ControllerKind
	if kind == "" {
		kind = ControllerIDE
	}
	if kind != ControllerIDE && kind != ControllerSATA {
		return errs.BadInputError{Field: "controller_type", Message: "cdrom requires ide or sata"}
	}
	if err := kind.ValidateSlot(c.ControllerNumber, c.UnitNumber); err != nil {
		return err
	}
	switch c.Type {
	case "", "none", "client", "iso":
	default:
		return errs.BadInputError{Field: "type", Message: fmt.Sprintf("unknown cdrom type %q", c.Type)}
	}
	if c.Type == "iso" && c.ISOPath == "" {
		return errs.BadInputError{Field: "iso_path", Message: "required when type is iso"}
	}
	return nil
}

// NVDIMM is a persistent-memory module, identified by label.
type NVDIMM struct {
	State  State  `json:"state,omitempty"`
	Label  string `json:"label,omitempty"`
	SizeMB int64  `json:"size_mb,omitempty"`
}

// NICKind names the virtual ethernet adapter emulation.
type NICKind string

const (
	NICE1000   NICKind = "e1000"
	NICE1000e  NICKind = "e1000e"
	NICPCNet32 NICKind = "pcnet32"
	NICVmxnet2 NICKind = "vmxnet2"
	NICVmxnet3 NICKind = "vmxnet3"
	NICSriov   NICKind = "sriov"
)

func (k NICKind) Valid() bool {
	switch k {
	case NICE1000, NICE1000e, NICPCNet32, NICVmxnet2, NICVmxnet3, NICSriov:
		return true
	}
	return false
}

// NIC is one network adapter. Network may name a standard portgroup, a
// distributed portgroup or an opaque network.
type NIC struct {
	State      State   `json:"state,omitempty"`
	Kind       NICKind `json:"device_type,omitempty"`
	Network    string  `json:"network_name,omitempty"`
	Switch     string  `json:"dvswitch_name,omitempty"`
	MAC        string  `json:"mac,omitempty"`
	Connected  *bool   `json:"connected,omitempty"`
	StartOn    *bool   `json:"start_connected,omitempty"`
	WakeOnLAN  *bool   `json:"wake_on_lan,omitempty"`
	DirectPath *bool   `json:"directpath_io,omitempty"`
}

func (n NIC) Validate() error {
	if n.Kind != "" && !n.Kind.Valid() {
		return errs.BadInputError{Field: "device_type", Message: fmt.Sprintf("unknown nic kind %q", n.Kind)}
	}
	if n.State != StateAbsent && n.Network == "" {
		return errs.BadInputError{Field: "network_name", Message: "required for present nics"}
	}
	return nil
}

// VAppProperty is one OVF environment property, identified by id.
type VAppProperty struct {
	ID        string `json:"id"`
	Value     string `json:"value,omitempty"`
	Operation string `json:"operation,omitempty"` // add, edit, remove; inferred when empty
}

// HardwareFlags are the platform security and virtualization toggles.
type HardwareFlags struct {
	NestedVirt *bool `json:"nested_virt,omitempty"`
	VPMC       *bool `json:"virt_based_perf_counters,omitempty"`
	SecureBoot *bool `json:"secure_boot,omitempty"`
	IOMMU      *bool `json:"iommu,omitempty"`
	VBS        *bool `json:"virt_based_security,omitempty"`
}

// Hardware is the virtual hardware shape of a VM.
type Hardware struct {
	NumCPUs        *int32 `json:"num_cpus,omitempty"`
	CoresPerSocket *int32 `json:"num_cpu_cores_per_socket,omitempty"`
	CPUHotAdd      *bool  `json:"hotadd_cpu,omitempty"`
	CPUHotRemove   *bool  `json:"hotremove_cpu,omitempty"`
	MemoryMB       *int64 `json:"memory_mb,omitempty"`
	MemoryHotAdd   *bool  `json:"hotadd_memory,omitempty"`
	// Version is "latest" or an integer hardware version.
	Version      string        `json:"version,omitempty"`
	BootFirmware string        `json:"boot_firmware,omitempty"` // bios or efi; immutable after create
	Flags        HardwareFlags `json:"flags,omitempty"`

	CPUAllocation    *ResourceAllocation `json:"cpu_allocation,omitempty"`
	MemoryAllocation *ResourceAllocation `json:"memory_allocation,omitempty"`
}

func (h Hardware) Validate() error {
	if h.NumCPUs != nil && h.CoresPerSocket != nil {
		if *h.CoresPerSocket <= 0 || *h.NumCPUs%*h.CoresPerSocket != 0 {
			return errs.BadInputError{
				Field:   "num_cpu_cores_per_socket",
				Message: fmt.Sprintf("num_cpus %d must be a multiple of cores per socket %d", *h.NumCPUs, *h.CoresPerSocket),
			}
		}
	}
	switch h.BootFirmware {
	case "", "bios", "efi":
	default:
		return errs.BadInputError{Field: "boot_firmware", Message: fmt.Sprintf("unknown firmware %q", h.BootFirmware)}
	}
	if err := h.CPUAllocation.Validate("cpu_allocation"); err != nil {
		return err
	}
	return h.MemoryAllocation.Validate("memory_allocation")
}

// LinuxPrep is the inline Linux guest customization description.
type LinuxPrep struct {
	Hostname   string   `json:"hostname,omitempty"`
	Domain     string   `json:"domain,omitempty"`
	Timezone   string   `json:"timezone,omitempty"`
	HWClockUTC *bool    `json:"hwclock_utc,omitempty"`
	DNSServers []string `json:"dns_servers,omitempty"`
	DNSSuffix  []string `json:"dns_suffix,omitempty"`
}

// Sysprep is the inline Windows guest customization description.
type Sysprep struct {
	Hostname            string   `json:"hostname,omitempty"`
	FullName            string   `json:"fullname,omitempty"`
	OrgName             string   `json:"orgname,omitempty"`
	ProductID           string   `json:"productid,omitempty"`
	Password            string   `json:"password,omitempty"`
	JoinDomain          string   `json:"joindomain,omitempty"`
	DomainAdmin         string   `json:"domainadmin,omitempty"`
	DomainAdminPassword string   `json:"domainadminpassword,omitempty"`
	Workgroup           string   `json:"joinworkgroup,omitempty"`
	Timezone            *int32   `json:"timezone,omitempty"`
	AutoLogon           *bool    `json:"autologon,omitempty"`
	AutoLogonCount      *int32   `json:"autologoncount,omitempty"`
	RunOnce             []string `json:"runonce,omitempty"`
}

// Customization is either a named server-stored spec or an inline prep.
type Customization struct {
	ExistingSpec string     `json:"customization_spec,omitempty"`
	Linux        *LinuxPrep `json:"linux,omitempty"`
	Windows      *Sysprep   `json:"windows,omitempty"`

	// ExistingVM re-applies the customization to a VM that already
	// exists. Customization is not idempotent server-side (it reboots
	// the guest and rewrites its identity), so without this flag it
	// runs only when the VM is created.
	ExistingVM bool `json:"existing_vm,omitempty"`
}

func (c *Customization) Validate() error {
	if c == nil {
		return nil
	}
	set := 0
	if c.ExistingSpec != "" {
		set++
	}
	if c.Linux != nil {
		set++
	}
	if c.Windows != nil {
		set++
	}
	if set > 1 {
		return errs.BadInputError{
			Field:   "customization",
			Message: "customization_spec, linux and windows are mutually exclusive",
		}
	}
	return nil
}

// VirtualMachine is the desired state of one VM.
type VirtualMachine struct {
	Identity `json:",inline"`

	State    State  `json:"state,omitempty"`
	GuestID  string `json:"guest_id,omitempty"`
	Template *bool  `json:"is_template,omitempty"`

	Cluster      string `json:"cluster,omitempty"`
	ESXiHost     string `json:"esxi_hostname,omitempty"`
	ResourcePool string `json:"resource_pool,omitempty"`

	Hardware Hardware `json:"hardware,omitempty"`

	Disks  []Disk   `json:"disks,omitempty"`
	CDROMs []CDROM  `json:"cdroms,omitempty"`
	NVDIMM []NVDIMM `json:"nvdimm,omitempty"`
	NICs   []NIC    `json:"networks,omitempty"`

	VAppProperties   []VAppProperty    `json:"vapp_properties,omitempty"`
	AdvancedSettings map[string]string `json:"advanced_settings,omitempty"`
	CustomValues     map[string]string `json:"customvalues,omitempty"`
	Annotation       *string           `json:"annotation,omitempty"`

	Customization *Customization `json:"customization,omitempty"`

	// Force allows hard power fallbacks when guest tools are unavailable.
	Force bool `json:"force,omitempty"`

	// Answers unblocks interactive questions raised during tasks.
	Answers task.AnswerTable `json:"question_answers,omitempty"`

	// WaitForIPTimeoutSeconds, when > 0, waits for a guest IP after
	// power-on.
	WaitForIPTimeoutSeconds int `json:"wait_for_ip_address_timeout,omitempty"`
	// WaitForCustomization awaits customization completion events.
	WaitForCustomization bool `json:"wait_for_customization,omitempty"`
}

// Validate checks the VM's local invariants, independent of server state.
func (vm *VirtualMachine) Validate() error {
	if err := vm.Identity.Validate(); err != nil {
		return err
	}
	if vm.State == StatePresent && vm.GuestID == "" && vm.MoID == "" && vm.UUID == "" {
		// guest id is server-mandatory at creation time only; updates
		// located by moid/uuid may omit it.
		return errs.BadInputError{Field: "guest_id", Message: "required to create a virtual machine"}
	}
	if err := vm.Hardware.Validate(); err != nil {
		return err
	}
	if vm.Hardware.Version != "" && vm.Hardware.Version != "latest" {
		if !isUint(vm.Hardware.Version) {
			return errs.BadInputError{
				Field:   "hardware.version",
				Message: fmt.Sprintf("version %q is neither latest nor an integer", vm.Hardware.Version),
			}
		}
	}
	// Disks and CD-ROMs share one controller namespace; slot triples must
	// be pairwise distinct across both, with the per-device default kinds
	// normalized before keying.
	slotKey := func(kind, dflt ControllerKind, bus, unit int32) string {
		if kind == "" {
			kind = dflt
		}
		return fmt.Sprintf("%s:%d:%d", kind, bus, unit)
	}
	seen := map[string]bool{}
	for _, d := range vm.Disks {
		if err := d.Validate(); err != nil {
			return err
		}
		key := slotKey(d.ControllerKind, ControllerSCSI, d.ControllerNumber, d.UnitNumber)
		if seen[key] {
			return errs.BadInputError{
				Field:   "disks",
				Message: fmt.Sprintf("duplicate device slot %s", key),
			}
		}
		seen[key] = true
	}
	for _, c := range vm.CDROMs {
		if err := c.Validate(); err != nil {
			return err
		}
		key := slotKey(c.ControllerKind, ControllerIDE, c.ControllerNumber, c.UnitNumber)
		if seen[key] {
			return errs.BadInputError{
				Field:   "cdroms",
				Message: fmt.Sprintf("duplicate device slot %s", key),
			}
		}
		seen[key] = true
	}
	for _, n := range vm.NICs {
		if err := n.Validate(); err != nil {
			return err
		}
	}
	for _, p := range vm.VAppProperties {
		if p.ID == "" {
			return errs.BadInputError{Field: "vapp_properties.id", Message: "required"}
		}
	}
	return vm.Customization.Validate()
}

func isUint(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0
}
