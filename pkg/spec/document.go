// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec

import (
	"bytes"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

// Document kinds accepted in a state file.
const (
	KindVirtualMachine       = "virtual_machine"
	KindDistributedSwitch    = "distributed_switch"
	KindDistributedPortgroup = "distributed_portgroup"
	KindDatastoreCluster     = "datastore_cluster"
	KindStandardSwitch       = "standard_switch"
	KindISCSI                = "iscsi"
	KindVCenterOptions       = "vcenter_options"
	KindLibraryItem          = "library_item"
)

// Document is one entry of a state file: a kind discriminator with exactly
// one populated payload.
type Document struct {
	Kind string

	VirtualMachine       *VirtualMachine
	DistributedSwitch    *DistributedSwitch
	DistributedPortgroup *DistributedPortgroup
	DatastoreCluster     *DatastoreCluster
	StandardSwitch       *StandardSwitch
	ISCSI                *ISCSIAdapter
	VCenterOptions       *VCenterOptions
	LibraryItem          *LibraryItem
}

// Validate dispatches to the payload's validator.
func (d *Document) Validate() error {
	switch d.Kind {
	case KindVirtualMachine:
		return d.VirtualMachine.Validate()
	case KindDistributedSwitch:
		return d.DistributedSwitch.Validate()
	case KindDistributedPortgroup:
		return d.DistributedPortgroup.Validate()
	case KindDatastoreCluster:
		return d.DatastoreCluster.Validate()
	case KindStandardSwitch:
		return d.StandardSwitch.Validate()
	case KindISCSI:
		return d.ISCSI.Validate()
	case KindVCenterOptions:
		return d.VCenterOptions.Validate()
	case KindLibraryItem:
		return d.LibraryItem.Validate()
	}
	return errs.BadInputError{Field: "kind", Message: "unknown kind " + d.Kind}
}

func decodeDocument(data []byte) (Document, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Document{}, err
	}

	doc := Document{Kind: head.Kind}
	var payload any
	switch head.Kind {
	case KindVirtualMachine:
		doc.VirtualMachine = &VirtualMachine{}
		payload = doc.VirtualMachine
	case KindDistributedSwitch:
		doc.DistributedSwitch = &DistributedSwitch{}
		payload = doc.DistributedSwitch
	case KindDistributedPortgroup:
		doc.DistributedPortgroup = &DistributedPortgroup{}
		payload = doc.DistributedPortgroup
	case KindDatastoreCluster:
		doc.DatastoreCluster = &DatastoreCluster{}
		payload = doc.DatastoreCluster
	case KindStandardSwitch:
		doc.StandardSwitch = &StandardSwitch{}
		payload = doc.StandardSwitch
	case KindISCSI:
		doc.ISCSI = &ISCSIAdapter{}
		payload = doc.ISCSI
	case KindVCenterOptions:
		doc.VCenterOptions = &VCenterOptions{}
		payload = doc.VCenterOptions
	case KindLibraryItem:
		doc.LibraryItem = &LibraryItem{}
		payload = doc.LibraryItem
	case "":
		return Document{}, errs.BadInputError{Field: "kind", Message: "document is missing a kind"}
	default:
		return Document{}, errs.BadInputError{Field: "kind", Message: "unknown kind " + head.Kind}
	}

	if err := yaml.UnmarshalStrict(stripKind(data), payload); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// stripKind drops the kind line so strict decoding of the payload does not
// reject the discriminator.
func stripKind(data []byte) []byte {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return data
	}
	delete(raw, "kind")
	out, err := yaml.Marshal(raw)
	if err != nil {
		return data
	}
	return out
}

// LoadState reads a multi-document YAML (or JSON) state file.
func LoadState(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	return ParseState(data)
}

// ParseState splits and decodes state documents.
func ParseState(data []byte) ([]Document, error) {
	var docs []Document
	for i, chunk := range bytes.Split(data, []byte("\n---")) {
		if len(bytes.TrimSpace(chunk)) == 0 {
			continue
		}
		doc, err := decodeDocument(chunk)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", i+1, doc.Kind, err)
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, errs.BadInputError{Field: "state", Message: "state file has no documents"}
	}
	return docs, nil
}
