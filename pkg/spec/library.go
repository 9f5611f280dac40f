// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package spec

import (
	"net/url"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

// LibraryItem is the desired state of a content library item with an
// external pull source.
type LibraryItem struct {
	State State `json:"state,omitempty"`

	Library     string `json:"library,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	// Type is ovf, iso or vm-template.
	Type string `json:"type,omitempty"`

	// SourceURL is the pull source; schemes https, http and ds.
	SourceURL string `json:"src,omitempty"`
	// Thumbprint pins the source server certificate for https.
	Thumbprint string `json:"ssl_thumbprint,omitempty"`
}

func (li *LibraryItem) Validate() error {
	if li.Library == "" {
		return errs.BadInputError{Field: "library", Message: "required"}
	}
	if li.Name == "" {
		return errs.BadInputError{Field: "name", Message: "required"}
	}
	if li.State == StateAbsent {
		return nil
	}
	if li.SourceURL == "" {
		return errs.BadInputError{Field: "src", Message: "required for present items"}
	}
	u, err := url.Parse(li.SourceURL)
	if err != nil {
		return errs.BadInputError{Field: "src", Message: err.Error()}
	}
	switch u.Scheme {
	case "https", "http", "ds":
	default:
		return errs.BadInputError{Field: "src", Message: "scheme must be https, http or ds"}
	}
	return nil
}

// VCenterOptions is a flat map of advanced vCenter settings keyed by dotted
// option name.
type VCenterOptions struct {
	Settings map[string]any `json:"settings,omitempty"`
}

func (o *VCenterOptions) Validate() error {
	for k := range o.Settings {
		if k == "" {
			return errs.BadInputError{Field: "settings", Message: "empty option key"}
		}
	}
	return nil
}
