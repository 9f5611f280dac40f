// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package library manages content library items sourced from external
// URIs through pull update sessions.
package library

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmware/govmomi/vapi/library"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

// transferring states a file moves through before settling.
var transferring = map[string]bool{
	"TRANSFERRING":         true,
	"VALIDATING":           true,
	"WAITING_FOR_TRANSFER": true,
}

// Manager wraps the vapi library manager with the pull lifecycle.
type Manager struct {
	libMgr *library.Manager

	// PollInterval paces file status checks.
	PollInterval time.Duration
}

// NewManager returns a Manager over the given vapi library client.
func NewManager(libMgr *library.Manager) *Manager {
	return &Manager{
		libMgr:       libMgr,
		PollInterval: 2 * time.Second,
	}
}

// Result reports what Ensure did.
type Result struct {
	Changed bool
	ItemID  string
}

// Ensure drives one library item to its desired state. Present items with
// an external source are created if absent and their content pulled
// through an update session; the session is failed on any error while
// active so the server releases its resources.
func (m *Manager) Ensure(ctx context.Context, desired *spec.LibraryItem) (Result, error) {
	if err := desired.Validate(); err != nil {
		return Result{}, err
	}
	logger := log.FromContextOrDefault(ctx).WithName("library").
		WithValues("library", desired.Library, "item", desired.Name)

	lib, err := m.libMgr.GetLibraryByName(ctx, desired.Library)
	if err != nil {
		return Result{}, errs.NotFoundError{Kind: "ContentLibrary", Name: desired.Library}
	}

	existing, err := m.findItem(ctx, lib.ID, desired.Name)
	if err != nil {
		return Result{}, err
	}

	if desired.State == spec.StateAbsent {
		if existing == nil {
			return Result{}, nil
		}
		if err := m.libMgr.DeleteLibraryItem(ctx, existing); err != nil {
			return Result{}, errs.Classify(err)
		}
		return Result{Changed: true}, nil
	}

	if existing != nil {
		// Content is immutable once uploaded; only metadata converges.
		changed, err := m.updateMetadata(ctx, existing, desired)
		return Result{Changed: changed, ItemID: existing.ID}, err
	}

	itemType := desired.Type
	if itemType == "" {
		itemType = "ovf"
	}
	itemID, err := m.libMgr.CreateLibraryItem(ctx, library.Item{
		LibraryID:   lib.ID,
		Name:        desired.Name,
		Description: &desired.Description,
		Type:        itemType,
	})
	if err != nil {
		return Result{}, errs.Classify(err)
	}
	logger.V(4).Info("created library item", "itemID", itemID)

	if err := m.pull(ctx, itemID, desired); err != nil {
		return Result{Changed: true, ItemID: itemID}, err
	}
	return Result{Changed: true, ItemID: itemID}, nil
}

func (m *Manager) findItem(ctx context.Context, libraryID, name string) (*library.Item, error) {
	ids, err := m.libMgr.FindLibraryItems(ctx, library.FindItem{
		LibraryID: libraryID,
		Name:      name,
	})
	if err != nil {
		return nil, errs.Classify(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	item, err := m.libMgr.GetLibraryItem(ctx, ids[0])
	if err != nil {
		return nil, errs.Classify(err)
	}
	return item, nil
}

func (m *Manager) updateMetadata(ctx context.Context, item *library.Item, desired *spec.LibraryItem) (bool, error) {
	changed := false
	if desired.Description != "" &&
		(item.Description == nil || *item.Description != desired.Description) {
		item.Description = &desired.Description
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := m.libMgr.UpdateLibraryItem(ctx, item); err != nil {
		return false, errs.Classify(err)
	}
	return true, nil
}

// pull transfers the external source into the item through an update
// session keyed by a client-generated token.
func (m *Manager) pull(ctx context.Context, itemID string, desired *spec.LibraryItem) error {
	logger := log.FromContextOrDefault(ctx).WithName("library")

	session := library.Session{
		ID:            uuid.New().String(),
		LibraryItemID: itemID,
	}
	sessionID, err := m.libMgr.CreateLibraryItemUpdateSession(ctx, session)
	if err != nil {
		return errs.Classify(err)
	}

	fail := func(cause error) error {
		// Releasing the active session takes precedence over the
		// original error only in logs.
		if ferr := m.libMgr.CancelLibraryItemUpdateSession(ctx, sessionID); ferr != nil {
			logger.Error(ferr, "failed to cancel update session", "sessionID", sessionID)
		}
		return cause
	}

	file := library.UpdateFile{
		Name:       fileName(desired),
		SourceType: "PULL",
		SourceEndpoint: &library.TransferEndpoint{
			URI:                      desired.SourceURL,
			SSLCertificateThumbprint: desired.Thumbprint,
		},
	}
	if _, err := m.libMgr.AddLibraryItemFile(ctx, sessionID, file); err != nil {
		return fail(errs.Classify(err))
	}

	if err := m.awaitTransfer(ctx, sessionID); err != nil {
		return fail(err)
	}

	validation, err := m.libMgr.ValidateLibraryItemUpdateSessionFile(ctx, sessionID)
	if err != nil {
		return fail(errs.Classify(err))
	}
	if err := validationError(sessionID, validation); err != nil {
		return fail(err)
	}

	if err := m.libMgr.CompleteLibraryItemUpdateSession(ctx, sessionID); err != nil {
		return fail(errs.Classify(err))
	}
	return nil
}

// validationError surfaces the server's verdict on the session files:
// files the item type requires but nobody added, and files that failed
// content validation.
func validationError(sessionID string, v *library.UpdateFileValidation) error {
	if v == nil {
		return nil
	}
	if len(v.MissingFiles) > 0 {
		return errs.BadInputError{
			Field:   "src",
			Message: fmt.Sprintf("update session is missing files: %s", strings.Join(v.MissingFiles, ", ")),
		}
	}
	if v.HasErrors || len(v.InvalidFiles) > 0 {
		details := make([]string, 0, len(v.InvalidFiles))
		for _, f := range v.InvalidFiles {
			details = append(details, fmt.Sprintf("%s: %s", f.Name, f.ErrorMessage.DefaultMessage))
		}
		if len(details) == 0 {
			details = append(details, "session validation failed")
		}
		return errs.TaskFailedError{
			TaskMoID: sessionID,
			Message:  "invalid files: " + strings.Join(details, "; "),
		}
	}
	return nil
}

// awaitTransfer polls the session files until none is still moving, then
// surfaces per-file validation errors.
func (m *Manager) awaitTransfer(ctx context.Context, sessionID string) error {
	interval := m.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		files, err := m.libMgr.ListLibraryItemUpdateSessionFile(ctx, sessionID)
		if err != nil {
			return errs.Classify(err)
		}

		pending := false
		for _, f := range files {
			if transferring[f.Status] {
				pending = true
				continue
			}
			if f.Status == "ERROR" {
				msg := "transfer failed"
				if f.ErrorMessage != nil {
					msg = f.ErrorMessage.DefaultMessage
				}
				return errs.TaskFailedError{
					TaskMoID: sessionID,
					Message:  fmt.Sprintf("file %s: %s", f.Name, msg),
				}
			}
		}
		if !pending {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func fileName(desired *spec.LibraryItem) string {
	name := desired.Name
	if desired.Type == "iso" {
		return name + ".iso"
	}
	return name + ".ovf"
}
