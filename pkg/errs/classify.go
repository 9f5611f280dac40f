// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package errs

import (
	"context"
	"errors"
	"net"

	"github.com/vmware/govmomi/fault"
	"github.com/vmware/govmomi/task"
	vimtypes "github.com/vmware/govmomi/vim25/types"
)

// Classify translates a govmomi fault into the toolkit taxonomy. Errors that
// do not map onto a known category are returned unchanged and treated as
// fatal by callers.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var notFound *vimtypes.ManagedObjectNotFound
	if _, ok := fault.As(err, &notFound); ok {
		return NotFoundError{Kind: notFound.Obj.Type, Name: notFound.Obj.Value}
	}

	var invalidProp *vimtypes.InvalidProperty
	if _, ok := fault.As(err, &invalidProp); ok {
		return BadPropertyError{Property: invalidProp.Name}
	}

	var inProgress *vimtypes.TaskInProgress
	if _, ok := fault.As(err, &inProgress); ok {
		return TransientError{Cause: err}
	}

	var notAuthenticated *vimtypes.NotAuthenticated
	if _, ok := fault.As(err, &notAuthenticated); ok {
		return TransientError{Cause: err}
	}

	var invalidPower *vimtypes.InvalidPowerState
	if _, ok := fault.As(err, &invalidPower); ok {
		return PowerStateError{
			Current:  string(invalidPower.ExistingState),
			Required: string(invalidPower.RequestedState),
			Change:   "operation",
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientError{Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientError{Cause: err}
	}

	return err
}

// ClassifyTask translates a terminal task error, preserving the localized
// message and an SSL thumbprint detail when the fault carries one.
func ClassifyTask(taskMoID string, err error) error {
	if err == nil {
		return nil
	}

	var taskErr task.Error
	if errors.As(err, &taskErr) && taskErr.Fault() != nil {
		failed := TaskFailedError{
			TaskMoID: taskMoID,
			Message:  taskErr.Error(),
		}
		if f := taskErr.LocalizedMethodFault; f != nil && f.LocalizedMessage != "" {
			failed.Message = f.LocalizedMessage
		}
		if ssl, ok := taskErr.Fault().(*vimtypes.SSLVerifyFault); ok {
			failed.Thumbprint = ssl.Thumbprint
		}
		return failed
	}

	return Classify(err)
}
