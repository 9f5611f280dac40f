// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package errs_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vmware/govmomi/task"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

func taskError(f vimtypes.BaseMethodFault, msg string) error {
	return task.Error{
		LocalizedMethodFault: &vimtypes.LocalizedMethodFault{
			Fault:            f,
			LocalizedMessage: msg,
		},
	}
}

var _ = Describe("Classify", func() {
	It("passes nil through", func() {
		Expect(errs.Classify(nil)).To(Succeed())
	})

	It("maps ManagedObjectNotFound onto NotFoundError", func() {
		err := errs.Classify(taskError(&vimtypes.ManagedObjectNotFound{
			Obj: vimtypes.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-42"},
		}, "vm-42 is gone"))
		Expect(errs.IsNotFound(err)).To(BeTrue())

		var notFound errs.NotFoundError
		Expect(errors.As(err, &notFound)).To(BeTrue())
		Expect(notFound.Kind).To(Equal("VirtualMachine"))
		Expect(notFound.Name).To(Equal("vm-42"))
	})

	It("maps InvalidProperty onto BadPropertyError", func() {
		err := errs.Classify(taskError(&vimtypes.InvalidProperty{
			Name: "config.hardwareX",
		}, "invalid property"))
		Expect(errs.IsBadProperty(err)).To(BeTrue())
	})

	It("maps TaskInProgress onto TransientError", func() {
		err := errs.Classify(taskError(&vimtypes.TaskInProgress{}, "busy"))
		Expect(errs.IsTransient(err)).To(BeTrue())
	})

	It("maps NotAuthenticated onto TransientError", func() {
		err := errs.Classify(taskError(&vimtypes.NotAuthenticated{}, "session expired"))
		Expect(errs.IsTransient(err)).To(BeTrue())
	})

	It("maps InvalidPowerState onto PowerStateError", func() {
		err := errs.Classify(taskError(&vimtypes.InvalidPowerState{
			RequestedState: vimtypes.VirtualMachinePowerStatePoweredOff,
			ExistingState:  vimtypes.VirtualMachinePowerStatePoweredOn,
		}, "wrong power state"))
		Expect(errs.IsPowerState(err)).To(BeTrue())
	})

	It("treats a deadline expiry as transient", func() {
		Expect(errs.IsTransient(errs.Classify(context.DeadlineExceeded))).To(BeTrue())
	})

	It("returns unknown errors unchanged", func() {
		cause := fmt.Errorf("boom")
		Expect(errs.Classify(cause)).To(MatchError(cause))
	})
})

var _ = Describe("ClassifyTask", func() {
	It("carries the localized message", func() {
		err := errs.ClassifyTask("task-101", taskError(&vimtypes.GenericVmConfigFault{}, "disk is busy"))
		Expect(errs.IsTaskFailed(err)).To(BeTrue())

		var failed errs.TaskFailedError
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.TaskMoID).To(Equal("task-101"))
		Expect(failed.Message).To(Equal("disk is busy"))
	})

	It("surfaces the thumbprint of an SSL verify fault", func() {
		err := errs.ClassifyTask("task-102", taskError(&vimtypes.SSLVerifyFault{
			Thumbprint: "AA:BB",
		}, "untrusted certificate"))

		var failed errs.TaskFailedError
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.Thumbprint).To(Equal("AA:BB"))
	})

	It("falls back to Classify for non-task errors", func() {
		Expect(errs.IsTransient(errs.ClassifyTask("", context.DeadlineExceeded))).To(BeTrue())
	})
})

var _ = DescribeTable("predicates see through wrapping",
	func(err error, predicate func(error) bool) {
		Expect(predicate(fmt.Errorf("outer: %w", err))).To(BeTrue())
	},
	Entry("not found", errs.NotFoundError{Name: "x"}, errs.IsNotFound),
	Entry("ambiguous", errs.AmbiguousError{Kind: "VirtualMachine", Name: "x"}, errs.IsAmbiguous),
	Entry("bad input", errs.BadInputError{Message: "x"}, errs.IsBadInput),
	Entry("power state", errs.PowerStateError{}, errs.IsPowerState),
	Entry("hardware downgrade", errs.HardwareDowngradeError{Current: 19, Desired: 13}, errs.IsHardwareDowngrade),
	Entry("question pending", errs.QuestionPendingError{QuestionID: "1"}, errs.IsQuestionPending),
	Entry("timeout", errs.TimeoutError{Wait: "task"}, errs.IsTimeout),
)
