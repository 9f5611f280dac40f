// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package task_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vmware/govmomi/object"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/task"
	"github.com/vmware-tanzu/vsphere-fleet/test/builder"
)

var _ = Describe("Waiter", func() {
	var (
		ctx    *builder.TestContextForVCSim
		waiter *task.Waiter
		vm     *object.VirtualMachine
	)

	BeforeEach(func() {
		ctx = builder.NewTestContextForVCSim(builder.VCSimTestConfig{
			Datacenter: "DC0",
		})
		waiter = task.NewWaiter(ctx.VimClient)
		waiter.PollCap = 10 * time.Millisecond

		var err error
		vm, err = ctx.Finder.VirtualMachine(ctx, "DC0_H0_VM0")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		ctx.AfterEach()
		ctx = nil
	})

	It("returns the task info of a successful task", func() {
		info, err := task.Run(ctx, waiter, func(c context.Context) (*object.Task, error) {
			return vm.PowerOff(c)
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(info).ToNot(BeNil())
		Expect(info.State).To(Equal(vimtypes.TaskInfoStateSuccess))

		state, err := vm.PowerState(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(vimtypes.VirtualMachinePowerStatePoweredOff))
	})

	It("translates a failed task into a task error", func() {
		_, err := task.Run(ctx, waiter, func(c context.Context) (*object.Task, error) {
			return vm.PowerOff(c)
		})
		Expect(err).ToNot(HaveOccurred())

		// Powering off again fails with InvalidPowerState.
		info, err := task.Run(ctx, waiter, func(c context.Context) (*object.Task, error) {
			return vm.PowerOff(c)
		})
		Expect(err).To(HaveOccurred())
		Expect(errs.IsTaskFailed(err)).To(BeTrue())
		Expect(info).ToNot(BeNil())
		Expect(info.State).To(Equal(vimtypes.TaskInfoStateError))
	})

	It("bounds the wait by the wall clock", func() {
		waiter.Timeout = -time.Millisecond
		_, err := waiter.Wait(ctx, vimtypes.ManagedObjectReference{Type: "Task", Value: "task-0"})
		Expect(err).To(HaveOccurred())
		Expect(errs.IsTimeout(err)).To(BeTrue())
	})

	It("still observes the terminal state after caller cancellation", func() {
		t, err := vm.PowerOff(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Wait(ctx)).To(Succeed())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		info, err := waiter.Wait(cancelled, t.Reference())
		Expect(err).ToNot(HaveOccurred())
		Expect(info).ToNot(BeNil())
		Expect(info.State).To(Equal(vimtypes.TaskInfoStateSuccess))
	})

	It("classifies a submit failure without waiting", func() {
		boom := errors.New("submit failed")
		_, err := task.Run(ctx, waiter, func(context.Context) (*object.Task, error) {
			return nil, boom
		})
		Expect(err).To(MatchError(boom))
	})
})
