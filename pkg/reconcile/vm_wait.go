// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"time"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/result"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
)

const (
	ipPollInterval    = 3 * time.Second
	eventPollInterval = 5 * time.Second

	// customizationTimeout bounds the event wait; guest customization that
	// runs longer than this has almost certainly wedged.
	customizationTimeout = 30 * time.Minute
)

// postApplyWaits runs the optional settle phases after all edits applied.
// Failures here mark the result failed but the applied edits stand.
func (r *Reconciler) postApplyWaits(ctx context.Context, ref vimtypes.ManagedObjectReference, desired *spec.VirtualMachine, res *result.Result) {
	if desired.WaitForCustomization {
		if err := r.waitForCustomization(ctx, ref); err != nil {
			res.Fail(err, nil)
			return
		}
	}
	if desired.WaitForIPTimeoutSeconds > 0 && desired.State == spec.StatePoweredOn {
		ip, err := r.waitForGuestIP(ctx, ref, time.Duration(desired.WaitForIPTimeoutSeconds)*time.Second)
		if err != nil {
			res.Fail(err, nil)
			return
		}
		res.SetInstanceField("ipAddress", ip)
	}
}

// waitForGuestIP polls guest.ipAddress until tools report a non-loopback
// address or the timeout expires.
func (r *Reconciler) waitForGuestIP(ctx context.Context, ref vimtypes.ManagedObjectReference, timeout time.Duration) (string, error) {
	logger := log.FromContextOrDefault(ctx).WithName("reconcile")
	start := time.Now()
	deadline := start.Add(timeout)
	pc := property.DefaultCollector(r.client.VimClient())

	for {
		var vm mo.VirtualMachine
		if err := pc.RetrieveOne(ctx, ref, []string{"guest.ipAddress"}, &vm); err != nil {
			return "", errs.Classify(err)
		}
		if vm.Guest != nil {
			if ip := vm.Guest.IpAddress; ip != "" && ip != "127.0.0.1" && ip != "::1" {
				logger.V(4).Info("guest reported address", "ip", ip, "elapsed", time.Since(start))
				return ip, nil
			}
		}
		if time.Now().After(deadline) {
			return "", errs.TimeoutError{Wait: "guest IP address", Elapsed: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(ipPollInterval):
		}
	}
}

// waitForCustomization watches the VM's event stream for the guest
// customization lifecycle: a start event, then success or failure.
func (r *Reconciler) waitForCustomization(ctx context.Context, ref vimtypes.ManagedObjectReference) error {
	logger := log.FromContextOrDefault(ctx).WithName("reconcile")
	start := time.Now()
	deadline := start.Add(customizationTimeout)

	em := r.client.EventManager()
	filter := vimtypes.EventFilterSpec{
		Entity: &vimtypes.EventFilterSpecByEntity{
			Entity:    ref,
			Recursion: vimtypes.EventFilterSpecRecursionOptionSelf,
		},
		EventTypeId: []string{
			"CustomizationStartedEvent",
			"CustomizationSucceeded",
			"CustomizationFailed",
			"CustomizationLinuxIdentityFailed",
			"CustomizationNetworkSetupFailed",
			"CustomizationSysprepFailed",
			"CustomizationUnknownFailure",
		},
		Time: &vimtypes.EventFilterSpecByTime{BeginTime: &start},
	}

	started := false
	for {
		events, err := em.QueryEvents(ctx, filter)
		if err != nil {
			return errs.Classify(err)
		}
		for _, e := range events {
			switch e.(type) {
			case *vimtypes.CustomizationStartedEvent:
				if !started {
					logger.V(4).Info("guest customization started")
					started = true
				}
			case *vimtypes.CustomizationSucceeded:
				logger.V(4).Info("guest customization succeeded", "elapsed", time.Since(start))
				return nil
			case *vimtypes.CustomizationFailed,
				*vimtypes.CustomizationLinuxIdentityFailed,
				*vimtypes.CustomizationNetworkSetupFailed,
				*vimtypes.CustomizationSysprepFailed,
				*vimtypes.CustomizationUnknownFailure:
				msg := e.GetEvent().FullFormattedMessage
				return errs.TaskFailedError{Message: "guest customization failed: " + msg}
			}
		}
		if time.Now().After(deadline) {
			wait := "guest customization completion"
			if !started {
				wait = "guest customization start"
			}
			return errs.TimeoutError{Wait: wait, Elapsed: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(eventPollInterval):
		}
	}
}
