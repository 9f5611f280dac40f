// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package task submits server-side tasks and waits for their terminal state,
// answering interactive VM questions along the way.
package task

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/constants"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/metrics"
)

// AnswerTable declares how to unblock interactive questions raised by a VM
// mid-task: question id to message id to choice key. The empty question id
// acts as a catch-all.
type AnswerTable map[string]map[string]string

// Waiter polls one task at a time until terminal. Any number of Waiters may
// run concurrently against the same session.
type Waiter struct {
	vim *vim25.Client

	// PollCap bounds the exponential backoff sleep between polls.
	PollCap time.Duration
	// Timeout bounds the whole wait independently of server progress.
	Timeout time.Duration
	// Answers unblocks VM questions; unanswered questions fail the wait.
	Answers AnswerTable
	// VM, when set, is checked for a pending question before each poll.
	VM *vimtypes.ManagedObjectReference
}

// NewWaiter returns a Waiter with the default poll cap and timeout.
func NewWaiter(vim *vim25.Client) *Waiter {
	return &Waiter{
		vim:     vim,
		PollCap: constants.DefaultPollBackoffCap,
		Timeout: constants.DefaultTaskTimeout,
	}
}

// WithAnswers sets the question answer table and owning VM.
func (w *Waiter) WithAnswers(vm vimtypes.ManagedObjectReference, answers AnswerTable) *Waiter {
	w.VM = &vm
	w.Answers = answers
	return w
}

// Wait polls the task with exponential backoff until it reaches a terminal
// state, the wall clock expires, or the context is cancelled. Cancellation
// requests a server-side cancel and keeps polling, because server
// cancellation is advisory.
func (w *Waiter) Wait(ctx context.Context, taskRef vimtypes.ManagedObjectReference) (*vimtypes.TaskInfo, error) {
	logger := log.FromContextOrDefault(ctx).WithName("task").WithValues("task", taskRef.Value)
	start := time.Now()
	deadline := start.Add(w.Timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = constants.DefaultPollInterval
	bo.MaxInterval = w.PollCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	// After caller cancellation the polls continue on a detached context so
	// the terminal state can still be observed.
	pollCtx := ctx
	cancelRequested := false
	answered := map[string]bool{}

	for {
		if !cancelRequested && ctx.Err() != nil {
			pollCtx = context.WithoutCancel(ctx)
			logger.Info("cancellation requested, signalling server")
			if err := w.cancel(pollCtx, taskRef); err != nil {
				logger.Error(err, "server-side cancel failed")
			}
			cancelRequested = true
		}

		if time.Now().After(deadline) {
			metrics.TaskWaitSeconds.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return nil, errs.TimeoutError{Wait: "task " + taskRef.Value, Elapsed: time.Since(start)}
		}

		if err := w.answerPendingQuestion(pollCtx, answered); err != nil {
			return nil, err
		}

		info, err := w.taskInfo(pollCtx, taskRef)
		if err != nil {
			return nil, err
		}

		switch info.State {
		case vimtypes.TaskInfoStateSuccess:
			metrics.TaskWaitSeconds.WithLabelValues("success").Observe(time.Since(start).Seconds())
			logger.V(4).Info("task succeeded", "elapsed", time.Since(start))
			return info, nil

		case vimtypes.TaskInfoStateError:
			metrics.TaskWaitSeconds.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return info, taskError(taskRef, info)

		default:
			// queued or running
		}

		sleep := bo.NextBackOff()
		if remaining := time.Until(deadline); sleep > remaining {
			sleep = remaining
		}
		select {
		case <-time.After(sleep):
		case <-pollCtx.Done():
			return nil, pollCtx.Err()
		}
	}
}

func (w *Waiter) taskInfo(ctx context.Context, taskRef vimtypes.ManagedObjectReference) (*vimtypes.TaskInfo, error) {
	var t mo.Task
	pc := property.DefaultCollector(w.vim)
	if err := pc.RetrieveOne(ctx, taskRef, []string{"info"}, &t); err != nil {
		return nil, errs.Classify(err)
	}
	return &t.Info, nil
}

func (w *Waiter) cancel(ctx context.Context, taskRef vimtypes.ManagedObjectReference) error {
	t := object.NewTask(w.vim, taskRef)
	return t.Cancel(ctx)
}

func taskError(taskRef vimtypes.ManagedObjectReference, info *vimtypes.TaskInfo) error {
	failed := errs.TaskFailedError{TaskMoID: taskRef.Value, Message: "task failed"}
	if info.Error != nil {
		if info.Error.LocalizedMessage != "" {
			failed.Message = info.Error.LocalizedMessage
		}
		if ssl, ok := info.Error.Fault.(*vimtypes.SSLVerifyFault); ok {
			failed.Thumbprint = ssl.Thumbprint
		}
	}
	return failed
}

// answerPendingQuestion checks the owning VM for runtime.question and submits
// the declared answer. A question with no declared answer fails the wait so
// the task does not hang until timeout.
func (w *Waiter) answerPendingQuestion(ctx context.Context, answered map[string]bool) error {
	if w.VM == nil {
		return nil
	}

	var vm mo.VirtualMachine
	pc := property.DefaultCollector(w.vim)
	if err := pc.RetrieveOne(ctx, *w.VM, []string{"runtime.question"}, &vm); err != nil {
		return errs.Classify(err)
	}
	q := vm.Runtime.Question
	if q == nil || answered[q.Id] {
		return nil
	}

	choice, ok := w.lookupAnswer(q)
	if !ok {
		return errs.QuestionPendingError{QuestionID: q.Id, Text: q.Text}
	}

	logger := log.FromContextOrDefault(ctx).WithName("task")
	logger.Info("answering question", "question", q.Id, "choice", choice)

	vcVM := object.NewVirtualMachine(w.vim, *w.VM)
	if err := vcVM.Answer(ctx, q.Id, choice); err != nil {
		return errs.Classify(err)
	}
	answered[q.Id] = true
	return nil
}

func (w *Waiter) lookupAnswer(q *vimtypes.VirtualMachineQuestionInfo) (string, bool) {
	if len(w.Answers) == 0 {
		return "", false
	}

	tables := []map[string]string{}
	if t, ok := w.Answers[q.Id]; ok {
		tables = append(tables, t)
	}
	if t, ok := w.Answers[""]; ok {
		tables = append(tables, t)
	}

	for _, t := range tables {
		for _, msg := range q.Message {
			declared, ok := t[msg.Id]
			if !ok {
				continue
			}
			// The declared value may be a choice key or its label.
			for _, c := range q.Choice.ChoiceInfo {
				if desc := c.GetElementDescription(); desc != nil {
					if desc.Key == declared || desc.Label == declared {
						return desc.Key, true
					}
				}
			}
		}
	}
	return "", false
}

// Run submits the operation and waits for the resulting task.
func Run(
	ctx context.Context,
	w *Waiter,
	submit func(context.Context) (*object.Task, error)) (*vimtypes.TaskInfo, error) {

	t, err := submit(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	return w.Wait(ctx, t.Reference())
}
