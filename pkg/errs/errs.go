// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package errs

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError indicates the target managed object does not exist. It is
// recoverable: a reconciler may choose to create the object.
type NotFoundError struct {
	Kind string
	Name string
}

func (e NotFoundError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s not found", e.Name)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// IsNotFound returns true if the error or a nested error is a NotFoundError.
func IsNotFound(err error) bool {
	var notFound NotFoundError
	return errors.As(err, &notFound)
}

// AmbiguousError indicates a name matched more than one managed object and no
// scope hint could disambiguate. It is fatal for the target.
type AmbiguousError struct {
	Kind       string
	Name       string
	Candidates []string
}

func (e AmbiguousError) Error() string {
	return fmt.Sprintf("multiple %s objects named %q: %d candidates, provide a folder to disambiguate",
		e.Kind, e.Name, len(e.Candidates))
}

// IsAmbiguous returns true if the error or a nested error is an AmbiguousError.
func IsAmbiguous(err error) bool {
	var ambiguous AmbiguousError
	return errors.As(err, &ambiguous)
}

// BadInputError indicates the desired spec failed a local invariant before any
// server round trip.
type BadInputError struct {
	Field   string
	Message string
}

func (e BadInputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsBadInput returns true if the error or a nested error is a BadInputError.
func IsBadInput(err error) bool {
	var badInput BadInputError
	return errors.As(err, &badInput)
}

// BadPropertyError indicates the server rejected a property path.
type BadPropertyError struct {
	Property string
}

func (e BadPropertyError) Error() string {
	return fmt.Sprintf("invalid property path %q", e.Property)
}

// IsBadProperty returns true if the error or a nested error is a
// BadPropertyError.
func IsBadProperty(err error) bool {
	var badProperty BadPropertyError
	return errors.As(err, &badProperty)
}

// PowerStateError indicates a change requires a specific power state that the
// VM is not in, and the caller did not request force.
type PowerStateError struct {
	Current  string
	Required string
	Change   string
}

func (e PowerStateError) Error() string {
	return fmt.Sprintf("%s requires power state %s but VM is %s", e.Change, e.Required, e.Current)
}

// IsPowerState returns true if the error or a nested error is a
// PowerStateError.
func IsPowerState(err error) bool {
	var powerState PowerStateError
	return errors.As(err, &powerState)
}

// HardwareDowngradeError indicates a forbidden hardware version decrement.
type HardwareDowngradeError struct {
	Current int32
	Desired int32
}

func (e HardwareDowngradeError) Error() string {
	return fmt.Sprintf("hardware version downgrade from vmx-%02d to vmx-%02d is not supported",
		e.Current, e.Desired)
}

// IsHardwareDowngrade returns true if the error or a nested error is a
// HardwareDowngradeError.
func IsHardwareDowngrade(err error) bool {
	var downgrade HardwareDowngradeError
	return errors.As(err, &downgrade)
}

// QuestionPendingError indicates a VM is blocked on an interactive question
// with no declared answer. It is fatal for the blocked task.
type QuestionPendingError struct {
	QuestionID string
	Text       string
}

func (e QuestionPendingError) Error() string {
	return fmt.Sprintf("VM blocked on question %s with no declared answer: %s", e.QuestionID, e.Text)
}

// IsQuestionPending returns true if the error or a nested error is a
// QuestionPendingError.
func IsQuestionPending(err error) bool {
	var pending QuestionPendingError
	return errors.As(err, &pending)
}

// TransientError indicates a failure the caller may retry, such as a reset
// connection, an expired session or a task-in-progress fault.
type TransientError struct {
	Cause error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Cause)
}

func (e TransientError) Unwrap() error { return e.Cause }

// IsTransient returns true if the error or a nested error is a TransientError.
func IsTransient(err error) bool {
	var transient TransientError
	return errors.As(err, &transient)
}

// TaskFailedError carries the terminal error state of a server task.
type TaskFailedError struct {
	TaskMoID   string
	Message    string
	Thumbprint string
}

func (e TaskFailedError) Error() string {
	if e.Thumbprint != "" {
		return fmt.Sprintf("task %s failed: %s (thumbprint %s)", e.TaskMoID, e.Message, e.Thumbprint)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskMoID, e.Message)
}

// IsTaskFailed returns true if the error or a nested error is a
// TaskFailedError.
func IsTaskFailed(err error) bool {
	var failed TaskFailedError
	return errors.As(err, &failed)
}

// TimeoutError indicates a wall-clock expiry on a wait. The server task may
// still be running.
type TimeoutError struct {
	Wait    string
	Elapsed time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.Wait, e.Elapsed)
}

// IsTimeout returns true if the error or a nested error is a TimeoutError.
func IsTimeout(err error) bool {
	var timeout TimeoutError
	return errors.As(err, &timeout)
}
