// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package result shapes reconcile outcomes for callers: what changed, the
// before and after views, and classified failure context.
package result

import (
	"encoding/json"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// Diff is the before/after view of one reconcile pass. Keys are
// snake_cased property names.
type Diff struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// Result is the outcome of one reconcile pass over one entity.
type Result struct {
	Changed bool `json:"changed"`
	Failed  bool `json:"failed,omitempty"`

	Msg string `json:"msg,omitempty"`

	// Instance is the entity's observed state after the pass.
	Instance map[string]any `json:"instance,omitempty"`

	// Changes lists the edits applied (or planned, in check mode).
	Changes []string `json:"changes,omitempty"`

	Warnings []string `json:"warnings,omitempty"`

	Diff *Diff `json:"diff,omitempty"`

	// Error context, populated on failure.
	ErrorKind  string `json:"error_kind,omitempty"`
	FailedEdit string `json:"failed_edit,omitempty"`
	TargetMoID string `json:"target_moid,omitempty"`
}

// New returns a Result seeded from a change set.
func New(cs diff.ChangeSet) *Result {
	return &Result{
		Changed: !cs.Empty(),
		Changes: cs.Summaries(),
	}
}

// SetInstance attaches the observed entity state with snake_cased keys.
func (r *Result) SetInstance(properties map[string]any) {
	r.Instance = util.SnakeCaseKeys(properties)
}

// SetInstanceField adds or overwrites one instance property.
func (r *Result) SetInstanceField(key string, value any) {
	if r.Instance == nil {
		r.Instance = map[string]any{}
	}
	r.Instance[util.SnakeCase(key)] = value
}

// SetDiff attaches the before/after views with snake_cased keys.
func (r *Result) SetDiff(before, after map[string]any) {
	if len(before) == 0 && len(after) == 0 {
		return
	}
	r.Diff = &Diff{
		Before: util.SnakeCaseKeys(before),
		After:  util.SnakeCaseKeys(after),
	}
}

// Fail records the error with classification context. The edit that failed
// and the target it ran against travel with the message so callers can
// tell partial progress from total failure.
func (r *Result) Fail(err error, edit *diff.Edit) {
	r.Failed = true
	r.Msg = err.Error()
	r.ErrorKind = errorKind(err)
	if edit != nil {
		r.FailedEdit = edit.String()
		if edit.Target.Value != "" {
			r.TargetMoID = edit.Target.Value
		}
	}
}

// BeforeAfter derives the before/after views from a change set: each edit
// contributes the fields it changes.
func BeforeAfter(cs diff.ChangeSet, observed map[string]any) (before, after map[string]any) {
	if cs.Empty() {
		return nil, nil
	}
	before = map[string]any{}
	after = map[string]any{}

	for _, e := range cs {
		key := string(e.Op)
		if e.Name != "" {
			key = key + "." + e.Name
		}
		if prev, ok := observed[e.Name]; ok && e.Name != "" {
			before[key] = prev
		}
		after[key] = editValue(e)
	}
	return before, after
}

func editValue(e diff.Edit) any {
	switch e.Op {
	case diff.OpPowerTransition:
		return string(e.DesiredPowerState)
	case diff.OpSetOption:
		return payloadValue(e.Payload)
	case diff.OpRename, diff.OpRelocate, diff.OpUpgradeHardware:
		return e.Name
	default:
		return payloadValue(e.Payload)
	}
}

// payloadValue renders a server spec payload as a plain value for
// reporting; opaque specs fall back to their type-tagged JSON form.
func payloadValue(payload any) any {
	switch p := payload.(type) {
	case nil:
		return true
	case string, bool, int, int32, int64, float64:
		return p
	case *vimtypes.OptionValue:
		return p.Value
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "(spec)"
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "(spec)"
	}
	return util.SnakeCaseKeys(m)
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errs.IsNotFound(err):
		return "not_found"
	case errs.IsAmbiguous(err):
		return "ambiguous"
	case errs.IsBadInput(err):
		return "bad_input"
	case errs.IsBadProperty(err):
		return "bad_property"
	case errs.IsPowerState(err):
		return "power_state"
	case errs.IsHardwareDowngrade(err):
		return "hardware_downgrade"
	case errs.IsQuestionPending(err):
		return "question_pending"
	case errs.IsTaskFailed(err):
		return "task_failed"
	case errs.IsTimeout(err):
		return "timeout"
	case errs.IsTransient(err):
		return "transient"
	default:
		return "fatal"
	}
}
