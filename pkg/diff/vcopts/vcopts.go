// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package vcopts diffs advanced vCenter option settings against the option
// manager's current values.
package vcopts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	vimtypes "github.com/vmware/govmomi/vim25/types"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/diff"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/spec"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util"
)

// Observed is the option manager's current state.
type Observed struct {
	Ref vimtypes.ManagedObjectReference
	// Current is the full setting list from the option manager.
	Current []vimtypes.BaseOptionValue
}

// Diff emits one SetOption edit per desired key whose observed value
// differs after type coercion. Desired values keep the observed value's
// type where one exists: bools accept truthy strings and numbers accept
// numeric strings.
func Diff(desired *spec.VCenterOptions, observed Observed) (diff.ChangeSet, []string, error) {
	if err := desired.Validate(); err != nil {
		return nil, nil, err
	}
	if len(desired.Settings) == 0 {
		return nil, nil, nil
	}

	current := util.OptionValues(observed.Current).Map()

	keys := make([]string, 0, len(desired.Settings))
	for k := range desired.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cs diff.ChangeSet
	for _, key := range keys {
		want := desired.Settings[key]
		got, exists := current[key]

		coerced, err := coerce(key, want, got, exists)
		if err != nil {
			return nil, nil, err
		}
		if exists && equalValues(got, coerced) {
			continue
		}
		cs = append(cs, diff.Edit{
			Op:      diff.OpSetOption,
			Target:  observed.Ref,
			Kind:    "OptionValue",
			Name:    key,
			Payload: &vimtypes.OptionValue{Key: key, Value: coerced},
		})
	}
	return cs, nil, nil
}

// coerce shapes the desired value to the observed value's type so string
// inputs compare against typed server settings.
func coerce(key string, want, got any, exists bool) (any, error) {
	if !exists {
		return normalize(want), nil
	}

	switch got.(type) {
	case bool:
		return toBool(key, want)
	case int32:
		n, err := toInt(key, want)
		return int32(n), err
	case int64:
		return toInt(key, want)
	case string:
		return fmt.Sprintf("%v", normalize(want)), nil
	default:
		return normalize(want), nil
	}
}

// normalize collapses json-decoded numbers to int64 when integral.
func normalize(v any) any {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

func toBool(key string, v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
	}
	return false, fmt.Errorf("option %s: cannot interpret %v as bool", key, v)
}

func toInt(key string, v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("option %s: cannot interpret %v as integer", key, v)
}

func equalValues(got, want any) bool {
	return util.OptionValueAsString(got) == util.OptionValueAsString(want)
}
