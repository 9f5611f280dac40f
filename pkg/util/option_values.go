// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"slices"

	vimtypes "github.com/vmware/govmomi/vim25/types"
)

// OptionValues simplifies manipulation of properties that are arrays of
// vimtypes.BaseOptionValue, such as ExtraConfig and vCenter settings.
type OptionValues []vimtypes.BaseOptionValue

// OptionValuesFromMap returns a new OptionValues object from the provided map.
func OptionValuesFromMap[T any](in map[string]T) OptionValues {
	if len(in) == 0 {
		return nil
	}
	var (
		i   int
		out = make(OptionValues, len(in))
	)
	for k, v := range in {
		out[i] = &vimtypes.OptionValue{Key: k, Value: v}
		i++
	}
	slices.SortFunc(out, func(a, b vimtypes.BaseOptionValue) int {
		av, bv := a.GetOptionValue(), b.GetOptionValue()
		switch {
		case av.Key < bv.Key:
			return -1
		case av.Key > bv.Key:
			return 1
		}
		return 0
	})
	return out
}

// Get returns the value if it exists. The second return value indicates
// whether the key exists, since nil may be an actual value.
func (ov OptionValues) Get(key string) (any, bool) {
	for i := range ov {
		if optVal := ov[i].GetOptionValue(); optVal != nil && optVal.Key == key {
			return optVal.Value, true
		}
	}
	return nil, false
}

// GetString returns the value for key rendered as a string.
func (ov OptionValues) GetString(key string) (string, bool) {
	v, ok := ov.Get(key)
	if !ok {
		return "", false
	}
	return OptionValueAsString(v), true
}

// Diff returns the elements from the provided list that do not already exist
// or have different values.
func (ov OptionValues) Diff(in ...vimtypes.BaseOptionValue) OptionValues {
	var out OptionValues
	for i := range in {
		rightOptVal := in[i].GetOptionValue()
		if rightOptVal == nil {
			continue
		}
		if leftVal, ok := ov.Get(rightOptVal.Key); !ok || leftVal != rightOptVal.Value {
			out = append(out, &vimtypes.OptionValue{Key: rightOptVal.Key, Value: rightOptVal.Value})
		}
	}
	return out
}

// Map returns the list as a plain map.
func (ov OptionValues) Map() map[string]any {
	if len(ov) == 0 {
		return nil
	}
	out := make(map[string]any, len(ov))
	for i := range ov {
		if optVal := ov[i].GetOptionValue(); optVal != nil {
			out[optVal.Key] = optVal.Value
		}
	}
	return out
}

// OptionValueAsString renders an option value the way vCenter would echo it
// back, so string-typed desired values compare against typed observed ones.
func OptionValueAsString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case bool:
		if tv {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", tv)
	}
}
