// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package propcol

import (
	"reflect"
	"strings"
	"time"

	vimtypes "github.com/vmware/govmomi/vim25/types"
)

// ToPlain converts a wire value into a plain value model: primitives stay,
// composite types become map[string]any keyed by lower-camel field names,
// arrays become []any, enums become strings and managed object references
// collapse to their moid.
func ToPlain(v any) any {
	if v == nil {
		return nil
	}

	switch tv := v.(type) {
	case vimtypes.ManagedObjectReference:
		return tv.Value
	case *vimtypes.ManagedObjectReference:
		if tv == nil {
			return nil
		}
		return tv.Value
	case time.Time:
		return tv.Format(time.RFC3339)
	case string, bool,
		int, int8, int16, int32, int64, byte, float32, float64:
		return tv
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return ToPlain(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface()
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = ToPlain(rv.Index(i).Interface())
		}
		return out

	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = ToPlain(iter.Value().Interface())
		}
		return out

	case reflect.Struct:
		return structToPlain(rv)

	case reflect.String:
		// Enum types are string kinds but not the string type.
		return rv.String()
	}

	return v
}

func structToPlain(rv reflect.Value) map[string]any {
	rt := rv.Type()
	out := make(map[string]any)
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Anonymous {
			// Flatten embedded base types into the parent mapping.
			if nested, ok := ToPlain(rv.Field(i).Interface()).(map[string]any); ok {
				for k, v := range nested {
					out[k] = v
				}
			}
			continue
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Pointer && fv.IsNil() {
			continue
		}
		out[lowerFirst(field.Name)] = ToPlain(fv.Interface())
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// SetNested writes v at the dotted path in m, creating intermediate maps.
func SetNested(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		child, ok := m[parts[i]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[parts[i]] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = v
}

// GetNested reads a dotted path out of a nested mapping.
func GetNested(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = mm[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Flatten converts a nested mapping back into dotted-path form. It is the
// inverse of building a nested map with SetNested over leaf values.
func Flatten(nested map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", nested)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flattenInto(out, key, child)
			continue
		}
		out[key] = v
	}
}
