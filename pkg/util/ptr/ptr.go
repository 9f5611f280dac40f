// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package ptr

// To returns a pointer to t.
func To[T any](t T) *T {
	return &t
}

// Deref returns the value referenced by t if not nil, otherwise the empty
// value for T is returned.
func Deref[T any](t *T) T {
	var empT T
	return DerefWithDefault(t, empT)
}

// DerefWithDefault returns the value referenced by t if not nil, otherwise
// defaulT is returned.
func DerefWithDefault[T any](t *T, defaulT T) T {
	if t != nil {
		return *t
	}
	return defaulT
}

// Equal returns true if both arguments are nil or both arguments dereference
// to the same value.
func Equal[T comparable](a, b *T) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

// Overwrite sets dst to src when src is non-nil.
func Overwrite[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}
