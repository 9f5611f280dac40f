// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	vimtypes "github.com/vmware/govmomi/vim25/types"
)

const maxVlanID = 4094

// ParseVlanRanges parses a trunk range expression such as
// "1-200, 205, 400-4094" into a sorted list of NumericRange values. Ranges
// are validated to 0..4094 but overlaps are left to the server.
func ParseVlanRanges(expr string) ([]vimtypes.NumericRange, error) {
	var ranges []vimtypes.NumericRange
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var start, end int
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			var err error
			if start, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
				return nil, fmt.Errorf("invalid vlan range %q: %w", part, err)
			}
			if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("invalid vlan range %q: %w", part, err)
			}
		} else {
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid vlan id %q: %w", part, err)
			}
			start, end = id, id
		}
		if start > end {
			return nil, fmt.Errorf("invalid vlan range %q: start exceeds end", part)
		}
		if start < 0 || end > maxVlanID {
			return nil, fmt.Errorf("vlan range %q outside 0..%d", part, maxVlanID)
		}
		ranges = append(ranges, vimtypes.NumericRange{Start: int32(start), End: int32(end)})
	}

	slices.SortFunc(ranges, func(a, b vimtypes.NumericRange) int {
		if a.Start != b.Start {
			return int(a.Start - b.Start)
		}
		return int(a.End - b.End)
	})
	return ranges, nil
}
