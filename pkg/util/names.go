// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"net/url"
	"strings"
	"unicode"
)

// QuoteName encodes the characters vCenter escapes in inventory names, so a
// user-facing name compares equal to the percent-encoded form the server
// stores. Percent must be encoded first.
func QuoteName(name string) string {
	name = strings.ReplaceAll(name, "%", "%25")
	name = strings.ReplaceAll(name, "/", "%2f")
	name = strings.ReplaceAll(name, "\\", "%5c")
	return name
}

// UnquoteName decodes a percent-encoded inventory name as reported by the
// server. Invalid escapes are returned verbatim.
func UnquoteName(name string) string {
	unquoted, err := url.QueryUnescape(name)
	if err != nil {
		return name
	}
	return unquoted
}

// NormalizeFolderPath makes a leading slash optional and strips trailing
// slashes, so "/DC1/vm/a/", "DC1/vm/a" and "/DC1/vm/a" address the same
// folder.
func NormalizeFolderPath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimRight(path, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// SnakeCase converts a camelCased property name to snake_case, keeping runs
// of capitals together ("numCPU" -> "num_cpu").
func SnakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || (nextLower && !isSeparator(runes[i-1]))) && !isSeparator(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' || r == '.' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return r == '_' || r == '-' || r == ' ' || r == '.'
}

// SnakeCaseKeys returns a copy of m with every key snake-cased, recursing
// into nested maps.
func SnakeCaseKeys(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = SnakeCaseKeys(nested)
		}
		out[SnakeCase(k)] = v
	}
	return out
}
