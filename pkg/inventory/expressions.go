// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
)

// exprEnv copies the property tree into an expression environment. The copy
// keeps compose assignments from leaking into already-built environments.
func exprEnv(props map[string]any) map[string]any {
	env := make(map[string]any, len(props))
	for k, v := range props {
		env[k] = v
	}
	return env
}

func evalExpr(src string, env map[string]any) (any, error) {
	out, err := expr.Eval(src, env)
	if err != nil {
		return nil, errs.BadInputError{
			Field:   src,
			Message: err.Error(),
		}
	}
	return out, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// evalFilters reports whether every filter expression holds. Unknown
// identifiers count as a miss, not an error.
func evalFilters(filters []string, env map[string]any) (bool, error) {
	for _, f := range filters {
		out, err := expr.Eval(f, env)
		if err != nil {
			return false, nil
		}
		if !truthy(out) {
			return false, nil
		}
	}
	return true, nil
}

// evalHostname resolves the first hostname expression producing a non-empty
// string. Without compose rules the guest IP address backs the expressions
// up; with them, a record that resolves no hostname is an input error.
func evalHostname(cfg *config.InventoryConfig, env map[string]any, flat map[string]any, moid string) (string, error) {
	for _, h := range cfg.Hostnames {
		out, err := expr.Eval(h, env)
		if err != nil {
			continue
		}
		if s, ok := out.(string); ok && s != "" {
			return s, nil
		}
	}
	if len(cfg.Compose) == 0 {
		if ip, ok := flat["guest.ipAddress"].(string); ok && ip != "" {
			return ip, nil
		}
	}
	return "", errFatalHostname(moid)
}

// evalCompose sets each composed variable into the property tree. A failed
// expression is an input error; compose is how operators add data, so
// silence would hide typos.
func evalCompose(compose map[string]string, env map[string]any, props map[string]any) error {
	for name, src := range compose {
		out, err := evalExpr(src, env)
		if err != nil {
			return fmt.Errorf("compose %s: %w", name, err)
		}
		props[name] = out
	}
	return nil
}

// evalGroups assigns conditional and keyed groups.
func evalGroups(cfg *config.InventoryConfig, env map[string]any) ([]string, error) {
	var groups []string

	for name, src := range cfg.Groups {
		out, err := expr.Eval(src, env)
		if err != nil {
			continue
		}
		if truthy(out) {
			groups = append(groups, name)
		}
	}

	for _, kg := range cfg.KeyedGroups {
		out, err := expr.Eval(kg.Key, env)
		if err != nil || !truthy(out) {
			if kg.DefaultValue == "" {
				continue
			}
			out = kg.DefaultValue
		}
		sep := "_"
		if kg.Separator != nil {
			sep = *kg.Separator
		}
		for _, value := range keyedValues(out) {
			name := value
			if kg.Prefix != "" {
				name = kg.Prefix + sep + value
			}
			groups = append(groups, name)
		}
	}
	return groups, nil
}

// keyedValues renders a keyed-group key result into group name fragments; a
// list fans out into one group per element.
func keyedValues(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, el := range t {
			out = append(out, keyedValues(el)...)
		}
		return out
	case []string:
		return t
	}
	return []string{fmt.Sprint(v)}
}
