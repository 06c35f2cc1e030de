// Package access resolves JWT claims to tool-group grants through
// admin-defined policies.
package access

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/palaverhq/palaver/pkg/models"
)

// lookupPath walks dot-notation into the claims object. Numeric segments
// index into arrays ("realm_access.roles.0").
func lookupPath(claims map[string]any, path string) (any, bool) {
	var current any = claims
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// evalMatcher tests one claim matcher against the claims object. A missing
// path matches only notEquals and notIn.
func evalMatcher(claims map[string]any, m models.ClaimMatcher) (bool, error) {
	value, found := lookupPath(claims, m.JSONPath)
	if !found {
		return m.Operator == models.OpNotEquals || m.Operator == models.OpNotIn, nil
	}

	switch m.Operator {
	case models.OpEquals:
		return valueEquals(value, m.Value), nil
	case models.OpNotEquals:
		return !valueEquals(value, m.Value), nil
	case models.OpIn:
		return valueIn(value, m.Value), nil
	case models.OpNotIn:
		return !valueIn(value, m.Value), nil
	case models.OpContains:
		return valueContains(value, m.Value), nil
	case models.OpStartsWith:
		return strings.HasPrefix(asString(value), asString(m.Value)), nil
	case models.OpEndsWith:
		return strings.HasSuffix(asString(value), asString(m.Value)), nil
	case models.OpMatches:
		re, err := regexp.Compile(asString(m.Value))
		if err != nil {
			return false, fmt.Errorf("matcher %s: bad pattern: %w", m.JSONPath, err)
		}
		return re.MatchString(asString(value)), nil
	default:
		return false, fmt.Errorf("matcher %s: unknown operator %q", m.JSONPath, m.Operator)
	}
}

// asString normalizes scalar claim values for string comparison. JSON
// numbers arrive as float64; whole numbers render without the decimal.
func asString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

func valueEquals(a, b any) bool {
	return asString(a) == asString(b)
}

// valueIn tests membership: the claim value (or any element of a claim
// array) against the matcher's expected list.
func valueIn(value, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return valueEquals(value, expected)
	}
	for _, e := range list {
		if valueEquals(value, e) {
			return true
		}
	}
	return false
}

// valueContains: array claim contains the expected element, or string
// claim contains the expected substring.
func valueContains(value, expected any) bool {
	switch v := value.(type) {
	case []any:
		for _, e := range v {
			if valueEquals(e, expected) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(v, asString(expected))
	default:
		return false
	}
}
