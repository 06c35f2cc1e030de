package models

import "time"

// MatcherOperator enumerates the comparison operators a claim matcher
// supports.
type MatcherOperator string

const (
	OpEquals     MatcherOperator = "equals"
	OpNotEquals  MatcherOperator = "notEquals"
	OpIn         MatcherOperator = "in"
	OpNotIn      MatcherOperator = "notIn"
	OpContains   MatcherOperator = "contains"
	OpStartsWith MatcherOperator = "startsWith"
	OpEndsWith   MatcherOperator = "endsWith"
	OpMatches    MatcherOperator = "matches"
)

// ClaimMatcher tests one JWT claim against a value. JSONPath is dot
// notation into the claims object with numeric array indexing
// (e.g. "realm_access.roles.0").
type ClaimMatcher struct {
	JSONPath string          `json:"json_path"`
	Operator MatcherOperator `json:"operator"`
	Value    any             `json:"value"`
}

// AccessPolicy maps claim matchers to tool group ids. All matchers in one
// policy must match (AND); every matching active policy contributes its
// groups (union).
type AccessPolicy struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ClaimMatchers   []ClaimMatcher `json:"claim_matchers"`
	AllowedGroupIDs []string       `json:"allowed_group_ids"`
	Priority        int            `json:"priority"`
	Active          bool           `json:"active"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ToolGroup names a set of tools an access policy can grant.
type ToolGroup struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Tools  []string `json:"tools,omitempty"`
	Active bool     `json:"active"`
}
