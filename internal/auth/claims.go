package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/palaverhq/palaver/pkg/models"
)

// Claims is the decoded claim set of a verified token. The raw map is kept
// intact for the access resolver, which matches arbitrary claim paths.
type Claims struct {
	Subject  string
	Email    string
	Name     string
	Issuer   string
	Audience []string
	Roles    []string
	Raw      map[string]any

	// RawToken is the verified compact JWT, kept for downstream token
	// exchange where it becomes the subject token.
	RawToken string
}

// roleDenyPrefixes filters synthetic realm roles the issuer attaches to
// every token.
var roleDenyPrefixes = []string{"default-roles-"}

var roleDenyList = map[string]struct{}{
	"offline_access":    {},
	"uma_authorization": {},
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{Raw: map[string]any(m)}
	if sub, _ := m.GetSubject(); sub != "" {
		c.Subject = sub
	}
	if iss, _ := m.GetIssuer(); iss != "" {
		c.Issuer = iss
	}
	if aud, err := m.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if email, ok := m["email"].(string); ok {
		c.Email = email
	}
	if name, ok := m["name"].(string); ok {
		c.Name = name
	}
	c.Roles = extractRealmRoles(m)
	return c
}

// extractRealmRoles pulls realm_access.roles and drops the deny-listed
// synthetic entries.
func extractRealmRoles(m map[string]any) []string {
	realm, ok := m["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := realm["roles"].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		role, ok := r.(string)
		if !ok {
			continue
		}
		if _, denied := roleDenyList[role]; denied {
			continue
		}
		if hasDenyPrefix(role) {
			continue
		}
		roles = append(roles, role)
	}
	return roles
}

func hasDenyPrefix(role string) bool {
	for _, p := range roleDenyPrefixes {
		if strings.HasPrefix(role, p) {
			return true
		}
	}
	return false
}

// User projects the claims into the orchestrator's user model.
func (c *Claims) User() *models.User {
	return &models.User{
		ID:    c.Subject,
		Email: c.Email,
		Name:  c.Name,
		Roles: c.Roles,
	}
}
