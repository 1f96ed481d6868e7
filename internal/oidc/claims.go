package oidc

import (
	"fmt"
	"strings"
)

// ClaimRoles returns the roles at a dot-separated claim path such as
// "realm_access.roles", or nil if the claim is missing or not a list.
func ClaimRoles(claims map[string]interface{}, path string) []string {
	value, ok := claimAt(claims, strings.Split(path, "."))
	if !ok {
		return nil
	}
	return stringList(value)
}

// ClientRoles returns the roles Keycloak granted for one client, found under
// resource_access.<clientID>.roles. Client ids may contain dots.
func ClientRoles(claims map[string]interface{}, clientID string) []string {
	value, ok := claimAt(claims, []string{"resource_access", clientID, "roles"})
	if !ok {
		return nil
	}
	return stringList(value)
}

// claimString returns the string claim at a dot-separated path.
func claimString(claims map[string]interface{}, path string) (string, error) {
	value, ok := claimAt(claims, strings.Split(path, "."))
	if !ok {
		return "", fmt.Errorf("claim '%s' not found", path)
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("claim '%s' is not a non-empty string", path)
	}
	return s, nil
}

func claimAt(claims map[string]interface{}, keys []string) (interface{}, bool) {
	var current interface{} = claims
	for _, key := range keys {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// stringList accepts both decoded JSON arrays and []string. Non-string
// elements are dropped.
func stringList(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
