// Package auth verifies caller identity tokens.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. ok is false when the header is missing or malformed.
func BearerToken(r *http.Request) (token string, ok bool) {
	return extractBearerToken(r.Header.Get("Authorization"))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
