// Package routegroups declares the API route tables. Every endpoint here
// goes through the session guard and a named permission check.
package routegroups

import "net/http"

// Guards bundles the middleware a route group applies to its handlers.
type Guards struct {
	WithSession       func(http.HandlerFunc) http.HandlerFunc
	RequirePermission func(string) func(http.HandlerFunc) http.HandlerFunc
}

// SessionPerm wraps a handler with the session guard and a permission
// requirement, in that order.
func (g Guards) SessionPerm(permission string, h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(g.RequirePermission(permission)(h))
}
