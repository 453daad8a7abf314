// Package auth provides the authorization collaborator and the short-lived
// tokens that let a browser open a terminal socket.
package auth

import (
	"context"
	"strings"
)

// Allowlist authorizes a fixed set of owners. An empty allowlist admits any
// non-empty owner; session access is still limited to the creator by the
// registry.
type Allowlist struct {
	owners map[string]struct{}
}

// NewAllowlist creates an allowlist from owner names. Blank entries are ignored.
func NewAllowlist(owners ...string) *Allowlist {
	a := &Allowlist{owners: make(map[string]struct{})}
	for _, o := range owners {
		if o = strings.TrimSpace(o); o != "" {
			a.owners[o] = struct{}{}
		}
	}
	return a
}

func (a *Allowlist) allowed(owner string) bool {
	if owner == "" {
		return false
	}
	if len(a.owners) == 0 {
		return true
	}
	_, ok := a.owners[owner]
	return ok
}

// CanCreateSession implements session.Authorizer
func (a *Allowlist) CanCreateSession(_ context.Context, owner string) bool {
	return a.allowed(owner)
}

// CanAccessSession implements session.Authorizer
func (a *Allowlist) CanAccessSession(_ context.Context, owner, _ string) bool {
	return a.allowed(owner)
}
