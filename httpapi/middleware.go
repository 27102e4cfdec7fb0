package httpapi

import (
	"context"
	"net/http"
)

// Identity headers. An API gateway in front of this service authenticates
// the principal and forwards its claims.
const (
	HeaderOrganization = "X-Organization-ID"
	HeaderUser         = "X-User-ID"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated principal scoping a request.
type Identity struct {
	OrganizationID string
	UserID         string
}

// identity rejects requests without an organization and stashes the
// principal on the context. Tenant isolation builds on this: handlers
// compare every loaded record's organization against it before acting.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(HeaderOrganization)
		if org == "" {
			s.clientError(w, http.StatusUnauthorized, "missing organization identity")
			return
		}
		id := Identity{OrganizationID: org, UserID: r.Header.Get(HeaderUser)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func requestIdentity(r *http.Request) Identity {
	id, _ := r.Context().Value(identityKey).(Identity)
	return id
}
