package app

import (
	"errors"
	"net/http"
	"strings"

	"marlin/internal/chat"
)

// ErrNoUser is returned when a request carries no resolvable identity.
var ErrNoUser = errors.New("no authenticated user")

// UserResolver resolves the authenticated user for a request. Identity
// is owned by the external auth provider; this service only consumes
// the resolved user id.
type UserResolver interface {
	CurrentUser(r *http.Request) (chat.UserID, error)
}

// HeaderResolver trusts a user-id header set by the auth gateway in
// front of this service. This is the deployment default; the service
// must never be exposed without that gateway.
type HeaderResolver struct {
	Header string
}

// NewHeaderResolver builds a resolver on the given header
// (default "X-User-ID").
func NewHeaderResolver(header string) HeaderResolver {
	if header == "" {
		header = "X-User-ID"
	}
	return HeaderResolver{Header: header}
}

func (h HeaderResolver) CurrentUser(r *http.Request) (chat.UserID, error) {
	v := strings.TrimSpace(r.Header.Get(h.Header))
	if v == "" {
		return "", ErrNoUser
	}
	return chat.UserID(v), nil
}
