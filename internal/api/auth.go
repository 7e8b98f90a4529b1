package api

import (
	"context"
	"net/http"
	"strings"

	"automation-backend/internal/apperr"
	"automation-backend/internal/config"
	"automation-backend/internal/models"
)

type principalKey struct{}

// keyring maps API keys to the principals they authenticate.
type keyring map[string]models.Principal

func newKeyring(keys []config.APIKey) keyring {
	k := make(keyring, len(keys))
	for _, key := range keys {
		if key.Key == "" {
			continue
		}
		role := key.Role
		if role != models.RoleAdmin {
			role = models.RoleRead
		}
		name := key.Name
		if name == "" {
			name = role
		}
		k[key.Key] = models.Principal{Name: name, Role: role, SSE: key.SSE, QueueAllowlist: key.Queues}
	}
	return k
}

func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

// authenticate resolves the caller's principal. The read role may only use GET routes.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.keys[credential(r)]
		if !ok {
			s.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing or unknown API key", nil))
			return
		}
		if !p.IsAdmin() && r.Method != http.MethodGet {
			s.writeError(w, r, apperr.New(apperr.CodeForbidden, "read keys may only use GET routes", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) models.Principal {
	p, _ := ctx.Value(principalKey{}).(models.Principal)
	return p
}
