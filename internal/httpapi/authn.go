package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"skolar.io/internal/session"
	"skolar.io/internal/tenancy"
	"skolar.io/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Principal is the resolved caller: verified claims plus the live session
// row. A valid token whose session is gone does not authenticate.
type Principal struct {
	Token     string
	TokenHash string
	Claims    *token.Claims
	Session   *session.Context
}

type principalKey struct{}

func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		res, err := a.tokens.Verify(r.Context(), raw)
		if err != nil {
			a.log.Error().Err(err).Msg("token verification")
			respondError(w, http.StatusInternalServerError, "authentication error")
			return
		}
		if !res.Valid() {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": string(res.Code), "message": "session invalid"},
			})
			return
		}
		hash := token.Hash(raw)
		sess, err := a.sessions.Context(r.Context(), hash)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				respondError(w, http.StatusUnauthorized, "session invalid")
				return
			}
			a.log.Error().Err(err).Msg("session lookup")
			respondError(w, http.StatusInternalServerError, "authentication error")
			return
		}
		p := &Principal{Token: raw, TokenHash: hash, Claims: res.Claims, Session: sess}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *API) requireRole(role tenancy.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFrom(r.Context())
			if !ok || p.Session.Role != role {
				respondError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}
