package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"skolar.io/internal/auth"
	"skolar.io/internal/emergency"
	"skolar.io/internal/obs"
	"skolar.io/internal/session"
	"skolar.io/internal/tenancy"
	"skolar.io/internal/token"
)

// ReadyProbe checks readiness (DB reachable).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Tuning holds transport-level limits. TrustProxyHeaders must be set only
// when a trusted reverse proxy sits in front; it controls whether
// X-Forwarded-For is believed for client addressing.
type Tuning struct {
	MaxBodyBytes      int64
	IPRatePerSecond   int
	IPRateBurst       int
	TrustProxyHeaders bool
}

func (t *Tuning) fill() {
	if t.MaxBodyBytes <= 0 {
		t.MaxBodyBytes = 1 << 20
	}
	if t.IPRatePerSecond <= 0 {
		t.IPRatePerSecond = 20
	}
	if t.IPRateBurst <= 0 {
		t.IPRateBurst = 40
	}
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	auth       *auth.Service
	tokens     *token.Service
	sessions   *session.Service
	tenants    *tenancy.Service
	emergency  *emergency.Service
	readyProbe ReadyProbe
	log        zerolog.Logger
	version    string
	tuning     Tuning
	limiter    *ipLimiter
}

func New(
	authSvc *auth.Service,
	tokens *token.Service,
	sessions *session.Service,
	tenants *tenancy.Service,
	emergencySvc *emergency.Service,
	rp ReadyProbe,
	log zerolog.Logger,
	version string,
	tuning Tuning,
) *API {
	tuning.fill()
	a := &API{
		router:     chi.NewRouter(),
		auth:       authSvc,
		tokens:     tokens,
		sessions:   sessions,
		tenants:    tenants,
		emergency:  emergencySvc,
		readyProbe: rp,
		log:        log,
		version:    version,
		tuning:     tuning,
		limiter:    newIPLimiter(tuning.IPRatePerSecond, tuning.IPRateBurst),
	}
	a.routes()
	return a
}

// Close stops background work owned by the HTTP layer.
func (a *API) Close() {
	a.limiter.Close()
}

func (a *API) routes() {
	r := a.router
	r.Use(middleware.RequestID)
	if a.tuning.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(a.logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(maxBodyBytes(a.tuning.MaxBodyBytes))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Use(a.limiter.middleware(a.tuning.TrustProxyHeaders))
		r.Post("/login", a.login)
		r.Post("/otp/generate", a.otpGenerate)
		r.Post("/otp/verify", a.otpVerify)
		r.Post("/refresh", a.refresh)
		r.With(a.withSession).Post("/logout", a.logout)
	})

	r.Route("/v1/session", func(r chi.Router) {
		r.Use(a.withSession)
		r.Get("/", a.sessionContext)
		r.Post("/tenant", a.switchTenant)
		r.Get("/dependents", a.dependents)
		r.Post("/acting-for", a.setActingFor)
	})

	r.Route("/v1/emergency", func(r chi.Router) {
		r.Use(a.withSession)
		r.Use(a.requireRole(tenancy.RolePlatformAdmin))
		r.Post("/identities/{id}/disable", a.disableIdentity)
		r.Post("/identities/{id}/enable", a.enableIdentity)
		r.Post("/tenants/{id}/disable", a.disableTenant)
		r.Post("/tenants/{id}/enable", a.enableTenant)
		r.Get("/{type}/{id}", a.emergencyStatus)
	})
}

// Handler wraps the router with metrics instrumentation.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "skolar-auth",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{"message": msg},
	})
}

// writeAuthError maps a tagged authentication failure to a status code and
// its collapsed public message. The internal kind still goes on the wire as
// a machine code only for non-enumeration-sensitive failures.
func writeAuthError(w http.ResponseWriter, err *auth.Error) {
	code := http.StatusUnauthorized
	body := map[string]any{"message": err.Public()}
	switch err.Kind {
	case auth.KindRateLimited, auth.KindBlocked, auth.KindSuspicious:
		code = http.StatusTooManyRequests
		body["code"] = string(err.Kind)
		if !err.RetryAt.IsZero() {
			body["retry_at"] = err.RetryAt.UTC().Format(time.RFC3339)
			w.Header().Set("Retry-After", err.RetryAt.UTC().Format(http.TimeFormat))
		}
	case auth.KindTokenExpired, auth.KindTokenInvalid, auth.KindTokenRevoked, auth.KindSessionError:
		body["code"] = string(err.Kind)
	case auth.KindSystemError:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]any{"error": body})
}

func (a *API) fail(w http.ResponseWriter, err error) {
	var ae *auth.Error
	if errors.As(err, &ae) {
		writeAuthError(w, ae)
		return
	}
	a.log.Error().Err(err).Msg("request failed")
	respondError(w, http.StatusInternalServerError, "internal error")
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
