package httpapi

import (
	"errors"
	"net/http"
	"time"

	"skolar.io/internal/session"
	"skolar.io/internal/tenancy"
)

func (a *API) sessionContext(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity_id":   p.Session.IdentityID,
		"role":          string(p.Session.Role),
		"active_tenant": p.Session.ActiveTenant,
		"acting_for":    p.Session.ActingFor,
		"expires_at":    p.Session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

func (a *API) switchTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	var req switchTenantRequest
	if err := decode(r, &req); err != nil || req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	err := a.tenants.SwitchActiveTenant(r.Context(), p.Session.IdentityID, req.TenantID, p.TokenHash)
	if err != nil {
		if errors.Is(err, tenancy.ErrUnauthorized) {
			respondError(w, http.StatusForbidden, "no access to tenant")
			return
		}
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_tenant": req.TenantID,
	})
}

func (a *API) dependents(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	deps, err := a.sessions.Dependents(r.Context(), p.Session.IdentityID, p.Session.ActiveTenant)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dependents": dependentViews(deps),
	})
}

type actingForRequest struct {
	DependentID string `json:"dependent_id"`
}

func (a *API) setActingFor(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	var req actingForRequest
	if err := decode(r, &req); err != nil || req.DependentID == "" {
		respondError(w, http.StatusBadRequest, "dependent_id is required")
		return
	}
	err := a.sessions.SetActingFor(r.Context(), p.TokenHash, p.Session.IdentityID, req.DependentID, p.Session.ActiveTenant)
	if err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			respondError(w, http.StatusForbidden, "no access to dependent")
			return
		}
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acting_for": req.DependentID,
	})
}
