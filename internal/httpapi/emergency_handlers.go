package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"skolar.io/internal/emergency"
)

type emergencyRequest struct {
	Reason         string `json:"reason"`
	DisabledUntil  string `json:"disabled_until,omitempty"`
	RevokeSessions bool   `json:"revoke_sessions,omitempty"`
}

func (a *API) disableIdentity(w http.ResponseWriter, r *http.Request) {
	a.emergencyDisable(w, r, emergency.TargetIdentity)
}

func (a *API) disableTenant(w http.ResponseWriter, r *http.Request) {
	a.emergencyDisable(w, r, emergency.TargetTenant)
}

func (a *API) emergencyDisable(w http.ResponseWriter, r *http.Request, targetType string) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	var req emergencyRequest
	if err := decode(r, &req); err != nil || req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}
	opts := emergency.DisableOptions{
		Reason:               req.Reason,
		RevokeActiveSessions: req.RevokeSessions,
	}
	if req.DisabledUntil != "" {
		t, err := time.Parse(time.RFC3339, req.DisabledUntil)
		if err != nil {
			respondError(w, http.StatusBadRequest, "disabled_until must be RFC 3339")
			return
		}
		opts.DisabledUntil = &t
	}
	id := chi.URLParam(r, "id")
	var (
		res *emergency.Result
		err error
	)
	if targetType == emergency.TargetIdentity {
		res, err = a.emergency.DisableIdentity(r.Context(), id, opts, p.Session.IdentityID)
	} else {
		res, err = a.emergency.DisableTenant(r.Context(), id, opts, p.Session.IdentityID)
	}
	if err != nil {
		a.emergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyView(res))
}

type emergencyEnableRequest struct {
	Reason string `json:"reason"`
}

func (a *API) enableIdentity(w http.ResponseWriter, r *http.Request) {
	a.emergencyEnable(w, r, emergency.TargetIdentity)
}

func (a *API) enableTenant(w http.ResponseWriter, r *http.Request) {
	a.emergencyEnable(w, r, emergency.TargetTenant)
}

func (a *API) emergencyEnable(w http.ResponseWriter, r *http.Request, targetType string) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	var req emergencyEnableRequest
	if err := decode(r, &req); err != nil || req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}
	id := chi.URLParam(r, "id")
	var (
		res *emergency.Result
		err error
	)
	if targetType == emergency.TargetIdentity {
		res, err = a.emergency.EnableIdentity(r.Context(), id, req.Reason, p.Session.IdentityID)
	} else {
		res, err = a.emergency.EnableTenant(r.Context(), id, req.Reason, p.Session.IdentityID)
	}
	if err != nil {
		a.emergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyView(res))
}

func (a *API) emergencyStatus(w http.ResponseWriter, r *http.Request) {
	targetType := chi.URLParam(r, "type")
	if targetType != emergency.TargetIdentity && targetType != emergency.TargetTenant {
		respondError(w, http.StatusNotFound, "unknown target type")
		return
	}
	disabled, reason, err := a.emergency.IsDisabled(r.Context(), targetType, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"disabled": disabled,
		"reason":   reason,
	})
}

func (a *API) emergencyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, emergency.ErrSuperAdminProtected):
		respondError(w, http.StatusForbidden, "platform administrators cannot be disabled")
	case errors.Is(err, emergency.ErrAlreadyDisabled):
		respondError(w, http.StatusConflict, "target is already disabled")
	case errors.Is(err, emergency.ErrAlreadyEnabled):
		respondError(w, http.StatusConflict, "target is already enabled")
	case errors.Is(err, emergency.ErrNotFound):
		respondError(w, http.StatusNotFound, "target not found")
	default:
		a.fail(w, err)
	}
}

func emergencyView(res *emergency.Result) map[string]any {
	return map[string]any{
		"action_id":            res.Record.ID,
		"action":               res.Record.Action,
		"target_type":          res.Record.TargetType,
		"target_id":            res.Record.TargetID,
		"affected_memberships": res.DeactivatedMemberships,
		"revoked_sessions":     res.RevokedSessions,
		"recorded_at":          res.Record.CreatedAt.UTC().Format(time.RFC3339),
	}
}
