package httpapi

import (
	"net/http"
	"time"

	"skolar.io/internal/auth"
	"skolar.io/internal/session"
	"skolar.io/internal/tenancy"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	TenantID   string `json:"tenant_id,omitempty"`
	Password   string `json:"password,omitempty"`
	OTP        string `json:"otp,omitempty"`
}

type tenantView struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type dependentView struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	TenantID string `json:"tenant_id"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Role      string `json:"role,omitempty"`
	Identity  struct {
		ID       string `json:"id"`
		FullName string `json:"full_name"`
	} `json:"identity"`
	RequiresTenantSelection    bool            `json:"requires_tenant_selection,omitempty"`
	AvailableTenants           []tenantView    `json:"available_tenants,omitempty"`
	RequiresDependentSelection bool            `json:"requires_dependent_selection,omitempty"`
	Dependents                 []dependentView `json:"dependents,omitempty"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds := auth.Credentials{Kind: auth.CredentialPassword, Secret: req.Password}
	if req.Password == "" && req.OTP != "" {
		creds = auth.Credentials{Kind: auth.CredentialOTP, Secret: req.OTP}
	}
	a.authenticate(w, r, req.Identifier, req.TenantID, creds)
}

type otpGenerateRequest struct {
	Identifier string `json:"identifier"`
}

func (a *API) otpGenerate(w http.ResponseWriter, r *http.Request) {
	var req otpGenerateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.auth.GenerateOTP(r.Context(), req.Identifier); err != nil {
		a.fail(w, err)
		return
	}
	// Same body whether or not the identifier exists.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "sent",
	})
}

type otpVerifyRequest struct {
	Identifier string `json:"identifier"`
	TenantID   string `json:"tenant_id,omitempty"`
	Code       string `json:"code"`
}

func (a *API) otpVerify(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.authenticate(w, r, req.Identifier, req.TenantID,
		auth.Credentials{Kind: auth.CredentialOTP, Secret: req.Code})
}

func (a *API) authenticate(w http.ResponseWriter, r *http.Request, identifier, tenantID string, creds auth.Credentials) {
	res, err := a.auth.Authenticate(r.Context(), auth.Request{
		Identifier:  identifier,
		TenantID:    tenantID,
		Credentials: creds,
		IP:          clientIP(r, a.tuning.TrustProxyHeaders),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginView(res))
}

type refreshRequest struct {
	Token string `json:"token"`
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	fresh, expiresAt, err := a.auth.Refresh(r.Context(), req.Token)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      fresh,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	if err := a.auth.RevokeSession(r.Context(), p.Token, "logout"); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func loginView(res *auth.LoginResult) loginResponse {
	out := loginResponse{
		Token:                      res.Token,
		ExpiresAt:                  res.ExpiresAt.UTC().Format(time.RFC3339),
		Role:                       string(res.Role),
		RequiresTenantSelection:    res.RequiresTenantSelection,
		RequiresDependentSelection: res.RequiresDependentSelection,
	}
	out.Identity.ID = res.Identity.ID
	out.Identity.FullName = res.Identity.FullName
	out.AvailableTenants = tenantViews(res.AvailableTenants)
	out.Dependents = dependentViews(res.Dependents)
	return out
}

func tenantViews(ts []tenancy.Tenant) []tenantView {
	if len(ts) == 0 {
		return nil
	}
	out := make([]tenantView, 0, len(ts))
	for _, t := range ts {
		out = append(out, tenantView{ID: t.ID, Code: t.Code, Name: t.Name})
	}
	return out
}

func dependentViews(ds []session.Dependent) []dependentView {
	if len(ds) == 0 {
		return nil
	}
	out := make([]dependentView, 0, len(ds))
	for _, d := range ds {
		out = append(out, dependentView{ID: d.ID, FullName: d.FullName, TenantID: d.TenantID})
	}
	return out
}
