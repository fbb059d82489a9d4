package sentinel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI exposes runtime controls over HTTP: proxy status, block rule
// management, ACL refresh, and root CA access. It is meant to be served
// on a private listener, never on the proxy port itself.
type AdminAPI struct {
	Server  *Server
	CA      *CAManager
	Blocker *DomainBlocker
	Pool    *BufferPool
	Logger  *slog.Logger

	// Runtime holds rules added through the API. Optional; when nil the
	// rule mutation endpoints return 404.
	Runtime *RuntimeLoader

	// PathPrefix is where the API is mounted, defaults to /api.
	PathPrefix string

	startTime time.Time
}

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Uptime         string      `json:"uptime"`
	ActiveSessions int         `json:"active_sessions"`
	BlockedDomains int         `json:"blocked_domains"`
	CertCacheSize  int         `json:"cert_cache_size"`
	TrustedCerts   int         `json:"trusted_certs"`
	CAExpiresAt    string      `json:"ca_expires_at,omitempty"`
	BypassDomains  int         `json:"bypass_domains"`
	Pool           []TierStats `json:"pool"`
}

// BypassResponse is the response for GET /api/bypass.
type BypassResponse struct {
	Count   int      `json:"count"`
	Domains []string `json:"domains"`
}

// RulesResponse is the response for GET /api/rules.
type RulesResponse struct {
	Count   int      `json:"count"`
	Runtime []string `json:"runtime_rules"`
}

// RuleRequest is the request body for rule mutations.
type RuleRequest struct {
	Domain string `json:"domain"`
}

// MessageResponse is a generic success response.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is a generic error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewAdminAPI creates the admin API around the running proxy's
// collaborators.
func NewAdminAPI(srv *Server, ca *CAManager, blocker *DomainBlocker, pool *BufferPool, logger *slog.Logger) *AdminAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAPI{
		Server:     srv,
		CA:         ca,
		Blocker:    blocker,
		Pool:       pool,
		Logger:     logger,
		PathPrefix: "/api",
		startTime:  time.Now(),
	}
}

// Router builds the chi router with all admin routes. Health and
// metrics handlers are mounted at the root when provided.
func (a *AdminAPI) Router(health *HealthChecker, metrics *Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if health != nil {
		r.Get("/healthz", health.HandleHealthz)
		r.Get("/readyz", health.HandleReadyz)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	prefix := a.PathPrefix
	if prefix == "" {
		prefix = "/api"
	}

	r.Route(prefix, func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/status", a.handleStatus)
		r.Get("/rules", a.handleGetRules)
		r.Post("/rules", a.handleAddRule)
		r.Delete("/rules", a.handleDeleteRule)
		r.Post("/reload", a.handleReload)
		r.Post("/ca/rotate", a.handleRotateCA)
		r.Get("/bypass", a.handleGetBypass)
		r.Post("/bypass", a.handleAddBypass)
		r.Delete("/bypass", a.handleDeleteBypass)
	})

	// The CA certificate is served as PEM for client trust-store
	// installation, outside the JSON prefix.
	r.Get(prefix+"/ca/certificate", a.handleCACert)

	return r
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(a.startTime).Truncate(time.Second).String(),
	}
	if a.Server != nil {
		resp.ActiveSessions = a.Server.ActiveSessions()
	}
	if a.Blocker != nil {
		resp.BlockedDomains = a.Blocker.Count()
	}
	if a.CA != nil {
		resp.CertCacheSize = a.CA.CacheSize()
		resp.TrustedCerts = a.CA.TrustedCertCount()
		if cert := a.CA.CACert(); cert != nil {
			resp.CAExpiresAt = cert.NotAfter.Format(time.RFC3339)
		}
	}
	if a.Server != nil && a.Server.Bypass != nil {
		resp.BypassDomains = a.Server.Bypass.Count()
	}
	if a.Pool != nil {
		resp.Pool = a.Pool.Stats()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleGetBypass(w http.ResponseWriter, _ *http.Request) {
	if a.Server == nil || a.Server.Bypass == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no bypass list configured"})
		return
	}
	writeJSON(w, http.StatusOK, BypassResponse{
		Count:   a.Server.Bypass.Count(),
		Domains: a.Server.Bypass.Domains(),
	})
}

func (a *AdminAPI) handleAddBypass(w http.ResponseWriter, r *http.Request) {
	if a.Server == nil || a.Server.Bypass == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no bypass list configured"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body must be {\"domain\": \"example.com\"}"})
		return
	}

	a.Server.Bypass.Add(req.Domain)
	a.Logger.Info("bypass domain added", "domain", req.Domain)
	writeJSON(w, http.StatusCreated, MessageResponse{Message: "bypass domain added"})
}

func (a *AdminAPI) handleDeleteBypass(w http.ResponseWriter, r *http.Request) {
	if a.Server == nil || a.Server.Bypass == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no bypass list configured"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body must be {\"domain\": \"example.com\"}"})
		return
	}

	if !a.Server.Bypass.Remove(req.Domain) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "domain not found"})
		return
	}

	a.Logger.Info("bypass domain removed", "domain", req.Domain)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "bypass domain removed"})
}

func (a *AdminAPI) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	resp := RulesResponse{}
	if a.Blocker != nil {
		resp.Count = a.Blocker.Count()
	}
	if a.Runtime != nil {
		resp.Runtime = a.Runtime.Domains()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if a.Runtime == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "runtime rules not enabled"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body must be {\"domain\": \"example.com\"}"})
		return
	}

	if !a.Runtime.Add(req.Domain) {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "rule already exists"})
		return
	}

	if err := a.Blocker.Refresh(r.Context()); err != nil {
		a.Logger.Error("rule refresh failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("block rule added", "domain", req.Domain)
	writeJSON(w, http.StatusCreated, MessageResponse{Message: "rule added"})
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if a.Runtime == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "runtime rules not enabled"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body must be {\"domain\": \"example.com\"}"})
		return
	}

	if !a.Runtime.Remove(req.Domain) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	}

	if err := a.Blocker.Refresh(r.Context()); err != nil {
		a.Logger.Error("rule refresh failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("block rule removed", "domain", req.Domain)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Blocker == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no blocker configured"})
		return
	}

	if err := a.Blocker.Refresh(r.Context()); err != nil {
		a.Logger.Error("rule reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("rules reloaded via admin api", "count", a.Blocker.Count())
	writeJSON(w, http.StatusOK, MessageResponse{Message: "rules reloaded"})
}

func (a *AdminAPI) handleRotateCA(w http.ResponseWriter, _ *http.Request) {
	if a.CA == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no CA configured"})
		return
	}

	if err := a.CA.Rotate(); err != nil {
		a.Logger.Error("ca rotation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "ca reloaded, leaf cache flushed"})
}

func (a *AdminAPI) handleCACert(w http.ResponseWriter, _ *http.Request) {
	if a.CA == nil {
		http.Error(w, "no CA configured", http.StatusNotFound)
		return
	}

	pem := a.CA.CACertPEM()
	if len(pem) == 0 {
		http.Error(w, "CA not initialized", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.crt"`)
	_, _ = w.Write(pem)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
