package sentinel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAdmin(t *testing.T) (*AdminAPI, http.Handler) {
	t.Helper()

	runtime := NewRuntimeLoader()
	blocker := NewDomainBlocker(NewMultiLoader(NewStaticLoader("blocked.com"), runtime))
	if err := blocker.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ca := newTestCA(t)
	pool := NewBufferPool(4, 2, 1)

	cfg := testConfig()
	srv := NewServer(cfg, ca, blocker, pool, NewMetrics(), NewSessionLogger(discardLogger()))
	srv.Logger = discardLogger()

	api := NewAdminAPI(srv, ca, blocker, pool, discardLogger())
	api.Runtime = runtime

	return api, api.Router(nil, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminStatus(t *testing.T) {
	_, h := newTestAdmin(t)

	rec := doJSON(t, h, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.BlockedDomains != 1 {
		t.Errorf("BlockedDomains = %d, want 1", resp.BlockedDomains)
	}
	if resp.CAExpiresAt == "" {
		t.Error("CAExpiresAt should be set with an initialized CA")
	}
	if len(resp.Pool) != 3 {
		t.Errorf("Pool tiers = %d, want 3", len(resp.Pool))
	}
}

func TestAdminRuleLifecycle(t *testing.T) {
	api, h := newTestAdmin(t)

	rec := doJSON(t, h, http.MethodPost, "/api/rules", `{"domain": "evil.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add rule = %d, want 201: %s", rec.Code, rec.Body)
	}
	if !api.Blocker.IsBlocked("evil.com") {
		t.Error("added rule is not enforced")
	}

	rec = doJSON(t, h, http.MethodPost, "/api/rules", `{"domain": "evil.com"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate add = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/rules", "")
	var rules RulesResponse
	if err := json.NewDecoder(rec.Body).Decode(&rules); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if rules.Count != 2 {
		t.Errorf("Count = %d, want 2", rules.Count)
	}
	if len(rules.Runtime) != 1 || rules.Runtime[0] != "evil.com" {
		t.Errorf("Runtime = %v, want [evil.com]", rules.Runtime)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/rules", `{"domain": "evil.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete rule = %d, want 200: %s", rec.Code, rec.Body)
	}
	if api.Blocker.IsBlocked("evil.com") {
		t.Error("deleted rule is still enforced")
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/rules", `{"domain": "evil.com"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}

	// Rules sourced outside the runtime loader cannot be deleted here.
	rec = doJSON(t, h, http.MethodDelete, "/api/rules", `{"domain": "blocked.com"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete static rule = %d, want 404", rec.Code)
	}
}

func TestAdminRuleBadRequest(t *testing.T) {
	_, h := newTestAdmin(t)

	for _, body := range []string{"", "{}", "not json"} {
		rec := doJSON(t, h, http.MethodPost, "/api/rules", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("add rule with body %q = %d, want 400", body, rec.Code)
		}
	}
}

func TestAdminRulesDisabled(t *testing.T) {
	api, h := newTestAdmin(t)
	api.Runtime = nil

	rec := doJSON(t, h, http.MethodPost, "/api/rules", `{"domain": "evil.com"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("add rule without runtime loader = %d, want 404", rec.Code)
	}
}

func TestAdminReload(t *testing.T) {
	_, h := newTestAdmin(t)

	rec := doJSON(t, h, http.MethodPost, "/api/reload", "")
	if rec.Code != http.StatusOK {
		t.Errorf("reload = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestAdminRotateCA(t *testing.T) {
	api, h := newTestAdmin(t)

	if _, err := api.CA.IssueCertificate("example.com"); err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}
	if api.CA.CacheSize() != 1 {
		t.Fatalf("CacheSize = %d, want 1", api.CA.CacheSize())
	}

	rec := doJSON(t, h, http.MethodPost, "/api/ca/rotate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate = %d, want 200: %s", rec.Code, rec.Body)
	}
	if api.CA.CacheSize() != 0 {
		t.Errorf("CacheSize after rotate = %d, want 0", api.CA.CacheSize())
	}
}

func TestAdminCACertificate(t *testing.T) {
	_, h := newTestAdmin(t)

	rec := doJSON(t, h, http.MethodGet, "/api/ca/certificate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ca certificate = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-pem-file" {
		t.Errorf("Content-Type = %q, want application/x-pem-file", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "-----BEGIN CERTIFICATE-----") {
		t.Error("response body is not PEM")
	}
}

func TestAdminBypassLifecycle(t *testing.T) {
	api, h := newTestAdmin(t)

	rec := doJSON(t, h, http.MethodPost, "/api/bypass", `{"domain": "pinned.example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add bypass = %d, want 201: %s", rec.Code, rec.Body)
	}
	if !api.Server.Bypass.Contains("pinned.example.com") {
		t.Error("added bypass domain not present")
	}

	rec = doJSON(t, h, http.MethodGet, "/api/bypass", "")
	var resp BypassResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode bypass: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("Count = %d, want 1", resp.Count)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/bypass", `{"domain": "pinned.example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete bypass = %d, want 200: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/bypass", `{"domain": "pinned.example.com"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestAdminHealthRoutes(t *testing.T) {
	api, _ := newTestAdmin(t)

	health := NewHealthChecker()
	health.SetAlive(true)
	health.SetReady(true)

	h := api.Router(health, NewMetrics())

	rec := doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_") {
		t.Error("metrics output missing sentinel namespace")
	}
}
