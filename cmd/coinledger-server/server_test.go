package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobmcallan/coinledger/internal/app"
	"github.com/bobmcallan/coinledger/internal/server"
)

// testServer creates an httptest.Server with the full coinledger-server handler.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	configPath := writeTestConfig(t)
	a, err := app.NewApp(t.Context(), configPath)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	t.Cleanup(a.Close)

	srv := server.NewServer(a)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// writeTestConfig points the embedded ledger at a temp dir and disables the
// background refresh so no upstream is contacted.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.ToSlash(filepath.Join(dir, "ledger"))
	content := `
[storage]
backend = "badger"

[storage.badger]
path = "` + ledgerPath + `"

[pricefeed]
refresh_interval = "0"

[logging]
level = "error"
`
	path := filepath.Join(dir, "coinledger.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// TestHealthEndpoint verifies GET /api/health returns 200 with {"status":"ok"}.
func TestHealthEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status=ok, got %q", body["status"])
	}
}

// TestPortfolioRequiresIdentity verifies ledger routes reject anonymous callers.
func TestPortfolioRequiresIdentity(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/portfolio")
	if err != nil {
		t.Fatalf("GET /api/portfolio failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

// TestBuyEndpoint verifies a limit buy settles against the starting balance.
func TestBuyEndpoint(t *testing.T) {
	ts := testServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/trades/buy",
		strings.NewReader(`{"symbol":"BTC","amount":"0.5","price":"100000"}`))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.UserIDHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/trades/buy failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var body struct {
		Balance string `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	// 100,000,000 - 50,000 - 250 fee
	if body.Balance != "99949750" {
		t.Errorf("Expected balance 99949750, got %s", body.Balance)
	}
}
