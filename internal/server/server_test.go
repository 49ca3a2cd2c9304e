package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/app"
	"github.com/bobmcallan/coinledger/internal/common"
)

const testSecret = "test-secret"

// newTestServer builds the full stack on an embedded ledger and a fake
// upstream quoting BTC at 50,000 and USD/KRW at 1,400.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/simple/price":
			w.Write([]byte(`{"bitcoin":{"krw":50000},"ethereum":{"krw":4000}}`))
		case "/latest/USD":
			w.Write([]byte(`{"result":"success","rates":{"KRW":1400}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(t.TempDir(), "ledger")
	cfg.PriceFeed.RefreshInterval = "0"
	cfg.Clients.CoinGecko.BaseURL = upstream.URL
	cfg.Clients.FXRate.BaseURL = upstream.URL
	cfg.Auth.JWTSecret = testSecret

	a, err := app.NewAppWithConfig(context.Background(), cfg, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("NewAppWithConfig failed: %v", err)
	}
	t.Cleanup(a.Close)

	return NewServer(a)
}

func do(t *testing.T, s *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rr.Code)
	}
	var health map[string]string
	decode(t, rr, &health)
	if health["status"] != "ok" {
		t.Errorf("expected status ok, got %q", health["status"])
	}

	rr = do(t, s, http.MethodGet, "/api/version", "", "")
	var version map[string]string
	decode(t, rr, &version)
	if version["version"] != common.GetVersion() {
		t.Errorf("expected version %s, got %s", common.GetVersion(), version["version"])
	}

	rr = do(t, s, http.MethodPost, "/api/health", "", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestLedgerRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/portfolio"},
		{http.MethodGet, "/api/portfolio/chart"},
		{http.MethodPost, "/api/trades/buy"},
		{http.MethodPost, "/api/trades/sell"},
		{http.MethodPost, "/api/holdings"},
		{http.MethodGet, "/api/transactions"},
	} {
		rr := do(t, s, tc.method, tc.path, "", `{}`)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "carol"))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var view struct {
		UserID string `json:"user_id"`
	}
	decode(t, rr, &view)
	if view.UserID != "carol" {
		t.Errorf("expected user carol from sub claim, got %q", view.UserID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", "carol"))
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("WWW-Authenticate"), "invalid_token") {
		t.Errorf("expected bearer challenge, got %q", rr.Header().Get("WWW-Authenticate"))
	}
}

func TestBearerTakesPrecedenceOverHeader(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "carol"))
	req.Header.Set(UserIDHeader, "mallory")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var view struct {
		UserID string `json:"user_id"`
	}
	decode(t, rr, &view)
	if view.UserID != "carol" {
		t.Errorf("expected bearer identity carol, got %q", view.UserID)
	}
}

func TestBuyAndSellFlow(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","coin_name":"Bitcoin","amount":"1","price":"50000"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var buy struct {
		Balance      decimal.Decimal `json:"balance"`
		TotalWithFee decimal.Decimal `json:"total_with_fee"`
		Transaction  struct {
			Fee decimal.Decimal `json:"fee"`
		} `json:"transaction"`
	}
	decode(t, rr, &buy)
	if !buy.Balance.Equal(decimal.NewFromInt(99_949_750)) {
		t.Errorf("expected balance 99949750, got %s", buy.Balance)
	}
	if !buy.Transaction.Fee.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected fee 250, got %s", buy.Transaction.Fee)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/sell", "alice", `{"symbol":"btc","amount":1,"price":60000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var sell struct {
		RealizedProfit decimal.Decimal `json:"realized_profit"`
		Holding        *struct{}       `json:"holding"`
	}
	decode(t, rr, &sell)
	// 60000 - 300 fee - 50000 basis
	if !sell.RealizedProfit.Equal(decimal.NewFromInt(9700)) {
		t.Errorf("expected realized profit 9700, got %s", sell.RealizedProfit)
	}
	if sell.Holding != nil {
		t.Error("expected holding to be omitted after full liquidation")
	}

	rr = do(t, s, http.MethodGet, "/api/transactions?page=1&limit=1", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("transactions: expected 200, got %d", rr.Code)
	}
	var page struct {
		Transactions []struct {
			Type string `json:"type"`
		} `json:"transactions"`
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	decode(t, rr, &page)
	if page.Total != 2 || page.Limit != 1 {
		t.Errorf("expected total 2 limit 1, got total %d limit %d", page.Total, page.Limit)
	}
	if len(page.Transactions) != 1 || page.Transactions[0].Type != "sell" {
		t.Errorf("expected newest transaction to be the sell, got %+v", page.Transactions)
	}
}

func TestMarketOrderUsesFeedPrice(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","amount":"2","order_type":"market"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Transaction struct {
			Price    decimal.Decimal `json:"price"`
			CoinName string          `json:"coin_name"`
		} `json:"transaction"`
	}
	decode(t, rr, &res)
	if !res.Transaction.Price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected feed price 50000, got %s", res.Transaction.Price)
	}
	if res.Transaction.CoinName != "Bitcoin" {
		t.Errorf("expected configured coin name Bitcoin, got %q", res.Transaction.CoinName)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"NOPE","amount":"1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown market symbol: expected 400, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","amount":"1","order_type":"stop"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown order type: expected 400, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","amount":"1","order_type":"limit"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("limit without price: expected 400, got %d", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","amount":"10000","price":"50000"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient funds: expected 422, got %d", rr.Code)
	}
	var errResp ErrorResponse
	decode(t, rr, &errResp)
	if errResp.Code != "insufficient_funds" {
		t.Errorf("expected code insufficient_funds, got %q", errResp.Code)
	}
	if errResp.Required == nil || !errResp.Required.Equal(decimal.NewFromInt(502_500_000)) {
		t.Errorf("expected required 502500000, got %v", errResp.Required)
	}
	if errResp.Available == nil || !errResp.Available.Equal(decimal.NewFromInt(100_000_000)) {
		t.Errorf("expected available 100000000, got %v", errResp.Available)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/sell", "alice", `{"symbol":"ETH","amount":"1","price":"1"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("insufficient holdings: expected 422, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","amount":"-1","price":"1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative amount: expected 400, got %d", rr.Code)
	}
	decode(t, rr, &errResp)
	if errResp.Code != "invalid_input" {
		t.Errorf("expected code invalid_input, got %q", errResp.Code)
	}

	rr = do(t, s, http.MethodPost, "/api/trades/buy", "alice", `{"symbol":"BTC","amount":"1","price":"1","leverage":10}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown field: expected 400, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodGet, "/api/transactions?page=abc", "alice", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad page: expected 400, got %d", rr.Code)
	}
}

func TestAddHolding(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/holdings", "alice", `{"symbol":"eth","amount":"2","avg_price":"3500000"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var h struct {
		Symbol        string          `json:"symbol"`
		CoinName      string          `json:"coin_name"`
		TotalInvested decimal.Decimal `json:"total_invested"`
	}
	decode(t, rr, &h)
	if h.Symbol != "ETH" || h.CoinName != "Ethereum" {
		t.Errorf("expected ETH/Ethereum, got %s/%s", h.Symbol, h.CoinName)
	}
	if !h.TotalInvested.Equal(decimal.NewFromInt(7_000_000)) {
		t.Errorf("expected invested 7000000, got %s", h.TotalInvested)
	}

	rr = do(t, s, http.MethodPost, "/api/holdings", "alice", `{"symbol":"ETH","amount":"1","avg_price":"1"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 for an existing holding, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodGet, "/api/portfolio", "alice", "")
	var view struct {
		Balance        decimal.Decimal `json:"balance"`
		DiversityCount int             `json:"diversity_count"`
		TotalValue     decimal.Decimal `json:"total_value"`
	}
	decode(t, rr, &view)
	if !view.Balance.Equal(decimal.NewFromInt(100_000_000)) {
		t.Errorf("manual entry must not touch the balance, got %s", view.Balance)
	}
	if view.DiversityCount != 1 || !view.TotalValue.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("expected one holding worth 8000, got %d worth %s", view.DiversityCount, view.TotalValue)
	}
}

func TestPortfolioChart(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/api/portfolio/chart", "dave", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
	if !strings.HasPrefix(rr.Body.String(), "\x89PNG") {
		t.Error("expected PNG signature")
	}
}

func TestPricesAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/api/prices", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("prices: expected 200, got %d", rr.Code)
	}
	var snap struct {
		Prices map[string]decimal.Decimal `json:"prices"`
		FXRate decimal.Decimal            `json:"fx_rate"`
	}
	decode(t, rr, &snap)
	if !snap.Prices["BTC"].Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected BTC 50000, got %s", snap.Prices["BTC"])
	}
	if !snap.FXRate.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("expected fx 1400, got %s", snap.FXRate)
	}

	do(t, s, http.MethodPost, "/api/trades/buy", "erin", `{"symbol":"BTC","amount":"1","price":"1"}`)

	rr = do(t, s, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"coinledger_trades_total", "coinledger_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestCORSAndCorrelationID(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodOptions, "/api/trades/buy", "", "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), UserIDHeader) {
		t.Error("expected identity header to be allowed")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "req-123" {
		t.Errorf("expected correlation id req-123, got %q", got)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if got := rec.Header().Get("X-Correlation-ID"); len(got) != 8 {
		t.Errorf("expected generated 8-char correlation id, got %q", got)
	}
}
