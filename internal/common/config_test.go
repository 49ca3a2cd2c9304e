package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestConfig_DefaultPort(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port default = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestConfig_PortEnvOverride(t *testing.T) {
	t.Setenv("COINLEDGER_PORT", "9090")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d after env override, want %d", cfg.Server.Port, 9090)
	}
}

func TestConfig_LedgerDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	if !cfg.Ledger.GetStartingBalance().Equal(decimal.NewFromInt(100_000_000)) {
		t.Errorf("starting balance = %s, want 100000000", cfg.Ledger.GetStartingBalance())
	}
	if !cfg.Ledger.GetFeeRate().Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("fee rate = %s, want 0.005", cfg.Ledger.GetFeeRate())
	}
	if cfg.Ledger.Currency != "KRW" {
		t.Errorf("currency = %q, want KRW", cfg.Ledger.Currency)
	}
}

func TestConfig_FeeRateInvalidFallsBack(t *testing.T) {
	for _, raw := range []string{"", "abc", "-0.1", "1", "2.5"} {
		c := LedgerConfig{FeeRate: raw}
		if !c.GetFeeRate().Equal(decimal.RequireFromString("0.005")) {
			t.Errorf("fee rate %q = %s, want default", raw, c.GetFeeRate())
		}
	}
	c := LedgerConfig{FeeRate: "0"}
	if !c.GetFeeRate().IsZero() {
		t.Errorf("fee rate 0 should be honoured, got %s", c.GetFeeRate())
	}
}

func TestPriceFeedConfig_Durations(t *testing.T) {
	c := PriceFeedConfig{}
	if c.GetPriceTTL() != 60*time.Second {
		t.Errorf("price ttl default = %v", c.GetPriceTTL())
	}
	if c.GetFXTTL() != 10*time.Minute {
		t.Errorf("fx ttl default = %v", c.GetFXTTL())
	}
	if c.GetRefreshInterval() != 0 {
		t.Errorf("refresh interval default = %v, want disabled", c.GetRefreshInterval())
	}

	c = PriceFeedConfig{PriceTTL: "5s", FXTTL: "1h", RefreshInterval: "15s"}
	if c.GetPriceTTL() != 5*time.Second || c.GetFXTTL() != time.Hour || c.GetRefreshInterval() != 15*time.Second {
		t.Errorf("configured durations not honoured: %v %v %v", c.GetPriceTTL(), c.GetFXTTL(), c.GetRefreshInterval())
	}
}

func TestPriceFeedConfig_FallbackPrices(t *testing.T) {
	c := PriceFeedConfig{Coins: []CoinConfig{
		{Symbol: "btc", ID: "bitcoin", Fallback: "50000"},
		{Symbol: "ETH", ID: "ethereum", Fallback: "bad"},
		{Symbol: "XRP", ID: "ripple"},
	}}

	got := c.GetFallbackPrices()
	if len(got) != 1 {
		t.Fatalf("expected 1 fallback price, got %d: %v", len(got), got)
	}
	if !got["BTC"].Equal(decimal.NewFromInt(50000)) {
		t.Errorf("BTC fallback = %s", got["BTC"])
	}
	if ids := c.CoinIDs(); ids["BTC"] != "bitcoin" {
		t.Errorf("CoinIDs[BTC] = %q", ids["BTC"])
	}
	if syms := c.Symbols(); len(syms) != 3 || syms[0] != "BTC" {
		t.Errorf("Symbols = %v", syms)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coinledger.toml")
	content := `
[server]
port = 7070

[storage]
backend = "Postgres"

[ledger]
currency = "usd"
fee_rate = "0.001"

[[pricefeed.coins]]
symbol = "BTC"
id = "bitcoin"
name = "Bitcoin"
fallback = "60000"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COINLEDGER_PORT", "7171")

	cfg, err := LoadConfig(path, filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 7171 {
		t.Errorf("env should win over file: port = %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Ledger.Currency != "USD" {
		t.Errorf("currency = %q, want USD", cfg.Ledger.Currency)
	}
	if len(cfg.PriceFeed.Coins) != 1 {
		t.Errorf("file coins should replace the defaults, got %d", len(cfg.PriceFeed.Coins))
	}
	if cfg.PriceFeed.CoinName("btc") != "Bitcoin" {
		t.Errorf("coins = %+v", cfg.PriceFeed.Coins)
	}
	if got := cfg.PriceFeed.GetFallbackPrices()["BTC"]; !got.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("BTC fallback = %s, want 60000", got)
	}
}

func TestLoadConfig_CoinsKeptWhenFileOmitsThem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coinledger.toml")
	if err := os.WriteFile(path, []byte("[pricefeed]\nprice_ttl = \"30s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got, want := len(cfg.PriceFeed.Coins), len(NewDefaultConfig().PriceFeed.Coins); got != want {
		t.Errorf("coins = %d, want the %d defaults", got, want)
	}
	if cfg.PriceFeed.GetPriceTTL() != 30*time.Second {
		t.Errorf("price ttl = %s, want 30s", cfg.PriceFeed.GetPriceTTL())
	}
}

func TestLoadConfig_UnknownBackend(t *testing.T) {
	t.Setenv("COINLEDGER_STORAGE_BACKEND", "mongodb")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[server\nport="), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_RedisAddressEnablesCache(t *testing.T) {
	t.Setenv("COINLEDGER_REDIS_ADDRESS", "redis:6379")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if !cfg.Redis.Enabled || cfg.Redis.Address != "redis:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.IsProduction() {
		t.Error("development should not be production")
	}
	cfg.Environment = " Prod "
	if !cfg.IsProduction() {
		t.Error("prod should be production")
	}
}

func TestLoadConfig_ProductionRejectsDevSecret(t *testing.T) {
	t.Setenv("COINLEDGER_ENV", "production")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for the development JWT secret in production")
	}

	t.Setenv("COINLEDGER_AUTH_JWT_SECRET", "a-real-secret")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("expected production environment")
	}
}
