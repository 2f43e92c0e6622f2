package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Service.HTTPPort != 3000 {
		t.Fatalf("unexpected default port %d", cfg.Service.HTTPPort)
	}
	if !cfg.Limits.MinCreditAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected minimum credit amount %s", cfg.Limits.MinCreditAmount)
	}
	if cfg.Provider.AuthURL == "" || cfg.Provider.TopupURL == "" {
		t.Fatalf("provider endpoints must default")
	}
	if cfg.Provider.Audience != cfg.Provider.TopupURL {
		t.Fatalf("audience should default to the topup url")
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if len(cfg.Provider.AirtimeOperators) != 4 {
		t.Fatalf("expected an airtime operator per network")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_HTTP_PORT", "8080")
	t.Setenv("MIN_CREDIT_AMOUNT", "75.5")
	t.Setenv("OPERATOR_AIRTIME_MTN", "999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8080 {
		t.Fatalf("port override ignored, got %d", cfg.Service.HTTPPort)
	}
	want, _ := decimal.NewFromString("75.5")
	if !cfg.Limits.MinCreditAmount.Equal(want) {
		t.Fatalf("min credit override ignored, got %s", cfg.Limits.MinCreditAmount)
	}
	if cfg.Provider.AirtimeOperators[0] != 999 {
		t.Fatalf("operator override ignored, got %d", cfg.Provider.AirtimeOperators[0])
	}
}

func TestLoadRejectsBadMinimum(t *testing.T) {
	t.Setenv("MIN_CREDIT_AMOUNT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed minimum amount")
	}
}
