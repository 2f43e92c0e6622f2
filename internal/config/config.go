package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// AppConfig aggregates everything the service needs at startup.
type AppConfig struct {
	Service  ServiceConfig
	Chain    ChainConfig
	Provider ProviderConfig
	Retry    RetryConfig
	Limits   LimitsConfig
	Postgres PostgresConfig
}

type ServiceConfig struct {
	HTTPPort        int
	HMACSecret      string
	HMACClockSkew   time.Duration
	ShutdownTimeout time.Duration
}

type ChainConfig struct {
	RPCURL              string
	PrivateKey          string
	BillPaymentContract string
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
}

type ProviderConfig struct {
	ClientID          string
	ClientSecret      string
	AuthURL           string
	TopupURL          string
	Audience          string
	HTTPTimeout       time.Duration
	TokenExpirySlack  time.Duration
	SenderCountryCode string
	SenderNumber      string
	RecipientCountry  string

	// Operator ids per (service, network). Overridable individually so a
	// deployment can point at different provider catalogues.
	AirtimeOperators     map[uint8]int64
	DataOperators        map[uint8]int64
	ElectricityOperators map[uint8]int64
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type LimitsConfig struct {
	MinCreditAmount decimal.Decimal
}

type PostgresConfig struct {
	DSN string
}

const (
	defaultAuthURL  = "https://auth.reloadly.com/oauth/token"
	defaultTopupURL = "https://topups-sandbox.reloadly.com"
)

// Load reads configuration from the environment.
func Load() (*AppConfig, error) {
	minCredit, err := decimal.NewFromString(envOr("MIN_CREDIT_AMOUNT", "50"))
	if err != nil {
		return nil, fmt.Errorf("parse MIN_CREDIT_AMOUNT: %w", err)
	}

	topupURL := envOr("RELOADLY_TOPUP_URL", defaultTopupURL)

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:        envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:      envOr("API_HMAC_SECRET", ""),
			HMACClockSkew:   time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			ShutdownTimeout: time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:              envOr("CHAIN_RPC_URL", ""),
			PrivateKey:          envOr("CHAIN_PRIVATE_KEY", ""),
			BillPaymentContract: envOr("BILL_PAYMENT_CONTRACT", ""),
			ConfirmPollInterval: time.Duration(envOrInt("CHAIN_CONFIRM_POLL_MS", 2000)) * time.Millisecond,
			ConfirmTimeout:      time.Duration(envOrInt("CHAIN_CONFIRM_TIMEOUT_SECONDS", 180)) * time.Second,
		},
		Provider: ProviderConfig{
			ClientID:          envOr("RELOADLY_CLIENT_ID", ""),
			ClientSecret:      envOr("RELOADLY_CLIENT_SECRET", ""),
			AuthURL:           envOr("RELOADLY_AUTH_URL", defaultAuthURL),
			TopupURL:          topupURL,
			Audience:          envOr("RELOADLY_AUDIENCE", topupURL),
			HTTPTimeout:       time.Duration(envOrInt("PROVIDER_HTTP_TIMEOUT_MS", 15000)) * time.Millisecond,
			TokenExpirySlack:  time.Duration(envOrInt("PROVIDER_TOKEN_SLACK_SECONDS", 60)) * time.Second,
			SenderCountryCode: envOr("SENDER_COUNTRY_CODE", "CA"),
			SenderNumber:      envOr("SENDER_NUMBER", "11231231231"),
			RecipientCountry:  envOr("RECIPIENT_COUNTRY_CODE", "NG"),
			AirtimeOperators: map[uint8]int64{
				0: envOrInt64("OPERATOR_AIRTIME_MTN", 341),
				1: envOrInt64("OPERATOR_AIRTIME_AIRTEL", 342),
				2: envOrInt64("OPERATOR_AIRTIME_GLO", 344),
				3: envOrInt64("OPERATOR_AIRTIME_ETISALAT", 340),
			},
			DataOperators: map[uint8]int64{
				0: envOrInt64("OPERATOR_DATA_MTN", 345),
				1: envOrInt64("OPERATOR_DATA_AIRTEL", 346),
				2: envOrInt64("OPERATOR_DATA_GLO", 347),
				3: envOrInt64("OPERATOR_DATA_ETISALAT", 348),
			},
			ElectricityOperators: map[uint8]int64{
				0: envOrInt64("OPERATOR_ELECTRICITY", 640),
				1: envOrInt64("OPERATOR_ELECTRICITY", 640),
				2: envOrInt64("OPERATOR_ELECTRICITY", 640),
				3: envOrInt64("OPERATOR_ELECTRICITY", 640),
			},
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", 8000)) * time.Millisecond,
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
		},
		Limits: LimitsConfig{
			MinCreditAmount: minCredit,
		},
		Postgres: PostgresConfig{
			DSN: envOr("POSTGRES_DSN", ""),
		},
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int64
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
