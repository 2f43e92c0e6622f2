// Package topup talks to the Reloadly-style fulfillment provider: OAuth
// client-credentials auth and top-up order placement.
package topup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// AuthError reports a failed token exchange.
type AuthError struct {
	StatusCode      int
	ProviderMessage string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider auth failed: status=%d message=%q", e.StatusCode, e.ProviderMessage)
}

type AuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	Audience     string
	HTTPTimeout  time.Duration
	// ExpirySlack is subtracted from the provider-reported lifetime so a
	// token is never used right at its expiry edge.
	ExpirySlack time.Duration
}

// AuthClient caches one access token for the process. Concurrent refreshes
// are coalesced into a single exchange; a failed exchange is never cached.
type AuthClient struct {
	cfg    AuthConfig
	client *http.Client
	log    *logrus.Entry
	group  singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewAuthClient(cfg AuthConfig) *AuthClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.ExpirySlack <= 0 {
		cfg.ExpirySlack = time.Minute
	}
	return &AuthClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logrus.WithField("module", "topup-auth"),
		now:    time.Now,
	}
}

// AccessToken returns the cached token or performs a single coalesced
// client-credentials exchange.
func (a *AuthClient) AccessToken(ctx context.Context) (string, error) {
	if token, ok := a.cached(); ok {
		return token, nil
	}

	v, err, _ := a.group.Do("access-token", func() (interface{}, error) {
		if token, ok := a.cached(); ok {
			return token, nil
		}
		return a.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *AuthClient) cached() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" || !a.now().Before(a.expiresAt) {
		return "", false
	}
	return a.token, true
}

func (a *AuthClient) exchange(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"client_id":     a.cfg.ClientID,
		"client_secret": a.cfg.ClientSecret,
		"grant_type":    "client_credentials",
		"audience":      a.cfg.Audience,
	})
	if err != nil {
		return "", fmt.Errorf("marshal auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{StatusCode: resp.StatusCode, ProviderMessage: providerMessage(body)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, ProviderMessage: "empty access token"}
	}

	lifetime := time.Duration(parsed.ExpiresIn) * time.Second
	if lifetime > a.cfg.ExpirySlack {
		lifetime -= a.cfg.ExpirySlack
	}

	a.mu.Lock()
	a.token = parsed.AccessToken
	a.expiresAt = a.now().Add(lifetime)
	a.mu.Unlock()

	a.log.WithField("expires_in_s", parsed.ExpiresIn).Debug("access token refreshed")
	return parsed.AccessToken, nil
}

func providerMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return string(body)
}
