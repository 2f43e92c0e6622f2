package topup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newAuthServer(t *testing.T, calls *int64, status int, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if delay > 0 {
			time.Sleep(delay)
		}

		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode auth payload: %v", err)
		}
		if payload["grant_type"] != "client_credentials" {
			t.Errorf("unexpected grant_type %q", payload["grant_type"])
		}

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"invalid client"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-1",
			"expires_in":   3600,
		})
	}))
}

func TestAccessTokenSingleFlight(t *testing.T) {
	var calls int64
	srv := newAuthServer(t, &calls, http.StatusOK, 50*time.Millisecond)
	defer srv.Close()

	auth := NewAuthClient(AuthConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		AuthURL:      srv.URL,
		Audience:     "aud",
	})

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			token, err := auth.AccessToken(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if token != "tok-1" {
				errs <- errors.New("unexpected token " + token)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("access token: %v", err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly one auth call, got %d", got)
	}
}

func TestAccessTokenCachedUntilExpiry(t *testing.T) {
	var calls int64
	srv := newAuthServer(t, &calls, http.StatusOK, 0)
	defer srv.Close()

	auth := NewAuthClient(AuthConfig{AuthURL: srv.URL})
	clock := time.Now()
	auth.now = func() time.Time { return clock }

	if _, err := auth.AccessToken(context.Background()); err != nil {
		t.Fatalf("first token: %v", err)
	}
	if _, err := auth.AccessToken(context.Background()); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cache hit, got %d calls", calls)
	}

	// Advance past the slack-adjusted expiry.
	clock = clock.Add(2 * time.Hour)
	if _, err := auth.AccessToken(context.Background()); err != nil {
		t.Fatalf("refreshed token: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh after expiry, got %d calls", calls)
	}
}

func TestAccessTokenFailureNotCached(t *testing.T) {
	var calls int64
	srv := newAuthServer(t, &calls, http.StatusUnauthorized, 0)
	defer srv.Close()

	auth := NewAuthClient(AuthConfig{AuthURL: srv.URL})

	_, err := auth.AccessToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.ProviderMessage != "invalid client" {
		t.Fatalf("expected provider message, got %q", authErr.ProviderMessage)
	}

	_, _ = auth.AccessToken(context.Background())
	if calls != 2 {
		t.Fatalf("failed exchange must not be cached, got %d calls", calls)
	}
}
