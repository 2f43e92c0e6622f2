package topup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type topupAttempt struct {
	CustomIdentifier string `json:"customIdentifier"`
	OperatorID       int64  `json:"operatorId"`
	UseLocalAmount   bool   `json:"useLocalAmount"`
}

func newProviderServer(t *testing.T, statuses []int, attempts *[]topupAttempt) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/topups", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var attempt topupAttempt
		if err := json.NewDecoder(r.Body).Decode(&attempt); err != nil {
			t.Errorf("decode topup: %v", err)
		}
		*attempts = append(*attempts, attempt)

		status := http.StatusOK
		if len(*attempts) <= len(statuses) {
			status = statuses[len(*attempts)-1]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"unsupported operator"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"transactionId":    123,
			"status":           "SUCCESSFUL",
			"deliveredAmount":  100,
			"customIdentifier": attempt.CustomIdentifier,
		})
	})
	return httptest.NewServer(mux)
}

func newTestClient(srv *httptest.Server, attempts int) *Client {
	auth := NewAuthClient(AuthConfig{AuthURL: srv.URL + "/oauth/token"})
	return NewClient(ClientConfig{
		TopupURL:    srv.URL,
		SenderPhone: Phone{CountryCode: "CA", Number: "11231231231"},
		Retry: RetryConfig{
			MaxAttempts:       attempts,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}, auth)
}

func TestPlaceOrderSuccess(t *testing.T) {
	var attempts []topupAttempt
	srv := newProviderServer(t, nil, &attempts)
	defer srv.Close()

	client := newTestClient(srv, 3)
	receipt, err := client.PlaceOrder(context.Background(), Order{
		CustomIdentifier: "ChainPay-req-1-1700000000",
		OperatorID:       341,
		Amount:           decimal.NewFromInt(100),
		RecipientPhone:   Phone{CountryCode: "NG", Number: "2348012345678"},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if receipt.TransactionID != 123 || receipt.Status != "SUCCESSFUL" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(attempts))
	}
	if !attempts[0].UseLocalAmount {
		t.Fatalf("useLocalAmount must be set")
	}
}

func TestPlaceOrderRetriesRetryableWithSameIdentifier(t *testing.T) {
	var attempts []topupAttempt
	srv := newProviderServer(t, []int{http.StatusBadGateway, http.StatusServiceUnavailable}, &attempts)
	defer srv.Close()

	client := newTestClient(srv, 3)
	receipt, err := client.PlaceOrder(context.Background(), Order{
		CustomIdentifier: "ChainPay-req-2-1700000000",
		OperatorID:       341,
		Amount:           decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if receipt == nil {
		t.Fatalf("expected receipt after retries")
	}
	if len(attempts) != 3 {
		t.Fatalf("expected three attempts, got %d", len(attempts))
	}
	for _, attempt := range attempts {
		if attempt.CustomIdentifier != "ChainPay-req-2-1700000000" {
			t.Fatalf("retry changed custom identifier: %q", attempt.CustomIdentifier)
		}
	}
}

func TestPlaceOrderTerminalErrorNoRetry(t *testing.T) {
	var attempts []topupAttempt
	srv := newProviderServer(t, []int{http.StatusBadRequest}, &attempts)
	defer srv.Close()

	client := newTestClient(srv, 3)
	_, err := client.PlaceOrder(context.Background(), Order{
		CustomIdentifier: "ChainPay-req-3-1700000000",
		OperatorID:       999,
		Amount:           decimal.NewFromInt(100),
	})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Retryable {
		t.Fatalf("4xx must be terminal")
	}
	if pe.Message != "unsupported operator" {
		t.Fatalf("expected provider message, got %q", pe.Message)
	}
	if len(attempts) != 1 {
		t.Fatalf("terminal error must not retry, got %d attempts", len(attempts))
	}
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	var attempts []topupAttempt
	srv := newProviderServer(t, []int{500, 500, 500}, &attempts)
	defer srv.Close()

	client := newTestClient(srv, 3)
	_, err := client.PlaceOrder(context.Background(), Order{CustomIdentifier: "ChainPay-req-4-1700000000"})
	if !IsRetryable(err) {
		t.Fatalf("expected final retryable error to surface, got %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected retries to stop at max attempts, got %d", len(attempts))
	}
}

func TestPlaceOrderRetriesAuthOutage(t *testing.T) {
	var authCalls, topupCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		if authCalls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"auth upstream outage"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/topups", func(w http.ResponseWriter, r *http.Request) {
		topupCalls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"transactionId": 123, "status": "SUCCESSFUL"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv, 3)
	receipt, err := client.PlaceOrder(context.Background(), Order{
		CustomIdentifier: "ChainPay-req-5-1700000000",
		OperatorID:       341,
		Amount:           decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if receipt.TransactionID != 123 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if authCalls != 2 {
		t.Fatalf("expected a second token exchange after the 5xx, got %d", authCalls)
	}
	if topupCalls != 1 {
		t.Fatalf("expected one top-up call, got %d", topupCalls)
	}
}

func TestPlaceOrderBadCredentialsTerminal(t *testing.T) {
	var authCalls, topupCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid credentials"}`))
	})
	mux.HandleFunc("/topups", func(w http.ResponseWriter, r *http.Request) {
		topupCalls++
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv, 3)
	_, err := client.PlaceOrder(context.Background(), Order{CustomIdentifier: "ChainPay-req-6-1700000000"})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Retryable {
		t.Fatalf("rejected credentials must be terminal")
	}
	if authCalls != 1 {
		t.Fatalf("terminal auth failure must not retry, got %d exchanges", authCalls)
	}
	if topupCalls != 0 {
		t.Fatalf("no top-up may be attempted without a token, got %d", topupCalls)
	}
}

func TestCustomIdentifierStableAndUnique(t *testing.T) {
	createdAt := time.Unix(1700000000, 0)

	first := CustomIdentifier("req-1", createdAt)
	replay := CustomIdentifier("req-1", createdAt)
	if first != replay {
		t.Fatalf("identifier must be stable across replays: %q vs %q", first, replay)
	}

	other := CustomIdentifier("req-2", createdAt)
	if first == other {
		t.Fatalf("identifier must differ across request ids")
	}

	if first != "ChainPay-req-1-1700000000" {
		t.Fatalf("unexpected identifier shape: %q", first)
	}
}
