package topup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	identifierPrefix = "ChainPay"
	acceptHeader     = "application/com.reloadly.topups-v1+json"
)

// CustomIdentifier derives the provider idempotency key for a payment
// request. It embeds the request's creation time rather than the wall clock
// at send time, so replays of the same request id always produce the same
// identifier while distinct requests never collide.
func CustomIdentifier(requestID string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d", identifierPrefix, requestID, createdAt.UTC().Unix())
}

// Phone is a provider phone payload.
type Phone struct {
	CountryCode string `json:"countryCode"`
	Number      string `json:"number"`
}

// Order is one top-up to place. CustomIdentifier is the idempotency key: the
// provider treats repeated submissions with the same identifier as one
// logical order.
type Order struct {
	CustomIdentifier string
	OperatorID       int64
	Amount           decimal.Decimal
	RecipientPhone   Phone
}

// Receipt is the provider's view of a delivered order.
type Receipt struct {
	TransactionID    int64           `json:"transactionId"`
	Status           string          `json:"status"`
	DeliveredAmount  decimal.Decimal `json:"deliveredAmount"`
	OperatorID       int64           `json:"operatorId"`
	CustomIdentifier string          `json:"customIdentifier"`
}

// OperatorInfo is the subset of operator metadata used for diagnostics.
type OperatorInfo struct {
	OperatorID int64  `json:"operatorId"`
	Name       string `json:"name"`
	Country    struct {
		ISOName string `json:"isoName"`
	} `json:"country"`
	MinAmount decimal.Decimal `json:"minAmount"`
	MaxAmount decimal.Decimal `json:"maxAmount"`
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type ClientConfig struct {
	TopupURL    string
	SenderPhone Phone
	HTTPTimeout time.Duration
	Retry       RetryConfig
}

// Client places top-up orders against the provider API.
type Client struct {
	cfg    ClientConfig
	auth   *AuthClient
	client *http.Client
	log    *logrus.Entry
}

func NewClient(cfg ClientConfig, auth *AuthClient) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		auth:   auth,
		client: &http.Client{Timeout: timeout},
		log:    logrus.WithField("module", "topup"),
	}
}

// PlaceOrder submits the order, retrying retryable provider errors with
// exponential backoff. Every attempt reuses the identical customIdentifier so
// the provider's idempotency prevents duplicate delivery.
func (c *Client) PlaceOrder(ctx context.Context, order Order) (*Receipt, error) {
	attempts := c.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		receipt, err := c.submit(ctx, order)
		if err == nil {
			return receipt, nil
		}
		if !IsRetryable(err) || i == attempts {
			return nil, err
		}

		c.log.WithFields(logrus.Fields{
			"custom_identifier": order.CustomIdentifier,
			"attempt":           i,
		}).WithError(err).Warn("retrying top-up")

		sleep := backoff
		if c.cfg.Retry.MaxBackoff > 0 && sleep > c.cfg.Retry.MaxBackoff {
			sleep = c.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.cfg.Retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(c.cfg.Retry.BackoffMultiplier)
		}
	}

	return nil, fmt.Errorf("exhausted retries")
}

// classifyAuthFailure folds a failed token exchange into the provider error
// taxonomy. The exchange is side-effect free, so transport failures and auth
// endpoint 5xx are retryable; a 4xx (bad credentials) is terminal.
func classifyAuthFailure(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &ProviderError{
			StatusCode: authErr.StatusCode,
			Message:    authErr.ProviderMessage,
			Retryable:  authErr.StatusCode >= 500,
		}
	}
	return &ProviderError{Message: err.Error(), Retryable: true}
}

func (c *Client) submit(ctx context.Context, order Order) (*Receipt, error) {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return nil, classifyAuthFailure(err)
	}

	payload, err := json.Marshal(struct {
		OperatorID       int64           `json:"operatorId"`
		Amount           decimal.Decimal `json:"amount"`
		UseLocalAmount   bool            `json:"useLocalAmount"`
		CustomIdentifier string          `json:"customIdentifier"`
		RecipientPhone   Phone           `json:"recipientPhone"`
		SenderPhone      Phone           `json:"senderPhone"`
	}{
		OperatorID:       order.OperatorID,
		Amount:           order.Amount,
		UseLocalAmount:   true,
		CustomIdentifier: order.CustomIdentifier,
		RecipientPhone:   order.RecipientPhone,
		SenderPhone:      c.cfg.SenderPhone,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal topup payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TopupURL+"/topups", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build topup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failure: the provider may or may not have seen the
		// order, but the shared customIdentifier makes a retry safe.
		return nil, &ProviderError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    providerMessage(body),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	var receipt Receipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, fmt.Errorf("decode topup response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"custom_identifier": order.CustomIdentifier,
		"transaction_id":    receipt.TransactionID,
		"status":            receipt.Status,
	}).Info("top-up placed")
	return &receipt, nil
}

// Operator fetches operator metadata, mainly as a diagnostics aid.
func (c *Client) Operator(ctx context.Context, operatorID int64) (*OperatorInfo, error) {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return nil, classifyAuthFailure(err)
	}

	url := fmt.Sprintf("%s/operators/%d", c.cfg.TopupURL, operatorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build operator request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    providerMessage(body),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	var info OperatorInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode operator response: %w", err)
	}
	return &info, nil
}
