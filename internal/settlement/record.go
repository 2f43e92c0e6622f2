// Package settlement sequences the on-chain payment leg and the off-chain
// fulfillment leg into one audited transaction.
package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"chainpay/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ServiceType selects the kind of bill being paid.
type ServiceType string

const (
	ServiceAirtime     ServiceType = "airtime"
	ServiceData        ServiceType = "data"
	ServiceElectricity ServiceType = "electricity"
)

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceAirtime, ServiceData, ServiceElectricity:
		return true
	}
	return false
}

// Status is the overall caller-visible outcome of a payment request.
type Status string

const (
	StatusPending Status = "pending"
	// StatusPaymentFailed: the on-chain leg failed; nothing was charged and
	// no provider call was made. Safe to resubmit.
	StatusPaymentFailed Status = "payment_failed"
	// StatusPaidButUnfulfilled: token was spent but the bill was not
	// delivered. Requires manual reconciliation, never resubmission.
	StatusPaidButUnfulfilled Status = "paid_but_unfulfilled"
	StatusCompleted          Status = "completed"
)

func (s Status) Terminal() bool {
	return s == StatusPaymentFailed || s == StatusPaidButUnfulfilled || s == StatusCompleted
}

// Fulfillment leg states recorded on the settlement record.
const (
	FulfillmentPending = "pending"
	FulfillmentSuccess = "success"
	FulfillmentFailed  = "failed"
	FulfillmentSkipped = "skipped"
)

// PaymentRequest is the immutable caller input. CreatedAt is fixed at first
// submission and feeds the provider idempotency key, so replays of the same
// RequestID are indistinguishable to the provider.
type PaymentRequest struct {
	RequestID    string
	ServiceType  ServiceType
	Recipient    string
	CreditAmount decimal.Decimal
	TokenAddress string
	TokenAmount  *big.Int
	Network      chain.Network
	CreatedAt    time.Time
}

// SettlementRecord is the orchestrator's source of truth for one request.
type SettlementRecord struct {
	RequestID             string
	OnChainState          chain.LegState
	FulfillmentState      string
	OverallStatus         Status
	ApprovalTxHash        string
	PurchaseTxHash        string
	ProviderTransactionID int64
	CustomIdentifier      string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LastError             string
}

// ErrInvalidRequest marks validation failures. They never reach an external
// call.
var ErrInvalidRequest = errors.New("invalid payment request")

var (
	phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)
	meterPattern = regexp.MustCompile(`^\d{10,13}$`)
)

func validateRequest(req PaymentRequest, minCredit decimal.Decimal) error {
	if req.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", ErrInvalidRequest)
	}
	if !req.ServiceType.Valid() {
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidRequest, req.ServiceType)
	}

	switch req.ServiceType {
	case ServiceElectricity:
		if !meterPattern.MatchString(req.Recipient) {
			return fmt.Errorf("%w: %q is not a valid meter number", ErrInvalidRequest, req.Recipient)
		}
	default:
		if !phonePattern.MatchString(req.Recipient) {
			return fmt.Errorf("%w: %q is not a valid phone number", ErrInvalidRequest, req.Recipient)
		}
	}

	if req.CreditAmount.LessThan(minCredit) {
		return fmt.Errorf("%w: credit amount %s below minimum %s", ErrInvalidRequest, req.CreditAmount, minCredit)
	}
	if req.TokenAmount == nil || req.TokenAmount.Sign() <= 0 {
		return fmt.Errorf("%w: token amount must be positive", ErrInvalidRequest)
	}
	if !common.IsHexAddress(req.TokenAddress) {
		return fmt.Errorf("%w: %q is not a valid token address", ErrInvalidRequest, req.TokenAddress)
	}
	if !req.Network.Valid() {
		return fmt.Errorf("%w: unknown network %d", ErrInvalidRequest, req.Network)
	}
	return nil
}
