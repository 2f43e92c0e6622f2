// Package chain drives the token-approval and purchase sequence against the
// bill payment contract.
package chain

import (
	"context"
	"math/big"
)

// LegState is the explicit state of one on-chain payment leg.
type LegState string

const (
	StateIdle             LegState = "idle"
	StateApproving        LegState = "approving"
	StateAwaitingApproval LegState = "awaiting_approval"
	StatePurchasing       LegState = "purchasing"
	StateAwaitingPurchase LegState = "awaiting_purchase"
	StateSettled          LegState = "settled"
	StateFailed           LegState = "failed"
)

// Terminal reports whether the leg can make no further transitions.
func (s LegState) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// Network is the carrier enum baked into the contract ABI.
// 0=MTN, 1=Airtel, 2=Glo, 3=Etisalat; the numbering is part of the deployed
// contract and must not change.
type Network uint8

const (
	NetworkMTN Network = iota
	NetworkAirtel
	NetworkGlo
	NetworkEtisalat
)

func (n Network) Valid() bool {
	return n <= NetworkEtisalat
}

func (n Network) String() string {
	switch n {
	case NetworkMTN:
		return "mtn"
	case NetworkAirtel:
		return "airtel"
	case NetworkGlo:
		return "glo"
	case NetworkEtisalat:
		return "etisalat"
	}
	return "unknown"
}

// PaymentParams is the input to one payment leg.
type PaymentParams struct {
	RequestID    string
	Recipient    string
	TokenAddress string
	TokenAmount  *big.Int // smallest token unit
	Network      Network
}

// Leg records the outcome of one approval+purchase sequence.
type Leg struct {
	PaymentRequestID string
	ApprovalTxHash   string
	PurchaseTxHash   string
	State            LegState
	ConfirmedBlock   uint64
}

// StatusUpdate is emitted on every transition. TxHash is set as soon as the
// corresponding transaction is submitted, before confirmation.
type StatusUpdate struct {
	State  LegState
	TxHash string
	Err    error
}

// NotifyFunc receives ordered transitions for one leg.
type NotifyFunc func(StatusUpdate)

// Executor abstracts the on-chain payment leg. Pay blocks until the leg is
// terminal; a non-nil error always corresponds to State == StateFailed.
//
// Cancellation is honoured only before the approval transaction is submitted.
// Once a transaction is on the wire the executor runs to completion so local
// state stays consistent with chain state.
type Executor interface {
	Pay(ctx context.Context, params PaymentParams, notify NotifyFunc) (Leg, error)
}

// HealthChecker is optionally implemented by executors backed by an RPC node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

func emit(notify NotifyFunc, update StatusUpdate) {
	if notify != nil {
		notify(update)
	}
}
