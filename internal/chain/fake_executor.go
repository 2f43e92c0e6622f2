package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeExecutor settles every leg instantly with deterministic hashes. Used in
// local development when no chain key is configured.
type FakeExecutor struct{}

func (FakeExecutor) Pay(ctx context.Context, params PaymentParams, notify NotifyFunc) (Leg, error) {
	leg := Leg{PaymentRequestID: params.RequestID, State: StateIdle}

	if params.TokenAmount == nil || params.TokenAmount.Sign() <= 0 {
		leg.State = StateFailed
		err := fmt.Errorf("token amount must be positive")
		emit(notify, StatusUpdate{State: StateFailed, Err: err})
		return leg, err
	}
	if err := ctx.Err(); err != nil {
		leg.State = StateFailed
		emit(notify, StatusUpdate{State: StateFailed, Err: err})
		return leg, err
	}

	leg.ApprovalTxHash = fakeHash(params.RequestID + ":approve")
	leg.PurchaseTxHash = fakeHash(params.RequestID + ":purchase")

	emit(notify, StatusUpdate{State: StateApproving})
	emit(notify, StatusUpdate{State: StateAwaitingApproval, TxHash: leg.ApprovalTxHash})
	emit(notify, StatusUpdate{State: StatePurchasing})
	emit(notify, StatusUpdate{State: StateAwaitingPurchase, TxHash: leg.PurchaseTxHash})

	leg.ConfirmedBlock = 1
	leg.State = StateSettled
	emit(notify, StatusUpdate{State: StateSettled, TxHash: leg.PurchaseTxHash})
	return leg, nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
