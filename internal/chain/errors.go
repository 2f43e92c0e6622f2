package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrUnsupportedToken  = errors.New("token not accepted by payment contract")
	ErrWalletRejected    = errors.New("transaction rejected by wallet")
	ErrInsufficientFunds = errors.New("insufficient funds for gas or transfer")
	ErrApprovalReverted  = errors.New("approval transaction reverted")
	ErrPurchaseReverted  = errors.New("purchase transaction reverted")
)

// Error wraps transport and node failures that are none of the sentinel
// classes above.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// EIP-1193 user rejected request.
const codeUserRejected = 4001

// classify maps a submission failure onto the error taxonomy. Structured RPC
// codes are checked first; message inspection is the fallback for nodes and
// signers that only return text.
func classify(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == codeUserRejected {
			return ErrWalletRejected
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return ErrWalletRejected
	case strings.Contains(msg, "insufficient funds"):
		return ErrInsufficientFunds
	}
	return &Error{Op: op, Err: err}
}
