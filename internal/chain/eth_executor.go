package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"chainpay/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// EthExecutor submits the approval and purchase transactions from a custodial
// key and waits for inclusion.
type EthExecutor struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	contractAddr common.Address
	erc20ABI     abi.ABI
	chainID        *big.Int
	transacts      *bind.TransactOpts
	confirmPoll    time.Duration
	confirmTimeout time.Duration
	log            *logrus.Entry
}

type EthExecutorConfig struct {
	RPCURL              string
	PrivateKeyHex       string
	ContractAddress     string
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
}

func NewEthExecutor(ctx context.Context, cfg EthExecutorConfig) (*EthExecutor, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("bill payment contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting payments")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	billABI, err := abi.JSON(strings.NewReader(contracts.BillPaymentABI))
	if err != nil {
		return nil, fmt.Errorf("parse bill payment abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	poll := cfg.ConfirmPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 3 * time.Minute
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthExecutor{
		client:         cli,
		contract:       bind.NewBoundContract(address, billABI, cli, cli, cli),
		contractAddr:   address,
		erc20ABI:       erc20ABI,
		chainID:        chainID,
		transacts:      txOpts,
		confirmPoll:    poll,
		confirmTimeout: confirmTimeout,
		log:            logrus.WithField("module", "chain"),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (e *EthExecutor) Pay(ctx context.Context, params PaymentParams, notify NotifyFunc) (Leg, error) {
	leg := Leg{PaymentRequestID: params.RequestID, State: StateIdle}

	fail := func(err error) (Leg, error) {
		leg.State = StateFailed
		emit(notify, StatusUpdate{State: StateFailed, Err: err})
		return leg, err
	}

	if params.TokenAmount == nil || params.TokenAmount.Sign() <= 0 {
		return fail(fmt.Errorf("token amount must be positive"))
	}
	if !common.IsHexAddress(params.TokenAddress) {
		return fail(fmt.Errorf("invalid token address %q", params.TokenAddress))
	}
	tokenAddr := common.HexToAddress(params.TokenAddress)

	accepted, err := e.tokenAccepted(ctx, tokenAddr)
	if err != nil {
		return fail(&Error{Op: "acceptedTokens", Err: err})
	}
	if !accepted {
		// Rejected locally, no transaction submitted.
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedToken, params.TokenAddress))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	leg.State = StateApproving
	emit(notify, StatusUpdate{State: StateApproving})

	token := bind.NewBoundContract(tokenAddr, e.erc20ABI, e.client, e.client, e.client)
	opts := *e.transacts
	opts.Context = ctx

	approveTx, err := token.Transact(&opts, "approve", e.contractAddr, params.TokenAmount)
	if err != nil {
		return fail(classify("approve", err))
	}
	leg.ApprovalTxHash = approveTx.Hash().Hex()

	// The approval is on the wire; from here on the caller's cancel is
	// advisory and the leg runs to completion.
	detached := context.WithoutCancel(ctx)

	leg.State = StateAwaitingApproval
	emit(notify, StatusUpdate{State: StateAwaitingApproval, TxHash: leg.ApprovalTxHash})
	e.log.WithFields(logrus.Fields{"request_id": params.RequestID, "tx": leg.ApprovalTxHash}).Info("approval submitted")

	approveReceipt, err := e.waitForReceipt(detached, approveTx)
	if err != nil {
		return fail(&Error{Op: "approval confirmation", Err: err})
	}
	if approveReceipt.Status != types.ReceiptStatusSuccessful {
		return fail(fmt.Errorf("%w: tx %s", ErrApprovalReverted, leg.ApprovalTxHash))
	}

	allowance, err := e.allowance(detached, token)
	if err != nil {
		return fail(&Error{Op: "allowance", Err: err})
	}
	if allowance.Cmp(params.TokenAmount) < 0 {
		return fail(fmt.Errorf("%w: allowance %s below amount %s", ErrApprovalReverted, allowance, params.TokenAmount))
	}

	leg.State = StatePurchasing
	emit(notify, StatusUpdate{State: StatePurchasing})

	opts.Context = detached
	purchaseTx, err := e.contract.Transact(&opts, "buyAirtime",
		params.Recipient, params.TokenAmount, uint8(params.Network), tokenAddr)
	if err != nil {
		return fail(classify("buyAirtime", err))
	}
	leg.PurchaseTxHash = purchaseTx.Hash().Hex()

	leg.State = StateAwaitingPurchase
	emit(notify, StatusUpdate{State: StateAwaitingPurchase, TxHash: leg.PurchaseTxHash})
	e.log.WithFields(logrus.Fields{"request_id": params.RequestID, "tx": leg.PurchaseTxHash}).Info("purchase submitted")

	purchaseReceipt, err := e.waitForReceipt(detached, purchaseTx)
	if err != nil {
		return fail(&Error{Op: "purchase confirmation", Err: err})
	}
	if purchaseReceipt.Status != types.ReceiptStatusSuccessful {
		return fail(fmt.Errorf("%w: tx %s", ErrPurchaseReverted, leg.PurchaseTxHash))
	}

	leg.ConfirmedBlock = purchaseReceipt.BlockNumber.Uint64()
	leg.State = StateSettled
	emit(notify, StatusUpdate{State: StateSettled, TxHash: leg.PurchaseTxHash})
	e.log.WithFields(logrus.Fields{
		"request_id": params.RequestID,
		"tx":         leg.PurchaseTxHash,
		"block":      leg.ConfirmedBlock,
	}).Info("payment settled on chain")

	return leg, nil
}

func (e *EthExecutor) tokenAccepted(ctx context.Context, token common.Address) (bool, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "acceptedTokens", token); err != nil {
		return false, err
	}
	if len(out) == 0 {
		return false, fmt.Errorf("acceptedTokens returned no value")
	}
	accepted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("acceptedTokens returned unexpected type %T", out[0])
	}
	return accepted, nil
}

func (e *EthExecutor) allowance(ctx context.Context, token *bind.BoundContract) (*big.Int, error) {
	var out []interface{}
	if err := token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", e.transacts.From, e.contractAddr); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("allowance returned no value")
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance returned unexpected type %T", out[0])
	}
	return allowance, nil
}

// waitForReceipt polls until the transaction is mined, the confirmation
// timeout elapses, or the context is cancelled.
func (e *EthExecutor) waitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.confirmPoll)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *EthExecutor) Ping(ctx context.Context) error {
	if e.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := e.client.BlockNumber(ctx)
	return err
}
