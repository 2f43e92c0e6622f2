package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainpay/internal/chain"
	"chainpay/internal/topup"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// StatusUpdate is one element of the ordered stream a caller observes for a
// payment request. The stream terminates with a terminal OverallStatus.
type StatusUpdate struct {
	RequestID     string
	OnChainState  chain.LegState
	TxHash        string
	OverallStatus Status
	Err           string
}

// Fulfiller is the off-chain leg. *topup.Client satisfies it.
type Fulfiller interface {
	PlaceOrder(ctx context.Context, order topup.Order) (*topup.Receipt, error)
}

// OperatorResolver maps a service/network pair to a provider operator id.
type OperatorResolver func(service ServiceType, network chain.Network) (int64, error)

type Config struct {
	MinCreditAmount  decimal.Decimal
	RecipientCountry string
}

// Orchestrator sequences the on-chain leg then the fulfillment leg and owns
// the settlement record. One goroutine per request; the only shared mutable
// state between requests is the provider token cache inside the fulfiller.
type Orchestrator struct {
	executor  chain.Executor
	fulfiller Fulfiller
	store     Store
	operators OperatorResolver
	cfg       Config
	log       *logrus.Entry

	// watchers holds the update channels of every subscriber to an
	// in-flight request, keyed by request id. Guarded by mu, which also
	// spans the store create so a duplicate submission observes either the
	// in-flight entry or the committed row, never neither.
	mu       sync.Mutex
	watchers map[string][]chan StatusUpdate
}

func New(executor chain.Executor, fulfiller Fulfiller, store Store, operators OperatorResolver, cfg Config) *Orchestrator {
	if cfg.RecipientCountry == "" {
		cfg.RecipientCountry = "NG"
	}
	return &Orchestrator{
		executor:  executor,
		fulfiller: fulfiller,
		store:     store,
		operators: operators,
		cfg:       cfg,
		log:       logrus.WithField("module", "settlement"),
		watchers:  make(map[string][]chan StatusUpdate),
	}
}

// Submit validates the request locally, then runs the two legs on a new
// goroutine. The returned channel yields ordered transitions and closes after
// a terminal status. Resubmitting a known RequestID never re-executes: while
// the original run is still in flight in this process the caller is attached
// to its update stream, otherwise the stored record is replayed as a single
// snapshot.
func (o *Orchestrator) Submit(ctx context.Context, req PaymentRequest) (<-chan StatusUpdate, error) {
	if err := validateRequest(req, o.cfg.MinCreditAmount); err != nil {
		return nil, err
	}
	operatorID, err := o.operators(req.ServiceType, req.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	rec := SettlementRecord{
		RequestID:        req.RequestID,
		OnChainState:     chain.StateIdle,
		FulfillmentState: FulfillmentPending,
		OverallStatus:    StatusPending,
		CustomIdentifier: topup.CustomIdentifier(req.RequestID, req.CreatedAt),
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.CreatedAt,
	}

	// Enough capacity for every transition of one request, so the worker
	// never blocks on an abandoned reader.
	updates := make(chan StatusUpdate, 16)

	o.mu.Lock()
	created, err := o.store.Create(ctx, rec)
	if err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("persist settlement record: %w", err)
	}
	if created {
		o.watchers[req.RequestID] = []chan StatusUpdate{updates}
		o.mu.Unlock()
		go o.run(ctx, req, rec, operatorID)
		return updates, nil
	}
	if chans, inflight := o.watchers[req.RequestID]; inflight {
		o.watchers[req.RequestID] = append(chans, updates)
		o.mu.Unlock()
		o.log.WithField("request_id", req.RequestID).Info("attached duplicate submission to in-flight settlement")
		return updates, nil
	}
	o.mu.Unlock()

	existing, err := o.store.Get(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("load settlement record: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("settlement record for %s vanished after duplicate submit", req.RequestID)
	}

	// Terminal records replay their final state. A non-terminal record with
	// no run in this process belongs to another replica or a crashed one;
	// the snapshot reports its last persisted transition.
	o.log.WithField("request_id", req.RequestID).Info("replaying stored settlement record")
	updates <- updateFromRecord(*existing)
	close(updates)
	return updates, nil
}

// SubmitAndWait blocks until the request is terminal and returns the final
// record.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, req PaymentRequest) (*SettlementRecord, error) {
	updates, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	for range updates {
	}
	return o.store.Get(ctx, req.RequestID)
}

// Record returns the stored record for a request id, nil if unknown.
func (o *Orchestrator) Record(ctx context.Context, requestID string) (*SettlementRecord, error) {
	return o.store.Get(ctx, requestID)
}

func (o *Orchestrator) run(ctx context.Context, req PaymentRequest, rec SettlementRecord, operatorID int64) {
	defer o.closeWatchers(req.RequestID)

	log := o.log.WithField("request_id", req.RequestID)

	persist := func() {
		rec.UpdatedAt = time.Now().UTC()
		if err := o.store.Save(ctx, rec); err != nil {
			log.WithError(err).Error("persist settlement transition")
		}
		o.broadcast(rec)
	}

	notify := func(u chain.StatusUpdate) {
		rec.OnChainState = u.State
		switch u.State {
		case chain.StateAwaitingApproval:
			rec.ApprovalTxHash = u.TxHash
		case chain.StateAwaitingPurchase, chain.StateSettled:
			rec.PurchaseTxHash = u.TxHash
		case chain.StateFailed:
			if u.Err != nil {
				rec.LastError = u.Err.Error()
			}
		}
		persist()
	}

	leg, err := o.executor.Pay(ctx, chain.PaymentParams{
		RequestID:    req.RequestID,
		Recipient:    req.Recipient,
		TokenAddress: req.TokenAddress,
		TokenAmount:  req.TokenAmount,
		Network:      req.Network,
	}, notify)

	rec.OnChainState = leg.State
	rec.ApprovalTxHash = leg.ApprovalTxHash
	rec.PurchaseTxHash = leg.PurchaseTxHash

	if err != nil {
		// No provider call was or will be made for this request.
		rec.OverallStatus = StatusPaymentFailed
		rec.FulfillmentState = FulfillmentSkipped
		rec.LastError = err.Error()
		persist()
		log.WithError(err).Warn("on-chain payment failed")
		return
	}

	receipt, err := o.fulfiller.PlaceOrder(ctx, topup.Order{
		CustomIdentifier: rec.CustomIdentifier,
		OperatorID:       operatorID,
		Amount:           req.CreditAmount,
		RecipientPhone:   topup.Phone{CountryCode: o.cfg.RecipientCountry, Number: req.Recipient},
	})
	if err != nil {
		rec.OverallStatus = StatusPaidButUnfulfilled
		rec.FulfillmentState = FulfillmentFailed
		rec.LastError = err.Error()
		persist()
		log.WithError(err).WithFields(logrus.Fields{
			"purchase_tx":       rec.PurchaseTxHash,
			"custom_identifier": rec.CustomIdentifier,
		}).Error("paid but unfulfilled: manual reconciliation required")
		return
	}

	rec.OverallStatus = StatusCompleted
	rec.FulfillmentState = FulfillmentSuccess
	rec.ProviderTransactionID = receipt.TransactionID
	rec.LastError = ""
	persist()
	log.WithFields(logrus.Fields{
		"provider_transaction_id": receipt.TransactionID,
		"purchase_tx":             rec.PurchaseTxHash,
	}).Info("payment completed")
}

// broadcast fans a transition out to every subscriber of the request. The
// send never blocks; channel capacity exceeds the transition count of one
// request, so only a reader sitting on an unread backlog can drop updates,
// and the close still signals termination.
func (o *Orchestrator) broadcast(rec SettlementRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.watchers[rec.RequestID] {
		select {
		case ch <- updateFromRecord(rec):
		default:
		}
	}
}

func (o *Orchestrator) closeWatchers(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.watchers[requestID] {
		close(ch)
	}
	delete(o.watchers, requestID)
}

func updateFromRecord(rec SettlementRecord) StatusUpdate {
	txHash := rec.PurchaseTxHash
	if txHash == "" {
		txHash = rec.ApprovalTxHash
	}
	return StatusUpdate{
		RequestID:     rec.RequestID,
		OnChainState:  rec.OnChainState,
		TxHash:        txHash,
		OverallStatus: rec.OverallStatus,
		Err:           rec.LastError,
	}
}
