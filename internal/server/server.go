// Package server exposes the settlement orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"chainpay/internal/chain"
	"chainpay/internal/config"
	"chainpay/internal/hmacauth"
	"chainpay/internal/settlement"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.AppConfig
	orch       *settlement.Orchestrator
	store      settlement.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *logrus.Entry

	chainHealthFn func(context.Context) error
	dbHealthFn    func(context.Context) error
}

func NewServer(cfg *config.AppConfig, orch *settlement.Orchestrator, store settlement.Store, executor chain.Executor) *Server {
	s := &Server{
		cfg:   cfg,
		orch:  orch,
		store: store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		log:     logrus.WithField("module", "server"),
	}

	if checker, ok := executor.(chain.HealthChecker); ok {
		s.chainHealthFn = checker.Ping
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/payments", s.handleSubmitPayment)
		})
		r.Get("/payments/{requestID}", s.handleGetPayment)
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.handler())
	})

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type paymentRequestPayload struct {
	RequestID    string `json:"requestId"`
	ServiceType  string `json:"serviceType"`
	Recipient    string `json:"recipient"`
	CreditAmount string `json:"creditAmount"`
	TokenAddress string `json:"tokenAddress"`
	TokenAmount  string `json:"tokenAmount"`
	Network      uint8  `json:"network"`
}

type paymentResponse struct {
	RequestID             string `json:"requestId"`
	OverallStatus         string `json:"overallStatus"`
	OnChainState          string `json:"onChainState"`
	FulfillmentState      string `json:"fulfillmentState"`
	ApprovalTxHash        string `json:"approvalTxHash,omitempty"`
	PurchaseTxHash        string `json:"purchaseTxHash,omitempty"`
	ProviderTransactionID int64  `json:"providerTransactionId,omitempty"`
	CustomIdentifier      string `json:"customIdentifier"`
	LastError             string `json:"lastError,omitempty"`
}

func responseFromRecord(rec *settlement.SettlementRecord) paymentResponse {
	return paymentResponse{
		RequestID:             rec.RequestID,
		OverallStatus:         string(rec.OverallStatus),
		OnChainState:          string(rec.OnChainState),
		FulfillmentState:      rec.FulfillmentState,
		ApprovalTxHash:        rec.ApprovalTxHash,
		PurchaseTxHash:        rec.PurchaseTxHash,
		ProviderTransactionID: rec.ProviderTransactionID,
		CustomIdentifier:      rec.CustomIdentifier,
		LastError:             rec.LastError,
	}
}

func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var payload paymentRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	if payload.RequestID == "" {
		payload.RequestID = uuid.NewString()
	}

	creditAmount, err := decimal.NewFromString(payload.CreditAmount)
	if err != nil {
		http.Error(w, "invalid creditAmount", http.StatusBadRequest)
		return
	}
	tokenAmount, ok := new(big.Int).SetString(payload.TokenAmount, 10)
	if !ok {
		http.Error(w, "invalid tokenAmount", http.StatusBadRequest)
		return
	}

	req := settlement.PaymentRequest{
		RequestID:    payload.RequestID,
		ServiceType:  settlement.ServiceType(payload.ServiceType),
		Recipient:    payload.Recipient,
		CreditAmount: creditAmount,
		TokenAddress: payload.TokenAddress,
		TokenAmount:  tokenAmount,
		Network:      chain.Network(payload.Network),
	}

	// The settlement outlives this HTTP exchange.
	updates, err := s.orch.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		if errors.Is(err, settlement.ErrInvalidRequest) {
			s.metrics.incPayment("rejected")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to submit payment: "+err.Error(), http.StatusInternalServerError)
		return
	}
	go s.observe(updates)

	rec, err := s.store.Get(r.Context(), req.RequestID)
	if err != nil || rec == nil {
		http.Error(w, "failed to load settlement record", http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if rec.OverallStatus.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, responseFromRecord(rec))
}

// observe drains one request's update stream into metrics.
func (s *Server) observe(updates <-chan settlement.StatusUpdate) {
	var last settlement.StatusUpdate
	for u := range updates {
		s.metrics.incTransition(string(u.OnChainState))
		last = u
	}
	if !last.OverallStatus.Terminal() {
		return
	}
	s.metrics.incPayment(string(last.OverallStatus))
	if unreconciled, err := s.store.ListByStatus(context.Background(), settlement.StatusPaidButUnfulfilled); err == nil {
		s.metrics.setUnreconciled(len(unreconciled))
	}
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	rec, err := s.store.Get(r.Context(), requestID)
	if err != nil {
		http.Error(w, "failed to load settlement record", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "unknown request id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, responseFromRecord(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.chainHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.chainHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
