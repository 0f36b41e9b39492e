package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/captcha"
	"tokengate/internal/config"
	"tokengate/internal/hmacauth"
	"tokengate/internal/idempotency"
	"tokengate/internal/ledger"
	"tokengate/internal/settlement"
)

type Server struct {
	cfg          *config.AppConfig
	coord        *settlement.Coordinator
	ledger       *ledger.SaleLedger
	store        idempotency.Store
	apiHMAC      *hmacauth.Verifier
	executorHMAC *hmacauth.Verifier
	httpServer   *http.Server
	metrics      *metricsRegistry
	log          *zap.Logger
	dbHealthFn   func(context.Context) error
	rpcHealthFn  func(context.Context) error
}

func NewServer(cfg *config.AppConfig, coord *settlement.Coordinator, l *ledger.SaleLedger,
	store idempotency.Store, transfer ledger.Transferrer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	apiVerifier := &hmacauth.Verifier{
		Secret:  cfg.Sale.Secrets.APISecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	executorVerifier := &hmacauth.Verifier{
		Secret:          cfg.Sale.Secrets.ExecutorSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Executor-Signature",
		TimestampHeader: "X-Executor-Timestamp",
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:          cfg,
		coord:        coord,
		ledger:       l,
		store:        store,
		apiHMAC:      apiVerifier,
		executorHMAC: executorVerifier,
		metrics:      metrics,
		log:          log,
	}

	// Every settlement passes through here, including ones resolved by the
	// in-process executor rather than the callback endpoint.
	coord.OnSettled = func(st settlement.Settlement) {
		metrics.incSettlement(st.Outcome.String())
		metrics.setDLQDepth(coord.DLQDepth())
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := transfer.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/purchases", s.apiHMAC.Middleware(http.HandlerFunc(s.handlePurchases)))
	mux.Handle("/api/v1/callbacks/verification", s.executorHMAC.Middleware(http.HandlerFunc(s.handleVerificationCallback)))
	mux.Handle("/api/v1/settlements/reclaim", s.apiHMAC.Middleware(http.HandlerFunc(s.handleReclaim)))
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/price", s.handlePrice)
	mux.HandleFunc("/api/v1/launchpad", s.handleLaunchpad)
	mux.HandleFunc("/api/v1/owner", s.handleOwner)
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type purchaseRequest struct {
	Buyer     string `json:"buyer"`
	SessionID string `json:"sessionId"`
	Attached  string `json:"attached"`
}

type purchaseResponse struct {
	IntentID string `json:"intentId"`
	Tokens   string `json:"tokens"`
	Status   string `json:"status"`
}

type verificationCallbackRequest struct {
	IntentID string          `json:"intentId"`
	Result   *captcha.Output `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type settlementResponse struct {
	IntentID string `json:"intentId"`
	Outcome  string `json:"outcome"`
	Message  string `json:"message"`
	Tokens   string `json:"tokens,omitempty"`
	Refunded string `json:"refunded,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	existing, err := s.store.Get(ctx, key)
	if err != nil {
		// Degraded replay protection; the purchase itself still proceeds.
		s.log.Warn("idempotency lookup failed",
			zap.String("key", key), zap.Error(err))
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incPurchase("cached")
		return
	}

	var payload purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	attached, ok := new(big.Int).SetString(strings.TrimSpace(payload.Attached), 10)
	if !ok {
		http.Error(w, "invalid attached amount", http.StatusBadRequest)
		return
	}

	rcpt, err := s.coord.Dispatch(ctx, settlement.PurchaseRequest{
		Buyer:     payload.Buyer,
		SessionID: payload.SessionID,
		Attached:  attached,
	})
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	respBody := purchaseResponse{
		IntentID: rcpt.IntentID,
		Tokens:   rcpt.Tokens.String(),
		Status:   "dispatched",
	}
	b, _ := json.Marshal(respBody)

	record := idempotency.Record{
		StatusCode: http.StatusAccepted,
		Response:   b,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Sale.IdempotencyWindow()),
	}
	_ = s.store.Save(ctx, key, record)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(b)
	s.metrics.incPurchase("dispatched")
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var insufficient *settlement.InsufficientFundsError
	var exhausted *ledger.ErrSupplyExhausted

	switch {
	case errors.As(err, &insufficient):
		s.metrics.incPurchase("rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &exhausted):
		s.metrics.incPurchase("rejected")
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.metrics.incPurchase("failed")
		http.Error(w, "failed to dispatch purchase: "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleVerificationCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	var payload verificationCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.IntentID) == "" {
		http.Error(w, "intentId is required", http.StatusBadRequest)
		return
	}

	delivery := settlement.Delivery{IntentID: payload.IntentID, Result: payload.Result}
	if payload.Error != "" {
		delivery.Err = errors.New(payload.Error)
	}

	settled, err := s.coord.Resolve(ctx, delivery)
	if errors.Is(err, settlement.ErrUnknownIntent) {
		s.metrics.incCallback("unknown")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.metrics.incCallback("failed")
		http.Error(w, "failed to settle: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.metrics.incCallback("settled")
	writeJSON(w, http.StatusOK, toSettlementResponse(settled))
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settled, err := s.coord.Reclaim(r.Context())
	if err != nil {
		http.Error(w, "reclaim failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	out := struct {
		Reclaimed   int                  `json:"reclaimed"`
		Settlements []settlementResponse `json:"settlements"`
	}{Reclaimed: len(settled), Settlements: make([]settlementResponse, 0, len(settled))}

	for _, st := range settled {
		out.Settlements = append(out.Settlements, toSettlementResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func toSettlementResponse(st settlement.Settlement) settlementResponse {
	resp := settlementResponse{
		IntentID: st.IntentID,
		Outcome:  st.Outcome.String(),
		Message:  st.Message,
		TxHash:   st.TxHash,
	}
	if st.Tokens != nil {
		resp.Tokens = st.Tokens.String()
	}
	if st.Refunded != nil {
		resp.Refunded = st.Refunded.String()
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sold, supply := s.ledger.Stats()
	writeJSON(w, http.StatusOK, struct {
		TokensSold  string `json:"tokensSold"`
		TotalSupply string `json:"totalSupply"`
	}{sold.String(), supply.String()})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		TokensPerUnit int64  `json:"tokensPerUnit"`
		UnitPrice     string `json:"unitPrice"`
		Description   string `json:"description"`
	}{
		TokensPerUnit: s.cfg.Sale.TokensPerUnit,
		UnitPrice:     s.cfg.Sale.UnitPrice,
		Description: fmt.Sprintf("%d tokens per %s base units",
			s.cfg.Sale.TokensPerUnit, s.cfg.Sale.UnitPrice),
	})
}

func (s *Server) handleLaunchpad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		LaunchpadURL string `json:"launchpadUrl"`
	}{s.ledger.LaunchpadURL()})
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Owner string `json:"owner"`
	}{s.ledger.Owner()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
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

	dlqDepth := s.coord.DLQDepth()
	s.metrics.setDLQDepth(dlqDepth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		DLQDepth int         `json:"dlq_depth"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		DLQDepth: dlqDepth,
	}

	if !overallHealthy {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
