package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tokengate/internal/captcha"
	"tokengate/internal/config"
	"tokengate/internal/hmacauth"
	"tokengate/internal/idempotency"
	"tokengate/internal/ledger"
	"tokengate/internal/settlement"
)

const (
	testAPISecret      = "api-secret"
	testExecutorSecret = "exec-secret"
)

type testEnv struct {
	srv     *Server
	ledger  *ledger.SaleLedger
	coord   *settlement.Coordinator
	pending *settlement.MemoryStore
}

func newTestEnv(t *testing.T, ttl time.Duration) *testEnv {
	return newTestEnvWithStore(t, ttl, idempotency.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, ttl time.Duration, store idempotency.Store) *testEnv {
	cfg := &config.AppConfig{
		Service: config.ServiceEnv{
			HTTPPort:      0,
			HMACClockSkew: time.Minute,
		},
	}
	cfg.Sale.Owner = "owner.test"
	cfg.Sale.TotalSupply = "1000"
	cfg.Sale.TokensPerUnit = 100
	cfg.Sale.UnitPrice = "1000000"
	cfg.Sale.MinPurchase = "1000000"
	cfg.Sale.ExecutionFee = "100000"
	cfg.Sale.LaunchpadURL = "http://launchpad.test"
	cfg.Sale.Secrets.APISecret = testAPISecret
	cfg.Sale.Secrets.ExecutorSecret = testExecutorSecret
	cfg.Sale.Timeouts.IdempotencyWindowSecs = 60

	amounts, err := cfg.Sale.Amounts()
	require.NoError(t, err)

	l := ledger.NewSaleLedger(cfg.Sale.Owner, amounts.TotalSupply, cfg.Sale.LaunchpadURL)
	pending := settlement.NewMemoryStore()

	coord := settlement.NewCoordinator(settlement.Config{
		MinPurchase:   amounts.MinPurchase,
		ExecutionFee:  amounts.ExecutionFee,
		UnitPrice:     amounts.UnitPrice,
		TokensPerUnit: cfg.Sale.TokensPerUnit,
		SettlementTTL: ttl,
		TransferRetry: settlement.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond},
		DLQPath:       t.TempDir(),
	}, l, pending, nil, ledger.FakeTransferrer{}, zaptest.NewLogger(t))

	srv := NewServer(cfg, coord, l, store, ledger.FakeTransferrer{}, zaptest.NewLogger(t))

	return &testEnv{srv: srv, ledger: l, coord: coord, pending: pending}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func signedRequest(method, target, secret string, body []byte, sigHeader, tsHeader string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(tsHeader, ts)
	req.Header.Set(sigHeader, hmacauth.Sign(secret, ts, body))
	return req
}

func purchaseReq(key string, body []byte) *http.Request {
	req := signedRequest(http.MethodPost, "/api/v1/purchases", testAPISecret, body,
		"X-Request-Signature", "X-Request-Timestamp")
	req.Header.Set("X-Idempotency-Key", key)
	return req
}

func callbackReq(body []byte) *http.Request {
	return signedRequest(http.MethodPost, "/api/v1/callbacks/verification", testExecutorSecret, body,
		"X-Executor-Signature", "X-Executor-Timestamp")
}

func purchaseBody(t *testing.T, attached string) []byte {
	b, err := json.Marshal(purchaseRequest{
		Buyer:     "0xbuyer",
		SessionID: "sess-1",
		Attached:  attached,
	})
	require.NoError(t, err)
	return b
}

func dispatchOverHTTP(t *testing.T, env *testEnv, key string) purchaseResponse {
	t.Helper()
	rec := env.do(purchaseReq(key, purchaseBody(t, "2100000")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp purchaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.IntentID)
	return resp
}

func TestPurchaseDispatchAndIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	body := purchaseBody(t, "2100000")

	rec := env.do(purchaseReq("key-1", body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := rec.Body.Bytes()

	rec2 := env.do(purchaseReq("key-1", body))
	require.Equal(t, http.StatusAccepted, rec2.Code)
	assert.Equal(t, first, rec2.Body.Bytes(), "replay must return the cached response")

	pending, err := env.pending.Expired(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, pending, 1, "one pending settlement despite two requests")
}

type failingIdemStore struct{}

func (failingIdemStore) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, errors.New("store offline")
}

func (failingIdemStore) Save(context.Context, string, idempotency.Record) error {
	return errors.New("store offline")
}

func TestPurchaseProceedsWhenIdempotencyLookupFails(t *testing.T) {
	env := newTestEnvWithStore(t, time.Minute, failingIdemStore{})

	rec := env.do(purchaseReq("key-1", purchaseBody(t, "2100000")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	pending, err := env.pending.Expired(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPurchaseRejectsBelowMinimum(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	rec := env.do(purchaseReq("key-1", purchaseBody(t, "1099999")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "attach at least")
}

func TestPurchaseRejectsWhenSupplyExhausted(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	require.NoError(t, env.ledger.Commit(big.NewInt(1000)))

	rec := env.do(purchaseReq("key-1", purchaseBody(t, "2100000")))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not enough tokens")
}

func TestPurchaseRequiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	body := purchaseBody(t, "2100000")
	req := signedRequest(http.MethodPost, "/api/v1/purchases", testAPISecret, body,
		"X-Request-Signature", "X-Request-Timestamp")

	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchaseRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	req := purchaseReq("key-1", purchaseBody(t, "2100000"))
	req.Header.Set("X-Request-Signature", "deadbeef")

	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackCommitsAndIsAtMostOnce(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	dispatched := dispatchOverHTTP(t, env, "key-1")

	cb, err := json.Marshal(verificationCallbackRequest{
		IntentID: dispatched.IntentID,
		Result:   &captcha.Output{Verified: true, SessionID: "sess-1"},
	})
	require.NoError(t, err)

	rec := env.do(callbackReq(cb))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var settled settlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settled))
	assert.Equal(t, "verified", settled.Outcome)
	assert.Equal(t, "200", settled.Tokens)
	assert.Contains(t, settled.Message, "sess-1")

	sold, _ := env.ledger.Stats()
	assert.Equal(t, int64(200), sold.Int64())

	rec2 := env.do(callbackReq(cb))
	assert.Equal(t, http.StatusConflict, rec2.Code, "second delivery must not settle again")

	sold, _ = env.ledger.Stats()
	assert.Equal(t, int64(200), sold.Int64())
}

func TestCallbackRefundsOnWrongAnswer(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	dispatched := dispatchOverHTTP(t, env, "key-1")

	cb, err := json.Marshal(verificationCallbackRequest{
		IntentID: dispatched.IntentID,
		Result: &captcha.Output{
			SessionID: "sess-1",
			ErrorType: captcha.ErrTypeWrongAnswer,
			Error:     "wrong answer",
		},
	})
	require.NoError(t, err)

	rec := env.do(callbackReq(cb))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var settled settlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settled))
	assert.Equal(t, "wrong_answer", settled.Outcome)
	assert.Equal(t, "2100000", settled.Refunded, "refund is the full attached value")
	assert.NotEmpty(t, settled.TxHash)

	sold, _ := env.ledger.Stats()
	assert.Zero(t, sold.Int64())
}

func TestCallbackDeliveryErrorRefunds(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	dispatched := dispatchOverHTTP(t, env, "key-1")

	cb, err := json.Marshal(verificationCallbackRequest{
		IntentID: dispatched.IntentID,
		Error:    "execution facility unavailable",
	})
	require.NoError(t, err)

	rec := env.do(callbackReq(cb))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var settled settlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settled))
	assert.Equal(t, "delivery_error", settled.Outcome)
	assert.Equal(t, "2100000", settled.Refunded)
}

func TestCallbackRejectsWrongExecutorSecret(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	dispatched := dispatchOverHTTP(t, env, "key-1")

	cb, err := json.Marshal(verificationCallbackRequest{
		IntentID: dispatched.IntentID,
		Result:   &captcha.Output{Verified: true, SessionID: "sess-1"},
	})
	require.NoError(t, err)

	req := signedRequest(http.MethodPost, "/api/v1/callbacks/verification", "wrong-secret", cb,
		"X-Executor-Signature", "X-Executor-Timestamp")

	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sold, _ := env.ledger.Stats()
	assert.Zero(t, sold.Int64())
}

func TestReclaimRefundsStalePending(t *testing.T) {
	env := newTestEnv(t, time.Nanosecond)
	dispatched := dispatchOverHTTP(t, env, "key-1")

	time.Sleep(10 * time.Millisecond)

	req := signedRequest(http.MethodPost, "/api/v1/settlements/reclaim", testAPISecret, nil,
		"X-Request-Signature", "X-Request-Timestamp")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Reclaimed   int                  `json:"reclaimed"`
		Settlements []settlementResponse `json:"settlements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Reclaimed)
	assert.Equal(t, dispatched.IntentID, out.Settlements[0].IntentID)
	assert.Equal(t, "2100000", out.Settlements[0].Refunded)

	sold, _ := env.ledger.Stats()
	assert.Zero(t, sold.Int64())
}

func TestViewEndpoints(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalSupply":"1000"`)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/price", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "100 tokens per 1000000 base units")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/launchpad", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://launchpad.test")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/owner", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "owner.test")
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
