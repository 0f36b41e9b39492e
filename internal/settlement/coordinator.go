package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokengate/internal/captcha"
	"tokengate/internal/ledger"
)

var (
	// ErrUnknownIntent is returned by Resolve when no pending record exists,
	// either because the intent was never dispatched or because it was
	// already settled.
	ErrUnknownIntent = errors.New("unknown or already settled intent")

	// ErrSettlementExpired marks reclaim-triggered resolutions: the executor
	// never delivered before the intent's deadline.
	ErrSettlementExpired = errors.New("no verification result before settlement deadline")
)

// InsufficientFundsError rejects a purchase whose attached value does not
// cover the minimum purchase plus the execution fee.
type InsufficientFundsError struct {
	Attached *big.Int
	Required *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("attach at least %s base units (minimum purchase plus execution fee), got %s",
		e.Required, e.Attached)
}

type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type Config struct {
	// MinPurchase and ExecutionFee are in base units. The fee funds the
	// external verification run and is never credited to the sale.
	MinPurchase  *big.Int
	ExecutionFee *big.Int

	// UnitPrice is the base-unit cost of one pricing unit; each pricing
	// unit buys TokensPerUnit tokens. Derivation floors.
	UnitPrice     *big.Int
	TokensPerUnit int64

	// SettlementTTL is how long a dispatched intent may stay pending before
	// reclaim will refund it.
	SettlementTTL time.Duration

	// ExecTimeout bounds one executor run.
	ExecTimeout time.Duration

	TransferRetry RetryPolicy

	// DLQPath receives refunds that exhausted their transfer retries.
	DLQPath string
}

// Coordinator owns the escrow-to-ledger transition. Dispatch validates and
// records a funded intent; Resolve settles it exactly once.
type Coordinator struct {
	cfg      Config
	ledger   *ledger.SaleLedger
	store    Store
	exec     Executor
	transfer ledger.Transferrer
	log      *zap.Logger

	// OnSettled, when set, observes every completed settlement.
	OnSettled func(Settlement)

	now func() time.Time
}

func NewCoordinator(cfg Config, l *ledger.SaleLedger, store Store, exec Executor, transfer ledger.Transferrer, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 2 * time.Minute
	}
	if cfg.SettlementTTL <= 0 {
		cfg.SettlementTTL = 10 * time.Minute
	}
	return &Coordinator{
		cfg:      cfg,
		ledger:   l,
		store:    store,
		exec:     exec,
		transfer: transfer,
		log:      log,
		now:      time.Now,
	}
}

type PurchaseRequest struct {
	Buyer     string
	SessionID string
	Attached  *big.Int
}

type PurchaseReceipt struct {
	IntentID string
	Tokens   *big.Int
}

// Settlement is the terminal record of one resolved intent. Exactly one of
// Tokens (commit) and Refunded (refund) is set.
type Settlement struct {
	IntentID  string
	Buyer     string
	SessionID string
	Outcome   captcha.Outcome
	Message   string
	Tokens    *big.Int
	Refunded  *big.Int
	TxHash    string
}

// Dispatch validates the funded request, persists the pending settlement and
// hands the verification job to the executor. Both preconditions fail fast,
// before any record or external call exists.
func (c *Coordinator) Dispatch(ctx context.Context, req PurchaseRequest) (PurchaseReceipt, error) {
	if strings.TrimSpace(req.Buyer) == "" {
		return PurchaseReceipt{}, errors.New("buyer is required")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return PurchaseReceipt{}, errors.New("sessionId is required")
	}
	if req.Attached == nil || req.Attached.Sign() <= 0 {
		return PurchaseReceipt{}, errors.New("attached value is required")
	}

	required := new(big.Int).Add(c.cfg.MinPurchase, c.cfg.ExecutionFee)
	if req.Attached.Cmp(required) < 0 {
		return PurchaseReceipt{}, &InsufficientFundsError{
			Attached: new(big.Int).Set(req.Attached),
			Required: required,
		}
	}

	tokens := c.DeriveTokens(req.Attached)
	if err := c.ledger.CheckAvailable(tokens); err != nil {
		return PurchaseReceipt{}, err
	}

	now := c.now()
	intent := PurchaseIntent{
		ID:        uuid.NewString(),
		Buyer:     req.Buyer,
		SessionID: req.SessionID,
		Attached:  new(big.Int).Set(req.Attached),
		Tokens:    tokens,
		CreatedAt: now,
		Deadline:  now.Add(c.cfg.SettlementTTL),
	}

	if err := c.store.Put(ctx, intent); err != nil {
		return PurchaseReceipt{}, fmt.Errorf("record pending settlement: %w", err)
	}

	c.log.Info("purchase dispatched",
		zap.String("intent_id", intent.ID),
		zap.String("buyer", intent.Buyer),
		zap.String("session_id", intent.SessionID),
		zap.String("tokens", tokens.String()))

	if c.exec != nil {
		go c.runVerification(intent)
	}

	return PurchaseReceipt{IntentID: intent.ID, Tokens: new(big.Int).Set(tokens)}, nil
}

// DeriveTokens computes the token quantity for an attached value: the
// execution fee is reserved off the top, the remainder buys tokens at the
// fixed rate, floored.
func (c *Coordinator) DeriveTokens(attached *big.Int) *big.Int {
	purchase := new(big.Int).Sub(attached, c.cfg.ExecutionFee)
	if purchase.Sign() < 0 {
		return new(big.Int)
	}
	units := new(big.Int).Quo(purchase, c.cfg.UnitPrice)
	return units.Mul(units, big.NewInt(c.cfg.TokensPerUnit))
}

func (c *Coordinator) runVerification(intent PurchaseIntent) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExecTimeout)
	defer cancel()

	purchase := new(big.Int).Sub(intent.Attached, c.cfg.ExecutionFee)
	out, err := c.exec.Execute(ctx, captcha.Input{
		SessionID:    intent.SessionID,
		Buyer:        intent.Buyer,
		Amount:       purchase.String(),
		LaunchpadURL: c.ledger.LaunchpadURL(),
	})

	// The executor may have burned the whole deadline; the settlement and
	// its refund transfer need a live context of their own.
	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), c.cfg.ExecTimeout)
	defer resolveCancel()

	if _, rerr := c.Resolve(resolveCtx, Delivery{IntentID: intent.ID, Result: out, Err: err}); rerr != nil && !errors.Is(rerr, ErrUnknownIntent) {
		c.log.Error("settlement failed after verification",
			zap.String("intent_id", intent.ID), zap.Error(rerr))
	}
}

// Delivery is what the execution facility reports for one intent. Result nil
// with Err nil means the executor ran but produced nothing; Err non-nil means
// the facility itself failed to deliver.
type Delivery struct {
	IntentID string
	Result   *captcha.Output
	Err      error
}

// Resolve settles one intent, exactly once. Consuming the pending record is
// the first step; a second resolve for the same intent finds no record and
// returns ErrUnknownIntent with no effect. Exactly one of the ledger commit
// and the refund transfer happens per consumed record.
func (c *Coordinator) Resolve(ctx context.Context, d Delivery) (Settlement, error) {
	intent, err := c.store.Consume(ctx, d.IntentID)
	if err != nil {
		return Settlement{}, fmt.Errorf("consume pending settlement: %w", err)
	}
	if intent == nil {
		return Settlement{}, ErrUnknownIntent
	}

	settled, err := c.settle(ctx, *intent, d)
	if err != nil {
		return Settlement{}, err
	}

	c.log.Info("intent settled",
		zap.String("intent_id", settled.IntentID),
		zap.String("outcome", settled.Outcome.String()),
		zap.String("buyer", settled.Buyer))

	if c.OnSettled != nil {
		c.OnSettled(settled)
	}
	return settled, nil
}

func (c *Coordinator) settle(ctx context.Context, intent PurchaseIntent, d Delivery) (Settlement, error) {
	switch {
	case d.Err != nil:
		return c.refund(ctx, intent, captcha.DeliveryError,
			fmt.Sprintf("System error. Refunded %s base units. Error: %v", intent.Attached, d.Err))

	case d.Result == nil:
		return c.refund(ctx, intent, captcha.ExecutionFailed,
			fmt.Sprintf("Verification error (execution failed). Refunded %s base units.", intent.Attached))

	case d.Result.Verified:
		if err := c.ledger.Commit(intent.Tokens); err != nil {
			// Supply ran out between dispatch and settlement.
			return c.refund(ctx, intent, captcha.ExecutionFailed,
				fmt.Sprintf("Token supply exhausted before settlement. Refunded %s base units.", intent.Attached))
		}
		return Settlement{
			IntentID:  intent.ID,
			Buyer:     intent.Buyer,
			SessionID: intent.SessionID,
			Outcome:   captcha.Verified,
			Tokens:    new(big.Int).Set(intent.Tokens),
			Message: fmt.Sprintf("Success! You bought %s tokens. Session: %s",
				intent.Tokens, d.Result.SessionID),
		}, nil

	default:
		outcome := captcha.Classify(*d.Result)
		return c.refund(ctx, intent, outcome, refundMessage(outcome, intent.Attached, d.Result.Error))
	}
}

func refundMessage(outcome captcha.Outcome, attached *big.Int, detail string) string {
	switch outcome {
	case captcha.WrongAnswer:
		return fmt.Sprintf("CAPTCHA failed: wrong answer. Transaction cancelled. Refunded %s base units.", attached)
	case captcha.TimedOut:
		return fmt.Sprintf("CAPTCHA timeout: challenge not completed in time. Transaction cancelled. Refunded %s base units.", attached)
	case captcha.DeliveryError:
		return fmt.Sprintf("Network error during CAPTCHA verification. Transaction cancelled. Refunded %s base units.", attached)
	default:
		if detail == "" {
			detail = "unknown error"
		}
		return fmt.Sprintf("CAPTCHA verification failed. Transaction cancelled. Refunded %s base units. Error: %s", attached, detail)
	}
}

// refund returns the full attached value to the buyer. The execution fee was
// carried by the executor's own funding; no partial amounts here.
func (c *Coordinator) refund(ctx context.Context, intent PurchaseIntent, outcome captcha.Outcome, message string) (Settlement, error) {
	rcpt, err := c.transferWithRetry(ctx, intent.Buyer, intent.Attached)
	if err != nil {
		c.writeDLQ(intent, err)
		return Settlement{}, fmt.Errorf("refund transfer for %s: %w", intent.ID, err)
	}

	return Settlement{
		IntentID:  intent.ID,
		Buyer:     intent.Buyer,
		SessionID: intent.SessionID,
		Outcome:   outcome,
		Message:   message,
		Refunded:  new(big.Int).Set(intent.Attached),
		TxHash:    rcpt.TxHash,
	}, nil
}

func (c *Coordinator) transferWithRetry(ctx context.Context, to string, amount *big.Int) (ledger.TransferReceipt, error) {
	attempts := c.cfg.TransferRetry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := c.cfg.TransferRetry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		rcpt, err := c.transfer.Transfer(ctx, to, amount)
		if err == nil {
			return rcpt, nil
		}
		lastErr = err
		if !isRetryable(err) || i == attempts {
			return ledger.TransferReceipt{}, err
		}

		sleep := backoff
		if c.cfg.TransferRetry.MaxBackoff > 0 && sleep > c.cfg.TransferRetry.MaxBackoff {
			sleep = c.cfg.TransferRetry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ledger.TransferReceipt{}, ctx.Err()
		}

		if c.cfg.TransferRetry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(c.cfg.TransferRetry.BackoffMultiplier)
		}
	}

	return ledger.TransferReceipt{}, lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") {
		return false
	}
	if strings.Contains(msg, "missing") {
		return false
	}
	return true
}

// Reclaim refunds every pending settlement past its deadline through the
// normal resolve path. Losing the race against a late callback is fine: the
// loser finds the record consumed and skips.
func (c *Coordinator) Reclaim(ctx context.Context) ([]Settlement, error) {
	expired, err := c.store.Expired(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("list expired settlements: %w", err)
	}

	var settled []Settlement
	for _, intent := range expired {
		res, err := c.Resolve(ctx, Delivery{IntentID: intent.ID, Err: ErrSettlementExpired})
		if errors.Is(err, ErrUnknownIntent) {
			continue
		}
		if err != nil {
			return settled, err
		}
		settled = append(settled, res)
	}
	return settled, nil
}

// writeDLQ preserves a refund that exhausted its transfer retries so the
// value can be replayed manually.
func (c *Coordinator) writeDLQ(intent PurchaseIntent, transferErr error) {
	if c.cfg.DLQPath == "" {
		return
	}

	entry := struct {
		Timestamp time.Time `json:"timestamp"`
		IntentID  string    `json:"intentId"`
		Buyer     string    `json:"buyer"`
		SessionID string    `json:"sessionId"`
		Attached  string    `json:"attached"`
		Error     string    `json:"error"`
	}{
		Timestamp: time.Now().UTC(),
		IntentID:  intent.ID,
		Buyer:     intent.Buyer,
		SessionID: intent.SessionID,
		Attached:  intent.Attached.String(),
		Error:     transferErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		c.log.Error("dlq marshal error", zap.Error(err))
		return
	}

	if err := os.MkdirAll(c.cfg.DLQPath, 0o755); err != nil {
		c.log.Error("dlq mkdir error", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), intent.ID)
	if err := os.WriteFile(filepath.Join(c.cfg.DLQPath, filename), data, 0o600); err != nil {
		c.log.Error("dlq write error", zap.Error(err))
	}
}

// DLQDepth reports how many failed refunds are parked on disk.
func (c *Coordinator) DLQDepth() int {
	if c.cfg.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(c.cfg.DLQPath)
	if err != nil {
		return 0
	}
	return len(entries)
}
