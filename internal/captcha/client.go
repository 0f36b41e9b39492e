package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWaitTimeout = 60 * time.Second
	defaultWaitMargin  = 5 * time.Second
	defaultCallTimeout = 35 * time.Second
	defaultRetryPause  = 500 * time.Millisecond
)

// Client drives the three-step verification protocol against the launchpad's
// challenge service: create a challenge, long-poll for the answer, and make a
// single bounded retry when the long poll returns with no decision.
type Client struct {
	// BaseURL is the launchpad root, without a trailing slash.
	BaseURL string

	// HTTPClient must not carry its own Timeout; per-call deadlines are set
	// through request contexts because the wait call is allowed to outlive
	// the transport timeout used for the short calls.
	HTTPClient *http.Client

	// WaitTimeout is the server-side long-poll window passed on the wait
	// request. WaitMargin is the extra client-side allowance on top of it,
	// so the client never races the server's own timeout.
	WaitTimeout time.Duration
	WaitMargin  time.Duration

	// CallTimeout bounds the create and retry calls.
	CallTimeout time.Duration

	// RetryPause is the reconciliation pause before the single retry.
	RetryPause time.Duration

	Logger *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{},
		WaitTimeout: defaultWaitTimeout,
		WaitMargin:  defaultWaitMargin,
		CallTimeout: defaultCallTimeout,
		RetryPause:  defaultRetryPause,
		Logger:      logger,
	}
}

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
}

type verifyResponse struct {
	Status   string `json:"status"` // "pending", "solved", "timeout"
	Verified bool   `json:"verified"`
}

// Verify runs the full protocol for one purchase intent and reduces every
// service and transport behavior to exactly one Result. It returns within
// WaitTimeout + WaitMargin + RetryPause + CallTimeout in the worst case.
func (c *Client) Verify(ctx context.Context, in Input) Result {
	base := c.BaseURL
	if base == "" {
		base = strings.TrimRight(in.LaunchpadURL, "/")
	}

	challenge, err := c.createChallenge(ctx, base, in)
	if err != nil {
		return Result{Outcome: DeliveryError, Detail: err.Error()}
	}

	c.Logger.Info("waiting for challenge solution",
		zap.String("challenge_id", challenge.ChallengeID),
		zap.Duration("timeout", c.WaitTimeout))

	verify, err := c.waitForSolution(ctx, base, challenge.ChallengeID)
	if err != nil {
		return Result{Outcome: DeliveryError, Detail: err.Error()}
	}

	switch verify.Status {
	case "solved":
		return c.solvedResult(verify.Verified)
	case "timeout":
		return Result{Outcome: TimedOut, Detail: "challenge not solved in time"}
	case "pending":
		// The long poll itself expired with no decision. One short direct
		// check, then give up as a timeout.
		return c.retryOnce(ctx, base, challenge.ChallengeID)
	default:
		c.Logger.Warn("unknown challenge status", zap.String("status", verify.Status))
		return Result{Outcome: ExecutionFailed, Detail: fmt.Sprintf("unknown status: %s", verify.Status)}
	}
}

func (c *Client) createChallenge(ctx context.Context, base string, in Input) (*challengeResponse, error) {
	body, err := json.Marshal(map[string]string{
		"session_id": in.SessionID,
		"buyer":      in.Buyer,
		"amount":     in.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("encode challenge request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, base+"/api/captcha/challenge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build challenge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("create challenge: HTTP %d", resp.StatusCode)
	}

	var challenge challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decode challenge response: %w", err)
	}
	return &challenge, nil
}

func (c *Client) waitForSolution(ctx context.Context, base, challengeID string) (*verifyResponse, error) {
	url := fmt.Sprintf("%s/api/captcha/wait/%s?timeout=%d", base, challengeID, int(c.WaitTimeout.Seconds()))

	// Client deadline strictly beyond the server's long-poll window.
	waitCtx, cancel := context.WithTimeout(ctx, c.WaitTimeout+c.WaitMargin)
	defer cancel()

	req, err := http.NewRequestWithContext(waitCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build wait request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wait for result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("wait for result: HTTP %d", resp.StatusCode)
	}

	var verify verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verify); err != nil {
		return nil, fmt.Errorf("decode wait response: %w", err)
	}
	return &verify, nil
}

// retryOnce performs the single best-effort reconciliation check. Anything
// other than a clean "solved" answer, including a failed request, classifies
// as a timeout.
func (c *Client) retryOnce(ctx context.Context, base, challengeID string) Result {
	c.Logger.Info("long poll expired while pending, checking once more",
		zap.String("challenge_id", challengeID))

	select {
	case <-time.After(c.RetryPause):
	case <-ctx.Done():
		return Result{Outcome: TimedOut, Detail: "challenge still pending after long poll"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, base+"/api/captcha/verify/"+challengeID, nil)
	if err == nil {
		resp, doErr := c.HTTPClient.Do(req)
		if doErr == nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
				var verify verifyResponse
				if decErr := json.NewDecoder(resp.Body).Decode(&verify); decErr == nil && verify.Status == "solved" {
					return c.solvedResult(verify.Verified)
				}
			}
		}
	}

	return Result{Outcome: TimedOut, Detail: "challenge still pending after long poll"}
}

func (c *Client) solvedResult(verified bool) Result {
	if verified {
		return Result{Outcome: Verified}
	}
	return Result{Outcome: WrongAnswer, Detail: "challenge solved with wrong answer"}
}
