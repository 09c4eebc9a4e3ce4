// Package notify delivers the evaluation callback with at-least-once
// semantics. Receivers deduplicate retried deliveries via the nonce carried
// in every payload.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pagesmith/internal/backoff"
	"pagesmith/internal/buildfail"
	"pagesmith/internal/logging"
)

// Status values reported in the payload.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Payload is the terminal report for one (task, round).
type Payload struct {
	Email     string `json:"email,omitempty"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	Status    string `json:"status"`
	RepoURL   string `json:"repo_url,omitempty"`
	PagesURL  string `json:"pages_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Error     string `json:"error,omitempty"`
}

// errRetryable marks delivery failures worth another attempt.
var errRetryable = errors.New("retryable delivery failure")

// Notifier POSTs payloads with bounded retry.
type Notifier struct {
	httpClient *http.Client
	policy     backoff.Policy
}

// New builds a Notifier. The policy's MaxAttempts and Budget bound total
// delivery effort.
func New(policy backoff.Policy) *Notifier {
	return &Notifier{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: policy,
	}
}

// Deliver POSTs the payload to evaluationURL. Connection failures and
// server-side errors are retried with backoff and jitter; any other 4xx is
// treated as a rejection and not retried. Exhausting the budget yields a
// callback-exhausted error so the caller records the distinct terminal
// condition.
func (n *Notifier) Deliver(ctx context.Context, evaluationURL string, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return buildfail.Wrap(buildfail.KindCallbackExhausted, fmt.Errorf("marshal payload: %w", err))
	}

	log := logging.L().With(zap.String("task", p.Task), zap.Int("round", p.Round))
	attempt := 0

	err = backoff.Retry(ctx, n.policy, func(err error) bool {
		return errors.Is(err, errRetryable)
	}, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, evaluationURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			log.Warn("callback attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("%w: %v", errRetryable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			log.Info("callback delivered", zap.Int("attempt", attempt))
			return nil
		case resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500:
			log.Warn("callback attempt rejected", zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("%w: evaluation endpoint returned %d", errRetryable, resp.StatusCode)
		default:
			return fmt.Errorf("evaluation endpoint rejected payload with %d", resp.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return buildfail.Wrap(buildfail.KindCallbackExhausted,
			fmt.Errorf("after %d attempts: %w", attempt, err))
	}
	return nil
}
