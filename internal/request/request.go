// Package request validates inbound build requests and decodes their
// data-URI attachments. Both operations are synchronous, fast, and free of
// side effects beyond a nonce-ledger read.
package request

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
)

// Request-rejection errors: no pipeline run is created for these.
var (
	ErrAuth       = errors.New("invalid secret")
	ErrSchema     = errors.New("invalid request")
	ErrReplay     = errors.New("nonce already processed")
	ErrAttachment = errors.New("invalid attachment")
)

// Attachment is a named data-URI payload as received on the wire.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// BuildRequest is the inbound call shape.
type BuildRequest struct {
	Email         string       `json:"email"`
	Secret        string       `json:"secret"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	EvaluationURL string       `json:"evaluation_url"`
	Attachments   []Attachment `json:"attachments"`
}

// NonceLedger is the slice of the task store the validator needs.
type NonceLedger interface {
	NonceSeen(ctx context.Context, taskID, nonce string) (bool, error)
}

// Validator authenticates and structurally validates build requests.
type Validator struct {
	secret []byte
	nonces NonceLedger
}

// NewValidator builds a Validator for the configured shared secret.
func NewValidator(secret string, nonces NonceLedger) *Validator {
	return &Validator{secret: []byte(secret), nonces: nonces}
}

// Validate checks authentication, schema, and nonce replay, in that order.
// The secret comparison is constant-time.
func (v *Validator) Validate(ctx context.Context, req *BuildRequest) error {
	if subtle.ConstantTimeCompare([]byte(req.Secret), v.secret) != 1 {
		return ErrAuth
	}
	if req.Task == "" {
		return fmt.Errorf("%w: task is required", ErrSchema)
	}
	if req.Round < 1 {
		return fmt.Errorf("%w: round must be a positive integer", ErrSchema)
	}
	if req.Nonce == "" {
		return fmt.Errorf("%w: nonce is required", ErrSchema)
	}
	if req.Brief == "" {
		return fmt.Errorf("%w: brief is required", ErrSchema)
	}
	if req.EvaluationURL == "" {
		return fmt.Errorf("%w: evaluation_url is required", ErrSchema)
	}
	u, err := url.Parse(req.EvaluationURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: evaluation_url must be an http(s) URL", ErrSchema)
	}

	seen, err := v.nonces.NonceSeen(ctx, req.Task, req.Nonce)
	if err != nil {
		return fmt.Errorf("nonce ledger lookup: %w", err)
	}
	if seen {
		return ErrReplay
	}
	return nil
}
