// Package idempotency stores the outcome of mutating requests keyed by the
// client's Idempotency-Key, so a retried request replays the first response
// instead of moving credits twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrInProgress means another request with the same key has not finished.
	ErrInProgress = errors.New("idempotency: request in progress")

	// ErrMismatch means the key was reused with a different request body.
	ErrMismatch = errors.New("idempotency: key reused with mismatched payload")
)

// DefaultTTL is how long a completed response is kept.
const DefaultTTL = 24 * time.Hour

// Record is a completed response.
type Record struct {
	Key         string
	RequestHash string
	Status      int
	Body        []byte
}

// Store claims keys and remembers responses.
type Store interface {
	// Begin claims key for a request whose body hashes to hash. It returns
	// (nil, nil) when the caller now owns the key, the stored Record when the
	// key already completed, ErrInProgress when it is claimed but unfinished,
	// and ErrMismatch when hash differs from the first request's.
	Begin(ctx context.Context, key, hash string) (*Record, error)

	// Complete stores the response for a claimed key.
	Complete(ctx context.Context, key string, status int, body []byte) error

	// Abort drops a claim so the request can be retried.
	Abort(ctx context.Context, key string) error
}

// Hash returns the hex sha256 of a request body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
