// Package idempotency replays stored responses for retried mutations keyed by
// the caller's Idempotency-Key header.
package idempotency

import (
	"context"
	"strings"
)

// Scope identifies who issued a request: an authenticated identity, or the
// hashed capability token on public routes.
type Scope struct {
	Principal string
	Key       string
}

// Record is a stored response.
type Record struct {
	Status int
	Body   map[string]any
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, principal, key, endpoint string) (Record, bool, error)
	SaveIdempotencyRecord(ctx context.Context, principal, key, endpoint string, rec Record) error
}

// ScopeFromHeader builds a scope from a raw Idempotency-Key header value.
func ScopeFromHeader(principal, header string) Scope {
	return Scope{Principal: principal, Key: strings.TrimSpace(header)}
}

func Replay(ctx context.Context, st Store, scope Scope, endpoint string) (Record, bool, error) {
	if scope.Key == "" {
		return Record{}, false, nil
	}
	rec, found, err := st.GetIdempotencyRecord(ctx, scope.Principal, scope.Key, endpoint)
	if err != nil || !found {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Save stores a response for later replay. Server errors are not stored so a
// retry gets a fresh attempt.
func Save(ctx context.Context, st Store, scope Scope, endpoint string, rec Record) error {
	if scope.Key == "" || rec.Status >= 500 {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, scope.Principal, scope.Key, endpoint, rec)
}
