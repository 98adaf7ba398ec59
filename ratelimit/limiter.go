// Package ratelimit gates guest conversions behind a per-identity daily
// allowance. Authenticated callers are never limited.
package ratelimit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Unlimited is returned as the remaining count for authenticated callers.
const Unlimited = -1

// ErrQuotaExceeded is returned by Consume when the identity has no
// allowance left for the current day.
var ErrQuotaExceeded = errors.New("guest conversion limit reached")

// Limiter tracks per-identity daily conversion quota.
//
// Check is a pure read (day rollover is applied lazily, never written
// back); Consume is the only mutator and must be called exactly once per
// accepted job. Check-then-consume is not transactional: a burst of
// concurrent requests can overshoot the daily limit by at most the number
// of in-flight requests, which is an accepted relaxation. The increment
// itself is atomic per identity.
type Limiter interface {
	Check(ctx context.Context, identity string, authenticated bool) (allowed bool, remaining int, err error)
	Consume(ctx context.Context, identity string, authenticated bool) error
}

// ClientIdentity derives the quota identity from the request: the first
// X-Forwarded-For entry when present, otherwise the remote address host.
func ClientIdentity(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
