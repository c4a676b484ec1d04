// Package validator enforces domain binding, URI origin, temporal bounds and
// nonce freshness on a parsed signed challenge.
package validator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/worldcoin/agentkit/types"
)

// DefaultMaxAge bounds how old a challenge's issuedAt may be.
const DefaultMaxAge = 5 * time.Minute

// Options tune a validation pass.
type Options struct {
	// MaxAge overrides DefaultMaxAge when positive.
	MaxAge time.Duration

	// CheckNonce, when set, must return true for a fresh nonce. It may hit
	// a remote store and is given the request context.
	CheckNonce func(ctx context.Context, nonce string) (bool, error)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Result is the outcome of a validation pass. Error is a human-readable
// reason when Valid is false.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Error: fmt.Sprintf(format, args...)}
}

// ValidateMessage checks a parsed challenge against the resource URI the
// request actually targeted. It never panics or returns an error; every
// failure is reported through the Result.
func ValidateMessage(ctx context.Context, msg *types.SignedChallenge, resourceURI string, opts Options) Result {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	maxAge := DefaultMaxAge
	if opts.MaxAge > 0 {
		maxAge = opts.MaxAge
	}

	expected, err := url.Parse(resourceURI)
	if err != nil {
		return invalid("invalid resource URI: %v", err)
	}
	if msg.Domain != expected.Hostname() {
		return invalid("domain mismatch: got %q, expected %q", msg.Domain, expected.Hostname())
	}

	claimed, err := url.Parse(msg.URI)
	if err != nil {
		return invalid("invalid uri: %v", err)
	}
	if origin(claimed) != origin(expected) {
		return invalid("uri origin mismatch: got %q, expected %q", origin(claimed), origin(expected))
	}

	issuedAt, err := time.Parse(time.RFC3339, msg.IssuedAt)
	if err != nil {
		return invalid("invalid issuedAt timestamp: %v", err)
	}
	if issuedAt.After(now()) {
		return invalid("issuedAt is in the future")
	}
	if now().Sub(issuedAt) > maxAge {
		return invalid("message too old: issued more than %s ago", maxAge)
	}

	if msg.ExpirationTime != "" {
		expiration, err := time.Parse(time.RFC3339, msg.ExpirationTime)
		if err != nil {
			return invalid("invalid expirationTime timestamp: %v", err)
		}
		if !expiration.After(now()) {
			return invalid("message expired at %s", msg.ExpirationTime)
		}
	}

	if msg.NotBefore != "" {
		notBefore, err := time.Parse(time.RFC3339, msg.NotBefore)
		if err != nil {
			return invalid("invalid notBefore timestamp: %v", err)
		}
		if notBefore.After(now()) {
			return invalid("message not valid before %s", msg.NotBefore)
		}
	}

	if opts.CheckNonce != nil {
		fresh, err := opts.CheckNonce(ctx, msg.Nonce)
		if err != nil {
			return invalid("nonce check failed: %v", err)
		}
		if !fresh {
			return invalid("nonce already used")
		}
	}

	return Result{Valid: true}
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
