package license

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Session is an immutable snapshot of the confirmed license state.
// Offline is set when the record was confirmed from the local license file.
type Session struct {
	Record    LicenseRecord
	Token     *AccessToken
	Offline   bool
	CheckedAt time.Time
}

// RefreshFunc performs a network verification
type RefreshFunc func(ctx context.Context) (ComputerCheckResult, error)

// TokenCache owns the current session and allows a single refresh at a time
type TokenCache struct {
	current atomic.Pointer[Session]
	gate    *semaphore.Weighted
	margin  time.Duration
	now     func() time.Time

	// generation counts finished refreshes; last holds the outcome of the
	// latest one and is only touched while holding gate
	generation atomic.Uint64
	last       error
}

// NewTokenCache creates an empty cache. A token is refreshed once it expires within margin.
func NewTokenCache(margin time.Duration, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		gate:   semaphore.NewWeighted(1),
		margin: margin,
		now:    now,
	}
}

// Apply installs a record confirmed by the service together with its token as one snapshot
func (c *TokenCache) Apply(record LicenseRecord, token AccessToken) {
	c.current.Store(&Session{
		Record:    record,
		Token:     &token,
		CheckedAt: c.now(),
	})
}

// ApplyOffline installs a record confirmed from the offline store. A token that
// has not expired yet is kept, including one installed concurrently by Apply.
func (c *TokenCache) ApplyOffline(record LicenseRecord) {
	for {
		now := c.now()
		prev := c.current.Load()
		var token *AccessToken
		if prev != nil && prev.Token != nil && prev.Token.ExpiresAt.After(now) {
			token = prev.Token
		}
		next := &Session{
			Record:    record,
			Token:     token,
			Offline:   true,
			CheckedAt: now,
		}
		if c.current.CompareAndSwap(prev, next) {
			return
		}
	}
}

// Snapshot returns the current session or nil
func (c *TokenCache) Snapshot() *Session {
	return c.current.Load()
}

// Clear drops the session after the service rejected the license
func (c *TokenCache) Clear() {
	c.current.Store(nil)
}

// Bearer returns the raw token of the current session, if any
func (c *TokenCache) Bearer() string {
	s := c.current.Load()
	if s == nil || s.Token == nil {
		return ""
	}
	return s.Token.Raw
}

// IsStale reports whether no token is held or it expires within the margin
func (c *TokenCache) IsStale() bool {
	s := c.current.Load()
	return s == nil || s.Token == nil || s.Token.StaleAt(c.now(), c.margin)
}

// EnsureFresh refreshes a stale token through refresh. Callers that find the
// token stale queue on the gate. A caller that waited while another refresh
// finished takes that outcome instead of refreshing again, so a burst of
// callers produces one refresh even when it leaves no token behind (offline).
func (c *TokenCache) EnsureFresh(ctx context.Context, refresh RefreshFunc) error {
	if !c.IsStale() {
		return nil
	}
	seen := c.generation.Load()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for license refresh: %w", err)
	}
	defer c.gate.Release(1)

	if c.generation.Load() != seen {
		return c.last
	}
	if !c.IsStale() {
		return nil
	}

	result, err := refresh(ctx)
	if err != nil && ctx.Err() != nil {
		// this caller's cancellation is not an outcome for the others
		return err
	}
	switch {
	case err != nil:
		c.last = err
	case result != CheckValid:
		c.last = &LicenseCheckFailedError{Result: result}
	default:
		c.last = nil
	}
	c.generation.Add(1)
	return c.last
}
