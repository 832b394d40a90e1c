package services

import (
	"context"
	"log"
	"time"

	"voting-service/internal/config"
)

// AttemptStore is the shared counter/ban backend (Redis in production). All
// mutations are atomic on the store side.
type AttemptStore interface {
	RegisterFailure(ctx context.Context, identity string, window time.Duration) (int64, error)
	Ban(ctx context.Context, identity string, until time.Time, duration time.Duration) error
	BannedUntil(ctx context.Context, identity string) (time.Time, bool, error)
	Reset(ctx context.Context, identity string) error
}

// AttemptTracker enforces the failure budget per identity and issues
// temporary bans once it is exhausted.
type AttemptTracker struct {
	store AttemptStore
	cfg   config.VotingConfig
	onBan func(identity string, until time.Time)
}

func NewAttemptTracker(store AttemptStore, cfg config.VotingConfig) *AttemptTracker {
	return &AttemptTracker{
		store: store,
		cfg:   cfg,
	}
}

// OnBan registers a callback fired when an identity crosses the threshold,
// used to publish the ban event.
func (t *AttemptTracker) OnBan(fn func(identity string, until time.Time)) {
	t.onBan = fn
}

// Identity builds the rate-limit key for a request. With scope "ip_code" the
// client address is combined with a short vote-code prefix, so an identity
// shared by many students (a school NAT) is not exhausted by failures against
// codes its members never touched.
func (t *AttemptTracker) Identity(ip, code string) string {
	if t.cfg.BanIdentityScope == "ip_code" && code != "" {
		prefix := code
		if len(prefix) > 4 {
			prefix = prefix[:4]
		}
		return ip + "|" + prefix
	}
	return ip
}

// Gate fails fast with a BannedError while the identity is banned. It has no
// side effects.
func (t *AttemptTracker) Gate(ctx context.Context, identity string) error {
	until, banned, err := t.store.BannedUntil(ctx, identity)
	if err != nil {
		return err
	}
	if banned {
		return &BannedError{Until: until}
	}
	return nil
}

// Fail counts one failed attempt and bans the identity when the configured
// maximum is reached within the rolling window.
func (t *AttemptTracker) Fail(ctx context.Context, identity string) error {
	count, err := t.store.RegisterFailure(ctx, identity, t.cfg.AttemptWindow)
	if err != nil {
		return err
	}
	if count >= int64(t.cfg.MaxFailedAttempts) {
		until := time.Now().Add(t.cfg.BanDuration)
		if err := t.store.Ban(ctx, identity, until, t.cfg.BanDuration); err != nil {
			return err
		}
		log.Printf("Banned identity %s until %s after %d failed attempts", identity, until.Format(time.RFC3339), count)
		if t.onBan != nil {
			t.onBan(identity, until)
		}
	}
	return nil
}

// Succeed resets the failure counter. An active ban is not lifted: Reset only
// touches the counter key.
func (t *AttemptTracker) Succeed(ctx context.Context, identity string) {
	if err := t.store.Reset(ctx, identity); err != nil {
		log.Printf("Warning: failed to reset attempt counter for %s: %v", identity, err)
	}
}
