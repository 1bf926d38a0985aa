package network

import (
	"context"
	"fmt"
	"time"

	"github.com/tether-agent/tether/internal/db"
)

// replayWindow is how long a (sender, nonce) pair stays poisoned. The nonce
// table is the authority; remote clocks are not trusted.
const replayWindow = 5 * time.Minute

// ErrReplay marks a message rejected by the replay defense.
var ErrReplay = fmt.Errorf("replay detected")

// ErrDuplicate marks a message already processed once.
var ErrDuplicate = fmt.Errorf("duplicate message")

const replaySchema = `
CREATE TABLE IF NOT EXISTS relay_nonces (
	sender  TEXT NOT NULL,
	nonce   TEXT NOT NULL,
	seen_at BIGINT NOT NULL,
	PRIMARY KEY (sender, nonce)
);

CREATE TABLE IF NOT EXISTS relay_messages (
	sender     TEXT NOT NULL,
	message_id TEXT NOT NULL,
	seen_at    BIGINT NOT NULL,
	PRIMARY KEY (sender, message_id)
);
`

// ReplayStore tracks seen nonces and message ids in the relational store.
type ReplayStore struct {
	pool *db.Pool
	now  func() time.Time
}

// NewReplayStore opens the store and ensures its tables exist.
func NewReplayStore(ctx context.Context, pool *db.Pool) (*ReplayStore, error) {
	if _, err := pool.Writer().ExecContext(ctx, replaySchema); err != nil {
		return nil, fmt.Errorf("replay schema: %w", err)
	}
	return &ReplayStore{pool: pool, now: time.Now}, nil
}

// CheckNonce records (sender, nonce) and returns ErrReplay when the pair was
// already seen inside the window. Expired rows are pruned opportunistically.
func (s *ReplayStore) CheckNonce(ctx context.Context, sender, nonce string) error {
	now := s.now().Unix()
	cutoff := now - int64(replayWindow.Seconds())

	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx,
		s.pool.Rebind(`DELETE FROM relay_nonces WHERE seen_at < ?`), cutoff); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}

	var seenAt int64
	err := s.pool.Reader().GetContext(ctx, &seenAt,
		s.pool.Rebind(`SELECT seen_at FROM relay_nonces WHERE sender = ? AND nonce = ?`),
		sender, nonce)
	if err == nil {
		return ErrReplay
	}

	if _, err := w.ExecContext(ctx,
		s.pool.Rebind(`INSERT INTO relay_nonces (sender, nonce, seen_at) VALUES (?, ?, ?)`),
		sender, nonce, now); err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	return nil
}

// CheckMessage records (sender, messageID) and returns ErrDuplicate when the
// pair was delivered before. Unlike nonces, message ids are kept beyond the
// replay window so redeliveries stay idempotent.
func (s *ReplayStore) CheckMessage(ctx context.Context, sender, messageID string) error {
	var seenAt int64
	err := s.pool.Reader().GetContext(ctx, &seenAt,
		s.pool.Rebind(`SELECT seen_at FROM relay_messages WHERE sender = ? AND message_id = ?`),
		sender, messageID)
	if err == nil {
		return ErrDuplicate
	}

	if _, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Rebind(`INSERT INTO relay_messages (sender, message_id, seen_at) VALUES (?, ?, ?)`),
		sender, messageID, s.now().Unix()); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}
