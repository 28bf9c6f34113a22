// Package store persists a voice-order audit log. Logging is best effort:
// a write failure is reported to the caller's logger, never to the guest.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderLog records session lifecycle and applied cart mutations.
type OrderLog interface {
	SessionStarted(ctx context.Context, sessionID, tenantID, contextKind string) error
	SessionEnded(ctx context.Context, sessionID, cause string) error
	MutationApplied(ctx context.Context, sessionID string, mutation any) error
	Close()
}

// NopOrderLog discards everything. Used when no database is configured.
type NopOrderLog struct{}

func (NopOrderLog) SessionStarted(context.Context, string, string, string) error { return nil }
func (NopOrderLog) SessionEnded(context.Context, string, string) error           { return nil }
func (NopOrderLog) MutationApplied(context.Context, string, any) error           { return nil }
func (NopOrderLog) Close()                                                       {}

// PGOrderLog writes the audit log to Postgres.
type PGOrderLog struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGOrderLog(ctx context.Context, databaseURL string) (*PGOrderLog, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("order log: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("order log: ping: %w", err)
	}
	return &PGOrderLog{pool: pool, now: time.Now}, nil
}

func (l *PGOrderLog) SessionStarted(ctx context.Context, sessionID, tenantID, contextKind string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO voice_sessions (session_id, tenant_id, context_kind, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, tenantID, contextKind, l.now())
	if err != nil {
		return fmt.Errorf("order log: session started: %w", err)
	}
	return nil
}

func (l *PGOrderLog) SessionEnded(ctx context.Context, sessionID, cause string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE voice_sessions SET ended_at = $2, end_cause = $3 WHERE session_id = $1`,
		sessionID, l.now(), cause)
	if err != nil {
		return fmt.Errorf("order log: session ended: %w", err)
	}
	return nil
}

func (l *PGOrderLog) MutationApplied(ctx context.Context, sessionID string, mutation any) error {
	raw, err := json.Marshal(mutation)
	if err != nil {
		return fmt.Errorf("order log: encode mutation: %w", err)
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO voice_mutations (session_id, mutation, applied_at) VALUES ($1, $2, $3)`,
		sessionID, raw, l.now())
	if err != nil {
		return fmt.Errorf("order log: mutation applied: %w", err)
	}
	return nil
}

func (l *PGOrderLog) Close() {
	l.pool.Close()
}
