package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orbledger/internal/domain/journalstore"
)

const (
	insertEntrySQL = `
INSERT INTO ledger_transactions (
    tx_id, player_id, kind, delta, applied_delta, status, reason,
    correlation_id, sequence, created_at, resolved_at, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
ON CONFLICT (tx_id) DO NOTHING`

	upsertCheckpointSQL = `
INSERT INTO ledger_checkpoints (player_id, confirmed, last_applied_sequence, revision, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (player_id) DO UPDATE SET
    confirmed = EXCLUDED.confirmed,
    last_applied_sequence = EXCLUDED.last_applied_sequence,
    revision = EXCLUDED.revision,
    updated_at = EXCLUDED.updated_at
WHERE ledger_checkpoints.revision < EXCLUDED.revision`

	selectCheckpointsSQL = `
SELECT player_id, confirmed, last_applied_sequence, revision, updated_at
FROM ledger_checkpoints
ORDER BY player_id`

	selectEntriesSQL = `
SELECT tx_id, player_id, kind, delta, applied_delta, status, reason,
       correlation_id, sequence, created_at, resolved_at, metadata
FROM ledger_transactions
WHERE player_id = $1
ORDER BY resolved_at DESC, tx_id
LIMIT $2`

	defaultListLimit = 100
)

// JournalStore persists terminal transactions and per-player checkpoints.
type JournalStore struct {
	pool *pgxpool.Pool
}

var _ journalstore.Store = (*JournalStore)(nil)

// NewJournalStore constructs a JournalStore backed by the provided pgx pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

func (s *JournalStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

// AppendEntries inserts entries in one batch. Entries already journaled are skipped.
func (s *JournalStore) AppendEntries(ctx context.Context, entries []journalstore.Entry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if strings.TrimSpace(e.TxID) == "" || strings.TrimSpace(e.PlayerID) == "" {
			return fmt.Errorf("journal store: tx id and player id required")
		}
		batch.Queue(insertEntrySQL,
			e.TxID, e.PlayerID, e.Kind, e.Delta, e.AppliedDelta, e.Status, e.Reason,
			e.CorrelationID, int64(e.Sequence), e.CreatedAt.UTC(), e.ResolvedAt.UTC(), metadataText(e.Metadata))
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("journal store: insert entry: %w", err)
		}
	}
	return nil
}

// SaveCheckpoint upserts cp unless a newer revision is already stored.
func (s *JournalStore) SaveCheckpoint(ctx context.Context, cp journalstore.Checkpoint) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cp.PlayerID) == "" {
		return fmt.Errorf("journal store: player id required")
	}
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := pool.Exec(ctx, upsertCheckpointSQL,
		cp.PlayerID, cp.Confirmed, int64(cp.LastAppliedSequence), int64(cp.Revision), updated.UTC()); err != nil {
		return fmt.Errorf("journal store: upsert checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoints returns the latest checkpoint of every player.
func (s *JournalStore) LoadCheckpoints(ctx context.Context) ([]journalstore.Checkpoint, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, selectCheckpointsSQL)
	if err != nil {
		return nil, fmt.Errorf("journal store: select checkpoints: %w", err)
	}
	defer rows.Close()

	var out []journalstore.Checkpoint
	for rows.Next() {
		var (
			cp       journalstore.Checkpoint
			seq, rev int64
		)
		if err := rows.Scan(&cp.PlayerID, &cp.Confirmed, &seq, &rev, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("journal store: scan checkpoint: %w", err)
		}
		cp.LastAppliedSequence = uint64(seq)
		cp.Revision = uint64(rev)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate checkpoints: %w", err)
	}
	return out, nil
}

// ListEntries returns a player's most recently resolved entries, newest first.
func (s *JournalStore) ListEntries(ctx context.Context, playerID string, limit int) ([]journalstore.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := pool.Query(ctx, selectEntriesSQL, strings.TrimSpace(playerID), limit)
	if err != nil {
		return nil, fmt.Errorf("journal store: select entries: %w", err)
	}
	defer rows.Close()

	var out []journalstore.Entry
	for rows.Next() {
		var (
			e        journalstore.Entry
			seq      int64
			metadata []byte
		)
		if err := rows.Scan(&e.TxID, &e.PlayerID, &e.Kind, &e.Delta, &e.AppliedDelta, &e.Status, &e.Reason,
			&e.CorrelationID, &seq, &e.CreatedAt, &e.ResolvedAt, &metadata); err != nil {
			return nil, fmt.Errorf("journal store: scan entry: %w", err)
		}
		e.Sequence = uint64(seq)
		if len(metadata) > 0 && string(metadata) != "{}" {
			e.Metadata = metadata
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate entries: %w", err)
	}
	return out, nil
}

func metadataText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
