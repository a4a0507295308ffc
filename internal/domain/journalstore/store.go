// Package journalstore defines persistence contracts for the ledger journal.
package journalstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Entry records a transaction reaching its terminal state.
type Entry struct {
	TxID          string
	PlayerID      string
	Kind          string
	Delta         int64
	AppliedDelta  int64
	Status        string
	Reason        string
	CorrelationID string
	Sequence      uint64
	CreatedAt     time.Time
	ResolvedAt    time.Time
	Metadata      json.RawMessage
}

// Checkpoint captures the confirmed state of a player's ledger.
// Revision increases with every confirmed change so stale writes can be ignored.
type Checkpoint struct {
	PlayerID            string
	Confirmed           int64
	LastAppliedSequence uint64
	Revision            uint64
	UpdatedAt           time.Time
}

// Store abstracts persistence operations for the journal.
type Store interface {
	AppendEntries(ctx context.Context, entries []Entry) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoints(ctx context.Context) ([]Checkpoint, error)
	ListEntries(ctx context.Context, playerID string, limit int) ([]Entry, error)
}
