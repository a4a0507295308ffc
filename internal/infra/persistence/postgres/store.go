package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orbledger/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	Journal *JournalStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), Journal: NewJournalStore(pool)}
}
