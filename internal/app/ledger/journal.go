package ledger

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbledger/internal/domain/journalstore"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/telemetry"
	"github.com/coachpo/orbledger/internal/observability"
	"github.com/coachpo/orbledger/lib/async"
)

type entryMetadata struct {
	ExpectedServerDelta *int64 `json:"expectedServerDelta,omitempty"`
}

func journalEntry(tx orb.Transaction) journalstore.Entry {
	entry := journalstore.Entry{
		TxID:          string(tx.ID),
		PlayerID:      string(tx.Player),
		Kind:          string(tx.Kind),
		Delta:         tx.Delta,
		AppliedDelta:  tx.AppliedDelta,
		Status:        string(tx.Status),
		Reason:        string(tx.Reason),
		CorrelationID: string(tx.CorrelationID),
		Sequence:      tx.Sequence,
		CreatedAt:     tx.CreatedAt,
		ResolvedAt:    tx.ResolvedAt,
	}
	if tx.ExpectedServerDelta != nil {
		if raw, err := json.Marshal(entryMetadata{ExpectedServerDelta: tx.ExpectedServerDelta}); err == nil {
			entry.Metadata = raw
		}
	}
	return entry
}

// JournalWriterConfig tunes the asynchronous journal writer.
type JournalWriterConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

func (c JournalWriterConfig) normalize() JournalWriterConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// JournalWriter persists journal records on a bounded worker pool. Failures are logged and counted;
// they never reach the ledger.
type JournalWriter struct {
	store   journalstore.Store
	pool    *async.Pool
	cfg     JournalWriterConfig
	logger  observability.Logger
	results metric.Int64Counter
}

// NewJournalWriter starts a writer backed by store.
func NewJournalWriter(store journalstore.Store, cfg JournalWriterConfig, logger observability.Logger) (*JournalWriter, error) {
	cfg = cfg.normalize()
	if logger == nil {
		logger = observability.Log()
	}
	w := &JournalWriter{store: store, cfg: cfg, logger: logger}
	pool, err := async.NewPool(cfg.Workers, cfg.QueueSize, async.WithErrorHandler(func(err error) {
		w.logger.Error("journal write failed", observability.F("error", err))
		w.count("write", "error")
	}))
	if err != nil {
		return nil, err
	}
	w.pool = pool
	w.results, _ = otel.Meter("ledger").Int64Counter("ledger.journal.operations",
		metric.WithDescription("Journal writes by outcome"),
		metric.WithUnit("{operation}"))
	return w, nil
}

// Record queues a terminal transaction for persistence.
func (w *JournalWriter) Record(entry journalstore.Entry) {
	w.submit("append_entry", func(ctx context.Context) error {
		return w.store.AppendEntries(ctx, []journalstore.Entry{entry})
	})
}

// Checkpoint queues a confirmed-state checkpoint for persistence.
func (w *JournalWriter) Checkpoint(cp journalstore.Checkpoint) {
	w.submit("save_checkpoint", func(ctx context.Context) error {
		return w.store.SaveCheckpoint(ctx, cp)
	})
}

// Close drains queued writes until ctx expires.
func (w *JournalWriter) Close(ctx context.Context) error {
	return w.pool.Shutdown(ctx)
}

func (w *JournalWriter) submit(operation string, fn func(context.Context) error) {
	err := w.pool.Submit(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			return err
		}
		w.count(operation, "success")
		return nil
	})
	if err != nil {
		w.logger.Warn("journal record dropped",
			observability.F("operation", operation),
			observability.F("error", err))
		w.count(operation, "dropped")
	}
}

func (w *JournalWriter) count(operation, result string) {
	if w.results != nil {
		w.results.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)...))
	}
}
