package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbledger/internal/domain/journalstore"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/scheduler"
)

var testStart = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine    *Engine
	clock     *scheduler.Manual
	journal   *recordingJournal
	outbound  *recordingOutbound
	anomalies *anomalyLog
}

type anomalyLog struct {
	mu    sync.Mutex
	items []orb.Anomaly
}

func (a *anomalyLog) add(an orb.Anomaly) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, an)
}

func (a *anomalyLog) ofType(typ orb.AnomalyType) []orb.Anomaly {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []orb.Anomaly
	for _, an := range a.items {
		if an.Type == typ {
			out = append(out, an)
		}
	}
	return out
}

type recordingJournal struct {
	mu          sync.Mutex
	entries     []journalstore.Entry
	checkpoints []journalstore.Checkpoint
}

func (j *recordingJournal) Record(entry journalstore.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *recordingJournal) Checkpoint(cp journalstore.Checkpoint) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checkpoints = append(j.checkpoints, cp)
}

type recordingOutbound struct {
	mu     sync.Mutex
	frames []orb.ActionFrame
	err    error
}

func (o *recordingOutbound) Send(_ context.Context, frame orb.ActionFrame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.frames = append(o.frames, frame)
	return nil
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:     scheduler.NewManual(testStart),
		journal:   new(recordingJournal),
		outbound:  new(recordingOutbound),
		anomalies: new(anomalyLog),
	}
	n := 0
	h.engine = NewEngine(cfg,
		WithScheduler(h.clock),
		WithJournal(h.journal),
		WithOutbound(h.outbound),
		WithAnomalyHandler(h.anomalies.add),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) tx(t *testing.T, id orb.TransactionID) orb.Transaction {
	t.Helper()
	tx, ok := h.engine.Transaction(id)
	require.True(t, ok, "transaction %s not found", id)
	return tx
}

func ptr(v int64) *int64 { return &v }
