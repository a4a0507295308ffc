// Package httpserver exposes the ledger over HTTP: balance inspection, player actions and event ingestion.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/feed"
	"github.com/coachpo/orbledger/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	playersPrefix = "/players/"
	eventsPath    = "/events"
	healthPath    = "/healthz"

	defaultActionRate     = 20
	defaultActionBurst    = 10
	defaultActionLimiters = 4096
)

// Ledger is the engine surface served over HTTP.
type Ledger interface {
	Inspect(player orb.PlayerID) orb.LedgerView
	Transaction(id orb.TransactionID) (orb.Transaction, bool)
	Act(ctx context.Context, action orb.Action) (orb.ActionReceipt, error)
	Cancel(id orb.TransactionID) error
	Dispatch(ev orb.Event) error
}

// Health reports whether a dependency such as the feed is ready.
type Health func() bool

// Options tunes the handler.
type Options struct {
	// ActionRate is the sustained number of actions per second allowed per player.
	ActionRate float64
	// ActionBurst is the number of actions a player may submit at once.
	ActionBurst int
	// ActionLimiters caps how many per-player limiters are retained; the least recently used is evicted.
	ActionLimiters int
	// Checks are reported by /healthz; any false check yields 503.
	Checks map[string]Health
	Logger observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	ledger Ledger
	checks map[string]Health
	logger observability.Logger

	limitRate  rate.Limit
	limitBurst int
	limitersMu sync.Mutex
	limiters   *lru.Cache[orb.PlayerID, *rate.Limiter]
}

type actionPayload struct {
	Type                string `json:"type"`
	Amount              int64  `json:"amount"`
	Counterparty        string `json:"counterparty,omitempty"`
	CounterAmount       int64  `json:"counterAmount,omitempty"`
	ExpectedServerDelta *int64 `json:"expectedServerDelta,omitempty"`
	Ref                 string `json:"ref,omitempty"`
}

type transactionView struct {
	TxID          orb.TransactionID `json:"txId"`
	Player        orb.PlayerID      `json:"playerId"`
	Kind          orb.Kind          `json:"kind"`
	Delta         int64             `json:"delta"`
	Status        orb.Status        `json:"status"`
	Reason        orb.Reason        `json:"reason,omitempty"`
	AppliedDelta  int64             `json:"appliedDelta"`
	CorrelationID orb.CorrelationID `json:"correlationId,omitempty"`
	Sequence      uint64            `json:"seq"`
	CreatedAt     time.Time         `json:"createdAt"`
	ResolvedAt    *time.Time        `json:"resolvedAt,omitempty"`
}

func viewOf(tx orb.Transaction) transactionView {
	v := transactionView{
		TxID:          tx.ID,
		Player:        tx.Player,
		Kind:          tx.Kind,
		Delta:         tx.Delta,
		Status:        tx.Status,
		Reason:        tx.Reason,
		AppliedDelta:  tx.AppliedDelta,
		CorrelationID: tx.CorrelationID,
		Sequence:      tx.Sequence,
		CreatedAt:     tx.CreatedAt,
	}
	if !tx.ResolvedAt.IsZero() {
		resolved := tx.ResolvedAt
		v.ResolvedAt = &resolved
	}
	return v
}

// NewHandler creates the HTTP handler serving ledger operations.
func NewHandler(ledger Ledger, opts Options) http.Handler {
	server := newHTTPServer(ledger, opts)
	mux := http.NewServeMux()

	mux.Handle(playersPrefix, http.HandlerFunc(server.handlePlayer))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.ingestEvent,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func newHTTPServer(ledger Ledger, opts Options) *httpServer {
	if opts.ActionRate <= 0 {
		opts.ActionRate = defaultActionRate
	}
	if opts.ActionBurst <= 0 {
		opts.ActionBurst = defaultActionBurst
	}
	if opts.ActionLimiters <= 0 {
		opts.ActionLimiters = defaultActionLimiters
	}
	// only fails on a non-positive size
	limiters, _ := lru.New[orb.PlayerID, *rate.Limiter](opts.ActionLimiters)
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	return &httpServer{
		ledger:     ledger,
		checks:     opts.Checks,
		logger:     logger,
		limitRate:  rate.Limit(opts.ActionRate),
		limitBurst: opts.ActionBurst,
		limiters:   limiters,
	}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// handlePlayer routes /players/{id}/balance, /players/{id}/actions and
// /players/{id}/actions/{txId}/cancel.
func (s *httpServer) handlePlayer(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, playersPrefix), "/")
	id, resource, _ := strings.Cut(rest, "/")
	player := orb.PlayerID(strings.TrimSpace(id))
	if player == "" {
		writeError(w, http.StatusNotFound, "player id required")
		return
	}

	parts := strings.Split(resource, "/")
	switch {
	case len(parts) == 1 && parts[0] == "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, s.ledger.Inspect(player))
	case len(parts) == 1 && parts[0] == "actions":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.submitAction(w, r, player)
	case len(parts) == 3 && parts[0] == "actions" && parts[2] == "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.cancelAction(w, player, orb.TransactionID(strings.TrimSpace(parts[1])))
	default:
		writeError(w, http.StatusNotFound, "unsupported resource")
	}
}

func (s *httpServer) submitAction(w http.ResponseWriter, r *http.Request, player orb.PlayerID) {
	if !s.limiter(player).Allow() {
		s.writeLedgerError(w, errs.New("http/actions", errs.CodeRateLimited,
			errs.WithHTTP(http.StatusTooManyRequests),
			errs.WithMessage("action rate exceeded"),
			errs.WithField("player", string(player))))
		return
	}
	limitRequestBody(w, r)
	action, err := decodeAction(r, player)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	receipt, err := s.ledger.Act(r.Context(), action)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *httpServer) cancelAction(w http.ResponseWriter, player orb.PlayerID, id orb.TransactionID) {
	if id == "" {
		writeError(w, http.StatusNotFound, "transaction id required")
		return
	}
	tx, ok := s.ledger.Transaction(id)
	if !ok || tx.Player != player {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err := s.ledger.Cancel(id); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if resolved, ok := s.ledger.Transaction(id); ok {
		tx = resolved
	}
	writeJSON(w, http.StatusOK, viewOf(tx))
}

func (s *httpServer) ingestEvent(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	ev, err := feed.Decode(raw)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if err := s.ledger.Dispatch(ev); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "type": ev.EventType()})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	report := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if check == nil || check() {
			report[name] = "ok"
			continue
		}
		report[name] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": report})
}

func (s *httpServer) limiter(player orb.PlayerID) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters.Get(player)
	if !ok {
		l = rate.NewLimiter(s.limitRate, s.limitBurst)
		s.limiters.Add(player, l)
	}
	return l
}

func (s *httpServer) writeLedgerError(w http.ResponseWriter, err error) {
	var env *errs.E
	if !errors.As(err, &env) || env == nil {
		s.logger.Error("ledger request failed", observability.F("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := statusFor(env)
	body := map[string]any{
		"status": "error",
		"error":  env.Message,
		"code":   env.Code,
	}
	if env.Canonical != "" && env.Canonical != errs.CanonicalUnknown {
		body["canonical"] = env.Canonical
	}
	if len(env.Metadata) > 0 {
		body["details"] = env.Metadata
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("ledger request failed", observability.F("error", err))
	}
	writeJSON(w, status, body)
}

func statusFor(env *errs.E) int {
	if env.HTTP > 0 {
		return env.HTTP
	}
	switch env.Code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable, errs.CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeAction(r *http.Request, player orb.PlayerID) (orb.Action, error) {
	var payload actionPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return orb.Action{}, fmt.Errorf("decode action: %w", err)
	}
	typ, ok := orb.ParseActionType(payload.Type)
	if !ok {
		return orb.Action{}, fmt.Errorf("unsupported action type %q", payload.Type)
	}
	return orb.Action{
		Type:                typ,
		Player:              player,
		Amount:              payload.Amount,
		Counterparty:        orb.PlayerID(strings.TrimSpace(payload.Counterparty)),
		CounterAmount:       payload.CounterAmount,
		ExpectedServerDelta: payload.ExpectedServerDelta,
		Ref:                 strings.TrimSpace(payload.Ref),
	}, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
