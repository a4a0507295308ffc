// Package feed connects the ledger to the authoritative game server over a websocket.
package feed

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
)

// Outbound envelope types.
const (
	TypeAction  = "action"
	TypeAnomaly = "anomaly"
)

// Envelope is the JSON frame shared by both directions of the feed.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw envelope into a reconciliation event.
func Decode(raw []byte) (orb.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.New("feed/codec", errs.CodeInvalid,
			errs.WithMessage("malformed envelope"),
			errs.WithCause(err))
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope converts an already split envelope into a reconciliation event.
func DecodeEnvelope(env Envelope) (orb.Event, error) {
	typ := strings.ToLower(strings.TrimSpace(env.Type))
	if len(env.Data) == 0 {
		return nil, errs.New("feed/codec", errs.CodeInvalid,
			errs.WithMessage("envelope data required"),
			errs.WithField("type", typ))
	}
	var (
		ev  orb.Event
		err error
	)
	switch typ {
	case orb.RoomSnapshot{}.EventType():
		ev, err = decodeAs[orb.RoomSnapshot](env.Data)
	case orb.BalanceDelta{}.EventType():
		ev, err = decodeAs[orb.BalanceDelta](env.Data)
	case orb.TradeSettlement{}.EventType():
		ev, err = decodeAs[orb.TradeSettlement](env.Data)
	case orb.PurchaseAck{}.EventType():
		ev, err = decodeAs[orb.PurchaseAck](env.Data)
	case orb.GamblingResult{}.EventType():
		ev, err = decodeAs[orb.GamblingResult](env.Data)
	case orb.ActionRejected{}.EventType():
		ev, err = decodeAs[orb.ActionRejected](env.Data)
	default:
		return nil, errs.New("feed/codec", errs.CodeInvalid,
			errs.WithMessage("unsupported envelope type"),
			errs.WithField("type", typ))
	}
	if err != nil {
		return nil, errs.New("feed/codec", errs.CodeInvalid,
			errs.WithMessage("malformed event payload"),
			errs.WithField("type", typ),
			errs.WithCause(err))
	}
	return ev, nil
}

func decodeAs[T orb.Event](data json.RawMessage) (orb.Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode wraps payload in an envelope of the given type.
func Encode(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}
