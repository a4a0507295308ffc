package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive the visible balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownTransaction is returned when an operation references a transaction that is not pending.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

func insufficientBalance(player orb.PlayerID, kind orb.Kind, visible, delta int64) error {
	return errs.New("ledger/begin", errs.CodeConflict,
		errs.WithHTTP(http.StatusConflict),
		errs.WithCanonicalCode(errs.CanonicalInsufficientBalance),
		errs.WithMessage("visible balance cannot cover the debit"),
		errs.WithField("player", string(player)),
		errs.WithField("kind", string(kind)),
		errs.WithField("visible", strconv.FormatInt(visible, 10)),
		errs.WithField("delta", strconv.FormatInt(delta, 10)),
		errs.WithCause(ErrInsufficientBalance))
}

func unknownTransaction(component string, id orb.TransactionID) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithHTTP(http.StatusNotFound),
		errs.WithCanonicalCode(errs.CanonicalUnknownTransaction),
		errs.WithMessage("transaction is not pending"),
		errs.WithField("txId", string(id)),
		errs.WithCause(ErrUnknownTransaction))
}

func invalidRequest(component, message string, opts ...errs.Option) error {
	base := []errs.Option{
		errs.WithHTTP(http.StatusBadRequest),
		errs.WithMessage(message),
	}
	return errs.New(component, errs.CodeInvalid, append(base, opts...)...)
}
