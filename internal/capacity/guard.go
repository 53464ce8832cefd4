// Package capacity owns the seat arithmetic of offers.
package capacity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/storage"
)

// Guard reserves and releases seats. Every change is a single conditional
// update in the store, so concurrent callers on one offer are linearized
// and available seats never leave [0, total].
type Guard struct {
	store  storage.Store
	logger *slog.Logger
}

func NewGuard(store storage.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// Reserve takes seats from the offer in a transaction of its own and
// returns the seats left.
func (g *Guard) Reserve(ctx context.Context, offerID string, seats int) (int, error) {
	var left int
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		left, err = g.ReserveIn(ctx, tx, offerID, seats)
		return err
	})
	return left, err
}

// Release gives seats back in a transaction of its own.
func (g *Guard) Release(ctx context.Context, offerID string, seats int) (int, error) {
	var left int
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		left, err = g.ReleaseIn(ctx, tx, offerID, seats)
		return err
	})
	return left, err
}

// ReserveIn is Reserve inside a caller's transaction. It fails with
// apperr.ErrCapacityExceeded when fewer than seats are available.
func (g *Guard) ReserveIn(ctx context.Context, tx storage.Tx, offerID string, seats int) (int, error) {
	if seats < 1 {
		return 0, apperr.Validation("seats", "must be at least 1")
	}
	left, err := tx.AdjustSeats(ctx, offerID, -seats, models.Now())
	switch {
	case err == nil:
		observability.SeatOperationsTotal.WithLabelValues("reserve", "ok").Inc()
		g.logger.Debug("seats reserved", "offer_id", offerID, "seats", seats, "available", left)
	case errors.Is(err, apperr.ErrCapacityExceeded):
		observability.SeatOperationsTotal.WithLabelValues("reserve", "capacity_exceeded").Inc()
	default:
		observability.SeatOperationsTotal.WithLabelValues("reserve", "error").Inc()
	}
	return left, err
}

// ReleaseIn is Release inside a caller's transaction. A release that would
// push available seats above total fails with apperr.ErrInvariantViolation
// and leaves the offer unchanged.
func (g *Guard) ReleaseIn(ctx context.Context, tx storage.Tx, offerID string, seats int) (int, error) {
	if seats < 1 {
		return 0, apperr.Validation("seats", "must be at least 1")
	}
	left, err := tx.AdjustSeats(ctx, offerID, seats, models.Now())
	switch {
	case err == nil:
		observability.SeatOperationsTotal.WithLabelValues("release", "ok").Inc()
		g.logger.Debug("seats released", "offer_id", offerID, "seats", seats, "available", left)
	case errors.Is(err, apperr.ErrInvariantViolation):
		observability.SeatOperationsTotal.WithLabelValues("release", "invariant_violation").Inc()
		observability.InvariantViolationsTotal.Inc()
		g.logger.Error("seat release would exceed total seats",
			"offer_id", offerID,
			"seats", seats,
			"available", left,
			"error", err,
		)
	default:
		observability.SeatOperationsTotal.WithLabelValues("release", "error").Inc()
	}
	return left, err
}
