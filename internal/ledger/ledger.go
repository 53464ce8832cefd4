// Package ledger keeps the canonical pairing records and is the only path
// through which pairing transitions touch offer capacity.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/capacity"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/storage"
)

type Ledger struct {
	store  storage.Store
	guard  *capacity.Guard
	logger *slog.Logger
}

func New(store storage.Store, guard *capacity.Guard, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, guard: guard, logger: logger}
}

// Apply moves m to status to within tx. Entering confirmed reserves the
// pairing's seats; leaving confirmed releases them. The seat change and the
// status write commit together with the rest of tx.
func (l *Ledger) Apply(ctx context.Context, tx storage.Tx, m models.Match, to models.MatchStatus, now time.Time) (models.Match, error) {
	if !m.Status.CanTransition(to) {
		return m, apperr.Conflict("pairing %s cannot move from %s to %s", m.ID, m.Status, to)
	}

	switch {
	case to == models.MatchConfirmed:
		if _, err := l.guard.ReserveIn(ctx, tx, m.OfferID, m.PassengerCount); err != nil {
			return m, err
		}
	case m.Status == models.MatchConfirmed:
		if _, err := l.guard.ReleaseIn(ctx, tx, m.OfferID, m.PassengerCount); err != nil {
			return m, err
		}
	}

	next := m
	next.Status = to
	next.UpdatedAt = now
	if to == models.MatchConfirmed {
		next.ConfirmedAt = &now
	}
	if to.Terminal() {
		next.ClosedAt = &now
	}
	if err := tx.UpdateMatch(ctx, next); err != nil {
		return m, err
	}

	l.logger.Debug("pairing transition applied",
		"match_id", m.ID,
		"offer_id", m.OfferID,
		"from", m.Status,
		"to", to,
	)
	return next, nil
}

// Partition splits an offer's open pairings. Both lists are in creation
// order.
type Partition struct {
	Confirmed []models.Match `json:"confirmed"`
	Pending   []models.Match `json:"pending"`
}

// ListForOffer returns the offer's confirmed and pending pairings.
func (l *Ledger) ListForOffer(ctx context.Context, offerID string) (Partition, error) {
	matches, err := l.store.ListMatches(ctx, storage.MatchQuery{OfferID: offerID, Statuses: models.OpenMatchStatuses})
	if err != nil {
		return Partition{}, fmt.Errorf("list pairings for offer %s: %w", offerID, err)
	}
	p := Partition{Confirmed: []models.Match{}, Pending: []models.Match{}}
	for _, m := range matches {
		if m.Status == models.MatchConfirmed {
			p.Confirmed = append(p.Confirmed, m)
		} else {
			p.Pending = append(p.Pending, m)
		}
	}
	return p, nil
}

// ListForAccount returns every pairing where the account is driver or
// passenger, any status, in creation order.
func (l *Ledger) ListForAccount(ctx context.Context, accountID string) ([]models.Match, error) {
	matches, err := l.store.ListMatches(ctx, storage.MatchQuery{AccountID: accountID})
	if err != nil {
		return nil, fmt.Errorf("list pairings for account %s: %w", accountID, err)
	}
	return matches, nil
}

// Consistency compares an offer's stored seat counter with the value
// recomputed from its confirmed pairings.
type Consistency struct {
	OfferID    string `json:"offer_id"`
	TotalSeats int    `json:"total_seats"`
	Stored     int    `json:"stored_available_seats"`
	Recomputed int    `json:"recomputed_available_seats"`
}

func (c Consistency) OK() bool { return c.Stored == c.Recomputed }

// CheckConsistency reads the offer and its confirmed pairings in one
// transaction and reports both seat figures. A mismatch is logged.
// The offer row is locked: every seat change holds that lock, so both
// reads see the same state.
func (l *Ledger) CheckConsistency(ctx context.Context, offerID string) (Consistency, error) {
	var c Consistency
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		confirmed, err := tx.ListMatches(ctx, storage.MatchQuery{
			OfferID:  offerID,
			Statuses: []models.MatchStatus{models.MatchConfirmed},
		})
		if err != nil {
			return err
		}
		held := 0
		for _, m := range confirmed {
			held += m.PassengerCount
		}
		c = Consistency{
			OfferID:    offerID,
			TotalSeats: o.TotalSeats,
			Stored:     o.AvailableSeats,
			Recomputed: o.TotalSeats - held,
		}
		return nil
	})
	if err != nil {
		return Consistency{}, err
	}
	if !c.OK() {
		l.logger.Error("seat counter disagrees with confirmed pairings",
			"offer_id", offerID,
			"total_seats", c.TotalSeats,
			"stored", c.Stored,
			"recomputed", c.Recomputed,
		)
	}
	return c, nil
}
