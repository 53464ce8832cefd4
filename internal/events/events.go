// Package events carries pairing lifecycle notifications to other
// processes. Publishing is best effort and happens after commit.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
)

type Type string

const (
	JoinRequested Type = "join_requested"
	Invited       Type = "invited"
	Confirmed     Type = "confirmed"
	Rejected      Type = "rejected"
	Cancelled     Type = "cancelled"
	Deleted       Type = "deleted"
)

// PairingEvent is the wire form of a committed pairing change.
type PairingEvent struct {
	ID             string             `json:"id"`
	Type           Type               `json:"type"`
	MatchID        string             `json:"match_id"`
	EventID        string             `json:"event_id"`
	OfferID        string             `json:"offer_id"`
	DriverID       string             `json:"driver_id"`
	PassengerID    string             `json:"passenger_id"`
	InitiatedBy    models.Party       `json:"initiated_by"`
	Status         models.MatchStatus `json:"status"`
	PassengerCount int                `json:"passenger_count"`
	At             time.Time          `json:"at"`
}

// NewPairingEvent stamps a fresh event id onto the state of m.
func NewPairingEvent(t Type, m models.Match, at time.Time) PairingEvent {
	return PairingEvent{
		ID:             uuid.NewString(),
		Type:           t,
		MatchID:        m.ID,
		EventID:        m.EventID,
		OfferID:        m.OfferID,
		DriverID:       m.DriverID,
		PassengerID:    m.PassengerID,
		InitiatedBy:    m.InitiatedBy,
		Status:         m.Status,
		PassengerCount: m.PassengerCount,
		At:             at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e PairingEvent) error
	Close() error
}

// BatchPublisher is implemented by publishers that can send several events
// in one round trip.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, evs []PairingEvent) error
}

// Emit publishes evs in order. Failures are logged and counted; the
// pairing change they describe is already committed.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, evs ...PairingEvent) {
	if p == nil || len(evs) == 0 {
		return
	}
	if bp, ok := p.(BatchPublisher); ok && len(evs) > 1 {
		if err := bp.PublishBatch(ctx, evs); err != nil {
			observability.EventsPublishedTotal.WithLabelValues("error").Add(float64(len(evs)))
			logger.Warn("publish pairing events failed",
				"count", len(evs),
				"offer_id", evs[0].OfferID,
				"error", err,
			)
			return
		}
		observability.EventsPublishedTotal.WithLabelValues("ok").Add(float64(len(evs)))
		return
	}
	for _, e := range evs {
		if err := p.Publish(ctx, e); err != nil {
			observability.EventsPublishedTotal.WithLabelValues("error").Inc()
			logger.Warn("publish pairing event failed",
				"event_type", e.Type,
				"match_id", e.MatchID,
				"offer_id", e.OfferID,
				"error", err,
			)
			continue
		}
		observability.EventsPublishedTotal.WithLabelValues("ok").Inc()
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, PairingEvent) error { return nil }
func (Nop) Close() error                                { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []PairingEvent
}

func (r *Recorder) Publish(_ context.Context, e PairingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published so far.
func (r *Recorder) Events() []PairingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PairingEvent(nil), r.events...)
}
