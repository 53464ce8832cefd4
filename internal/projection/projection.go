// Package projection builds the read-only dashboard views of an account:
// the offers it drives, the rides it joined and the pairings it started.
package projection

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/example/rideshare/internal/eventdir"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
)

const fanOut = 8

// Offers is the part of the offer registry the builder reads.
type Offers interface {
	ListOffersByOwner(ctx context.Context, ownerID string) ([]models.Offer, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
}

// Ledger is the part of the match ledger the builder reads.
type Ledger interface {
	ListForOffer(ctx context.Context, offerID string) (ledger.Partition, error)
	ListForAccount(ctx context.Context, accountID string) ([]models.Match, error)
}

type Builder struct {
	offers Offers
	ledger Ledger
	events eventdir.Directory
	logger *slog.Logger
}

// New returns a builder. events may be nil, in which case joined rides
// carry no event display fields.
func New(offers Offers, l Ledger, events eventdir.Directory, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{offers: offers, ledger: l, events: events, logger: logger}
}

// OfferView is one of the account's offers with its passengers.
type OfferView struct {
	models.Offer
	Confirmed []models.Match `json:"confirmed"`
	Pending   []models.Match `json:"pending"`
	// Incomplete is set when the passenger lists could not be loaded.
	Incomplete bool `json:"incomplete,omitempty"`
}

// MyOffers returns every offer the account owns, newest first. A failure
// to load one offer's pairings leaves that offer with empty lists.
func (b *Builder) MyOffers(ctx context.Context, accountID string) ([]OfferView, error) {
	offers, err := b.offers.ListOffersByOwner(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]OfferView, len(offers))
	var g errgroup.Group
	g.SetLimit(fanOut)
	for i, o := range offers {
		i, o := i, o
		g.Go(func() error {
			view := OfferView{Offer: o, Confirmed: []models.Match{}, Pending: []models.Match{}}
			p, err := b.ledger.ListForOffer(ctx, o.ID)
			if err != nil {
				observability.ProjectionPartialFailuresTotal.WithLabelValues("my_offers").Inc()
				b.logger.Warn("load offer passengers failed", "offer_id", o.ID, "account_id", accountID, "error", err)
				view.Incomplete = true
			} else {
				view.Confirmed, view.Pending = p.Confirmed, p.Pending
			}
			out[i] = view
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// JoinedRide is a confirmed seat of the account in someone else's car.
type JoinedRide struct {
	Match     models.Match        `json:"match"`
	Locations []models.Location   `json:"locations"`
	Event     models.EventDisplay `json:"event,omitempty"`
}

// MyJoinedRides returns the confirmed pairings where the account rides as
// passenger, newest first, with the offer's stops and the event's display
// fields. Either enrichment is left out when its source fails.
func (b *Builder) MyJoinedRides(ctx context.Context, accountID string) ([]JoinedRide, error) {
	matches, err := b.ledger.ListForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	display := make(map[string]models.EventDisplay)
	out := []JoinedRide{}
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		if m.Status != models.MatchConfirmed || m.PassengerID != accountID {
			continue
		}
		ride := JoinedRide{Match: m, Locations: []models.Location{}}
		if o, err := b.offers.GetOffer(ctx, m.OfferID); err != nil {
			observability.ProjectionPartialFailuresTotal.WithLabelValues("my_joined_rides").Inc()
			b.logger.Warn("load joined offer failed", "offer_id", m.OfferID, "error", err)
		} else {
			ride.Locations = o.Locations
		}
		ride.Event = b.eventDisplay(ctx, m.EventID, display)
		out = append(out, ride)
	}
	return out, nil
}

func (b *Builder) eventDisplay(ctx context.Context, eventID string, seen map[string]models.EventDisplay) models.EventDisplay {
	if b.events == nil {
		return nil
	}
	if d, ok := seen[eventID]; ok {
		return d
	}
	d, err := b.events.Display(ctx, eventID)
	if err != nil {
		observability.ProjectionPartialFailuresTotal.WithLabelValues("event_display").Inc()
		b.logger.Warn("event display lookup failed", "event_id", eventID, "error", err)
		d = nil
	}
	seen[eventID] = d
	return d
}

// MyRequests returns every pairing the account started, any status,
// newest first.
func (b *Builder) MyRequests(ctx context.Context, accountID string) ([]models.Match, error) {
	matches, err := b.ledger.ListForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := []models.Match{}
	for i := len(matches) - 1; i >= 0; i-- {
		if matches[i].Initiator() == accountID {
			out = append(out, matches[i])
		}
	}
	return out, nil
}
