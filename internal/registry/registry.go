// Package registry publishes, lists and cancels offers and requests.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/route"
	"github.com/example/rideshare/internal/storage"
)

type Registry struct {
	store     storage.Store
	ledger    *ledger.Ledger
	index     geo.PickupIndex
	advisor   *route.Advisor
	publisher events.Publisher
	logger    *slog.Logger
}

type Option func(*Registry)

// WithPickupIndex enables proximity ranking of public offers.
func WithPickupIndex(idx geo.PickupIndex) Option {
	return func(r *Registry) { r.index = idx }
}

// WithAdvisor enables the advisory payment cap.
func WithAdvisor(a *route.Advisor) Option {
	return func(r *Registry) { r.advisor = a }
}

// WithPublisher sends events for pairings closed by a cascade.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func New(store storage.Store, l *ledger.Ledger, opts ...Option) *Registry {
	r := &Registry{store: store, ledger: l, publisher: events.Nop{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OfferView is an offer plus its advisory payment cap, when one applies.
type OfferView struct {
	models.Offer
	PaymentAdvice *route.Advice `json:"payment_advice,omitempty"`
}

// CreateOffer validates and stores a new active offer with every seat
// available.
func (r *Registry) CreateOffer(ctx context.Context, ownerID, eventID string, in OfferInput) (OfferView, error) {
	if err := validateRefs(ownerID, eventID); err != nil {
		return OfferView{}, err
	}
	in, err := normalizeOffer(in)
	if err != nil {
		return OfferView{}, err
	}

	now := models.Now()
	o := models.Offer{
		ID:             models.NewID(),
		EventID:        eventID,
		OwnerID:        ownerID,
		TotalSeats:     in.TotalSeats,
		AvailableSeats: in.TotalSeats,
		TripType:       in.TripType,
		Privacy:        in.Privacy,
		Payment:        in.Payment,
		Status:         models.StatusActive,
		Notes:          in.Notes,
		Locations:      in.Locations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Update(ctx, func(tx storage.Tx) error {
		return tx.InsertOffer(ctx, o)
	}); err != nil {
		return OfferView{}, err
	}
	observability.RecordsCreatedTotal.WithLabelValues("offer").Inc()
	r.logger.Info("offer created", "offer_id", o.ID, "event_id", eventID, "owner_id", ownerID, "total_seats", o.TotalSeats)

	if r.index != nil {
		if c, ok := o.FirstPickup(); ok {
			if err := r.index.Upsert(ctx, o.EventID, o.ID, c); err != nil {
				r.logger.Warn("index offer pickup failed", "offer_id", o.ID, "error", err)
			}
		}
	}

	view := OfferView{Offer: o}
	if o.Payment.Policy != models.PaymentNotRequired {
		if adv, ok := r.advisor.Advise(ctx, o); ok {
			view.PaymentAdvice = &adv
		}
	}
	return view, nil
}

// IndexActiveOffers loads the pickup of every active offer into the pickup
// index. The server calls it at startup so proximity ranking covers offers
// created before the process started.
func (r *Registry) IndexActiveOffers(ctx context.Context) (int, error) {
	if r.index == nil {
		return 0, nil
	}
	offers, err := r.store.ListOffers(ctx, storage.OfferQuery{Status: models.StatusActive})
	if err != nil {
		return 0, fmt.Errorf("list active offers: %w", err)
	}
	n := 0
	for _, o := range offers {
		c, ok := o.FirstPickup()
		if !ok {
			continue
		}
		if err := r.index.Upsert(ctx, o.EventID, o.ID, c); err != nil {
			return n, fmt.Errorf("index offer %s: %w", o.ID, err)
		}
		n++
	}
	return n, nil
}

// CreateRequest validates and stores a new active request.
func (r *Registry) CreateRequest(ctx context.Context, ownerID, eventID string, in RequestInput) (models.Request, error) {
	if err := validateRefs(ownerID, eventID); err != nil {
		return models.Request{}, err
	}
	in, err := normalizeRequest(in)
	if err != nil {
		return models.Request{}, err
	}

	now := models.Now()
	req := models.Request{
		ID:             models.NewID(),
		EventID:        eventID,
		OwnerID:        ownerID,
		PassengerCount: in.PassengerCount,
		TripType:       in.TripType,
		Privacy:        in.Privacy,
		Status:         models.StatusActive,
		Notes:          in.Notes,
		Locations:      in.Locations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Update(ctx, func(tx storage.Tx) error {
		return tx.InsertRequest(ctx, req)
	}); err != nil {
		return models.Request{}, err
	}
	observability.RecordsCreatedTotal.WithLabelValues("request").Inc()
	r.logger.Info("request created", "request_id", req.ID, "event_id", eventID, "owner_id", ownerID, "passenger_count", req.PassengerCount)
	return req, nil
}

func (r *Registry) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return r.store.GetOffer(ctx, id)
}

func (r *Registry) GetRequest(ctx context.Context, id string) (models.Request, error) {
	return r.store.GetRequest(ctx, id)
}

// PaymentAdvice returns the advisory cap for an offer. ok is false when
// the offer's stops do not allow an estimate.
func (r *Registry) PaymentAdvice(ctx context.Context, offerID string) (route.Advice, bool, error) {
	o, err := r.store.GetOffer(ctx, offerID)
	if err != nil {
		return route.Advice{}, false, err
	}
	if o.Payment.Policy == models.PaymentNotRequired {
		return route.Advice{}, false, nil
	}
	adv, ok := r.advisor.Advise(ctx, o)
	return adv, ok, nil
}

// ListPublicOffers returns the event's public active offers, newest first.
// With near set and a pickup index configured, offers with an indexed
// pickup come first ordered by distance.
func (r *Registry) ListPublicOffers(ctx context.Context, eventID string, near *models.Coord, limit int) ([]models.Offer, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, apperr.Validation("event_id", "is required")
	}
	offers, err := r.store.ListOffers(ctx, storage.OfferQuery{
		EventID: eventID,
		Status:  models.StatusActive,
		Privacy: models.PrivacyPublic,
	})
	if err != nil {
		return nil, err
	}
	if near != nil && r.index != nil && len(offers) > 0 {
		hits, err := r.index.Nearby(ctx, eventID, *near, 0)
		if err != nil {
			r.logger.Warn("nearby lookup failed, keeping recency order", "event_id", eventID, "error", err)
		} else {
			rankByDistance(offers, hits)
		}
	}
	if limit > 0 && len(offers) > limit {
		offers = offers[:limit]
	}
	return offers, nil
}

func rankByDistance(offers []models.Offer, hits []geo.Hit) {
	pos := make(map[string]int, len(hits))
	for i, h := range hits {
		pos[h.OfferID] = i
	}
	sort.SliceStable(offers, func(i, j int) bool {
		pi, iok := pos[offers[i].ID]
		pj, jok := pos[offers[j].ID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		}
		return false
	})
}

// ListPublicRequests returns the event's public active requests, newest
// first.
func (r *Registry) ListPublicRequests(ctx context.Context, eventID string) ([]models.Request, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, apperr.Validation("event_id", "is required")
	}
	return r.store.ListRequests(ctx, storage.RequestQuery{
		EventID: eventID,
		Status:  models.StatusActive,
		Privacy: models.PrivacyPublic,
	})
}

func (r *Registry) ListOffersByOwner(ctx context.Context, ownerID string) ([]models.Offer, error) {
	return r.store.ListOffers(ctx, storage.OfferQuery{OwnerID: ownerID})
}

func (r *Registry) ListRequestsByOwner(ctx context.Context, ownerID string) ([]models.Request, error) {
	return r.store.ListRequests(ctx, storage.RequestQuery{OwnerID: ownerID})
}

// CancelOffer flips the offer to cancelled and cancels every open pairing
// on it, releasing the seats of confirmed ones, in one transaction.
// Cancelling a cancelled offer returns it unchanged.
func (r *Registry) CancelOffer(ctx context.Context, offerID, accountID string) (models.Offer, error) {
	var (
		out     models.Offer
		closed  []models.Match
		changed bool
	)
	now := models.Now()
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.OwnerID != accountID {
			return apperr.Unauthorized("only the driver can cancel offer %s", offerID)
		}
		if o.Status == models.StatusCancelled {
			out = o
			return nil
		}
		changed = true
		if err := tx.SetOfferStatus(ctx, offerID, models.StatusCancelled, now); err != nil {
			return err
		}
		open, err := tx.ListMatches(ctx, storage.MatchQuery{OfferID: offerID, Statuses: models.OpenMatchStatuses})
		if err != nil {
			return err
		}
		if closed, err = r.cascade(ctx, tx, open, now); err != nil {
			return err
		}
		out, err = tx.GetOffer(ctx, offerID)
		return err
	})
	if err != nil {
		return models.Offer{}, err
	}
	if !changed {
		return out, nil
	}

	observability.RecordsCancelledTotal.WithLabelValues("offer").Inc()
	r.logger.Info("offer cancelled", "offer_id", offerID, "cascaded", len(closed))
	if r.index != nil {
		if err := r.index.Remove(ctx, out.EventID, out.ID); err != nil {
			r.logger.Warn("remove offer pickup failed", "offer_id", out.ID, "error", err)
		}
	}
	r.emitCancelled(ctx, closed, now)
	return out, nil
}

// CancelRequest flips the request to cancelled and cancels every open
// invitation answering it.
func (r *Registry) CancelRequest(ctx context.Context, requestID, accountID string) (models.Request, error) {
	var (
		out     models.Request
		closed  []models.Match
		changed bool
	)
	now := models.Now()
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		req, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.OwnerID != accountID {
			return apperr.Unauthorized("only the passenger can cancel request %s", requestID)
		}
		if req.Status == models.StatusCancelled {
			out = req
			return nil
		}
		changed = true
		open, err := tx.ListMatches(ctx, storage.MatchQuery{RequestID: requestID, Statuses: models.OpenMatchStatuses})
		if err != nil {
			return err
		}
		// Lock order is request, offers in id order, pairings.
		offerIDs := make([]string, 0, len(open))
		for _, m := range open {
			offerIDs = append(offerIDs, m.OfferID)
		}
		sort.Strings(offerIDs)
		for i, id := range offerIDs {
			if i > 0 && offerIDs[i-1] == id {
				continue
			}
			if _, err := tx.LockOffer(ctx, id); err != nil {
				return err
			}
		}
		if err := tx.SetRequestStatus(ctx, requestID, models.StatusCancelled, now); err != nil {
			return err
		}
		if closed, err = r.cascade(ctx, tx, open, now); err != nil {
			return err
		}
		out, err = tx.GetRequest(ctx, requestID)
		return err
	})
	if err != nil {
		return models.Request{}, err
	}
	if !changed {
		return out, nil
	}

	observability.RecordsCancelledTotal.WithLabelValues("request").Inc()
	r.logger.Info("request cancelled", "request_id", requestID, "cascaded", len(closed))
	r.emitCancelled(ctx, closed, now)
	return out, nil
}

// cascade cancels the given pairings through the ledger, re-reading each
// under lock so a concurrent transition is not overwritten.
func (r *Registry) cascade(ctx context.Context, tx storage.Tx, open []models.Match, now time.Time) ([]models.Match, error) {
	closed := make([]models.Match, 0, len(open))
	for _, m := range open {
		cur, err := tx.LockMatch(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if !cur.Status.Open() {
			continue
		}
		next, err := r.ledger.Apply(ctx, tx, cur, models.MatchCancelled, now)
		if err != nil {
			return nil, err
		}
		closed = append(closed, next)
	}
	return closed, nil
}

func (r *Registry) emitCancelled(ctx context.Context, closed []models.Match, now time.Time) {
	evs := make([]events.PairingEvent, 0, len(closed))
	for _, m := range closed {
		evs = append(evs, events.NewPairingEvent(events.Cancelled, m, now))
	}
	events.Emit(ctx, r.publisher, r.logger, evs...)
}
