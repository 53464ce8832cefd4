// Package lifecycle runs the pairing state machine shared by join requests
// (passenger initiated) and invitations (driver initiated).
//
//	pending   -> confirmed | rejected | cancelled
//	confirmed -> rejected | cancelled
//
// Only the recipient confirms or rejects. A pending pairing is cancelled by
// its initiator, a confirmed one by either party. Seats move only through
// the ledger.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/storage"
)

const maxMessageLen = 500

type Manager struct {
	store     storage.Store
	ledger    *ledger.Ledger
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(store storage.Store, l *ledger.Ledger, publisher events.Publisher, logger *slog.Logger) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		ledger:    l,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("github.com/example/rideshare/internal/lifecycle"),
	}
}

// JoinInput is a passenger's proposal to ride along on an offer.
type JoinInput struct {
	Pickup         models.Point `json:"pickup"`
	PassengerCount int          `json:"passenger_count"`
	Message        string       `json:"message"`
}

func (m *Manager) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := m.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(errp *error) {
		outcome := "ok"
		if err := *errp; err != nil {
			outcome = apperr.Code(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		observability.PairingTransitionsTotal.WithLabelValues(op, outcome).Inc()
		observability.PairingLatency.WithLabelValues(op).Observe(time.Since(began).Seconds())
		span.End()
	}
}

// SendJoinRequest creates a pending passenger-initiated pairing. No seats
// are taken until the driver confirms.
func (m *Manager) SendJoinRequest(ctx context.Context, passengerID, offerID string, in JoinInput) (out models.Match, err error) {
	ctx, done := m.start(ctx, "send_join_request",
		attribute.String("offer.id", offerID),
		attribute.String("account.id", passengerID),
	)
	defer done(&err)

	if strings.TrimSpace(passengerID) == "" {
		return models.Match{}, apperr.Validation("account_id", "is required")
	}
	if in.PassengerCount == 0 {
		in.PassengerCount = 1
	}
	if in.PassengerCount < 1 {
		return models.Match{}, apperr.Validation("passenger_count", "must be at least 1")
	}
	in.Pickup.Address = strings.TrimSpace(in.Pickup.Address)
	if in.Pickup.Address == "" {
		return models.Match{}, apperr.Validation("pickup.address", "is required")
	}
	if (in.Pickup.Lat == nil) != (in.Pickup.Lng == nil) {
		return models.Match{}, apperr.Validation("pickup.lat", "lat and lng must be given together")
	}
	if in.Message, err = normalizeMessage(in.Message); err != nil {
		return models.Match{}, err
	}

	err = m.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusActive {
			return apperr.NotFound("offer %s is not active", offerID)
		}
		if o.OwnerID == passengerID {
			return apperr.Validation("offer_id", "cannot join your own offer")
		}
		if in.PassengerCount > o.TotalSeats {
			return apperr.Validation("passenger_count", "exceeds the seats of the offer")
		}
		if err := ensureNoOpenPairing(ctx, tx, o.ID, passengerID); err != nil {
			return err
		}

		now := models.Now()
		pickup := in.Pickup
		out = models.Match{
			ID:             models.NewID(),
			EventID:        o.EventID,
			OfferID:        o.ID,
			DriverID:       o.OwnerID,
			PassengerID:    passengerID,
			PassengerCount: in.PassengerCount,
			Pickup:         &pickup,
			Status:         models.MatchPending,
			InitiatedBy:    models.PartyPassenger,
			Message:        in.Message,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertMatch(ctx, out)
	})
	if err != nil {
		return models.Match{}, err
	}

	m.logger.Info("join request sent", "match_id", out.ID, "offer_id", offerID, "passenger_id", passengerID, "passenger_count", out.PassengerCount)
	events.Emit(ctx, m.publisher, m.logger, events.NewPairingEvent(events.JoinRequested, out, out.CreatedAt))
	return out, nil
}

// SendInvitation creates a pending driver-initiated pairing that answers a
// passenger's request.
func (m *Manager) SendInvitation(ctx context.Context, driverID, offerID, requestID, message string) (out models.Match, err error) {
	ctx, done := m.start(ctx, "send_invitation",
		attribute.String("offer.id", offerID),
		attribute.String("request.id", requestID),
		attribute.String("account.id", driverID),
	)
	defer done(&err)

	if strings.TrimSpace(requestID) == "" {
		return models.Match{}, apperr.Validation("request_id", "is required")
	}
	if message, err = normalizeMessage(message); err != nil {
		return models.Match{}, err
	}

	err = m.store.Update(ctx, func(tx storage.Tx) error {
		req, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		o, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.OwnerID != driverID {
			return apperr.Unauthorized("only the driver of offer %s can invite", offerID)
		}
		if o.Status != models.StatusActive {
			return apperr.NotFound("offer %s is not active", offerID)
		}
		if req.Status != models.StatusActive {
			return apperr.NotFound("request %s is not active", requestID)
		}
		if req.EventID != o.EventID {
			return apperr.Validation("request_id", "request belongs to a different event")
		}
		if req.OwnerID == driverID {
			return apperr.Validation("request_id", "cannot invite yourself")
		}
		if req.PassengerCount > o.TotalSeats {
			return apperr.Validation("request_id", "request needs more seats than the offer has")
		}
		if err := ensureNoOpenPairing(ctx, tx, o.ID, req.OwnerID); err != nil {
			return err
		}

		now := models.Now()
		out = models.Match{
			ID:             models.NewID(),
			EventID:        o.EventID,
			OfferID:        o.ID,
			RequestID:      req.ID,
			DriverID:       driverID,
			PassengerID:    req.OwnerID,
			PassengerCount: req.PassengerCount,
			Status:         models.MatchPending,
			InitiatedBy:    models.PartyDriver,
			Message:        message,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertMatch(ctx, out)
	})
	if err != nil {
		return models.Match{}, err
	}

	m.logger.Info("invitation sent", "match_id", out.ID, "offer_id", offerID, "request_id", requestID, "driver_id", driverID)
	events.Emit(ctx, m.publisher, m.logger, events.NewPairingEvent(events.Invited, out, out.CreatedAt))
	return out, nil
}

// Confirm accepts a pending pairing and reserves its seats in the same
// transaction. Confirming a confirmed pairing returns it unchanged.
func (m *Manager) Confirm(ctx context.Context, matchID, accountID string, kind models.Party) (out models.Match, err error) {
	ctx, done := m.start(ctx, "confirm", attribute.String("match.id", matchID), attribute.String("account.id", accountID))
	defer done(&err)

	out, changed, err := m.transition(ctx, matchID, accountID, kind, func(cur models.Match) (models.MatchStatus, error) {
		if cur.Recipient() != accountID {
			return "", apperr.Unauthorized("only the recipient can confirm pairing %s", cur.ID)
		}
		switch cur.Status {
		case models.MatchConfirmed:
			return "", nil
		case models.MatchPending:
			return models.MatchConfirmed, nil
		}
		return "", apperr.Conflict("pairing %s is already %s", cur.ID, cur.Status)
	})
	if err != nil {
		return models.Match{}, err
	}
	if changed {
		m.logger.Info("pairing confirmed", "match_id", out.ID, "offer_id", out.OfferID, "passenger_count", out.PassengerCount)
		events.Emit(ctx, m.publisher, m.logger, events.NewPairingEvent(events.Confirmed, out, out.UpdatedAt))
	}
	return out, nil
}

// Reject declines a pending pairing or revokes a confirmed one, releasing
// its seats. Rejecting a rejected pairing returns it unchanged.
func (m *Manager) Reject(ctx context.Context, matchID, accountID string, kind models.Party) (out models.Match, err error) {
	ctx, done := m.start(ctx, "reject", attribute.String("match.id", matchID), attribute.String("account.id", accountID))
	defer done(&err)

	out, changed, err := m.transition(ctx, matchID, accountID, kind, func(cur models.Match) (models.MatchStatus, error) {
		if cur.Recipient() != accountID {
			return "", apperr.Unauthorized("only the recipient can reject pairing %s", cur.ID)
		}
		switch cur.Status {
		case models.MatchRejected:
			return "", nil
		case models.MatchPending, models.MatchConfirmed:
			return models.MatchRejected, nil
		}
		return "", apperr.Conflict("pairing %s is already %s", cur.ID, cur.Status)
	})
	if err != nil {
		return models.Match{}, err
	}
	if changed {
		m.logger.Info("pairing rejected", "match_id", out.ID, "offer_id", out.OfferID)
		events.Emit(ctx, m.publisher, m.logger, events.NewPairingEvent(events.Rejected, out, out.UpdatedAt))
	}
	return out, nil
}

// Cancel withdraws a pairing. While pending only the initiator may cancel;
// once confirmed either party may, and the seats are released.
func (m *Manager) Cancel(ctx context.Context, matchID, accountID string) (out models.Match, err error) {
	ctx, done := m.start(ctx, "cancel", attribute.String("match.id", matchID), attribute.String("account.id", accountID))
	defer done(&err)

	out, changed, err := m.transition(ctx, matchID, accountID, "", func(cur models.Match) (models.MatchStatus, error) {
		switch cur.Status {
		case models.MatchCancelled:
			return "", nil
		case models.MatchPending:
			if cur.Initiator() != accountID {
				return "", apperr.Unauthorized("only the initiator can cancel pending pairing %s", cur.ID)
			}
			return models.MatchCancelled, nil
		case models.MatchConfirmed:
			return models.MatchCancelled, nil
		}
		return "", apperr.Conflict("pairing %s is already %s", cur.ID, cur.Status)
	})
	if err != nil {
		return models.Match{}, err
	}
	if changed {
		m.logger.Info("pairing cancelled", "match_id", out.ID, "offer_id", out.OfferID, "by", accountID)
		events.Emit(ctx, m.publisher, m.logger, events.NewPairingEvent(events.Cancelled, out, out.UpdatedAt))
	}
	return out, nil
}

// DeleteJoinRequest lets the passenger withdraw their own join request. A
// pending one is removed outright; a confirmed one is cancelled so the
// history keeps it. deleted reports which happened.
func (m *Manager) DeleteJoinRequest(ctx context.Context, matchID, accountID string) (out models.Match, deleted bool, err error) {
	ctx, done := m.start(ctx, "delete_join_request", attribute.String("match.id", matchID), attribute.String("account.id", accountID))
	defer done(&err)

	err = m.store.Update(ctx, func(tx storage.Tx) error {
		cur, err := m.lock(ctx, tx, matchID, models.PartyPassenger)
		if err != nil {
			return err
		}
		if cur.PassengerID != accountID {
			return apperr.Unauthorized("only the passenger can delete join request %s", matchID)
		}
		switch cur.Status {
		case models.MatchPending:
			out, deleted = cur, true
			return tx.DeleteMatch(ctx, cur.ID)
		case models.MatchConfirmed:
			out, err = m.ledger.Apply(ctx, tx, cur, models.MatchCancelled, models.Now())
			return err
		}
		return apperr.Conflict("join request %s is already %s", matchID, cur.Status)
	})
	if err != nil {
		return models.Match{}, false, err
	}

	t := events.Cancelled
	if deleted {
		t = events.Deleted
	}
	m.logger.Info("join request withdrawn", "match_id", matchID, "offer_id", out.OfferID, "deleted", deleted)
	events.Emit(ctx, m.publisher, m.logger, events.NewPairingEvent(t, out, models.Now()))
	return out, deleted, nil
}

// transition locks the pairing, asks decide for the target status and
// applies it through the ledger. An empty target means the pairing already
// is where the caller wants it.
func (m *Manager) transition(ctx context.Context, matchID, accountID string, kind models.Party, decide func(models.Match) (models.MatchStatus, error)) (models.Match, bool, error) {
	var (
		out     models.Match
		changed bool
	)
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		cur, err := m.lock(ctx, tx, matchID, kind)
		if err != nil {
			return err
		}
		if !cur.Involves(accountID) {
			return apperr.Unauthorized("account is not a party to pairing %s", matchID)
		}
		to, err := decide(cur)
		if err != nil {
			return err
		}
		if to == "" {
			out = cur
			return nil
		}
		out, err = m.ledger.Apply(ctx, tx, cur, to, models.Now())
		changed = err == nil
		return err
	})
	return out, changed, err
}

// lock takes the offer lock and then the pairing lock. kind, when set,
// restricts the lookup to join requests or invitations.
func (m *Manager) lock(ctx context.Context, tx storage.Tx, matchID string, kind models.Party) (models.Match, error) {
	peek, err := tx.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	if kind != "" && peek.InitiatedBy != kind {
		return models.Match{}, apperr.NotFound("%s %s", kindName(kind), matchID)
	}
	if _, err := tx.LockOffer(ctx, peek.OfferID); err != nil {
		return models.Match{}, err
	}
	return tx.LockMatch(ctx, matchID)
}

func kindName(kind models.Party) string {
	if kind == models.PartyDriver {
		return "invitation"
	}
	return "join request"
}

func ensureNoOpenPairing(ctx context.Context, tx storage.Tx, offerID, passengerID string) error {
	open, err := tx.ListMatches(ctx, storage.MatchQuery{
		OfferID:     offerID,
		PassengerID: passengerID,
		Statuses:    models.OpenMatchStatuses,
	})
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return apperr.Conflict("account %s already has a %s pairing on offer %s", passengerID, open[0].Status, offerID)
	}
	return nil
}

func normalizeMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) > maxMessageLen {
		return msg, apperr.Validation("message", "must be at most 500 characters")
	}
	return msg, nil
}
