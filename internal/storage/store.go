package storage

import (
	"context"
	"time"

	"github.com/example/rideshare/internal/models"
)

// OfferQuery filters offers. Empty fields match everything. Results are
// newest first.
type OfferQuery struct {
	EventID string
	OwnerID string
	Status  models.RecordStatus
	Privacy models.Privacy
}

// RequestQuery filters requests. Empty fields match everything. Results are
// newest first.
type RequestQuery struct {
	EventID string
	OwnerID string
	Status  models.RecordStatus
	Privacy models.Privacy
}

// MatchQuery filters pairings. AccountID matches either side. Results are
// in creation order.
type MatchQuery struct {
	OfferID     string
	RequestID   string
	AccountID   string
	PassengerID string
	Statuses    []models.MatchStatus
}

// Reader is the read side shared by stores and transactions.
type Reader interface {
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffers(ctx context.Context, q OfferQuery) ([]models.Offer, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	ListRequests(ctx context.Context, q RequestQuery) ([]models.Request, error)
	GetMatch(ctx context.Context, id string) (models.Match, error)
	ListMatches(ctx context.Context, q MatchQuery) ([]models.Match, error)
}

// Tx is a unit of work. Everything done through a Tx commits or rolls back
// together.
type Tx interface {
	Reader

	// The Lock methods read a record and hold it against concurrent writers
	// until the transaction ends. Callers take locks in the order request,
	// offer, pairing.
	LockOffer(ctx context.Context, id string) (models.Offer, error)
	LockRequest(ctx context.Context, id string) (models.Request, error)
	LockMatch(ctx context.Context, id string) (models.Match, error)

	InsertOffer(ctx context.Context, o models.Offer) error
	SetOfferStatus(ctx context.Context, id string, status models.RecordStatus, at time.Time) error
	InsertRequest(ctx context.Context, r models.Request) error
	SetRequestStatus(ctx context.Context, id string, status models.RecordStatus, at time.Time) error

	// AdjustSeats adds delta to an offer's available seats and returns the
	// new value. A result below zero fails with apperr.ErrCapacityExceeded,
	// a result above total seats with apperr.ErrInvariantViolation; the
	// stored value is left untouched in both cases.
	AdjustSeats(ctx context.Context, offerID string, delta int, at time.Time) (int, error)

	// InsertMatch fails with apperr.ErrConflict when another open pairing
	// exists for the same offer and passenger.
	InsertMatch(ctx context.Context, m models.Match) error
	UpdateMatch(ctx context.Context, m models.Match) error
	DeleteMatch(ctx context.Context, id string) error
}

// Store is the persistence boundary of the engine.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

func containsStatus(list []models.MatchStatus, s models.MatchStatus) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
