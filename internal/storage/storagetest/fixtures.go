package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/storage"
)

func ptr[T any](v T) *T { return &v }

// Offer builds an active public going offer with one pickup.
func Offer(eventID, ownerID string, seats int) models.Offer {
	now := models.Now()
	return models.Offer{
		ID:             models.NewID(),
		EventID:        eventID,
		OwnerID:        ownerID,
		TotalSeats:     seats,
		AvailableSeats: seats,
		TripType:       models.TripGoing,
		Privacy:        models.PrivacyPublic,
		Payment:        models.Payment{Policy: models.PaymentNotRequired},
		Status:         models.StatusActive,
		Locations: []models.Location{{
			Point:     models.Point{Address: "Main St 1", Lat: ptr(52.52), Lng: ptr(13.405)},
			Direction: models.DirectionGoing,
			Time:      models.TimeSpec{Mode: models.TimeFlexible},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Request builds an active public going request.
func Request(eventID, ownerID string, passengers int) models.Request {
	now := models.Now()
	return models.Request{
		ID:             models.NewID(),
		EventID:        eventID,
		OwnerID:        ownerID,
		PassengerCount: passengers,
		TripType:       models.TripGoing,
		Privacy:        models.PrivacyPublic,
		Status:         models.StatusActive,
		Locations: []models.Location{{
			Point:     models.Point{Address: "Station Rd 4"},
			Direction: models.DirectionGoing,
			Time:      models.TimeSpec{Mode: models.TimeSpecific, At: "08:30"},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JoinRequest builds a pending passenger-initiated pairing on o.
func JoinRequest(o models.Offer, passengerID string, passengers int) models.Match {
	now := models.Now()
	return models.Match{
		ID:             models.NewID(),
		EventID:        o.EventID,
		OfferID:        o.ID,
		DriverID:       o.OwnerID,
		PassengerID:    passengerID,
		PassengerCount: passengers,
		Pickup:         &models.Point{Address: "Corner 9"},
		Status:         models.MatchPending,
		InitiatedBy:    models.PartyPassenger,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MustInsertOffer stores o in its own transaction.
func MustInsertOffer(t testing.TB, s storage.Store, o models.Offer) models.Offer {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.InsertOffer(context.Background(), o)
	}))
	return o
}

// MustInsertRequest stores r in its own transaction.
func MustInsertRequest(t testing.TB, s storage.Store, r models.Request) models.Request {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.InsertRequest(context.Background(), r)
	}))
	return r
}

// MustInsertMatch stores m in its own transaction.
func MustInsertMatch(t testing.TB, s storage.Store, m models.Match) models.Match {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.InsertMatch(context.Background(), m)
	}))
	return m
}
