package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/models"
)

type flakyPublisher struct {
	Recorder
	failType Type
}

func (f *flakyPublisher) Publish(ctx context.Context, e PairingEvent) error {
	if e.Type == f.failType {
		return errors.New("broker down")
	}
	return f.Recorder.Publish(ctx, e)
}

func TestEmitContinuesPastFailures(t *testing.T) {
	m := models.Match{ID: "m1", OfferID: "o1", Status: models.MatchCancelled}
	now := time.Now()
	p := &flakyPublisher{failType: Rejected}

	Emit(context.Background(), p, slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewPairingEvent(Rejected, m, now),
		NewPairingEvent(Cancelled, m, now),
	)
	got := p.Events()
	require.Len(t, got, 1)
	assert.Equal(t, Cancelled, got[0].Type)
}

func TestEmitWithoutPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, slog.Default(), NewPairingEvent(Confirmed, models.Match{}, time.Now()))
	})
}

func TestPairingEventWireForm(t *testing.T) {
	m := models.Match{
		ID:             "m1",
		EventID:        "ev-1",
		OfferID:        "o1",
		DriverID:       "d1",
		PassengerID:    "p1",
		InitiatedBy:    models.PartyPassenger,
		Status:         models.MatchConfirmed,
		PassengerCount: 2,
	}
	e := NewPairingEvent(Confirmed, m, time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	assert.NotEmpty(t, e.ID)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "confirmed", fields["type"])
	assert.Equal(t, "o1", fields["offer_id"])
	assert.Equal(t, "passenger", fields["initiated_by"])
	assert.Equal(t, float64(2), fields["passenger_count"])
	assert.Equal(t, "2026-07-01T12:00:00Z", fields["at"])
}
