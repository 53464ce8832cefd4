package projection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/capacity"
	"github.com/example/rideshare/internal/eventdir"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/lifecycle"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/registry"
	"github.com/example/rideshare/internal/storage"
)

// flakyLedger fails ListForOffer for the offers in failFor.
type flakyLedger struct {
	Ledger
	failFor map[string]bool
}

func (f flakyLedger) ListForOffer(ctx context.Context, offerID string) (ledger.Partition, error) {
	if f.failFor[offerID] {
		return ledger.Partition{}, errors.New("boom")
	}
	return f.Ledger.ListForOffer(ctx, offerID)
}

type failingDirectory struct{ calls int }

func (d *failingDirectory) Display(context.Context, string) (models.EventDisplay, error) {
	d.calls++
	return nil, errors.New("directory down")
}

type fixture struct {
	reg    *registry.Registry
	ledger *ledger.Ledger
	mgr    *lifecycle.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(s, capacity.NewGuard(s, logger), logger)
	return fixture{
		reg:    registry.New(s, l, registry.WithLogger(logger)),
		ledger: l,
		mgr:    lifecycle.New(s, l, events.Nop{}, logger),
	}
}

func (f fixture) offer(t *testing.T, driver, eventID string) models.Offer {
	t.Helper()
	v, err := f.reg.CreateOffer(context.Background(), driver, eventID, registry.OfferInput{
		TotalSeats: 4,
		TripType:   models.TripGoing,
		Locations: []models.Location{{
			Point:     models.Point{Address: "Main St 1"},
			Direction: models.DirectionGoing,
			Time:      models.TimeSpec{Mode: models.TimeFlexible},
		}},
	})
	require.NoError(t, err)
	return v.Offer
}

func (f fixture) join(t *testing.T, passenger, offerID string) models.Match {
	t.Helper()
	m, err := f.mgr.SendJoinRequest(context.Background(), passenger, offerID, lifecycle.JoinInput{
		Pickup: models.Point{Address: "Corner"},
	})
	require.NoError(t, err)
	return m
}

func TestMyOffersToleratesPerOfferFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.offer(t, "driver", "ev-1")
	b := f.offer(t, "driver", "ev-1")
	f.offer(t, "someone-else", "ev-1")

	confirmed := f.join(t, "p1", b.ID)
	_, err := f.mgr.Confirm(ctx, confirmed.ID, "driver", models.PartyPassenger)
	require.NoError(t, err)
	pending := f.join(t, "p2", b.ID)
	f.join(t, "p3", a.ID)

	builder := New(f.reg, flakyLedger{Ledger: f.ledger, failFor: map[string]bool{a.ID: true}}, nil, nil)
	views, err := builder.MyOffers(ctx, "driver")
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, b.ID, views[0].ID, "newest first")
	assert.False(t, views[0].Incomplete)
	require.Len(t, views[0].Confirmed, 1)
	assert.Equal(t, confirmed.ID, views[0].Confirmed[0].ID)
	require.Len(t, views[0].Pending, 1)
	assert.Equal(t, pending.ID, views[0].Pending[0].ID)

	assert.Equal(t, a.ID, views[1].ID)
	assert.True(t, views[1].Incomplete)
	assert.Empty(t, views[1].Confirmed)
	assert.Empty(t, views[1].Pending)
}

func TestMyOffersEmpty(t *testing.T) {
	f := newFixture(t)
	views, err := New(f.reg, f.ledger, nil, nil).MyOffers(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestMyJoinedRides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o1 := f.offer(t, "d1", "ev-1")
	o2 := f.offer(t, "d2", "ev-2")
	o3 := f.offer(t, "d3", "ev-1")

	r1 := f.join(t, "p1", o1.ID)
	_, err := f.mgr.Confirm(ctx, r1.ID, "d1", models.PartyPassenger)
	require.NoError(t, err)
	r2 := f.join(t, "p1", o2.ID)
	_, err = f.mgr.Confirm(ctx, r2.ID, "d2", models.PartyPassenger)
	require.NoError(t, err)
	f.join(t, "p1", o3.ID)

	dir := eventdir.Static{"ev-1": {"title": "Festival"}}
	rides, err := New(f.reg, f.ledger, dir, nil).MyJoinedRides(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rides, 2)
	assert.Equal(t, r2.ID, rides[0].Match.ID)
	assert.Equal(t, r1.ID, rides[1].Match.ID)
	assert.Equal(t, "Festival", rides[1].Event["title"])
	assert.Empty(t, rides[0].Event)
	require.Len(t, rides[1].Locations, 1)
	assert.Equal(t, "Main St 1", rides[1].Locations[0].Address)

	driverView, err := New(f.reg, f.ledger, dir, nil).MyJoinedRides(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, driverView, "drivers do not ride in their own offers")
}

func TestMyJoinedRidesWithoutEventDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, "d1", "ev-1")
	o2 := f.offer(t, "d2", "ev-1")
	for _, id := range []string{o.ID, o2.ID} {
		m := f.join(t, "p1", id)
		owner := "d1"
		if id == o2.ID {
			owner = "d2"
		}
		_, err := f.mgr.Confirm(ctx, m.ID, owner, models.PartyPassenger)
		require.NoError(t, err)
	}

	dir := &failingDirectory{}
	rides, err := New(f.reg, f.ledger, dir, nil).MyJoinedRides(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rides, 2)
	for _, r := range rides {
		assert.Nil(t, r.Event)
		assert.NotEmpty(t, r.Locations)
	}
	assert.Equal(t, 1, dir.calls, "one lookup per event")
}

func TestMyRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o1 := f.offer(t, "d1", "ev-1")
	o2 := f.offer(t, "d2", "ev-1")

	first := f.join(t, "p1", o1.ID)
	_, err := f.mgr.Cancel(ctx, first.ID, "p1")
	require.NoError(t, err)
	second := f.join(t, "p1", o2.ID)

	req, err := f.reg.CreateRequest(ctx, "p1", "ev-1", registry.RequestInput{
		PassengerCount: 1,
		TripType:       models.TripGoing,
		Locations: []models.Location{{
			Point:     models.Point{Address: "Home"},
			Direction: models.DirectionGoing,
			Time:      models.TimeSpec{Mode: models.TimeFlexible},
		}},
	})
	require.NoError(t, err)
	o3 := f.offer(t, "d3", "ev-1")
	_, err = f.mgr.SendInvitation(ctx, "d3", o3.ID, req.ID, "")
	require.NoError(t, err)

	got, err := New(f.reg, f.ledger, nil, nil).MyRequests(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2, "invitations received are not requests sent")
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
	assert.Equal(t, models.MatchCancelled, got[1].Status)
}
