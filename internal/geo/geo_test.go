package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeOfLatitude(t *testing.T) {
	assert.InDelta(t, 111195, Haversine(0, 0, 1, 0), 5)
}

func TestIndexNearbyOrdersByDistancePerEvent(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	require.NoError(t, g.Upsert(ctx, "ev-1", "far", models.Coord{Lat: 0, Lon: 0.3}))
	require.NoError(t, g.Upsert(ctx, "ev-1", "near", models.Coord{Lat: 0, Lon: 0.01}))
	require.NoError(t, g.Upsert(ctx, "ev-1", "mid", models.Coord{Lat: 0, Lon: 0.1}))
	require.NoError(t, g.Upsert(ctx, "ev-2", "other", models.Coord{Lat: 0, Lon: 0}))

	hits, err := g.Nearby(ctx, "ev-1", models.Coord{}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "near", hits[0].OfferID)
	assert.Equal(t, "mid", hits[1].OfferID)
	assert.Equal(t, "far", hits[2].OfferID)

	top, err := g.Nearby(ctx, "ev-1", models.Coord{}, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	require.NoError(t, g.Remove(ctx, "ev-1", "near"))
	// moving an offer replaces its point
	require.NoError(t, g.Upsert(ctx, "ev-1", "far", models.Coord{Lat: 0, Lon: 0.001}))
	hits, err = g.Nearby(ctx, "ev-1", models.Coord{}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "far", hits[0].OfferID)

	none, err := g.Nearby(ctx, "ev-unknown", models.Coord{}, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}
