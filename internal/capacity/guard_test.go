package capacity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/storage"
	"github.com/example/rideshare/internal/storage/storagetest"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReserveReleaseStaysInBounds(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		const total = 4
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", total))
		g := NewGuard(s, quietLogger())

		rng := rand.New(rand.NewSource(7))
		want := total
		for i := 0; i < 120; i++ {
			seats := 1 + rng.Intn(3)
			if rng.Intn(2) == 0 {
				left, err := g.Reserve(ctx, o.ID, seats)
				if want-seats >= 0 {
					require.NoError(t, err, "step %d", i)
					want -= seats
					assert.Equal(t, want, left)
				} else {
					require.ErrorIs(t, err, apperr.ErrCapacityExceeded, "step %d", i)
				}
			} else {
				left, err := g.Release(ctx, o.ID, seats)
				if want+seats <= total {
					require.NoError(t, err, "step %d", i)
					want += seats
					assert.Equal(t, want, left)
				} else {
					require.ErrorIs(t, err, apperr.ErrInvariantViolation, "step %d", i)
				}
			}

			got, err := s.GetOffer(ctx, o.ID)
			require.NoError(t, err)
			require.Equal(t, want, got.AvailableSeats, "step %d", i)
			require.GreaterOrEqual(t, got.AvailableSeats, 0)
			require.LessOrEqual(t, got.AvailableSeats, got.TotalSeats)
		}
	})
}

func TestLastSeatHasExactlyOneWinner(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 1))
		g := NewGuard(s, quietLogger())

		const workers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			exceeded int
			other    []error
		)
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				_, err := g.Reserve(ctx, o.ID, 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, apperr.ErrCapacityExceeded):
					exceeded++
				default:
					other = append(other, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, other)
		assert.Equal(t, 1, ok)
		assert.Equal(t, workers-1, exceeded)

		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.AvailableSeats)
	})
}

func TestRejectsNonPositiveSeats(t *testing.T) {
	s := storage.NewMemoryStore()
	o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 2))
	g := NewGuard(s, quietLogger())

	_, err := g.Reserve(context.Background(), o.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = g.Release(context.Background(), o.ID, -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReserveMissingOffer(t *testing.T) {
	g := NewGuard(storage.NewMemoryStore(), quietLogger())
	_, err := g.Reserve(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
