package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/capacity"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/storage"
	"github.com/example/rideshare/internal/storage/storagetest"
)

func newLedger(s storage.Store) *Ledger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, capacity.NewGuard(s, logger), logger)
}

func apply(t *testing.T, l *Ledger, s storage.Store, id string, to models.MatchStatus) (models.Match, error) {
	t.Helper()
	ctx := context.Background()
	var out models.Match
	err := s.Update(ctx, func(tx storage.Tx) error {
		m, err := tx.LockMatch(ctx, id)
		if err != nil {
			return err
		}
		out, err = l.Apply(ctx, tx, m, to, models.Now())
		return err
	})
	return out, err
}

func availableSeats(t *testing.T, s storage.Store, offerID string) int {
	t.Helper()
	o, err := s.GetOffer(context.Background(), offerID)
	require.NoError(t, err)
	return o.AvailableSeats
}

func TestApplyConfirmThenCancelRestoresSeats(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		l := newLedger(s)
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 3))
		m := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-1", 2))

		confirmed, err := apply(t, l, s, m.ID, models.MatchConfirmed)
		require.NoError(t, err)
		assert.Equal(t, models.MatchConfirmed, confirmed.Status)
		require.NotNil(t, confirmed.ConfirmedAt)
		assert.Nil(t, confirmed.ClosedAt)
		assert.Equal(t, 1, availableSeats(t, s, o.ID))

		cancelled, err := apply(t, l, s, m.ID, models.MatchCancelled)
		require.NoError(t, err)
		assert.Equal(t, models.MatchCancelled, cancelled.Status)
		require.NotNil(t, cancelled.ClosedAt)
		assert.Equal(t, 3, availableSeats(t, s, o.ID))

		stored, err := s.GetMatch(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MatchCancelled, stored.Status)
	})
}

func TestApplyConfirmWithoutCapacityLeavesPending(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		l := newLedger(s)
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 1))
		m := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-1", 2))

		_, err := apply(t, l, s, m.ID, models.MatchConfirmed)
		require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

		stored, err := s.GetMatch(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MatchPending, stored.Status)
		assert.Equal(t, 1, availableSeats(t, s, o.ID))
	})
}

func TestApplyRejectsIllegalEdges(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		l := newLedger(s)
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 2))
		m := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-1", 1))

		_, err := apply(t, l, s, m.ID, models.MatchRejected)
		require.NoError(t, err)

		for _, to := range []models.MatchStatus{models.MatchConfirmed, models.MatchCancelled, models.MatchPending} {
			_, err := apply(t, l, s, m.ID, to)
			assert.ErrorIs(t, err, apperr.ErrConflict, "to %s", to)
		}
		assert.Equal(t, 2, availableSeats(t, s, o.ID))
	})
}

func TestListForOfferPartitionsInCreationOrder(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		l := newLedger(s)
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 4))
		a := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-a", 1))
		b := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-b", 1))
		c := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-c", 1))
		d := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-d", 1))

		_, err := apply(t, l, s, c.ID, models.MatchConfirmed)
		require.NoError(t, err)
		_, err = apply(t, l, s, a.ID, models.MatchConfirmed)
		require.NoError(t, err)
		_, err = apply(t, l, s, d.ID, models.MatchRejected)
		require.NoError(t, err)

		p, err := l.ListForOffer(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, p.Confirmed, 2)
		assert.Equal(t, a.ID, p.Confirmed[0].ID)
		assert.Equal(t, c.ID, p.Confirmed[1].ID)
		require.Len(t, p.Pending, 1)
		assert.Equal(t, b.ID, p.Pending[0].ID)

		again, err := l.ListForOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, p, again)

		mine, err := l.ListForAccount(ctx, "driver-1")
		require.NoError(t, err)
		assert.Len(t, mine, 4)
		theirs, err := l.ListForAccount(ctx, "rider-d")
		require.NoError(t, err)
		require.Len(t, theirs, 1)
		assert.Equal(t, models.MatchRejected, theirs[0].Status)
	})
}

func TestCheckConsistency(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		l := newLedger(s)
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 4))
		m := storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, "rider-1", 3))
		_, err := apply(t, l, s, m.ID, models.MatchConfirmed)
		require.NoError(t, err)

		c, err := l.CheckConsistency(ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, c.OK())
		assert.Equal(t, 1, c.Stored)
		assert.Equal(t, 1, c.Recomputed)

		// Take a seat behind the ledger's back.
		require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
			_, err := tx.AdjustSeats(ctx, o.ID, -1, models.Now())
			return err
		}))
		c, err = l.CheckConsistency(ctx, o.ID)
		require.NoError(t, err)
		assert.False(t, c.OK())
		assert.Equal(t, 0, c.Stored)
		assert.Equal(t, 1, c.Recomputed)

		_, err = l.CheckConsistency(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestCheckConsistencyDuringConfirms(t *testing.T) {
	storagetest.Each(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		l := newLedger(s)
		o := storagetest.MustInsertOffer(t, s, storagetest.Offer("ev-1", "driver-1", 8))
		ids := make([]string, 0, 8)
		for _, p := range []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"} {
			ids = append(ids, storagetest.MustInsertMatch(t, s, storagetest.JoinRequest(o, p, 1)).ID)
		}

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			mismatches []Consistency
		)
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := s.Update(ctx, func(tx storage.Tx) error {
					if _, err := tx.LockOffer(ctx, o.ID); err != nil {
						return err
					}
					m, err := tx.LockMatch(ctx, id)
					if err != nil {
						return err
					}
					_, err = l.Apply(ctx, tx, m, models.MatchConfirmed, models.Now())
					return err
				})
				assert.NoError(t, err)
			}(id)
		}
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					c, err := l.CheckConsistency(ctx, o.ID)
					if !assert.NoError(t, err) {
						return
					}
					if !c.OK() {
						mu.Lock()
						mismatches = append(mismatches, c)
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, mismatches)
		assert.Equal(t, 0, availableSeats(t, s, o.ID))
	})
}
