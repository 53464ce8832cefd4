package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/models"
)

// MemoryStore is the in-process Store used when no database is configured.
// Update holds the write lock for the whole unit of work and undoes its
// changes if the unit fails.
type MemoryStore struct {
	mu       sync.RWMutex
	offers   map[string]models.Offer
	requests map[string]models.Request
	matches  map[string]models.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:   make(map[string]models.Offer),
		requests: make(map[string]models.Request),
		matches:  make(map[string]models.Match),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{s: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) view() *memTx { return &memTx{s: m} }

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetOffer(ctx, id)
}

func (m *MemoryStore) ListOffers(ctx context.Context, q OfferQuery) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListOffers(ctx, q)
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetRequest(ctx, id)
}

func (m *MemoryStore) ListRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListRequests(ctx, q)
}

func (m *MemoryStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetMatch(ctx, id)
}

func (m *MemoryStore) ListMatches(ctx context.Context, q MatchQuery) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListMatches(ctx, q)
}

// memTx operates on the store maps directly; the caller holds the lock.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, ok := t.s.offers[id]
	if !ok {
		return models.Offer{}, apperr.NotFound("offer %s", id)
	}
	return cloneOffer(o), nil
}

func (t *memTx) ListOffers(ctx context.Context, q OfferQuery) ([]models.Offer, error) {
	out := make([]models.Offer, 0)
	for _, o := range t.s.offers {
		if q.EventID != "" && o.EventID != q.EventID {
			continue
		}
		if q.OwnerID != "" && o.OwnerID != q.OwnerID {
			continue
		}
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		if q.Privacy != "" && o.Privacy != q.Privacy {
			continue
		}
		out = append(out, cloneOffer(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) GetRequest(ctx context.Context, id string) (models.Request, error) {
	r, ok := t.s.requests[id]
	if !ok {
		return models.Request{}, apperr.NotFound("request %s", id)
	}
	return cloneRequest(r), nil
}

func (t *memTx) ListRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	out := make([]models.Request, 0)
	for _, r := range t.s.requests {
		if q.EventID != "" && r.EventID != q.EventID {
			continue
		}
		if q.OwnerID != "" && r.OwnerID != q.OwnerID {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.Privacy != "" && r.Privacy != q.Privacy {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) GetMatch(ctx context.Context, id string) (models.Match, error) {
	m, ok := t.s.matches[id]
	if !ok {
		return models.Match{}, apperr.NotFound("match %s", id)
	}
	return cloneMatch(m), nil
}

func (t *memTx) LockOffer(ctx context.Context, id string) (models.Offer, error) {
	return t.GetOffer(ctx, id)
}

func (t *memTx) LockRequest(ctx context.Context, id string) (models.Request, error) {
	return t.GetRequest(ctx, id)
}

func (t *memTx) LockMatch(ctx context.Context, id string) (models.Match, error) {
	return t.GetMatch(ctx, id)
}

func (t *memTx) ListMatches(ctx context.Context, q MatchQuery) ([]models.Match, error) {
	out := make([]models.Match, 0)
	for _, m := range t.s.matches {
		if q.OfferID != "" && m.OfferID != q.OfferID {
			continue
		}
		if q.RequestID != "" && m.RequestID != q.RequestID {
			continue
		}
		if q.AccountID != "" && !m.Involves(q.AccountID) {
			continue
		}
		if q.PassengerID != "" && m.PassengerID != q.PassengerID {
			continue
		}
		if !containsStatus(q.Statuses, m.Status) {
			continue
		}
		out = append(out, cloneMatch(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertOffer(ctx context.Context, o models.Offer) error {
	if _, ok := t.s.offers[o.ID]; ok {
		return apperr.Conflict("offer %s already exists", o.ID)
	}
	t.s.offers[o.ID] = cloneOffer(o)
	t.undo = append(t.undo, func() { delete(t.s.offers, o.ID) })
	return nil
}

func (t *memTx) SetOfferStatus(ctx context.Context, id string, status models.RecordStatus, at time.Time) error {
	prev, ok := t.s.offers[id]
	if !ok {
		return apperr.NotFound("offer %s", id)
	}
	next := prev
	next.Status = status
	next.UpdatedAt = at
	t.s.offers[id] = next
	t.undo = append(t.undo, func() { t.s.offers[id] = prev })
	return nil
}

func (t *memTx) InsertRequest(ctx context.Context, r models.Request) error {
	if _, ok := t.s.requests[r.ID]; ok {
		return apperr.Conflict("request %s already exists", r.ID)
	}
	t.s.requests[r.ID] = cloneRequest(r)
	t.undo = append(t.undo, func() { delete(t.s.requests, r.ID) })
	return nil
}

func (t *memTx) SetRequestStatus(ctx context.Context, id string, status models.RecordStatus, at time.Time) error {
	prev, ok := t.s.requests[id]
	if !ok {
		return apperr.NotFound("request %s", id)
	}
	next := prev
	next.Status = status
	next.UpdatedAt = at
	t.s.requests[id] = next
	t.undo = append(t.undo, func() { t.s.requests[id] = prev })
	return nil
}

func (t *memTx) AdjustSeats(ctx context.Context, offerID string, delta int, at time.Time) (int, error) {
	prev, ok := t.s.offers[offerID]
	if !ok {
		return 0, apperr.NotFound("offer %s", offerID)
	}
	n := prev.AvailableSeats + delta
	if n < 0 {
		return prev.AvailableSeats, apperr.CapacityExceeded("offer %s has %d seats available, %d requested", offerID, prev.AvailableSeats, -delta)
	}
	if n > prev.TotalSeats {
		return prev.AvailableSeats, apperr.Invariant("offer %s: releasing %d seats would exceed total %d (available %d)", offerID, delta, prev.TotalSeats, prev.AvailableSeats)
	}
	next := prev
	next.AvailableSeats = n
	next.UpdatedAt = at
	t.s.offers[offerID] = next
	t.undo = append(t.undo, func() { t.s.offers[offerID] = prev })
	return n, nil
}

func (t *memTx) InsertMatch(ctx context.Context, m models.Match) error {
	if _, ok := t.s.matches[m.ID]; ok {
		return apperr.Conflict("match %s already exists", m.ID)
	}
	if err := t.checkOpenDuplicate(m); err != nil {
		return err
	}
	t.s.matches[m.ID] = cloneMatch(m)
	t.undo = append(t.undo, func() { delete(t.s.matches, m.ID) })
	return nil
}

func (t *memTx) UpdateMatch(ctx context.Context, m models.Match) error {
	prev, ok := t.s.matches[m.ID]
	if !ok {
		return apperr.NotFound("match %s", m.ID)
	}
	if err := t.checkOpenDuplicate(m); err != nil {
		return err
	}
	t.s.matches[m.ID] = cloneMatch(m)
	t.undo = append(t.undo, func() { t.s.matches[m.ID] = prev })
	return nil
}

func (t *memTx) DeleteMatch(ctx context.Context, id string) error {
	prev, ok := t.s.matches[id]
	if !ok {
		return apperr.NotFound("match %s", id)
	}
	delete(t.s.matches, id)
	t.undo = append(t.undo, func() { t.s.matches[id] = prev })
	return nil
}

// checkOpenDuplicate mirrors the partial unique index of the SQL schema.
func (t *memTx) checkOpenDuplicate(m models.Match) error {
	if !m.Status.Open() {
		return nil
	}
	for _, other := range t.s.matches {
		if other.ID == m.ID || !other.Status.Open() {
			continue
		}
		if other.OfferID == m.OfferID && other.PassengerID == m.PassengerID {
			return apperr.Conflict("an open pairing already exists for offer %s and account %s", m.OfferID, m.PassengerID)
		}
	}
	return nil
}

func cloneOffer(o models.Offer) models.Offer {
	o.Locations = cloneLocations(o.Locations)
	if o.Payment.AmountCents != nil {
		v := *o.Payment.AmountCents
		o.Payment.AmountCents = &v
	}
	return o
}

func cloneRequest(r models.Request) models.Request {
	r.Locations = cloneLocations(r.Locations)
	return r
}

func cloneMatch(m models.Match) models.Match {
	if m.Pickup != nil {
		p := clonePoint(*m.Pickup)
		m.Pickup = &p
	}
	if m.ConfirmedAt != nil {
		v := *m.ConfirmedAt
		m.ConfirmedAt = &v
	}
	if m.ClosedAt != nil {
		v := *m.ClosedAt
		m.ClosedAt = &v
	}
	return m
}

func cloneLocations(in []models.Location) []models.Location {
	if in == nil {
		return nil
	}
	out := make([]models.Location, len(in))
	for i, l := range in {
		l.Point = clonePoint(l.Point)
		out[i] = l
	}
	return out
}

func clonePoint(p models.Point) models.Point {
	if p.Lat != nil {
		v := *p.Lat
		p.Lat = &v
	}
	if p.Lng != nil {
		v := *p.Lng
		p.Lng = &v
	}
	return p
}
