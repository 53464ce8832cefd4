package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// SQLStore implements Store on database/sql. Seat arithmetic is a single
// conditional UPDATE, pairing rows are locked with SELECT ... FOR UPDATE on
// postgres, and sqlite runs with one connection and immediate transactions
// so writers are serialized.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: Postgres}, nil
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := "file:" + path + "?_foreign_keys=1&_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLStore{db: db, dialect: SQLite}, nil
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate applies the embedded schema. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{store: s, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}

func (s *SQLStore) view() *sqlTx { return &sqlTx{store: s, q: s.db} }

func (s *SQLStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return s.view().GetOffer(ctx, id)
}

func (s *SQLStore) ListOffers(ctx context.Context, q OfferQuery) ([]models.Offer, error) {
	return s.view().ListOffers(ctx, q)
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	return s.view().GetRequest(ctx, id)
}

func (s *SQLStore) ListRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	return s.view().ListRequests(ctx, q)
}

func (s *SQLStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	return s.view().GetMatch(ctx, id)
}

func (s *SQLStore) ListMatches(ctx context.Context, q MatchQuery) ([]models.Match, error) {
	return s.view().ListMatches(ctx, q)
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlTx struct {
	store *SQLStore
	q     querier
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.q.ExecContext(ctx, t.store.rebind(query), args...)
	return res, mapErr(err)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(ctx, t.store.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, t.store.rebind(query), args...)
}

// where accumulates AND-ed conditions.
type where struct {
	parts []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.parts = append(w.parts, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.parts, " AND ")
}

const offerColumns = `id, event_id, owner_id, total_seats, available_seats, trip_type, privacy,
	payment_policy, payment_amount_cents, status, notes, created_at, updated_at`

func scanOffer(row rowScanner) (models.Offer, error) {
	var (
		o                                  models.Offer
		tripType, privacy, policy, status string
		amount                             sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.EventID, &o.OwnerID, &o.TotalSeats, &o.AvailableSeats, &tripType, &privacy,
		&policy, &amount, &status, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Offer{}, err
	}
	o.TripType = models.TripType(tripType)
	o.Privacy = models.Privacy(privacy)
	o.Payment.Policy = models.PaymentPolicy(policy)
	if amount.Valid {
		v := amount.Int64
		o.Payment.AmountCents = &v
	}
	o.Status = models.RecordStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (t *sqlTx) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return t.getOffer(ctx, id, false)
}

func (t *sqlTx) LockOffer(ctx context.Context, id string) (models.Offer, error) {
	return t.getOffer(ctx, id, true)
}

// forUpdate appends a row lock on postgres. sqlite transactions already
// hold the database write lock.
func (t *sqlTx) forUpdate(q string, lock bool) string {
	if lock && t.store.dialect == Postgres {
		return q + ` FOR UPDATE`
	}
	return q
}

func (t *sqlTx) getOffer(ctx context.Context, id string, lock bool) (models.Offer, error) {
	q := t.forUpdate(`SELECT `+offerColumns+` FROM offers WHERE id = ?`, lock)
	o, err := scanOffer(t.queryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Offer{}, apperr.NotFound("offer %s", id)
		}
		return models.Offer{}, err
	}
	if o.Locations, err = t.loadLocations(ctx, "offer_locations", "offer_id", o.ID); err != nil {
		return models.Offer{}, err
	}
	return o, nil
}

func (t *sqlTx) ListOffers(ctx context.Context, q OfferQuery) ([]models.Offer, error) {
	var w where
	if q.EventID != "" {
		w.add("event_id = ?", q.EventID)
	}
	if q.OwnerID != "" {
		w.add("owner_id = ?", q.OwnerID)
	}
	if q.Status != "" {
		w.add("status = ?", string(q.Status))
	}
	if q.Privacy != "" {
		w.add("privacy = ?", string(q.Privacy))
	}
	rows, err := t.query(ctx, `SELECT `+offerColumns+` FROM offers`+w.String()+` ORDER BY id DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	out := make([]models.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Locations are loaded after the cursor is closed; sqlite runs on a
	// single connection.
	for i := range out {
		if out[i].Locations, err = t.loadLocations(ctx, "offer_locations", "offer_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const requestColumns = `id, event_id, owner_id, passenger_count, trip_type, privacy, status, notes, created_at, updated_at`

func scanRequest(row rowScanner) (models.Request, error) {
	var (
		r                         models.Request
		tripType, privacy, status string
	)
	err := row.Scan(&r.ID, &r.EventID, &r.OwnerID, &r.PassengerCount, &tripType, &privacy, &status, &r.Notes,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Request{}, err
	}
	r.TripType = models.TripType(tripType)
	r.Privacy = models.Privacy(privacy)
	r.Status = models.RecordStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (t *sqlTx) GetRequest(ctx context.Context, id string) (models.Request, error) {
	return t.getRequest(ctx, id, false)
}

func (t *sqlTx) LockRequest(ctx context.Context, id string) (models.Request, error) {
	return t.getRequest(ctx, id, true)
}

func (t *sqlTx) getRequest(ctx context.Context, id string, lock bool) (models.Request, error) {
	q := t.forUpdate(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, lock)
	r, err := scanRequest(t.queryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Request{}, apperr.NotFound("request %s", id)
		}
		return models.Request{}, err
	}
	if r.Locations, err = t.loadLocations(ctx, "request_locations", "request_id", r.ID); err != nil {
		return models.Request{}, err
	}
	return r, nil
}

func (t *sqlTx) ListRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	var w where
	if q.EventID != "" {
		w.add("event_id = ?", q.EventID)
	}
	if q.OwnerID != "" {
		w.add("owner_id = ?", q.OwnerID)
	}
	if q.Status != "" {
		w.add("status = ?", string(q.Status))
	}
	if q.Privacy != "" {
		w.add("privacy = ?", string(q.Privacy))
	}
	rows, err := t.query(ctx, `SELECT `+requestColumns+` FROM requests`+w.String()+` ORDER BY id DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	out := make([]models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		if out[i].Locations, err = t.loadLocations(ctx, "request_locations", "request_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// loadLocations reads the ordered stops of an offer or request. table and
// key are package constants, never caller input.
func (t *sqlTx) loadLocations(ctx context.Context, table, key, id string) ([]models.Location, error) {
	rows, err := t.query(ctx,
		`SELECT sort_order, address, lat, lng, direction, time_mode, time_at
		   FROM `+table+`
		  WHERE `+key+` = ?
		  ORDER BY sort_order ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Location, 0, 4)
	for rows.Next() {
		var (
			l               models.Location
			lat, lng        sql.NullFloat64
			direction, mode string
		)
		if err := rows.Scan(&l.SortOrder, &l.Address, &lat, &lng, &direction, &mode, &l.Time.At); err != nil {
			return nil, err
		}
		if lat.Valid {
			v := lat.Float64
			l.Lat = &v
		}
		if lng.Valid {
			v := lng.Float64
			l.Lng = &v
		}
		l.Direction = models.Direction(direction)
		l.Time.Mode = models.TimeMode(mode)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *sqlTx) insertLocations(ctx context.Context, table, key, id string, locs []models.Location) error {
	for _, l := range locs {
		_, err := t.exec(ctx,
			`INSERT INTO `+table+` (`+key+`, sort_order, address, lat, lng, direction, time_mode, time_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, l.SortOrder, l.Address, l.Lat, l.Lng, string(l.Direction), string(l.Time.Mode), l.Time.At)
		if err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

const matchColumns = `id, event_id, offer_id, request_id, driver_id, passenger_id, passenger_count,
	pickup_address, pickup_lat, pickup_lng, status, initiated_by, message,
	created_at, updated_at, confirmed_at, closed_at`

func scanMatch(row rowScanner) (models.Match, error) {
	var (
		m                     models.Match
		requestID, pickupAddr sql.NullString
		pickupLat, pickupLng  sql.NullFloat64
		status, initiatedBy   string
		confirmedAt, closedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.EventID, &m.OfferID, &requestID, &m.DriverID, &m.PassengerID, &m.PassengerCount,
		&pickupAddr, &pickupLat, &pickupLng, &status, &initiatedBy, &m.Message,
		&m.CreatedAt, &m.UpdatedAt, &confirmedAt, &closedAt)
	if err != nil {
		return models.Match{}, err
	}
	m.RequestID = requestID.String
	if pickupAddr.Valid {
		p := &models.Point{Address: pickupAddr.String}
		if pickupLat.Valid {
			v := pickupLat.Float64
			p.Lat = &v
		}
		if pickupLng.Valid {
			v := pickupLng.Float64
			p.Lng = &v
		}
		m.Pickup = p
	}
	m.Status = models.MatchStatus(status)
	m.InitiatedBy = models.Party(initiatedBy)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if confirmedAt.Valid {
		v := confirmedAt.Time.UTC()
		m.ConfirmedAt = &v
	}
	if closedAt.Valid {
		v := closedAt.Time.UTC()
		m.ClosedAt = &v
	}
	return m, nil
}

func (t *sqlTx) getMatch(ctx context.Context, id string, lock bool) (models.Match, error) {
	q := t.forUpdate(`SELECT `+matchColumns+` FROM matches WHERE id = ?`, lock)
	m, err := scanMatch(t.queryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Match{}, apperr.NotFound("match %s", id)
		}
		return models.Match{}, err
	}
	return m, nil
}

func (t *sqlTx) GetMatch(ctx context.Context, id string) (models.Match, error) {
	return t.getMatch(ctx, id, false)
}

func (t *sqlTx) LockMatch(ctx context.Context, id string) (models.Match, error) {
	return t.getMatch(ctx, id, true)
}

func (t *sqlTx) ListMatches(ctx context.Context, q MatchQuery) ([]models.Match, error) {
	var w where
	if q.OfferID != "" {
		w.add("offer_id = ?", q.OfferID)
	}
	if q.RequestID != "" {
		w.add("request_id = ?", q.RequestID)
	}
	if q.AccountID != "" {
		w.add("(driver_id = ? OR passenger_id = ?)", q.AccountID, q.AccountID)
	}
	if q.PassengerID != "" {
		w.add("passenger_id = ?", q.PassengerID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		args := make([]any, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args[i] = string(s)
		}
		w.add("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	rows, err := t.query(ctx, `SELECT `+matchColumns+` FROM matches`+w.String()+` ORDER BY id ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Match, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertOffer(ctx context.Context, o models.Offer) error {
	_, err := t.exec(ctx,
		`INSERT INTO offers (`+offerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.EventID, o.OwnerID, o.TotalSeats, o.AvailableSeats, string(o.TripType), string(o.Privacy),
		string(o.Payment.Policy), o.Payment.AmountCents, string(o.Status), o.Notes, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return t.insertLocations(ctx, "offer_locations", "offer_id", o.ID, o.Locations)
}

func (t *sqlTx) SetOfferStatus(ctx context.Context, id string, status models.RecordStatus, at time.Time) error {
	res, err := t.exec(ctx, `UPDATE offers SET status = ?, updated_at = ? WHERE id = ?`, string(status), at, id)
	if err != nil {
		return err
	}
	return expectRow(res, apperr.NotFound("offer %s", id))
}

func (t *sqlTx) InsertRequest(ctx context.Context, r models.Request) error {
	_, err := t.exec(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EventID, r.OwnerID, r.PassengerCount, string(r.TripType), string(r.Privacy), string(r.Status),
		r.Notes, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return t.insertLocations(ctx, "request_locations", "request_id", r.ID, r.Locations)
}

func (t *sqlTx) SetRequestStatus(ctx context.Context, id string, status models.RecordStatus, at time.Time) error {
	res, err := t.exec(ctx, `UPDATE requests SET status = ?, updated_at = ? WHERE id = ?`, string(status), at, id)
	if err != nil {
		return err
	}
	return expectRow(res, apperr.NotFound("request %s", id))
}

func (t *sqlTx) AdjustSeats(ctx context.Context, offerID string, delta int, at time.Time) (int, error) {
	var n int
	err := t.queryRow(ctx,
		`UPDATE offers
		    SET available_seats = available_seats + ?,
		        updated_at = ?
		  WHERE id = ?
		    AND available_seats + ? >= 0
		    AND available_seats + ? <= total_seats
		RETURNING available_seats`,
		delta, at, offerID, delta, delta,
	).Scan(&n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapErr(err)
	}

	// Distinguish missing offer, exhausted capacity and over-release.
	var available, total int
	err = t.queryRow(ctx, `SELECT available_seats, total_seats FROM offers WHERE id = ?`, offerID).Scan(&available, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound("offer %s", offerID)
		}
		return 0, err
	}
	if delta < 0 {
		return available, apperr.CapacityExceeded("offer %s has %d seats available, %d requested", offerID, available, -delta)
	}
	return available, apperr.Invariant("offer %s: releasing %d seats would exceed total %d (available %d)", offerID, delta, total, available)
}

func (t *sqlTx) InsertMatch(ctx context.Context, m models.Match) error {
	var addr *string
	var lat, lng *float64
	if m.Pickup != nil {
		addr, lat, lng = &m.Pickup.Address, m.Pickup.Lat, m.Pickup.Lng
	}
	_, err := t.exec(ctx,
		`INSERT INTO matches (`+matchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EventID, m.OfferID, nullString(m.RequestID), m.DriverID, m.PassengerID, m.PassengerCount,
		addr, lat, lng, string(m.Status), string(m.InitiatedBy), m.Message,
		m.CreatedAt, m.UpdatedAt, m.ConfirmedAt, m.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateMatch(ctx context.Context, m models.Match) error {
	res, err := t.exec(ctx,
		`UPDATE matches
		    SET status = ?, message = ?, updated_at = ?, confirmed_at = ?, closed_at = ?
		  WHERE id = ?`,
		string(m.Status), m.Message, m.UpdatedAt, m.ConfirmedAt, m.ClosedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	return expectRow(res, apperr.NotFound("match %s", m.ID))
}

func (t *sqlTx) DeleteMatch(ctx context.Context, id string) error {
	res, err := t.exec(ctx, `DELETE FROM matches WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, apperr.NotFound("match %s", id))
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapErr turns unique-constraint failures from either driver into conflicts.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return &apperr.Error{Kind: apperr.ErrConflict, Msg: pqErr.Message}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return &apperr.Error{Kind: apperr.ErrConflict, Msg: liteErr.Error()}
	}
	return err
}
