/*
Package sqlite provides a SQLite-backed implementation of timeshare.Store.

PURPOSE:
  Single-file persistence for local deployments and the demo server. The
  same contract as store/memory and store/postgres; the shared suite in
  store/storetest runs against all three.

KEY TABLES:
  weeks:                 ownership weeks
  bookings:              confirmed stays, idempotency_key UNIQUE
  swap_requests:         both slots flattened into requester_* / responder_*
  night_credits:         balance rows, CHECK 0 <= remaining <= total
  credit_entries:        append-only ledger, ordered by seq
  night_credit_requests: redemption requests
  property_staff:        staff assignments

CONCURRENCY:
  The pool is capped at one connection and WithTx holds the store mutex, so
  transactions run one at a time. Lock* is therefore a plain SELECT inside
  the transaction; the serialization is what makes it a lock.

DATES:
  Calendar days are stored as YYYY-MM-DD text so that range overlap is a
  string comparison. Timestamps are RFC3339 with nanoseconds, UTC.

USAGE:
  store, err := sqlite.New("./data/timeshare.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). The Postgres store uses goose with
  versioned migrations instead.

SEE ALSO:
  - timeshare/store.go: interface definitions
  - store/memory/memory.go: in-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/timeshare-engine/timeshare"
)

// Store implements timeshare.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and it
	// serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS weeks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		accommodation_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_weeks_property_dates
		ON weeks(property_id, start_date, end_date);
	CREATE INDEX IF NOT EXISTS idx_weeks_match
		ON weeks(accommodation_type, status);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		accommodation_type TEXT NOT NULL,
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		status TEXT NOT NULL,
		origin TEXT NOT NULL,
		pms_booking_id TEXT,
		payment_reference TEXT,
		guest_token TEXT,
		idempotency_key TEXT UNIQUE,
		night_credit_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_property_dates
		ON bookings(property_id, check_in, check_out);
	CREATE INDEX IF NOT EXISTS idx_bookings_user
		ON bookings(user_id);

	CREATE TABLE IF NOT EXISTS swap_requests (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		requester_source_kind TEXT NOT NULL,
		requester_source_id TEXT NOT NULL,
		requester_owner_id TEXT NOT NULL,
		requester_property_id TEXT NOT NULL,
		requester_start TEXT NOT NULL,
		requester_end TEXT NOT NULL,
		responder_id TEXT,
		responder_source_kind TEXT,
		responder_source_id TEXT,
		responder_owner_id TEXT,
		responder_property_id TEXT,
		responder_start TEXT,
		responder_end TEXT,
		accommodation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		staff_approval TEXT NOT NULL,
		responder_acceptance TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		swap_fee_amount TEXT NOT NULL,
		swap_fee_currency TEXT NOT NULL,
		payment_intent_id TEXT,
		paid_at TEXT,
		reviewed_by TEXT,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status
		ON swap_requests(status);

	CREATE TABLE IF NOT EXISTS night_credits (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		original_week_id TEXT,
		total_nights INTEGER NOT NULL,
		remaining_nights INTEGER NOT NULL,
		expiry_date TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (remaining_nights >= 0 AND remaining_nights <= total_nights)
	);

	CREATE INDEX IF NOT EXISTS idx_night_credits_owner
		ON night_credits(owner_id);

	-- Append-only. seq gives insertion order.
	CREATE TABLE IF NOT EXISTS credit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		credit_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		reference_id TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_entries_credit
		ON credit_entries(credit_id, seq);

	CREATE TABLE IF NOT EXISTS night_credit_requests (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		credit_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		room_type TEXT NOT NULL,
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		nights_requested INTEGER NOT NULL,
		additional_nights INTEGER NOT NULL,
		additional_price_amount TEXT NOT NULL,
		additional_price_currency TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		payment_intent_id TEXT,
		status TEXT NOT NULL,
		booking_id TEXT,
		reviewed_by TEXT,
		staff_notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_requests_credit
		ON night_credit_requests(credit_id, status);
	CREATE INDEX IF NOT EXISTS idx_credit_requests_owner
		ON night_credit_requests(owner_id);

	CREATE TABLE IF NOT EXISTS property_staff (
		property_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (property_id, user_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx timeshare.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	reader
	tx *sql.Tx
}

func (ts *txStore) LockWeek(ctx context.Context, id string) (*timeshare.Week, error) {
	return ts.GetWeek(ctx, id)
}

func (ts *txStore) LockBooking(ctx context.Context, id string) (*timeshare.Booking, error) {
	return ts.GetBooking(ctx, id)
}

func (ts *txStore) LockSwapRequest(ctx context.Context, id string) (*timeshare.SwapRequest, error) {
	return ts.GetSwapRequest(ctx, id)
}

func (ts *txStore) LockNightCredit(ctx context.Context, id string) (*timeshare.NightCredit, error) {
	return ts.GetNightCredit(ctx, id)
}

func (ts *txStore) LockNightCreditRequest(ctx context.Context, id string) (*timeshare.NightCreditRequest, error) {
	return ts.GetNightCreditRequest(ctx, id)
}

// =============================================================================
// WRITES
// =============================================================================

func (ts *txStore) InsertWeek(ctx context.Context, w *timeshare.Week) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO weeks (id, owner_id, property_id, accommodation_type, start_date, end_date,
		                   status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.PropertyID, w.AccommodationType, formatDate(w.Start), formatDate(w.End),
		string(w.Status), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert week %s: %w", w.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateWeek(ctx context.Context, w *timeshare.Week) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE weeks SET owner_id = ?, property_id = ?, accommodation_type = ?, start_date = ?,
		                 end_date = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		w.OwnerID, w.PropertyID, w.AccommodationType, formatDate(w.Start), formatDate(w.End),
		string(w.Status), formatTime(w.UpdatedAt), w.ID,
	)
	return checkUpdated(res, err, "week", w.ID)
}

func (ts *txStore) InsertBooking(ctx context.Context, b *timeshare.Booking) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO bookings (id, user_id, property_id, accommodation_type, check_in, check_out,
		                      status, origin, pms_booking_id, payment_reference, guest_token,
		                      idempotency_key, night_credit_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.PropertyID, b.AccommodationType, formatDate(b.CheckIn), formatDate(b.CheckOut),
		string(b.Status), string(b.Origin), nullString(b.PMSBookingID), nullString(b.PaymentReference), nullString(b.GuestToken),
		nullString(b.IdempotencyKey), nullString(b.NightCreditID), formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isIdempotencyKeyViolation(err) {
			return timeshare.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert booking %s: %w", b.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateBooking(ctx context.Context, b *timeshare.Booking) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE bookings SET user_id = ?, property_id = ?, accommodation_type = ?, check_in = ?,
		                    check_out = ?, status = ?, origin = ?, pms_booking_id = ?,
		                    payment_reference = ?, guest_token = ?, idempotency_key = ?,
		                    night_credit_id = ?, updated_at = ?
		WHERE id = ?`,
		b.UserID, b.PropertyID, b.AccommodationType, formatDate(b.CheckIn), formatDate(b.CheckOut),
		string(b.Status), string(b.Origin), nullString(b.PMSBookingID), nullString(b.PaymentReference), nullString(b.GuestToken),
		nullString(b.IdempotencyKey), nullString(b.NightCreditID), formatTime(b.UpdatedAt), b.ID,
	)
	if isIdempotencyKeyViolation(err) {
		return timeshare.ErrDuplicateIdempotencyKey
	}
	return checkUpdated(res, err, "booking", b.ID)
}

func (ts *txStore) InsertSwapRequest(ctx context.Context, sw *timeshare.SwapRequest) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO swap_requests (`+swapColumns+`)
		VALUES (`+placeholders(swapColumnCount)+`)`,
		swapArgs(sw)...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap request %s: %w", sw.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateSwapRequest(ctx context.Context, sw *timeshare.SwapRequest) error {
	args := append(swapArgs(sw)[1:], sw.ID)
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE swap_requests SET
			requester_id = ?, requester_source_kind = ?, requester_source_id = ?, requester_owner_id = ?,
			requester_property_id = ?, requester_start = ?, requester_end = ?,
			responder_id = ?, responder_source_kind = ?, responder_source_id = ?, responder_owner_id = ?,
			responder_property_id = ?, responder_start = ?, responder_end = ?,
			accommodation_type = ?, status = ?, staff_approval = ?, responder_acceptance = ?,
			payment_status = ?, swap_fee_amount = ?, swap_fee_currency = ?, payment_intent_id = ?,
			paid_at = ?, reviewed_by = ?, rejection_reason = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	return checkUpdated(res, err, "swap request", sw.ID)
}

func (ts *txStore) InsertNightCredit(ctx context.Context, c *timeshare.NightCredit) error {
	if err := c.CheckInvariant(); err != nil {
		return err
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO night_credits (id, owner_id, original_week_id, total_nights, remaining_nights,
		                           expiry_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, nullString(c.OriginalWeekID), c.TotalNights, c.RemainingNights,
		formatDate(c.ExpiryDate), string(c.Status), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert night credit %s: %w", c.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateNightCredit(ctx context.Context, c *timeshare.NightCredit) error {
	if err := c.CheckInvariant(); err != nil {
		return err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE night_credits SET owner_id = ?, total_nights = ?, remaining_nights = ?,
		                         expiry_date = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		c.OwnerID, c.TotalNights, c.RemainingNights, formatDate(c.ExpiryDate), string(c.Status),
		formatTime(c.UpdatedAt), c.ID,
	)
	return checkUpdated(res, err, "night credit", c.ID)
}

func (ts *txStore) AppendCreditEntry(ctx context.Context, e timeshare.CreditEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, credit_id, owner_id, delta, entry_type, reference_id,
		                            idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreditID, e.OwnerID, e.Delta, string(e.Type), nullString(e.ReferenceID),
		nullString(e.IdempotencyKey), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append credit entry %s: %w", e.ID, err)
	}
	return nil
}

func (ts *txStore) InsertNightCreditRequest(ctx context.Context, r *timeshare.NightCreditRequest) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO night_credit_requests (`+requestColumns+`)
		VALUES (`+placeholders(requestColumnCount)+`)`,
		requestArgs(r)...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert night credit request %s: %w", r.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateNightCreditRequest(ctx context.Context, r *timeshare.NightCreditRequest) error {
	args := append(requestArgs(r)[1:], r.ID)
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE night_credit_requests SET
			owner_id = ?, credit_id = ?, property_id = ?, room_type = ?, check_in = ?, check_out = ?,
			nights_requested = ?, additional_nights = ?, additional_price_amount = ?,
			additional_price_currency = ?, payment_status = ?, payment_intent_id = ?, status = ?,
			booking_id = ?, reviewed_by = ?, staff_notes = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	return checkUpdated(res, err, "night credit request", r.ID)
}

func (ts *txStore) SaveStaffAssignment(ctx context.Context, a timeshare.StaffAssignment) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO property_staff (property_id, user_id, active) VALUES (?, ?, ?)
		ON CONFLICT(property_id, user_id) DO UPDATE SET active = excluded.active`,
		a.PropertyID, a.UserID, a.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save staff assignment: %w", err)
	}
	return nil
}

// =============================================================================
// READS - shared by Store and txStore
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q querier
}

const weekColumns = `id, owner_id, property_id, accommodation_type, start_date, end_date, status, created_at, updated_at`

func (r reader) GetWeek(ctx context.Context, id string) (*timeshare.Week, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+weekColumns+` FROM weeks WHERE id = ?`, id)
	w, err := scanWeek(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, timeshare.NotFound("week", id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r reader) ListWeeks(ctx context.Context, f timeshare.WeekFilter) ([]timeshare.Week, error) {
	var w where
	w.eq("owner_id", f.OwnerID)
	w.neq("owner_id", f.ExcludeOwnerID)
	w.eq("property_id", f.PropertyID)
	w.eq("accommodation_type", f.AccommodationType)
	w.in("status", strs(f.Statuses))

	query := `SELECT ` + weekColumns + ` FROM weeks` + w.String() + ` ORDER BY start_date ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return queryAll(ctx, r.q, scanWeek, query, w.args...)
}

const bookingColumns = `id, user_id, property_id, accommodation_type, check_in, check_out, status, origin,
	pms_booking_id, payment_reference, guest_token, idempotency_key, night_credit_id, created_at, updated_at`

func (r reader) GetBooking(ctx context.Context, id string) (*timeshare.Booking, error) {
	return r.getBooking(ctx, "id", id, "booking")
}

func (r reader) GetBookingByIdempotencyKey(ctx context.Context, key string) (*timeshare.Booking, error) {
	if key == "" {
		return nil, timeshare.NotFound("booking with idempotency key", key)
	}
	return r.getBooking(ctx, "idempotency_key", key, "booking with idempotency key")
}

func (r reader) getBooking(ctx context.Context, col, val, entity string) (*timeshare.Booking, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE `+col+` = ?`, val)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, timeshare.NotFound(entity, val)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r reader) ListBookings(ctx context.Context, f timeshare.BookingFilter) ([]timeshare.Booking, error) {
	var w where
	w.eq("user_id", f.UserID)
	w.in("status", strs(f.Statuses))
	query := `SELECT ` + bookingColumns + ` FROM bookings` + w.String() + ` ORDER BY check_in ASC, id ASC`
	return queryAll(ctx, r.q, scanBooking, query, w.args...)
}

const swapColumns = `id,
	requester_id, requester_source_kind, requester_source_id, requester_owner_id,
	requester_property_id, requester_start, requester_end,
	responder_id, responder_source_kind, responder_source_id, responder_owner_id,
	responder_property_id, responder_start, responder_end,
	accommodation_type, status, staff_approval, responder_acceptance, payment_status,
	swap_fee_amount, swap_fee_currency, payment_intent_id, paid_at, reviewed_by, rejection_reason,
	created_at, updated_at`

const swapColumnCount = 28

func (r reader) GetSwapRequest(ctx context.Context, id string) (*timeshare.SwapRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swap_requests WHERE id = ?`, id)
	sw, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, timeshare.NotFound("swap request", id)
	}
	if err != nil {
		return nil, err
	}
	return &sw, nil
}

func (r reader) ListSwapRequests(ctx context.Context, f timeshare.SwapFilter) ([]timeshare.SwapRequest, error) {
	var w where
	w.in("status", strs(f.Statuses))
	if f.UnmatchedOnly {
		w.raw("responder_source_id IS NULL")
	}
	if f.ParticipantID != "" {
		w.raw("(requester_id = ? OR responder_id = ?)", f.ParticipantID, f.ParticipantID)
	}
	query := `SELECT ` + swapColumns + ` FROM swap_requests` + w.String() + ` ORDER BY created_at ASC, id ASC`
	return queryAll(ctx, r.q, scanSwap, query, w.args...)
}

const creditColumns = `id, owner_id, original_week_id, total_nights, remaining_nights, expiry_date, status, created_at, updated_at`

func (r reader) GetNightCredit(ctx context.Context, id string) (*timeshare.NightCredit, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM night_credits WHERE id = ?`, id)
	c, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, timeshare.NotFound("night credit", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r reader) ListNightCredits(ctx context.Context, ownerID string) ([]timeshare.NightCredit, error) {
	return queryAll(ctx, r.q, scanCredit,
		`SELECT `+creditColumns+` FROM night_credits WHERE owner_id = ? ORDER BY expiry_date ASC, id ASC`,
		ownerID)
}

func (r reader) ListCreditEntries(ctx context.Context, creditID string) ([]timeshare.CreditEntry, error) {
	return queryAll(ctx, r.q, scanEntry, `
		SELECT id, credit_id, owner_id, delta, entry_type, reference_id, idempotency_key, created_at
		FROM credit_entries WHERE credit_id = ? ORDER BY seq ASC`,
		creditID)
}

const requestColumns = `id, owner_id, credit_id, property_id, room_type, check_in, check_out,
	nights_requested, additional_nights, additional_price_amount, additional_price_currency,
	payment_status, payment_intent_id, status, booking_id, reviewed_by, staff_notes, created_at, updated_at`

const requestColumnCount = 19

func (r reader) GetNightCreditRequest(ctx context.Context, id string) (*timeshare.NightCreditRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM night_credit_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, timeshare.NotFound("night credit request", id)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r reader) ListNightCreditRequests(ctx context.Context, f timeshare.CreditRequestFilter) ([]timeshare.NightCreditRequest, error) {
	var w where
	w.eq("owner_id", f.OwnerID)
	w.eq("credit_id", f.CreditID)
	w.in("status", strs(f.Statuses))
	query := `SELECT ` + requestColumns + ` FROM night_credit_requests` + w.String() + ` ORDER BY created_at ASC, id ASC`
	return queryAll(ctx, r.q, scanRequest, query, w.args...)
}

// CountConflicts counts overlapping rows per table. An empty status list
// counts nothing for that table.
func (r reader) CountConflicts(ctx context.Context, q timeshare.ConflictQuery) (timeshare.ConflictCounts, error) {
	var counts timeshare.ConflictCounts
	start, end := formatDate(q.Range.Start), formatDate(q.Range.End)

	if len(q.BookingStatuses) > 0 {
		var w where
		w.eq("property_id", q.PropertyID)
		w.in("status", strs(q.BookingStatuses))
		w.raw("check_in < ? AND ? < check_out", end, start)
		w.notIn("id", q.ExcludeBookingIDs)
		if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`+w.String(), w.args...).Scan(&counts.Bookings); err != nil {
			return counts, fmt.Errorf("failed to count booking conflicts: %w", err)
		}
	}

	if len(q.WeekStatuses) > 0 {
		var w where
		w.eq("property_id", q.PropertyID)
		w.in("status", strs(q.WeekStatuses))
		w.raw("start_date < ? AND ? < end_date", end, start)
		w.notIn("id", q.ExcludeWeekIDs)
		if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM weeks`+w.String(), w.args...).Scan(&counts.Weeks); err != nil {
			return counts, fmt.Errorf("failed to count week conflicts: %w", err)
		}
	}

	if len(q.SwapStatuses) > 0 {
		var w where
		w.in("status", strs(q.SwapStatuses))
		w.notIn("id", q.ExcludeSwapIDs)
		w.raw(`((requester_property_id = ? AND requester_start < ? AND ? < requester_end)
			OR (responder_source_id IS NOT NULL AND responder_property_id = ? AND responder_start < ? AND ? < responder_end))`,
			q.PropertyID, end, start, q.PropertyID, end, start)
		if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM swap_requests`+w.String(), w.args...).Scan(&counts.Swaps); err != nil {
			return counts, fmt.Errorf("failed to count swap conflicts: %w", err)
		}
	}

	return counts, nil
}

func (r reader) ListActiveStaff(ctx context.Context, propertyID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT user_id FROM property_staff WHERE property_id = ? AND active = 1 ORDER BY user_id`,
		propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query staff: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func queryAll[T any](ctx context.Context, q querier, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanWeek(s scanner) (timeshare.Week, error) {
	var (
		w                    timeshare.Week
		start, end           string
		createdAt, updatedAt string
	)
	err := s.Scan(&w.ID, &w.OwnerID, &w.PropertyID, &w.AccommodationType, &start, &end,
		&w.Status, &createdAt, &updatedAt)
	if err != nil {
		return w, err
	}
	w.Start, w.End = parseDate(start), parseDate(end)
	w.CreatedAt, w.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return w, nil
}

func scanBooking(s scanner) (timeshare.Booking, error) {
	var (
		b                                        timeshare.Booking
		checkIn, checkOut                        string
		pmsID, payRef, guestToken, key, creditID sql.NullString
		createdAt, updatedAt                     string
	)
	err := s.Scan(&b.ID, &b.UserID, &b.PropertyID, &b.AccommodationType, &checkIn, &checkOut,
		&b.Status, &b.Origin, &pmsID, &payRef, &guestToken, &key, &creditID, &createdAt, &updatedAt)
	if err != nil {
		return b, err
	}
	b.CheckIn, b.CheckOut = parseDate(checkIn), parseDate(checkOut)
	b.PMSBookingID = pmsID.String
	b.PaymentReference = payRef.String
	b.GuestToken = guestToken.String
	b.IdempotencyKey = key.String
	b.NightCreditID = creditID.String
	b.CreatedAt, b.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return b, nil
}

func scanSwap(s scanner) (timeshare.SwapRequest, error) {
	var (
		sw                                     timeshare.SwapRequest
		reqKind, reqStart, reqEnd              string
		respID, respKind, respSourceID         sql.NullString
		respOwner, respProperty                sql.NullString
		respStart, respEnd                     sql.NullString
		feeAmount                              string
		intentID, paidAt, reviewedBy, rejected sql.NullString
		createdAt, updatedAt                   string
	)
	err := s.Scan(&sw.ID,
		&sw.RequesterID, &reqKind, &sw.Requester.Source.ID, &sw.Requester.OwnerID,
		&sw.Requester.PropertyID, &reqStart, &reqEnd,
		&respID, &respKind, &respSourceID, &respOwner, &respProperty, &respStart, &respEnd,
		&sw.AccommodationType, &sw.Status, &sw.StaffApproval, &sw.ResponderAcceptance, &sw.PaymentStatus,
		&feeAmount, &sw.SwapFee.Currency, &intentID, &paidAt, &reviewedBy, &rejected,
		&createdAt, &updatedAt)
	if err != nil {
		return sw, err
	}

	sw.Requester.Source.Kind = timeshare.SourceKind(reqKind)
	sw.Requester.Start, sw.Requester.End = parseDate(reqStart), parseDate(reqEnd)
	sw.ResponderID = respID.String
	if respSourceID.Valid {
		sw.Responder = &timeshare.SwapSlot{
			Source:     timeshare.SwapSource{Kind: timeshare.SourceKind(respKind.String), ID: respSourceID.String},
			OwnerID:    respOwner.String,
			PropertyID: respProperty.String,
			Start:      parseDate(respStart.String),
			End:        parseDate(respEnd.String),
		}
	}
	if sw.SwapFee.Amount, err = decimal.NewFromString(feeAmount); err != nil {
		return sw, fmt.Errorf("swap request %s: bad fee %q: %w", sw.ID, feeAmount, err)
	}
	sw.PaymentIntentID = intentID.String
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		sw.PaidAt = &t
	}
	sw.ReviewedBy = reviewedBy.String
	sw.RejectionReason = rejected.String
	sw.CreatedAt, sw.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return sw, nil
}

func swapArgs(sw *timeshare.SwapRequest) []any {
	var respKind, respSourceID, respOwner, respProperty, respStart, respEnd sql.NullString
	if sw.Responder != nil {
		respKind = nullString(string(sw.Responder.Source.Kind))
		respSourceID = sql.NullString{String: sw.Responder.Source.ID, Valid: true}
		respOwner = nullString(sw.Responder.OwnerID)
		respProperty = nullString(sw.Responder.PropertyID)
		respStart = nullString(formatDate(sw.Responder.Start))
		respEnd = nullString(formatDate(sw.Responder.End))
	}
	var paidAt sql.NullString
	if sw.PaidAt != nil {
		paidAt = nullString(formatTime(*sw.PaidAt))
	}
	return []any{
		sw.ID,
		sw.RequesterID, string(sw.Requester.Source.Kind), sw.Requester.Source.ID, sw.Requester.OwnerID,
		sw.Requester.PropertyID, formatDate(sw.Requester.Start), formatDate(sw.Requester.End),
		nullString(sw.ResponderID), respKind, respSourceID, respOwner, respProperty, respStart, respEnd,
		sw.AccommodationType, string(sw.Status), string(sw.StaffApproval), string(sw.ResponderAcceptance),
		string(sw.PaymentStatus), sw.SwapFee.Amount.String(), sw.SwapFee.Currency, nullString(sw.PaymentIntentID), paidAt,
		nullString(sw.ReviewedBy), nullString(sw.RejectionReason),
		formatTime(sw.CreatedAt), formatTime(sw.UpdatedAt),
	}
}

func scanCredit(s scanner) (timeshare.NightCredit, error) {
	var (
		c                    timeshare.NightCredit
		weekID               sql.NullString
		expiry               string
		createdAt, updatedAt string
	)
	err := s.Scan(&c.ID, &c.OwnerID, &weekID, &c.TotalNights, &c.RemainingNights, &expiry,
		&c.Status, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.OriginalWeekID = weekID.String
	c.ExpiryDate = parseDate(expiry)
	c.CreatedAt, c.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return c, nil
}

func scanEntry(s scanner) (timeshare.CreditEntry, error) {
	var (
		e         timeshare.CreditEntry
		ref, key  sql.NullString
		createdAt string
	)
	if err := s.Scan(&e.ID, &e.CreditID, &e.OwnerID, &e.Delta, &e.Type, &ref, &key, &createdAt); err != nil {
		return e, err
	}
	e.ReferenceID = ref.String
	e.IdempotencyKey = key.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func scanRequest(s scanner) (timeshare.NightCreditRequest, error) {
	var (
		r                                     timeshare.NightCreditRequest
		checkIn, checkOut, amount             string
		intentID, bookingID, reviewedBy, note sql.NullString
		createdAt, updatedAt                  string
	)
	err := s.Scan(&r.ID, &r.OwnerID, &r.CreditID, &r.PropertyID, &r.RoomType, &checkIn, &checkOut,
		&r.NightsRequested, &r.AdditionalNights, &amount, &r.AdditionalPrice.Currency,
		&r.PaymentStatus, &intentID, &r.Status, &bookingID, &reviewedBy, &note, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.CheckIn, r.CheckOut = parseDate(checkIn), parseDate(checkOut)
	if r.AdditionalPrice.Amount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("night credit request %s: bad price %q: %w", r.ID, amount, err)
	}
	r.PaymentIntentID = intentID.String
	r.BookingID = bookingID.String
	r.ReviewedBy = reviewedBy.String
	r.StaffNotes = note.String
	r.CreatedAt, r.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return r, nil
}

func requestArgs(r *timeshare.NightCreditRequest) []any {
	return []any{
		r.ID, r.OwnerID, r.CreditID, r.PropertyID, r.RoomType, formatDate(r.CheckIn), formatDate(r.CheckOut),
		r.NightsRequested, r.AdditionalNights, r.AdditionalPrice.Amount.String(), r.AdditionalPrice.Currency,
		string(r.PaymentStatus), nullString(r.PaymentIntentID), string(r.Status), nullString(r.BookingID),
		nullString(r.ReviewedBy), nullString(r.StaffNotes), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}
}

// =============================================================================
// QUERY BUILDING
// =============================================================================

// where accumulates AND-ed conditions with positional args.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(col, val string) {
	if val != "" {
		w.raw(col+" = ?", val)
	}
}

func (w *where) neq(col, val string) {
	if val != "" {
		w.raw(col+" <> ?", val)
	}
}

func (w *where) in(col string, vals []string) {
	if len(vals) > 0 {
		w.raw(col+" IN ("+placeholders(len(vals))+")", anys(vals)...)
	}
}

func (w *where) notIn(col string, vals []string) {
	if len(vals) > 0 {
		w.raw(col+" NOT IN ("+placeholders(len(vals))+")", anys(vals)...)
	}
}

func (w *where) raw(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anys(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func strs[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatDate(t time.Time) string { return timeshare.DateOf(t).Format(timeshare.DateLayout) }
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseDate(s string) time.Time {
	t, _ := time.ParseInLocation(timeshare.DateLayout, s, time.UTC)
	return t
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func checkUpdated(res sql.Result, err error, entity, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return timeshare.NotFound(entity, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isIdempotencyKeyViolation(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key")
}

var (
	_ timeshare.Store = (*Store)(nil)
	_ timeshare.Tx    = (*txStore)(nil)
)
