/*
Package postgres provides a PostgreSQL implementation of timeshare.Store.

PURPOSE:
  The deployment store. Unlike store/sqlite it does not serialize whole
  transactions: Lock* issues SELECT ... FOR UPDATE, so only transactions
  touching the same row wait for each other.

QUERIES:
  Filters are static SQL with "empty means any" guards, e.g.
    ($1 = '' OR owner_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2))
  so every statement is a constant string and pgx caches its plan.

MONEY:
  NUMERIC(12, 2) columns, passed and read as text so decimal.Decimal never
  goes through a float.

SCHEMA:
  Versioned goose migrations embedded from migrations/*.sql, applied by
  Migrate (see migrate.go).

SEE ALSO:
  - timeshare/store.go: interface definitions
  - store/sqlite/sqlite.go: single-file implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/timeshare-engine/timeshare"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const idempotencyConstraint = "bookings_idempotency_key_key"

// Store implements timeshare.Store on a pgx connection pool.
type Store struct {
	reader
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{reader: reader{q: pool}, pool: pool}
}

// Connect opens a pool for dsn and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx executes fn within a READ COMMITTED transaction. Row locks taken
// with Lock* are what serialize conflicting writers.
func (s *Store) WithTx(ctx context.Context, fn func(tx timeshare.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q querier
}

const weekColumns = `id, owner_id, property_id, accommodation_type, start_date, end_date, status, created_at, updated_at`

func (r reader) GetWeek(ctx context.Context, id string) (*timeshare.Week, error) {
	return getOne(ctx, r.q, scanWeek, "week", id, `SELECT `+weekColumns+` FROM weeks WHERE id = $1`)
}

func (r reader) ListWeeks(ctx context.Context, f timeshare.WeekFilter) ([]timeshare.Week, error) {
	return queryAll(ctx, r.q, scanWeek, `
		SELECT `+weekColumns+` FROM weeks
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 = '' OR owner_id <> $2)
		  AND ($3 = '' OR property_id = $3)
		  AND ($4 = '' OR accommodation_type = $4)
		  AND (cardinality($5::text[]) = 0 OR status = ANY($5))
		ORDER BY start_date ASC, id ASC
		LIMIT NULLIF($6, 0)`,
		f.OwnerID, f.ExcludeOwnerID, f.PropertyID, f.AccommodationType, strs(f.Statuses), f.Limit)
}

const bookingColumns = `id, user_id, property_id, accommodation_type, check_in, check_out, status, origin,
	pms_booking_id, payment_reference, guest_token, idempotency_key, night_credit_id, created_at, updated_at`

func (r reader) GetBooking(ctx context.Context, id string) (*timeshare.Booking, error) {
	return getOne(ctx, r.q, scanBooking, "booking", id, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`)
}

func (r reader) GetBookingByIdempotencyKey(ctx context.Context, key string) (*timeshare.Booking, error) {
	if key == "" {
		return nil, timeshare.NotFound("booking with idempotency key", key)
	}
	return getOne(ctx, r.q, scanBooking, "booking with idempotency key", key,
		`SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = $1`)
}

func (r reader) ListBookings(ctx context.Context, f timeshare.BookingFilter) ([]timeshare.Booking, error) {
	return queryAll(ctx, r.q, scanBooking, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE ($1 = '' OR user_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY check_in ASC, id ASC`,
		f.UserID, strs(f.Statuses))
}

const swapColumns = `id,
	requester_id, requester_source_kind, requester_source_id, requester_owner_id,
	requester_property_id, requester_start, requester_end,
	responder_id, responder_source_kind, responder_source_id, responder_owner_id,
	responder_property_id, responder_start, responder_end,
	accommodation_type, status, staff_approval, responder_acceptance, payment_status,
	swap_fee_amount::text, swap_fee_currency, payment_intent_id, paid_at, reviewed_by, rejection_reason,
	created_at, updated_at`

func (r reader) GetSwapRequest(ctx context.Context, id string) (*timeshare.SwapRequest, error) {
	return getOne(ctx, r.q, scanSwap, "swap request", id, `SELECT `+swapColumns+` FROM swap_requests WHERE id = $1`)
}

func (r reader) ListSwapRequests(ctx context.Context, f timeshare.SwapFilter) ([]timeshare.SwapRequest, error) {
	return queryAll(ctx, r.q, scanSwap, `
		SELECT `+swapColumns+` FROM swap_requests
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND (NOT $2 OR responder_source_id IS NULL)
		  AND ($3 = '' OR requester_id = $3 OR responder_id = $3)
		ORDER BY created_at ASC, id ASC`,
		strs(f.Statuses), f.UnmatchedOnly, f.ParticipantID)
}

const creditColumns = `id, owner_id, original_week_id, total_nights, remaining_nights, expiry_date, status, created_at, updated_at`

func (r reader) GetNightCredit(ctx context.Context, id string) (*timeshare.NightCredit, error) {
	return getOne(ctx, r.q, scanCredit, "night credit", id, `SELECT `+creditColumns+` FROM night_credits WHERE id = $1`)
}

func (r reader) ListNightCredits(ctx context.Context, ownerID string) ([]timeshare.NightCredit, error) {
	return queryAll(ctx, r.q, scanCredit,
		`SELECT `+creditColumns+` FROM night_credits WHERE owner_id = $1 ORDER BY expiry_date ASC, id ASC`,
		ownerID)
}

func (r reader) ListCreditEntries(ctx context.Context, creditID string) ([]timeshare.CreditEntry, error) {
	return queryAll(ctx, r.q, scanEntry, `
		SELECT id, credit_id, owner_id, delta, entry_type, reference_id, idempotency_key, created_at
		FROM credit_entries WHERE credit_id = $1 ORDER BY seq ASC`,
		creditID)
}

const requestColumns = `id, owner_id, credit_id, property_id, room_type, check_in, check_out,
	nights_requested, additional_nights, additional_price_amount::text, additional_price_currency,
	payment_status, payment_intent_id, status, booking_id, reviewed_by, staff_notes, created_at, updated_at`

func (r reader) GetNightCreditRequest(ctx context.Context, id string) (*timeshare.NightCreditRequest, error) {
	return getOne(ctx, r.q, scanRequest, "night credit request", id,
		`SELECT `+requestColumns+` FROM night_credit_requests WHERE id = $1`)
}

func (r reader) ListNightCreditRequests(ctx context.Context, f timeshare.CreditRequestFilter) ([]timeshare.NightCreditRequest, error) {
	return queryAll(ctx, r.q, scanRequest, `
		SELECT `+requestColumns+` FROM night_credit_requests
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 = '' OR credit_id = $2)
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY created_at ASC, id ASC`,
		f.OwnerID, f.CreditID, strs(f.Statuses))
}

// CountConflicts runs one statement; an empty status list counts nothing
// for its table because status = ANY('{}') is false.
func (r reader) CountConflicts(ctx context.Context, q timeshare.ConflictQuery) (timeshare.ConflictCounts, error) {
	var c timeshare.ConflictCounts
	err := r.q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM bookings
			 WHERE property_id = $1 AND status = ANY($4)
			   AND check_in < $3 AND $2 < check_out
			   AND NOT (id = ANY($7))),
			(SELECT COUNT(*) FROM weeks
			 WHERE property_id = $1 AND status = ANY($5)
			   AND start_date < $3 AND $2 < end_date
			   AND NOT (id = ANY($8))),
			(SELECT COUNT(*) FROM swap_requests
			 WHERE status = ANY($6) AND NOT (id = ANY($9))
			   AND ((requester_property_id = $1 AND requester_start < $3 AND $2 < requester_end)
			     OR (responder_source_id IS NOT NULL AND responder_property_id = $1
			         AND responder_start < $3 AND $2 < responder_end)))`,
		q.PropertyID, date(q.Range.Start), date(q.Range.End),
		strs(q.BookingStatuses), strs(q.WeekStatuses), strs(q.SwapStatuses),
		nonNil(q.ExcludeBookingIDs), nonNil(q.ExcludeWeekIDs), nonNil(q.ExcludeSwapIDs),
	).Scan(&c.Bookings, &c.Weeks, &c.Swaps)
	if err != nil {
		return c, fmt.Errorf("count conflicts: %w", err)
	}
	return c, nil
}

func (r reader) ListActiveStaff(ctx context.Context, propertyID string) ([]string, error) {
	rows, err := r.q.Query(ctx,
		`SELECT user_id FROM property_staff WHERE property_id = $1 AND active ORDER BY user_id`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("query staff: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// =============================================================================
// TRANSACTION - row locks and writes
// =============================================================================

type txStore struct {
	reader
	tx pgx.Tx
}

func (ts *txStore) LockWeek(ctx context.Context, id string) (*timeshare.Week, error) {
	return getOne(ctx, ts.tx, scanWeek, "week", id, `SELECT `+weekColumns+` FROM weeks WHERE id = $1 FOR UPDATE`)
}

func (ts *txStore) LockBooking(ctx context.Context, id string) (*timeshare.Booking, error) {
	return getOne(ctx, ts.tx, scanBooking, "booking", id, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`)
}

func (ts *txStore) LockSwapRequest(ctx context.Context, id string) (*timeshare.SwapRequest, error) {
	return getOne(ctx, ts.tx, scanSwap, "swap request", id, `SELECT `+swapColumns+` FROM swap_requests WHERE id = $1 FOR UPDATE`)
}

func (ts *txStore) LockNightCredit(ctx context.Context, id string) (*timeshare.NightCredit, error) {
	return getOne(ctx, ts.tx, scanCredit, "night credit", id, `SELECT `+creditColumns+` FROM night_credits WHERE id = $1 FOR UPDATE`)
}

func (ts *txStore) LockNightCreditRequest(ctx context.Context, id string) (*timeshare.NightCreditRequest, error) {
	return getOne(ctx, ts.tx, scanRequest, "night credit request", id,
		`SELECT `+requestColumns+` FROM night_credit_requests WHERE id = $1 FOR UPDATE`)
}

func (ts *txStore) InsertWeek(ctx context.Context, w *timeshare.Week) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO weeks (`+weekColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.OwnerID, w.PropertyID, w.AccommodationType, date(w.Start), date(w.End),
		string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert week %s: %w", w.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateWeek(ctx context.Context, w *timeshare.Week) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE weeks SET owner_id = $2, property_id = $3, accommodation_type = $4, start_date = $5,
		                 end_date = $6, status = $7, updated_at = $8
		WHERE id = $1`,
		w.ID, w.OwnerID, w.PropertyID, w.AccommodationType, date(w.Start), date(w.End),
		string(w.Status), w.UpdatedAt)
	return checkUpdated(tag, err, "week", w.ID)
}

func (ts *txStore) InsertBooking(ctx context.Context, b *timeshare.Booking) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		bookingArgs(b)...)
	if err != nil {
		if isIdempotencyKeyViolation(err) {
			return timeshare.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert booking %s: %w", b.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateBooking(ctx context.Context, b *timeshare.Booking) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE bookings SET user_id = $2, property_id = $3, accommodation_type = $4, check_in = $5,
		                    check_out = $6, status = $7, origin = $8, pms_booking_id = $9,
		                    payment_reference = $10, guest_token = $11, idempotency_key = $12,
		                    night_credit_id = $13, created_at = $14, updated_at = $15
		WHERE id = $1`,
		bookingArgs(b)...)
	if isIdempotencyKeyViolation(err) {
		return timeshare.ErrDuplicateIdempotencyKey
	}
	return checkUpdated(tag, err, "booking", b.ID)
}

func (ts *txStore) InsertSwapRequest(ctx context.Context, sw *timeshare.SwapRequest) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO swap_requests (
			id, requester_id, requester_source_kind, requester_source_id, requester_owner_id,
			requester_property_id, requester_start, requester_end,
			responder_id, responder_source_kind, responder_source_id, responder_owner_id,
			responder_property_id, responder_start, responder_end,
			accommodation_type, status, staff_approval, responder_acceptance, payment_status,
			swap_fee_amount, swap_fee_currency, payment_intent_id, paid_at, reviewed_by, rejection_reason,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21::numeric, $22, $23, $24, $25, $26, $27, $28)`,
		swapArgs(sw)...)
	if err != nil {
		return fmt.Errorf("insert swap request %s: %w", sw.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateSwapRequest(ctx context.Context, sw *timeshare.SwapRequest) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE swap_requests SET
			requester_id = $2, requester_source_kind = $3, requester_source_id = $4, requester_owner_id = $5,
			requester_property_id = $6, requester_start = $7, requester_end = $8,
			responder_id = $9, responder_source_kind = $10, responder_source_id = $11, responder_owner_id = $12,
			responder_property_id = $13, responder_start = $14, responder_end = $15,
			accommodation_type = $16, status = $17, staff_approval = $18, responder_acceptance = $19,
			payment_status = $20, swap_fee_amount = $21::numeric, swap_fee_currency = $22,
			payment_intent_id = $23, paid_at = $24, reviewed_by = $25, rejection_reason = $26,
			created_at = $27, updated_at = $28
		WHERE id = $1`,
		swapArgs(sw)...)
	return checkUpdated(tag, err, "swap request", sw.ID)
}

func (ts *txStore) InsertNightCredit(ctx context.Context, c *timeshare.NightCredit) error {
	if err := c.CheckInvariant(); err != nil {
		return err
	}
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO night_credits (`+creditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.OwnerID, text(c.OriginalWeekID), c.TotalNights, c.RemainingNights,
		date(c.ExpiryDate), string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert night credit %s: %w", c.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateNightCredit(ctx context.Context, c *timeshare.NightCredit) error {
	if err := c.CheckInvariant(); err != nil {
		return err
	}
	tag, err := ts.tx.Exec(ctx, `
		UPDATE night_credits SET owner_id = $2, total_nights = $3, remaining_nights = $4,
		                         expiry_date = $5, status = $6, updated_at = $7
		WHERE id = $1`,
		c.ID, c.OwnerID, c.TotalNights, c.RemainingNights, date(c.ExpiryDate), string(c.Status), c.UpdatedAt)
	return checkUpdated(tag, err, "night credit", c.ID)
}

func (ts *txStore) AppendCreditEntry(ctx context.Context, e timeshare.CreditEntry) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO credit_entries (id, credit_id, owner_id, delta, entry_type, reference_id,
		                            idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.CreditID, e.OwnerID, e.Delta, string(e.Type), text(e.ReferenceID),
		text(e.IdempotencyKey), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append credit entry %s: %w", e.ID, err)
	}
	return nil
}

func (ts *txStore) InsertNightCreditRequest(ctx context.Context, r *timeshare.NightCreditRequest) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO night_credit_requests (
			id, owner_id, credit_id, property_id, room_type, check_in, check_out,
			nights_requested, additional_nights, additional_price_amount, additional_price_currency,
			payment_status, payment_intent_id, status, booking_id, reviewed_by, staff_notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		requestArgs(r)...)
	if err != nil {
		return fmt.Errorf("insert night credit request %s: %w", r.ID, err)
	}
	return nil
}

func (ts *txStore) UpdateNightCreditRequest(ctx context.Context, r *timeshare.NightCreditRequest) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE night_credit_requests SET
			owner_id = $2, credit_id = $3, property_id = $4, room_type = $5, check_in = $6, check_out = $7,
			nights_requested = $8, additional_nights = $9, additional_price_amount = $10::numeric,
			additional_price_currency = $11, payment_status = $12, payment_intent_id = $13, status = $14,
			booking_id = $15, reviewed_by = $16, staff_notes = $17, created_at = $18, updated_at = $19
		WHERE id = $1`,
		requestArgs(r)...)
	return checkUpdated(tag, err, "night credit request", r.ID)
}

func (ts *txStore) SaveStaffAssignment(ctx context.Context, a timeshare.StaffAssignment) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO property_staff (property_id, user_id, active) VALUES ($1, $2, $3)
		ON CONFLICT (property_id, user_id) DO UPDATE SET active = EXCLUDED.active`,
		a.PropertyID, a.UserID, a.Active)
	if err != nil {
		return fmt.Errorf("save staff assignment: %w", err)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func getOne[T any](ctx context.Context, q querier, scan func(pgx.Row) (T, error), entity, id, sql string) (*T, error) {
	v, err := scan(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, timeshare.NotFound(entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entity, id, err)
	}
	return &v, nil
}

func queryAll[T any](ctx context.Context, q querier, scan func(pgx.Row) (T, error), sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
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

func scanWeek(row pgx.Row) (timeshare.Week, error) {
	var w timeshare.Week
	err := row.Scan(&w.ID, &w.OwnerID, &w.PropertyID, &w.AccommodationType, &w.Start, &w.End,
		&w.Status, &w.CreatedAt, &w.UpdatedAt)
	w.Start, w.End = w.Start.UTC(), w.End.UTC()
	w.CreatedAt, w.UpdatedAt = w.CreatedAt.UTC(), w.UpdatedAt.UTC()
	return w, err
}

func scanBooking(row pgx.Row) (timeshare.Booking, error) {
	var (
		b                                        timeshare.Booking
		pmsID, payRef, guestToken, key, creditID pgtype.Text
	)
	err := row.Scan(&b.ID, &b.UserID, &b.PropertyID, &b.AccommodationType, &b.CheckIn, &b.CheckOut,
		&b.Status, &b.Origin, &pmsID, &payRef, &guestToken, &key, &creditID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.CheckIn, b.CheckOut = b.CheckIn.UTC(), b.CheckOut.UTC()
	b.PMSBookingID = pmsID.String
	b.PaymentReference = payRef.String
	b.GuestToken = guestToken.String
	b.IdempotencyKey = key.String
	b.NightCreditID = creditID.String
	b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
	return b, nil
}

func bookingArgs(b *timeshare.Booking) []any {
	return []any{
		b.ID, b.UserID, b.PropertyID, b.AccommodationType, date(b.CheckIn), date(b.CheckOut),
		string(b.Status), string(b.Origin), text(b.PMSBookingID), text(b.PaymentReference), text(b.GuestToken),
		text(b.IdempotencyKey), text(b.NightCreditID), b.CreatedAt, b.UpdatedAt,
	}
}

func scanSwap(row pgx.Row) (timeshare.SwapRequest, error) {
	var (
		sw                                        timeshare.SwapRequest
		reqKind                                   string
		respID, respKind, respSourceID, respOwner pgtype.Text
		respProperty                              pgtype.Text
		respStart, respEnd                        pgtype.Date
		feeAmount                                 string
		intentID, reviewedBy, rejected            pgtype.Text
		paidAt                                    pgtype.Timestamptz
	)
	err := row.Scan(&sw.ID,
		&sw.RequesterID, &reqKind, &sw.Requester.Source.ID, &sw.Requester.OwnerID,
		&sw.Requester.PropertyID, &sw.Requester.Start, &sw.Requester.End,
		&respID, &respKind, &respSourceID, &respOwner, &respProperty, &respStart, &respEnd,
		&sw.AccommodationType, &sw.Status, &sw.StaffApproval, &sw.ResponderAcceptance, &sw.PaymentStatus,
		&feeAmount, &sw.SwapFee.Currency, &intentID, &paidAt, &reviewedBy, &rejected,
		&sw.CreatedAt, &sw.UpdatedAt)
	if err != nil {
		return sw, err
	}

	sw.Requester.Source.Kind = timeshare.SourceKind(reqKind)
	sw.Requester.Start, sw.Requester.End = sw.Requester.Start.UTC(), sw.Requester.End.UTC()
	sw.ResponderID = respID.String
	if respSourceID.Valid {
		sw.Responder = &timeshare.SwapSlot{
			Source:     timeshare.SwapSource{Kind: timeshare.SourceKind(respKind.String), ID: respSourceID.String},
			OwnerID:    respOwner.String,
			PropertyID: respProperty.String,
			Start:      respStart.Time.UTC(),
			End:        respEnd.Time.UTC(),
		}
	}
	if sw.SwapFee.Amount, err = decimal.NewFromString(feeAmount); err != nil {
		return sw, fmt.Errorf("swap request %s: bad fee %q: %w", sw.ID, feeAmount, err)
	}
	sw.PaymentIntentID = intentID.String
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		sw.PaidAt = &t
	}
	sw.ReviewedBy = reviewedBy.String
	sw.RejectionReason = rejected.String
	sw.CreatedAt, sw.UpdatedAt = sw.CreatedAt.UTC(), sw.UpdatedAt.UTC()
	return sw, nil
}

func swapArgs(sw *timeshare.SwapRequest) []any {
	var (
		respKind, respSourceID, respOwner, respProperty pgtype.Text
		respStart, respEnd                              pgtype.Date
		paidAt                                          pgtype.Timestamptz
	)
	if sw.Responder != nil {
		respKind = text(string(sw.Responder.Source.Kind))
		respSourceID = pgtype.Text{String: sw.Responder.Source.ID, Valid: true}
		respOwner = text(sw.Responder.OwnerID)
		respProperty = text(sw.Responder.PropertyID)
		respStart = pgtype.Date{Time: date(sw.Responder.Start), Valid: true}
		respEnd = pgtype.Date{Time: date(sw.Responder.End), Valid: true}
	}
	if sw.PaidAt != nil {
		paidAt = pgtype.Timestamptz{Time: *sw.PaidAt, Valid: true}
	}
	return []any{
		sw.ID,
		sw.RequesterID, string(sw.Requester.Source.Kind), sw.Requester.Source.ID, sw.Requester.OwnerID,
		sw.Requester.PropertyID, date(sw.Requester.Start), date(sw.Requester.End),
		text(sw.ResponderID), respKind, respSourceID, respOwner, respProperty, respStart, respEnd,
		sw.AccommodationType, string(sw.Status), string(sw.StaffApproval), string(sw.ResponderAcceptance),
		string(sw.PaymentStatus), sw.SwapFee.Amount.String(), sw.SwapFee.Currency, text(sw.PaymentIntentID), paidAt,
		text(sw.ReviewedBy), text(sw.RejectionReason), sw.CreatedAt, sw.UpdatedAt,
	}
}

func scanCredit(row pgx.Row) (timeshare.NightCredit, error) {
	var (
		c      timeshare.NightCredit
		weekID pgtype.Text
	)
	err := row.Scan(&c.ID, &c.OwnerID, &weekID, &c.TotalNights, &c.RemainingNights, &c.ExpiryDate,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	c.OriginalWeekID = weekID.String
	c.ExpiryDate = c.ExpiryDate.UTC()
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, err
}

func scanEntry(row pgx.Row) (timeshare.CreditEntry, error) {
	var (
		e        timeshare.CreditEntry
		ref, key pgtype.Text
	)
	err := row.Scan(&e.ID, &e.CreditID, &e.OwnerID, &e.Delta, &e.Type, &ref, &key, &e.CreatedAt)
	e.ReferenceID = ref.String
	e.IdempotencyKey = key.String
	e.CreatedAt = e.CreatedAt.UTC()
	return e, err
}

func scanRequest(row pgx.Row) (timeshare.NightCreditRequest, error) {
	var (
		r                                     timeshare.NightCreditRequest
		amount                                string
		intentID, bookingID, reviewedBy, note pgtype.Text
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.CreditID, &r.PropertyID, &r.RoomType, &r.CheckIn, &r.CheckOut,
		&r.NightsRequested, &r.AdditionalNights, &amount, &r.AdditionalPrice.Currency,
		&r.PaymentStatus, &intentID, &r.Status, &bookingID, &reviewedBy, &note, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.CheckIn, r.CheckOut = r.CheckIn.UTC(), r.CheckOut.UTC()
	if r.AdditionalPrice.Amount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("night credit request %s: bad price %q: %w", r.ID, amount, err)
	}
	r.PaymentIntentID = intentID.String
	r.BookingID = bookingID.String
	r.ReviewedBy = reviewedBy.String
	r.StaffNotes = note.String
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, nil
}

func requestArgs(r *timeshare.NightCreditRequest) []any {
	return []any{
		r.ID, r.OwnerID, r.CreditID, r.PropertyID, r.RoomType, date(r.CheckIn), date(r.CheckOut),
		r.NightsRequested, r.AdditionalNights, r.AdditionalPrice.Amount.String(), r.AdditionalPrice.Currency,
		string(r.PaymentStatus), text(r.PaymentIntentID), string(r.Status), text(r.BookingID),
		text(r.ReviewedBy), text(r.StaffNotes), r.CreatedAt, r.UpdatedAt,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func date(t time.Time) time.Time { return timeshare.DateOf(t) }

func strs[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// nonNil makes a nil slice encode as '{}' rather than NULL.
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func checkUpdated(tag pgconn.CommandTag, err error, entity, id string) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	if tag.RowsAffected() == 0 {
		return timeshare.NotFound(entity, id)
	}
	return nil
}

func isIdempotencyKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyConstraint
}

var (
	_ timeshare.Store = (*Store)(nil)
	_ timeshare.Tx    = (*txStore)(nil)
)
