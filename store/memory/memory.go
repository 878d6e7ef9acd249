// Package memory provides an in-memory timeshare.Store (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/warp/timeshare-engine/timeshare"
)

// =============================================================================
// MEMORY STORE - Arena with id maps
// =============================================================================

// Store keeps every entity in maps keyed by id. Reads take the read lock;
// WithTx takes the write lock for the whole transaction, so transactions are
// serialized and Lock* needs no per-row bookkeeping.
type Store struct {
	mu   sync.RWMutex
	data *state
}

type state struct {
	weeks       map[string]timeshare.Week
	bookings    map[string]timeshare.Booking
	swaps       map[string]timeshare.SwapRequest
	credits     map[string]timeshare.NightCredit
	entries     map[string][]timeshare.CreditEntry
	requests    map[string]timeshare.NightCreditRequest
	staff       map[string]map[string]bool
	idempotency map[string]string // booking idempotency key -> booking id
}

func newState() *state {
	return &state{
		weeks:       make(map[string]timeshare.Week),
		bookings:    make(map[string]timeshare.Booking),
		swaps:       make(map[string]timeshare.SwapRequest),
		credits:     make(map[string]timeshare.NightCredit),
		entries:     make(map[string][]timeshare.CreditEntry),
		requests:    make(map[string]timeshare.NightCreditRequest),
		staff:       make(map[string]map[string]bool),
		idempotency: make(map[string]string),
	}
}

func New() *Store {
	return &Store{data: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(timeshare.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	committed := false
	defer func() {
		if !committed {
			s.data = snapshot
		}
	}()

	if err := fn(&txView{data: s.data}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (d *state) clone() *state {
	c := newState()
	for k, v := range d.weeks {
		c.weeks[k] = v
	}
	for k, v := range d.bookings {
		c.bookings[k] = v
	}
	for k, v := range d.swaps {
		c.swaps[k] = v.Clone()
	}
	for k, v := range d.credits {
		c.credits[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = slices.Clone(v)
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for p, users := range d.staff {
		m := make(map[string]bool, len(users))
		for u, active := range users {
			m[u] = active
		}
		c.staff[p] = m
	}
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// =============================================================================
// READER - Store methods take the read lock and delegate to state
// =============================================================================

func (s *Store) GetWeek(_ context.Context, id string) (*timeshare.Week, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getWeek(id)
}

func (s *Store) ListWeeks(_ context.Context, f timeshare.WeekFilter) ([]timeshare.Week, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listWeeks(f), nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*timeshare.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getBooking(id)
}

func (s *Store) GetBookingByIdempotencyKey(_ context.Context, key string) (*timeshare.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getBookingByKey(key)
}

func (s *Store) ListBookings(_ context.Context, f timeshare.BookingFilter) ([]timeshare.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listBookings(f), nil
}

func (s *Store) GetSwapRequest(_ context.Context, id string) (*timeshare.SwapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getSwap(id)
}

func (s *Store) ListSwapRequests(_ context.Context, f timeshare.SwapFilter) ([]timeshare.SwapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listSwaps(f), nil
}

func (s *Store) GetNightCredit(_ context.Context, id string) (*timeshare.NightCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getCredit(id)
}

func (s *Store) ListNightCredits(_ context.Context, ownerID string) ([]timeshare.NightCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listCredits(ownerID), nil
}

func (s *Store) ListCreditEntries(_ context.Context, creditID string) ([]timeshare.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.entries[creditID]), nil
}

func (s *Store) GetNightCreditRequest(_ context.Context, id string) (*timeshare.NightCreditRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getRequest(id)
}

func (s *Store) ListNightCreditRequests(_ context.Context, f timeshare.CreditRequestFilter) ([]timeshare.NightCreditRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listRequests(f), nil
}

func (s *Store) CountConflicts(_ context.Context, q timeshare.ConflictQuery) (timeshare.ConflictCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.countConflicts(q), nil
}

func (s *Store) ListActiveStaff(_ context.Context, propertyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.activeStaff(propertyID), nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Runs with the write lock already held
// =============================================================================

type txView struct {
	data *state
}

func (tv *txView) GetWeek(_ context.Context, id string) (*timeshare.Week, error) {
	return tv.data.getWeek(id)
}

func (tv *txView) ListWeeks(_ context.Context, f timeshare.WeekFilter) ([]timeshare.Week, error) {
	return tv.data.listWeeks(f), nil
}

func (tv *txView) GetBooking(_ context.Context, id string) (*timeshare.Booking, error) {
	return tv.data.getBooking(id)
}

func (tv *txView) GetBookingByIdempotencyKey(_ context.Context, key string) (*timeshare.Booking, error) {
	return tv.data.getBookingByKey(key)
}

func (tv *txView) ListBookings(_ context.Context, f timeshare.BookingFilter) ([]timeshare.Booking, error) {
	return tv.data.listBookings(f), nil
}

func (tv *txView) GetSwapRequest(_ context.Context, id string) (*timeshare.SwapRequest, error) {
	return tv.data.getSwap(id)
}

func (tv *txView) ListSwapRequests(_ context.Context, f timeshare.SwapFilter) ([]timeshare.SwapRequest, error) {
	return tv.data.listSwaps(f), nil
}

func (tv *txView) GetNightCredit(_ context.Context, id string) (*timeshare.NightCredit, error) {
	return tv.data.getCredit(id)
}

func (tv *txView) ListNightCredits(_ context.Context, ownerID string) ([]timeshare.NightCredit, error) {
	return tv.data.listCredits(ownerID), nil
}

func (tv *txView) ListCreditEntries(_ context.Context, creditID string) ([]timeshare.CreditEntry, error) {
	return slices.Clone(tv.data.entries[creditID]), nil
}

func (tv *txView) GetNightCreditRequest(_ context.Context, id string) (*timeshare.NightCreditRequest, error) {
	return tv.data.getRequest(id)
}

func (tv *txView) ListNightCreditRequests(_ context.Context, f timeshare.CreditRequestFilter) ([]timeshare.NightCreditRequest, error) {
	return tv.data.listRequests(f), nil
}

func (tv *txView) CountConflicts(_ context.Context, q timeshare.ConflictQuery) (timeshare.ConflictCounts, error) {
	return tv.data.countConflicts(q), nil
}

func (tv *txView) ListActiveStaff(_ context.Context, propertyID string) ([]string, error) {
	return tv.data.activeStaff(propertyID), nil
}

// Lock* are plain reads: the transaction already holds the store's write lock.

func (tv *txView) LockWeek(_ context.Context, id string) (*timeshare.Week, error) {
	return tv.data.getWeek(id)
}

func (tv *txView) LockBooking(_ context.Context, id string) (*timeshare.Booking, error) {
	return tv.data.getBooking(id)
}

func (tv *txView) LockSwapRequest(_ context.Context, id string) (*timeshare.SwapRequest, error) {
	return tv.data.getSwap(id)
}

func (tv *txView) LockNightCredit(_ context.Context, id string) (*timeshare.NightCredit, error) {
	return tv.data.getCredit(id)
}

func (tv *txView) LockNightCreditRequest(_ context.Context, id string) (*timeshare.NightCreditRequest, error) {
	return tv.data.getRequest(id)
}

func (tv *txView) InsertWeek(_ context.Context, w *timeshare.Week) error {
	if _, ok := tv.data.weeks[w.ID]; ok {
		return fmt.Errorf("week %s already exists", w.ID)
	}
	tv.data.weeks[w.ID] = *w
	return nil
}

func (tv *txView) UpdateWeek(_ context.Context, w *timeshare.Week) error {
	if _, ok := tv.data.weeks[w.ID]; !ok {
		return timeshare.NotFound("week", w.ID)
	}
	tv.data.weeks[w.ID] = *w
	return nil
}

func (tv *txView) InsertBooking(_ context.Context, b *timeshare.Booking) error {
	if _, ok := tv.data.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	if b.IdempotencyKey != "" {
		if _, taken := tv.data.idempotency[b.IdempotencyKey]; taken {
			return timeshare.ErrDuplicateIdempotencyKey
		}
		tv.data.idempotency[b.IdempotencyKey] = b.ID
	}
	tv.data.bookings[b.ID] = *b
	return nil
}

func (tv *txView) UpdateBooking(_ context.Context, b *timeshare.Booking) error {
	old, ok := tv.data.bookings[b.ID]
	if !ok {
		return timeshare.NotFound("booking", b.ID)
	}
	if old.IdempotencyKey != b.IdempotencyKey {
		if b.IdempotencyKey != "" {
			if _, taken := tv.data.idempotency[b.IdempotencyKey]; taken {
				return timeshare.ErrDuplicateIdempotencyKey
			}
			tv.data.idempotency[b.IdempotencyKey] = b.ID
		}
		delete(tv.data.idempotency, old.IdempotencyKey)
	}
	tv.data.bookings[b.ID] = *b
	return nil
}

func (tv *txView) InsertSwapRequest(_ context.Context, s *timeshare.SwapRequest) error {
	if _, ok := tv.data.swaps[s.ID]; ok {
		return fmt.Errorf("swap request %s already exists", s.ID)
	}
	tv.data.swaps[s.ID] = s.Clone()
	return nil
}

func (tv *txView) UpdateSwapRequest(_ context.Context, s *timeshare.SwapRequest) error {
	if _, ok := tv.data.swaps[s.ID]; !ok {
		return timeshare.NotFound("swap request", s.ID)
	}
	tv.data.swaps[s.ID] = s.Clone()
	return nil
}

func (tv *txView) InsertNightCredit(_ context.Context, c *timeshare.NightCredit) error {
	if _, ok := tv.data.credits[c.ID]; ok {
		return fmt.Errorf("night credit %s already exists", c.ID)
	}
	if err := c.CheckInvariant(); err != nil {
		return err
	}
	tv.data.credits[c.ID] = *c
	return nil
}

func (tv *txView) UpdateNightCredit(_ context.Context, c *timeshare.NightCredit) error {
	if _, ok := tv.data.credits[c.ID]; !ok {
		return timeshare.NotFound("night credit", c.ID)
	}
	if err := c.CheckInvariant(); err != nil {
		return err
	}
	tv.data.credits[c.ID] = *c
	return nil
}

func (tv *txView) AppendCreditEntry(_ context.Context, e timeshare.CreditEntry) error {
	if _, ok := tv.data.credits[e.CreditID]; !ok {
		return timeshare.NotFound("night credit", e.CreditID)
	}
	tv.data.entries[e.CreditID] = append(tv.data.entries[e.CreditID], e)
	return nil
}

func (tv *txView) InsertNightCreditRequest(_ context.Context, r *timeshare.NightCreditRequest) error {
	if _, ok := tv.data.requests[r.ID]; ok {
		return fmt.Errorf("night credit request %s already exists", r.ID)
	}
	tv.data.requests[r.ID] = *r
	return nil
}

func (tv *txView) UpdateNightCreditRequest(_ context.Context, r *timeshare.NightCreditRequest) error {
	if _, ok := tv.data.requests[r.ID]; !ok {
		return timeshare.NotFound("night credit request", r.ID)
	}
	tv.data.requests[r.ID] = *r
	return nil
}

func (tv *txView) SaveStaffAssignment(_ context.Context, a timeshare.StaffAssignment) error {
	users, ok := tv.data.staff[a.PropertyID]
	if !ok {
		users = make(map[string]bool)
		tv.data.staff[a.PropertyID] = users
	}
	users[a.UserID] = a.Active
	return nil
}

// =============================================================================
// STATE QUERIES - Caller holds the appropriate lock
// =============================================================================

func (d *state) getWeek(id string) (*timeshare.Week, error) {
	w, ok := d.weeks[id]
	if !ok {
		return nil, timeshare.NotFound("week", id)
	}
	return &w, nil
}

func (d *state) listWeeks(f timeshare.WeekFilter) []timeshare.Week {
	var out []timeshare.Week
	for _, w := range d.weeks {
		if f.OwnerID != "" && w.OwnerID != f.OwnerID {
			continue
		}
		if f.ExcludeOwnerID != "" && w.OwnerID == f.ExcludeOwnerID {
			continue
		}
		if f.PropertyID != "" && w.PropertyID != f.PropertyID {
			continue
		}
		if f.AccommodationType != "" && w.AccommodationType != f.AccommodationType {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, w.Status) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (d *state) getBooking(id string) (*timeshare.Booking, error) {
	b, ok := d.bookings[id]
	if !ok {
		return nil, timeshare.NotFound("booking", id)
	}
	return &b, nil
}

func (d *state) getBookingByKey(key string) (*timeshare.Booking, error) {
	id, ok := d.idempotency[key]
	if !ok || key == "" {
		return nil, timeshare.NotFound("booking with idempotency key", key)
	}
	return d.getBooking(id)
}

func (d *state) listBookings(f timeshare.BookingFilter) []timeshare.Booking {
	var out []timeshare.Booking
	for _, b := range d.bookings {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, b.Status) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckIn.Equal(out[j].CheckIn) {
			return out[i].CheckIn.Before(out[j].CheckIn)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *state) getSwap(id string) (*timeshare.SwapRequest, error) {
	s, ok := d.swaps[id]
	if !ok {
		return nil, timeshare.NotFound("swap request", id)
	}
	c := s.Clone()
	return &c, nil
}

func (d *state) listSwaps(f timeshare.SwapFilter) []timeshare.SwapRequest {
	var out []timeshare.SwapRequest
	for _, s := range d.swaps {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, s.Status) {
			continue
		}
		if f.UnmatchedOnly && s.Responder != nil {
			continue
		}
		if f.ParticipantID != "" && s.RequesterID != f.ParticipantID && s.ResponderID != f.ParticipantID {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *state) getCredit(id string) (*timeshare.NightCredit, error) {
	c, ok := d.credits[id]
	if !ok {
		return nil, timeshare.NotFound("night credit", id)
	}
	return &c, nil
}

func (d *state) listCredits(ownerID string) []timeshare.NightCredit {
	var out []timeshare.NightCredit
	for _, c := range d.credits {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *state) getRequest(id string) (*timeshare.NightCreditRequest, error) {
	r, ok := d.requests[id]
	if !ok {
		return nil, timeshare.NotFound("night credit request", id)
	}
	return &r, nil
}

func (d *state) listRequests(f timeshare.CreditRequestFilter) []timeshare.NightCreditRequest {
	var out []timeshare.NightCreditRequest
	for _, r := range d.requests {
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		if f.CreditID != "" && r.CreditID != f.CreditID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *state) countConflicts(q timeshare.ConflictQuery) timeshare.ConflictCounts {
	var c timeshare.ConflictCounts
	for _, b := range d.bookings {
		if b.PropertyID != q.PropertyID || slices.Contains(q.ExcludeBookingIDs, b.ID) {
			continue
		}
		if slices.Contains(q.BookingStatuses, b.Status) && b.Range().Overlaps(q.Range) {
			c.Bookings++
		}
	}
	for _, w := range d.weeks {
		if w.PropertyID != q.PropertyID || slices.Contains(q.ExcludeWeekIDs, w.ID) {
			continue
		}
		if slices.Contains(q.WeekStatuses, w.Status) && w.Range().Overlaps(q.Range) {
			c.Weeks++
		}
	}
	for _, s := range d.swaps {
		if !slices.Contains(q.SwapStatuses, s.Status) || slices.Contains(q.ExcludeSwapIDs, s.ID) {
			continue
		}
		if slotHits(s.Requester, q) || (s.Responder != nil && slotHits(*s.Responder, q)) {
			c.Swaps++
		}
	}
	return c
}

func slotHits(slot timeshare.SwapSlot, q timeshare.ConflictQuery) bool {
	return slot.PropertyID == q.PropertyID && slot.Range().Overlaps(q.Range)
}

func (d *state) activeStaff(propertyID string) []string {
	var out []string
	for id, active := range d.staff[propertyID] {
		if active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

var (
	_ timeshare.Store = (*Store)(nil)
	_ timeshare.Tx    = (*txView)(nil)
)
