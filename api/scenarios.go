/*
scenarios.go - Demo data loaders for testing and demonstrations

PURPOSE:
	Populates the store with a small, realistic data set so every endpoint
	can be tried by hand. Dates are placed in the next calendar year so the
	data stays valid whenever it is loaded.

AVAILABLE SCENARIOS:

	swap-marketplace: two owners with same-shape 2br weeks at one resort,
	                  matching confirmed bookings, a peak week, and staff
	night-credits:    an owner with a convertible week and a 6-night credit,
	                  and staff at the hotel

HOW SCENARIOS WORK:
 1. Every row has a fixed "demo-" id
 2. Rows that already exist are skipped, so loading twice is harmless
 3. All rows of a scenario are written in one transaction

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "night-credits"}

NOTE:

	Only mounted when SEED_DEMO is on. Use in development and demos only.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/timeshare"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "swap-marketplace",
		Name:        "Swap Marketplace",
		Description: "Two owners with swappable 2br weeks at resort-a, one peak week, staff-a on duty",
	},
	{
		ID:          "night-credits",
		Name:        "Night Credits",
		Description: "Owner with a convertible week and a 6-night credit at hotel-1, staff-1 on duty",
	},
}

type scenarioData struct {
	weeks    []timeshare.Week
	bookings []timeshare.Booking
	credits  []timeshare.NightCredit
	staff    []timeshare.StaffAssignment
}

func buildScenario(id string, now time.Time) (scenarioData, bool) {
	y := now.Year() + 1
	d := func(m time.Month, day int) time.Time { return timeshare.Date(y, m, day) }

	switch id {
	case "swap-marketplace":
		return scenarioData{
			weeks: []timeshare.Week{
				{ID: "demo-week-alice", OwnerID: "alice", PropertyID: "resort-a", AccommodationType: "2br", Start: d(3, 7), End: d(3, 14)},
				{ID: "demo-week-bob", OwnerID: "bob", PropertyID: "resort-a", AccommodationType: "2br", Start: d(4, 4), End: d(4, 11)},
				{ID: "demo-week-carol", OwnerID: "carol", PropertyID: "resort-a", AccommodationType: "2br", Start: d(5, 2), End: d(5, 9)},
				{ID: "demo-week-peak", OwnerID: "dave", PropertyID: "resort-a", AccommodationType: "2br", Start: d(7, 4), End: d(7, 11)},
			},
			bookings: []timeshare.Booking{
				{ID: "demo-booking-alice", UserID: "alice", PropertyID: "resort-b", AccommodationType: "studio", CheckIn: d(9, 5), CheckOut: d(9, 9)},
				{ID: "demo-booking-bob", UserID: "bob", PropertyID: "resort-b", AccommodationType: "studio", CheckIn: d(10, 3), CheckOut: d(10, 7)},
			},
			staff: []timeshare.StaffAssignment{{PropertyID: "resort-a", UserID: "staff-a", Active: true}},
		}, true
	case "night-credits":
		return scenarioData{
			weeks: []timeshare.Week{
				{ID: "demo-week-convert", OwnerID: "alice", PropertyID: "hotel-1", AccommodationType: "deluxe", Start: d(2, 1), End: d(2, 8)},
			},
			credits: []timeshare.NightCredit{
				{ID: "demo-credit", OwnerID: "alice", OriginalWeekID: "demo-week-prior", TotalNights: 6, RemainingNights: 6, ExpiryDate: d(12, 31)},
			},
			staff: []timeshare.StaffAssignment{{PropertyID: "hotel-1", UserID: "staff-1", Active: true}},
		}, true
	}
	return scenarioData{}, false
}

// LoadScenario writes the named scenario into store.
func LoadScenario(ctx context.Context, store timeshare.Store, id string, now time.Time) error {
	data, ok := buildScenario(id, now)
	if !ok {
		return timeshare.InvalidInputf("unknown scenario %q", id)
	}

	return store.WithTx(ctx, func(tx timeshare.Tx) error {
		for _, a := range data.staff {
			if err := tx.SaveStaffAssignment(ctx, a); err != nil {
				return err
			}
		}
		for _, w := range data.weeks {
			if _, err := tx.GetWeek(ctx, w.ID); err == nil {
				continue
			} else if !timeshare.IsNotFound(err) {
				return err
			}
			w.Status = timeshare.WeekAvailable
			w.CreatedAt, w.UpdatedAt = now, now
			if err := tx.InsertWeek(ctx, &w); err != nil {
				return fmt.Errorf("scenario %s: %w", id, err)
			}
		}
		for _, b := range data.bookings {
			if _, err := tx.GetBooking(ctx, b.ID); err == nil {
				continue
			} else if !timeshare.IsNotFound(err) {
				return err
			}
			b.Status = timeshare.BookingConfirmed
			b.Origin = timeshare.OriginMarketplace
			b.CreatedAt, b.UpdatedAt = now, now
			if err := tx.InsertBooking(ctx, &b); err != nil {
				return fmt.Errorf("scenario %s: %w", id, err)
			}
		}
		for _, c := range data.credits {
			if _, err := tx.GetNightCredit(ctx, c.ID); err == nil {
				continue
			} else if !timeshare.IsNotFound(err) {
				return err
			}
			c.Status = timeshare.CreditActive
			c.CreatedAt, c.UpdatedAt = now, now
			if err := tx.InsertNightCredit(ctx, &c); err != nil {
				return fmt.Errorf("scenario %s: %w", id, err)
			}
			if err := tx.AppendCreditEntry(ctx, timeshare.CreditEntry{
				ID:          c.ID + "-grant",
				CreditID:    c.ID,
				OwnerID:     c.OwnerID,
				Delta:       c.TotalNights,
				Type:        timeshare.EntryGrant,
				ReferenceID: c.OriginalWeekID,
				CreatedAt:   now,
			}); err != nil {
				return fmt.Errorf("scenario %s: %w", id, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a demo scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := LoadScenario(r.Context(), h.Store, req.ScenarioID, time.Now().UTC()); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", zap.String("scenario_id", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}
