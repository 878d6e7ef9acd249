/*
handlers.go - HTTP API handlers for the swap and night-credit engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the domain services.

ENDPOINTS:
  Swaps (caller is requester or responder):
    POST   /api/swaps                          Create swap request
    GET    /api/swaps                          Swaps the caller takes part in
    GET    /api/swaps/available                Open swaps the caller could answer
    GET    /api/swaps/{id}                     Get swap (parties and staff)
    POST   /api/swaps/{id}/offer               Responder offers a week or booking
    POST   /api/swaps/{id}/accept              Responder accepts
    POST   /api/swaps/{id}/reject              Responder declines
    POST   /api/swaps/{id}/cancel              Requester cancels
    POST   /api/swaps/{id}/payment-intent      Requester starts fee payment
    POST   /api/swaps/{id}/confirm-payment     Requester confirms fee payment
    GET    /api/weeks/{id}/matches             Compatible weeks for a swap

  Staff:
    POST   /api/staff/swaps/{id}/approve
    POST   /api/staff/swaps/{id}/reject
    PATCH  /api/staff/night-credits/requests/{id}/approve
    PATCH  /api/staff/night-credits/requests/{id}/reject
    POST   /api/staff/night-credits/requests/{id}/complete   Retry after PMS failure

  Owner night credits:
    POST   /api/owner/weeks/{id}/convert
    GET    /api/owner/night-credits
    GET    /api/owner/night-credits/{id}/history
    POST   /api/owner/night-credits/requests
    GET    /api/owner/night-credits/requests
    GET    /api/owner/night-credits/requests/{id}
    POST   /api/owner/night-credits/requests/{id}/payment-intent
    POST   /api/owner/night-credits/requests/{id}/pay
    DELETE /api/owner/night-credits/requests/{id}
    POST   /api/timeshare/night-credits/{creditId}/use   Idempotency-Key header

  Other:
    GET    /api/availability?property_id=&start=&end=
    GET    /healthz

ERROR HANDLING:
  Domain errors map to status codes in errors.go:
  - 400 invalid input, 403 forbidden, 404 not found
  - 409 invalid state, conflict, no active staff
  - 422 peak restricted, insufficient balance
  - 502 PMS or payment gateway failure
  - 500 anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/credits"
	"github.com/warp/timeshare-engine/matching"
	"github.com/warp/timeshare-engine/swap"
	"github.com/warp/timeshare-engine/timeshare"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   timeshare.Store
	Swaps   *swap.Service
	Credits *credits.Service
	Matcher *matching.Matcher
	Peaks   *availability.PeakCalendar
	Checker availability.Checker
	Logger  *zap.Logger

	// Ping backs /healthz; nil means always healthy.
	Ping func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store timeshare.Store, swaps *swap.Service, cr *credits.Service, matcher *matching.Matcher,
	peaks *availability.PeakCalendar, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:   store,
		Swaps:   swaps,
		Credits: cr,
		Matcher: matcher,
		Peaks:   peaks,
		Logger:  logger,
	}
}

// =============================================================================
// SWAP HANDLERS
// =============================================================================

// CreateSwap creates a swap request owned by the caller.
// POST /api/swaps
func (h *Handler) CreateSwap(w http.ResponseWriter, r *http.Request) {
	var req CreateSwapRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	in := swap.CreateInput{
		RequesterID: userFrom(r),
		Source:      req.Source.toSource(),
		ResponderID: req.ResponderID,
	}
	if req.Responder != nil {
		src := req.Responder.toSource()
		in.Responder = &src
	}

	s, err := h.Swaps.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSwapDTO(*s))
}

// ListSwaps returns swaps where the caller is requester or responder.
// GET /api/swaps
func (h *Handler) ListSwaps(w http.ResponseWriter, r *http.Request) {
	swaps, err := h.Swaps.ListForUser(r.Context(), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapDTOs(swaps))
}

// ListAvailableSwaps returns open swaps whose requester holds a stay the
// same shape as one of the caller's confirmed bookings.
// GET /api/swaps/available
func (h *Handler) ListAvailableSwaps(w http.ResponseWriter, r *http.Request) {
	swaps, err := h.Matcher.GetAvailableSwapsForUser(r.Context(), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapDTOs(swaps))
}

// GET /api/swaps/{id}
func (h *Handler) GetSwap(w http.ResponseWriter, r *http.Request) {
	s, err := h.Swaps.Get(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondSwap(w, r, s, err)
}

// POST /api/swaps/{id}/offer
func (h *Handler) OfferSwap(w http.ResponseWriter, r *http.Request) {
	var req OfferSwapRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.Swaps.OfferResponder(r.Context(), chi.URLParam(r, "id"), userFrom(r), req.Source.toSource())
	h.respondSwap(w, r, s, err)
}

// POST /api/swaps/{id}/accept
func (h *Handler) AcceptSwap(w http.ResponseWriter, r *http.Request) {
	s, err := h.Swaps.Accept(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondSwap(w, r, s, err)
}

// DeclineSwap is the responder's rejection.
// POST /api/swaps/{id}/reject
func (h *Handler) DeclineSwap(w http.ResponseWriter, r *http.Request) {
	s, err := h.Swaps.Decline(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondSwap(w, r, s, err)
}

// POST /api/swaps/{id}/cancel
func (h *Handler) CancelSwap(w http.ResponseWriter, r *http.Request) {
	s, err := h.Swaps.Cancel(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondSwap(w, r, s, err)
}

// POST /api/swaps/{id}/payment-intent
func (h *Handler) CreateSwapPaymentIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.Swaps.CreatePaymentIntent(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIntentDTO(intent))
}

// ConfirmSwapPayment settles the fee and, if everything else is in place,
// completes the swap.
// POST /api/swaps/{id}/confirm-payment
func (h *Handler) ConfirmSwapPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.Swaps.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), userFrom(r), req.PaymentIntentID)
	h.respondSwap(w, r, s, err)
}

// POST /api/staff/swaps/{id}/approve
func (h *Handler) ApproveSwap(w http.ResponseWriter, r *http.Request) {
	s, err := h.Swaps.Approve(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondSwap(w, r, s, err)
}

// POST /api/staff/swaps/{id}/reject
func (h *Handler) RejectSwap(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.Swaps.Reject(r.Context(), chi.URLParam(r, "id"), userFrom(r), req.Reason)
	h.respondSwap(w, r, s, err)
}

func (h *Handler) respondSwap(w http.ResponseWriter, r *http.Request, s *timeshare.SwapRequest, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapDTO(*s))
}

// =============================================================================
// MATCHING & AVAILABILITY
// =============================================================================

// FindMatches lists weeks the caller's week could be swapped for.
// GET /api/weeks/{id}/matches?property_id=&limit=
func (h *Handler) FindMatches(w http.ResponseWriter, r *http.Request) {
	opts := matching.Options{PropertyID: r.URL.Query().Get("property_id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, r, timeshare.InvalidInputf("limit must be a positive integer, got %q", v))
			return
		}
		opts.Limit = n
	}

	weeks, err := h.Matcher.FindCompatibleWeeks(r.Context(), chi.URLParam(r, "id"), userFrom(r), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]WeekDTO, len(weeks))
	for i, wk := range weeks {
		out[i] = toWeekDTO(wk)
	}
	writeJSON(w, http.StatusOK, out)
}

// CheckAvailability reports conflicts and peak overlap for a stay.
// GET /api/availability?property_id=&start=&end=
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	propertyID := q.Get("property_id")
	if propertyID == "" {
		h.writeError(w, r, timeshare.InvalidInputf("property_id is required"))
		return
	}
	start, err := parseDate("start", q.Get("start"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := parseDate("end", q.Get("end"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rng, err := timeshare.NewDateRange(start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	a, err := h.Checker.Check(r.Context(), h.Store, propertyID, rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{
		PropertyID: propertyID,
		Start:      formatDate(rng.Start),
		End:        formatDate(rng.End),
		Available:  a.Available,
		Peak:       h.Peaks.OverlapsPeak(rng.Start, rng.End),
		Bookings:   a.Conflicts.Bookings,
		Weeks:      a.Conflicts.Weeks,
		Swaps:      a.Conflicts.Swaps,
	})
}

// =============================================================================
// NIGHT CREDIT HANDLERS
// =============================================================================

// POST /api/owner/weeks/{id}/convert
func (h *Handler) ConvertWeek(w http.ResponseWriter, r *http.Request) {
	c, err := h.Credits.ConvertWeek(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditDTO(*c))
}

// GET /api/owner/night-credits
func (h *Handler) ListCredits(w http.ResponseWriter, r *http.Request) {
	list, err := h.Credits.ListCredits(r.Context(), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]NightCreditDTO, len(list))
	for i, c := range list {
		out[i] = toCreditDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/owner/night-credits/{id}/history
func (h *Handler) CreditHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Credits.History(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// POST /api/owner/night-credits/requests
func (h *Handler) CreateCreditRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditRequestRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	checkIn, err := parseDate("check_in", req.CheckIn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	checkOut, err := parseDate("check_out", req.CheckOut)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cr, err := h.Credits.CreateRequest(r.Context(), credits.CreateRequestInput{
		OwnerID:          userFrom(r),
		CreditID:         req.CreditID,
		PropertyID:       req.PropertyID,
		RoomType:         req.RoomType,
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		NightsRequested:  req.NightsRequested,
		AdditionalNights: req.AdditionalNights,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditRequestDTO(*cr))
}

// GET /api/owner/night-credits/requests
func (h *Handler) ListCreditRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.Credits.ListRequests(r.Context(), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]CreditRequestDTO, len(list))
	for i, cr := range list {
		out[i] = toCreditRequestDTO(cr)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/owner/night-credits/requests/{id}
func (h *Handler) GetCreditRequest(w http.ResponseWriter, r *http.Request) {
	cr, err := h.Credits.GetRequest(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondCreditRequest(w, r, cr, err)
}

// DELETE /api/owner/night-credits/requests/{id}
func (h *Handler) CancelCreditRequest(w http.ResponseWriter, r *http.Request) {
	cr, err := h.Credits.CancelRequest(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	h.respondCreditRequest(w, r, cr, err)
}

// POST /api/owner/night-credits/requests/{id}/payment-intent
func (h *Handler) CreateCreditRequestPaymentIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.Credits.CreatePaymentIntent(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIntentDTO(intent))
}

// POST /api/owner/night-credits/requests/{id}/pay
func (h *Handler) PayCreditRequest(w http.ResponseWriter, r *http.Request) {
	var req PayCreditRequestRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.Credits.PayRequest(r.Context(), chi.URLParam(r, "id"), userFrom(r), req.PaymentIntentID)
	h.respondCreditRequest(w, r, cr, err)
}

// PATCH /api/staff/night-credits/requests/{id}/approve
func (h *Handler) ApproveCreditRequest(w http.ResponseWriter, r *http.Request) {
	var req StaffDecisionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.Credits.ApproveRequest(r.Context(), chi.URLParam(r, "id"), userFrom(r), req.Notes)
	h.respondCreditRequest(w, r, cr, err)
}

// PATCH /api/staff/night-credits/requests/{id}/reject
func (h *Handler) RejectCreditRequest(w http.ResponseWriter, r *http.Request) {
	var req StaffDecisionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cr, err := h.Credits.RejectRequest(r.Context(), chi.URLParam(r, "id"), userFrom(r), req.Notes)
	h.respondCreditRequest(w, r, cr, err)
}

// CompleteCreditRequest retries the PMS booking of an approved, settled
// request. Only staff of the request's property may call it.
// POST /api/staff/night-credits/requests/{id}/complete
func (h *Handler) CompleteCreditRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	existing, err := h.Store.GetNightCreditRequest(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ok, err := timeshare.IsActiveStaff(ctx, h.Store, existing.PropertyID, userFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, timeshare.ErrForbidden)
		return
	}

	cr, err := h.Credits.CompleteRequest(ctx, id)
	h.respondCreditRequest(w, r, cr, err)
}

func (h *Handler) respondCreditRequest(w http.ResponseWriter, r *http.Request, cr *timeshare.NightCreditRequest, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditRequestDTO(*cr))
}

// UseCredits books a stay paid for with credit nights. The first call with
// a given Idempotency-Key answers 201; replays answer 200 with the same
// booking.
// POST /api/timeshare/night-credits/{creditId}/use
func (h *Handler) UseCredits(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		h.writeError(w, r, timeshare.InvalidInputf("%s header is required", IdempotencyHeader))
		return
	}

	var req UseCreditsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	checkIn, err := parseDate("check_in", req.CheckIn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	checkOut, err := parseDate("check_out", req.CheckOut)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	b, replayed, err := h.Credits.UseCredits(r.Context(), credits.UseCreditsInput{
		OwnerID:        userFrom(r),
		CreditID:       chi.URLParam(r, "creditId"),
		PropertyID:     req.PropertyID,
		RoomType:       req.RoomType,
		CheckIn:        checkIn,
		CheckOut:       checkOut,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toBookingDTO(*b))
}

// =============================================================================
// HEALTH
// =============================================================================

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
