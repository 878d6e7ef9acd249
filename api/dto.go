/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

FORMATS:
  Dates are YYYY-MM-DD, timestamps RFC 3339, money {"amount": "49.99",
  "currency": "USD"} with the amount as a string so no float rounding
  happens on either side.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/timeshare-engine/payment"
	"github.com/warp/timeshare-engine/timeshare"
)

const dateLayout = "2006-01-02"

// =============================================================================
// SHARED
// =============================================================================

type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(m timeshare.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Amount.StringFixed(2), Currency: m.Currency}
}

type SourceDTO struct {
	Kind string `json:"kind"` // "week" or "booking"
	ID   string `json:"id"`
}

func (s SourceDTO) toSource() timeshare.SwapSource {
	return timeshare.SwapSource{Kind: timeshare.SourceKind(s.Kind), ID: s.ID}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func formatDate(t time.Time) string { return t.Format(dateLayout) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// =============================================================================
// WEEKS & MATCHING
// =============================================================================

type WeekDTO struct {
	ID                string `json:"id"`
	OwnerID           string `json:"owner_id"`
	PropertyID        string `json:"property_id"`
	AccommodationType string `json:"accommodation_type"`
	Start             string `json:"start"`
	End               string `json:"end"`
	Nights            int    `json:"nights"`
	Status            string `json:"status"`
}

func toWeekDTO(w timeshare.Week) WeekDTO {
	return WeekDTO{
		ID:                w.ID,
		OwnerID:           w.OwnerID,
		PropertyID:        w.PropertyID,
		AccommodationType: w.AccommodationType,
		Start:             formatDate(w.Start),
		End:               formatDate(w.End),
		Nights:            w.Nights(),
		Status:            string(w.Status),
	}
}

type AvailabilityDTO struct {
	PropertyID string `json:"property_id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Available  bool   `json:"available"`
	Peak       bool   `json:"peak"`
	Bookings   int    `json:"conflicting_bookings"`
	Weeks      int    `json:"conflicting_weeks"`
	Swaps      int    `json:"conflicting_swaps"`
}

// =============================================================================
// SWAPS
// =============================================================================

type CreateSwapRequest struct {
	Source      SourceDTO  `json:"source"`
	Responder   *SourceDTO `json:"responder,omitempty"`
	ResponderID string     `json:"responder_id,omitempty"`
}

type OfferSwapRequest struct {
	Source SourceDTO `json:"source"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

type SwapSlotDTO struct {
	Source     SourceDTO `json:"source"`
	OwnerID    string    `json:"owner_id"`
	PropertyID string    `json:"property_id"`
	Start      string    `json:"start"`
	End        string    `json:"end"`
}

func toSlotDTO(s timeshare.SwapSlot) SwapSlotDTO {
	return SwapSlotDTO{
		Source:     SourceDTO{Kind: string(s.Source.Kind), ID: s.Source.ID},
		OwnerID:    s.OwnerID,
		PropertyID: s.PropertyID,
		Start:      formatDate(s.Start),
		End:        formatDate(s.End),
	}
}

type SwapDTO struct {
	ID                  string       `json:"id"`
	RequesterID         string       `json:"requester_id"`
	Requester           SwapSlotDTO  `json:"requester"`
	ResponderID         string       `json:"responder_id,omitempty"`
	Responder           *SwapSlotDTO `json:"responder,omitempty"`
	AccommodationType   string       `json:"accommodation_type"`
	Status              string       `json:"status"`
	StaffApproval       string       `json:"staff_approval"`
	ResponderAcceptance string       `json:"responder_acceptance"`
	PaymentStatus       string       `json:"payment_status"`
	SwapFee             MoneyDTO     `json:"swap_fee"`
	PaymentIntentID     string       `json:"payment_intent_id,omitempty"`
	PaidAt              string       `json:"paid_at,omitempty"`
	ReviewedBy          string       `json:"reviewed_by,omitempty"`
	RejectionReason     string       `json:"rejection_reason,omitempty"`
	CreatedAt           string       `json:"created_at"`
	UpdatedAt           string       `json:"updated_at"`
}

func toSwapDTO(s timeshare.SwapRequest) SwapDTO {
	dto := SwapDTO{
		ID:                  s.ID,
		RequesterID:         s.RequesterID,
		Requester:           toSlotDTO(s.Requester),
		ResponderID:         s.ResponderID,
		AccommodationType:   s.AccommodationType,
		Status:              string(s.Status),
		StaffApproval:       string(s.StaffApproval),
		ResponderAcceptance: string(s.ResponderAcceptance),
		PaymentStatus:       string(s.PaymentStatus),
		SwapFee:             toMoneyDTO(s.SwapFee),
		PaymentIntentID:     s.PaymentIntentID,
		ReviewedBy:          s.ReviewedBy,
		RejectionReason:     s.RejectionReason,
		CreatedAt:           formatTime(s.CreatedAt),
		UpdatedAt:           formatTime(s.UpdatedAt),
	}
	if s.Responder != nil {
		slot := toSlotDTO(*s.Responder)
		dto.Responder = &slot
	}
	if s.PaidAt != nil {
		dto.PaidAt = formatTime(*s.PaidAt)
	}
	return dto
}

func toSwapDTOs(in []timeshare.SwapRequest) []SwapDTO {
	out := make([]SwapDTO, len(in))
	for i, s := range in {
		out[i] = toSwapDTO(s)
	}
	return out
}

type PaymentIntentDTO struct {
	ID           string   `json:"id"`
	ClientSecret string   `json:"client_secret"`
	Amount       MoneyDTO `json:"amount"`
}

func toIntentDTO(in payment.Intent) PaymentIntentDTO {
	return PaymentIntentDTO{ID: in.ID, ClientSecret: in.ClientSecret, Amount: toMoneyDTO(in.Amount)}
}

// =============================================================================
// NIGHT CREDITS
// =============================================================================

type NightCreditDTO struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	OriginalWeekID  string `json:"original_week_id,omitempty"`
	TotalNights     int    `json:"total_nights"`
	RemainingNights int    `json:"remaining_nights"`
	ExpiryDate      string `json:"expiry_date"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

func toCreditDTO(c timeshare.NightCredit) NightCreditDTO {
	return NightCreditDTO{
		ID:              c.ID,
		OwnerID:         c.OwnerID,
		OriginalWeekID:  c.OriginalWeekID,
		TotalNights:     c.TotalNights,
		RemainingNights: c.RemainingNights,
		ExpiryDate:      formatDate(c.ExpiryDate),
		Status:          string(c.Status),
		CreatedAt:       formatTime(c.CreatedAt),
	}
}

type CreditEntryDTO struct {
	ID             string `json:"id"`
	Delta          int    `json:"delta"`
	Type           string `json:"type"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
	Balance        int    `json:"balance"`
}

// toEntryDTOs adds the running balance after each entry.
func toEntryDTOs(entries []timeshare.CreditEntry) []CreditEntryDTO {
	out := make([]CreditEntryDTO, len(entries))
	balance := 0
	for i, e := range entries {
		balance += e.Delta
		out[i] = CreditEntryDTO{
			ID:             e.ID,
			Delta:          e.Delta,
			Type:           string(e.Type),
			ReferenceID:    e.ReferenceID,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      formatTime(e.CreatedAt),
			Balance:        balance,
		}
	}
	return out
}

type CreateCreditRequestRequest struct {
	CreditID         string `json:"credit_id"`
	PropertyID       string `json:"property_id"`
	RoomType         string `json:"room_type"`
	CheckIn          string `json:"check_in"`
	CheckOut         string `json:"check_out"`
	NightsRequested  int    `json:"nights_requested"`
	AdditionalNights int    `json:"additional_nights"`
}

type StaffDecisionRequest struct {
	Notes string `json:"notes"`
}

type PayCreditRequestRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

type CreditRequestDTO struct {
	ID               string   `json:"id"`
	OwnerID          string   `json:"owner_id"`
	CreditID         string   `json:"credit_id"`
	PropertyID       string   `json:"property_id"`
	RoomType         string   `json:"room_type"`
	CheckIn          string   `json:"check_in"`
	CheckOut         string   `json:"check_out"`
	NightsRequested  int      `json:"nights_requested"`
	AdditionalNights int      `json:"additional_nights"`
	AdditionalPrice  MoneyDTO `json:"additional_price"`
	PaymentStatus    string   `json:"payment_status"`
	Status           string   `json:"status"`
	BookingID        string   `json:"booking_id,omitempty"`
	ReviewedBy       string   `json:"reviewed_by,omitempty"`
	StaffNotes       string   `json:"staff_notes,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

func toCreditRequestDTO(r timeshare.NightCreditRequest) CreditRequestDTO {
	return CreditRequestDTO{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		CreditID:         r.CreditID,
		PropertyID:       r.PropertyID,
		RoomType:         r.RoomType,
		CheckIn:          formatDate(r.CheckIn),
		CheckOut:         formatDate(r.CheckOut),
		NightsRequested:  r.NightsRequested,
		AdditionalNights: r.AdditionalNights,
		AdditionalPrice:  toMoneyDTO(r.AdditionalPrice),
		PaymentStatus:    string(r.PaymentStatus),
		Status:           string(r.Status),
		BookingID:        r.BookingID,
		ReviewedBy:       r.ReviewedBy,
		StaffNotes:       r.StaffNotes,
		CreatedAt:        formatTime(r.CreatedAt),
		UpdatedAt:        formatTime(r.UpdatedAt),
	}
}

type UseCreditsRequest struct {
	PropertyID string `json:"property_id"`
	RoomType   string `json:"room_type"`
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
}

type BookingDTO struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	PropertyID        string `json:"property_id"`
	AccommodationType string `json:"accommodation_type"`
	CheckIn           string `json:"check_in"`
	CheckOut          string `json:"check_out"`
	Nights            int    `json:"nights"`
	Status            string `json:"status"`
	Origin            string `json:"origin"`
	PMSBookingID      string `json:"pms_booking_id,omitempty"`
	GuestToken        string `json:"guest_token,omitempty"`
	NightCreditID     string `json:"night_credit_id,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toBookingDTO(b timeshare.Booking) BookingDTO {
	return BookingDTO{
		ID:                b.ID,
		UserID:            b.UserID,
		PropertyID:        b.PropertyID,
		AccommodationType: b.AccommodationType,
		CheckIn:           formatDate(b.CheckIn),
		CheckOut:          formatDate(b.CheckOut),
		Nights:            b.Nights(),
		Status:            string(b.Status),
		Origin:            string(b.Origin),
		PMSBookingID:      b.PMSBookingID,
		GuestToken:        b.GuestToken,
		NightCreditID:     b.NightCreditID,
		CreatedAt:         formatTime(b.CreatedAt),
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}
