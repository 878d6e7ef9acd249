package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/timeshare"
)

// errorClass maps a domain sentinel to an HTTP status and a stable code.
type errorClass struct {
	sentinel error
	status   int
	code     string
}

// Order matters: an ExternalFailureError wrapping a conflict is still a 502.
var errorClasses = []errorClass{
	{timeshare.ErrExternalFailure, http.StatusBadGateway, "external_failure"},
	{timeshare.ErrNotFound, http.StatusNotFound, "not_found"},
	{timeshare.ErrForbidden, http.StatusForbidden, "forbidden"},
	{timeshare.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{timeshare.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{timeshare.ErrConflict, http.StatusConflict, "conflict"},
	{timeshare.ErrNoActiveStaff, http.StatusConflict, "no_active_staff"},
	{timeshare.ErrPeakRestricted, http.StatusUnprocessableEntity, "peak_restricted"},
	{timeshare.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.sentinel) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// details exposes the structured fields a client can act on.
func details(err error) any {
	var (
		state    *timeshare.InvalidStateError
		conflict *timeshare.ConflictError
		balance  *timeshare.InsufficientBalanceError
		external *timeshare.ExternalFailureError
	)
	switch {
	case errors.As(err, &external):
		return map[string]string{"system": external.System, "operation": external.Operation}
	case errors.As(err, &state):
		return map[string]string{"entity": state.Entity, "id": state.ID, "current_status": state.Current}
	case errors.As(err, &conflict):
		return map[string]any{
			"property_id":          conflict.PropertyID,
			"start":                formatDate(conflict.Range.Start),
			"end":                  formatDate(conflict.Range.End),
			"conflicting_bookings": conflict.Conflicts.Bookings,
			"conflicting_weeks":    conflict.Conflicts.Weeks,
			"conflicting_swaps":    conflict.Conflicts.Swaps,
			"reason":               conflict.Reason,
		}
	case errors.As(err, &balance):
		return map[string]any{"credit_id": balance.CreditID, "remaining": balance.Remaining, "requested": balance.Requested}
	}
	return nil
}

// writeError renders err. Server-side failures are logged and their message
// is not echoed to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Details: details(err)}

	switch {
	case status == http.StatusInternalServerError:
		h.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = "internal error"
	case status == http.StatusBadGateway:
		h.Logger.Warn("external system failure", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return timeshare.InvalidInputf("invalid request body: %v", err)
	}
	return nil
}
