package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/timeshare"
)

// UserHeader carries the caller id. Authentication happens upstream; this
// service trusts the header as-is.
const UserHeader = "X-User-ID"

// IdempotencyHeader scopes a credit redemption retry.
const IdempotencyHeader = "Idempotency-Key"

type ctxKey int

const userKey ctxKey = iota

// requireUser rejects requests without a caller id.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: UserHeader + " header is required",
				Code:  "unauthenticated",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// accessLog writes one zap line per request.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if userID := r.Header.Get(UserHeader); userID != "" {
				fields = append(fields, zap.String("user_id", userID))
			}
			switch {
			case ww.Status() >= 500:
				logger.Error("http request", fields...)
			case ww.Status() >= 400:
				logger.Info("http request", fields...)
			default:
				logger.Debug("http request", fields...)
			}
		})
	}
}

// parseDate reads a YYYY-MM-DD field into a UTC date.
func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, timeshare.InvalidInputf("%s is required", field)
	}
	t, err := timeshare.ParseDate(value)
	if err != nil {
		return time.Time{}, timeshare.InvalidInputf("%s: want YYYY-MM-DD, got %q", field, value)
	}
	return t, nil
}
