/*
audit.go - Periodic integrity scan of pending night-credit requests

PURPOSE:
  A pending request can never complete once its check-in day has arrived or
  its credit has expired. Such requests are reported, not touched: only the
  owner (cancel) or staff (reject) may end a request.

DESIGN:
  - Read-only: StaleRequests never writes
  - One goroutine, one ticker, runs once immediately on Start
  - Findings are logged at Warn with request and credit ids

USAGE:
  a := credits.NewAuditor(svc, time.Hour, logger)
  a.Start()
  defer a.Stop()

SEE ALSO:
  - service.go: CompleteRequest rejects the same conditions at commit time
*/
package credits

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/timeshare"
)

type StaleReason string

const (
	StaleCheckInPassed StaleReason = "check_in_passed"
	StaleCreditExpired StaleReason = "credit_expired"
)

// StaleRequest is a pending request that can no longer be fulfilled.
type StaleRequest struct {
	Request timeshare.NightCreditRequest
	Reason  StaleReason
}

// StaleRequests lists pending requests whose check-in is today or earlier,
// or whose credit has expired.
func (s *Service) StaleRequests(ctx context.Context) ([]StaleRequest, error) {
	pending, err := s.store.ListNightCreditRequests(ctx, timeshare.CreditRequestFilter{
		Statuses: []timeshare.CreditRequestStatus{timeshare.CreditRequestPending},
	})
	if err != nil {
		return nil, err
	}

	now := s.Now()
	today := timeshare.DateOf(now)
	var stale []StaleRequest
	for _, r := range pending {
		if !r.CheckIn.After(today) {
			stale = append(stale, StaleRequest{Request: r, Reason: StaleCheckInPassed})
			continue
		}
		c, err := s.store.GetNightCredit(ctx, r.CreditID)
		if err != nil {
			return nil, err
		}
		if c.IsExpired(now) {
			stale = append(stale, StaleRequest{Request: r, Reason: StaleCreditExpired})
		}
	}
	return stale, nil
}

// =============================================================================
// AUDITOR
// =============================================================================

// Auditor runs StaleRequests on an interval and logs what it finds.
type Auditor struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnReport, if set, receives every scan result. Used by tests.
	OnReport func([]StaleRequest)
}

func NewAuditor(svc *Service, interval time.Duration, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Auditor{svc: svc, interval: interval, logger: logger}
}

// Start is a no-op if the auditor is already running.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx)

	a.logger.Info("request auditor started", zap.Duration("interval", a.interval))
}

// Stop waits for an in-progress scan to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.cancel = nil
	a.logger.Info("request auditor stopped")
}

func (a *Auditor) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.scan(ctx)
	for {
		select {
		case <-ticker.C:
			a.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Auditor) scan(ctx context.Context) {
	stale, err := a.svc.StaleRequests(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("request audit failed", zap.Error(err))
		}
		return
	}
	for _, s := range stale {
		a.logger.Warn("pending night credit request cannot complete",
			zap.String("request_id", s.Request.ID),
			zap.String("credit_id", s.Request.CreditID),
			zap.String("owner_id", s.Request.OwnerID),
			zap.String("reason", string(s.Reason)))
	}
	if a.OnReport != nil {
		a.OnReport(stale)
	}
}
