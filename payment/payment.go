/*
Package payment defines the payment-gateway contract and an in-process sandbox.

PURPOSE:
  Swap fees and paid extra nights go through a two-step intent flow:
    CreatePaymentIntent  returns an intent id and a client secret
    ConfirmPayment       reports whether the intent settled, and for how much

  Callers only accept an intent they created for the entity being paid, and
  only when the confirmed amount equals the amount due (Settles).

  The engine never inspects card data; it stores only the intent id.
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/timeshare-engine/timeshare"
)

type Intent struct {
	ID           string
	ClientSecret string
	Amount       timeshare.Money
	Metadata     map[string]string
}

type Confirmation struct {
	Success bool
	Amount  timeshare.Money
}

var (
	ErrDeclined       = errors.New("payment was not successful")
	ErrAmountMismatch = errors.New("confirmed amount does not match amount due")
)

// Settles returns nil only for a successful confirmation of exactly due.
func (c Confirmation) Settles(due timeshare.Money) error {
	if !c.Success {
		return ErrDeclined
	}
	if !c.Amount.Equal(due) {
		return fmt.Errorf("%w: confirmed %s, due %s", ErrAmountMismatch, c.Amount, due)
	}
	return nil
}

type Gateway interface {
	CreatePaymentIntent(ctx context.Context, amount timeshare.Money, metadata map[string]string) (Intent, error)
	ConfirmPayment(ctx context.Context, intentID string) (Confirmation, error)
}

// =============================================================================
// SANDBOX
// =============================================================================

var ErrUnknownIntent = errors.New("payment sandbox: unknown payment intent")

// Sandbox settles every intent unless it was declined.
type Sandbox struct {
	mu       sync.Mutex
	intents  map[string]Intent
	declined map[string]bool
	failNext error
	confirms int
}

func NewSandbox() *Sandbox {
	return &Sandbox{intents: make(map[string]Intent), declined: make(map[string]bool)}
}

// Decline makes ConfirmPayment report the intent as unsuccessful.
func (s *Sandbox) Decline(intentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined[intentID] = true
}

// FailNext makes the next gateway call return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Confirmations counts ConfirmPayment calls.
func (s *Sandbox) Confirmations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms
}

func (s *Sandbox) CreatePaymentIntent(ctx context.Context, amount timeshare.Money, metadata map[string]string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Intent{}, err
	}
	if !amount.IsPositive() {
		return Intent{}, fmt.Errorf("payment sandbox: amount must be positive, got %s", amount)
	}
	id := "pi_" + uuid.NewString()
	in := Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		Amount:       amount,
		Metadata:     metadata,
	}
	s.intents[id] = in
	return in, nil
}

func (s *Sandbox) ConfirmPayment(ctx context.Context, intentID string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms++
	if err := s.takeFailure(); err != nil {
		return Confirmation{}, err
	}
	in, ok := s.intents[intentID]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	return Confirmation{Success: !s.declined[intentID], Amount: in.Amount}, nil
}

func (s *Sandbox) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}
