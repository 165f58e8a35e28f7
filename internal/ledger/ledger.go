package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds per the settlement contract. ErrUnavailable is the only
// retryable kind; everything else is terminal and the caller must reconcile
// against the ledger's recorded outcome instead of assuming failure.
var (
	ErrUnavailable    = errors.New("ledger unavailable")
	ErrRejected       = errors.New("ledger rejected transaction")
	ErrExpired        = errors.New("escrow expired")
	ErrAlreadySettled = errors.New("escrow already settled")
)

// Handle identifies a conditional payment on the ledger. The owner account
// plus the sequence assigned at creation act as the idempotency key for
// finish and cancel.
type Handle struct {
	Owner    string `json:"owner"`
	Sequence uint32 `json:"sequence"`
}

// TxRef is the ledger transaction hash recorded for a settlement.
type TxRef string

// CreateParams describe one conditional payment: the customer pays the
// premium to the platform, the platform escrows the payout toward the
// destination.
type CreateParams struct {
	CustomerSeed string
	Destination  string
	Premium      float64
	Payout       float64
}

// Ledger wraps the conditional-payment primitives of an external ledger.
// All three operations are idempotent under retry by the escrow handle.
type Ledger interface {
	// CreateConditionalPayment collects the premium and opens the escrow,
	// returning the handle assigned by the ledger. Fails with ErrUnavailable
	// (retryable) or ErrRejected (fatal).
	CreateConditionalPayment(ctx context.Context, p CreateParams) (Handle, error)
	// Finish releases escrowed funds to the destination. Calling it twice
	// has identical effect: the second call observes the settled escrow and
	// returns the original TxRef.
	Finish(ctx context.Context, h Handle) (TxRef, error)
	// Cancel returns escrowed funds to the source, with the same idempotency
	// requirement as Finish.
	Cancel(ctx context.Context, h Handle) (TxRef, error)
}

// RetryPolicy is the explicit backoff policy applied to transient ledger
// failures. Attempts counts total calls, not retries.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Do runs fn, retrying with exponential backoff while fn returns
// ErrUnavailable. Terminal error kinds and context cancellation stop the loop
// immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
	}
	return err
}
