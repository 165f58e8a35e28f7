package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryFinishIdempotent(t *testing.T) {
	m := NewMemory("rPLATFORM")
	ctx := context.Background()
	h, err := m.CreateConditionalPayment(ctx, CreateParams{CustomerSeed: "sSEED", Destination: "rDEST", Premium: 10, Payout: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := m.Finish(ctx, h)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	second, err := m.Finish(ctx, h)
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical tx ref, got %s then %s", first, second)
	}
}

func TestMemoryConflictingSettlement(t *testing.T) {
	m := NewMemory("rPLATFORM")
	ctx := context.Background()
	h, err := m.CreateConditionalPayment(ctx, CreateParams{Destination: "rDEST", Premium: 1, Payout: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Finish(ctx, h); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := m.Cancel(ctx, h); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestMemoryRejectsNonPositivePayout(t *testing.T) {
	m := NewMemory("rPLATFORM")
	if _, err := m.CreateConditionalPayment(context.Background(), CreateParams{Payout: 0}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestRetryPolicyRetriesUnavailable(t *testing.T) {
	p := RetryPolicy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient: %w", ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyStopsOnTerminal(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return ErrAlreadySettled
	})
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("terminal errors must not be retried, got %d calls", calls)
	}
}

func TestRetryPolicyExhausts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return ErrUnavailable
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"tesSUCCESS", nil},
		{"", nil},
		{"tecNO_TARGET", ErrAlreadySettled},
		{"tecNO_PERMISSION", ErrExpired},
		{"telINSUF_FEE_P", ErrUnavailable},
		{"terQUEUED", ErrUnavailable},
		{"tecUNFUNDED", ErrRejected},
		{"temMALFORMED", ErrRejected},
	}
	for _, c := range cases {
		err := classify(c.code)
		if c.want == nil {
			if err != nil {
				t.Fatalf("%s: expected nil, got %v", c.code, err)
			}
			continue
		}
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", c.code, c.want, err)
		}
	}
}
