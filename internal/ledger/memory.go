package ledger

import (
	"context"
	"fmt"
	"sync"
)

type memoryEscrow struct {
	params   CreateParams
	finished bool
	canceled bool
	txRef    TxRef
}

// Memory is an in-process Ledger used by tests and the dev serve mode. It
// enforces the same idempotency contract as a real node: repeating a
// settlement returns the original TxRef, and settling an escrow the other way
// fails with ErrAlreadySettled.
type Memory struct {
	Owner string

	mu      sync.Mutex
	nextSeq uint32
	escrows map[uint32]*memoryEscrow

	// FailCreates / FailSettles make the next n calls fail with the given
	// error, for exercising retry and rollback paths.
	FailCreates int
	FailSettles int
	FailWith    error

	FinishCalls int
	CancelCalls int
}

func NewMemory(owner string) *Memory {
	return &Memory{Owner: owner, nextSeq: 1, escrows: map[uint32]*memoryEscrow{}}
}

func (m *Memory) failErr() error {
	if m.FailWith != nil {
		return m.FailWith
	}
	return ErrUnavailable
}

func (m *Memory) CreateConditionalPayment(_ context.Context, p CreateParams) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreates > 0 {
		m.FailCreates--
		return Handle{}, fmt.Errorf("create escrow: %w", m.failErr())
	}
	if p.Payout <= 0 {
		return Handle{}, fmt.Errorf("%w: non-positive payout", ErrRejected)
	}
	seq := m.nextSeq
	m.nextSeq++
	m.escrows[seq] = &memoryEscrow{params: p}
	return Handle{Owner: m.Owner, Sequence: seq}, nil
}

func (m *Memory) Finish(_ context.Context, h Handle) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FinishCalls++
	if m.FailSettles > 0 {
		m.FailSettles--
		return "", fmt.Errorf("finish escrow %d: %w", h.Sequence, m.failErr())
	}
	esc, ok := m.escrows[h.Sequence]
	if !ok || h.Owner != m.Owner {
		return "", fmt.Errorf("%w: escrow %d not found", ErrAlreadySettled, h.Sequence)
	}
	if esc.canceled {
		return "", fmt.Errorf("%w: escrow %d was cancelled", ErrAlreadySettled, h.Sequence)
	}
	if esc.finished {
		return esc.txRef, nil
	}
	esc.finished = true
	esc.txRef = TxRef(fmt.Sprintf("FIN-%s-%d", h.Owner, h.Sequence))
	return esc.txRef, nil
}

func (m *Memory) Cancel(_ context.Context, h Handle) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if m.FailSettles > 0 {
		m.FailSettles--
		return "", fmt.Errorf("cancel escrow %d: %w", h.Sequence, m.failErr())
	}
	esc, ok := m.escrows[h.Sequence]
	if !ok || h.Owner != m.Owner {
		return "", fmt.Errorf("%w: escrow %d not found", ErrAlreadySettled, h.Sequence)
	}
	if esc.finished {
		return "", fmt.Errorf("%w: escrow %d was finished", ErrAlreadySettled, h.Sequence)
	}
	if esc.canceled {
		return esc.txRef, nil
	}
	esc.canceled = true
	esc.txRef = TxRef(fmt.Sprintf("CAN-%s-%d", h.Owner, h.Sequence))
	return esc.txRef, nil
}

// SettleCalls returns the total finish+cancel invocations, for asserting
// at-most-once settlement in tests.
func (m *Memory) SettleCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FinishCalls + m.CancelCalls
}
