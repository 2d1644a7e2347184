package custody

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
)

// MemoryBook is an in-memory balance book with mint capability. It backs tests and
// lite mode; production deployments plug in a real custody service.
type MemoryBook struct {
	mu       sync.RWMutex
	balances map[access.Identity]int64

	failTransfer     bool
	failTransferFrom bool
	err              error

	logger *slog.Logger
}

// NewMemoryBook creates an empty book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{
		balances: make(map[access.Identity]int64),
		logger:   slog.Default().With("component", "custody"),
	}
}

// Mint credits amount to who.
func (b *MemoryBook) Mint(who access.Identity, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("mint %d to %q: negative amount", amount, who)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[who] > math.MaxInt64-amount {
		return fmt.Errorf("mint %d to %q: balance overflow", amount, who)
	}
	b.balances[who] += amount
	return nil
}

// FailTransfers makes Transfer return false while on.
func (b *MemoryBook) FailTransfers(on bool) {
	b.mu.Lock()
	b.failTransfer = on
	b.mu.Unlock()
}

// FailTransferFroms makes TransferFrom return false while on.
func (b *MemoryBook) FailTransferFroms(on bool) {
	b.mu.Lock()
	b.failTransferFrom = on
	b.mu.Unlock()
}

// InjectError makes every call return err until cleared with nil.
func (b *MemoryBook) InjectError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Balance returns the balance of who without a context.
func (b *MemoryBook) Balance(who access.Identity) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[who]
}

// Account returns an Asset bound to the given account.
func (b *MemoryBook) Account(id access.Identity) Asset {
	return &account{book: b, id: id}
}

// move debits from and credits to. Returns false when from lacks funds.
func (b *MemoryBook) move(from, to access.Identity, amount int64, refuse bool) (bool, error) {
	if amount < 0 {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false, b.err
	}
	if refuse || b.balances[from] < amount || (from != to && b.balances[to] > math.MaxInt64-amount) {
		b.logger.Debug("transfer refused", "from", from, "to", to, "amount", amount)
		return false, nil
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return true, nil
}

type account struct {
	book *MemoryBook
	id   access.Identity
}

func (a *account) Transfer(_ context.Context, to access.Identity, amount int64) (bool, error) {
	a.book.mu.RLock()
	refuse := a.book.failTransfer
	a.book.mu.RUnlock()
	return a.book.move(a.id, to, amount, refuse)
}

func (a *account) TransferFrom(_ context.Context, from, to access.Identity, amount int64) (bool, error) {
	a.book.mu.RLock()
	refuse := a.book.failTransferFrom
	a.book.mu.RUnlock()
	return a.book.move(from, to, amount, refuse)
}

func (a *account) BalanceOf(_ context.Context, who access.Identity) (int64, error) {
	a.book.mu.RLock()
	defer a.book.mu.RUnlock()
	if a.book.err != nil {
		return 0, a.book.err
	}
	return a.book.balances[who], nil
}
