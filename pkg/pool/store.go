package pool

import (
	"context"
	"sort"
	"sync"
)

// Tx is the view a transaction function gets of the pool. Writes are staged and only
// become visible when the enclosing Update returns nil.
type Tx interface {
	State(ctx context.Context) (State, error)
	PutState(ctx context.Context, s State) error
	Policy(ctx context.Context, id uint64) (Policy, bool, error)
	PutPolicy(ctx context.Context, p Policy) error
	Policies(ctx context.Context) ([]Policy, error)
}

// Store runs transaction functions against durable pool state. Update calls are
// serialized per pool; a non-nil return from fn discards every staged write.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// MemoryStore keeps pool state in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	state    *State
	policies map[uint64]Policy
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[uint64]Policy)}
}

// Update runs fn with exclusive access and commits its writes if it returns nil.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, staged: make(map[uint64]Policy)}
	if m.state != nil {
		s := *m.state
		tx.state = &s
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.stateDirty {
		s := *tx.state
		m.state = &s
	}
	for id, p := range tx.staged {
		m.policies[id] = p
	}
	return nil
}

// View runs fn against a read-only snapshot.
func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx := &memTx{store: m, readOnly: true}
	if m.state != nil {
		s := *m.state
		tx.state = &s
	}
	return fn(tx)
}

type memTx struct {
	store      *MemoryStore
	state      *State
	stateDirty bool
	staged     map[uint64]Policy
	readOnly   bool
}

func (t *memTx) State(context.Context) (State, error) {
	if t.state == nil {
		return State{}, ErrNotInitialized
	}
	return *t.state, nil
}

func (t *memTx) PutState(_ context.Context, s State) error {
	if t.readOnly {
		return errReadOnly
	}
	t.state = &s
	t.stateDirty = true
	return nil
}

func (t *memTx) Policy(_ context.Context, id uint64) (Policy, bool, error) {
	if p, ok := t.staged[id]; ok {
		return p, true, nil
	}
	p, ok := t.store.policies[id]
	return p, ok, nil
}

func (t *memTx) PutPolicy(_ context.Context, p Policy) error {
	if t.readOnly {
		return errReadOnly
	}
	t.staged[p.ID] = p
	return nil
}

func (t *memTx) Policies(context.Context) ([]Policy, error) {
	merged := make(map[uint64]Policy, len(t.store.policies)+len(t.staged))
	for id, p := range t.store.policies {
		merged[id] = p
	}
	for id, p := range t.staged {
		merged[id] = p
	}
	out := make([]Policy, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
