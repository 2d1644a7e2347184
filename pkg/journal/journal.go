// Package journal is the append-only audit trail of committed pool mutations.
//
// Each entry is hash-chained to its predecessor. The hash covers the RFC 8785
// canonical form of the entry, so a chain reloaded from storage verifies regardless of
// how the storage layer re-encodes the payload.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Genesis is the previous hash of the first entry.
const Genesis = "genesis"

// Entry kinds written by the pool.
const (
	KindInitialized      = "POOL_INITIALIZED"
	KindPurchase         = "PURCHASE"
	KindSettlement       = "SETTLEMENT"
	KindAnnualCap        = "ANNUAL_CAP_SET"
	KindClaimWindow      = "CLAIM_WINDOW_SET"
	KindEngine           = "ENGINE_SET"
	KindEngineParams     = "ENGINE_PARAMS_SET"
	KindPause            = "PAUSED"
	KindUnpause          = "UNPAUSED"
	KindOwnerProposed    = "OWNER_PROPOSED"
	KindOwnerAccepted    = "OWNER_ACCEPTED"
	KindOperatorProposed = "OPERATOR_PROPOSED"
	KindOperatorAccepted = "OPERATOR_ACCEPTED"
	KindCapYearRolled    = "CAP_YEAR_ROLLED"
)

// Entry is one immutable, hash-chained record.
type Entry struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Kind      string         `json:"kind"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Sink persists entries. Append is called with entries in sequence order.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// Journal is an append-only, hash-chained log with an optional durable sink.
type Journal struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	sink    Sink
	clock   func() time.Time
}

// New creates an empty in-memory journal.
func New() *Journal {
	return &Journal{
		entries: make([]Entry, 0),
		head:    Genesis,
		clock:   time.Now,
	}
}

// Open loads the chain stored in sink and verifies it. New entries are written
// through to sink.
func Open(ctx context.Context, sink Sink) (*Journal, error) {
	j := New()
	j.sink = sink
	entries, err := sink.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal load: %w", err)
	}
	j.entries = entries
	if n := len(entries); n > 0 {
		j.head = entries[n-1].Hash
	}
	if ok, msg := j.Verify(); !ok {
		return nil, fmt.Errorf("journal verify: %s", msg)
	}
	return j, nil
}

// WithClock overrides clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Append adds an entry and returns it with sequence and hash filled in.
func (j *Journal) Append(ctx context.Context, kind, actor string, data map[string]any) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	e := Entry{
		ID:        uuid.NewString(),
		Sequence:  uint64(len(j.entries)) + 1,
		Kind:      kind,
		Actor:     actor,
		Timestamp: j.clock().Unix(),
		Data:      data,
		PrevHash:  j.head,
	}
	h, err := hashEntry(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h

	if j.sink != nil {
		if err := j.sink.Append(ctx, e); err != nil {
			return Entry{}, fmt.Errorf("journal append %d: %w", e.Sequence, err)
		}
	}
	j.entries = append(j.entries, e)
	j.head = h
	return e, nil
}

// Entries returns a copy of the chain, optionally starting after sequence since.
func (j *Journal) Entries(since uint64) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if since >= uint64(len(j.entries)) {
		return []Entry{}
	}
	out := make([]Entry, len(j.entries)-int(since))
	copy(out, j.entries[since:])
	return out
}

// Head returns the current head hash.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Length returns the number of entries.
func (j *Journal) Length() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Verify checks the integrity of the entire chain.
func (j *Journal) Verify() (bool, string) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	prev := Genesis
	for i, e := range j.entries {
		if e.Sequence != uint64(i)+1 {
			return false, fmt.Sprintf("sequence gap at entry %d: got %d", i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := hashEntry(e)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d: %v", i+1, err)
		}
		if computed != e.Hash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.Hash
	}
	return true, "chain verified"
}

func hashEntry(e Entry) (string, error) {
	input := struct {
		ID        string         `json:"id"`
		Seq       uint64         `json:"seq"`
		Kind      string         `json:"kind"`
		Actor     string         `json:"actor"`
		Timestamp int64          `json:"ts"`
		Data      map[string]any `json:"data"`
		Prev      string         `json:"prev"`
	}{e.ID, e.Sequence, e.Kind, e.Actor, e.Timestamp, e.Data, e.PrevHash}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal entry %d: %w", e.Sequence, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %d: %w", e.Sequence, err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
