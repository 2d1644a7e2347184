package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestJournal_AppendChains(t *testing.T) {
	ctx := context.Background()
	j := New().WithClock(fixedClock)

	e1, err := j.Append(ctx, KindPurchase, "alice", map[string]any{"policy_id": 0, "limit": 500})
	require.NoError(t, err)
	e2, err := j.Append(ctx, KindSettlement, "operator", map[string]any{"policy_id": 0, "net": 300})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, Genesis, e1.PrevHash)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.Equal(t, e2.Hash, j.Head())
	assert.Equal(t, fixedClock().Unix(), e1.Timestamp)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, 2, j.Length())

	ok, msg := j.Verify()
	assert.True(t, ok, msg)
}

func TestJournal_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	j := New()
	_, err := j.Append(ctx, KindPurchase, "alice", map[string]any{"limit": 500})
	require.NoError(t, err)
	_, err = j.Append(ctx, KindPause, "owner", nil)
	require.NoError(t, err)

	j.entries[0].Data["limit"] = 5000
	ok, msg := j.Verify()
	assert.False(t, ok)
	assert.Contains(t, msg, "hash mismatch at entry 1")
}

func TestJournal_Entries(t *testing.T) {
	ctx := context.Background()
	j := New()
	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, KindAnnualCap, "owner", map[string]any{"cap": i})
		require.NoError(t, err)
	}
	assert.Len(t, j.Entries(0), 3)
	tail := j.Entries(2)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Sequence)
	assert.Empty(t, j.Entries(10))
}

type memorySink struct {
	entries []Entry
	err     error
}

func (m *memorySink) Append(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memorySink) Load(context.Context) ([]Entry, error) {
	return append([]Entry(nil), m.entries...), nil
}

func TestJournal_OpenReloadsAndVerifies(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	j, err := Open(ctx, sink)
	require.NoError(t, err)
	_, err = j.Append(ctx, KindPurchase, "alice", map[string]any{"limit": 500})
	require.NoError(t, err)

	reopened, err := Open(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, j.Head(), reopened.Head())

	e, err := reopened.Append(ctx, KindPause, "owner", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)

	sink.entries[0].Actor = "mallory"
	_, err = Open(ctx, sink)
	assert.Error(t, err)
}

func TestJournal_SinkFailureLeavesChainUntouched(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{err: errors.New("disk full")}
	j, err := Open(ctx, sink)
	require.NoError(t, err)

	_, err = j.Append(ctx, KindPurchase, "alice", nil)
	require.Error(t, err)
	assert.Equal(t, 0, j.Length())
	assert.Equal(t, Genesis, j.Head())
}

func TestSQLSink_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	sink := NewSQLSink(db)
	e := Entry{ID: "e-1", Sequence: 1, Kind: KindPause, Actor: "owner", Timestamp: 100,
		Data: map[string]any{}, PrevHash: Genesis, Hash: "sha256:ab"}

	mock.ExpectExec("INSERT INTO pool_journal").
		WithArgs(int64(1), "e-1", KindPause, "owner", int64(100), "{}", Genesis, "sha256:ab").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Append(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"seq", "id", "kind", "actor", "ts", "data", "prev_hash", "hash"}).
		AddRow(int64(1), "e-1", KindPurchase, "alice", int64(100), `{"limit":500}`, Genesis, "sha256:ab")
	mock.ExpectQuery("SELECT seq, id, kind, actor, ts, data, prev_hash, hash FROM pool_journal").
		WillReturnRows(rows)

	entries, err := NewSQLSink(db).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, float64(500), entries[0].Data["limit"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_LoadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT seq").WillReturnError(sql.ErrConnDone)
	_, err = Open(context.Background(), NewSQLSink(db))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestJournal_HashSurvivesJSONReencoding(t *testing.T) {
	ctx := context.Background()
	sink := &jsonSink{}
	j, err := Open(ctx, sink)
	require.NoError(t, err)
	_, err = j.Append(ctx, KindSettlement, "op", map[string]any{"net": int64(300), "policy_id": uint64(7)})
	require.NoError(t, err)

	reopened, err := Open(ctx, sink)
	require.NoError(t, err, "int64 payloads reload as float64 and still verify")
	assert.Equal(t, 1, reopened.Length())
}

// jsonSink round-trips entries through JSON like the SQL sink does.
type jsonSink struct{ rows [][]byte }

func (s *jsonSink) Append(_ context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.rows = append(s.rows, raw)
	return nil
}

func (s *jsonSink) Load(context.Context) ([]Entry, error) {
	out := make([]Entry, 0, len(s.rows))
	for _, raw := range s.rows {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
