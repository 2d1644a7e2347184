package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLSink stores entries using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS pool_journal (
	seq BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	ts BIGINT NOT NULL,
	data TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
`

func (s *SQLSink) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLSink) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	query := `
		INSERT INTO pool_journal (seq, id, kind, actor, ts, data, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.ID, e.Kind, e.Actor, e.Timestamp, string(data), e.PrevHash, e.Hash,
	)
	return err
}

func (s *SQLSink) Load(ctx context.Context) ([]Entry, error) {
	query := `SELECT seq, id, kind, actor, ts, data, prev_hash, hash FROM pool_journal ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		var (
			e    Entry
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &e.ID, &e.Kind, &e.Actor, &e.Timestamp, &data, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("entry %d data: %w", seq, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
