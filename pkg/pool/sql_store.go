package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
)

// Dialect selects the SQL variant spoken by the driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers. On Postgres every Update
// locks the pool row with SELECT ... FOR UPDATE so concurrent processes serialize;
// on SQLite a process-local mutex plus the database write lock do the same.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pool_state (
	id INTEGER PRIMARY KEY,
	next_policy_id BIGINT NOT NULL,
	total_active_exposure BIGINT NOT NULL,
	annual_cap BIGINT NOT NULL,
	paid_this_year BIGINT NOT NULL,
	cap_year_index BIGINT NOT NULL,
	claim_window BIGINT NOT NULL,
	owner TEXT NOT NULL,
	pending_owner TEXT NOT NULL,
	operator TEXT NOT NULL,
	pending_operator TEXT NOT NULL,
	paused BOOLEAN NOT NULL,
	engine_ref TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS pool_policies (
	id BIGINT PRIMARY KEY,
	holder TEXT NOT NULL,
	start_date BIGINT NOT NULL,
	end_date BIGINT NOT NULL,
	coverage_limit BIGINT NOT NULL,
	premium BIGINT NOT NULL,
	active BOOLEAN NOT NULL,
	paid BOOLEAN NOT NULL
)`,
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pool schema: %w", err)
		}
	}
	return nil
}

// Update runs fn inside a database transaction and commits if it returns nil.
func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx, lock: s.dialect == DialectPostgres}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (s *SQLStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == DialectPostgres})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqlTx{tx: tx, readOnly: true})
}

type sqlTx struct {
	tx       *sql.Tx
	lock     bool
	readOnly bool
}

const selectState = `SELECT next_policy_id, total_active_exposure, annual_cap, paid_this_year, cap_year_index,
	claim_window, owner, pending_owner, operator, pending_operator, paused, engine_ref
	FROM pool_state WHERE id = 1`

func (t *sqlTx) State(ctx context.Context) (State, error) {
	query := selectState
	if t.lock {
		// Row lock held until COMMIT; serializes purchases and settlements across processes.
		query += " FOR UPDATE"
	}
	var (
		st                                       State
		next                                     int64
		owner, pendingOwner, operator, pendingOp string
	)
	err := t.tx.QueryRowContext(ctx, query).Scan(
		&next, &st.TotalActiveExposure, &st.AnnualCap, &st.PaidThisYear, &st.CapYearIndex,
		&st.ClaimWindow, &owner, &pendingOwner, &operator, &pendingOp, &st.Roles.Paused, &st.EngineRef,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, ErrNotInitialized
		}
		return State{}, fmt.Errorf("pool state lock failed: %w", err)
	}
	st.NextPolicyID = uint64(next)
	st.Roles.Owner = access.Handover{Holder: access.Identity(owner), Pending: access.Identity(pendingOwner)}
	st.Roles.Operator = access.Handover{Holder: access.Identity(operator), Pending: access.Identity(pendingOp)}
	return st, nil
}

func (t *sqlTx) PutState(ctx context.Context, st State) error {
	if t.readOnly {
		return errReadOnly
	}
	query := `
		INSERT INTO pool_state (id, next_policy_id, total_active_exposure, annual_cap, paid_this_year,
			cap_year_index, claim_window, owner, pending_owner, operator, pending_operator, paused, engine_ref)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			next_policy_id = EXCLUDED.next_policy_id,
			total_active_exposure = EXCLUDED.total_active_exposure,
			annual_cap = EXCLUDED.annual_cap,
			paid_this_year = EXCLUDED.paid_this_year,
			cap_year_index = EXCLUDED.cap_year_index,
			claim_window = EXCLUDED.claim_window,
			owner = EXCLUDED.owner,
			pending_owner = EXCLUDED.pending_owner,
			operator = EXCLUDED.operator,
			pending_operator = EXCLUDED.pending_operator,
			paused = EXCLUDED.paused,
			engine_ref = EXCLUDED.engine_ref
	`
	_, err := t.tx.ExecContext(ctx, query,
		int64(st.NextPolicyID), st.TotalActiveExposure, st.AnnualCap, st.PaidThisYear, st.CapYearIndex,
		st.ClaimWindow, string(st.Roles.Owner.Holder), string(st.Roles.Owner.Pending),
		string(st.Roles.Operator.Holder), string(st.Roles.Operator.Pending), st.Roles.Paused, st.EngineRef,
	)
	if err != nil {
		return fmt.Errorf("pool state update failed: %w", err)
	}
	return nil
}

const selectPolicy = `SELECT id, holder, start_date, end_date, coverage_limit, premium, active, paid FROM pool_policies`

func (t *sqlTx) Policy(ctx context.Context, id uint64) (Policy, bool, error) {
	row := t.tx.QueryRowContext(ctx, selectPolicy+` WHERE id = $1`, int64(id))
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Policy{}, false, nil
		}
		return Policy{}, false, fmt.Errorf("policy %d: %w", id, err)
	}
	return p, true, nil
}

func (t *sqlTx) PutPolicy(ctx context.Context, p Policy) error {
	if t.readOnly {
		return errReadOnly
	}
	query := `
		INSERT INTO pool_policies (id, holder, start_date, end_date, coverage_limit, premium, active, paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, paid = EXCLUDED.paid
	`
	_, err := t.tx.ExecContext(ctx, query,
		int64(p.ID), string(p.Holder), p.StartDate, p.EndDate, p.Limit, p.Premium, p.Active, p.Paid,
	)
	if err != nil {
		return fmt.Errorf("policy %d update failed: %w", p.ID, err)
	}
	return nil
}

func (t *sqlTx) Policies(ctx context.Context) ([]Policy, error) {
	rows, err := t.tx.QueryContext(ctx, selectPolicy+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(s scanner) (Policy, error) {
	var (
		p      Policy
		id     int64
		holder string
	)
	if err := s.Scan(&id, &holder, &p.StartDate, &p.EndDate, &p.Limit, &p.Premium, &p.Active, &p.Paid); err != nil {
		return Policy{}, err
	}
	p.ID = uint64(id)
	p.Holder = access.Identity(holder)
	return p, nil
}
