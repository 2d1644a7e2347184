package custody_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradigm-parametric/parametric-mvp/pkg/custody"

	_ "modernc.org/sqlite"
)

func openBook(t *testing.T) *custody.SQLBook {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "custody.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	book := custody.NewSQLBook(db)
	require.NoError(t, book.Init(context.Background()))
	return book
}

func TestSQLBook_TransferAndBalance(t *testing.T) {
	ctx := context.Background()
	book := openBook(t)
	require.NoError(t, book.Mint(ctx, "pool", 1_000))
	require.NoError(t, book.Mint(ctx, "pool", 500))

	pool := book.Account("pool")
	ok, err := pool.Transfer(ctx, "alice", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	bal, err := pool.BalanceOf(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, int64(1_200), bal)

	bal, err = pool.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)

	bal, err = pool.BalanceOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestSQLBook_SoftRefusals(t *testing.T) {
	ctx := context.Background()
	book := openBook(t)
	require.NoError(t, book.Mint(ctx, "alice", 10))
	require.NoError(t, book.Mint(ctx, "whale", math.MaxInt64))
	pool := book.Account("pool")

	ok, err := pool.TransferFrom(ctx, "alice", "pool", 11)
	require.NoError(t, err)
	assert.False(t, ok, "insufficient funds")

	ok, err = pool.TransferFrom(ctx, "ghost", "pool", 1)
	require.NoError(t, err)
	assert.False(t, ok, "unknown account has nothing")

	ok, err = pool.TransferFrom(ctx, "alice", "whale", 1)
	require.NoError(t, err)
	assert.False(t, ok, "credit would overflow")

	bal, err := pool.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal, "refusals leave balances untouched")

	assert.Error(t, book.Mint(ctx, "alice", -1))
	assert.Error(t, book.Mint(ctx, "whale", 1))
}

func TestSQLBook_DebitFailureIsCollaboratorError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE custody_balances").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	ok, err := custody.NewSQLBook(db).Account("pool").Transfer(context.Background(), "alice", 5)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
