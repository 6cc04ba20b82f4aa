package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostline/internal/db"
	"boostline/internal/migrate"
	"boostline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestLedgerBalanceSnapshots(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)

	err := inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.CreditTx(ctx, tx, "acct", decimal.NewFromInt(10), "deposit", "admin", now); err != nil {
			return err
		}
		_, err := r.DebitTx(ctx, tx, "acct", decimal.NewFromInt(3), "order-escrow:o1", "acct", now)
		return err
	})
	require.NoError(t, err)

	acct, err := r.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(7)), "balance %s", acct.Balance)

	entries, err := r.ListLedgerEntries(ctx, repo.LedgerFilters{AccountID: "acct"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.BalanceBefore.Add(e.Amount).Equal(e.BalanceAfter),
			"entry %s: %s + %s != %s", e.Reason, e.BalanceBefore, e.Amount, e.BalanceAfter)
	}
}

func TestDebitRejectsOverdraft(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	err := inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.CreditTx(ctx, tx, "acct", decimal.NewFromInt(5), "deposit", "admin", now); err != nil {
			return err
		}
		_, err := r.DebitTx(ctx, tx, "acct", decimal.NewFromInt(6), "withdrawal", "acct", now)
		return err
	})
	require.ErrorIs(t, err, repo.ErrInsufficientFunds)

	// the rolled-back tx must leave nothing behind
	_, err = r.GetAccount(ctx, "acct")
	require.ErrorIs(t, err, repo.ErrNotFound)
	entries, err := r.ListLedgerEntries(ctx, repo.LedgerFilters{AccountID: "acct"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedgerRejectsNonPositiveAmounts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	err := inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.CreditTx(ctx, tx, "acct", decimal.Zero, "deposit", "admin", now)
		return err
	})
	require.Error(t, err)

	err = inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.DebitTx(ctx, tx, "acct", decimal.NewFromInt(-1), "withdrawal", "acct", now)
		return err
	})
	require.Error(t, err)
}
