package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boostline/internal/domain"
)

// ErrInsufficientFunds is returned by DebitTx when the account balance
// cannot cover the amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// EnsureAccountTx creates the account with a zero balance if missing.
func (r Repo) EnsureAccountTx(ctx context.Context, tx *sql.Tx, accountID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,balance,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO NOTHING`, accountID, "0", now, now)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	var balance string
	err := r.DB.QueryRowContext(ctx, `SELECT id,balance,created_at,updated_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Balance, err = decimal.NewFromString(balance)
	return a, err
}

// CreditTx appends a positive ledger entry and moves the balance snapshot,
// all inside the caller's transaction so the credit commits or rolls back
// with the surrounding execution/task/order writes.
func (r Repo) CreditTx(ctx context.Context, tx *sql.Tx, accountID string, amount decimal.Decimal, reason, processedBy, now string) (domain.LedgerEntry, error) {
	if amount.Sign() <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("credit amount must be positive")
	}
	return r.appendEntryTx(ctx, tx, accountID, amount, reason, processedBy, now)
}

// DebitTx appends a negative ledger entry, failing with
// ErrInsufficientFunds when the balance cannot cover it.
func (r Repo) DebitTx(ctx context.Context, tx *sql.Tx, accountID string, amount decimal.Decimal, reason, processedBy, now string) (domain.LedgerEntry, error) {
	if amount.Sign() <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("debit amount must be positive")
	}
	return r.appendEntryTx(ctx, tx, accountID, amount.Neg(), reason, processedBy, now)
}

func (r Repo) appendEntryTx(ctx context.Context, tx *sql.Tx, accountID string, delta decimal.Decimal, reason, processedBy, now string) (domain.LedgerEntry, error) {
	if err := r.EnsureAccountTx(ctx, tx, accountID, now); err != nil {
		return domain.LedgerEntry{}, err
	}
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, accountID).Scan(&raw); err != nil {
		return domain.LedgerEntry{}, err
	}
	before, err := decimal.NewFromString(raw)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("corrupt balance for %s: %w", accountID, err)
	}
	after := before.Add(delta)
	if after.Sign() < 0 {
		return domain.LedgerEntry{}, ErrInsufficientFunds
	}
	entry := domain.LedgerEntry{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Amount:        delta,
		Reason:        reason,
		BalanceBefore: before,
		BalanceAfter:  after,
		ProcessedBy:   processedBy,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,account_id,amount,reason,balance_before,balance_after,processed_by,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		entry.ID, entry.AccountID, entry.Amount.String(), entry.Reason,
		entry.BalanceBefore.String(), entry.BalanceAfter.String(), entry.ProcessedBy, entry.CreatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=?, updated_at=? WHERE id=?`, after.String(), now, accountID); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

type LedgerFilters struct {
	AccountID string
	Reason    string
	Limit     int
}

func (r Repo) ListLedgerEntries(ctx context.Context, f LedgerFilters) ([]domain.LedgerEntry, error) {
	query := `SELECT id,account_id,amount,reason,balance_before,balance_after,processed_by,created_at FROM ledger_entries`
	var clauses []string
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.Reason != "" {
		clauses = append(clauses, "reason=?")
		args = append(args, f.Reason)
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &e.Reason, &before, &after, &e.ProcessedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountLedgerEntriesByReason counts entries with the given reason. Used to
// verify exactly-once settlement.
func (r Repo) CountLedgerEntriesByReason(ctx context.Context, reason string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM ledger_entries WHERE reason=?`, reason).Scan(&n)
	return n, err
}
