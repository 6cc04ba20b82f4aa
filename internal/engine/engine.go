package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boostline/internal/audit"
	"boostline/internal/config"
	"boostline/internal/domain"
	"boostline/internal/limiter"
	"boostline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Throttle limiter.Throttle
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Config:   cfg,
		Throttle: limiter.Disabled{},
		Now:      time.Now,
	}
	if cfg != nil && cfg.Throttle.RedisAddr != "" {
		e.Throttle = limiter.NewRedis(cfg.Throttle.RedisAddr, cfg.Throttle.MaxAttempts,
			time.Duration(cfg.Throttle.WindowSeconds)*time.Second)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

const txAttempts = 3

// withTx runs fn inside a transaction, retrying a bounded number of times
// on lock contention. Business-rule failures are never retried.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = e.runOnce(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e Engine) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// busyMarkers are the lock-contention messages modernc.org/sqlite surfaces:
// SQLITE_BUSY on writer timeouts and SQLITE_LOCKED ("database table is
// locked: database is deadlocked") on read-to-write upgrades under shared
// cache. Both are transient and safe to retry with a fresh transaction.
var busyMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"database is locked",
	"table is locked",
	"deadlocked",
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range busyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// --- orders ---

// OrderCreateOptions are parameters for placing an order.
type OrderCreateOptions struct {
	CreatorID string
	Kind      string
	Target    string
	Rate      decimal.Decimal
	Quantity  int
}

// CreateOrder places an order and escrows its full cost from the creator's
// account in the same transaction. The order waits for admin approval.
func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if e.Config == nil {
		return domain.Order{}, errors.New("config not loaded")
	}
	if opts.CreatorID == "" {
		return domain.Order{}, errf(CodeInvalidArgument, "creator is required")
	}
	if strings.TrimSpace(opts.Target) == "" {
		return domain.Order{}, errf(CodeInvalidArgument, "target is required")
	}
	if !e.Config.KnownAction(opts.Kind) {
		return domain.Order{}, errf(CodeInvalidArgument, "unknown action kind %q", opts.Kind)
	}
	if opts.Quantity <= 0 {
		return domain.Order{}, errf(CodeInvalidArgument, "quantity must be positive")
	}
	if opts.Rate.Sign() <= 0 {
		return domain.Order{}, errf(CodeInvalidArgument, "rate must be positive")
	}
	now := e.nowStr()
	o := domain.Order{
		ID:        uuid.New().String(),
		CreatorID: opts.CreatorID,
		Kind:      opts.Kind,
		Target:    strings.TrimSpace(opts.Target),
		Rate:      opts.Rate,
		Quantity:  opts.Quantity,
		Status:    domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cost := opts.Rate.Mul(decimal.NewFromInt(int64(opts.Quantity)))
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.DebitTx(ctx, tx, o.CreatorID, cost, "order-escrow:"+o.ID, o.CreatorID, now); err != nil {
			if errors.Is(err, repo.ErrInsufficientFunds) {
				return errf(CodeInsufficientFunds, "balance cannot cover order cost %s", cost)
			}
			return err
		}
		if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
			return err
		}
		e.Audit.BestEffort(ctx, tx, "order.created", "order", o.ID, o.CreatorID, audit.EventPayload{
			"kind": o.Kind, "target": o.Target, "quantity": o.Quantity, "rate": o.Rate.String(), "escrow": cost.String(),
		})
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// ApproveOrder admits an order for execution: the order becomes approved
// and a single task with a shared slot pool is created for it. The order's
// creator is recorded as the task's exclusion reference.
func (e Engine) ApproveOrder(ctx context.Context, orderID, adminID string) (domain.Task, error) {
	now := e.nowStr()
	var t domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errf(CodeNotFound, "order %s not found", orderID)
			}
			return err
		}
		if o.Status != domain.OrderPending {
			return errf(CodeInvalidArgument, "order %s is %s, not pending", orderID, o.Status)
		}
		if err := e.Repo.SetOrderStatusTx(ctx, tx, orderID, domain.OrderApproved, now); err != nil {
			return err
		}
		t = domain.Task{
			ID:               uuid.New().String(),
			OrderID:          &o.ID,
			Kind:             o.Kind,
			Target:           o.Target,
			NormalizedTarget: NormalizeTarget(o.Target),
			Rate:             o.Rate,
			Quantity:         o.Quantity,
			RemainingSlots:   o.Quantity,
			Status:           domain.TaskPending,
			ApprovalStatus:   "approved",
			ExcludedUserID:   o.CreatorID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
		e.Audit.BestEffort(ctx, tx, "order.approved", "order", o.ID, adminID, audit.EventPayload{"task_id": t.ID})
		e.Audit.BestEffort(ctx, tx, "task.created", "task", t.ID, adminID, audit.EventPayload{
			"order_id": o.ID, "quantity": t.Quantity, "rate": t.Rate.String(),
		})
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RejectOrder turns a pending order down and refunds the escrowed cost.
func (e Engine) RejectOrder(ctx context.Context, orderID, adminID, reason string) error {
	now := e.nowStr()
	return e.withTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errf(CodeNotFound, "order %s not found", orderID)
			}
			return err
		}
		if o.Status != domain.OrderPending {
			return errf(CodeInvalidArgument, "order %s is %s, not pending", orderID, o.Status)
		}
		if err := e.Repo.SetOrderStatusTx(ctx, tx, orderID, domain.OrderRejected, now); err != nil {
			return err
		}
		cost := o.Rate.Mul(decimal.NewFromInt(int64(o.Quantity)))
		if _, err := e.Repo.CreditTx(ctx, tx, o.CreatorID, cost, "order-refund:"+o.ID, adminID, now); err != nil {
			return err
		}
		e.Audit.BestEffort(ctx, tx, "order.rejected", "order", o.ID, adminID, audit.EventPayload{
			"reason": reason, "refund": cost.String(),
		})
		return nil
	})
}

// --- reservation manager ---

// Claim reserves one slot on a task for a user. The precondition checks and
// the conditional slot decrement run inside a single transaction; the
// decrement statement re-checks remaining_slots > 0, so two concurrent
// claimants can never both take the last slot.
func (e Engine) Claim(ctx context.Context, taskID, userID string) (domain.Execution, error) {
	if e.Config == nil {
		return domain.Execution{}, errors.New("config not loaded")
	}
	if userID == "" {
		return domain.Execution{}, errf(CodeInvalidArgument, "user is required")
	}
	ok, err := e.Throttle.Allow(ctx, userID)
	if err != nil {
		// Throttle backend trouble must not take claiming down.
		log.Printf("engine: claim throttle check failed for %s: %v", userID, err)
	} else if !ok {
		return domain.Execution{}, errf(CodeRateLimited, "too many claim attempts; slow down")
	}

	now := e.now().UTC()
	exec := domain.Execution{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		UserID:     userID,
		Status:     domain.ExecPending,
		ReservedAt: now.Format(time.RFC3339),
		Deadline:   now.Add(e.Config.Window()).Format(time.RFC3339),
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errf(CodeNotFound, "task %s not found", taskID)
			}
			return err
		}
		if t.ApprovalStatus != "approved" {
			return errf(CodeNotApproved, "task %s is not approved for execution", taskID)
		}
		if t.ExcludedUserID != "" && t.ExcludedUserID == userID {
			return errf(CodeSelfClaimForbidden, "task owners cannot work their own orders")
		}
		pending, err := e.Repo.CountPendingByUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if pending >= e.Config.Reservation.MaxPendingPerUser {
			return errf(CodeTooManyClaims, "user %s already holds %d pending claims", userID, pending)
		}
		active, err := e.Repo.HasActiveExecutionTx(ctx, tx, taskID, userID)
		if err != nil {
			return err
		}
		if active {
			return errf(CodeAlreadyReserved, "user %s already holds a reservation on task %s", userID, taskID)
		}
		dup, err := e.Repo.HasApprovedForTargetTx(ctx, tx, userID, t.Kind, t.NormalizedTarget)
		if err != nil {
			return err
		}
		if dup {
			return errf(CodeDuplicateTarget, "user %s was already paid for %s on %s", userID, t.Kind, t.NormalizedTarget)
		}
		if err := e.Repo.ClaimTaskSlotTx(ctx, tx, taskID, e.nowStr()); err != nil {
			if errors.Is(err, repo.ErrNoSlots) {
				return errf(CodeNoSlotsAvailable, "task %s has no remaining slots", taskID)
			}
			return err
		}
		if err := e.Repo.InsertExecutionTx(ctx, tx, exec); err != nil {
			// The partial unique index backstops the in-tx check.
			if strings.Contains(err.Error(), "UNIQUE") {
				return errf(CodeAlreadyReserved, "user %s already holds a reservation on task %s", userID, taskID)
			}
			return err
		}
		e.Audit.BestEffort(ctx, tx, "execution.claimed", "execution", exec.ID, userID, audit.EventPayload{
			"task_id": taskID, "deadline": exec.Deadline,
		})
		return nil
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// Submit attaches proof to a pending reservation before its deadline. A
// late submit is not accepted: the reservation expires, the slot goes back
// to the pool, and the caller gets CodeExpired.
func (e Engine) Submit(ctx context.Context, execID, userID, proof string) (domain.Execution, error) {
	if strings.TrimSpace(proof) == "" {
		return domain.Execution{}, errf(CodeInvalidArgument, "proof is required")
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	var out domain.Execution
	var lateDeadline string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ex, err := e.Repo.GetExecutionTx(ctx, tx, execID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errf(CodeNotFound, "execution %s not found", execID)
			}
			return err
		}
		if ex.UserID != userID {
			return errf(CodeNotFound, "execution %s not found", execID)
		}
		switch ex.Status {
		case domain.ExecPending:
			// fallthrough below
		case domain.ExecExpired:
			return errf(CodeExpired, "reservation expired at %s", ex.Deadline)
		default:
			return errf(CodeInvalidArgument, "execution %s is %s, not pending", execID, ex.Status)
		}
		deadline, err := time.Parse(time.RFC3339, ex.Deadline)
		if err != nil {
			return fmt.Errorf("corrupt deadline on %s: %w", execID, err)
		}
		if now.After(deadline) {
			ok, err := e.Repo.TransitionExecutionTx(ctx, tx, execID, domain.ExecPending, domain.ExecExpired, nil)
			if err != nil {
				return err
			}
			if ok {
				if err := e.returnSlot(ctx, tx, ex.TaskID); err != nil {
					return err
				}
				e.Audit.BestEffort(ctx, tx, "execution.expired", "execution", execID, userID, audit.EventPayload{
					"task_id": ex.TaskID, "cause": "late_submit",
				})
			}
			// Returning an error here would roll back the expire and the
			// slot return, so remember the outcome and commit.
			lateDeadline = ex.Deadline
			return nil
		}
		ok, err := e.Repo.TransitionExecutionTx(ctx, tx, execID, domain.ExecPending, domain.ExecSubmitted, map[string]any{
			"submitted_at": nowStr,
			"proof":        proof,
		})
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race against the sweeper; it returned the slot.
			return errf(CodeExpired, "reservation expired at %s", ex.Deadline)
		}
		ex.Status = domain.ExecSubmitted
		ex.SubmittedAt = &nowStr
		ex.Proof = &proof
		out = ex
		e.Audit.BestEffort(ctx, tx, "execution.submitted", "execution", execID, userID, audit.EventPayload{
			"task_id": ex.TaskID,
		})
		return nil
	})
	if err != nil {
		return domain.Execution{}, err
	}
	if lateDeadline != "" {
		return domain.Execution{}, errf(CodeExpired, "reservation expired at %s", lateDeadline)
	}
	return out, nil
}

// --- settlement engine ---

// Approve settles a submitted execution: the reviewer stamp and reward land
// on the execution, the task and order counters advance, and the claimant
// is credited, all in one transaction. The submitted-only conditional
// transition is the exactly-once guard: a second Approve finds the row
// already approved and fails with CodeNotSubmitted, never crediting twice.
func (e Engine) Approve(ctx context.Context, execID, reviewerID, notes string) (decimal.Decimal, error) {
	now := e.nowStr()
	var reward decimal.Decimal
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ex, err := e.Repo.GetExecutionTx(ctx, tx, execID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errf(CodeNotFound, "execution %s not found", execID)
			}
			return err
		}
		t, err := e.Repo.GetTaskTx(ctx, tx, ex.TaskID)
		if err != nil {
			return err
		}
		reward = t.Rate
		ok, err := e.Repo.TransitionExecutionTx(ctx, tx, execID, domain.ExecSubmitted, domain.ExecApproved, map[string]any{
			"reviewer_id": reviewerID,
			"reviewed_at": now,
			"reward":      reward.String(),
		})
		if err != nil {
			return err
		}
		if !ok {
			// ex.Status was read before the transition and may be stale
			// after losing a concurrent review; report the current row.
			cur, err := e.Repo.GetExecutionTx(ctx, tx, execID)
			if err != nil {
				return err
			}
			return errf(CodeNotSubmitted, "execution %s is %s, not submitted", execID, cur.Status)
		}
		if _, _, err := e.Repo.CompleteTaskUnitTx(ctx, tx, ex.TaskID, now); err != nil {
			return err
		}
		if _, err := e.Repo.CreditTx(ctx, tx, ex.UserID, reward, "task-approval:"+execID, reviewerID, now); err != nil {
			return err
		}
		var orderID string
		if t.OrderID != nil {
			orderID = *t.OrderID
			completed, quantity, err := e.Repo.IncrementOrderCompletedTx(ctx, tx, orderID, now)
			if err != nil {
				return err
			}
			if completed >= quantity {
				if err := e.Repo.SetOrderStatusTx(ctx, tx, orderID, domain.OrderCompleted, now); err != nil {
					return err
				}
			}
		}
		e.Audit.BestEffort(ctx, tx, "execution.approved", "execution", execID, reviewerID, audit.EventPayload{
			"task_id": ex.TaskID, "order_id": orderID, "claimant": ex.UserID,
			"reward": reward.String(), "notes": notes,
		})
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return reward, nil
}

// Reject turns a submitted execution down and returns its slot to the pool
// so another worker can claim it. No ledger effect.
func (e Engine) Reject(ctx context.Context, execID, reviewerID, reason string) error {
	now := e.nowStr()
	return e.withTx(ctx, func(tx *sql.Tx) error {
		ex, err := e.Repo.GetExecutionTx(ctx, tx, execID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errf(CodeNotFound, "execution %s not found", execID)
			}
			return err
		}
		ok, err := e.Repo.TransitionExecutionTx(ctx, tx, execID, domain.ExecSubmitted, domain.ExecRejected, map[string]any{
			"reviewer_id":   reviewerID,
			"reviewed_at":   now,
			"reject_reason": reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			cur, err := e.Repo.GetExecutionTx(ctx, tx, execID)
			if err != nil {
				return err
			}
			return errf(CodeNotSubmitted, "execution %s is %s, not submitted", execID, cur.Status)
		}
		if err := e.returnSlot(ctx, tx, ex.TaskID); err != nil {
			return err
		}
		e.Audit.BestEffort(ctx, tx, "execution.rejected", "execution", execID, reviewerID, audit.EventPayload{
			"task_id": ex.TaskID, "claimant": ex.UserID, "reason": reason,
		})
		return nil
	})
}

func (e Engine) returnSlot(ctx context.Context, tx *sql.Tx, taskID string) error {
	if err := e.Repo.ReturnTaskSlotTx(ctx, tx, taskID, e.nowStr()); err != nil {
		if errors.Is(err, repo.ErrSlotInvariant) {
			return errf(CodeSlotInvariant, "slot return on task %s would exceed its quantity", taskID)
		}
		return err
	}
	return nil
}

// --- account funding ---

// Deposit credits an account outside the order/settlement flow.
func (e Engine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, actorID string) (domain.LedgerEntry, error) {
	if amount.Sign() <= 0 {
		return domain.LedgerEntry{}, errf(CodeInvalidArgument, "deposit amount must be positive")
	}
	var entry domain.LedgerEntry
	now := e.nowStr()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = e.Repo.CreditTx(ctx, tx, accountID, amount, "deposit", actorID, now)
		if err != nil {
			return err
		}
		e.Audit.BestEffort(ctx, tx, "account.deposited", "account", accountID, actorID, audit.EventPayload{
			"amount": amount.String(),
		})
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// Withdraw debits an account, failing when the balance cannot cover it.
func (e Engine) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, actorID string) (domain.LedgerEntry, error) {
	if amount.Sign() <= 0 {
		return domain.LedgerEntry{}, errf(CodeInvalidArgument, "withdrawal amount must be positive")
	}
	var entry domain.LedgerEntry
	now := e.nowStr()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = e.Repo.DebitTx(ctx, tx, accountID, amount, "withdrawal", actorID, now)
		if err != nil {
			if errors.Is(err, repo.ErrInsufficientFunds) {
				return errf(CodeInsufficientFunds, "balance cannot cover withdrawal of %s", amount)
			}
			return err
		}
		e.Audit.BestEffort(ctx, tx, "account.withdrawn", "account", accountID, actorID, audit.EventPayload{
			"amount": amount.String(),
		})
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}
