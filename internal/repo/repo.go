package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"boostline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrNoSlots is returned when a conditional slot decrement matches no row.
var ErrNoSlots = errors.New("no remaining slots")

// ErrSlotInvariant is returned when a slot return would push
// remaining+completed past quantity. Unreachable with correct callers.
var ErrSlotInvariant = errors.New("slot counter invariant violated")

// --- orders ---

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(id,creator_id,kind,target,rate,quantity,completed_count,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.CreatorID, o.Kind, o.Target, o.Rate.String(), o.Quantity, o.CompletedCount, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func scanOrder(scan func(dest ...any) error) (domain.Order, error) {
	var o domain.Order
	var rate string
	err := scan(&o.ID, &o.CreatorID, &o.Kind, &o.Target, &rate, &o.Quantity, &o.CompletedCount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Rate, err = decimal.NewFromString(rate)
	return o, err
}

const orderCols = `id,creator_id,kind,target,rate,quantity,completed_count,status,created_at,updated_at`

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

type OrderFilters struct {
	CreatorID string
	Status    string
	Limit     int
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var clauses []string
	var args []any
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderCols + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) SetOrderStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementOrderCompletedTx adds one to the order's completed counter at the
// storage level and reports the new count and quantity, so the caller can
// decide on completion without a read-modify-write cycle.
func (r Repo) IncrementOrderCompletedTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) (completed, quantity int, err error) {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET completed_count=completed_count+1, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return 0, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, 0, ErrNotFound
	}
	err = tx.QueryRowContext(ctx, `SELECT completed_count, quantity FROM orders WHERE id=?`, id).Scan(&completed, &quantity)
	return completed, quantity, err
}

// --- tasks ---

const taskCols = `id,order_id,kind,target,normalized_target,rate,quantity,remaining_slots,completed_count,status,approval_status,excluded_user_id,created_at,updated_at`

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.OrderID), t.Kind, t.Target, t.NormalizedTarget, t.Rate.String(), t.Quantity,
		t.RemainingSlots, t.CompletedCount, t.Status, t.ApprovalStatus, nullable(t.ExcludedUserID), t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var orderID, excluded sql.NullString
	var rate string
	err := scan(&t.ID, &orderID, &t.Kind, &t.Target, &t.NormalizedTarget, &rate, &t.Quantity,
		&t.RemainingSlots, &t.CompletedCount, &t.Status, &t.ApprovalStatus, &excluded, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if orderID.Valid {
		t.OrderID = &orderID.String
	}
	if excluded.Valid {
		t.ExcludedUserID = excluded.String
	}
	t.Rate, err = decimal.NewFromString(rate)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	OrderID        string
	Status         string
	ApprovalStatus string
	Kind           string
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ApprovalStatus != "" {
		clauses = append(clauses, "approval_status=?")
		args = append(args, f.ApprovalStatus)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTaskSlotTx is the serialization point of a claim: it re-checks
// remaining_slots > 0 and decrements in one statement, and flips the task
// to in_progress on its first claim. Returns ErrNoSlots when the pool is
// exhausted. The check and the write cannot be separated here.
func (r Repo) ClaimTaskSlotTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET remaining_slots = remaining_slots - 1,
    status = CASE WHEN status = 'pending' THEN 'in_progress' ELSE status END,
    updated_at = ?
WHERE id = ? AND remaining_slots > 0`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSlots
	}
	return nil
}

// ReturnTaskSlotTx gives one slot back (reject, expiry, late submit). The
// guard keeps remaining+completed from exceeding quantity.
func (r Repo) ReturnTaskSlotTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET remaining_slots = remaining_slots + 1, updated_at = ?
WHERE id = ? AND remaining_slots + completed_count < quantity`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSlotInvariant
	}
	return nil
}

// CompleteTaskUnitTx advances the task's completed counter atomically and
// marks the task completed when the counter reaches quantity. Reports the
// new counter values.
func (r Repo) CompleteTaskUnitTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) (completed, quantity int, err error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET completed_count = completed_count + 1,
    status = CASE WHEN completed_count + 1 >= quantity THEN 'completed' ELSE status END,
    updated_at = ?
WHERE id = ?`, updatedAt, id)
	if err != nil {
		return 0, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, 0, ErrNotFound
	}
	err = tx.QueryRowContext(ctx, `SELECT completed_count, quantity FROM tasks WHERE id=?`, id).Scan(&completed, &quantity)
	return completed, quantity, err
}

// --- executions ---

const execCols = `id,task_id,user_id,status,reserved_at,deadline,submitted_at,proof,reviewer_id,reviewed_at,reject_reason,reward`

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	var reward any
	if e.Reward != nil {
		reward = e.Reward.String()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(`+execCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.UserID, e.Status, e.ReservedAt, e.Deadline,
		nullableStringPtr(e.SubmittedAt), nullableStringPtr(e.Proof), nullableStringPtr(e.ReviewerID),
		nullableStringPtr(e.ReviewedAt), nullableStringPtr(e.RejectReason), reward)
	return err
}

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var e domain.Execution
	var submittedAt, proof, reviewerID, reviewedAt, rejectReason, reward sql.NullString
	err := scan(&e.ID, &e.TaskID, &e.UserID, &e.Status, &e.ReservedAt, &e.Deadline,
		&submittedAt, &proof, &reviewerID, &reviewedAt, &rejectReason, &reward)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if submittedAt.Valid {
		e.SubmittedAt = &submittedAt.String
	}
	if proof.Valid {
		e.Proof = &proof.String
	}
	if reviewerID.Valid {
		e.ReviewerID = &reviewerID.String
	}
	if reviewedAt.Valid {
		e.ReviewedAt = &reviewedAt.String
	}
	if rejectReason.Valid {
		e.RejectReason = &rejectReason.String
	}
	if reward.Valid {
		d, err := decimal.NewFromString(reward.String)
		if err != nil {
			return e, err
		}
		e.Reward = &d
	}
	return e, nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+execCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+execCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

type ExecutionFilters struct {
	TaskID string
	UserID string
	Status string
	Limit  int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + execCols + ` FROM executions ` + where + ` ORDER BY reserved_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountPendingByUserTx counts a user's outstanding pending reservations.
func (r Repo) CountPendingByUserTx(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM executions WHERE user_id=? AND status='pending'`, userID).Scan(&n)
	return n, err
}

// HasActiveExecutionTx reports whether the user already holds a pending or
// submitted reservation on the task.
func (r Repo) HasActiveExecutionTx(ctx context.Context, tx *sql.Tx, taskID, userID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE task_id=? AND user_id=? AND status IN ('pending','submitted') LIMIT 1`, taskID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasApprovedForTargetTx reports whether the user has been paid for the
// same action kind against the same normalized target on any task.
func (r Repo) HasApprovedForTargetTx(ctx context.Context, tx *sql.Tx, userID, kind, normalizedTarget string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM executions e
JOIN tasks t ON t.id = e.task_id
WHERE e.user_id=? AND e.status='approved' AND t.kind=? AND t.normalized_target=? LIMIT 1`,
		userID, kind, normalizedTarget)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// TransitionExecutionTx flips an execution from one status to another with a
// conditional update, so two racing transitions (submit vs expire, double
// approve) resolve to exactly one winner. Extra SET fragments let callers
// stamp review fields in the same statement.
func (r Repo) TransitionExecutionTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus string, sets map[string]any) (bool, error) {
	query := `UPDATE executions SET status=?`
	args := []any{toStatus}
	for col, v := range sets {
		query += fmt.Sprintf(", %s=?", col)
		args = append(args, v)
	}
	query += ` WHERE id=? AND status=?`
	args = append(args, id, fromStatus)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDueExecutions returns ids of pending executions whose deadline passed.
func (r Repo) ListDueExecutions(ctx context.Context, now string, limit int) ([]string, error) {
	query := `SELECT id FROM executions WHERE status='pending' AND deadline < ? ORDER BY deadline ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
