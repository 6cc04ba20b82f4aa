package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"boostline/internal/config"
	"boostline/internal/db"
	"boostline/internal/domain"
	"boostline/internal/engine"
	"boostline/internal/migrate"
	"boostline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	env := &testEnv{Ctx: context.Background(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env.Engine = engine.New(conn, cfg)
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) fund(t *testing.T, accountID string, amount string) {
	t.Helper()
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		t.Fatalf("bad amount %s: %v", amount, err)
	}
	if _, err := env.Engine.Deposit(env.Ctx, accountID, amt, "admin"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// newTask funds the creator, places an order and approves it, returning the
// resulting claimable task.
func (env *testEnv) newTask(t *testing.T, creator, kind, target, rate string, quantity int) domain.Task {
	t.Helper()
	r, err := decimal.NewFromString(rate)
	if err != nil {
		t.Fatalf("bad rate %s: %v", rate, err)
	}
	env.fund(t, creator, r.Mul(decimal.NewFromInt(int64(quantity))).String())
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CreatorID: creator, Kind: kind, Target: target, Rate: r, Quantity: quantity,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	task, err := env.Engine.ApproveOrder(env.Ctx, o.ID, "admin")
	if err != nil {
		t.Fatalf("approve order: %v", err)
	}
	return task
}

// balance reads an account's balance; an account no ledger entry has ever
// touched does not exist yet and reads as zero.
func (env *testEnv) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	acct, err := env.Engine.Repo.GetAccount(env.Ctx, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return decimal.Zero
	}
	if err != nil {
		t.Fatalf("get account %s: %v", accountID, err)
	}
	return acct.Balance
}

func TestOrderEscrowAndApproval(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "creator", "100")
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CreatorID: "creator", Kind: "like", Target: "https://example.com/post/1", Rate: decimal.NewFromInt(2), Quantity: 10,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := env.balance(t, "creator"); !got.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("escrow not taken, balance %s", got)
	}
	task, err := env.Engine.ApproveOrder(env.Ctx, o.ID, "admin")
	if err != nil {
		t.Fatalf("approve order: %v", err)
	}
	if task.RemainingSlots != 10 || task.Quantity != 10 {
		t.Fatalf("task slots %d/%d, want 10/10", task.RemainingSlots, task.Quantity)
	}
	if task.NormalizedTarget != "post/1" {
		t.Fatalf("normalized target %q", task.NormalizedTarget)
	}
	if task.ExcludedUserID != "creator" {
		t.Fatalf("exclusion %q", task.ExcludedUserID)
	}
	// approving twice fails
	if _, err := env.Engine.ApproveOrder(env.Ctx, o.ID, "admin"); engine.CodeOf(err) != engine.CodeInvalidArgument {
		t.Fatalf("second approve: %v", err)
	}
}

func TestRejectOrderRefundsEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "creator", "50")
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CreatorID: "creator", Kind: "follow", Target: "@someone", Rate: decimal.NewFromInt(5), Quantity: 10,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := env.Engine.RejectOrder(env.Ctx, o.ID, "admin", "spammy target"); err != nil {
		t.Fatalf("reject order: %v", err)
	}
	if got := env.balance(t, "creator"); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("refund missing, balance %s", got)
	}
	o2, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil || o2.Status != domain.OrderRejected {
		t.Fatalf("order status %s err %v", o2.Status, err)
	}
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "creator", "5")
	_, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CreatorID: "creator", Kind: "like", Target: "example.com/p/1", Rate: decimal.NewFromInt(1), Quantity: 10,
	})
	if engine.CodeOf(err) != engine.CodeInsufficientFunds {
		t.Fatalf("want insufficient_funds, got %v", err)
	}
	// the failed order must leave no trace on the balance
	if got := env.balance(t, "creator"); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("balance %s after failed order", got)
	}
}

func TestClaimSubmitApproveSettles(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "like", "example.com/p/9", "3", 1)

	ex, err := env.Engine.Claim(env.Ctx, task.ID, "worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	wantDeadline := env.now.Add(15 * time.Minute).Format(time.RFC3339)
	if ex.Deadline != wantDeadline {
		t.Fatalf("deadline %s, want %s", ex.Deadline, wantDeadline)
	}
	ex, err = env.Engine.Submit(env.Ctx, ex.ID, "worker", "https://example.com/screenshot.png")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ex.Status != domain.ExecSubmitted || ex.Proof == nil {
		t.Fatalf("execution after submit: %+v", ex)
	}
	reward, err := env.Engine.Approve(env.Ctx, ex.ID, "reviewer", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !reward.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("reward %s", reward)
	}
	if got := env.balance(t, "worker"); !got.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("worker balance %s", got)
	}
	task2, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || task2.Status != domain.TaskCompleted || task2.CompletedCount != 1 {
		t.Fatalf("task after settle: %+v err %v", task2, err)
	}
	order, err := env.Engine.Repo.GetOrder(env.Ctx, *task.OrderID)
	if err != nil || order.Status != domain.OrderCompleted {
		t.Fatalf("order after settle: %+v err %v", order, err)
	}
}

func TestConcurrentClaimsNeverOverbook(t *testing.T) {
	env := newTestEnv(t)
	const slots = 3
	const claimants = 12
	task := env.newTask(t, "creator", "view", "example.com/v/1", "1", slots)

	var wg sync.WaitGroup
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, task.ID, fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case engine.CodeOf(err) == engine.CodeNoSlotsAvailable:
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if won != slots {
		t.Fatalf("%d claims won, want %d", won, slots)
	}
	task2, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || task2.RemainingSlots != 0 {
		t.Fatalf("remaining slots %d err %v", task2.RemainingSlots, err)
	}
}

func TestApproveIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "comment", "example.com/p/2", "4", 2)
	ex, err := env.Engine.Claim(env.Ctx, task.ID, "worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, ex.ID, "worker", "proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Approve(env.Ctx, ex.ID, fmt.Sprintf("reviewer-%d", i), "")
		}(i)
	}
	wg.Wait()

	ok, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case engine.CodeOf(err) == engine.CodeNotSubmitted:
			lost++
			// the loser must report the row as the winner left it
			if !strings.Contains(err.Error(), "is approved") {
				t.Fatalf("losing approve reports stale status: %v", err)
			}
		default:
			t.Fatalf("unexpected approve error: %v", err)
		}
	}
	if ok != 1 || lost != 1 {
		t.Fatalf("approve outcomes ok=%d lost=%d", ok, lost)
	}
	n, err := env.Engine.Repo.CountLedgerEntriesByReason(env.Ctx, "task-approval:"+ex.ID)
	if err != nil || n != 1 {
		t.Fatalf("credit count %d err %v", n, err)
	}
	if got := env.balance(t, "worker"); !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("worker balance %s, want 4", got)
	}
}

func TestSelfClaimForbidden(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "like", "example.com/p/3", "1", 5)
	_, err := env.Engine.Claim(env.Ctx, task.ID, "creator")
	if engine.CodeOf(err) != engine.CodeSelfClaimForbidden {
		t.Fatalf("want self_claim_forbidden, got %v", err)
	}
}

func TestDuplicateActiveReservation(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "like", "example.com/p/4", "1", 5)
	if _, err := env.Engine.Claim(env.Ctx, task.ID, "worker"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Engine.Claim(env.Ctx, task.ID, "worker")
	if engine.CodeOf(err) != engine.CodeAlreadyReserved {
		t.Fatalf("want already_reserved, got %v", err)
	}
}

func TestPendingClaimCap(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Reservation.MaxPendingPerUser = 2
	a := env.newTask(t, "creator", "like", "example.com/p/5", "1", 1)
	b := env.newTask(t, "creator", "like", "example.com/p/6", "1", 1)
	c := env.newTask(t, "creator", "like", "example.com/p/7", "1", 1)
	if _, err := env.Engine.Claim(env.Ctx, a.ID, "worker"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, b.ID, "worker"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Claim(env.Ctx, c.ID, "worker")
	if engine.CodeOf(err) != engine.CodeTooManyClaims {
		t.Fatalf("want too_many_concurrent_claims, got %v", err)
	}
}

func TestDuplicateTargetAcrossTasks(t *testing.T) {
	env := newTestEnv(t)
	// same action on the same target, placed twice with different raw URLs
	first := env.newTask(t, "creator-a", "like", "https://www.example.com/p/8?ref=feed", "1", 1)
	second := env.newTask(t, "creator-b", "like", "example.com/p/8/", "1", 1)

	ex, err := env.Engine.Claim(env.Ctx, first.ID, "worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, ex.ID, "worker", "proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, ex.ID, "reviewer", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = env.Engine.Claim(env.Ctx, second.ID, "worker")
	if engine.CodeOf(err) != engine.CodeDuplicateTarget {
		t.Fatalf("want duplicate_target, got %v", err)
	}
	// a different worker is fine
	if _, err := env.Engine.Claim(env.Ctx, second.ID, "worker-2"); err != nil {
		t.Fatalf("other worker claim: %v", err)
	}
}

func TestLateSubmitExpiresAndReturnsSlot(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "share", "example.com/p/10", "2", 1)
	ex, err := env.Engine.Claim(env.Ctx, task.ID, "worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.advance(16 * time.Minute)
	_, err = env.Engine.Submit(env.Ctx, ex.ID, "worker", "proof")
	if engine.CodeOf(err) != engine.CodeExpired {
		t.Fatalf("want expired, got %v", err)
	}
	// the expire must be committed, not rolled back with the error
	exLate, err := env.Engine.Repo.GetExecution(env.Ctx, ex.ID)
	if err != nil || exLate.Status != domain.ExecExpired {
		t.Fatalf("execution after late submit: %s err %v", exLate.Status, err)
	}
	task2, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || task2.RemainingSlots != 1 {
		t.Fatalf("slot not returned: %d err %v", task2.RemainingSlots, err)
	}
	// a second late submit must not return the slot again
	_, err = env.Engine.Submit(env.Ctx, ex.ID, "worker", "proof")
	if engine.CodeOf(err) != engine.CodeExpired {
		t.Fatalf("second submit: %v", err)
	}
	task3, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if task3.RemainingSlots != 1 {
		t.Fatalf("slot returned twice: %d", task3.RemainingSlots)
	}
	// the freed slot is claimable again, including by the same worker
	if _, err := env.Engine.Claim(env.Ctx, task.ID, "worker"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}

func TestSweepExpiresOverdueOnly(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "view", "example.com/v/2", "1", 3)

	overdue, err := env.Engine.Claim(env.Ctx, task.ID, "late-worker")
	if err != nil {
		t.Fatal(err)
	}
	env.advance(10 * time.Minute)
	submitted, err := env.Engine.Claim(env.Ctx, task.ID, "diligent-worker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, submitted.ID, "diligent-worker", "proof"); err != nil {
		t.Fatal(err)
	}
	env.advance(10 * time.Minute) // overdue is now past deadline, fresh is not

	fresh, err := env.Engine.Claim(env.Ctx, task.ID, "fresh-worker")
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.ExpireDue(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	ex, err := env.Engine.Repo.GetExecution(env.Ctx, overdue.ID)
	if err != nil || ex.Status != domain.ExecExpired {
		t.Fatalf("overdue execution %s err %v", ex.Status, err)
	}
	ex, err = env.Engine.Repo.GetExecution(env.Ctx, submitted.ID)
	if err != nil || ex.Status != domain.ExecSubmitted {
		t.Fatalf("submitted execution touched: %s err %v", ex.Status, err)
	}
	ex, err = env.Engine.Repo.GetExecution(env.Ctx, fresh.ID)
	if err != nil || ex.Status != domain.ExecPending {
		t.Fatalf("fresh execution touched: %s err %v", ex.Status, err)
	}
	task2, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if task2.RemainingSlots != 1 {
		t.Fatalf("remaining slots %d, want 1", task2.RemainingSlots)
	}
}

func TestRejectReturnsSlotForOthers(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "subscribe", "example.com/c/1", "5", 1)
	ex, err := env.Engine.Claim(env.Ctx, task.ID, "worker-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, ex.ID, "worker-a", "blurry screenshot"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Reject(env.Ctx, ex.ID, "reviewer", "proof unreadable"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// rejecting again is a no-op failure, not a second slot return
	if err := env.Engine.Reject(env.Ctx, ex.ID, "reviewer", "again"); engine.CodeOf(err) != engine.CodeNotSubmitted {
		t.Fatalf("second reject: %v", err)
	}
	if got := env.balance(t, "worker-a"); !got.IsZero() {
		t.Fatalf("rejected worker paid %s", got)
	}
	// the slot is back; another worker completes the unit
	ex2, err := env.Engine.Claim(env.Ctx, task.ID, "worker-b")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, ex2.ID, "worker-b", "proof"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, ex2.ID, "reviewer", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	task2, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if task2.Status != domain.TaskCompleted {
		t.Fatalf("task status %s", task2.Status)
	}
}

func TestSubmitByNonClaimant(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "like", "example.com/p/11", "1", 1)
	ex, err := env.Engine.Claim(env.Ctx, task.ID, "worker")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Submit(env.Ctx, ex.ID, "someone-else", "proof")
	if engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("want not_found for foreign execution, got %v", err)
	}
}

func TestClaimValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Claim(env.Ctx, "nope", "worker")
	if engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("missing task: %v", err)
	}
	_, err = env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CreatorID: "creator", Kind: "teleport", Target: "x", Rate: decimal.NewFromInt(1), Quantity: 1,
	})
	if engine.CodeOf(err) != engine.CodeInvalidArgument {
		t.Fatalf("unknown kind: %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "worker", "10")
	if _, err := env.Engine.Withdraw(env.Ctx, "worker", decimal.NewFromInt(4), "worker"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := env.balance(t, "worker"); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("balance %s", got)
	}
	_, err := env.Engine.Withdraw(env.Ctx, "worker", decimal.NewFromInt(100), "worker")
	if engine.CodeOf(err) != engine.CodeInsufficientFunds {
		t.Fatalf("overdraw: %v", err)
	}
}

func TestFundingRejectsNonPositiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "worker", "10")
	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-3)} {
		if _, err := env.Engine.Deposit(env.Ctx, "worker", amount, "admin"); engine.CodeOf(err) != engine.CodeInvalidArgument {
			t.Fatalf("deposit %s: %v", amount, err)
		}
		if _, err := env.Engine.Withdraw(env.Ctx, "worker", amount, "worker"); engine.CodeOf(err) != engine.CodeInvalidArgument {
			t.Fatalf("withdraw %s: %v", amount, err)
		}
	}
	if got := env.balance(t, "worker"); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance %s after rejected amounts", got)
	}
}
