package engine_test

import (
	"testing"
	"time"

	"boostline/internal/domain"
	"boostline/internal/engine"
)

func TestSweeperExpiresInBackground(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "creator", "like", "example.com/p/20", "1", 1)
	ex, err := env.Engine.Claim(env.Ctx, task.ID, "worker")
	if err != nil {
		t.Fatal(err)
	}
	env.advance(20 * time.Minute)

	sw := engine.NewSweeper(env.Engine)
	sw.Interval = 10 * time.Millisecond
	sw.TickBudget = time.Second
	sw.Start()
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.Engine.Repo.GetExecution(env.Ctx, ex.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == domain.ExecExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution still %s after waiting for sweeper", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	task2, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || task2.RemainingSlots != 1 {
		t.Fatalf("slot not returned: %d err %v", task2.RemainingSlots, err)
	}
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	env := newTestEnv(t)
	sw := engine.NewSweeper(env.Engine)
	sw.Interval = time.Hour
	sw.Start()
	sw.Start()
	sw.Stop()
	sw.Stop()
}
