package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"boostline/internal/audit"
	"boostline/internal/domain"
	"boostline/internal/repo"
)

// Sweeper expires overdue reservations in the background. Each expiry runs
// in its own short transaction so one stuck row cannot hold a lock across
// the whole batch.
type Sweeper struct {
	Engine     Engine
	Interval   time.Duration
	TickBudget time.Duration
	BatchLimit int

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewSweeper(e Engine) *Sweeper {
	s := &Sweeper{
		Engine:     e,
		Interval:   5 * time.Minute,
		TickBudget: 30 * time.Second,
		BatchLimit: 500,
	}
	if e.Config != nil {
		s.Interval = e.Config.SweepInterval()
		s.TickBudget = e.Config.TickBudget()
		s.BatchLimit = e.Config.Sweep.BatchLimit
	}
	return s
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.TickBudget)
			expired, err := s.Engine.ExpireDue(ctx)
			cancel()
			if err != nil {
				log.Printf("sweeper: tick finished with error after %d expiries: %v", expired, err)
			} else if expired > 0 {
				log.Printf("sweeper: expired %d overdue reservations", expired)
			}
		case <-s.stop:
			return
		}
	}
}

// ExpireDue expires every pending reservation whose deadline has passed, up
// to the configured batch limit, and returns how many rows it flipped. A
// failure on one row is logged and does not stop the rest of the batch.
func (e Engine) ExpireDue(ctx context.Context) (int, error) {
	limit := 500
	if e.Config != nil && e.Config.Sweep.BatchLimit > 0 {
		limit = e.Config.Sweep.BatchLimit
	}
	ids, err := e.Repo.ListDueExecutions(ctx, e.nowStr(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := e.expireOne(ctx, id)
		if err != nil {
			log.Printf("sweeper: expire %s: %v", id, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (e Engine) expireOne(ctx context.Context, execID string) (bool, error) {
	var flipped bool
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ex, err := e.Repo.GetExecutionTx(ctx, tx, execID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		// The conditional transition loses cleanly to a concurrent
		// submit, so the slot is returned at most once.
		ok, err := e.Repo.TransitionExecutionTx(ctx, tx, execID, domain.ExecPending, domain.ExecExpired, nil)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.returnSlot(ctx, tx, ex.TaskID); err != nil {
			return err
		}
		flipped = true
		e.Audit.BestEffort(ctx, tx, "execution.expired", "execution", execID, "sweeper", audit.EventPayload{
			"task_id": ex.TaskID, "cause": "deadline",
		})
		return nil
	})
	return flipped, err
}
