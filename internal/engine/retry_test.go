package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsBusyMatchesSQLiteContention(t *testing.T) {
	retryable := []error{
		errors.New("SQLITE_BUSY: database is locked"),
		errors.New("database is locked (5) (SQLITE_BUSY)"),
		// SQLITE_LOCKED, raised on read-to-write upgrades under shared cache
		errors.New("database table is locked: database is deadlocked (6)"),
		errors.New("SQLITE_LOCKED: database table is locked"),
		fmt.Errorf("claim slot: %w", errors.New("database is locked (261)")),
	}
	for _, err := range retryable {
		if !isBusy(err) {
			t.Errorf("not retried: %v", err)
		}
	}
	terminal := []error{
		nil,
		errors.New("UNIQUE constraint failed: executions.task_id"),
		errors.New("no such table: executions"),
	}
	for _, err := range terminal {
		if isBusy(err) {
			t.Errorf("retried terminal error: %v", err)
		}
	}
}
