// Package migrate fronts the execution layer that applies and reverts a
// proposed change on one resource. The controller sees at-most-once
// semantics per resource per phase; any internal idempotent retrying is the
// remote executor's own affair.
package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Executor interface {
	Migrate(ctx context.Context, resourceID string, phasePercent int) error
	Restore(ctx context.Context, resourceID string) error
}

// MigrateCall records one migrate invocation observed by StaticExecutor.
type MigrateCall struct {
	ResourceID   string
	PhasePercent int
}

// StaticExecutor records calls and fails on configured resources. Serves dev
// mode (where no execution backend exists) and tests.
type StaticExecutor struct {
	mu           sync.Mutex
	migrateCalls []MigrateCall
	restoreCalls []string

	// FailMigrate and FailRestore map resource ids to failure details.
	FailMigrate map[string]string
	FailRestore map[string]string
	// Delay is applied per call, for exercising bounded concurrency.
	Delay time.Duration
}

func (e *StaticExecutor) Migrate(ctx context.Context, resourceID string, phasePercent int) error {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	e.migrateCalls = append(e.migrateCalls, MigrateCall{ResourceID: resourceID, PhasePercent: phasePercent})
	e.mu.Unlock()
	if detail, ok := e.FailMigrate[resourceID]; ok {
		return fmt.Errorf("migrate %s: %s", resourceID, detail)
	}
	return nil
}

func (e *StaticExecutor) Restore(ctx context.Context, resourceID string) error {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	e.restoreCalls = append(e.restoreCalls, resourceID)
	e.mu.Unlock()
	if detail, ok := e.FailRestore[resourceID]; ok {
		return fmt.Errorf("restore %s: %s", resourceID, detail)
	}
	return nil
}

// MigrateCalls returns a copy of the recorded migrate invocations.
func (e *StaticExecutor) MigrateCalls() []MigrateCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MigrateCall(nil), e.migrateCalls...)
}

// RestoreCalls returns a copy of the recorded restore invocations.
func (e *StaticExecutor) RestoreCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.restoreCalls...)
}
