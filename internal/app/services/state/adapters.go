package state

import (
	"context"

	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/storage"
)

// TestStateAdapter exposes storage.TestStore's Test-prefixed accessors under
// the Engine's StateStore interface.
type TestStateAdapter struct {
	Store storage.TestStore
}

func (a TestStateAdapter) GetState(ctx context.Context, subjectID string) (test.State, error) {
	return a.Store.GetTestState(ctx, subjectID)
}

func (a TestStateAdapter) PutState(ctx context.Context, s test.State) error {
	return a.Store.PutTestState(ctx, s)
}

// DomainStateAdapter exposes storage.DomainMonitorStore's Domain-prefixed
// accessors under the Engine's StateStore interface.
type DomainStateAdapter struct {
	Store storage.DomainMonitorStore
}

func (a DomainStateAdapter) GetState(ctx context.Context, subjectID string) (test.State, error) {
	return a.Store.GetDomainState(ctx, subjectID)
}

func (a DomainStateAdapter) PutState(ctx context.Context, s test.State) error {
	return a.Store.PutDomainState(ctx, s)
}
