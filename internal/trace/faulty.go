package trace

import (
	"context"
	"errors"

	"github.com/avrilquant/regime-core/internal/faults"
	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/ports"
)

// ErrInjectedStorageFailure is returned by every write on a
// FaultInjectingStore whose injector has FAULT_INJECT_STORAGE_FAILURE on.
var ErrInjectedStorageFailure = errors.New("injected storage failure")

// FaultInjectingStore decorates a PersistenceStore so the storage-failure
// toggle fires before any side effect: the underlying store is never
// touched while the toggle is on, so runtime tests can assert "exception
// observable, state unchanged". Reads pass through untouched.
type FaultInjectingStore struct {
	ports.PersistenceStore
	injector *faults.Injector
}

// WithFaultInjection wraps store. A nil injector returns store unchanged.
func WithFaultInjection(store ports.PersistenceStore, injector *faults.Injector) ports.PersistenceStore {
	if injector == nil {
		return store
	}
	return &FaultInjectingStore{PersistenceStore: store, injector: injector}
}

func (s *FaultInjectingStore) Record(ctx context.Context, entry gatekeeper.TraceEntry) error {
	if s.injector.StorageFailure() {
		return ErrInjectedStorageFailure
	}
	return s.PersistenceStore.Record(ctx, entry)
}

func (s *FaultInjectingStore) SaveSnapshot(ctx context.Context, checkpoint ports.SystemSnapshot) error {
	if s.injector.StorageFailure() {
		return ErrInjectedStorageFailure
	}
	return s.PersistenceStore.SaveSnapshot(ctx, checkpoint)
}
