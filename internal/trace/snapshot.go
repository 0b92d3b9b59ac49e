package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avrilquant/regime-core/internal/ports"
)

// SnapshotStore completes internal/ports.PersistenceStore: Store already
// implements gatekeeper.TraceRecorder for the decision audit log, and this
// file adds the periodic SystemSnapshot checkpoint, using the same atomic
// temp-file-plus-rename idiom internal/portfolio uses for its own JSON
// state file.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore builds a checkpoint writer/reader backed by path.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &SnapshotStore{path: path}, nil
}

// SaveSnapshot atomically overwrites the single latest-checkpoint file.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, checkpoint ports.SystemSnapshot) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal system snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp system snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename system snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot reads the last checkpoint written, if any.
func (s *SnapshotStore) LoadLatestSnapshot(_ context.Context) (ports.SystemSnapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ports.SystemSnapshot{}, false, nil
		}
		return ports.SystemSnapshot{}, false, fmt.Errorf("read system snapshot: %w", err)
	}
	var snap ports.SystemSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ports.SystemSnapshot{}, false, fmt.Errorf("unmarshal system snapshot: %w", err)
	}
	return snap, true, nil
}

// Store combined with SnapshotStore satisfies ports.PersistenceStore.
// PersistenceAdapter bundles both halves behind the one interface, since
// composition roots want a single concrete value to inject.
type PersistenceAdapter struct {
	*Store
	*SnapshotStore
}

// NewPersistenceAdapter builds a PersistenceAdapter backed by traceLogPath
// and snapshotPath.
func NewPersistenceAdapter(traceLogPath, snapshotPath string) (*PersistenceAdapter, error) {
	traceStore, err := NewStore(traceLogPath)
	if err != nil {
		return nil, err
	}
	snapStore, err := NewSnapshotStore(snapshotPath)
	if err != nil {
		return nil, err
	}
	return &PersistenceAdapter{Store: traceStore, SnapshotStore: snapStore}, nil
}
