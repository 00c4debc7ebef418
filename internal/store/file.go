package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/api"
)

const (
	historyFile  = "traffic_history.json"
	stateFile    = "deployment_state.json"
	removalsFile = "removals.json"
)

// FileBackend stores each mode as JSON documents under <dir>/<mode>/
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates the mode directories under dir
func NewFileBackend(dir string) (*FileBackend, error) {
	for _, mode := range []Mode{ModeLive, ModeDryRun} {
		if err := os.MkdirAll(filepath.Join(dir, string(mode)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the file backing name in mode
func (b *FileBackend) Path(mode Mode, name string) string {
	return filepath.Join(b.dir, string(mode), name)
}

func (b *FileBackend) History(mode Mode) HistoryStore {
	return &fileHistory{b: b, path: b.Path(mode, historyFile)}
}

func (b *FileBackend) State(mode Mode) StateStore {
	return &fileState{b: b, path: b.Path(mode, stateFile), removalsPath: b.Path(mode, removalsFile)}
}

func (b *FileBackend) Close() error {
	return nil
}

type fileHistory struct {
	b    *FileBackend
	path string
}

func (h *fileHistory) Load(ctx context.Context) ([]api.TrafficSnapshot, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	return h.loadLocked()
}

func (h *fileHistory) loadLocked() ([]api.TrafficSnapshot, error) {
	data, err := readIfExists(h.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read traffic history: %w", err)
	}
	return decodeHistory(data), nil
}

func (h *fileHistory) Append(ctx context.Context, snap api.TrafficSnapshot, maxEntries int) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	history, err := h.loadLocked()
	if err != nil {
		return err
	}
	return h.writeLocked(mergeAndTrim(history, snap, maxEntries))
}

func (h *fileHistory) Delete(ctx context.Context, ts time.Time) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	history, err := h.loadLocked()
	if err != nil {
		return err
	}
	kept := history[:0]
	for _, s := range history {
		if !s.Timestamp.Equal(ts) {
			kept = append(kept, s)
		}
	}
	return h.writeLocked(kept)
}

func (h *fileHistory) writeLocked(history []api.TrafficSnapshot) error {
	data, err := encodeHistory(history)
	if err != nil {
		return fmt.Errorf("failed to encode traffic history: %w", err)
	}
	if err := writeFileAtomic(h.path, data); err != nil {
		return fmt.Errorf("failed to write traffic history: %w", err)
	}
	return nil
}

type fileState struct {
	b            *FileBackend
	path         string
	removalsPath string
}

func (s *fileState) Load(ctx context.Context) (api.DeploymentState, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	data, err := readIfExists(s.path)
	if err != nil {
		return api.DeploymentState{}, fmt.Errorf("failed to read deployment state: %w", err)
	}
	regions, legacy, err := decodeState(data)
	if err != nil {
		return api.DeploymentState{}, fmt.Errorf("%s: %w", s.path, err)
	}
	if legacy {
		logrus.WithField("path", s.path).Info("Loaded legacy list deployment state, it will be rewritten on next save")
	}

	removals, err := readIfExists(s.removalsPath)
	if err != nil {
		return api.DeploymentState{}, fmt.Errorf("failed to read removal log: %w", err)
	}

	state := api.NewDeploymentState()
	state.Regions = regions
	state.Removed = decodeRemovals(removals)
	return state, nil
}

func (s *fileState) Save(ctx context.Context, state api.DeploymentState) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	data, err := encodeState(state.Regions)
	if err != nil {
		return fmt.Errorf("failed to encode deployment state: %w", err)
	}
	removals, err := encodeRemovals(state.Removed)
	if err != nil {
		return fmt.Errorf("failed to encode removal log: %w", err)
	}

	// The removal log is advisory; the state document is the commit point
	if err := writeFileAtomic(s.removalsPath, removals); err != nil {
		return fmt.Errorf("failed to write removal log: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write deployment state: %w", err)
	}
	return nil
}

func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// writeFileAtomic replaces path with data via a synced temp file and rename
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
