// Package runstate persists the scheduler run-state marker.
//
// The marker is external to in-memory scheduler state so that status/stop
// commands issued from a separate process observe the live dispatcher. The
// Store interface keeps the persistence injectable: the file driver is used
// in production, the memory driver in tests.
package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// State is the persisted dispatcher run state.
type State string

const (
	Running State = "running"
	Stopped State = "stopped"
)

// Store reads and writes the run-state marker.
type Store interface {
	Get() (State, error)
	Set(State) error
}

// FileStore keeps the marker in a small text file. A missing file reads as
// Stopped.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Get() (State, error) {
	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Stopped, nil
	}
	if err != nil {
		return Stopped, err
	}
	switch State(strings.TrimSpace(string(b))) {
	case Running:
		return Running, nil
	case Stopped, "":
		return Stopped, nil
	default:
		return Stopped, fmt.Errorf("unknown run state %q in %s", strings.TrimSpace(string(b)), f.path)
	}
}

func (f *FileStore) Set(s State) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path, []byte(string(s)+"\n"), 0o644)
}

// MemStore is an in-memory marker for tests.
type MemStore struct {
	mu sync.Mutex
	st State
}

func NewMemStore(initial State) *MemStore {
	if initial == "" {
		initial = Stopped
	}
	return &MemStore{st: initial}
}

func (m *MemStore) Get() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *MemStore) Set(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = s
	return nil
}
