// Package store persists rollout state to a single versioned JSON document.
// every mutation rewrites the whole file atomically (temp file + rename)
// under an exclusive flock, so two processes sharing the same state file
// cannot lose updates. the version field increments on every save and is
// checked on Save to detect stale writers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-pkgz/repeater"

	"github.com/umputun/betagate/pkg/phase"
)

// ErrVersionConflict is returned by Save when the on-disk state moved on
// since the caller loaded it.
var ErrVersionConflict = errors.New("state version conflict")

// lock acquisition retry parameters. contention windows are short (one
// full-file rewrite), so a handful of quick attempts is enough.
const (
	lockRetries = 10
	lockDelay   = 50 * time.Millisecond
)

// Times records when a phase was started and completed.
type Times struct {
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

// ProcessRecord is a persisted record of one enforcement process run.
type ProcessRecord struct {
	ID        string         `json:"process_id"`
	Type      string         `json:"type"`
	Phase     phase.Phase    `json:"phase"`
	Status    string         `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"completion_time,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// State is the single JSON document holding the whole rollout state.
type State struct {
	CurrentPhase    phase.Phase                  `json:"current_phase"`
	CompletedPhases []phase.Phase                `json:"completed_phases"`
	PhaseStatuses   map[phase.Phase]phase.Status `json:"phase_statuses"`
	PhaseTimes      map[phase.Phase]Times        `json:"phase_times"`
	Processes       map[string]ProcessRecord     `json:"processes"`
	Version         int64                        `json:"version"`
	Timestamp       time.Time                    `json:"timestamp"`
}

// NewState returns the initial rollout state: first phase current, all
// phases NOT_STARTED.
func NewState() State {
	st := State{
		CurrentPhase:    phase.Onboarding,
		CompletedPhases: []phase.Phase{},
		PhaseStatuses:   map[phase.Phase]phase.Status{},
		PhaseTimes:      map[phase.Phase]Times{},
		Processes:       map[string]ProcessRecord{},
		Timestamp:       time.Now(),
	}
	for _, p := range phase.All() {
		st.PhaseStatuses[p] = phase.StatusNotStarted
	}
	return st
}

// Completed reports whether p is in the completed phases list.
func (st *State) Completed(p phase.Phase) bool {
	for _, c := range st.CompletedPhases {
		if c == p {
			return true
		}
	}
	return false
}

// Store reads and writes the state file.
type Store struct {
	path string
	mu   sync.Mutex // serializes writers within this process; flock covers other processes
}

// New creates a Store for the given state file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the current state from disk. a missing file yields a fresh
// initial state with version 0, so first save starts the version sequence.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // path comes from config, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	if st.PhaseStatuses == nil {
		st.PhaseStatuses = map[phase.Phase]phase.Status{}
	}
	if st.PhaseTimes == nil {
		st.PhaseTimes = map[phase.Phase]Times{}
	}
	if st.Processes == nil {
		st.Processes = map[string]ProcessRecord{}
	}
	return st, nil
}

// Save writes st to disk if its version still matches the on-disk version.
// on success the stored version is st.Version+1. returns ErrVersionConflict
// when another writer got there first; callers should re-load and retry.
func (s *Store) Save(ctx context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.flock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.Load()
	if err != nil {
		return err
	}
	if current.Version != st.Version {
		return fmt.Errorf("%w: have %d, disk at %d", ErrVersionConflict, st.Version, current.Version)
	}

	st.Version++
	st.Timestamp = time.Now()
	return s.write(st)
}

// Mutate loads the state, applies fn, and saves the result, all under the
// file lock. this is the one transaction boundary mutating callers should use.
func (s *Store) Mutate(ctx context.Context, fn func(*State) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.flock(ctx)
	if err != nil {
		return State{}, err
	}
	defer unlock()

	st, err := s.Load()
	if err != nil {
		return State{}, err
	}
	if err := fn(&st); err != nil {
		return State{}, err
	}

	st.Version++
	st.Timestamp = time.Now()
	if err := s.write(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// write marshals st and replaces the state file atomically.
// temp file + rename prevents partial reads by concurrent loaders.
func (s *Store) write(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// flock acquires an exclusive lock on a sidecar lock file, retrying briefly
// on contention. returns the unlock function.
func (s *Store) flock(ctx context.Context) (func(), error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // sidecar of configured state path
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	rep := repeater.NewDefault(lockRetries, lockDelay)
	err = rep.Do(ctx, func() error {
		lockErr := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if lockErr != nil {
			if errors.Is(lockErr, syscall.EWOULDBLOCK) {
				return fmt.Errorf("state file locked by another process")
			}
			return fmt.Errorf("flock: %w", lockErr)
		}
		return nil
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
