package network

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RunState is what a run leaves behind so a later cleanup can find the
// namespaces and capture file it created, even after a crash.
type RunState struct {
	RunID            string        `yaml:"runID"`
	StartedAt        time.Time     `yaml:"startedAt"`
	NamespacePrefix  string        `yaml:"namespacePrefix"`
	Nodes            []string      `yaml:"nodes"`
	Gateways         []Gateway     `yaml:"gateways,omitempty"`
	Endpoints        []Endpoint    `yaml:"endpoints,omitempty"`
	OverlayLink      *OverlayLink  `yaml:"overlayLink,omitempty"`
	Tunnels          []TunnelSpec  `yaml:"tunnels,omitempty"`
	CapturePath      string        `yaml:"capturePath,omitempty"`
	CaptureNode      string        `yaml:"captureNode,omitempty"`
	CaptureInterface string        `yaml:"captureInterface,omitempty"`
	Phase            string        `yaml:"phase"`
	Duration         time.Duration `yaml:"duration,omitempty"`
}

// StateStore handles loading and saving RunState to a YAML file. An empty
// path disables persistence.
type StateStore struct {
	mu   sync.RWMutex
	path string
	data *RunState
}

// NewStateStore returns a store backed by path.
func NewStateStore(path string) *StateStore {
	return &StateStore{
		path: path,
		data: &RunState{},
	}
}

// Path returns the backing file path.
func (s *StateStore) Path() string { return s.path }

// Load reads the state file. A missing file yields an empty state and
// os.ErrNotExist so callers can tell "nothing to clean" apart from a
// corrupt file.
func (s *StateStore) Load() (*RunState, error) {
	if s.path == "" {
		return s.Get(), nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return s.Get(), err
	}

	var state RunState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return s.Get(), fmt.Errorf("parsing run state %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.data = &state
	s.mu.Unlock()
	return s.Get(), nil
}

// Save writes the current state.
func (s *StateStore) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	raw, err := yaml.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}

	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing run state to %s: %w", s.path, err)
	}
	return nil
}

// Update applies fn to the state under the lock and saves it.
func (s *StateStore) Update(fn func(*RunState)) error {
	s.mu.Lock()
	fn(s.data)
	s.mu.Unlock()
	return s.Save()
}

// Get returns a copy of the current state.
func (s *StateStore) Get() *RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.data
	return &cp
}

// Remove deletes the state file. A file that is already gone is not an error.
func (s *StateStore) Remove() error {
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing run state %s: %w", s.path, err)
	}
	return nil
}
