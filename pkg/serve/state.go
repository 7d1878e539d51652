package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	miyabilog "github.com/holon-run/miyabi/pkg/log"
)

const defaultDeliveryMax = 2000

type persistentState struct {
	Deliveries   map[string]string `json:"deliveries"`
	LastDelivery string            `json:"last_delivery,omitempty"`
	Max          int               `json:"max"`
}

// deliveryState remembers recently handled delivery ids so redeliveries
// are acknowledged without being routed twice. It survives restarts.
type deliveryState struct {
	mu    sync.Mutex
	path  string
	state persistentState
	now   func() time.Time
}

func loadDeliveryState(path string, max int) (*deliveryState, error) {
	s := &deliveryState{
		path:  path,
		state: persistentState{Deliveries: make(map[string]string), Max: max},
		now:   time.Now,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read serve state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse serve state: %w", err)
	}
	if s.state.Deliveries == nil {
		s.state.Deliveries = make(map[string]string)
	}
	if s.state.Max <= 0 {
		s.state.Max = max
	}
	return s, nil
}

// Seen reports whether id was already handled.
func (s *deliveryState) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.Deliveries[id]
	return ok
}

// Mark records id and persists the state. Empty ids are ignored.
func (s *deliveryState) Mark(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Deliveries[id] = s.now().UTC().Format(time.RFC3339Nano)
	s.state.LastDelivery = id
	if len(s.state.Deliveries) > s.state.Max {
		s.compactLocked()
	}
	if err := s.saveLocked(); err != nil {
		miyabilog.Warn("failed to save serve state", "error", err)
	}
}

// Save writes the state to disk.
func (s *deliveryState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *deliveryState) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal serve state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write serve state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace serve state: %w", err)
	}
	return nil
}

// compactLocked keeps the newest Max entries.
func (s *deliveryState) compactLocked() {
	type item struct {
		id string
		at time.Time
	}
	items := make([]item, 0, len(s.state.Deliveries))
	for id, v := range s.state.Deliveries {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			at = time.Time{}
		}
		items = append(items, item{id: id, at: at})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].at.After(items[j].at)
	})
	for idx := s.state.Max; idx < len(items); idx++ {
		delete(s.state.Deliveries, items[idx].id)
	}
	miyabilog.Debug("compacted serve state", "entries", len(s.state.Deliveries))
}
