package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// MemoryProfileStore keeps instrument profiles in memory.
// It is the file-seeded store and the fallback when no database is configured.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]processor.Profile
}

// NewMemoryProfileStore creates a store holding the given profiles
func NewMemoryProfileStore(profiles ...processor.Profile) (*MemoryProfileStore, error) {
	s := &MemoryProfileStore{profiles: make(map[string]processor.Profile, len(profiles))}
	for _, p := range profiles {
		if err := s.Upsert(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadProfilesFile reads a JSON array of profiles
func LoadProfilesFile(path string) (*MemoryProfileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var profiles []processor.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if seen[p.Name] {
			return nil, fmt.Errorf("profiles file %s: duplicate profile %q", path, p.Name)
		}
		seen[p.Name] = true
	}

	return NewMemoryProfileStore(profiles...)
}

// Upsert validates and stores a profile, replacing any profile with the same name
func (s *MemoryProfileStore) Upsert(p processor.Profile) error {
	if err := p.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Name] = p
	return nil
}

// GetProfile implements processor.ProfileStore
func (s *MemoryProfileStore) GetProfile(_ context.Context, name string) (*processor.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", processor.ErrProfileNotFound, name)
	}
	return &p, nil
}

// ListProfiles returns all profiles sorted by name
func (s *MemoryProfileStore) ListProfiles(_ context.Context) ([]processor.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]processor.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Len returns the number of stored profiles
func (s *MemoryProfileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
