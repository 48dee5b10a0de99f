/**
 * Profile Manager for the readout worker
 *
 * Coordinates profile reads across PostgreSQL (shared, editable presets) and the
 * file seed (presets shipped with the deployment). PostgreSQL wins on name clashes;
 * the seed answers when the database is not configured or does not know the name.
 */

package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/adverant/nexus/readout-worker/internal/logging"
	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// profileDB is the subset of PostgresClient the manager needs
type profileDB interface {
	GetProfile(ctx context.Context, name string) (*processor.Profile, error)
	ListProfiles(ctx context.Context) ([]processor.Profile, error)
	UpsertProfile(ctx context.Context, profile *processor.Profile, overwrite bool) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// ProfileManager implements processor.ProfileStore over PostgreSQL and the file seed
type ProfileManager struct {
	postgres profileDB
	seed     *MemoryProfileStore
	logger   *logging.Logger
}

// ProfileManagerConfig holds profile manager configuration. Both sources are optional.
type ProfileManagerConfig struct {
	DatabaseURL  string
	Schema       string
	ProfilesFile string
	Logger       *logging.Logger
}

// NewProfileManager opens the configured profile sources
func NewProfileManager(ctx context.Context, cfg ProfileManagerConfig) (*ProfileManager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	seed, _ := NewMemoryProfileStore()
	if cfg.ProfilesFile != "" {
		loaded, err := LoadProfilesFile(cfg.ProfilesFile)
		if err != nil {
			return nil, err
		}
		seed = loaded
		logger.Info("Loaded profile seed", "file", cfg.ProfilesFile, "profiles", seed.Len())
	}

	var db profileDB
	if cfg.DatabaseURL != "" {
		pg, err := NewPostgresClient(cfg.DatabaseURL, cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close() // Cleanup on failure
			return nil, err
		}
		db = pg
	}

	return newProfileManager(db, seed, logger), nil
}

func newProfileManager(db profileDB, seed *MemoryProfileStore, logger *logging.Logger) *ProfileManager {
	if seed == nil {
		seed, _ = NewMemoryProfileStore()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProfileManager{postgres: db, seed: seed, logger: logger.Named("profiles")}
}

// HasDatabase reports whether PostgreSQL backs the manager
func (m *ProfileManager) HasDatabase() bool {
	return m.postgres != nil
}

// GetProfile implements processor.ProfileStore
func (m *ProfileManager) GetProfile(ctx context.Context, name string) (*processor.Profile, error) {
	if m.postgres != nil {
		p, err := m.postgres.GetProfile(ctx, name)
		if err == nil {
			return p, nil
		}
		if !stderrors.Is(err, processor.ErrProfileNotFound) {
			return nil, err
		}
	}
	return m.seed.GetProfile(ctx, name)
}

// ListProfiles merges both sources, PostgreSQL entries replacing seed entries of the same name
func (m *ProfileManager) ListProfiles(ctx context.Context) ([]processor.Profile, error) {
	seeded, _ := m.seed.ListProfiles(ctx)
	if m.postgres == nil {
		return seeded, nil
	}

	stored, err := m.postgres.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]processor.Profile, len(seeded)+len(stored))
	for _, p := range seeded {
		byName[p.Name] = p
	}
	for _, p := range stored {
		byName[p.Name] = p
	}
	out := make([]processor.Profile, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SeedDatabase copies seed profiles the database does not have yet and returns how many were written
func (m *ProfileManager) SeedDatabase(ctx context.Context) (int, error) {
	if m.postgres == nil {
		return 0, nil
	}
	seeded, _ := m.seed.ListProfiles(ctx)
	written := 0
	for i := range seeded {
		ok, err := m.postgres.UpsertProfile(ctx, &seeded[i], false)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	if written > 0 {
		m.logger.Info("Seeded profiles into database", "written", written, "seed", len(seeded))
	}
	return written, nil
}

// GetStats returns profile source statistics
func (m *ProfileManager) GetStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"seed_profiles": m.seed.Len(),
		"database":      m.postgres != nil,
	}
	if pg, ok := m.postgres.(*PostgresClient); ok {
		pgStats := pg.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}
	if m.postgres != nil {
		if err := m.postgres.Ping(ctx); err != nil {
			stats["postgres_error"] = err.Error()
		}
	}
	return stats
}

// Close closes all connections
func (m *ProfileManager) Close() error {
	if m.postgres != nil {
		if err := m.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes Unicode escapes that PostgreSQL JSONB rejects.
// \u0000 is dropped and other control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
