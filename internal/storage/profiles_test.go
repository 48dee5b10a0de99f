package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/readout-worker/internal/processor"
)

func meterProfile(name string) processor.Profile {
	return processor.Profile{
		Name:        name,
		Description: "seven segment power meter",
		Backends: []processor.BackendConfig{{
			Engine: processor.EngineSSOCR,
			Digits: 6,
			Search: &processor.SearchConfig{Initial: 50, Step: 5, MaxIterations: 10, Min: 0, Max: 100},
		}},
		Rule:      processor.ValidationRule{Charset: processor.CharsetDigits, ExactLength: 6},
		TimeoutMs: 8000,
	}
}

const profilesJSON = `[
  {
    "name": "water-meter",
    "backends": [{"engine": "tesseract", "language": "letsgodigital", "psm": 7}],
    "rule": {"charset": "digits", "exactLength": 5, "numeric": "int"},
    "preprocess": [{"op": "greyscale"}, {"op": "threshold", "args": [120]}]
  },
  {
    "name": "power-meter",
    "backends": [{"engine": "ssocr", "digits": 6}],
    "rule": {"charset": "digits", "exactLength": 6}
  }
]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMemoryProfileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryProfileStore(meterProfile("b"), meterProfile("a"))
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name)
	assert.Equal(t, 6, p.Backends[0].Digits)

	_, err = s.GetProfile(ctx, "missing")
	assert.ErrorIs(t, err, processor.ErrProfileNotFound)

	list, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	updated := meterProfile("a")
	updated.Description = "replaced"
	require.NoError(t, s.Upsert(updated))
	p, _ = s.GetProfile(ctx, "a")
	assert.Equal(t, "replaced", p.Description)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryProfileStore_RejectsInvalidProfiles(t *testing.T) {
	tests := []struct {
		name    string
		profile processor.Profile
	}{
		{"no name", processor.Profile{Backends: []processor.BackendConfig{{Engine: processor.EngineSSOCR}}}},
		{"no backends", processor.Profile{Name: "x"}},
		{"no engine", processor.Profile{Name: "x", Backends: []processor.BackendConfig{{Digits: 4}}}},
		{"bad search", processor.Profile{Name: "x", Backends: []processor.BackendConfig{{
			Engine: processor.EngineSSOCR,
			Search: &processor.SearchConfig{Initial: 50, Step: 5, MaxIterations: 3, Min: 60, Max: 100},
		}}}},
		{"bad task", processor.Profile{
			Name:       "x",
			Backends:   []processor.BackendConfig{{Engine: processor.EngineSSOCR}},
			Preprocess: []processor.Task{{Op: "sepia"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemoryProfileStore(tt.profile)
			assert.Error(t, err)
		})
	}
}

func TestLoadProfilesFile(t *testing.T) {
	s, err := LoadProfilesFile(writeFile(t, "profiles.json", profilesJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	p, err := s.GetProfile(context.Background(), "water-meter")
	require.NoError(t, err)
	assert.Equal(t, processor.EngineTesseract, p.Backends[0].Engine)
	assert.Equal(t, "letsgodigital", p.Backends[0].Language)
	assert.Equal(t, processor.NumericInt, p.Rule.Numeric)
	require.Len(t, p.Preprocess, 2)
	assert.Equal(t, []float64{120}, p.Preprocess[1].Args)
}

func TestLoadProfilesFile_Errors(t *testing.T) {
	_, err := LoadProfilesFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadProfilesFile(writeFile(t, "bad.json", `{"name": "not an array"}`))
	assert.Error(t, err)

	dup := `[{"name":"a","backends":[{"engine":"ssocr"}]},{"name":"a","backends":[{"engine":"tesseract"}]}]`
	_, err = LoadProfilesFile(writeFile(t, "dup.json", dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

// fakeDB is a profileDB backed by a map, with an optional forced error
type fakeDB struct {
	profiles map[string]processor.Profile
	err      error
	upserts  int
	closed   bool
}

func newFakeDB(profiles ...processor.Profile) *fakeDB {
	db := &fakeDB{profiles: map[string]processor.Profile{}}
	for _, p := range profiles {
		db.profiles[p.Name] = p
	}
	return db
}

func (f *fakeDB) GetProfile(_ context.Context, name string) (*processor.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", processor.ErrProfileNotFound, name)
	}
	return &p, nil
}

func (f *fakeDB) ListProfiles(_ context.Context) ([]processor.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]processor.Profile, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeDB) UpsertProfile(_ context.Context, p *processor.Profile, overwrite bool) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, exists := f.profiles[p.Name]; exists && !overwrite {
		return false, nil
	}
	f.profiles[p.Name] = *p
	f.upserts++
	return true, nil
}

func (f *fakeDB) Ping(context.Context) error { return f.err }

func (f *fakeDB) Close() error {
	f.closed = true
	return nil
}

func TestProfileManager_DatabaseFirst(t *testing.T) {
	ctx := context.Background()
	seed, err := NewMemoryProfileStore(meterProfile("power"), meterProfile("seed-only"))
	require.NoError(t, err)

	stored := meterProfile("power")
	stored.Description = "from database"
	db := newFakeDB(stored, meterProfile("db-only"))
	m := newProfileManager(db, seed, nil)

	p, err := m.GetProfile(ctx, "power")
	require.NoError(t, err)
	assert.Equal(t, "from database", p.Description)

	p, err = m.GetProfile(ctx, "seed-only")
	require.NoError(t, err)
	assert.Equal(t, "seed-only", p.Name)

	_, err = m.GetProfile(ctx, "nowhere")
	assert.ErrorIs(t, err, processor.ErrProfileNotFound)

	list, err := m.ListProfiles(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"db-only", "power", "seed-only"}, names)
	assert.Equal(t, "from database", list[1].Description)
}

func TestProfileManager_DatabaseErrorIsNotMasked(t *testing.T) {
	seed, _ := NewMemoryProfileStore(meterProfile("power"))
	db := newFakeDB()
	db.err = fmt.Errorf("connection refused")
	m := newProfileManager(db, seed, nil)

	_, err := m.GetProfile(context.Background(), "power")
	require.Error(t, err)
	assert.NotErrorIs(t, err, processor.ErrProfileNotFound)

	_, err = m.ListProfiles(context.Background())
	assert.Error(t, err)

	stats := m.GetStats(context.Background())
	assert.Equal(t, "connection refused", stats["postgres_error"])
}

func TestProfileManager_SeedDatabase(t *testing.T) {
	ctx := context.Background()
	seed, _ := NewMemoryProfileStore(meterProfile("a"), meterProfile("b"))
	existing := meterProfile("a")
	existing.Description = "edited"
	db := newFakeDB(existing)
	m := newProfileManager(db, seed, nil)

	written, err := m.SeedDatabase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, "edited", db.profiles["a"].Description)
	assert.Contains(t, db.profiles, "b")

	require.NoError(t, m.Close())
	assert.True(t, db.closed)
}

func TestProfileManager_WithoutDatabase(t *testing.T) {
	ctx := context.Background()
	m, err := NewProfileManager(ctx, ProfileManagerConfig{ProfilesFile: writeFile(t, "p.json", profilesJSON)})
	require.NoError(t, err)
	assert.False(t, m.HasDatabase())

	written, err := m.SeedDatabase(ctx)
	require.NoError(t, err)
	assert.Zero(t, written)

	list, err := m.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 2, m.GetStats(ctx)["seed_profiles"])
	assert.NoError(t, m.Close())
}

func TestProfileManager_ImplementsProfileStore(t *testing.T) {
	var _ processor.ProfileStore = &ProfileManager{}
	var _ processor.ProfileStore = &MemoryProfileStore{}
	var _ processor.ProfileStore = &PostgresClient{}
	var _ profileDB = &PostgresClient{}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"description":"a\u0000b\u0007c"}`)
	assert.Equal(t, `{"description":"ab c"}`, string(sanitizeJSONForPostgres(in)))

	clean := []byte(`{"name":"power-meter"}`)
	assert.Equal(t, clean, sanitizeJSONForPostgres(clean))
}

func TestEncodeDecodeProfile(t *testing.T) {
	p := meterProfile("power")
	p.Description = "nul\x00byte"

	data, err := encodeProfile(&p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `\u0000`)

	got, err := decodeProfile("renamed", data)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "nulbyte", got.Description)
	assert.Equal(t, p.Backends, got.Backends)
}
