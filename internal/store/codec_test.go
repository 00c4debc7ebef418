package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeState_Shapes(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		wantLegacy bool
		wantNil    []string
		wantTime   map[string]time.Time
	}{
		{
			name:       "legacy_list",
			doc:        `["iad", "cdg"]`,
			wantLegacy: true,
			wantNil:    []string{"iad", "cdg"},
		},
		{
			name:     "map_with_naive_timestamp",
			doc:      `{"ams": "2024-10-01T12:00:00", "iad": null}`,
			wantNil:  []string{"iad"},
			wantTime: map[string]time.Time{"ams": time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)},
		},
		{
			name:     "map_with_offset",
			doc:      `{"ams": "2024-10-01T14:00:00+02:00"}`,
			wantTime: map[string]time.Time{"ams": time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)},
		},
		{
			name:    "unparseable_time_is_unknown",
			doc:     `{"ams": "last tuesday"}`,
			wantNil: []string{"ams"},
		},
		{name: "empty", doc: "  "},
		{name: "null", doc: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regions, legacy, err := decodeState([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.wantLegacy, legacy)
			assert.Len(t, regions, len(tt.wantNil)+len(tt.wantTime))
			for _, r := range tt.wantNil {
				ts, ok := regions[r]
				assert.True(t, ok, r)
				assert.Nil(t, ts, r)
			}
			for r, want := range tt.wantTime {
				require.NotNil(t, regions[r], r)
				assert.True(t, regions[r].Equal(want))
				assert.Equal(t, time.UTC, regions[r].Location())
			}
		})
	}
}

func TestDecodeState_Corrupt(t *testing.T) {
	for _, doc := range []string{`{"ams": 12}`, `[1, 2]`, `"iad"`, `{`} {
		_, _, err := decodeState([]byte(doc))
		assert.True(t, errors.Is(err, ErrCorruptState), doc)
	}
}

func TestDecodeHistory_SkipsBadEntries(t *testing.T) {
	doc := `{
		"2024-10-01T12:00:00": {"ams": 60, "cdg": "12.5"},
		"2024-10-01T12:05:00Z": {"ams": "lots", "iad": null, "sin": 3},
		"yesterday": {"ams": 1},
		"2024-10-01T12:10:00": [1, 2, 3],
		"2024-10-01T12:15:00": null
	}`

	got := decodeHistory([]byte(doc))
	require.Len(t, got, 2)

	assert.Equal(t, time.Date(2024, 10, 1, 12, 5, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, map[string]float64{"sin": 3}, got[0].Counts)
	assert.Equal(t, []string{"ams", "iad"}, got[0].Invalid)

	assert.Equal(t, map[string]float64{"ams": 60, "cdg": 12.5}, got[1].Counts)
	assert.Empty(t, got[1].Invalid)
}

func TestDecodeHistory_NormalizesRegions(t *testing.T) {
	doc := `{"2024-10-01T12:00:00Z": {"AMS": 60, "ams": 5, " Sin ": 3, "IAD": "n/a", "iad": 4}}`

	got := decodeHistory([]byte(doc))
	require.Len(t, got, 1)
	assert.Equal(t, map[string]float64{"ams": 65, "sin": 3}, got[0].Counts)
	assert.Equal(t, []string{"iad"}, got[0].Invalid)
}

func TestDecodeHistory_InvalidDocumentIsEmpty(t *testing.T) {
	assert.Empty(t, decodeHistory([]byte(`{not json`)))
	assert.Empty(t, decodeHistory(nil))
}

func TestDecodeHistory_SameInstantDifferentSpelling(t *testing.T) {
	doc := `{"2024-10-01T12:00:00": {"ams": 1}, "2024-10-01T12:00:00Z": {"ams": 2}}`
	got := decodeHistory([]byte(doc))
	require.Len(t, got, 1)
}

func TestMergeAndTrim(t *testing.T) {
	h := mergeAndTrim(nil, snapshot(2, nil), 2)
	h = mergeAndTrim(h, snapshot(5, nil), 2)
	h = mergeAndTrim(h, snapshot(1, nil), 2)
	assert.Equal(t, []time.Time{at(5), at(2)}, timestamps(h))

	h = mergeAndTrim(h, snapshot(3, nil), 0)
	assert.Equal(t, []time.Time{at(5), at(3), at(2)}, timestamps(h))
}

func TestFileBackend_LegacyStateLoadsWithNullTimestamps(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	path := b.Path(ModeLive, stateFile)
	require.NoError(t, os.WriteFile(path, []byte(`["iad","cdg"]`), 0o644))

	state, err := b.State(ModeLive).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cdg", "iad"}, state.PlacedRegions())
	assert.Nil(t, state.Regions["iad"])
	assert.Nil(t, state.Regions["cdg"])
	assert.Nil(t, state.LastTransition("iad"))

	// The next save rewrites it in map form
	require.NoError(t, b.State(ModeLive).Save(ctx, state))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"iad": null, "cdg": null}`, string(data))
}

func TestFileBackend_CorruptStateAborts(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.Path(ModeLive, stateFile), []byte(`{"ams":`), 0o644))

	_, err = b.State(ModeLive).Load(context.Background())
	assert.True(t, errors.Is(err, ErrCorruptState))
}

func TestFileBackend_CorruptHistoryStartsOver(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.Path(ModeDryRun, historyFile), []byte(`garbage`), 0o644))

	h := b.History(ModeDryRun)
	got, err := h.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, h.Append(ctx, snapshot(1, map[string]float64{"ams": 1}), 5))
	got, err = h.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMigrate_File(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.Path(ModeDryRun, stateFile), []byte(`["sin"]`), 0o644))

	n, err := Migrate(ctx, b.State(ModeDryRun))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(b.Path(ModeDryRun, stateFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sin": null}`, string(data))
}
