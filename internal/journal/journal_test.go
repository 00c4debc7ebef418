package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regionplacer/placer/internal/api"
)

func result(id string, at time.Time) *api.CycleResult {
	res := api.NewCycleResult(id, at, true)
	res.Deployed = []string{"ams"}
	res.UpdatedDeployment = []string{"ams"}
	return res
}

func TestAppendAndReplay(t *testing.T) {
	j, err := Open(t.TempDir(), "dry_run")
	require.NoError(t, err)
	defer j.Close()

	day := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(result("c1", day)))
	require.NoError(t, j.Append(result("c2", day.Add(time.Minute))))

	files, err := Files(j.Dir())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "cycles-20241001.jsonl", filepath.Base(files[0]))

	results, err := Replay(files[0])
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].CycleID)
	assert.Equal(t, []string{"ams"}, results[1].Deployed)
	assert.True(t, results[1].Timestamp.Equal(day.Add(time.Minute)))
}

func TestAppend_RotatesDaily(t *testing.T) {
	j, err := Open(t.TempDir(), "live")
	require.NoError(t, err)

	day := time.Date(2024, 10, 1, 23, 59, 0, 0, time.UTC)
	require.NoError(t, j.Append(result("c1", day)))
	require.NoError(t, j.Append(result("c2", day.Add(2*time.Minute))))
	require.NoError(t, j.Close())

	files, err := Files(j.Dir())
	require.NoError(t, err)
	require.Len(t, files, 2)

	all, err := ReplayDir(j.Dir())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].CycleID)
	assert.Equal(t, "c2", all[1].CycleID)
}

func TestAppend_ReopensAfterClose(t *testing.T) {
	root := t.TempDir()
	day := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

	j, err := Open(root, "live")
	require.NoError(t, err)
	require.NoError(t, j.Append(result("c1", day)))
	require.NoError(t, j.Close())

	j, err = Open(root, "live")
	require.NoError(t, err)
	require.NoError(t, j.Append(result("c2", day)))
	require.NoError(t, j.Close())

	all, err := ReplayDir(filepath.Join(root, "live"))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReplay_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles-20241001.jsonl")
	content := `{"cycle_id":"c1","timestamp":"2024-10-01T00:00:00Z","deployed":["ams"]}
not json
{"timestamp":"2024-10-01T00:05:00Z"}
{"cycle_id":"c2","timestamp":"2024-10-01T00:10:00Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	results, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].CycleID)
	assert.Equal(t, "c2", results[1].CycleID)
}

func TestReplay_MissingFile(t *testing.T) {
	results, err := Replay(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestModesAreSeparate(t *testing.T) {
	root := t.TempDir()
	live, err := Open(root, "live")
	require.NoError(t, err)
	dry, err := Open(root, "dry_run")
	require.NoError(t, err)

	require.NoError(t, dry.Append(result("c1", time.Now())))
	require.NoError(t, dry.Close())
	require.NoError(t, live.Close())

	liveResults, err := ReplayDir(live.Dir())
	require.NoError(t, err)
	assert.Empty(t, liveResults)
}
