package executor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/config"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	errs  []error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string{name}, args...))
	if len(f.errs) == 0 {
		return []byte("ok"), nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return []byte("Error: boom"), err
}

type testProvider struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (p *testProvider) Current() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *testProvider) Set(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

func testConfig(app string, retries uint) *config.Config {
	cfg := config.Default()
	cfg.FlyAppName = app
	cfg.Executor = config.ExecutorConfig{FlyBinary: "flyctl", Timeout: time.Second, MaxRetries: retries}
	return cfg
}

func newTestExecutor(r *fakeRunner, retries uint) *FlyExecutor {
	return NewFly(&testProvider{cfg: testConfig("placer-demo", retries)}, WithRunner(r.run), WithInitialBackoff(time.Millisecond))
}

func TestCommand(t *testing.T) {
	args, err := Command("placer-demo", "ams", api.ActionDeploy)
	require.NoError(t, err)
	assert.Equal(t, []string{"scale", "count", "1", "--region", "ams", "--app", "placer-demo", "--yes"}, args)

	args, err = Command("placer-demo", "ams", api.ActionRemove)
	require.NoError(t, err)
	assert.Equal(t, "0", args[2])

	_, err = Command("placer-demo", "ams", api.ActionNone)
	assert.Error(t, err)
}

func TestApply_DryRunDoesNotRun(t *testing.T) {
	r := &fakeRunner{}
	e := newTestExecutor(r, 3)

	require.NoError(t, e.Apply(context.Background(), "ams", api.ActionDeploy, true))
	require.NoError(t, e.Apply(context.Background(), "ams", api.ActionRemove, true))
	assert.Empty(t, r.calls)
}

func TestApply_Live(t *testing.T) {
	r := &fakeRunner{}
	e := newTestExecutor(r, 3)

	require.NoError(t, e.Apply(context.Background(), "sin", api.ActionRemove, false))
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"flyctl", "scale", "count", "0", "--region", "sin", "--app", "placer-demo", "--yes"}, r.calls[0])
}

func TestApply_RetriesTransientFailures(t *testing.T) {
	r := &fakeRunner{errs: []error{errors.New("exit status 1"), errors.New("exit status 1")}}
	e := newTestExecutor(r, 3)

	require.NoError(t, e.Apply(context.Background(), "ams", api.ActionDeploy, false))
	assert.Len(t, r.calls, 3)
}

func TestApply_GivesUpAfterMaxRetries(t *testing.T) {
	fail := errors.New("exit status 1")
	r := &fakeRunner{errs: []error{fail, fail, fail, fail}}
	e := newTestExecutor(r, 1)

	err := e.Apply(context.Background(), "ams", api.ActionDeploy, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error: boom")
	assert.Len(t, r.calls, 2)
}

func TestApply_MissingBinaryIsPermanent(t *testing.T) {
	r := &fakeRunner{errs: []error{exec.ErrNotFound}}
	e := newTestExecutor(r, 5)

	err := e.Apply(context.Background(), "ams", api.ActionDeploy, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.Len(t, r.calls, 1)
}

func TestApply_FollowsConfiguredApp(t *testing.T) {
	r := &fakeRunner{}
	p := &testProvider{cfg: testConfig("", 0)}
	e := NewFly(p, WithRunner(r.run), WithInitialBackoff(time.Millisecond))

	// Dry run needs no app
	require.NoError(t, e.Apply(context.Background(), "ams", api.ActionDeploy, true))

	err := e.Apply(context.Background(), "ams", api.ActionDeploy, false)
	assert.ErrorContains(t, err, "fly_app_name is not set")
	assert.Empty(t, r.calls)

	p.Set(testConfig("my-app", 0))
	require.NoError(t, e.Apply(context.Background(), "ams", api.ActionDeploy, false))
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"flyctl", "scale", "count", "1", "--region", "ams", "--app", "my-app", "--yes"}, r.calls[0])
}
