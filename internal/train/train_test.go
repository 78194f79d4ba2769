package train

import (
	"bytes"
	"context"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/envs/envstest"
	"github.com/janpfeifer/airduel/internal/policy/policytest"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Horizon = 4
	cfg.NumEnvs = 2
	cfg.NumEnvSteps = 4 * 2 * 3
	cfg.NumOpponents = 2
	cfg.SaveInterval = 2
	cfg.LogInterval = 1
	cfg.EvalInterval = 2
	cfg.EvalEpisodes = 2
	cfg.Seed = 1
	cfg.SaveDir = t.TempDir()
	return cfg
}

type fixture struct {
	env, evalEnv *envstest.Scripted
	ego          *policytest.Scripted
	trainer      *policytest.Trainer
}

func newFixture(numEnvs int) *fixture {
	f := &fixture{
		env:     envstest.New(numEnvs, 2, 3, 1),
		evalEnv: envstest.New(numEnvs, 2, 3, 1),
		ego:     policytest.New(0, 1),
	}
	f.env.EpisodeLength = 3
	f.env.HeadingTurns = 2
	f.evalEnv.EpisodeLength = 2
	f.trainer = &policytest.Trainer{Policy: f.ego}
	return f
}

func (f *fixture) newRunner(t *testing.T, cfg Config) *Runner {
	r, err := New(cfg, f.env, f.evalEnv, f.ego, f.trainer, policytest.Factory(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRunSelfPlay(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseEval = true
	cfg.EvalEpisodes = 4
	f := newFixture(cfg.NumEnvs)
	r := f.newRunner(t, cfg)
	var reports []Stats
	r.Report = func(stats Stats) { reports = append(reports, stats) }
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 3, f.trainer.ComputeCalls)
	assert.Equal(t, 3, f.trainer.UpdateCalls)
	assert.Equal(t, []int{4, 4, 4}, f.trainer.Writes, "trainer always sees a full horizon")

	// Saved on iterations 0 and 2 (the last one).
	assert.Equal(t, []pool.ID{pool.Latest, "0", "2"}, r.Pool().IDs())
	assert.True(t, r.Store().Exists("0"))
	assert.False(t, r.Store().Exists("1"))
	assert.True(t, r.Store().Exists("2"))

	// Opponents refreshed after each evaluation with the "latest" checkpoint.
	assert.Equal(t, []pool.ID{pool.Latest, pool.Latest}, r.Roster().Loaded())
	assert.Equal(t, float32(3), r.Roster().Opponent(0).(*policytest.Scripted).Offset)
	assert.Equal(t, 3, f.env.Resets, "warmup and 2 refreshes")
	assert.Equal(t, 2*2, f.evalEnv.Resets, "each evaluation loads 2 opponents")

	require.Len(t, reports, 3)
	for ii, stats := range reports {
		assert.Equal(t, ii, stats.Iteration)
		assert.Equal(t, 3, stats.Iterations)
		assert.Equal(t, int64(8*(ii+1)), stats.TotalSteps)
		assert.Equal(t, float32(ii+1), stats.Metrics["updates"])
		assert.True(t, stats.HasHeadingTurns)
		assert.Equal(t, float32(2), stats.AverageHeadingTurns)
	}
	assert.False(t, reports[0].HasEval)
	assert.True(t, reports[1].HasEval)
	assert.InDelta(t, 2.0, reports[1].EvalReward, 1e-5)
	assert.Equal(t, []pool.ID{pool.Latest, pool.Latest}, reports[1].Opponents)
}

func TestRunWithoutSelfPlay(t *testing.T) {
	cfg := testConfig(t)
	cfg.SelfPlay = false
	f := newFixture(cfg.NumEnvs)
	r := f.newRunner(t, cfg)
	require.NoError(t, r.Run(context.Background()))
	assert.Nil(t, r.Roster())
	assert.Equal(t, 0, r.Pool().Len(), "pool is only used with self-play")
	assert.True(t, r.Store().Exists(pool.Latest))
	assert.False(t, r.Store().Exists("0"))
	assert.Equal(t, 1, f.env.Resets)
	assert.Equal(t, 3, f.trainer.UpdateCalls)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Iterations())

	cfg.NumOpponents = 3
	cfg.UseEval = true
	cfg.EvalEpisodes = 1
	cfg.SaveDir = ""
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, problem := range []string{"number of opponents", "evaluation episodes", "save checkpoints"} {
		assert.Contains(t, err.Error(), problem)
	}

	cfg = testConfig(t)
	cfg.NumEnvSteps = 7
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	// Environment doesn't match.
	cfg = testConfig(t)
	f := newFixture(3)
	_, err = New(cfg, f.env, nil, f.ego, f.trainer, policytest.Factory(1))
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Evaluation without evaluation environment.
	cfg.UseEval = true
	f = newFixture(2)
	_, err = New(cfg, f.env, nil, f.ego, f.trainer, policytest.Factory(1))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResumeWithPoolIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolIndex = true
	cfg.NumEnvSteps = 4 * 2
	f := newFixture(cfg.NumEnvs)
	r := f.newRunner(t, cfg)
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, r.Close())
	_, err := os.Stat(path.Join(cfg.SaveDir, PoolIndexDir))
	require.NoError(t, err)

	assert.Equal(t, 0, r.FirstIteration())
	actor0, err := os.ReadFile(r.Store().ActorPath("0"))
	require.NoError(t, err)

	// Resume in the same directory: the pool and the latest policy are recovered, and iterations
	// continue after the last one saved.
	cfg.ModelDir = cfg.SaveDir
	f = newFixture(cfg.NumEnvs)
	r = f.newRunner(t, cfg)
	assert.Equal(t, []pool.ID{pool.Latest, "0"}, r.Pool().IDs())
	assert.Equal(t, float32(1), f.ego.Offset)
	assert.Equal(t, 1, r.FirstIteration())
	var reports []Stats
	r.Report = func(stats Stats) { reports = append(reports, stats) }
	require.NoError(t, r.Run(context.Background()))

	// Opponents were loaded from the recovered pool before the first step.
	assert.Equal(t, []pool.ID{pool.Latest, pool.Latest}, r.Roster().Loaded())
	assert.Equal(t, float32(1), r.Roster().Opponent(1).(*policytest.Scripted).Offset)
	assert.Equal(t, 1, f.env.Resets)
	assert.Equal(t, []pool.ID{pool.Latest, "0", "1"}, r.Pool().IDs())
	assert.True(t, r.Store().Exists("1"))
	actor0Resumed, err := os.ReadFile(r.Store().ActorPath("0"))
	require.NoError(t, err)
	assert.Equal(t, actor0, actor0Resumed, "checkpoint of iteration 0 not overwritten")
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Iteration)
	assert.Equal(t, 2, reports[0].Iterations)

	// Restoring from a directory without checkpoints is fatal.
	cfg = testConfig(t)
	cfg.ModelDir = t.TempDir()
	f = newFixture(cfg.NumEnvs)
	_, err = New(cfg, f.env, f.evalEnv, f.ego, f.trainer, policytest.Factory(1))
	require.Error(t, err)
}

func TestRunInterrupted(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(cfg.NumEnvs)
	r := f.newRunner(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Equal(t, 0, f.trainer.UpdateCalls)
}

// badDones returns dones without the trailing axis.
type badDones struct {
	*envstest.Scripted
}

func (b badDones) Step(actions *tensor.Tensor) (envs.StepResult, error) {
	result, err := b.Scripted.Step(actions)
	result.Dones = tensor.Zeros(b.NumEnvs(), b.NumAgents())
	return result, err
}

func TestRunContractViolation(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(cfg.NumEnvs)
	r, err := New(cfg, badDones{f.env}, nil, f.ego, f.trainer, policytest.Factory(1))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dones")
}

func TestRender(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumEnvs = 1
	cfg.NumOpponents = 1
	cfg.NumEnvSteps = 4
	f := newFixture(1)
	r := f.newRunner(t, cfg)
	f.ego.Offset = 5
	require.NoError(t, r.Save(0))

	var buf bytes.Buffer
	reward, err := r.Render(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, float32(3), reward)
	assert.Equal(t, 3, strings.Count(buf.String(), "steps="), "initial frame and 2 steps: the last one ends the episode")
	assert.True(t, strings.HasSuffix(buf.String(), "steps=[2]\n"), "no frame of the next episode rendered: %q", buf.String())
	assert.Equal(t, float32(5), r.Roster().Opponent(0).(*policytest.Scripted).Offset)

	// Limited number of steps.
	cfg.MaxEvalSteps = 2
	f = newFixture(1)
	r = f.newRunner(t, cfg)
	require.NoError(t, r.Save(0))
	buf.Reset()
	reward, err = r.Render(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, float32(2), reward)
	assert.Equal(t, 3, strings.Count(buf.String(), "steps="), "initial frame and 2 steps")

	// Multiple environments.
	cfg = testConfig(t)
	f = newFixture(cfg.NumEnvs)
	r = f.newRunner(t, cfg)
	_, err = r.Render(context.Background(), &buf)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRunDir(t *testing.T) {
	base := t.TempDir()
	dir, err := NewRunDir(base, "duel", "linear", "v1")
	require.NoError(t, err)
	assert.Equal(t, path.Join(base, "duel", "linear", "v1", "run1"), dir)
	dir, err = NewRunDir(base, "duel", "linear", "v1")
	require.NoError(t, err)
	assert.Equal(t, "run2", path.Base(dir))

	parent := path.Dir(dir)
	require.NoError(t, os.Mkdir(path.Join(parent, "run7"), 0755))
	require.NoError(t, os.Mkdir(path.Join(parent, "runaway"), 0755))
	require.NoError(t, os.WriteFile(path.Join(parent, "run9"), nil, 0644))
	dir, err = NewRunDir(base, "duel", "linear", "v1")
	require.NoError(t, err)
	assert.Equal(t, "run8", path.Base(dir))
}
