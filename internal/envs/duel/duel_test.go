package duel

import (
	"bytes"
	"testing"

	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T, config string) *Env {
	env, err := NewFromParams(parameters.NewFromConfigString(config), 0, 42)
	require.NoError(t, err)
	return env.(*Env)
}

func TestConfig(t *testing.T) {
	_, err := NewFromParams(parameters.NewFromConfigString("agents=3"), 0, 1)
	require.Error(t, err, "combat requires even number of agents")
	_, err = NewFromParams(parameters.NewFromConfigString("task=race"), 0, 1)
	require.Error(t, err)
	_, err = envs.NewVector("duel:agents=2,typo=1", 2, 0, 1)
	require.Error(t, err)
	_, err = envs.NewVector("tanks", 2, 0, 1)
	require.Error(t, err)
}

func TestKill(t *testing.T) {
	e := newEnv(t, "lock_steps=2,lock_range=3000")
	_, err := e.Reset()
	require.NoError(t, err)

	// Agent 0 chases agent 1, 1km behind it.
	e.planes[0].x, e.planes[0].y, e.planes[0].heading = 0, 0, 0
	e.planes[1].x, e.planes[1].y, e.planes[1].heading = 1000, 0, 0
	noop := tensor.Zeros(2, ActDim)
	_, rewards, dones, _, err := e.Step(noop)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, dones)
	assert.Greater(t, rewards[0], float32(0))
	assert.Less(t, rewards[1], float32(0))

	_, rewards, dones, info, err := e.Step(noop)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, dones, "red team eliminated")
	assert.InDelta(t, 1.01, rewards[0], 1e-4)
	assert.Equal(t, float32(-1), rewards[1])
	assert.Equal(t, float32(1), info["kills"])
}

func TestHeading(t *testing.T) {
	// Turning constantly moves the aircraft away from its target heading: episode ends
	// at the first heading change.
	e := newEnv(t, "task=heading,agents=1,steady_steps=5")
	_, err := e.Reset()
	require.NoError(t, err)
	turn := tensor.FromFlat([]float32{1, 0}, 1, ActDim)
	for step := range 5 {
		_, _, dones, info, err := e.Step(turn)
		require.NoError(t, err)
		assert.Equal(t, step == 4, dones[0], "step %d", step)
		if step == 4 {
			assert.Equal(t, float32(1), info[envs.InfoHeadingTurnCounts])
		}
	}

	// Flying straight keeps the heading, the target changes and the episode continues
	// until max_steps.
	e = newEnv(t, "task=heading,agents=1,steady_steps=5,max_steps=7")
	_, err = e.Reset()
	require.NoError(t, err)
	noop := tensor.Zeros(1, ActDim)
	for step := range 7 {
		_, rewards, dones, info, err := e.Step(noop)
		require.NoError(t, err)
		assert.Equal(t, step == 6, dones[0], "step %d", step)
		if step < 5 {
			assert.InDelta(t, 0, rewards[0], 1e-5)
		} else {
			assert.Less(t, rewards[0], float32(0), "target heading changed")
			assert.Equal(t, float32(1), info[envs.InfoHeadingTurnCounts])
		}
	}
}

func TestVectorAutoResetAndRender(t *testing.T) {
	vec, err := envs.NewVector("duel:task=heading,max_steps=3", 2, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, vec.NumAgents())
	obs, err := vec.Reset()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, ObsDim}, obs.Dims)

	actions := tensor.Zeros(2, 2, ActDim)
	actions.Fill(0.5)
	var result envs.StepResult
	for range 3 {
		result, err = vec.Step(actions)
		require.NoError(t, err)
	}
	assert.Equal(t, float32(4), result.Dones.Sum(), "all agents of both envs done")
	assert.Len(t, result.Infos, 2)
	// Observations are from the new episode: on target heading.
	for env := range 2 {
		for agent := range 2 {
			row := result.Obs.Row(env)[agent*ObsDim : (agent+1)*ObsDim]
			assert.InDelta(t, 1, row[0], 1e-5)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, vec.Render(&buf))
	assert.Contains(t, buf.String(), "FileType=text/acmi/tacview")
	assert.Contains(t, buf.String(), "A0100,T=")
	assert.Contains(t, buf.String(), "// env 1")
	require.NoError(t, vec.Close())
}
