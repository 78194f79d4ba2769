package main

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setFlag sets a flag value for the duration of the test.
func setFlag[T any](t *testing.T, flagPtr *T, value T) {
	previous := *flagPtr
	*flagPtr = value
	t.Cleanup(func() { *flagPtr = previous })
}

func TestResumeInModelDir(t *testing.T) {
	setFlag(t, flagResults, t.TempDir())
	setFlag(t, flagEnv, "duel:max_steps=20")
	setFlag(t, flagPolicy, "linear:hidden=4")
	setFlag(t, flagNumEnvs, 2)
	setFlag(t, flagHorizon, 4)
	setFlag(t, flagNumEnvSteps, int64(4*2))
	setFlag(t, flagPoolIndex, true)
	setFlag(t, flagModelDir, "")

	runner, runDir, err := createRunner()
	require.NoError(t, err)
	assert.Equal(t, path.Join(*flagResults, "duel", "linear", *flagExperiment, "run1"), runDir)
	assert.Equal(t, 0, runner.FirstIteration())
	require.NoError(t, runner.Run(context.Background()))
	require.NoError(t, runner.Close())
	actor0, err := os.ReadFile(runner.Store().ActorPath("0"))
	require.NoError(t, err)

	// Resume: same directory, recovered pool, iterations continue.
	setFlag(t, flagModelDir, runDir)
	runner, resumeDir, err := createRunner()
	require.NoError(t, err)
	defer func() { _ = runner.Close() }()
	assert.Equal(t, runDir, resumeDir)
	assert.Equal(t, []pool.ID{pool.Latest, "0"}, runner.Pool().IDs())
	assert.Equal(t, 1, runner.FirstIteration())
	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, []pool.ID{pool.Latest, "0", "1"}, runner.Pool().IDs())
	assert.True(t, runner.Store().Exists("1"))
	resumedActor0, err := os.ReadFile(runner.Store().ActorPath("0"))
	require.NoError(t, err)
	assert.Equal(t, actor0, resumedActor0)
}

func TestSelectRunDir(t *testing.T) {
	setFlag(t, flagResults, t.TempDir())
	setFlag(t, flagEnv, "")
	setFlag(t, flagPolicy, "")

	modelDir := t.TempDir()
	dir, err := selectRunDir(modelDir, false)
	require.NoError(t, err)
	assert.Equal(t, modelDir, dir)

	// Rendering always writes to a new run directory.
	dir, err = selectRunDir(modelDir, true)
	require.NoError(t, err)
	assert.Equal(t, path.Join(*flagResults, "duel", "linear", *flagExperiment, "run1"), dir)

	_, err = selectRunDir(path.Join(modelDir, "missing"), false)
	require.Error(t, err)
}
