package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigString(t *testing.T) {
	module, config := SplitModule("duel:task=heading,agents=2,render")
	assert.Equal(t, "duel", module)
	params := NewFromConfigString(config)
	assert.Len(t, params, 3)

	task, err := PopParamOr(params, "task", "combat")
	require.NoError(t, err)
	assert.Equal(t, "heading", task)

	agents, err := PopParamOr(params, "agents", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, agents)

	render, err := PopParamOr(params, "render", false)
	require.NoError(t, err)
	assert.True(t, render)

	missing, err := PopParamOr(params, "max_steps", int64(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), missing)
	require.NoError(t, CheckAllUsed(params, "duel"))

	module, config = SplitModule("linear")
	assert.Equal(t, "linear", module)
	assert.Empty(t, NewFromConfigString(config))
}

func TestErrors(t *testing.T) {
	params := NewFromConfigString("lr=fast,typo=1")
	_, err := PopParamOr(params, "lr", float32(0.1))
	require.Error(t, err)
	delete(params, "lr")
	err = CheckAllUsed(params, "linear")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typo")
}
