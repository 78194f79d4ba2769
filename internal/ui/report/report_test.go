package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	stats := train.Stats{
		Iteration:             3,
		Iterations:            10,
		TotalSteps:            800,
		NumEnvSteps:           2000,
		AverageEpisodeRewards: 1.5,
		Metrics:               policy.Metrics{"value_loss": 0.25, "policy_loss": -0.5},
		Opponents:             []pool.ID{pool.Latest, "2"},
	}
	block := ansiFilter.ReplaceAllString(Render(stats), "")
	assert.Contains(t, block, "Iteration 3/10")
	assert.Contains(t, block, "800 / 2000")
	assert.Contains(t, block, "average_episode_rewards")
	assert.Contains(t, block, "latest, 2")
	assert.NotContains(t, block, "average_heading_turns")
	assert.NotContains(t, block, "eval_average_episode_rewards")
	assert.Less(t, strings.Index(block, "policy_loss"), strings.Index(block, "value_loss"), "metrics are sorted")

	stats.HasHeadingTurns = true
	stats.HasEval = true
	block = Render(stats)
	assert.Contains(t, block, "average_heading_turns")
	assert.Contains(t, block, "eval_average_episode_rewards")
}

func TestFprintCentered(t *testing.T) {
	stats := train.Stats{Iteration: 1, Iterations: 2}
	var buf bytes.Buffer
	Fprint(&buf, stats, 200)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "    "), "line %q is not indented", line)
	}
}
