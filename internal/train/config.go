package train

import (
	"fmt"
	"strings"

	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned by Config.Validate (and New) with the list of all problems found.
var ErrInvalidConfig = errors.New("invalid training configuration")

// Config of a training run. It's a flat structure, usually filled from command line flags.
type Config struct {
	// Horizon is the number of steps collected per iteration, in each of the NumEnvs environments.
	Horizon, NumEnvs int

	// NumEnvSteps is the total number of environment steps (summed over environments) to train:
	// the number of iterations is NumEnvSteps / Horizon / NumEnvs.
	NumEnvSteps int64

	// SelfPlay splits the agents into ego agents [0, EgoAgents), controlled by the trained policy,
	// and opponents, controlled by NumOpponents policies loaded from the pool with the Refresh
	// policy. EgoAgents of 0 means half of the agents.
	SelfPlay     bool
	EgoAgents    int
	NumOpponents int
	Refresh      pool.RefreshPolicy

	// InitRating of every checkpoint registered in the pool.
	InitRating float32

	// Intervals, in iterations, of checkpointing, logging and evaluation (and opponents refresh).
	SaveInterval, LogInterval, EvalInterval int

	// UseEval enables evaluation, with EvalEpisodes episodes in the evaluation environments,
	// each limited to MaxEvalSteps (if > 0). MaxEvalSteps also limits Render.
	UseEval      bool
	EvalEpisodes int
	MaxEvalSteps int

	// Seed for the sampling of opponents.
	Seed uint64

	// SaveDir where checkpoints are saved. ModelDir, if set, is where the latest checkpoint is
	// restored from before training.
	SaveDir, ModelDir string

	// PoolIndex persists the policy pool in SaveDir, and recovers it when the run is resumed.
	PoolIndex bool
}

// DefaultConfig returns the default configuration, without SaveDir.
func DefaultConfig() Config {
	return Config{
		Horizon:      200,
		NumEnvs:      8,
		NumEnvSteps:  10_000_000,
		SelfPlay:     true,
		NumOpponents: 1,
		Refresh:      pool.RefreshLatest,
		InitRating:   1000,
		SaveInterval: 1,
		LogInterval:  5,
		EvalInterval: 25,
		EvalEpisodes: 32,
	}
}

// Iterations of training.
func (c Config) Iterations() int {
	if c.Horizon <= 0 || c.NumEnvs <= 0 {
		return 0
	}
	return int(c.NumEnvSteps / int64(c.Horizon) / int64(c.NumEnvs))
}

// Validate returns an error wrapping ErrInvalidConfig listing all the problems of the configuration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if c.Horizon <= 0 {
		add("horizon must be > 0, got %d", c.Horizon)
	}
	if c.NumEnvs <= 0 {
		add("number of environments must be > 0, got %d", c.NumEnvs)
	}
	if c.Horizon > 0 && c.NumEnvs > 0 && c.Iterations() <= 0 {
		add("%d environment steps is less than one iteration (%d steps x %d environments)",
			c.NumEnvSteps, c.Horizon, c.NumEnvs)
	}
	if c.SaveInterval <= 0 || c.LogInterval <= 0 || c.EvalInterval <= 0 {
		add("intervals must be > 0, got save=%d, log=%d, eval=%d", c.SaveInterval, c.LogInterval, c.EvalInterval)
	}
	if c.SaveDir == "" {
		add("a directory to save checkpoints is required")
	}
	if c.SelfPlay {
		if c.NumOpponents <= 0 || c.NumOpponents > c.NumEnvs {
			add("number of opponents (%d) must be between 1 and the number of environments (%d)", c.NumOpponents, c.NumEnvs)
		}
		if !c.Refresh.IsARefreshPolicy() {
			add("unknown opponents refresh policy %d", c.Refresh)
		}
		if c.UseEval && c.EvalEpisodes < c.NumOpponents {
			add("evaluation episodes (%d) must be at least the number of opponents (%d)", c.EvalEpisodes, c.NumOpponents)
		}
	}
	if c.UseEval && c.EvalEpisodes <= 0 {
		add("evaluation episodes must be > 0, got %d", c.EvalEpisodes)
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Wrapf(ErrInvalidConfig, "%s", strings.Join(problems, "; "))
}
