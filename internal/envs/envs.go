// Package envs defines the vectorized multi-agent environment consumed by the training loop,
// and a vectorizer that steps independent environment instances in parallel.
//
// Environments implementations register themselves (see Register) and are created from
// configuration strings like "duel:task=heading,max_steps=500".
package envs

import (
	"io"

	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
)

// InfoHeadingTurnCounts is the Info key with the number of heading changes an environment
// went through in the current episode, for heading tasks.
const InfoHeadingTurnCounts = "heading_turn_counts"

// Info holds extra per-environment scalar information returned by a step.
type Info map[string]float32

// StepResult of a vectorized step.
type StepResult struct {
	// Obs is shaped [num_envs, num_agents, *ObsDims]. For environments whose episode ended in
	// this step, it is already the first observation of the next episode.
	Obs *tensor.Tensor

	// Rewards is shaped [num_envs, num_agents, 1].
	Rewards *tensor.Tensor

	// Dones is shaped [num_envs, num_agents, 1], with 1 for agents whose episode is over.
	Dones *tensor.Tensor

	// Infos has one entry per environment.
	Infos []Info
}

// VectorEnv is a batch of num_envs environments stepped in lock-step.
type VectorEnv interface {
	NumEnvs() int
	NumAgents() int
	ObsDims() []int
	ActDims() []int

	// Reset all environments, returning the observations shaped [num_envs, num_agents, *ObsDims].
	Reset() (*tensor.Tensor, error)

	// Step all environments with actions shaped [num_envs, num_agents, *ActDims].
	Step(actions *tensor.Tensor) (StepResult, error)

	// Render writes the current state of the environments to w.
	Render(w io.Writer) error

	// Close releases the resources of the environments.
	Close() error
}

// Env is a single multi-agent environment instance.
type Env interface {
	NumAgents() int
	ObsDims() []int
	ActDims() []int

	// Reset starts a new episode, returning observations shaped [num_agents, *ObsDims].
	Reset() (*tensor.Tensor, error)

	// Step takes actions shaped [num_agents, *ActDims], and returns the observations, one reward
	// and one done flag per agent.
	Step(actions *tensor.Tensor) (obs *tensor.Tensor, rewards []float32, dones []bool, info Info, err error)

	// Render writes the current state to w.
	Render(w io.Writer) error
}

// Factory creates an Env instance. Index is the index of the instance in the vector, and seed
// the base seed of the run. Parameters used must be popped from params, leftovers are
// reported as errors.
type Factory func(params parameters.Params, index int, seed uint64) (Env, error)

var (
	keywordToFactory = make(map[string]Factory)
)

// Register an environment module.
func Register(name string, factory Factory) {
	keywordToFactory[name] = factory
}

// DefaultConfig is used if an empty configuration is given.
var DefaultConfig = "duel"

// NewVector creates numEnvs instances of the environment given in config, stepped in parallel
// by at most parallelism goroutines (0 means one per environment).
func NewVector(config string, numEnvs, parallelism int, seed uint64) (*Parallel, error) {
	if config == "" {
		config = DefaultConfig
	}
	name, rest := parameters.SplitModule(config)
	factory, found := keywordToFactory[name]
	if !found {
		return nil, errors.Errorf("unknown environment %q", name)
	}
	if numEnvs <= 0 {
		return nil, errors.Errorf("invalid number of environments %d for %q", numEnvs, name)
	}
	instances := make([]Env, numEnvs)
	for ii := range instances {
		params := parameters.NewFromConfigString(rest)
		env, err := factory(params, ii, seed)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create environment %q #%d", name, ii)
		}
		if err := parameters.CheckAllUsed(params, "environment "+name); err != nil {
			return nil, err
		}
		instances[ii] = env
	}
	return NewParallel(instances, parallelism)
}
