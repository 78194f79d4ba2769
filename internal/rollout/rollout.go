// Package rollout implements the RolloutCollector: it drives the vectorized environments for one
// training iteration, splits every step's batch into the ego and opponent sides along the agent
// axis, applies the done/mask semantics and feeds the ego side into the ReplayBuffer.
//
// The per-run mutable state (buffer, opponent side buffers, counters) is kept in an explicit
// TrainingState that is threaded through every call.
package rollout

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/airduel/internal/buffer"
	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/roster"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidAgentSplit is returned when the ego agents don't split the agent axis: with
// self-play the ego side must be exactly the first half of the agents, otherwise all of them.
var ErrInvalidAgentSplit = errors.New("invalid ego/opponent agents split")

// Config of the agents layout.
type Config struct {
	NumEnvs, NumAgents int

	// EgoAgents is the number of agents controlled by the trained policy: agents [0, EgoAgents).
	// If 0, it defaults to NumAgents/2 with self-play, NumAgents otherwise.
	EgoAgents int

	// SelfPlay enables the opponents side: agents [EgoAgents, NumAgents).
	SelfPlay bool
}

// Validate the configuration, and fill the default EgoAgents.
func (c *Config) Validate() error {
	if c.NumEnvs <= 0 || c.NumAgents <= 0 {
		return errors.Errorf("invalid rollout configuration with %d environments and %d agents", c.NumEnvs, c.NumAgents)
	}
	if c.EgoAgents == 0 {
		c.EgoAgents = c.NumAgents
		if c.SelfPlay {
			c.EgoAgents = c.NumAgents / 2
		}
	}
	if c.SelfPlay {
		if c.NumAgents%2 != 0 || c.EgoAgents*2 != c.NumAgents {
			return errors.Wrapf(ErrInvalidAgentSplit, "self-play with %d ego agents out of %d agents", c.EgoAgents, c.NumAgents)
		}
	} else if c.EgoAgents != c.NumAgents {
		return errors.Wrapf(ErrInvalidAgentSplit, "%d ego agents out of %d agents without self-play", c.EgoAgents, c.NumAgents)
	}
	return nil
}

// OpponentAgents is the number of agents on the opponent side.
func (c *Config) OpponentAgents() int { return c.NumAgents - c.EgoAgents }

// TrainingState is the mutable state of a training run, owned by the training loop.
type TrainingState struct {
	// Buffer with the ego side of the current iteration.
	Buffer *buffer.ReplayBuffer

	// Opponents side buffers, nil if not self-play.
	Opponents *roster.Side

	// Iteration is the current training iteration, and TotalSteps the number of environment
	// steps (summed over environments) collected so far.
	Iteration  int
	TotalSteps int64

	// HeadingTurns collected from the episodes that ended in the current iteration.
	HeadingTurns []float32
}

// NewState allocates the TrainingState for the given configuration (already validated),
// per-agent shapes and policy recurrent dimensions.
func NewState(cfg Config, obsDims, actDims []int, layers, hidden, horizon int) *TrainingState {
	state := &TrainingState{
		Buffer: buffer.New(horizon, cfg.NumEnvs, cfg.EgoAgents, obsDims, actDims, []int{layers, hidden}),
	}
	if cfg.SelfPlay {
		state.Opponents = roster.NewSide(cfg.NumEnvs, cfg.OpponentAgents(), obsDims, layers, hidden)
	}
	return state
}

// StepOutput is the result of Collect.
type StepOutput struct {
	// Ego outputs of the policy, shaped [num_envs, ego_agents, ...].
	Ego policy.Output

	// Actions for all agents, ego first: [num_envs, num_agents, *ActDims].
	Actions *tensor.Tensor
}

// Collector drives the rollouts.
type Collector struct {
	cfg     Config
	env     envs.VectorEnv
	policy  policy.Policy
	roster  *roster.Roster
	obsDims []int
}

// New creates a Collector. The roster is only used (and required) with self-play.
func New(cfg Config, env envs.VectorEnv, p policy.Policy, r *roster.Roster) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.NumEnvs() != cfg.NumEnvs || env.NumAgents() != cfg.NumAgents {
		return nil, errors.Errorf("environment has %d envs x %d agents, but rollout configured for %d x %d",
			env.NumEnvs(), env.NumAgents(), cfg.NumEnvs, cfg.NumAgents)
	}
	if cfg.SelfPlay && r == nil {
		return nil, errors.New("self-play rollout requires an opponents roster")
	}
	return &Collector{cfg: cfg, env: env, policy: p, roster: r, obsDims: env.ObsDims()}, nil
}

// Config returns the validated configuration.
func (c *Collector) Config() Config { return c.cfg }

// Warmup resets the environments and seeds slot 0 of the buffer (and the opponent side) with the
// initial observations.
func (c *Collector) Warmup(state *TrainingState) error {
	obs, err := c.env.Reset()
	if err != nil {
		return errors.WithMessage(err, "failed to reset environments")
	}
	c.assertObs(obs)
	if !c.cfg.SelfPlay {
		state.Buffer.SetInitial(obs)
		return nil
	}
	state.Buffer.SetInitial(obs.SliceAxis1(0, c.cfg.EgoAgents))
	state.Opponents.Reset()
	state.Opponents.Obs.CopyFrom(obs.SliceAxis1(c.cfg.EgoAgents, c.cfg.NumAgents))
	return nil
}

func (c *Collector) assertObs(obs *tensor.Tensor) {
	obs.AssertDims(append([]int{c.cfg.NumEnvs, c.cfg.NumAgents}, c.obsDims...)...)
}

// Collect selects the actions of step: the ego side from the buffer slot through the policy,
// the opponents side from the roster.
func (c *Collector) Collect(state *TrainingState, step int) StepOutput {
	buf := state.Buffer
	n := c.cfg.NumEnvs
	out := c.policy.GetActions(buf.Obs[step].Flatten2(), buf.RNNActor[step].Flatten2(),
		buf.RNNCritic[step].Flatten2(), buf.Masks[step].Flatten2())
	ego := policy.Output{
		Values:    out.Values.Unflatten2(n),
		Actions:   out.Actions.Unflatten2(n),
		LogProbs:  out.LogProbs.Unflatten2(n),
		RNNActor:  out.RNNActor.Unflatten2(n),
		RNNCritic: out.RNNCritic.Unflatten2(n),
	}
	actions := ego.Actions
	if c.cfg.SelfPlay {
		actions = tensor.ConcatAxis1(ego.Actions, c.roster.Act(state.Opponents, false))
	}
	return StepOutput{Ego: ego, Actions: actions}
}

// DoneEnvs returns which environments are done: an environment is done when all its agents are.
// It panics if dones is not shaped [num_envs, num_agents, 1].
func DoneEnvs(dones *tensor.Tensor, numEnvs, numAgents int) []bool {
	if dones.Rank() != 3 {
		exceptions.Panicf("dones must be shaped [num_envs, num_agents, 1], got %v", dones.Dims)
	}
	dones.AssertDims(numEnvs, numAgents, 1)
	done := make([]bool, numEnvs)
	for env := range numEnvs {
		done[env] = true
		for _, d := range dones.Row(env) {
			if d == 0 {
				done[env] = false
				break
			}
		}
	}
	return done
}

// Insert the result of an environment step: masks and recurrent states of finished environments
// are zeroed, the batch is split into the ego side (inserted in the buffer) and the opponent side
// (kept in state.Opponents).
func (c *Collector) Insert(state *TrainingState, out StepOutput, result envs.StepResult) {
	n, a, e := c.cfg.NumEnvs, c.cfg.NumAgents, c.cfg.EgoAgents
	done := DoneEnvs(result.Dones, n, a)
	c.assertObs(result.Obs)
	result.Rewards.AssertDims(n, a, 1)

	masks := tensor.Ones(n, a, 1)
	masks.ZeroRows(done)
	rnnActor, rnnCritic := out.Ego.RNNActor, out.Ego.RNNCritic
	rnnActor.ZeroRows(done)
	rnnCritic.ZeroRows(done)

	obs, rewards := result.Obs, result.Rewards
	if c.cfg.SelfPlay {
		state.Opponents.Obs.CopyFrom(obs.SliceAxis1(e, a))
		state.Opponents.Masks.CopyFrom(masks.SliceAxis1(e, a))
		state.Opponents.ZeroDone(done)
		obs, rewards, masks = obs.SliceAxis1(0, e), rewards.SliceAxis1(0, e), masks.SliceAxis1(0, e)
	}
	state.Buffer.Insert(obs, out.Ego.Actions, rewards, masks, out.Ego.LogProbs, out.Ego.Values, rnnActor, rnnCritic)
	state.TotalSteps += int64(n)

	for env, envDone := range done {
		if !envDone || result.Infos == nil {
			continue
		}
		if turns, found := result.Infos[env][envs.InfoHeadingTurnCounts]; found {
			state.HeadingTurns = append(state.HeadingTurns, turns)
		}
	}
}

// RunIteration collects a full horizon of steps into the buffer: it must start with an empty
// buffer (after Warmup, AfterUpdate or Clear) and leaves it ready for the trainer.
func (c *Collector) RunIteration(ctx context.Context, state *TrainingState) error {
	buf := state.Buffer
	if buf.Writes() != 0 {
		exceptions.Panicf("RunIteration called with %d steps already in the buffer", buf.Writes())
	}
	state.HeadingTurns = state.HeadingTurns[:0]
	for range buf.Horizon() {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := c.Collect(state, buf.Step())
		result, err := c.env.Step(out.Actions)
		if err != nil {
			return errors.WithMessagef(err, "failed to step environments in iteration %d", state.Iteration)
		}
		c.Insert(state, out, result)
	}
	klog.V(2).Infof("Iteration %d: collected %d steps", state.Iteration, buf.Writes())
	return nil
}
