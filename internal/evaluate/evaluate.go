// Package evaluate runs evaluation episodes of the ego policy, acting deterministically, against
// opponents sampled from the pool.
//
// Evaluation has its own environments and recurrent state: it never touches the training
// ReplayBuffer, and it never writes to the pool.
package evaluate

import (
	"context"
	"math/rand/v2"

	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/rollout"
	"github.com/janpfeifer/airduel/internal/roster"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrTooFewEpisodes is returned if the number of evaluation episodes is smaller than the number of
// opponents: every opponent must play at least one episode.
var ErrTooFewEpisodes = errors.New("evaluation episodes must be at least the number of opponents")

// Config of the Evaluator.
type Config struct {
	// Episodes to complete, and NumOpponents sampled to play them: each opponent plays
	// Episodes/NumOpponents episodes, the last one plays the remainder.
	Episodes, NumOpponents int

	// EgoAgents and SelfPlay as in rollout.Config.
	EgoAgents int
	SelfPlay  bool

	// Refresh is the policy used to sample the opponents from the pool.
	Refresh pool.RefreshPolicy

	// MaxSteps, if > 0, limits the number of environment steps of the evaluation.
	MaxSteps int
}

// EventKind enumerates the events reported to Evaluator.Trace.
type EventKind int

const (
	EventOpponentLoaded EventKind = iota
	EventStep
	EventEpisodeDone
)

// Event reported to Evaluator.Trace.
type Event struct {
	Kind EventKind

	// Slot is the index of the current opponent, and Opponent its checkpoint id (empty without
	// self-play).
	Slot     int
	Opponent pool.ID

	// Env and Reward (per ego agent) of the finished episode, for EventEpisodeDone.
	Env    int
	Reward []float32
}

// Result of an evaluation.
type Result struct {
	// MeanEpisodeReward is the cumulative ego reward of an episode, averaged over completed
	// episodes and ego agents.
	MeanEpisodeReward float32

	// Episodes completed. It can be larger than Config.Episodes, since several environments may
	// finish in the same step.
	Episodes int

	// Opponents played, in order.
	Opponents []pool.ID
}

// Evaluator of the ego policy.
type Evaluator struct {
	cfg      Config
	env      envs.VectorEnv
	ego      policy.Policy
	opponent policy.Policy
	pool     *pool.Pool
	loader   roster.Loader
	rng      *rand.Rand

	// Trace, if set, is called on every evaluation event.
	Trace func(Event)
}

// New creates an Evaluator. The opponent policy instance, the pool and the loader are only used
// (and required) with self-play.
func New(cfg Config, env envs.VectorEnv, ego, opponent policy.Policy, policyPool *pool.Pool,
	loader roster.Loader, rng *rand.Rand) (*Evaluator, error) {
	layout := rollout.Config{NumEnvs: env.NumEnvs(), NumAgents: env.NumAgents(), EgoAgents: cfg.EgoAgents, SelfPlay: cfg.SelfPlay}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	cfg.EgoAgents = layout.EgoAgents
	if cfg.Episodes <= 0 {
		return nil, errors.Errorf("invalid number of evaluation episodes %d", cfg.Episodes)
	}
	if cfg.SelfPlay {
		if cfg.NumOpponents <= 0 || cfg.Episodes < cfg.NumOpponents {
			return nil, errors.Wrapf(ErrTooFewEpisodes, "%d episodes for %d opponents", cfg.Episodes, cfg.NumOpponents)
		}
		if opponent == nil || policyPool == nil || loader == nil {
			return nil, errors.New("self-play evaluation requires an opponent policy, a pool and a loader")
		}
	}
	return &Evaluator{cfg: cfg, env: env, ego: ego, opponent: opponent, pool: policyPool, loader: loader, rng: rng}, nil
}

func (e *Evaluator) trace(event Event) {
	if e.Trace != nil {
		e.Trace(event)
	}
}

// Evaluate runs the evaluation episodes.
func (e *Evaluator) Evaluate(ctx context.Context) (Result, error) {
	var result Result
	if e.cfg.SelfPlay {
		var err error
		if result.Opponents, err = e.pool.SampleN(e.cfg.Refresh, e.cfg.NumOpponents, e.rng); err != nil {
			return result, errors.WithMessage(err, "failed to sample evaluation opponents")
		}
		klog.V(1).Infof("Evaluation opponents: %q", result.Opponents)
	}

	n, numAgents, numEgo := e.env.NumEnvs(), e.env.NumAgents(), e.cfg.EgoAgents
	layers, hidden := e.ego.RecurrentDims()
	egoRNN := tensor.Zeros(n, numEgo, layers, hidden)
	egoMasks := tensor.Ones(n, numEgo, 1)
	cumulative := tensor.Zeros(n, numEgo, 1)
	var side *roster.Side
	if e.cfg.SelfPlay {
		oppLayers, oppHidden := e.opponent.RecurrentDims()
		side = roster.NewSide(n, numAgents-numEgo, e.env.ObsDims(), oppLayers, oppHidden)
	}

	var obs *tensor.Tensor
	if !e.cfg.SelfPlay {
		var err error
		if obs, err = e.env.Reset(); err != nil {
			return result, errors.WithMessage(err, "failed to reset evaluation environments")
		}
	}
	var rewards []float32
	perSlot := e.cfg.Episodes / max(e.cfg.NumOpponents, 1)
	slot := -1
	var opponentID pool.ID
	for step := 0; result.Episodes < e.cfg.Episodes; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if e.cfg.MaxSteps > 0 && step >= e.cfg.MaxSteps {
			klog.Warningf("Evaluation stopped after %d steps with %d of %d episodes completed",
				step, result.Episodes, e.cfg.Episodes)
			break
		}

		// Load the next opponent and restart all episodes.
		if e.cfg.SelfPlay && slot+1 < len(result.Opponents) && result.Episodes >= (slot+1)*perSlot {
			slot++
			opponentID = result.Opponents[slot]
			if err := e.loader.LoadActor(opponentID, e.opponent); err != nil {
				return result, errors.WithMessagef(err, "failed to load evaluation opponent %q", opponentID)
			}
			var err error
			if obs, err = e.env.Reset(); err != nil {
				return result, errors.WithMessage(err, "failed to reset evaluation environments")
			}
			egoRNN.Fill(0)
			egoMasks.Fill(1)
			cumulative.Fill(0)
			side.Reset()
			side.Obs.CopyFrom(obs.SliceAxis1(numEgo, numAgents))
			klog.V(1).Infof("Evaluating against opponent %q (%d/%d episodes)", opponentID, result.Episodes, e.cfg.Episodes)
			e.trace(Event{Kind: EventOpponentLoaded, Slot: slot, Opponent: opponentID})
		}

		egoObs := obs
		if e.cfg.SelfPlay {
			egoObs = obs.SliceAxis1(0, numEgo)
		}
		actions, newRNN := e.ego.Act(egoObs.Flatten2(), egoRNN.Flatten2(), egoMasks.Flatten2(), true)
		egoRNN = newRNN.Unflatten2(n)
		actions = actions.Unflatten2(n)
		if e.cfg.SelfPlay {
			oppActions, oppRNN := e.opponent.Act(side.Obs.Flatten2(), side.RNN.Flatten2(), side.Masks.Flatten2(), false)
			side.RNN.CopyFrom(oppRNN.Unflatten2(n))
			actions = tensor.ConcatAxis1(actions, oppActions.Unflatten2(n))
		}
		stepResult, err := e.env.Step(actions)
		if err != nil {
			return result, errors.WithMessagef(err, "failed to step evaluation environments")
		}
		obs = stepResult.Obs
		done := rollout.DoneEnvs(stepResult.Dones, n, numAgents)
		egoRewards := stepResult.Rewards.SliceAxis1(0, numEgo)
		for ii, r := range egoRewards.Data {
			cumulative.Data[ii] += r
		}
		e.trace(Event{Kind: EventStep, Slot: slot, Opponent: opponentID})

		for env, envDone := range done {
			if !envDone {
				continue
			}
			row := cumulative.Row(env)
			rewards = append(rewards, row...)
			result.Episodes++
			e.trace(Event{Kind: EventEpisodeDone, Slot: slot, Opponent: opponentID, Env: env, Reward: append([]float32(nil), row...)})
			clear(row)
		}
		egoMasks.Fill(1)
		egoMasks.ZeroRows(done)
		egoRNN.ZeroRows(done)
		if e.cfg.SelfPlay {
			side.Obs.CopyFrom(obs.SliceAxis1(numEgo, numAgents))
			side.Masks.Fill(1)
			side.ZeroDone(done)
		}
	}

	if len(rewards) == 0 {
		return result, errors.Errorf("no evaluation episode completed")
	}
	var sum float32
	for _, r := range rewards {
		sum += r
	}
	result.MeanEpisodeReward = sum / float32(len(rewards))
	klog.Infof("Evaluation: %d episodes, average episode rewards %.3f", result.Episodes, result.MeanEpisodeReward)
	return result, nil
}
