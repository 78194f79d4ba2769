// Package train implements the self-play training loop: it alternates rollouts collection and
// policy updates, checkpoints the policy into the pool, evaluates it and refreshes the opponents.
package train

import (
	"context"
	"math/rand/v2"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/airduel/internal/checkpoint"
	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/evaluate"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/rollout"
	"github.com/janpfeifer/airduel/internal/roster"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PoolIndexDir is the subdirectory of the save directory with the persisted pool.
const PoolIndexDir = "pool.ldb"

// Stats of an iteration, reported at every LogInterval.
type Stats struct {
	Iteration, Iterations int

	// TotalSteps so far and NumEnvSteps to train.
	TotalSteps, NumEnvSteps int64

	// FPS is the number of environment steps per second since the start of the run.
	FPS float32

	// AverageEpisodeRewards of the ego agents in the iteration, see buffer.AverageEpisodeRewards.
	AverageEpisodeRewards float32

	// AverageHeadingTurns of the episodes finished in the iteration, if HasHeadingTurns.
	AverageHeadingTurns float32
	HasHeadingTurns     bool

	// Metrics returned by the trainer.
	Metrics policy.Metrics

	// Opponents currently loaded, empty without self-play.
	Opponents []pool.ID

	// EvalReward of the last evaluation, if HasEval.
	EvalReward float32
	HasEval    bool
}

// Runner of a training run.
type Runner struct {
	cfg      Config
	env      envs.VectorEnv
	policy   policy.Policy
	trainer  policy.Trainer
	factory  policy.Factory
	store    *checkpoint.Store
	pool     *pool.Pool
	index    *pool.Index
	roster   *roster.Roster
	collect  *rollout.Collector
	evaluate *evaluate.Evaluator
	state    *rollout.TrainingState
	rng      *rand.Rand

	// first iteration of the run: after the last iteration recovered from the pool index.
	first int

	lastEval    float32
	hasLastEval bool

	// Report, if set, is called with the Stats of every logged iteration.
	Report func(Stats)
}

// New creates a Runner for the given environments and policy: the trainer updates the policy,
// and factory creates the opponent policy instances.
//
// evalEnv is only used (and required) if cfg.UseEval. If cfg.ModelDir is set, the latest
// checkpoint is restored from it.
func New(cfg Config, env, evalEnv envs.VectorEnv, p policy.Policy, trainer policy.Trainer, factory policy.Factory) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.NumEnvs() != cfg.NumEnvs {
		return nil, errors.Wrapf(ErrInvalidConfig, "environment has %d instances, configured for %d", env.NumEnvs(), cfg.NumEnvs)
	}
	if cfg.UseEval && evalEnv == nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "evaluation enabled without evaluation environments")
	}
	layout := rollout.Config{NumEnvs: cfg.NumEnvs, NumAgents: env.NumAgents(), EgoAgents: cfg.EgoAgents, SelfPlay: cfg.SelfPlay}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	cfg.EgoAgents = layout.EgoAgents

	r := &Runner{
		cfg:     cfg,
		env:     env,
		policy:  p,
		trainer: trainer,
		factory: factory,
		pool:    pool.New(cfg.InitRating),
		rng:     rand.New(rand.NewPCG(cfg.Seed, 0x0dd5)),
	}
	var err error
	if r.store, err = checkpoint.NewStore(cfg.SaveDir); err != nil {
		return nil, err
	}
	if cfg.PoolIndex {
		if r.index, err = pool.OpenIndex(path.Join(cfg.SaveDir, PoolIndexDir), nil); err != nil {
			return nil, err
		}
		if err = r.index.Load(r.pool); err != nil {
			_ = r.index.Close()
			return nil, err
		}
		r.pool.AttachIndex(r.index)
		if r.pool.Len() > 0 {
			klog.Infof("Recovered %d checkpoints in the policy pool from %s", r.pool.Len(), cfg.SaveDir)
		}
		if last, found := r.pool.LastIteration(); found {
			r.first = last + 1
		}
	}

	if cfg.SelfPlay {
		if r.roster, err = roster.New(factory, cfg.NumOpponents, cfg.NumEnvs); err != nil {
			return nil, r.closeOnError(err)
		}
	}
	if r.collect, err = rollout.New(layout, env, p, r.roster); err != nil {
		return nil, r.closeOnError(err)
	}
	layers, hidden := p.RecurrentDims()
	r.state = rollout.NewState(layout, env.ObsDims(), env.ActDims(), layers, hidden, cfg.Horizon)

	if cfg.UseEval {
		var evalOpponent policy.Policy
		if cfg.SelfPlay {
			if evalOpponent, err = factory(); err != nil {
				return nil, r.closeOnError(errors.WithMessage(err, "failed to create evaluation opponent"))
			}
		}
		evalCfg := evaluate.Config{
			Episodes:     cfg.EvalEpisodes,
			NumOpponents: cfg.NumOpponents,
			EgoAgents:    cfg.EgoAgents,
			SelfPlay:     cfg.SelfPlay,
			Refresh:      cfg.Refresh,
			MaxSteps:     cfg.MaxEvalSteps,
		}
		if r.evaluate, err = evaluate.New(evalCfg, evalEnv, p, evalOpponent, r.pool, r.store, r.rng); err != nil {
			return nil, r.closeOnError(err)
		}
	}

	if cfg.ModelDir != "" {
		if err = r.Restore(); err != nil {
			return nil, r.closeOnError(err)
		}
	}
	klog.V(1).Infof("Training %s for %d iterations (self-play=%v, %d ego agents, %d opponents, refresh=%s)",
		p, cfg.Iterations(), cfg.SelfPlay, cfg.EgoAgents, cfg.NumOpponents, cfg.Refresh)
	return r, nil
}

func (r *Runner) closeOnError(err error) error {
	_ = r.Close()
	return err
}

// Close releases the pool index. Environments are owned by the caller.
func (r *Runner) Close() error {
	if r.index == nil {
		return nil
	}
	err := r.index.Close()
	r.index = nil
	return err
}

// Config returns the validated configuration.
func (r *Runner) Config() Config { return r.cfg }

// FirstIteration of the run: 0, or one after the last iteration saved when resuming a run whose
// pool index is in SaveDir. Checkpoints are numbered by iteration, so they are never overwritten.
func (r *Runner) FirstIteration() int { return r.first }

// State returns the training state.
func (r *Runner) State() *rollout.TrainingState { return r.state }

// Pool returns the policy pool.
func (r *Runner) Pool() *pool.Pool { return r.pool }

// Roster of opponents, nil without self-play.
func (r *Runner) Roster() *roster.Roster { return r.roster }

// Store of the checkpoints saved.
func (r *Runner) Store() *checkpoint.Store { return r.store }

// Restore the latest actor and critic from ModelDir.
func (r *Runner) Restore() error {
	store := checkpoint.OpenStore(r.cfg.ModelDir)
	if err := store.Restore(r.policy); err != nil {
		return errors.WithMessagef(err, "failed to restore model from %s", r.cfg.ModelDir)
	}
	klog.Infof("Restored %s from %s", r.policy, r.cfg.ModelDir)
	return nil
}

// Save the policy for the iteration, and with self-play register it in the pool.
func (r *Runner) Save(iteration int) error {
	return r.store.Save(iteration, r.policy, r.pool, r.cfg.SelfPlay)
}

// RefreshOpponents samples and loads new opponents from the pool, and restarts the rollouts:
// the buffer is cleared and the environments reset.
func (r *Runner) RefreshOpponents() error {
	if !r.cfg.SelfPlay {
		return nil
	}
	sample := func(count int) ([]pool.ID, error) { return r.pool.SampleN(r.cfg.Refresh, count, r.rng) }
	if err := r.roster.Refresh(sample, r.store, r.cfg.NumOpponents, r.state.Opponents); err != nil {
		return err
	}
	klog.Infof("Opponents for training: %q", r.roster.Loaded())
	r.state.Buffer.Clear()
	return r.collect.Warmup(r.state)
}

// Evaluate the policy, if evaluation is enabled.
func (r *Runner) Evaluate(ctx context.Context) (evaluate.Result, error) {
	if r.evaluate == nil {
		return evaluate.Result{}, errors.Wrapf(ErrInvalidConfig, "evaluation not enabled")
	}
	result, err := r.evaluate.Evaluate(ctx)
	if err != nil {
		return result, err
	}
	r.lastEval, r.hasLastEval = result.MeanEpisodeReward, true
	return result, nil
}

// Run the training loop for Config.Iterations iterations, starting at FirstIteration.
// It returns the context error if interrupted.
//
// When resuming with a non-empty pool, the opponents are loaded from the pool before the first
// iteration.
//
// Contract violations detected during the run (e.g.: environments returning tensors with the
// wrong shape) are returned as errors.
func (r *Runner) Run(ctx context.Context) error {
	var err error
	panicErr := exceptions.TryCatch[error](func() { err = r.run(ctx) })
	if panicErr != nil {
		return errors.WithMessagef(panicErr, "training failed in iteration %d", r.state.Iteration)
	}
	return err
}

func (r *Runner) run(ctx context.Context) error {
	if r.cfg.SelfPlay && r.pool.Len() > 0 {
		if err := r.RefreshOpponents(); err != nil {
			return err
		}
	} else if err := r.collect.Warmup(r.state); err != nil {
		return err
	}
	last := r.first + r.cfg.Iterations() - 1
	start := time.Now()
	for iteration := r.first; iteration <= last; iteration++ {
		r.state.Iteration = iteration
		if err := r.collect.RunIteration(ctx, r.state); err != nil {
			return err
		}
		buf := r.state.Buffer
		r.trainer.Compute(buf)
		metrics, err := r.trainer.Update(buf)
		if err != nil {
			return errors.WithMessagef(err, "failed to update policy in iteration %d", iteration)
		}
		var stats Stats
		logIteration := iteration%r.cfg.LogInterval == 0
		if logIteration {
			stats = r.stats(metrics, start)
		}
		buf.AfterUpdate()

		if iteration%r.cfg.SaveInterval == 0 || iteration == last {
			if err := r.Save(iteration); err != nil {
				return err
			}
		}
		if logIteration {
			r.log(stats)
		}
		if iteration%r.cfg.EvalInterval == 0 {
			if r.cfg.UseEval {
				if _, err := r.Evaluate(ctx); err != nil {
					return err
				}
			}
			if err := r.RefreshOpponents(); err != nil {
				return err
			}
		}
	}
	return nil
}

// stats must be called before the buffer is reset by AfterUpdate.
func (r *Runner) stats(metrics policy.Metrics, start time.Time) Stats {
	stats := Stats{
		Iteration:             r.state.Iteration,
		Iterations:            r.first + r.cfg.Iterations(),
		TotalSteps:            r.state.TotalSteps,
		NumEnvSteps:           r.cfg.NumEnvSteps,
		AverageEpisodeRewards: r.state.Buffer.AverageEpisodeRewards(),
		Metrics:               metrics,
		EvalReward:            r.lastEval,
		HasEval:               r.hasLastEval,
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		stats.FPS = float32(float64(r.state.TotalSteps) / elapsed)
	}
	if len(r.state.HeadingTurns) > 0 {
		var sum float32
		for _, turns := range r.state.HeadingTurns {
			sum += turns
		}
		stats.AverageHeadingTurns = sum / float32(len(r.state.HeadingTurns))
		stats.HasHeadingTurns = true
	}
	if r.roster != nil {
		stats.Opponents = append([]pool.ID(nil), r.roster.Loaded()...)
	}
	return stats
}

func (r *Runner) log(stats Stats) {
	klog.Infof("Iteration %d/%d, total steps %d/%d, FPS %.0f", stats.Iteration, stats.Iterations,
		stats.TotalSteps, stats.NumEnvSteps, stats.FPS)
	klog.Infof("average episode rewards is %g", stats.AverageEpisodeRewards)
	if stats.HasHeadingTurns {
		klog.Infof("average heading turns is %g", stats.AverageHeadingTurns)
	}
	if r.Report != nil {
		r.Report(stats)
	}
}
