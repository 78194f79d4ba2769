package train

import (
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/airduel/internal/checkpoint"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/rollout"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Render plays one episode in the (single) training environment, with deterministic ego actions,
// and writes the environment's rendering of every frame to w. With self-play the opponents play
// the "latest" checkpoint of ModelDir (or SaveDir if not set).
//
// It stops at the end of the episode or after MaxEvalSteps, and returns the cumulative reward of
// the episode averaged over the ego agents.
func (r *Runner) Render(ctx context.Context, w io.Writer) (reward float32, err error) {
	if r.cfg.NumEnvs != 1 {
		return 0, errors.Wrapf(ErrInvalidConfig, "render requires exactly 1 environment, got %d", r.cfg.NumEnvs)
	}
	panicErr := exceptions.TryCatch[error](func() { reward, err = r.render(ctx, w) })
	if panicErr != nil {
		return 0, errors.WithMessage(panicErr, "render failed")
	}
	return
}

func (r *Runner) render(ctx context.Context, w io.Writer) (float32, error) {
	if r.cfg.SelfPlay {
		store := r.store
		if r.cfg.ModelDir != "" {
			store = checkpoint.OpenStore(r.cfg.ModelDir)
		}
		latest := func(count int) ([]pool.ID, error) { return []pool.ID{pool.Latest}, nil }
		if err := r.roster.Refresh(latest, store, 1, r.state.Opponents); err != nil {
			return 0, err
		}
	}
	numAgents, numEgo := r.env.NumAgents(), r.cfg.EgoAgents
	obs, err := r.env.Reset()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to reset environment")
	}
	if err = r.env.Render(w); err != nil {
		return 0, errors.WithMessage(err, "failed to render")
	}
	layers, hidden := r.policy.RecurrentDims()
	rnn := tensor.Zeros(1, numEgo, layers, hidden)
	masks := tensor.Ones(1, numEgo, 1)
	var total float32
	for step := 0; r.cfg.MaxEvalSteps <= 0 || step < r.cfg.MaxEvalSteps; step++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		egoObs := obs.SliceAxis1(0, numEgo)
		actions, newRNN := r.policy.Act(egoObs.Flatten2(), rnn.Flatten2(), masks.Flatten2(), true)
		rnn = newRNN.Unflatten2(1)
		actions = actions.Unflatten2(1)
		if r.cfg.SelfPlay {
			r.state.Opponents.Obs.CopyFrom(obs.SliceAxis1(numEgo, numAgents))
			actions = tensor.ConcatAxis1(actions, r.roster.Act(r.state.Opponents, true))
		}
		result, err := r.env.Step(actions)
		if err != nil {
			return 0, errors.WithMessage(err, "failed to step environment")
		}
		total += result.Rewards.SliceAxis1(0, numEgo).Sum()
		if rollout.DoneEnvs(result.Dones, 1, numAgents)[0] {
			// The environment was already reset for the next episode: nothing left to render.
			klog.V(1).Infof("Rendered episode finished after %d steps", step+1)
			break
		}
		if err = r.env.Render(w); err != nil {
			return 0, errors.WithMessage(err, "failed to render")
		}
		obs = result.Obs
	}
	return total / float32(numEgo), nil
}

// NewRunDir creates and returns the directory of a new run: base/envName/algorithm/experiment/runN,
// with N one more than the largest existing run (starting at 1).
func NewRunDir(base, envName, algorithm, experiment string) (string, error) {
	parent := path.Join(base, envName, algorithm, experiment)
	entries, err := os.ReadDir(parent)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to list runs in %s", parent)
	}
	last := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "run"))
		if err != nil {
			continue
		}
		last = max(last, n)
	}
	dir := path.Join(parent, "run"+strconv.Itoa(last+1))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create run directory %s", dir)
	}
	return dir, nil
}
