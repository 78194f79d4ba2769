package envs

import (
	"fmt"
	"io"
	"slices"

	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Parallel implements VectorEnv over independent Env instances, stepping them concurrently.
//
// An environment whose agents are all done is reset automatically within the same Step, and the
// observation returned for it is the first of the new episode.
type Parallel struct {
	envs        []Env
	parallelism int

	numAgents        int
	obsDims, actDims []int
}

var _ VectorEnv = (*Parallel)(nil)

// NewParallel creates a VectorEnv from the given instances, which must all have the same shapes.
// Parallelism is the max number of goroutines used; if <= 0, one per instance.
func NewParallel(instances []Env, parallelism int) (*Parallel, error) {
	if len(instances) == 0 {
		return nil, errors.New("no environment instances given")
	}
	first := instances[0]
	for ii, env := range instances[1:] {
		if env.NumAgents() != first.NumAgents() || !slices.Equal(env.ObsDims(), first.ObsDims()) ||
			!slices.Equal(env.ActDims(), first.ActDims()) {
			return nil, errors.Errorf("environment #%d shapes differ from environment #0", ii+1)
		}
	}
	if parallelism <= 0 {
		parallelism = len(instances)
	}
	return &Parallel{
		envs:        instances,
		parallelism: parallelism,
		numAgents:   first.NumAgents(),
		obsDims:     first.ObsDims(),
		actDims:     first.ActDims(),
	}, nil
}

// NumEnvs implements VectorEnv.
func (p *Parallel) NumEnvs() int { return len(p.envs) }

// NumAgents implements VectorEnv.
func (p *Parallel) NumAgents() int { return p.numAgents }

// ObsDims implements VectorEnv.
func (p *Parallel) ObsDims() []int { return p.obsDims }

// ActDims implements VectorEnv.
func (p *Parallel) ActDims() []int { return p.actDims }

func (p *Parallel) newObs() *tensor.Tensor {
	return tensor.Zeros(append([]int{len(p.envs), p.numAgents}, p.obsDims...)...)
}

// forEach runs fn for every environment, using up to p.parallelism goroutines.
// Each call only writes to the rows of its own environment.
func (p *Parallel) forEach(fn func(idx int, env Env) error) error {
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for idx, env := range p.envs {
		g.Go(func() error {
			return fn(idx, env)
		})
	}
	return g.Wait()
}

// Reset implements VectorEnv.
func (p *Parallel) Reset() (*tensor.Tensor, error) {
	obs := p.newObs()
	err := p.forEach(func(idx int, env Env) error {
		envObs, err := env.Reset()
		if err != nil {
			return errors.WithMessagef(err, "failed to reset environment #%d", idx)
		}
		copy(obs.Row(idx), envObs.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obs, nil
}

// Step implements VectorEnv.
func (p *Parallel) Step(actions *tensor.Tensor) (StepResult, error) {
	actions.AssertDims(append([]int{len(p.envs), p.numAgents}, p.actDims...)...)
	result := StepResult{
		Obs:     p.newObs(),
		Rewards: tensor.Zeros(len(p.envs), p.numAgents, 1),
		Dones:   tensor.Zeros(len(p.envs), p.numAgents, 1),
		Infos:   make([]Info, len(p.envs)),
	}
	envActionDims := append([]int{p.numAgents}, p.actDims...)
	err := p.forEach(func(idx int, env Env) error {
		envActions := tensor.FromFlat(slices.Clone(actions.Row(idx)), envActionDims...)
		obs, rewards, dones, info, err := env.Step(envActions)
		if err != nil {
			return errors.WithMessagef(err, "failed to step environment #%d", idx)
		}
		if len(rewards) != p.numAgents || len(dones) != p.numAgents {
			return errors.Errorf("environment #%d returned %d rewards and %d dones for %d agents",
				idx, len(rewards), len(dones), p.numAgents)
		}
		copy(result.Rewards.Row(idx), rewards)
		allDone := true
		for agent, done := range dones {
			if done {
				result.Dones.Row(idx)[agent] = 1
			} else {
				allDone = false
			}
		}
		if allDone {
			obs, err = env.Reset()
			if err != nil {
				return errors.WithMessagef(err, "failed to reset environment #%d", idx)
			}
			klog.V(2).Infof("Environment #%d episode finished, reset", idx)
		}
		copy(result.Obs.Row(idx), obs.Data)
		result.Infos[idx] = info
		return nil
	})
	if err != nil {
		return StepResult{}, err
	}
	return result, nil
}

// Render implements VectorEnv: it renders every environment, one after the other.
func (p *Parallel) Render(w io.Writer) error {
	for idx, env := range p.envs {
		if len(p.envs) > 1 {
			if _, err := fmt.Fprintf(w, "// env %d\n", idx); err != nil {
				return errors.Wrap(err, "failed to render")
			}
		}
		if err := env.Render(w); err != nil {
			return errors.WithMessagef(err, "failed to render environment #%d", idx)
		}
	}
	return nil
}

// Close implements VectorEnv.
func (p *Parallel) Close() error {
	for idx, env := range p.envs {
		if closer, ok := env.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				return errors.Wrapf(err, "failed to close environment #%d", idx)
			}
		}
	}
	return nil
}
