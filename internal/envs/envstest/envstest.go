// Package envstest implements a scripted deterministic envs.VectorEnv for tests.
package envstest

import (
	"fmt"
	"io"

	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/tensor"
)

// Scripted is a VectorEnv where:
//
//   - observations are obs[env, agent, 0] = env*1000 + agent*100 + steps since the episode
//     started, and 0 for the other features;
//   - every agent gets Reward per step;
//   - an environment ends its episode (all its agents done) when its step count reaches
//     DoneAt[env] or EpisodeLength, and it is reset automatically.
type Scripted struct {
	numEnvs, numAgents, obsDim, actDim int

	// DoneAt maps an environment index to the step count (1-based, since the episode started)
	// at which it reports done.
	DoneAt map[int]int

	// EpisodeLength, if > 0, makes every environment done every EpisodeLength steps.
	EpisodeLength int

	// Reward given to every agent at every step.
	Reward float32

	// HeadingTurns reported in the info of every step, if > 0.
	HeadingTurns float32

	steps []int

	// Resets counts calls to Reset, Steps calls to Step.
	Resets, Steps int

	// Actions received in every step.
	Actions []*tensor.Tensor
}

var _ envs.VectorEnv = (*Scripted)(nil)

// New creates a Scripted environment.
func New(numEnvs, numAgents, obsDim, actDim int) *Scripted {
	return &Scripted{
		numEnvs:   numEnvs,
		numAgents: numAgents,
		obsDim:    obsDim,
		actDim:    actDim,
		DoneAt:    make(map[int]int),
		Reward:    1,
		steps:     make([]int, numEnvs),
	}
}

// NumEnvs implements envs.VectorEnv.
func (s *Scripted) NumEnvs() int { return s.numEnvs }

// NumAgents implements envs.VectorEnv.
func (s *Scripted) NumAgents() int { return s.numAgents }

// ObsDims implements envs.VectorEnv.
func (s *Scripted) ObsDims() []int { return []int{s.obsDim} }

// ActDims implements envs.VectorEnv.
func (s *Scripted) ActDims() []int { return []int{s.actDim} }

// ObsValue is the value of the first observation feature of the given env, agent and step.
func ObsValue(env, agent, step int) float32 {
	return float32(env*1000 + agent*100 + step)
}

func (s *Scripted) observe() *tensor.Tensor {
	obs := tensor.Zeros(s.numEnvs, s.numAgents, s.obsDim)
	for env := range s.numEnvs {
		row := obs.Row(env)
		for agent := range s.numAgents {
			row[agent*s.obsDim] = ObsValue(env, agent, s.steps[env])
		}
	}
	return obs
}

// Reset implements envs.VectorEnv.
func (s *Scripted) Reset() (*tensor.Tensor, error) {
	s.Resets++
	clear(s.steps)
	return s.observe(), nil
}

// Step implements envs.VectorEnv.
func (s *Scripted) Step(actions *tensor.Tensor) (envs.StepResult, error) {
	actions.AssertDims(s.numEnvs, s.numAgents, s.actDim)
	s.Steps++
	s.Actions = append(s.Actions, actions.Clone())
	result := envs.StepResult{
		Rewards: tensor.Zeros(s.numEnvs, s.numAgents, 1),
		Dones:   tensor.Zeros(s.numEnvs, s.numAgents, 1),
		Infos:   make([]envs.Info, s.numEnvs),
	}
	result.Rewards.Fill(s.Reward)
	for env := range s.numEnvs {
		s.steps[env]++
		done := s.DoneAt[env] == s.steps[env] || (s.EpisodeLength > 0 && s.steps[env]%s.EpisodeLength == 0)
		if done {
			for agent := range s.numAgents {
				result.Dones.Row(env)[agent] = 1
			}
			s.steps[env] = 0
		}
		result.Infos[env] = envs.Info{}
		if s.HeadingTurns > 0 {
			result.Infos[env][envs.InfoHeadingTurnCounts] = s.HeadingTurns
		}
	}
	result.Obs = s.observe()
	return result, nil
}

// Render implements envs.VectorEnv.
func (s *Scripted) Render(w io.Writer) error {
	_, err := fmt.Fprintf(w, "steps=%v\n", s.steps)
	return err
}

// Close implements envs.VectorEnv.
func (s *Scripted) Close() error { return nil }
