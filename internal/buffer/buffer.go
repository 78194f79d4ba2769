// Package buffer implements the fixed capacity replay buffer (an arena of preallocated tensors)
// that holds one training iteration worth of ego trajectories.
//
// Layout, with H the horizon: every field has H+1 slots indexed by time. Slot 0 of Obs, RNNActor,
// RNNCritic and Masks holds the state from which the first step of the iteration is taken, and an
// insert at cursor t writes those fields at slot t+1. Actions, Rewards, LogProbs and Values are
// written at slot t. Values[H] and Returns[H] are reserved for the bootstrap value computed by
// the trainer.
package buffer

import (
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/airduel/internal/tensor"
)

// ReplayBuffer owns horizon+1 preallocated slots per field. It is not safe for concurrent use:
// only the rollout collector and the trainer, alternating, touch it.
type ReplayBuffer struct {
	horizon, numEnvs, numAgents int
	obsDims, actDims, rnnDims   []int

	// step is the cursor, always in [0, horizon].
	step int

	// writes since the last Clear.
	writes int

	Obs, RNNActor, RNNCritic, Masks    []*tensor.Tensor
	Actions, Rewards, LogProbs, Values []*tensor.Tensor
	Returns, Advantages                []*tensor.Tensor
}

// New allocates a ReplayBuffer for numEnvs x numAgents (the ego agents), with observation of
// shape obsDims, actions of shape actDims and recurrent states of shape rnnDims (layers, hidden),
// all per agent. Masks start as 1, everything else as 0.
func New(horizon, numEnvs, numAgents int, obsDims, actDims, rnnDims []int) *ReplayBuffer {
	if horizon <= 0 || numEnvs <= 0 || numAgents <= 0 {
		exceptions.Panicf("buffer: invalid horizon=%d, numEnvs=%d, numAgents=%d", horizon, numEnvs, numAgents)
	}
	b := &ReplayBuffer{
		horizon:   horizon,
		numEnvs:   numEnvs,
		numAgents: numAgents,
		obsDims:   obsDims,
		actDims:   actDims,
		rnnDims:   rnnDims,
	}
	alloc := func(feature []int) []*tensor.Tensor {
		dims := append([]int{numEnvs, numAgents}, feature...)
		slots := make([]*tensor.Tensor, horizon+1)
		for ii := range slots {
			slots[ii] = tensor.Zeros(dims...)
		}
		return slots
	}
	b.Obs = alloc(obsDims)
	b.RNNActor = alloc(rnnDims)
	b.RNNCritic = alloc(rnnDims)
	b.Masks = alloc([]int{1})
	for _, m := range b.Masks {
		m.Fill(1)
	}
	b.Actions = alloc(actDims)
	b.Rewards = alloc([]int{1})
	b.LogProbs = alloc([]int{1})
	b.Values = alloc([]int{1})
	b.Returns = alloc([]int{1})
	b.Advantages = alloc([]int{1})
	return b
}

// Horizon is the number of inserts per iteration.
func (b *ReplayBuffer) Horizon() int { return b.horizon }

// NumEnvs is the leading dimension of all fields.
func (b *ReplayBuffer) NumEnvs() int { return b.numEnvs }

// NumAgents is the number of (ego) agents per environment.
func (b *ReplayBuffer) NumAgents() int { return b.numAgents }

// Step returns the current cursor.
func (b *ReplayBuffer) Step() int { return b.step }

// Writes returns the number of inserts since the last Clear.
func (b *ReplayBuffer) Writes() int { return b.writes }

// Insert one transition at the current cursor and advance it, modulo horizon+1.
// All tensors are copied, and must be shaped [numEnvs, numAgents, ...].
func (b *ReplayBuffer) Insert(obs, actions, rewards, masks, logProbs, values, rnnActor, rnnCritic *tensor.Tensor) {
	next := (b.step + 1) % (b.horizon + 1)
	b.Obs[next].CopyFrom(obs)
	b.RNNActor[next].CopyFrom(rnnActor)
	b.RNNCritic[next].CopyFrom(rnnCritic)
	b.Masks[next].CopyFrom(masks)
	b.Actions[b.step].CopyFrom(actions)
	b.Rewards[b.step].CopyFrom(rewards)
	b.LogProbs[b.step].CopyFrom(logProbs)
	b.Values[b.step].CopyFrom(values)
	b.step = next
	b.writes++
}

// Clear resets the cursor to 0. Contents are not zeroed.
func (b *ReplayBuffer) Clear() {
	b.step = 0
	b.writes = 0
}

// AfterUpdate carries the last written observation, recurrent states and masks over to slot 0,
// so the next iteration continues from where the environments are, and then clears the cursor.
func (b *ReplayBuffer) AfterUpdate() {
	last := b.step
	if last != 0 {
		b.Obs[0].CopyFrom(b.Obs[last])
		b.RNNActor[0].CopyFrom(b.RNNActor[last])
		b.RNNCritic[0].CopyFrom(b.RNNCritic[last])
		b.Masks[0].CopyFrom(b.Masks[last])
	}
	b.Clear()
}

// SetInitial seeds slot 0 after an environment reset: obs is copied, recurrent states are zeroed
// and masks set to 1.
func (b *ReplayBuffer) SetInitial(obs *tensor.Tensor) {
	b.Obs[0].CopyFrom(obs)
	b.RNNActor[0].Fill(0)
	b.RNNCritic[0].Fill(0)
	b.Masks[0].Fill(1)
}

// AverageEpisodeRewards is the sum of the rewards written in this iteration divided by the number
// of episode ends (zero masks) observed. It's a cheap progress indicator, and returns the plain
// sum of rewards if no episode ended.
func (b *ReplayBuffer) AverageEpisodeRewards() float32 {
	var sum float32
	var ends int
	for t := range b.writes {
		sum += b.Rewards[t].Sum()
		for _, m := range b.Masks[t+1].Data {
			if m == 0 {
				ends++
			}
		}
	}
	if ends == 0 {
		return sum
	}
	return sum / float32(ends)
}
