// Package policytest implements a scripted deterministic policy and a counting trainer, to test
// the orchestration code without a learning model.
package policytest

import (
	"fmt"
	"io"

	"github.com/janpfeifer/airduel/internal/buffer"
	"github.com/janpfeifer/airduel/internal/checkpoint"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/tensor"
)

// Scripted is a deterministic policy: every action element is obs[b, 0] + Offset, the value is
// obs[b, 0] and the new recurrent state is rnn*mask + 1, so tests can tell how many steps
// passed since the last reset of the state.
//
// Only Offset is saved in the actor checkpoint, so loading a checkpoint identifies which
// policy was loaded.
type Scripted struct {
	Offset         float32
	Layers, Hidden int

	actDims []int

	// Calls to Act and GetActions, and batch sizes seen.
	ActCalls, GetActionsCalls int
	BatchSizes                []int
}

var _ policy.Policy = (*Scripted)(nil)

// New creates a Scripted policy with the given offset and action size.
func New(offset float32, actDim int) *Scripted {
	return &Scripted{Offset: offset, Layers: 1, Hidden: 2, actDims: []int{actDim}}
}

// Factory returns a policy.Factory of Scripted policies.
func Factory(actDim int) policy.Factory {
	return func() (policy.Policy, error) { return New(0, actDim), nil }
}

func (s *Scripted) actions(obs *tensor.Tensor) *tensor.Tensor {
	batchSize := obs.Dim(0)
	actions := tensor.Zeros(append([]int{batchSize}, s.actDims...)...)
	for b := range batchSize {
		for ii := range actions.Row(b) {
			actions.Row(b)[ii] = obs.Row(b)[0] + s.Offset
		}
	}
	return actions
}

func nextRNN(rnn, masks *tensor.Tensor) *tensor.Tensor {
	next := rnn.Clone()
	for b := range next.Dim(0) {
		mask := masks.Row(b)[0]
		row := next.Row(b)
		for ii := range row {
			row[ii] = row[ii]*mask + 1
		}
	}
	return next
}

// GetActions implements policy.Policy.
func (s *Scripted) GetActions(obs, rnnActor, rnnCritic, masks *tensor.Tensor) policy.Output {
	s.GetActionsCalls++
	s.BatchSizes = append(s.BatchSizes, obs.Dim(0))
	batchSize := obs.Dim(0)
	values := tensor.Zeros(batchSize, 1)
	logProbs := tensor.Zeros(batchSize, 1)
	for b := range batchSize {
		values.Data[b] = obs.Row(b)[0]
		logProbs.Data[b] = -1
	}
	return policy.Output{
		Values:    values,
		Actions:   s.actions(obs),
		LogProbs:  logProbs,
		RNNActor:  nextRNN(rnnActor, masks),
		RNNCritic: nextRNN(rnnCritic, masks),
	}
}

// Act implements policy.Policy.
func (s *Scripted) Act(obs, rnnActor, masks *tensor.Tensor, deterministic bool) (actions, newRNNActor *tensor.Tensor) {
	s.ActCalls++
	s.BatchSizes = append(s.BatchSizes, obs.Dim(0))
	return s.actions(obs), nextRNN(rnnActor, masks)
}

// RecurrentDims implements policy.Policy.
func (s *Scripted) RecurrentDims() (layers, hidden int) { return s.Layers, s.Hidden }

// ActDims implements policy.Policy.
func (s *Scripted) ActDims() []int { return s.actDims }

// SaveActor implements policy.Policy.
func (s *Scripted) SaveActor(w io.Writer) error {
	return checkpoint.EncodeParams(w, []checkpoint.Param{{Name: "offset", Dims: []int{1}, Data: []float32{s.Offset}}})
}

// SaveCritic implements policy.Policy.
func (s *Scripted) SaveCritic(w io.Writer) error {
	return checkpoint.EncodeParams(w, []checkpoint.Param{{Name: "critic", Dims: []int{1}, Data: []float32{0}}})
}

// LoadActor implements policy.Policy.
func (s *Scripted) LoadActor(r io.Reader) error {
	params, err := checkpoint.DecodeParams(r)
	if err != nil {
		return err
	}
	offset, err := checkpoint.FindParam(params, "offset", 1)
	if err != nil {
		return err
	}
	s.Offset = offset[0]
	return nil
}

// LoadCritic implements policy.Policy.
func (s *Scripted) LoadCritic(r io.Reader) error {
	params, err := checkpoint.DecodeParams(r)
	if err != nil {
		return err
	}
	_, err = checkpoint.FindParam(params, "critic", 1)
	return err
}

// String implements policy.Policy.
func (s *Scripted) String() string { return fmt.Sprintf("scripted(offset=%g)", s.Offset) }

// Trainer counts the calls, and on every Update increments the Offset of the policy, so
// checkpoints of different iterations are distinguishable.
type Trainer struct {
	Policy                    *Scripted
	ComputeCalls, UpdateCalls int
	Writes                    []int
}

var _ policy.Trainer = (*Trainer)(nil)

// Compute implements policy.Trainer.
func (t *Trainer) Compute(buf *buffer.ReplayBuffer) {
	t.ComputeCalls++
	t.Writes = append(t.Writes, buf.Writes())
}

// Update implements policy.Trainer.
func (t *Trainer) Update(buf *buffer.ReplayBuffer) (policy.Metrics, error) {
	t.UpdateCalls++
	if t.Policy != nil {
		t.Policy.Offset++
	}
	return policy.Metrics{"updates": float32(t.UpdateCalls)}, nil
}
