// Package roster manages the opponents of a self-play run: a fixed number of policy instances,
// each loaded from a checkpoint of the pool and each assigned a contiguous chunk of the
// environments.
package roster

import (
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrTooManyOpponents is returned if the number of opponents is larger than the number of
// environments (or not positive): every opponent must be assigned at least one environment.
var ErrTooManyOpponents = errors.New("invalid number of opponents")

// Partition splits the environment indices [0, numEnvs) into k contiguous chunks that cover it
// exactly once. The first numEnvs % k chunks get one extra environment.
func Partition(numEnvs, k int) [][]int {
	chunks := make([][]int, k)
	base, extra := numEnvs/k, numEnvs%k
	start := 0
	for ii := range chunks {
		size := base
		if ii < extra {
			size++
		}
		chunks[ii] = make([]int, size)
		for jj := range size {
			chunks[ii][jj] = start + jj
		}
		start += size
	}
	return chunks
}

// Loader loads the actor parameters of a checkpoint into a policy.
type Loader interface {
	LoadActor(id pool.ID, p policy.Policy) error
}

// Side holds the opponent side of the batch: observations, recurrent states and masks for the
// opponent agents of every environment, shaped [num_envs, opponent_agents, ...].
type Side struct {
	Obs, RNN, Masks *tensor.Tensor
}

// NewSide creates the opponent buffers: observations and recurrent states are zero, masks one.
func NewSide(numEnvs, numAgents int, obsDims []int, layers, hidden int) *Side {
	s := &Side{
		Obs:   tensor.Zeros(append([]int{numEnvs, numAgents}, obsDims...)...),
		RNN:   tensor.Zeros(numEnvs, numAgents, layers, hidden),
		Masks: tensor.Ones(numEnvs, numAgents, 1),
	}
	return s
}

// Reset zeroes observations and recurrent states and sets masks to one.
func (s *Side) Reset() {
	s.Obs.Fill(0)
	s.RNN.Fill(0)
	s.Masks.Fill(1)
}

// ZeroDone zeroes the recurrent states and masks of the environments where done is true.
func (s *Side) ZeroDone(done []bool) {
	s.RNN.ZeroRows(done)
	s.Masks.ZeroRows(done)
}

// Roster of opponents.
type Roster struct {
	factory   policy.Factory
	numEnvs   int
	opponents []policy.Policy
	loaded    []pool.ID
	partition [][]int
}

func validateCount(count, numEnvs int) error {
	if count <= 0 || count > numEnvs {
		return errors.Wrapf(ErrTooManyOpponents, "%d opponents for %d environments", count, numEnvs)
	}
	return nil
}

// New creates a roster of count opponents, created with factory, over numEnvs environments.
// Opponents are not loaded until Refresh is called.
func New(factory policy.Factory, count, numEnvs int) (*Roster, error) {
	if err := validateCount(count, numEnvs); err != nil {
		return nil, err
	}
	r := &Roster{factory: factory, numEnvs: numEnvs}
	if err := r.resize(count); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Roster) resize(count int) error {
	for len(r.opponents) < count {
		opponent, err := r.factory()
		if err != nil {
			return errors.WithMessagef(err, "failed to create opponent #%d", len(r.opponents))
		}
		r.opponents = append(r.opponents, opponent)
	}
	r.opponents = r.opponents[:count]
	r.loaded = make([]pool.ID, count)
	r.partition = Partition(r.numEnvs, count)
	return nil
}

// Size is the number of opponents.
func (r *Roster) Size() int { return len(r.opponents) }

// Opponent returns the i-th opponent policy.
func (r *Roster) Opponent(i int) policy.Policy { return r.opponents[i] }

// Loaded returns the checkpoint ids loaded in each opponent. Empty if not loaded yet.
func (r *Roster) Loaded() []pool.ID { return r.loaded }

// Partition returns the environment indices of each opponent.
func (r *Roster) Partition() [][]int { return r.partition }

// Sampler returns count checkpoint ids, one per opponent, e.g. Pool.SampleN for a refresh policy.
type Sampler func(count int) ([]pool.ID, error)

// Refresh samples count checkpoint ids, loads each into its own opponent instance, recomputes the
// partition and resets the opponent side buffers.
func (r *Roster) Refresh(sample Sampler, loader Loader, count int, side *Side) error {
	if count != len(r.opponents) {
		if err := validateCount(count, r.numEnvs); err != nil {
			return err
		}
		if err := r.resize(count); err != nil {
			return err
		}
	}
	ids, err := sample(count)
	if err != nil {
		return errors.WithMessagef(err, "failed to sample %d opponents", count)
	}
	if len(ids) != count {
		return errors.Errorf("sampled %d opponents, wanted %d", len(ids), count)
	}
	for ii, opponent := range r.opponents {
		id := ids[ii]
		if err := loader.LoadActor(id, opponent); err != nil {
			return errors.WithMessagef(err, "failed to load opponent #%d", ii)
		}
		r.loaded[ii] = id
	}
	r.partition = Partition(r.numEnvs, len(r.opponents))
	side.Reset()
	klog.V(1).Infof("Opponents refreshed: %q", r.loaded)
	return nil
}

// Act computes the actions of the opponent side, shaped [num_envs, opponent_agents, *ActDims].
// Each opponent only sees the environments of its partition, and its outputs (actions and new
// recurrent states) are written back only to those environments.
func (r *Roster) Act(side *Side, deterministic bool) *tensor.Tensor {
	numAgents := side.Obs.Dim(1)
	actDims := r.opponents[0].ActDims()
	actions := tensor.Zeros(append([]int{r.numEnvs, numAgents}, actDims...)...)
	for ii, opponent := range r.opponents {
		rows := r.partition[ii]
		n := len(rows)
		obs := side.Obs.Gather(rows).Flatten2()
		rnn := side.RNN.Gather(rows).Flatten2()
		masks := side.Masks.Gather(rows).Flatten2()
		chunkActions, chunkRNN := opponent.Act(obs, rnn, masks, deterministic)
		actions.Scatter(rows, chunkActions.Unflatten2(n))
		side.RNN.Scatter(rows, chunkRNN.Unflatten2(n))
	}
	return actions
}
