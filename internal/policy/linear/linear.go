// Package linear implements a pure Go recurrent actor-critic policy, that can be used to train
// without any accelerator: it defines its own gradient, and is trained with a simple SGD.
//
// Each of the actor and the critic has a single tanh recurrent cell:
//
//	h' = tanh(Wx * obs + Wh * (h * mask) + b)
//
// followed by a linear head: a Gaussian mean (with a learned log standard deviation per action
// dimension) for the actor, and a scalar value for the critic. Only the heads are trained; the
// recurrent cells are random features fixed at creation (and saved with the checkpoints).
package linear

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/airduel/internal/checkpoint"
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
)

func init() {
	policy.RegisterModule("linear", module{})
}

type module struct{}

// NewPolicy implements policy.Module. Parameters:
//
//   - hidden: size of the recurrent state. Default 32.
//   - seed: for the parameters initialization and action sampling. Default 1.
//   - init_std: initial standard deviation of the actions. Default 0.5.
func (module) NewPolicy(spec policy.Spec, params parameters.Params) (policy.Policy, error) {
	hidden, err := parameters.PopParamOr(params, "hidden", 32)
	if err != nil {
		return nil, err
	}
	seed, err := parameters.PopParamOr(params, "seed", int64(1))
	if err != nil {
		return nil, err
	}
	initStd, err := parameters.PopParamOr(params, "init_std", float32(0.5))
	if err != nil {
		return nil, err
	}
	if hidden <= 0 || initStd <= 0 {
		return nil, errors.Errorf("invalid linear policy parameters hidden=%d, init_std=%g", hidden, initStd)
	}
	return New(spec, hidden, uint64(seed), initStd), nil
}

// NewTrainer implements policy.Module.
func (module) NewTrainer(p policy.Policy, params parameters.Params) (policy.Trainer, error) {
	lp, ok := p.(*Policy)
	if !ok {
		return nil, errors.Errorf("linear trainer requires a linear policy, got %s", p)
	}
	return NewTrainerFromParams(lp, params)
}

// Indices of the actor and critic parameters.
const (
	cellWx = iota
	cellWh
	cellB
	headW
	headB
	actorLogStd
)

// Policy implements policy.Policy.
type Policy struct {
	obsSize, actSize, hidden int
	actDims                  []int

	// actor: Wx, Wh, b, head W, head b, logStd.
	// critic: Wx, Wh, b, head W, head b.
	actor, critic []checkpoint.Param

	rng *rand.Rand
}

var _ policy.Policy = (*Policy)(nil)

func product(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// New creates a Policy with randomly initialized parameters.
func New(spec policy.Spec, hidden int, seed uint64, initStd float32) *Policy {
	p := &Policy{
		obsSize: product(spec.ObsDims),
		actSize: product(spec.ActDims),
		hidden:  hidden,
		actDims: spec.ActDims,
		rng:     rand.New(rand.NewPCG(seed, 0x5eed)),
	}
	random := func(name string, scale float32, dims ...int) checkpoint.Param {
		data := make([]float32, product(dims))
		for ii := range data {
			data[ii] = float32(p.rng.NormFloat64()) * scale
		}
		return checkpoint.Param{Name: name, Dims: dims, Data: data}
	}
	zeros := func(name string, dims ...int) checkpoint.Param {
		return checkpoint.Param{Name: name, Dims: dims, Data: make([]float32, product(dims))}
	}
	inScale := 1 / math32.Sqrt(float32(p.obsSize))
	recScale := 0.5 / math32.Sqrt(float32(hidden))
	p.actor = []checkpoint.Param{
		random("actor/wx", inScale, hidden, p.obsSize),
		random("actor/wh", recScale, hidden, hidden),
		zeros("actor/b", hidden),
		random("actor/head_w", 0.01, p.actSize, hidden),
		zeros("actor/head_b", p.actSize),
		zeros("actor/log_std", p.actSize),
	}
	logStd := math32.Log(initStd)
	for ii := range p.actor[actorLogStd].Data {
		p.actor[actorLogStd].Data[ii] = logStd
	}
	p.critic = []checkpoint.Param{
		random("critic/wx", inScale, hidden, p.obsSize),
		random("critic/wh", recScale, hidden, hidden),
		zeros("critic/b", hidden),
		random("critic/head_w", 0.01, 1, hidden),
		zeros("critic/head_b", 1),
	}
	return p
}

// String implements policy.Policy.
func (p *Policy) String() string {
	return fmt.Sprintf("linear(obs=%d, act=%d, hidden=%d)", p.obsSize, p.actSize, p.hidden)
}

// RecurrentDims implements policy.Policy.
func (p *Policy) RecurrentDims() (layers, hidden int) { return 1, p.hidden }

// ActDims implements policy.Policy.
func (p *Policy) ActDims() []int { return p.actDims }

// cell computes the recurrent cell into out.
func (p *Policy) cell(params []checkpoint.Param, x, h []float32, mask float32, out []float32) {
	wx, wh, b := params[cellWx].Data, params[cellWh].Data, params[cellB].Data
	for i := range p.hidden {
		sum := b[i]
		for j, xj := range wx[i*p.obsSize : (i+1)*p.obsSize] {
			sum += xj * x[j]
		}
		if mask != 0 {
			for j, hj := range wh[i*p.hidden : (i+1)*p.hidden] {
				sum += hj * h[j] * mask
			}
		}
		out[i] = math32.Tanh(sum)
	}
}

// head computes the linear head W*f + b into out.
func head(params []checkpoint.Param, f []float32, out []float32) {
	w, b := params[headW].Data, params[headB].Data
	for i := range out {
		sum := b[i]
		for j, wj := range w[i*len(f) : (i+1)*len(f)] {
			sum += wj * f[j]
		}
		out[i] = sum
	}
}

var halfLog2Pi = float32(0.5 * math.Log(2*math.Pi))

// logProb of action under the Gaussian with the given mean and the actor's logStd.
func (p *Policy) logProb(action, mean []float32) float32 {
	logStd := p.actor[actorLogStd].Data
	var lp float32
	for j, a := range action {
		std := math32.Exp(logStd[j])
		z := (a - mean[j]) / std
		lp += -0.5*z*z - logStd[j] - halfLog2Pi
	}
	return lp
}

func (p *Policy) checkInputs(obs, rnn, masks *tensor.Tensor) int {
	batchSize := obs.Dim(0)
	obs.Reshape(batchSize, p.obsSize)
	rnn.AssertDims(batchSize, 1, p.hidden)
	masks.AssertDims(batchSize, 1)
	return batchSize
}

// actorStep runs the actor for one batch element, writing into newH and mean.
func (p *Policy) actorStep(obs, h []float32, mask float32, newH, mean []float32) {
	p.cell(p.actor, obs, h, mask, newH)
	head(p.actor, newH, mean)
}

// criticStep runs the critic for one batch element, writing into newH and returning the value.
func (p *Policy) criticStep(obs, h []float32, mask float32, newH []float32) float32 {
	p.cell(p.critic, obs, h, mask, newH)
	var value [1]float32
	head(p.critic, newH, value[:])
	return value[0]
}

func (p *Policy) sample(mean, action []float32) {
	logStd := p.actor[actorLogStd].Data
	for j := range action {
		action[j] = mean[j] + math32.Exp(logStd[j])*float32(p.rng.NormFloat64())
	}
}

// Act implements policy.Policy.
func (p *Policy) Act(obs, rnnActor, masks *tensor.Tensor, deterministic bool) (actions, newRNNActor *tensor.Tensor) {
	batchSize := p.checkInputs(obs, rnnActor, masks)
	actions = tensor.Zeros(append([]int{batchSize}, p.actDims...)...)
	newRNNActor = tensor.Zeros(batchSize, 1, p.hidden)
	mean := make([]float32, p.actSize)
	for b := range batchSize {
		p.actorStep(obs.Row(b), rnnActor.Row(b), masks.Data[b], newRNNActor.Row(b), mean)
		if deterministic {
			copy(actions.Row(b), mean)
		} else {
			p.sample(mean, actions.Row(b))
		}
	}
	return
}

// GetActions implements policy.Policy.
func (p *Policy) GetActions(obs, rnnActor, rnnCritic, masks *tensor.Tensor) policy.Output {
	batchSize := p.checkInputs(obs, rnnActor, masks)
	rnnCritic.AssertDims(batchSize, 1, p.hidden)
	out := policy.Output{
		Values:    tensor.Zeros(batchSize, 1),
		Actions:   tensor.Zeros(append([]int{batchSize}, p.actDims...)...),
		LogProbs:  tensor.Zeros(batchSize, 1),
		RNNActor:  tensor.Zeros(batchSize, 1, p.hidden),
		RNNCritic: tensor.Zeros(batchSize, 1, p.hidden),
	}
	mean := make([]float32, p.actSize)
	for b := range batchSize {
		mask := masks.Data[b]
		p.actorStep(obs.Row(b), rnnActor.Row(b), mask, out.RNNActor.Row(b), mean)
		action := out.Actions.Row(b)
		p.sample(mean, action)
		out.LogProbs.Data[b] = p.logProb(action, mean)
		out.Values.Data[b] = p.criticStep(obs.Row(b), rnnCritic.Row(b), mask, out.RNNCritic.Row(b))
	}
	return out
}

func (p *Policy) load(r io.Reader, params []checkpoint.Param) error {
	loaded, err := checkpoint.DecodeParams(r)
	if err != nil {
		return err
	}
	values := make([][]float32, len(params))
	for ii, param := range params {
		values[ii], err = checkpoint.FindParam(loaded, param.Name, len(param.Data))
		if err != nil {
			return errors.WithMessagef(err, "checkpoint incompatible with %s", p)
		}
	}
	for ii := range params {
		copy(params[ii].Data, values[ii])
	}
	return nil
}

// SaveActor implements policy.Policy.
func (p *Policy) SaveActor(w io.Writer) error { return checkpoint.EncodeParams(w, p.actor) }

// SaveCritic implements policy.Policy.
func (p *Policy) SaveCritic(w io.Writer) error { return checkpoint.EncodeParams(w, p.critic) }

// LoadActor implements policy.Policy.
func (p *Policy) LoadActor(r io.Reader) error { return p.load(r, p.actor) }

// LoadCritic implements policy.Policy.
func (p *Policy) LoadCritic(r io.Reader) error { return p.load(r, p.critic) }
