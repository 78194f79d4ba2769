package linear

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/airduel/internal/buffer"
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSpec = policy.Spec{ObsDims: []int{3}, ActDims: []int{2}}

func randomTensor(rng *rand.Rand, dims ...int) *tensor.Tensor {
	t := tensor.Zeros(dims...)
	for ii := range t.Data {
		t.Data[ii] = float32(rng.NormFloat64())
	}
	return t
}

func TestAct(t *testing.T) {
	p := New(testSpec, 4, 7, 0.5)
	rng := rand.New(rand.NewPCG(42, 0)) // Ensure reproducibility
	obs := randomTensor(rng, 5, 3)
	rnn := randomTensor(rng, 5, 1, 4)

	// Deterministic actions are reproducible.
	actions1, rnn1 := p.Act(obs, rnn, tensor.Ones(5, 1), true)
	actions2, rnn2 := p.Act(obs, rnn, tensor.Ones(5, 1), true)
	assert.Equal(t, []int{5, 2}, actions1.Dims)
	assert.Equal(t, []int{5, 1, 4}, rnn1.Dims)
	assert.Equal(t, actions1.Data, actions2.Data)
	assert.Equal(t, rnn1.Data, rnn2.Data)

	// A zero mask is the same as a zero recurrent state.
	actionsMasked, rnnMasked := p.Act(obs, rnn, tensor.Zeros(5, 1), true)
	actionsZero, rnnZero := p.Act(obs, tensor.Zeros(5, 1, 4), tensor.Ones(5, 1), true)
	assert.Equal(t, actionsZero.Data, actionsMasked.Data)
	assert.Equal(t, rnnZero.Data, rnnMasked.Data)

	// Sampled actions differ from the mean, the recurrent state doesn't depend on the sampling.
	out := p.GetActions(obs, rnn, rnn.Clone(), tensor.Ones(5, 1))
	assert.Equal(t, []int{5, 1}, out.Values.Dims)
	assert.Equal(t, []int{5, 1}, out.LogProbs.Dims)
	assert.NotEqual(t, actions1.Data, out.Actions.Data)
	assert.Equal(t, rnn1.Data, out.RNNActor.Data)
}

func TestModule(t *testing.T) {
	p, err := policy.New("linear:hidden=8,seed=3", testSpec)
	require.NoError(t, err)
	layers, hidden := p.RecurrentDims()
	assert.Equal(t, 1, layers)
	assert.Equal(t, 8, hidden)

	_, err = policy.New("linear:hiden=8", testSpec)
	require.Error(t, err, "typo in parameter must be reported")

	trainer, err := policy.NewTrainer("linear", p, "lr=0.1,epochs=2")
	require.NoError(t, err)
	assert.Equal(t, float32(0.1), trainer.(*Trainer).LearningRate)
	assert.Equal(t, 2, trainer.(*Trainer).Epochs)

	_, err = NewTrainerFromParams(p.(*Policy), parameters.Params{"epochs": "0"})
	require.Error(t, err)
}

// fillBuffer with 3 steps, rewards 1, 2, 3 and the episode ending in the second step.
func fillBuffer(rng *rand.Rand, p *Policy) *buffer.ReplayBuffer {
	buf := buffer.New(3, 1, 1, []int{3}, []int{2}, []int{1, p.hidden})
	for step := range 3 {
		obs := randomTensor(rng, 1, 1, 3)
		rnn := tensor.Zeros(1, 1, 1, p.hidden)
		masks := tensor.Ones(1, 1, 1)
		if step == 1 {
			masks.Data[0] = 0
		}
		rewards := tensor.FromFlat([]float32{float32(step + 1)}, 1, 1, 1)
		out := p.GetActions(buf.Obs[step].Flatten2(), buf.RNNActor[step].Flatten2(),
			buf.RNNCritic[step].Flatten2(), buf.Masks[step].Flatten2())
		buf.Insert(obs, out.Actions.Unflatten2(1), rewards, masks, out.LogProbs.Unflatten2(1),
			tensor.Zeros(1, 1, 1), rnn, rnn)
	}
	return buf
}

func TestCompute(t *testing.T) {
	p := New(testSpec, 4, 7, 0.5)
	// Zero critic: all values are 0, so advantages are just discounted rewards.
	clear(p.critic[headW].Data)
	clear(p.critic[headB].Data)
	trainer := NewTrainer(p)
	trainer.Gamma = 0.5
	trainer.GAELambda = 1
	buf := fillBuffer(rand.New(rand.NewPCG(42, 0)), p)
	trainer.Compute(buf)

	var advantages []float32
	for step := range 3 {
		advantages = append(advantages, buf.Advantages[step].Data[0])
		assert.Equal(t, buf.Advantages[step].Data[0], buf.Returns[step].Data[0])
	}
	// Step 1 ends the episode, so step 0 only sees the reward of step 1.
	assert.InDeltaSlice(t, []float32{2, 2, 3}, advantages, 1e-5)
}

func TestUpdateReducesValueLoss(t *testing.T) {
	p := New(testSpec, 4, 7, 0.5)
	trainer := NewTrainer(p)
	trainer.LearningRate = 0
	trainer.CriticLearningRate = 0.05
	trainer.Epochs = 1
	buf := fillBuffer(rand.New(rand.NewPCG(42, 0)), p)
	trainer.Compute(buf)

	var losses []float32
	for range 30 {
		metrics, err := trainer.Update(buf)
		require.NoError(t, err)
		losses = append(losses, metrics["value_loss"])
	}
	fmt.Printf("value losses: %v\n", losses)
	assert.Less(t, losses[len(losses)-1], losses[0])

	// Actor didn't change.
	var before, after bytes.Buffer
	require.NoError(t, New(testSpec, 4, 7, 0.5).SaveActor(&before))
	require.NoError(t, p.SaveActor(&after))
	assert.Equal(t, before.Bytes(), after.Bytes())
}
