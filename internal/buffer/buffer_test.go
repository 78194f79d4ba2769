package buffer

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertConstant(b *ReplayBuffer, value float32) {
	n, a := b.NumEnvs(), b.NumAgents()
	obs := tensor.Zeros(n, a, 3)
	obs.Fill(value)
	actions := tensor.Zeros(n, a, 2)
	actions.Fill(value)
	rewards := tensor.Ones(n, a, 1)
	masks := tensor.Ones(n, a, 1)
	rnn := tensor.Zeros(n, a, 1, 4)
	rnn.Fill(value)
	b.Insert(obs, actions, rewards, masks, tensor.Zeros(n, a, 1), tensor.Zeros(n, a, 1), rnn, rnn)
}

func TestCursor(t *testing.T) {
	const horizon = 8
	b := New(horizon, 4, 1, []int{3}, []int{2}, []int{1, 4})
	assert.Len(t, b.Obs, horizon+1)
	assert.Equal(t, 0, b.Step())
	for ii := range horizon {
		insertConstant(b, float32(ii+1))
	}
	assert.Equal(t, horizon, b.Writes())
	assert.Equal(t, horizon%(horizon+1), b.Step())

	// Slot t+1 holds the observation of insert t, slot t the action.
	assert.Equal(t, float32(1), b.Obs[1].Data[0])
	assert.Equal(t, float32(horizon), b.Obs[horizon].Data[0])
	assert.Equal(t, float32(1), b.Actions[0].Data[0])

	// Carry over of the last slot into slot 0.
	b.AfterUpdate()
	assert.Equal(t, 0, b.Step())
	assert.Equal(t, 0, b.Writes())
	assert.Equal(t, float32(horizon), b.Obs[0].Data[0])
	assert.Equal(t, float32(horizon), b.RNNActor[0].Data[3])

	// Wrap around: one more full iteration never goes out of bounds.
	for ii := range horizon {
		insertConstant(b, float32(ii))
	}
	assert.Equal(t, horizon, b.Step())
	b.Clear()
	assert.Equal(t, 0, b.Step())
}

func TestSetInitialAndRewards(t *testing.T) {
	b := New(2, 2, 1, []int{3}, []int{2}, []int{1, 4})
	insertConstant(b, 3)
	obs := tensor.Zeros(2, 1, 3)
	obs.Fill(5)
	b.SetInitial(obs)
	assert.Equal(t, float32(5), b.Obs[0].Data[0])
	assert.Equal(t, float32(0), b.RNNActor[0].Sum())
	assert.Equal(t, float32(2), b.Masks[0].Sum())

	// One insert with 2 rewards (1 each) and one episode end.
	b.Clear()
	n, a := 2, 1
	masks := tensor.FromFlat([]float32{0, 1}, n, a, 1)
	b.Insert(tensor.Zeros(n, a, 3), tensor.Zeros(n, a, 2), tensor.Ones(n, a, 1), masks,
		tensor.Zeros(n, a, 1), tensor.Zeros(n, a, 1), tensor.Zeros(n, a, 1, 4), tensor.Zeros(n, a, 1, 4))
	assert.Equal(t, float32(2), b.AverageEpisodeRewards())
}

func TestShapeMismatch(t *testing.T) {
	b := New(2, 2, 1, []int{3}, []int{2}, []int{1, 4})
	err := exceptions.TryCatch[error](func() {
		n, a := 2, 2 // Wrong number of agents.
		b.Insert(tensor.Zeros(n, a, 3), tensor.Zeros(n, a, 2), tensor.Ones(n, a, 1), tensor.Ones(n, a, 1),
			tensor.Zeros(n, a, 1), tensor.Zeros(n, a, 1), tensor.Zeros(n, a, 1, 4), tensor.Zeros(n, a, 1, 4))
	})
	require.Error(t, err)
}
