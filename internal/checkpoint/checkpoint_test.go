package checkpoint_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/janpfeifer/airduel/internal/checkpoint"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/policy/linear"
	"github.com/janpfeifer/airduel/internal/policy/policytest"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	params := []checkpoint.Param{
		{Name: "w", Dims: []int{2, 3}, Data: []float32{1, -2, 3.5, 0, 1e-7, -1e7}},
		{Name: "b", Dims: []int{1}, Data: []float32{42}},
	}
	var buf bytes.Buffer
	require.NoError(t, checkpoint.EncodeParams(&buf, params))
	decoded, err := checkpoint.DecodeParams(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, params, decoded)

	b, err := checkpoint.FindParam(decoded, "b", 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{42}, b)
	_, err = checkpoint.FindParam(decoded, "b", 2)
	require.Error(t, err)
	_, err = checkpoint.FindParam(decoded, "x", 1)
	require.Error(t, err)

	_, err = checkpoint.DecodeParams(bytes.NewReader([]byte("NOPE")))
	require.Error(t, err)
	_, err = checkpoint.DecodeParams(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	require.Error(t, err, "truncated checkpoint")
	require.Error(t, checkpoint.EncodeParams(&buf, []checkpoint.Param{{Name: "bad", Dims: []int{2}, Data: []float32{1}}}))
}

func TestSaveRegistersOnlyWithSelfPlay(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	p := policytest.New(3, 1)
	policyPool := pool.New(1000)

	require.NoError(t, store.Save(0, p, policyPool, false))
	assert.True(t, store.Exists(pool.Latest))
	assert.False(t, store.Exists("0"))
	assert.Equal(t, 0, policyPool.Len())

	require.NoError(t, store.Save(5, p, policyPool, true))
	assert.True(t, store.Exists("5"))
	assert.Equal(t, []pool.ID{pool.Latest, "5"}, policyPool.IDs())
	rating, found := policyPool.Rating("5")
	require.True(t, found)
	assert.Equal(t, float32(1000), rating)
	_, err = os.Stat(store.CriticPath("5"))
	assert.True(t, os.IsNotExist(err), "no critic saved per iteration")

	// Every pool entry can be loaded.
	for _, id := range policyPool.IDs() {
		loaded := policytest.New(0, 1)
		require.NoError(t, store.LoadActor(id, loaded))
		assert.Equal(t, float32(3), loaded.Offset)
	}

	// Second save of "latest" keeps a backup of the previous version.
	p.Offset = 4
	require.NoError(t, store.Save(10, p, policyPool, true))
	_, err = os.Stat(store.ActorPath(pool.Latest) + "~")
	require.NoError(t, err)
	loaded := policytest.New(0, 1)
	require.NoError(t, store.Restore(loaded))
	assert.Equal(t, float32(4), loaded.Offset)
	require.NoError(t, store.LoadActor("5", loaded))
	assert.Equal(t, float32(3), loaded.Offset)
}

func TestMissingCheckpoint(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	err = store.LoadActor("7", policytest.New(0, 1))
	require.ErrorIs(t, err, checkpoint.ErrMissingCheckpoint)
	err = store.Restore(policytest.New(0, 1))
	require.ErrorIs(t, err, checkpoint.ErrMissingCheckpoint)
}

func TestLinearRoundTrip(t *testing.T) {
	spec := policy.Spec{ObsDims: []int{4}, ActDims: []int{2}}
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	saved := linear.New(spec, 6, 1, 0.5)
	require.NoError(t, store.Save(1, saved, nil, true))

	loaded := linear.New(spec, 6, 2, 0.5)
	obs := tensor.FromFlat([]float32{0.1, -0.2, 0.3, 1, 0.5, 0.5, -1, 0}, 2, 4)
	rnn := tensor.Zeros(2, 1, 6)
	masks := tensor.Ones(2, 1)
	want, wantRNN := saved.Act(obs, rnn, masks, true)
	before, _ := loaded.Act(obs, rnn, masks, true)
	assert.NotEqual(t, want.Data, before.Data, "different seeds")

	require.NoError(t, store.LoadActor("1", loaded))
	got, gotRNN := loaded.Act(obs, rnn, masks, true)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, wantRNN.Data, gotRNN.Data)

	// Critic of "latest" restores the values.
	require.NoError(t, store.Restore(loaded))
	wantOut := saved.GetActions(obs, rnn, rnn, masks)
	gotOut := loaded.GetActions(obs, rnn, rnn, masks)
	assert.Equal(t, wantOut.Values.Data, gotOut.Values.Data)

	// Mismatched shapes fail to load.
	other := linear.New(spec, 3, 1, 0.5)
	require.Error(t, store.LoadActor("1", other))
}
