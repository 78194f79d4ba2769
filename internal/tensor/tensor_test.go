package tensor

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iota3(n, a, f int) *Tensor {
	t := Zeros(n, a, f)
	for ii := range t.Data {
		t.Data[ii] = float32(ii)
	}
	return t
}

func TestSliceAndConcatAxis1(t *testing.T) {
	x := iota3(2, 4, 3)
	ego := x.SliceAxis1(0, 2)
	opp := x.SliceAxis1(2, 4)
	assert.Equal(t, []int{2, 2, 3}, ego.Dims)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 12, 13, 14, 15, 16, 17}, ego.Data)
	assert.Equal(t, []float32{6, 7, 8, 9, 10, 11, 18, 19, 20, 21, 22, 23}, opp.Data)

	back := ConcatAxis1(ego, opp)
	assert.Equal(t, x.Dims, back.Dims)
	assert.Equal(t, x.Data, back.Data)
}

func TestGatherScatter(t *testing.T) {
	x := iota3(4, 1, 2)
	g := x.Gather([]int{3, 1})
	assert.Equal(t, []float32{6, 7, 2, 3}, g.Data)

	y := Zeros(4, 1, 2)
	y.Scatter([]int{3, 1}, g)
	assert.Equal(t, []float32{0, 0, 2, 3, 0, 0, 6, 7}, y.Data)
}

func TestZeroRowsAndReshape(t *testing.T) {
	x := Ones(3, 2, 1)
	x.ZeroRows([]bool{false, true, false})
	assert.Equal(t, []float32{1, 1, 0, 0, 1, 1}, x.Data)

	flat := x.Flatten2()
	assert.Equal(t, []int{6, 1}, flat.Dims)
	flat.Data[0] = 7
	assert.Equal(t, float32(7), x.Data[0], "Flatten2 must share data")
	assert.Equal(t, []int{3, 2, 1}, flat.Unflatten2(3).Dims)
}

func TestAssertDims(t *testing.T) {
	x := Zeros(2, 3)
	require.NotPanics(t, func() { x.AssertDims(2, -1) })
	err := exceptions.TryCatch[error](func() { x.AssertDims(2, 3, 1) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { x.AssertDims(3, 3) })
	require.Error(t, err)
}
