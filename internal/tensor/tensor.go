// Package tensor implements the small dense float32 tensor used to move batched observations,
// actions and recurrent states between the environments, the policies and the replay buffer.
//
// Tensors are row-major. The leading axis is usually the environment axis (num_envs), followed by
// the agent axis and then the feature dimensions.
package tensor

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Data []float32
	Dims []int
}

func sizeOf(dims []int) int {
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensor: negative dimension in %v", dims)
		}
		size *= dim
	}
	return size
}

// Zeros creates a tensor filled with 0.
func Zeros(dims ...int) *Tensor {
	return &Tensor{Data: make([]float32, sizeOf(dims)), Dims: slices.Clone(dims)}
}

// Ones creates a tensor filled with 1.
func Ones(dims ...int) *Tensor {
	t := Zeros(dims...)
	t.Fill(1)
	return t
}

// FromFlat creates a tensor that takes ownership of data.
func FromFlat(data []float32, dims ...int) *Tensor {
	if sizeOf(dims) != len(data) {
		exceptions.Panicf("tensor: data has %d elements, but dims %v require %d", len(data), dims, sizeOf(dims))
	}
	return &Tensor{Data: data, Dims: slices.Clone(dims)}
}

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.Dims) }

// Size is the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.Dims)
	}
	return t.Dims[axis]
}

// String implements fmt.Stringer, it only prints the shape.
func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Dims)
}

// AssertDims panics if the tensor doesn't have exactly the given dimensions.
// A dimension of -1 matches anything.
func (t *Tensor) AssertDims(dims ...int) {
	if len(dims) != len(t.Dims) {
		exceptions.Panicf("tensor: expected rank %d (dims %v), got dims %v", len(dims), dims, t.Dims)
	}
	for axis, dim := range dims {
		if dim != -1 && dim != t.Dims[axis] {
			exceptions.Panicf("tensor: expected dims %v, got %v", dims, t.Dims)
		}
	}
}

// SameDims returns whether both tensors have the same shape.
func (t *Tensor) SameDims(other *Tensor) bool {
	return slices.Equal(t.Dims, other.Dims)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Data: slices.Clone(t.Data), Dims: slices.Clone(t.Dims)}
}

// Fill sets all elements to value.
func (t *Tensor) Fill(value float32) {
	for ii := range t.Data {
		t.Data[ii] = value
	}
}

// CopyFrom copies the contents of src, which must have the same shape.
func (t *Tensor) CopyFrom(src *Tensor) {
	if !t.SameDims(src) {
		exceptions.Panicf("tensor: CopyFrom shape mismatch, %v != %v", t.Dims, src.Dims)
	}
	copy(t.Data, src.Data)
}

// Reshape returns a tensor sharing the same data with the new dimensions.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	if sizeOf(dims) != len(t.Data) {
		exceptions.Panicf("tensor: cannot reshape %v to %v", t.Dims, dims)
	}
	return &Tensor{Data: t.Data, Dims: slices.Clone(dims)}
}

// Flatten2 merges the first two axes: [N, A, ...] -> [N*A, ...]. Data is shared.
func (t *Tensor) Flatten2() *Tensor {
	if len(t.Dims) < 2 {
		exceptions.Panicf("tensor: Flatten2 requires rank >= 2, got %v", t.Dims)
	}
	dims := append([]int{t.Dims[0] * t.Dims[1]}, t.Dims[2:]...)
	return t.Reshape(dims...)
}

// Unflatten2 splits the first axis in [n, size/n, ...]. Data is shared.
func (t *Tensor) Unflatten2(n int) *Tensor {
	if n <= 0 || t.Dims[0]%n != 0 {
		exceptions.Panicf("tensor: cannot split leading axis of %v into %d", t.Dims, n)
	}
	dims := append([]int{n, t.Dims[0] / n}, t.Dims[1:]...)
	return t.Reshape(dims...)
}

// RowSize is the number of elements of one index of the leading axis.
func (t *Tensor) RowSize() int {
	if t.Dims[0] == 0 {
		return 0
	}
	return len(t.Data) / t.Dims[0]
}

// Row returns the slice (shared) with the contents of index i of the leading axis.
func (t *Tensor) Row(i int) []float32 {
	rowSize := t.RowSize()
	return t.Data[i*rowSize : (i+1)*rowSize]
}

// ZeroRows zeroes the rows (leading axis) where zero[row] is true.
func (t *Tensor) ZeroRows(zero []bool) {
	if len(zero) != t.Dims[0] {
		exceptions.Panicf("tensor: ZeroRows given %d flags for leading dimension %d", len(zero), t.Dims[0])
	}
	for row, z := range zero {
		if z {
			clear(t.Row(row))
		}
	}
}

// Gather returns a new tensor with the given rows of the leading axis, in order.
func (t *Tensor) Gather(rows []int) *Tensor {
	dims := slices.Clone(t.Dims)
	dims[0] = len(rows)
	out := Zeros(dims...)
	for ii, row := range rows {
		copy(out.Row(ii), t.Row(row))
	}
	return out
}

// Scatter writes the rows of src into the given rows of t. It's the inverse of Gather.
func (t *Tensor) Scatter(rows []int, src *Tensor) {
	if src.Dims[0] != len(rows) || src.RowSize() != t.RowSize() {
		exceptions.Panicf("tensor: Scatter of %v into %v with %d rows", src.Dims, t.Dims, len(rows))
	}
	for ii, row := range rows {
		copy(t.Row(row), src.Row(ii))
	}
}

// SliceAxis1 copies the range [from, to) of the second axis (the agent axis): [N, from:to, ...].
func (t *Tensor) SliceAxis1(from, to int) *Tensor {
	if t.Rank() < 2 || from < 0 || to > t.Dims[1] || from > to {
		exceptions.Panicf("tensor: invalid SliceAxis1(%d, %d) for %v", from, to, t.Dims)
	}
	dims := slices.Clone(t.Dims)
	dims[1] = to - from
	out := Zeros(dims...)
	inner := sizeOf(t.Dims[2:])
	for row := range t.Dims[0] {
		copy(out.Row(row), t.Row(row)[from*inner:to*inner])
	}
	return out
}

// SetAxis1 writes src into the range [from, from+src.Dims[1]) of the second axis.
func (t *Tensor) SetAxis1(from int, src *Tensor) {
	if src.Rank() != t.Rank() || src.Dims[0] != t.Dims[0] || !slices.Equal(src.Dims[2:], t.Dims[2:]) ||
		from < 0 || from+src.Dims[1] > t.Dims[1] {
		exceptions.Panicf("tensor: invalid SetAxis1(%d, %v) for %v", from, src.Dims, t.Dims)
	}
	inner := sizeOf(t.Dims[2:])
	for row := range t.Dims[0] {
		copy(t.Row(row)[from*inner:], src.Row(row))
	}
}

// ConcatAxis1 concatenates the tensors along the second axis (the agent axis).
func ConcatAxis1(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensor: ConcatAxis1 with no parts")
	}
	dims := slices.Clone(parts[0].Dims)
	dims[1] = 0
	for _, part := range parts {
		dims[1] += part.Dims[1]
	}
	out := Zeros(dims...)
	from := 0
	for _, part := range parts {
		out.SetAxis1(from, part)
		from += part.Dims[1]
	}
	return out
}

// Sum of all elements.
func (t *Tensor) Sum() float32 {
	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	return sum
}
