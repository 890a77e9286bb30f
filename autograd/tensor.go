// Package autograd implements eager reverse-mode differentiation over dense
// row-major float64 matrices.
//
// Operations are methods on a *Tape. Each call computes its output right away
// and, when the tape is non-nil and an input needs a gradient, records a
// closure that propagates the output gradient back to the inputs. A nil tape
// is valid and is what inference uses: nothing is recorded.
//
//	tp := autograd.NewTape()
//	h := tp.Tanh(tp.AddRow(tp.MatMul(x, w), b))
//	loss := tp.SoftmaxCrossEntropy(h, labels)
//	if err := tp.Backward(loss); err != nil { ... }
//	// w.Grad and b.Grad now hold dLoss/dw and dLoss/db.
package autograd

import (
	"fmt"
	"math"
)

// Tensor is a Rows x Cols matrix stored row-major in Data. Grad is non-nil
// only for tensors that take part in differentiation.
type Tensor struct {
	Rows int
	Cols int
	Data []float64
	Grad []float64
}

// New returns a zero tensor.
func New(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromSlice wraps data without copying. It panics if len(data) != rows*cols.
func FromSlice(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("autograd: FromSlice: %d values for %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// FromRows copies a slice of equal-length rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return New(0, 0)
	}
	t := New(len(rows), len(rows[0]))
	for i, r := range rows {
		copy(t.Row(i), r)
	}
	return t
}

// At returns element (i, j).
func (t *Tensor) At(i, j int) float64 { return t.Data[i*t.Cols+j] }

// Set assigns element (i, j).
func (t *Tensor) Set(i, j int, v float64) { t.Data[i*t.Cols+j] = v }

// Row returns row i as a slice sharing storage with t.
func (t *Tensor) Row(i int) []float64 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// GradRow returns row i of the gradient, or nil when t has no gradient.
func (t *Tensor) GradRow(i int) []float64 {
	if t.Grad == nil {
		return nil
	}
	return t.Grad[i*t.Cols : (i+1)*t.Cols]
}

// RowSlices returns all rows as slices sharing storage with t.
func (t *Tensor) RowSlices() [][]float64 {
	out := make([][]float64, t.Rows)
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// Len returns Rows*Cols.
func (t *Tensor) Len() int { return len(t.Data) }

// RequiresGrad reports whether gradients flow into t.
func (t *Tensor) RequiresGrad() bool { return t.Grad != nil }

// SetRequiresGrad turns gradient tracking on or off for a leaf tensor.
func (t *Tensor) SetRequiresGrad(on bool) *Tensor {
	switch {
	case on && t.Grad == nil:
		t.Grad = make([]float64, len(t.Data))
	case !on:
		t.Grad = nil
	}
	return t
}

// ZeroGrad clears the gradient in place.
func (t *Tensor) ZeroGrad() {
	clear(t.Grad)
}

// Clone returns a deep copy of the values; the copy has no gradient.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Rows, t.Cols)
	copy(c.Data, t.Data)
	return c
}

// IsFinite reports whether every value is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Scalar returns the single value of a 1x1 tensor.
func (t *Tensor) Scalar() float64 {
	if t.Rows != 1 || t.Cols != 1 {
		panic(fmt.Sprintf("autograd: Scalar on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%d)", t.Rows, t.Cols)
}

func shapePanic(op string, ts ...*Tensor) {
	msg := "autograd: " + op + ": incompatible shapes"
	for _, t := range ts {
		msg += fmt.Sprintf(" %dx%d", t.Rows, t.Cols)
	}
	panic(msg)
}
