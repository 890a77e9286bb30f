package autograd

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkGrad compares the tape gradient of f with central differences for
// every element of every input.
func checkGrad(t *testing.T, f func(tp *Tape) *Tensor, inputs ...*Tensor) {
	t.Helper()
	for _, in := range inputs {
		in.SetRequiresGrad(true)
		in.ZeroGrad()
	}
	tp := NewTape()
	require.NoError(t, tp.Backward(f(tp)))

	const h = 1e-6
	for k, in := range inputs {
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + h
			up := f(nil).Scalar()
			in.Data[i] = orig - h
			down := f(nil).Scalar()
			in.Data[i] = orig
			want := (up - down) / (2 * h)
			if math.Abs(in.Grad[i]-want) > 1e-5*math.Max(1, math.Abs(want)) {
				t.Errorf("input %d elem %d: grad = %v, want %v", k, i, in.Grad[i], want)
			}
		}
	}
}

func sumAll(tp *Tape, a *Tensor) *Tensor {
	ones := Fill(a.Cols, 1, 1)
	col := tp.MatMul(a, ones)
	return tp.MatMul(Fill(1, col.Rows, 1), col)
}

func TestMatMulAddRowTanh(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	x := Uniform(rng, 3, 4, 1)
	w := Uniform(rng, 4, 2, 1)
	b := Uniform(rng, 1, 2, 1)
	checkGrad(t, func(tp *Tape) *Tensor {
		return sumAll(tp, tp.Tanh(tp.AddRow(tp.MatMul(x, w), b)))
	}, x, w, b)
}

func TestGatesAndConcat(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := Uniform(rng, 2, 3, 1)
	c := Uniform(rng, 2, 3, 1)
	checkGrad(t, func(tp *Tape) *Tensor {
		g := tp.Sigmoid(a)
		mixed := tp.Add(tp.Mul(g, c), tp.Mul(tp.OneMinus(g), a))
		joined := tp.ConcatCols(mixed, tp.Scale(tp.Sub(a, c), 0.5))
		stacked := tp.ConcatRows(joined, tp.SliceRows(joined, 0, 1))
		return sumAll(tp, tp.Mul(stacked, stacked))
	}, a, c)
}

func TestSoftmaxLayerNormTranspose(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	a := Uniform(rng, 3, 4, 2)
	gain := Uniform(rng, 1, 4, 1)
	bias := Uniform(rng, 1, 4, 1)
	w := Uniform(rng, 4, 4, 1)
	checkGrad(t, func(tp *Tape) *Tensor {
		n := tp.LayerNorm(a, gain, bias, 1e-5)
		p := tp.MaskedSoftmaxRows(tp.MatMul(n, w), 3)
		return sumAll(tp, tp.Mul(p, tp.Transpose(tp.Transpose(n))))
	}, a, gain, bias, w)
}

func TestUnfoldMaxPoolGather(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	table := Uniform(rng, 5, 3, 1)
	kernel := Uniform(rng, 6, 2, 1)
	checkGrad(t, func(tp *Tape) *Tensor {
		seq := tp.PadRows(tp.Gather(table, []int{1, 4, 2, 4}), 1, 1)
		conv := tp.ReLU(tp.MatMul(tp.Unfold(seq, 2), kernel))
		return sumAll(tp, tp.MaxPoolRows(conv, conv.Rows))
	}, table, kernel)
}

func TestSoftmaxCrossEntropy(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	logits := Uniform(rng, 4, 3, 2)
	labels := []int{0, 2, 1, 2}
	checkGrad(t, func(tp *Tape) *Tensor {
		return tp.SoftmaxCrossEntropy(logits, labels)
	}, logits)

	uniform := New(2, 4)
	loss := (*Tape)(nil).SoftmaxCrossEntropy(uniform, []int{1, 3})
	assert.InDelta(t, 2*math.Log(4), loss.Scalar(), 1e-12)
}

func TestMaskedSoftmaxIgnoresPadding(t *testing.T) {
	a := FromRows([][]float64{{1, 2, 100, -3}})
	p := (*Tape)(nil).MaskedSoftmaxRows(a, 2)
	assert.Equal(t, 0.0, p.At(0, 2))
	assert.Equal(t, 0.0, p.At(0, 3))
	assert.InDelta(t, 1.0, p.At(0, 0)+p.At(0, 1), 1e-12)
}

func TestMaxPoolRowsRespectsLength(t *testing.T) {
	a := FromRows([][]float64{{-1, -2}, {-3, -0.5}, {9, 9}})
	p := (*Tape)(nil).MaxPoolRows(a, 2)
	assert.Equal(t, []float64{-1, -0.5}, p.Data)
}

func TestScalarOp(t *testing.T) {
	x := FromSlice(1, 2, []float64{3, 4}).SetRequiresGrad(true)
	tp := NewTape()
	loss := tp.Scalar(x.Data[0]*x.Data[1], []*Tensor{x}, [][]float64{{4, 3}})
	require.NoError(t, tp.Backward(tp.Scale(loss, 2)))
	assert.Equal(t, []float64{8, 6}, x.Grad)
}

func TestNilTapeRecordsNothing(t *testing.T) {
	w := New(2, 2).SetRequiresGrad(true)
	var tp *Tape
	out := tp.MatMul(w, w)
	assert.Nil(t, out.Grad)
	assert.Equal(t, 0, tp.Len())
	assert.Error(t, tp.Backward(out))
}

func TestDropoutKeepOne(t *testing.T) {
	a := Fill(2, 2, 3)
	rng := rand.New(rand.NewPCG(1, 1))
	assert.Same(t, a, NewTape().Dropout(a, 1, rng))

	out := NewTape().Dropout(Fill(100, 10, 1), 0.5, rng)
	for _, v := range out.Data {
		assert.True(t, v == 0 || v == 2)
	}
}

func TestParamsRestore(t *testing.T) {
	p := NewParams()
	w := p.Add("w", Fill(2, 2, 1))
	p.AddFrozen("emb", Fill(3, 2, 0))
	assert.Len(t, p.Trainable(), 1)
	assert.True(t, p.Frozen("emb"))
	assert.Equal(t, 10, p.Count())

	snap := p.Snapshot()
	w.Data[0] = 42
	require.NoError(t, p.Restore(snap))
	assert.Equal(t, 1.0, w.Data[0])

	delete(snap, "emb")
	assert.Error(t, p.Restore(snap))
}
