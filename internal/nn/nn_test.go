package nn

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRNG() *rand.Rand { return rand.New(rand.NewPCG(42, 7)) }

func total(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	col := tp.MatMul(x, autograd.Fill(x.Cols, 1, 1))
	return tp.MatMul(autograd.Fill(1, col.Rows, 1), col)
}

// checkParamGrads compares tape gradients of every trainable parameter with
// central differences on a sample of elements.
func checkParamGrads(t *testing.T, ps *autograd.Params, f func(tp *autograd.Tape) *autograd.Tensor) {
	t.Helper()
	ps.ZeroGrad()
	tp := autograd.NewTape()
	require.NoError(t, tp.Backward(f(tp)))

	const h = 1e-6
	for _, name := range ps.Names() {
		p, _ := ps.Get(name)
		if p.Grad == nil {
			continue
		}
		for _, i := range []int{0, p.Len() / 2, p.Len() - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := f(nil).Scalar()
			p.Data[i] = orig - h
			down := f(nil).Scalar()
			p.Data[i] = orig
			want := (up - down) / (2 * h)
			assert.InDelta(t, want, p.Grad[i], 1e-5*math.Max(1, math.Abs(want)), "%s[%d]", name, i)
		}
	}
}

func TestHighwayDepthZeroIsIdentity(t *testing.T) {
	ps := autograd.NewParams()
	h := NewHighway(ps, 4, 0, newRNG())
	x := autograd.Uniform(newRNG(), 3, 4, 1)
	assert.Same(t, x, h.Forward(autograd.NewTape(), x))
	assert.Equal(t, 0, ps.Count())
}

func TestHighwayPreservesWidth(t *testing.T) {
	ps := autograd.NewParams()
	h := NewHighway(ps, 5, 2, newRNG())
	x := autograd.Uniform(newRNG(), 3, 5, 1)
	y := h.Forward(nil, x)
	assert.Equal(t, 3, y.Rows)
	assert.Equal(t, 5, y.Cols)
	checkParamGrads(t, ps, func(tp *autograd.Tape) *autograd.Tensor { return total(tp, h.Forward(tp, x)) })
}

func TestCharEncoderShortToken(t *testing.T) {
	ps := autograd.NewParams()
	ce, err := NewCharEncoder(ps, 10, 4, []int{2, 5}, []int{3, 6}, newRNG())
	require.NoError(t, err)
	assert.Equal(t, 9, ce.OutputDim())

	out := ce.Forward(nil, [][]int{{3}, {2, 3, 4, 5, 6, 7}})
	assert.Equal(t, 2, out.Rows)
	assert.Equal(t, 9, out.Cols)
	assert.True(t, out.IsFinite())

	checkParamGrads(t, ps, func(tp *autograd.Tape) *autograd.Tensor {
		return total(tp, ce.Forward(tp, [][]int{{3}, {4, 5, 6}}))
	})
}

func TestCharEncoderIgnoresOtherTokens(t *testing.T) {
	ps := autograd.NewParams()
	ce, err := NewCharEncoder(ps, 10, 4, []int{3}, []int{5}, newRNG())
	require.NoError(t, err)
	alone := ce.Forward(nil, [][]int{{2, 3}})
	joined := ce.Forward(nil, [][]int{{2, 3}, {9, 9, 9, 9}})
	assert.Equal(t, alone.Row(0), joined.Row(0))
}

func TestCharEncoderMismatchedLists(t *testing.T) {
	_, err := NewCharEncoder(autograd.NewParams(), 10, 4, []int{3, 5}, []int{50}, newRNG())
	assert.True(t, errors.Is(err, errs.Configuration))
}

func TestEmbeddingPretrained(t *testing.T) {
	ps := autograd.NewParams()
	pre := [][]float64{{9, 9}, {0, 0}, {1, 2}}
	e, err := NewEmbedding(ps, "word/embedding", 3, 2, pre, false, newRNG())
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, e.Table.Row(0), "padding row")
	assert.Equal(t, []float64{1, 2}, e.Table.Row(2))
	assert.NotEqual(t, []float64{0, 0}, e.Table.Row(1), "uncovered rows stay random")
	assert.Empty(t, ps.Trainable())

	_, err = NewEmbedding(autograd.NewParams(), "w", 4, 2, pre, false, newRNG())
	assert.True(t, errors.Is(err, errs.Data))
}

func TestEncoderVariants(t *testing.T) {
	tests := []struct {
		name string
		cfg  EncoderConfig
	}{
		{"lstm", EncoderConfig{Cell: LSTM, Units: 3, Layers: 1}},
		{"gru", EncoderConfig{Cell: GRU, Units: 3, Layers: 1}},
		{"fused-residual-norm", EncoderConfig{Cell: LSTM, Units: 3, Layers: 2, Residual: true, LayerNorm: true}},
		{"stacked-residual-norm", EncoderConfig{Cell: GRU, Units: 3, Layers: 2, Stacked: true, Residual: true, LayerNorm: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := autograd.NewParams()
			enc, err := NewEncoder(ps, 4, tt.cfg, newRNG())
			require.NoError(t, err)
			x := autograd.Uniform(newRNG(), 5, 4, 1)
			out := enc.Forward(nil, x)
			assert.Equal(t, 5, out.Rows)
			assert.Equal(t, 6, out.Cols)
			checkParamGrads(t, ps, func(tp *autograd.Tape) *autograd.Tensor { return total(tp, enc.Forward(tp, x)) })
		})
	}
}

func TestEncoderBackwardDirectionSeesFuture(t *testing.T) {
	ps := autograd.NewParams()
	enc, err := NewEncoder(ps, 2, EncoderConfig{Cell: LSTM, Units: 2, Layers: 1}, newRNG())
	require.NoError(t, err)
	x := autograd.Uniform(newRNG(), 3, 2, 1)
	a := enc.Forward(nil, x)
	x.Data[5] += 1 // last token changes
	b := enc.Forward(nil, x)
	assert.Equal(t, a.Row(0)[:2], b.Row(0)[:2], "forward state at t=0 ignores later tokens")
	assert.NotEqual(t, a.Row(0)[2:], b.Row(0)[2:], "backward state at t=0 reads later tokens")
}

func TestParseEnums(t *testing.T) {
	c, err := ParseCellType("GRU")
	require.NoError(t, err)
	assert.Equal(t, GRU, c)
	_, err = ParseCellType("rnn")
	assert.True(t, errors.Is(err, errs.Configuration))

	a, err := ParseAttention("")
	require.NoError(t, err)
	assert.Equal(t, NoAttention, a)
	_, err = ParseAttention("luong")
	assert.Error(t, err)
}

func TestAttentionMasksPadding(t *testing.T) {
	for _, kind := range []AttentionType{SelfAttention, NormalAttention} {
		t.Run(kind.String(), func(t *testing.T) {
			ps := autograd.NewParams()
			att, err := NewAttention(kind, ps, 4, 4, 2, newRNG())
			require.NoError(t, err)

			x := autograd.Uniform(newRNG(), 3, 4, 1)
			padded := autograd.New(5, 4)
			copy(padded.Data, x.Data)
			for i := 12; i < 20; i++ {
				padded.Data[i] = 50
			}

			a := att.Forward(nil, x, 3)
			b := att.Forward(nil, padded, 3)
			assert.Equal(t, att.OutputDim(), a.Cols)
			for r := range 3 {
				for j := range a.Cols {
					assert.InDelta(t, a.At(r, j), b.At(r, j), 1e-12)
				}
			}
			checkParamGrads(t, ps, func(tp *autograd.Tape) *autograd.Tensor { return total(tp, att.Forward(tp, x, 3)) })
		})
	}
}

func TestMultiHeadSizeMustDivide(t *testing.T) {
	_, err := NewAttention(SelfAttention, autograd.NewParams(), 4, 6, 4, newRNG())
	assert.True(t, errors.Is(err, errs.Configuration))
}
