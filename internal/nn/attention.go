package nn

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/famasya/neural-sequence-labeling/autograd"
)

// AttentionType selects the attention block that follows the encoder.
type AttentionType int

const (
	NoAttention AttentionType = iota
	SelfAttention
	NormalAttention
)

func (a AttentionType) String() string {
	switch a {
	case SelfAttention:
		return "self_attention"
	case NormalAttention:
		return "normal_attention"
	}
	return "none"
}

// ParseAttention maps "", "none", "self_attention" or "normal_attention" to
// an AttentionType.
func ParseAttention(s string) (AttentionType, error) {
	switch strings.ToLower(s) {
	case "", "none", "null":
		return NoAttention, nil
	case "self_attention":
		return SelfAttention, nil
	case "normal_attention":
		return NormalAttention, nil
	}
	return 0, configErr("unknown use_attention %q (want none, self_attention or normal_attention)", s)
}

// Attention augments encoder states with a context vector per position. The
// context is concatenated to the input, so OutputDim = in + context width.
type Attention interface {
	// Forward attends over the first length rows of x. Keys at or beyond
	// length get zero weight.
	Forward(tp *autograd.Tape, x *autograd.Tensor, length int) *autograd.Tensor
	OutputDim() int
}

// NewAttention builds the block for kind, or returns nil for NoAttention.
func NewAttention(kind AttentionType, ps *autograd.Params, in, size, heads int, rng *rand.Rand) (Attention, error) {
	switch kind {
	case SelfAttention:
		m, err := NewMultiHeadAttention(ps, in, size, heads, rng)
		if err != nil {
			return nil, err
		}
		return m, nil
	case NormalAttention:
		return NewAdditiveAttention(ps, in, size, rng), nil
	}
	return nil, nil
}

// MultiHeadAttention is scaled dot-product self-attention.
type MultiHeadAttention struct {
	q, k, v, o *Linear
	heads      int
	in         int
}

// NewMultiHeadAttention registers the projections. size must be a multiple
// of heads.
func NewMultiHeadAttention(ps *autograd.Params, in, size, heads int, rng *rand.Rand) (*MultiHeadAttention, error) {
	if heads < 1 || size < 1 || size%heads != 0 {
		return nil, configErr("attention_size %d must be a positive multiple of num_heads %d", size, heads)
	}
	return &MultiHeadAttention{
		q:     NewLinear(ps, "attention/query", in, size, rng),
		k:     NewLinear(ps, "attention/key", in, size, rng),
		v:     NewLinear(ps, "attention/value", in, size, rng),
		o:     NewLinear(ps, "attention/output", size, size, rng),
		heads: heads,
		in:    in,
	}, nil
}

// OutputDim returns in + size.
func (m *MultiHeadAttention) OutputDim() int { return m.in + m.o.Out() }

// Forward computes every head, joins them and projects the result.
func (m *MultiHeadAttention) Forward(tp *autograd.Tape, x *autograd.Tensor, length int) *autograd.Tensor {
	if length == 0 {
		return tp.ConcatCols(x, autograd.New(x.Rows, m.o.Out()))
	}
	q, k, v := m.q.Forward(tp, x), m.k.Forward(tp, x), m.v.Forward(tp, x)
	dk := m.o.Out() / m.heads
	scale := 1 / math.Sqrt(float64(dk))
	heads := make([]*autograd.Tensor, m.heads)
	for h := range m.heads {
		lo, hi := h*dk, (h+1)*dk
		scores := tp.Scale(tp.MatMul(tp.SliceCols(q, lo, hi), tp.Transpose(tp.SliceCols(k, lo, hi))), scale)
		weights := tp.MaskedSoftmaxRows(scores, length)
		heads[h] = tp.MatMul(weights, tp.SliceCols(v, lo, hi))
	}
	return tp.ConcatCols(x, m.o.Forward(tp, tp.ConcatCols(heads...)))
}

// AdditiveAttention is Bahdanau-style attention: position i attends to j with
// score vᵀ tanh(W1·x_i + W2·x_j).
type AdditiveAttention struct {
	query *Linear
	key   *autograd.Tensor // in x size
	v     *autograd.Tensor // size x 1
	in    int
}

// NewAdditiveAttention registers the score network.
func NewAdditiveAttention(ps *autograd.Params, in, size int, rng *rand.Rand) *AdditiveAttention {
	return &AdditiveAttention{
		query: NewLinear(ps, "attention/query", in, size, rng),
		key:   ps.Add("attention/key/W", autograd.Xavier(rng, in, size)),
		v:     ps.Add("attention/v", autograd.Xavier(rng, size, 1)),
		in:    in,
	}
}

// OutputDim returns 2*in.
func (a *AdditiveAttention) OutputDim() int { return 2 * a.in }

// Forward returns x joined with a context vector per row.
func (a *AdditiveAttention) Forward(tp *autograd.Tape, x *autograd.Tensor, length int) *autograd.Tensor {
	if length == 0 {
		return tp.ConcatCols(x, autograd.New(x.Rows, a.in))
	}
	q := a.query.Forward(tp, x)
	k := tp.MatMul(x, a.key)
	rows := make([]*autograd.Tensor, x.Rows)
	for i := range x.Rows {
		e := tp.MatMul(tp.Tanh(tp.AddRow(k, tp.SliceRows(q, i, i+1))), a.v)
		rows[i] = tp.Transpose(e)
	}
	weights := tp.MaskedSoftmaxRows(tp.ConcatRows(rows...), length)
	return tp.ConcatCols(x, tp.MatMul(weights, x))
}
