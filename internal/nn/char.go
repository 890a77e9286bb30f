package nn

import (
	"math/rand/v2"
	"strconv"

	"github.com/famasya/neural-sequence-labeling/autograd"
)

// CharEncoder turns each token's characters into a fixed-width vector with
// parallel 1-D convolutions, each max-pooled over the token's real
// characters.
type CharEncoder struct {
	emb   *Embedding
	convs []charConv
}

type charConv struct {
	width  int
	kernel *Linear // (width*charDim) x channels
}

// NewCharEncoder registers a char table and one kernel per (filter size,
// channel count) pair. The two lists must have equal, non-zero length.
func NewCharEncoder(ps *autograd.Params, vocab, dim int, filterSizes, channelSizes []int, rng *rand.Rand) (*CharEncoder, error) {
	if len(filterSizes) != len(channelSizes) {
		return nil, configErr("filter_sizes has %d entries but channel_sizes has %d", len(filterSizes), len(channelSizes))
	}
	if len(filterSizes) == 0 {
		return nil, configErr("use_chars needs at least one filter")
	}
	emb, err := NewEmbedding(ps, "char/embedding", vocab, dim, nil, true, rng)
	if err != nil {
		return nil, err
	}
	ce := &CharEncoder{emb: emb}
	for i, w := range filterSizes {
		if w < 1 || channelSizes[i] < 1 {
			return nil, configErr("filter %d: width %d, channels %d must be positive", i, w, channelSizes[i])
		}
		ce.convs = append(ce.convs, charConv{
			width:  w,
			kernel: NewLinear(ps, "char/conv"+strconv.Itoa(i), w*dim, channelSizes[i], rng),
		})
	}
	return ce, nil
}

// OutputDim returns the sum of the channel counts.
func (c *CharEncoder) OutputDim() int {
	n := 0
	for _, cv := range c.convs {
		n += cv.kernel.Out()
	}
	return n
}

// Forward encodes tokens, one row per token. chars[i] holds the real
// character ids of token i only, so padding never reaches the pool.
func (c *CharEncoder) Forward(tp *autograd.Tape, chars [][]int) *autograd.Tensor {
	rows := make([]*autograd.Tensor, len(chars))
	for i, ids := range chars {
		rows[i] = c.token(tp, ids)
	}
	if len(rows) == 0 {
		return autograd.New(0, c.OutputDim())
	}
	return tp.ConcatRows(rows...)
}

func (c *CharEncoder) token(tp *autograd.Tape, ids []int) *autograd.Tensor {
	x := c.emb.Lookup(tp, ids)
	pooled := make([]*autograd.Tensor, len(c.convs))
	for i, cv := range c.convs {
		in := x
		if short := cv.width - x.Rows; short > 0 {
			// Too short for one window: pad with zero rows on both sides.
			in = tp.PadRows(x, short/2, short-short/2)
		}
		h := tp.ReLU(cv.kernel.Forward(tp, tp.Unfold(in, cv.width)))
		pooled[i] = tp.MaxPoolRows(h, h.Rows)
	}
	return tp.ConcatCols(pooled...)
}
