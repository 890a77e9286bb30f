// Package nn holds the network building blocks of the tagger. Every layer
// registers its parameters in an autograd.Params under a path-like name and
// computes its forward pass on an autograd.Tape (nil for inference).
package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/errs"
)

// Linear is an affine map x·W + b.
type Linear struct {
	W *autograd.Tensor
	B *autograd.Tensor
}

// NewLinear registers name/W (in x out, Glorot) and name/b (zeros).
func NewLinear(ps *autograd.Params, name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		W: ps.Add(name+"/W", autograd.Xavier(rng, in, out)),
		B: ps.Add(name+"/b", autograd.New(1, out)),
	}
}

// Forward applies the map to every row of x.
func (l *Linear) Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	return tp.AddRow(tp.MatMul(x, l.W), l.B)
}

// Out returns the output width.
func (l *Linear) Out() int { return l.W.Cols }

// Embedding is a lookup table.
type Embedding struct {
	Table *autograd.Tensor
}

// NewEmbedding registers a vocab x dim table. When pretrained is non-nil its
// rows are copied in; trainable=false freezes the table. Row 0 (padding)
// starts at zero.
func NewEmbedding(ps *autograd.Params, name string, vocab, dim int, pretrained [][]float64, trainable bool, rng *rand.Rand) (*Embedding, error) {
	table := autograd.Uniform(rng, vocab, dim, 0.1)
	if pretrained != nil {
		if len(pretrained) != vocab {
			return nil, errs.Dataf("nn.NewEmbedding", "%s: %d pretrained rows for vocabulary of %d", name, len(pretrained), vocab)
		}
		for i, row := range pretrained {
			if len(row) != dim {
				return nil, errs.Dataf("nn.NewEmbedding", "%s: pretrained row %d has %d values, want %d", name, i, len(row), dim)
			}
			// Rows the pretrained file did not cover stay randomly initialized.
			if !allZero(row) {
				copy(table.Row(i), row)
			}
		}
	}
	clear(table.Row(0))
	if trainable {
		ps.Add(name, table)
	} else {
		ps.AddFrozen(name, table)
	}
	return &Embedding{Table: table}, nil
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Lookup returns one row per id.
func (e *Embedding) Lookup(tp *autograd.Tape, ids []int) *autograd.Tensor {
	return tp.Gather(e.Table, ids)
}

// Dim returns the embedding width.
func (e *Embedding) Dim() int { return e.Table.Cols }

// LayerNorm normalizes rows with a learned gain and bias.
type LayerNorm struct {
	Gain *autograd.Tensor
	Bias *autograd.Tensor
}

// NewLayerNorm registers name/gain (ones) and name/bias (zeros).
func NewLayerNorm(ps *autograd.Params, name string, dim int) *LayerNorm {
	return &LayerNorm{
		Gain: ps.Add(name+"/gain", autograd.Fill(1, dim, 1)),
		Bias: ps.Add(name+"/bias", autograd.New(1, dim)),
	}
}

// Forward normalizes every row of x.
func (n *LayerNorm) Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	return tp.LayerNorm(x, n.Gain, n.Bias, 1e-6)
}

// Dropout applies inverted dropout when training is set.
func Dropout(tp *autograd.Tape, x *autograd.Tensor, keep float64, training bool, rng *rand.Rand) *autograd.Tensor {
	if !training || keep >= 1 {
		return x
	}
	return tp.Dropout(x, keep, rng)
}

func configErr(format string, args ...any) error {
	return errs.E(errs.Configuration, "nn", fmt.Errorf(format, args...))
}
