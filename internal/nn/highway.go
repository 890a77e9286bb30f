package nn

import (
	"math/rand/v2"
	"strconv"

	"github.com/famasya/neural-sequence-labeling/autograd"
)

// Highway is a stack of gated layers
//
//	y = g ⊙ relu(Wt·x + bt) + (1 − g) ⊙ x,  g = σ(Wg·x + bg)
//
// that preserve the input width. Depth 0 is the identity.
type Highway struct {
	layers []highwayLayer
}

type highwayLayer struct {
	gate      *Linear
	transform *Linear
}

// NewHighway registers depth gate/transform pairs of width dim. Gate biases
// start at -1 so fresh layers mostly carry their input.
func NewHighway(ps *autograd.Params, dim, depth int, rng *rand.Rand) *Highway {
	h := &Highway{}
	for l := range depth {
		name := "highway/" + strconv.Itoa(l)
		layer := highwayLayer{
			gate:      NewLinear(ps, name+"/gate", dim, dim, rng),
			transform: NewLinear(ps, name+"/transform", dim, dim, rng),
		}
		for i := range layer.gate.B.Data {
			layer.gate.B.Data[i] = -1
		}
		h.layers = append(h.layers, layer)
	}
	return h
}

// Depth returns the number of layers.
func (h *Highway) Depth() int { return len(h.layers) }

// Forward applies every layer to each row of x.
func (h *Highway) Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	for _, l := range h.layers {
		g := tp.Sigmoid(l.gate.Forward(tp, x))
		t := tp.ReLU(l.transform.Forward(tp, x))
		x = tp.Add(tp.Mul(g, t), tp.Mul(tp.OneMinus(g), x))
	}
	return x
}
