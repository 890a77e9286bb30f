package nn

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/famasya/neural-sequence-labeling/autograd"
)

// CellType selects the recurrent cell.
type CellType int

const (
	LSTM CellType = iota
	GRU
)

func (c CellType) String() string {
	if c == GRU {
		return "gru"
	}
	return "lstm"
}

// ParseCellType maps "lstm" or "gru" to a CellType.
func ParseCellType(s string) (CellType, error) {
	switch strings.ToLower(s) {
	case "lstm":
		return LSTM, nil
	case "gru":
		return GRU, nil
	}
	return 0, configErr("unknown cell_type %q (want lstm or gru)", s)
}

// cell is one recurrent layer in one direction.
type cell interface {
	// project computes the input contribution for every time step at once.
	project(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor
	// step advances the state by one time step given that step's projection.
	step(tp *autograd.Tape, xp, h, c *autograd.Tensor) (*autograd.Tensor, *autograd.Tensor)
	units() int
}

func newCell(kind CellType, ps *autograd.Params, name string, in, units int, rng *rand.Rand) cell {
	if kind == GRU {
		return newGRUCell(ps, name+"/gru", in, units, rng)
	}
	return newLSTMCell(ps, name+"/lstm", in, units, rng)
}

type lstmCell struct {
	w, u, b *autograd.Tensor // in x 4H, H x 4H, 1 x 4H; gate order i, f, g, o
	h       int
}

func newLSTMCell(ps *autograd.Params, name string, in, units int, rng *rand.Rand) *lstmCell {
	b := autograd.New(1, 4*units)
	for j := units; j < 2*units; j++ {
		b.Data[j] = 1 // forget gate bias
	}
	return &lstmCell{
		w: ps.Add(name+"/W", autograd.Xavier(rng, in, 4*units)),
		u: ps.Add(name+"/U", autograd.Xavier(rng, units, 4*units)),
		b: ps.Add(name+"/b", b),
		h: units,
	}
}

func (l *lstmCell) units() int { return l.h }

func (l *lstmCell) project(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	return tp.AddRow(tp.MatMul(x, l.w), l.b)
}

func (l *lstmCell) step(tp *autograd.Tape, xp, h, c *autograd.Tensor) (*autograd.Tensor, *autograd.Tensor) {
	z := tp.Add(xp, tp.MatMul(h, l.u))
	H := l.h
	i := tp.Sigmoid(tp.SliceCols(z, 0, H))
	f := tp.Sigmoid(tp.SliceCols(z, H, 2*H))
	g := tp.Tanh(tp.SliceCols(z, 2*H, 3*H))
	o := tp.Sigmoid(tp.SliceCols(z, 3*H, 4*H))
	c = tp.Add(tp.Mul(f, c), tp.Mul(i, g))
	return tp.Mul(o, tp.Tanh(c)), c
}

type gruCell struct {
	w   *autograd.Tensor // in x 3H; gate order z, r, n
	uzr *autograd.Tensor // H x 2H
	un  *autograd.Tensor // H x H
	b   *autograd.Tensor // 1 x 3H
	h   int
}

func newGRUCell(ps *autograd.Params, name string, in, units int, rng *rand.Rand) *gruCell {
	return &gruCell{
		w:   ps.Add(name+"/W", autograd.Xavier(rng, in, 3*units)),
		uzr: ps.Add(name+"/Uzr", autograd.Xavier(rng, units, 2*units)),
		un:  ps.Add(name+"/Un", autograd.Xavier(rng, units, units)),
		b:   ps.Add(name+"/b", autograd.New(1, 3*units)),
		h:   units,
	}
}

func (g *gruCell) units() int { return g.h }

func (g *gruCell) project(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	return tp.AddRow(tp.MatMul(x, g.w), g.b)
}

func (g *gruCell) step(tp *autograd.Tape, xp, h, _ *autograd.Tensor) (*autograd.Tensor, *autograd.Tensor) {
	H := g.h
	hzr := tp.MatMul(h, g.uzr)
	z := tp.Sigmoid(tp.Add(tp.SliceCols(xp, 0, H), tp.SliceCols(hzr, 0, H)))
	r := tp.Sigmoid(tp.Add(tp.SliceCols(xp, H, 2*H), tp.SliceCols(hzr, H, 2*H)))
	n := tp.Tanh(tp.Add(tp.SliceCols(xp, 2*H, 3*H), tp.MatMul(tp.Mul(r, h), g.un)))
	h = tp.Add(tp.Mul(tp.OneMinus(z), n), tp.Mul(z, h))
	return h, nil
}

// run unrolls c over the rows of x, backwards when reverse is set. Output
// row t is the state after reading input row t.
func run(tp *autograd.Tape, c cell, x *autograd.Tensor, reverse bool) *autograd.Tensor {
	T := x.Rows
	if T == 0 {
		return autograd.New(0, c.units())
	}
	xp := c.project(tp, x)
	h := autograd.New(1, c.units())
	st := autograd.New(1, c.units())
	out := make([]*autograd.Tensor, T)
	for k := range T {
		t := k
		if reverse {
			t = T - 1 - k
		}
		h, st = c.step(tp, tp.SliceRows(xp, t, t+1), h, st)
		out[t] = h
	}
	return tp.ConcatRows(out...)
}

// EncoderConfig describes the bidirectional encoder.
type EncoderConfig struct {
	Cell      CellType
	Units     int
	Layers    int
	Stacked   bool // stacked bidirectional layers instead of one multi-layer cell per direction
	Residual  bool
	LayerNorm bool
}

// Encoder is a bidirectional recurrent encoder. Output row t is the
// concatenation of the forward and backward states at t.
//
// With Stacked, layer l+1 reads the concatenated output of layer l. Without
// it, each direction runs its own multi-layer stack and the two are joined at
// the end. When both Residual and LayerNorm are on, a layer computes
// LN(x + f(x)).
type Encoder struct {
	cfg   EncoderConfig
	fw    []cell
	bw    []cell
	norms []*LayerNorm // per layer (stacked) or per direction and layer (fused: fw first)
}

// NewEncoder registers the recurrent weights for inputs of width in.
func NewEncoder(ps *autograd.Params, in int, cfg EncoderConfig, rng *rand.Rand) (*Encoder, error) {
	if cfg.Units < 1 {
		return nil, configErr("num_units must be positive, got %d", cfg.Units)
	}
	if cfg.Layers < 1 {
		cfg.Layers = 1
	}
	e := &Encoder{cfg: cfg}
	fwIn, bwIn := in, in
	for l := range cfg.Layers {
		name := "encoder/" + strconv.Itoa(l)
		e.fw = append(e.fw, newCell(cfg.Cell, ps, name+"/fw", fwIn, cfg.Units, rng))
		e.bw = append(e.bw, newCell(cfg.Cell, ps, name+"/bw", bwIn, cfg.Units, rng))
		if cfg.Stacked {
			if cfg.LayerNorm {
				e.norms = append(e.norms, NewLayerNorm(ps, name+"/norm", 2*cfg.Units))
			}
			fwIn, bwIn = 2*cfg.Units, 2*cfg.Units
			continue
		}
		fwIn, bwIn = cfg.Units, cfg.Units
	}
	if !cfg.Stacked && cfg.LayerNorm {
		for _, dir := range []string{"fw", "bw"} {
			for l := range cfg.Layers {
				e.norms = append(e.norms, NewLayerNorm(ps, fmt.Sprintf("encoder/%d/%s/norm", l, dir), cfg.Units))
			}
		}
	}
	return e, nil
}

// OutputDim returns 2*Units.
func (e *Encoder) OutputDim() int { return 2 * e.cfg.Units }

// Forward encodes one sentence; x has one row per real token.
func (e *Encoder) Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	if e.cfg.Stacked {
		for l := range e.fw {
			out := tp.ConcatCols(run(tp, e.fw[l], x, false), run(tp, e.bw[l], x, true))
			x = e.finish(tp, x, out, l)
		}
		return x
	}
	fw, bw := x, x
	for l := range e.fw {
		fw = e.finish(tp, fw, run(tp, e.fw[l], fw, false), l)
	}
	for l := range e.bw {
		bw = e.finish(tp, bw, run(tp, e.bw[l], bw, true), len(e.fw)+l)
	}
	return tp.ConcatCols(fw, bw)
}

// finish applies the residual connection and layer normalization of one layer.
func (e *Encoder) finish(tp *autograd.Tape, in, out *autograd.Tensor, norm int) *autograd.Tensor {
	if e.cfg.Residual && in.Cols == out.Cols {
		out = tp.Add(in, out)
	}
	if e.cfg.LayerNorm {
		out = e.norms[norm].Forward(tp, out)
	}
	return out
}
