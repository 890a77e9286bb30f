package autograd

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Params is an ordered, named set of parameter tensors.
type Params struct {
	names  []string
	byName map[string]*Tensor
	frozen map[string]bool
}

// NewParams returns an empty set.
func NewParams() *Params {
	return &Params{
		byName: make(map[string]*Tensor),
		frozen: make(map[string]bool),
	}
}

// Add registers t under name with gradient tracking on. It panics on a
// duplicate name, which is a construction bug.
func (p *Params) Add(name string, t *Tensor) *Tensor {
	if _, ok := p.byName[name]; ok {
		panic(fmt.Sprintf("autograd: duplicate parameter %q", name))
	}
	p.names = append(p.names, name)
	p.byName[name] = t.SetRequiresGrad(true)
	return t
}

// AddFrozen registers t under name without gradient tracking. Frozen tensors
// are persisted like any other but never updated.
func (p *Params) AddFrozen(name string, t *Tensor) *Tensor {
	p.Add(name, t)
	p.frozen[name] = true
	t.SetRequiresGrad(false)
	return t
}

// Get looks a parameter up by name.
func (p *Params) Get(name string) (*Tensor, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Names returns parameter names in registration order.
func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// Frozen reports whether name was registered with AddFrozen.
func (p *Params) Frozen(name string) bool { return p.frozen[name] }

// Trainable returns the tensors that receive gradients, in registration order.
func (p *Params) Trainable() []*Tensor {
	out := make([]*Tensor, 0, len(p.names))
	for _, n := range p.names {
		if !p.frozen[n] {
			out = append(out, p.byName[n])
		}
	}
	return out
}

// ZeroGrad clears every gradient.
func (p *Params) ZeroGrad() {
	for _, t := range p.byName {
		t.ZeroGrad()
	}
}

// Count returns the number of scalar parameters.
func (p *Params) Count() int {
	n := 0
	for _, t := range p.byName {
		n += t.Len()
	}
	return n
}

// AllFinite reports whether every parameter value is finite.
func (p *Params) AllFinite() bool {
	for _, t := range p.byName {
		if !t.IsFinite() {
			return false
		}
	}
	return true
}

// Snapshot returns deep copies of all values keyed by name.
func (p *Params) Snapshot() map[string]*Tensor {
	out := make(map[string]*Tensor, len(p.names))
	for _, n := range p.names {
		out[n] = p.byName[n].Clone()
	}
	return out
}

// Restore copies values from src into the registered tensors. Every
// registered name must be present with a matching shape.
func (p *Params) Restore(src map[string]*Tensor) error {
	var missing []string
	for _, n := range p.names {
		s, ok := src[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		dst := p.byName[n]
		if s.Rows != dst.Rows || s.Cols != dst.Cols {
			return fmt.Errorf("parameter %q: shape %dx%d, want %dx%d", n, s.Rows, s.Cols, dst.Rows, dst.Cols)
		}
		copy(dst.Data, s.Data)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing parameters: %v", missing)
	}
	return nil
}

// GradNorm returns the global L2 norm of all trainable gradients.
func (p *Params) GradNorm() float64 {
	var sum float64
	for _, t := range p.Trainable() {
		sum += floats.Dot(t.Grad, t.Grad)
	}
	return math.Sqrt(sum)
}

// Uniform returns a rows x cols tensor drawn from U(-limit, limit).
func Uniform(rng *rand.Rand, rows, cols int, limit float64) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = (2*rng.Float64() - 1) * limit
	}
	return t
}

// Xavier returns a Glorot-uniform initialized rows x cols tensor.
func Xavier(rng *rand.Rand, rows, cols int) *Tensor {
	return Uniform(rng, rows, cols, math.Sqrt(6/float64(rows+cols)))
}

// Fill returns a rows x cols tensor with every element set to v.
func Fill(rows, cols int, v float64) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}
