// Package optim implements the parameter update rules used by the trainer
// and global-norm gradient clipping.
package optim

import (
	"math"
	"strings"

	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/errs"
	"gonum.org/v1/gonum/floats"
)

// Kind names an update rule.
type Kind int

const (
	Adam Kind = iota
	Adagrad
	SGD
	RMSProp
	Adadelta
)

var kindNames = map[string]Kind{
	"adam":     Adam,
	"adagrad":  Adagrad,
	"sgd":      SGD,
	"rmsprop":  RMSProp,
	"adadelta": Adadelta,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "unknown"
}

// ParseKind maps an optimizer name to its Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindNames[strings.ToLower(s)]; ok {
		return k, nil
	}
	return 0, errs.Configf("optim.ParseKind", "unknown optimizer %q (want adam, adagrad, sgd, rmsprop or adadelta)", s)
}

// Optimizer updates parameters in place from their gradients.
type Optimizer interface {
	// Step applies one update with learning rate lr.
	Step(params []*autograd.Tensor, lr float64)
}

// New returns a fresh optimizer of the given kind with the usual
// hyperparameters.
func New(k Kind) Optimizer {
	switch k {
	case Adagrad:
		return &adagrad{initial: 0.1, acc: map[*autograd.Tensor][]float64{}}
	case SGD:
		return sgd{}
	case RMSProp:
		return &rmsprop{decay: 0.9, eps: 1e-10, ms: map[*autograd.Tensor][]float64{}}
	case Adadelta:
		return &adadelta{rho: 0.95, eps: 1e-6, accGrad: map[*autograd.Tensor][]float64{}, accDelta: map[*autograd.Tensor][]float64{}}
	default:
		return &adam{beta1: 0.9, beta2: 0.999, eps: 1e-8, m: map[*autograd.Tensor][]float64{}, v: map[*autograd.Tensor][]float64{}}
	}
}

func state(m map[*autograd.Tensor][]float64, p *autograd.Tensor, init float64) []float64 {
	s, ok := m[p]
	if !ok {
		s = make([]float64, p.Len())
		if init != 0 {
			for i := range s {
				s[i] = init
			}
		}
		m[p] = s
	}
	return s
}

type sgd struct{}

func (sgd) Step(params []*autograd.Tensor, lr float64) {
	for _, p := range params {
		floats.AddScaled(p.Data, -lr, p.Grad)
	}
}

type adam struct {
	beta1, beta2, eps float64
	t                 int
	m, v              map[*autograd.Tensor][]float64
}

func (a *adam) Step(params []*autograd.Tensor, lr float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for _, p := range params {
		m, v := state(a.m, p, 0), state(a.v, p, 0)
		for i, g := range p.Grad {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			p.Data[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
}

type adagrad struct {
	initial float64
	acc     map[*autograd.Tensor][]float64
}

func (a *adagrad) Step(params []*autograd.Tensor, lr float64) {
	for _, p := range params {
		acc := state(a.acc, p, a.initial)
		for i, g := range p.Grad {
			acc[i] += g * g
			p.Data[i] -= lr * g / math.Sqrt(acc[i])
		}
	}
}

type rmsprop struct {
	decay, eps float64
	ms         map[*autograd.Tensor][]float64
}

func (r *rmsprop) Step(params []*autograd.Tensor, lr float64) {
	for _, p := range params {
		ms := state(r.ms, p, 0)
		for i, g := range p.Grad {
			ms[i] = r.decay*ms[i] + (1-r.decay)*g*g
			p.Data[i] -= lr * g / math.Sqrt(ms[i]+r.eps)
		}
	}
}

type adadelta struct {
	rho, eps          float64
	accGrad, accDelta map[*autograd.Tensor][]float64
}

func (a *adadelta) Step(params []*autograd.Tensor, lr float64) {
	for _, p := range params {
		ag, ad := state(a.accGrad, p, 0), state(a.accDelta, p, 0)
		for i, g := range p.Grad {
			ag[i] = a.rho*ag[i] + (1-a.rho)*g*g
			delta := math.Sqrt(ad[i]+a.eps) / math.Sqrt(ag[i]+a.eps) * g
			ad[i] = a.rho*ad[i] + (1-a.rho)*delta*delta
			p.Data[i] -= lr * delta
		}
	}
}

// ClipGlobalNorm rescales all gradients so their joint L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 disables
// clipping.
func ClipGlobalNorm(params []*autograd.Tensor, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		sum += floats.Dot(p.Grad, p.Grad)
	}
	norm := math.Sqrt(sum)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, p := range params {
			floats.Scale(scale, p.Grad)
		}
	}
	return norm
}
