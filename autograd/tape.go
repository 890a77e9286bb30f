package autograd

import (
	"errors"
	"fmt"
)

// Tape records backward closures in execution order.
type Tape struct {
	steps []func()
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Len returns the number of recorded steps.
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.steps)
}

// record registers back when any input needs a gradient, and gives out a
// gradient buffer in that case.
func (tp *Tape) record(out *Tensor, back func(), inputs ...*Tensor) *Tensor {
	if tp == nil {
		return out
	}
	for _, in := range inputs {
		if in.Grad != nil {
			out.Grad = make([]float64, len(out.Data))
			tp.steps = append(tp.steps, back)
			return out
		}
	}
	return out
}

// Backward seeds d(loss)/d(loss) = 1 and runs the tape in reverse.
// loss must be a 1x1 tensor produced on this tape.
func (tp *Tape) Backward(loss *Tensor) error {
	if tp == nil {
		return errors.New("autograd: Backward on nil tape")
	}
	if loss.Rows != 1 || loss.Cols != 1 {
		return fmt.Errorf("autograd: Backward needs a 1x1 loss, got %dx%d", loss.Rows, loss.Cols)
	}
	if loss.Grad == nil {
		return errors.New("autograd: loss does not depend on any trainable tensor")
	}
	loss.Grad[0] = 1
	for i := len(tp.steps) - 1; i >= 0; i-- {
		tp.steps[i]()
	}
	tp.steps = tp.steps[:0]
	return nil
}
