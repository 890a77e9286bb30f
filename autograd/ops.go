package autograd

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// gemm computes c = alpha*op(a)*op(b) + beta*c on raw row-major buffers.
// ar, ac and br, bc are the stored shapes of a and b.
func gemm(tA, tB bool, alpha float64, a []float64, ar, ac int, b []float64, br, bc int, beta float64, c []float64, cr, cc int) {
	m, k := ar, ac
	if tA {
		m, k = ac, ar
	}
	n := bc
	if tB {
		n = br
	}
	if m == 0 || n == 0 || k == 0 {
		return
	}
	ta, tb := blas.NoTrans, blas.NoTrans
	if tA {
		ta = blas.Trans
	}
	if tB {
		tb = blas.Trans
	}
	blas64.Gemm(ta, tb, alpha,
		blas64.General{Rows: ar, Cols: ac, Stride: ac, Data: a},
		blas64.General{Rows: br, Cols: bc, Stride: bc, Data: b},
		beta,
		blas64.General{Rows: cr, Cols: cc, Stride: cc, Data: c})
}

// MatMul returns a·b.
func (tp *Tape) MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		shapePanic("MatMul", a, b)
	}
	out := New(a.Rows, b.Cols)
	gemm(false, false, 1, a.Data, a.Rows, a.Cols, b.Data, b.Rows, b.Cols, 0, out.Data, out.Rows, out.Cols)
	return tp.record(out, func() {
		if a.Grad != nil {
			gemm(false, true, 1, out.Grad, out.Rows, out.Cols, b.Data, b.Rows, b.Cols, 1, a.Grad, a.Rows, a.Cols)
		}
		if b.Grad != nil {
			gemm(true, false, 1, a.Data, a.Rows, a.Cols, out.Grad, out.Rows, out.Cols, 1, b.Grad, b.Rows, b.Cols)
		}
	}, a, b)
}

// AddRow adds the 1 x Cols row vector b to every row of a.
func (tp *Tape) AddRow(a, b *Tensor) *Tensor {
	if b.Rows != 1 || b.Cols != a.Cols {
		shapePanic("AddRow", a, b)
	}
	out := New(a.Rows, a.Cols)
	for i := range a.Rows {
		row, src := out.Row(i), a.Row(i)
		for j := range row {
			row[j] = src[j] + b.Data[j]
		}
	}
	return tp.record(out, func() {
		if a.Grad != nil {
			for i, g := range out.Grad {
				a.Grad[i] += g
			}
		}
		if b.Grad != nil {
			for i := range out.Rows {
				for j, g := range out.GradRow(i) {
					b.Grad[j] += g
				}
			}
		}
	}, a, b)
}

func sameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		shapePanic(op, a, b)
	}
}

// Add returns a + b.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	sameShape("Add", a, b)
	out := New(a.Rows, a.Cols)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return tp.record(out, func() {
		accumulate(a, out.Grad, 1)
		accumulate(b, out.Grad, 1)
	}, a, b)
}

// Sub returns a - b.
func (tp *Tape) Sub(a, b *Tensor) *Tensor {
	sameShape("Sub", a, b)
	out := New(a.Rows, a.Cols)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return tp.record(out, func() {
		accumulate(a, out.Grad, 1)
		accumulate(b, out.Grad, -1)
	}, a, b)
}

func accumulate(t *Tensor, g []float64, scale float64) {
	if t.Grad == nil {
		return
	}
	for i, v := range g {
		t.Grad[i] += scale * v
	}
}

// Mul returns the elementwise product a ⊙ b.
func (tp *Tape) Mul(a, b *Tensor) *Tensor {
	sameShape("Mul", a, b)
	out := New(a.Rows, a.Cols)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return tp.record(out, func() {
		if a.Grad != nil {
			for i, g := range out.Grad {
				a.Grad[i] += g * b.Data[i]
			}
		}
		if b.Grad != nil {
			for i, g := range out.Grad {
				b.Grad[i] += g * a.Data[i]
			}
		}
	}, a, b)
}

// AddN sums same-shaped tensors.
func (tp *Tape) AddN(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("autograd: AddN of nothing")
	}
	out := New(ts[0].Rows, ts[0].Cols)
	for _, t := range ts {
		sameShape("AddN", ts[0], t)
		for i, v := range t.Data {
			out.Data[i] += v
		}
	}
	return tp.record(out, func() {
		for _, t := range ts {
			accumulate(t, out.Grad, 1)
		}
	}, ts...)
}

// Scale returns s*a.
func (tp *Tape) Scale(a *Tensor, s float64) *Tensor {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = s * v
	}
	return tp.record(out, func() {
		accumulate(a, out.Grad, s)
	}, a)
}

// OneMinus returns 1 - a.
func (tp *Tape) OneMinus(a *Tensor) *Tensor {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = 1 - v
	}
	return tp.record(out, func() {
		accumulate(a, out.Grad, -1)
	}, a)
}

// unary applies f elementwise; df receives (input, output) and returns the
// local derivative.
func (tp *Tape) unary(a *Tensor, f func(float64) float64, df func(x, y float64) float64) *Tensor {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			a.Grad[i] += g * df(a.Data[i], out.Data[i])
		}
	}, a)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Sigmoid applies the logistic function.
func (tp *Tape) Sigmoid(a *Tensor) *Tensor {
	return tp.unary(a, sigmoid, func(_, y float64) float64 { return y * (1 - y) })
}

// Tanh applies the hyperbolic tangent.
func (tp *Tape) Tanh(a *Tensor) *Tensor {
	return tp.unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// ReLU applies max(0, x).
func (tp *Tape) ReLU(a *Tensor) *Tensor {
	return tp.unary(a, func(x float64) float64 { return math.Max(0, x) }, func(x, _ float64) float64 {
		if x > 0 {
			return 1
		}
		return 0
	})
}

// ConcatCols joins tensors with equal row counts side by side.
func (tp *Tape) ConcatCols(ts ...*Tensor) *Tensor {
	if len(ts) == 1 {
		return ts[0]
	}
	rows, cols := ts[0].Rows, 0
	for _, t := range ts {
		if t.Rows != rows {
			shapePanic("ConcatCols", ts...)
		}
		cols += t.Cols
	}
	out := New(rows, cols)
	for i := range rows {
		dst := out.Row(i)
		off := 0
		for _, t := range ts {
			copy(dst[off:], t.Row(i))
			off += t.Cols
		}
	}
	return tp.record(out, func() {
		for i := range rows {
			g := out.GradRow(i)
			off := 0
			for _, t := range ts {
				if t.Grad != nil {
					tg := t.GradRow(i)
					for j := range tg {
						tg[j] += g[off+j]
					}
				}
				off += t.Cols
			}
		}
	}, ts...)
}

// ConcatRows stacks tensors with equal column counts.
func (tp *Tape) ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 1 {
		return ts[0]
	}
	rows, cols := 0, ts[0].Cols
	for _, t := range ts {
		if t.Cols != cols {
			shapePanic("ConcatRows", ts...)
		}
		rows += t.Rows
	}
	out := New(rows, cols)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return tp.record(out, func() {
		off := 0
		for _, t := range ts {
			accumulate(t, out.Grad[off:off+len(t.Data)], 1)
			off += len(t.Data)
		}
	}, ts...)
}

// SliceRows returns rows [from, to).
func (tp *Tape) SliceRows(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Rows || from > to {
		shapePanic("SliceRows", a)
	}
	out := New(to-from, a.Cols)
	copy(out.Data, a.Data[from*a.Cols:to*a.Cols])
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		g := a.Grad[from*a.Cols : to*a.Cols]
		for i, v := range out.Grad {
			g[i] += v
		}
	}, a)
}

// SliceCols returns columns [from, to).
func (tp *Tape) SliceCols(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Cols || from > to {
		shapePanic("SliceCols", a)
	}
	out := New(a.Rows, to-from)
	for i := range a.Rows {
		copy(out.Row(i), a.Row(i)[from:to])
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for i := range a.Rows {
			g := a.GradRow(i)[from:to]
			for j, v := range out.GradRow(i) {
				g[j] += v
			}
		}
	}, a)
}

// Gather returns the rows of table selected by ids. Gradients are
// scatter-added back into the table.
func (tp *Tape) Gather(table *Tensor, ids []int) *Tensor {
	out := New(len(ids), table.Cols)
	for i, id := range ids {
		copy(out.Row(i), table.Row(id))
	}
	return tp.record(out, func() {
		if table.Grad == nil {
			return
		}
		for i, id := range ids {
			g := table.GradRow(id)
			for j, v := range out.GradRow(i) {
				g[j] += v
			}
		}
	}, table)
}

// PadRows surrounds a with before and after zero rows.
func (tp *Tape) PadRows(a *Tensor, before, after int) *Tensor {
	if before == 0 && after == 0 {
		return a
	}
	out := New(a.Rows+before+after, a.Cols)
	copy(out.Data[before*a.Cols:], a.Data)
	return tp.record(out, func() {
		accumulate(a, out.Grad[before*a.Cols:(before+a.Rows)*a.Cols], 1)
	}, a)
}

// Unfold turns a T x C sequence into its (T-k+1) x (k*C) sliding windows, so
// a width-k 1-D convolution becomes one MatMul.
func (tp *Tape) Unfold(a *Tensor, k int) *Tensor {
	if k < 1 || k > a.Rows {
		shapePanic("Unfold", a)
	}
	n := a.Rows - k + 1
	out := New(n, k*a.Cols)
	for i := range n {
		copy(out.Row(i), a.Data[i*a.Cols:(i+k)*a.Cols])
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for i := range n {
			g := a.Grad[i*a.Cols : (i+k)*a.Cols]
			for j, v := range out.GradRow(i) {
				g[j] += v
			}
		}
	}, a)
}

// MaxPoolRows takes the column-wise maximum over the first n rows and
// returns a 1 x Cols tensor. Rows at or beyond n never win.
func (tp *Tape) MaxPoolRows(a *Tensor, n int) *Tensor {
	if n < 1 || n > a.Rows {
		shapePanic("MaxPoolRows", a)
	}
	out := New(1, a.Cols)
	arg := make([]int, a.Cols)
	for j := range a.Cols {
		best := math.Inf(-1)
		for i := range n {
			if v := a.At(i, j); v > best {
				best, arg[j] = v, i
			}
		}
		out.Data[j] = best
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for j, g := range out.Grad {
			a.Grad[arg[j]*a.Cols+j] += g
		}
	}, a)
}

// Transpose returns aᵀ.
func (tp *Tape) Transpose(a *Tensor) *Tensor {
	out := New(a.Cols, a.Rows)
	for i := range a.Rows {
		for j := range a.Cols {
			out.Data[j*a.Rows+i] = a.Data[i*a.Cols+j]
		}
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for i := range a.Rows {
			for j := range a.Cols {
				a.Grad[i*a.Cols+j] += out.Grad[j*a.Rows+i]
			}
		}
	}, a)
}

// MaskedSoftmaxRows applies a softmax to the first valid columns of each row.
// Columns at or beyond valid get probability zero.
func (tp *Tape) MaskedSoftmaxRows(a *Tensor, valid int) *Tensor {
	if valid < 1 || valid > a.Cols {
		shapePanic("MaskedSoftmaxRows", a)
	}
	out := New(a.Rows, a.Cols)
	for i := range a.Rows {
		src, dst := a.Row(i)[:valid], out.Row(i)[:valid]
		m := math.Inf(-1)
		for _, v := range src {
			m = math.Max(m, v)
		}
		var z float64
		for j, v := range src {
			dst[j] = math.Exp(v - m)
			z += dst[j]
		}
		for j := range dst {
			dst[j] /= z
		}
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for i := range a.Rows {
			y, g, ag := out.Row(i)[:valid], out.GradRow(i)[:valid], a.GradRow(i)
			var dot float64
			for j := range y {
				dot += g[j] * y[j]
			}
			for j := range y {
				ag[j] += y[j] * (g[j] - dot)
			}
		}
	}, a)
}

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// the 1 x Cols gain and bias.
func (tp *Tape) LayerNorm(a, gain, bias *Tensor, eps float64) *Tensor {
	if gain.Cols != a.Cols || bias.Cols != a.Cols {
		shapePanic("LayerNorm", a, gain, bias)
	}
	d := float64(a.Cols)
	out := New(a.Rows, a.Cols)
	xhat := make([]float64, len(a.Data))
	istd := make([]float64, a.Rows)
	for i := range a.Rows {
		x := a.Row(i)
		var mean float64
		for _, v := range x {
			mean += v
		}
		mean /= d
		var variance float64
		for _, v := range x {
			variance += (v - mean) * (v - mean)
		}
		variance /= d
		istd[i] = 1 / math.Sqrt(variance+eps)
		xh, y := xhat[i*a.Cols:(i+1)*a.Cols], out.Row(i)
		for j, v := range x {
			xh[j] = (v - mean) * istd[i]
			y[j] = xh[j]*gain.Data[j] + bias.Data[j]
		}
	}
	return tp.record(out, func() {
		for i := range a.Rows {
			g := out.GradRow(i)
			xh := xhat[i*a.Cols : (i+1)*a.Cols]
			if gain.Grad != nil {
				for j := range g {
					gain.Grad[j] += g[j] * xh[j]
				}
			}
			if bias.Grad != nil {
				for j := range g {
					bias.Grad[j] += g[j]
				}
			}
			if a.Grad == nil {
				continue
			}
			var sum1, sum2 float64
			for j := range g {
				gy := g[j] * gain.Data[j]
				sum1 += gy
				sum2 += gy * xh[j]
			}
			ag := a.GradRow(i)
			for j := range g {
				gy := g[j] * gain.Data[j]
				ag[j] += (d*gy - sum1 - xh[j]*sum2) * istd[i] / d
			}
		}
	}, a, gain, bias)
}

// Dropout zeroes each element with probability 1-keep and scales survivors by
// 1/keep. keep >= 1 returns a unchanged.
func (tp *Tape) Dropout(a *Tensor, keep float64, rng *rand.Rand) *Tensor {
	if keep >= 1 {
		return a
	}
	mask := make([]float64, len(a.Data))
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
		out.Data[i] = v * mask[i]
	}
	return tp.record(out, func() {
		if a.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			a.Grad[i] += g * mask[i]
		}
	}, a)
}

// SoftmaxCrossEntropy returns the summed negative log-likelihood of labels
// under a row-wise softmax of logits, as a 1x1 tensor.
func (tp *Tape) SoftmaxCrossEntropy(logits *Tensor, labels []int) *Tensor {
	if len(labels) != logits.Rows {
		shapePanic("SoftmaxCrossEntropy", logits)
	}
	probs := make([]float64, len(logits.Data))
	var loss float64
	for i, y := range labels {
		row, p := logits.Row(i), probs[i*logits.Cols:(i+1)*logits.Cols]
		m := math.Inf(-1)
		for _, v := range row {
			m = math.Max(m, v)
		}
		var z float64
		for j, v := range row {
			p[j] = math.Exp(v - m)
			z += p[j]
		}
		for j := range p {
			p[j] /= z
		}
		loss += m + math.Log(z) - row[y]
	}
	out := FromSlice(1, 1, []float64{loss})
	return tp.record(out, func() {
		if logits.Grad == nil {
			return
		}
		g := out.Grad[0]
		for i, y := range labels {
			lg, p := logits.GradRow(i), probs[i*logits.Cols:(i+1)*logits.Cols]
			for j := range lg {
				d := p[j]
				if j == y {
					d--
				}
				lg[j] += g * d
			}
		}
	}, logits)
}

// Scalar records a fused scalar function of inputs whose value and partial
// derivatives were computed by the caller. partials[i] must have the length
// of inputs[i].Data.
func (tp *Tape) Scalar(value float64, inputs []*Tensor, partials [][]float64) *Tensor {
	out := FromSlice(1, 1, []float64{value})
	return tp.record(out, func() {
		g := out.Grad[0]
		for i, in := range inputs {
			accumulate(in, partials[i], g)
		}
	}, inputs...)
}
