package model

import (
	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/crf"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
)

// Loss returns the batch loss as a 1x1 tensor. With a CRF it is the mean
// sentence negative log-likelihood; otherwise the mean token cross-entropy.
// Padded positions never contribute and empty sentences add zero. A nil tape
// evaluates the loss without recording, as for validation.
func (m *Model) Loss(tp *autograd.Tape, b *dataset.Batch, training bool) *autograd.Tensor {
	var terms []*autograd.Tensor
	tokens := 0
	for i := range b.Size() {
		ex := b.Sentence(i)
		n := ex.Len()
		if n == 0 || len(ex.Labels) != n {
			continue
		}
		tokens += n
		labels := make([]int, n)
		for t, id := range ex.Labels {
			labels[t] = dataset.LabelIndex(id)
		}
		e := m.Emissions(tp, ex, training)
		if m.trans == nil {
			terms = append(terms, tp.SoftmaxCrossEntropy(e, labels))
			continue
		}
		tr, _ := m.Transitions()
		nll, dE, dT := crf.NLL(e.RowSlices(), labels, n, tr)
		terms = append(terms, tp.Scalar(nll, []*autograd.Tensor{e, m.trans}, [][]float64{flatten(dE), dT}))
	}
	if len(terms) == 0 {
		return autograd.New(1, 1)
	}
	denom := b.Size()
	if m.trans == nil {
		denom = tokens
	}
	return tp.Scale(tp.AddN(terms...), 1/float64(denom))
}

func flatten(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

// Decode returns the best label index sequence of every sentence in b, cut
// to its true length.
func (m *Model) Decode(b *dataset.Batch) [][]int {
	out := make([][]int, b.Size())
	for i := range b.Size() {
		out[i] = m.DecodeExample(b.Sentence(i))
	}
	return out
}

// DecodeExample decodes one sentence. Empty input gives an empty sequence.
func (m *Model) DecodeExample(ex dataset.Example) []int {
	n := ex.Len()
	if n == 0 {
		return []int{}
	}
	e := m.Emissions(nil, ex, false)
	if tr, ok := m.Transitions(); ok {
		path, _ := crf.Viterbi(e.RowSlices(), n, tr)
		return path
	}
	path := make([]int, n)
	for t := range n {
		row := e.Row(t)
		best := 0
		for y, v := range row {
			if v > row[best] {
				best = y
			}
		}
		path[t] = best
	}
	return path
}

// Tag decodes raw tokens and returns one label string per token.
func (m *Model) Tag(tokens []string) []string {
	path := m.DecodeExample(m.vocab.Encode(tokens))
	labels := make([]string, len(path))
	for t, y := range path {
		labels[t] = m.vocab.LabelName(y)
	}
	return labels
}
