package crf

import (
	"math"
	"math/rand/v2"
	"testing"
)

func randomProblem(rng *rand.Rand, T, L int) ([][]float64, Transitions) {
	emissions := make([][]float64, T)
	for t := range emissions {
		emissions[t] = make([]float64, L)
		for y := range emissions[t] {
			emissions[t][y] = rng.NormFloat64() * 2
		}
	}
	tr := NewTransitions(L)
	for i := range tr.Scores {
		tr.Scores[i] = rng.NormFloat64()
	}
	return emissions, tr
}

// allPaths enumerates every label assignment of length n over L labels.
func allPaths(n, L int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range allPaths(n-1, L) {
		for y := range L {
			out = append(out, append(append([]int(nil), p...), y))
		}
	}
	return out
}

func TestViterbiSimple(t *testing.T) {
	// 2 positions, 2 labels, START/END transitions all zero
	emissions := [][]float64{
		{1.0, 0.5},
		{0.3, 2.0},
	}
	tr := NewTransitions(2)
	tr.Set(0, 0, 0.1)
	tr.Set(0, 1, 0.2)
	tr.Set(1, 0, 0.3)
	tr.Set(1, 1, 0.1)

	path, score := Viterbi(emissions, 2, tr)
	if len(path) != 2 {
		t.Fatalf("path length = %d, want 2", len(path))
	}

	// Best path is [0, 1]: 1.0 + 0.2 + 2.0 = 3.2
	// vs [0,0]: 1.4, [1,0]: 1.1, [1,1]: 2.6
	if path[0] != 0 || path[1] != 1 {
		t.Errorf("path = %v, want [0, 1]", path)
	}
	if math.Abs(score-3.2) > 1e-10 {
		t.Errorf("score = %v, want 3.2", score)
	}
}

func TestForwardMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	for n := 1; n <= 4; n++ {
		for _, L := range []int{1, 2, 3} {
			emissions, tr := randomProblem(rng, n, L)

			var z float64
			for _, p := range allPaths(n, L) {
				z += math.Exp(SequenceScore(emissions, p, n, tr))
			}
			want := math.Log(z)

			if got := LogPartition(emissions, n, tr); math.Abs(got-want) > 1e-9 {
				t.Errorf("n=%d L=%d: LogPartition = %v, want %v", n, L, got, want)
			}
			if got := ForwardBackward(emissions, n, tr).LogZ; math.Abs(got-want) > 1e-9 {
				t.Errorf("n=%d L=%d: ForwardBackward.LogZ = %v, want %v", n, L, got, want)
			}
		}
	}
}

func TestViterbiMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	for trial := range 50 {
		n := 1 + trial%4
		L := 2 + trial%3
		emissions, tr := randomProblem(rng, n, L)

		best := math.Inf(-1)
		var bestPath []int
		for _, p := range allPaths(n, L) {
			if s := SequenceScore(emissions, p, n, tr); s > best {
				best, bestPath = s, p
			}
		}

		path, score := Viterbi(emissions, n, tr)
		if math.Abs(score-best) > 1e-9 {
			t.Errorf("trial %d: score = %v, want %v", trial, score, best)
		}
		for i := range bestPath {
			if path[i] != bestPath[i] {
				t.Errorf("trial %d: path = %v, want %v", trial, path, bestPath)
				break
			}
		}
	}
}

func TestViterbiTiesPickFirstIndex(t *testing.T) {
	emissions := [][]float64{{0, 0, 0}, {0, 0, 0}}
	tr := NewTransitions(3)
	path, _ := Viterbi(emissions, 2, tr)
	if path[0] != 0 || path[1] != 0 {
		t.Errorf("path = %v, want [0 0]", path)
	}
}

func TestSingleToken(t *testing.T) {
	emissions := [][]float64{{0.5, -1}}
	tr := NewTransitions(2)
	tr.Set(tr.Start(), 1, 3)
	tr.Set(1, tr.End(), 1)

	path, score := Viterbi(emissions, 1, tr)
	if len(path) != 1 || path[0] != 1 {
		t.Fatalf("path = %v, want [1]", path)
	}
	if math.Abs(score-3) > 1e-12 {
		t.Errorf("score = %v, want 3", score)
	}
	want := math.Log(math.Exp(0.5) + math.Exp(3))
	if got := LogPartition(emissions, 1, tr); math.Abs(got-want) > 1e-12 {
		t.Errorf("LogPartition = %v, want %v", got, want)
	}
}

func TestPaddingDoesNotChangeResults(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	emissions, tr := randomProblem(rng, 3, 4)
	labels := []int{2, 0, 3}

	padded := append([][]float64(nil), emissions...)
	for range 4 {
		row := make([]float64, 4)
		for y := range row {
			row[y] = 100 * rng.NormFloat64()
		}
		padded = append(padded, row)
	}

	if a, b := LogPartition(emissions, 3, tr), LogPartition(padded, 3, tr); math.Abs(a-b) > 1e-12 {
		t.Errorf("LogPartition changed with padding: %v vs %v", a, b)
	}
	p1, s1 := Viterbi(emissions, 3, tr)
	p2, s2 := Viterbi(padded, 3, tr)
	if len(p2) != 3 || math.Abs(s1-s2) > 1e-12 {
		t.Fatalf("Viterbi changed with padding: %v/%v vs %v/%v", p1, s1, p2, s2)
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Errorf("path changed with padding: %v vs %v", p1, p2)
		}
	}

	n1, _, _ := NLL(emissions, labels, 3, tr)
	n2, dE, _ := NLL(padded, append(labels, 0, 0, 0, 0), 3, tr)
	if math.Abs(n1-n2) > 1e-12 {
		t.Errorf("NLL changed with padding: %v vs %v", n1, n2)
	}
	for t2 := 3; t2 < len(padded); t2++ {
		for _, g := range dE[t2] {
			if g != 0 {
				t.Fatalf("padded row %d has gradient %v", t2, dE[t2])
			}
		}
	}

	batch := BatchViterbi([][][]float64{padded, emissions}, []int{3, 2}, tr)
	if len(batch[0]) != 3 || len(batch[1]) != 2 {
		t.Errorf("batch path lengths = %d, %d", len(batch[0]), len(batch[1]))
	}
	z := BatchLogPartition([][][]float64{padded}, []int{3}, tr)
	if math.Abs(z[0]-LogPartition(emissions, 3, tr)) > 1e-12 {
		t.Errorf("BatchLogPartition = %v", z[0])
	}
}

func TestNLLGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	emissions, tr := randomProblem(rng, 4, 3)
	labels := []int{1, 1, 0, 2}
	_, dE, dT := NLL(emissions, labels, 4, tr)

	const h = 1e-6
	f := func() float64 {
		v, _, _ := NLL(emissions, labels, 4, tr)
		return v
	}
	for t2 := range emissions {
		for y := range emissions[t2] {
			orig := emissions[t2][y]
			emissions[t2][y] = orig + h
			up := f()
			emissions[t2][y] = orig - h
			down := f()
			emissions[t2][y] = orig
			if want := (up - down) / (2 * h); math.Abs(dE[t2][y]-want) > 1e-6 {
				t.Errorf("dE[%d][%d] = %v, want %v", t2, y, dE[t2][y], want)
			}
		}
	}
	for i := range tr.Scores {
		orig := tr.Scores[i]
		tr.Scores[i] = orig + h
		up := f()
		tr.Scores[i] = orig - h
		down := f()
		tr.Scores[i] = orig
		if want := (up - down) / (2 * h); math.Abs(dT[i]-want) > 1e-6 {
			t.Errorf("dTrans[%d] = %v, want %v", i, dT[i], want)
		}
	}
}

func TestForwardBackwardMarginals(t *testing.T) {
	rng := rand.New(rand.NewPCG(19, 20))
	emissions, tr := randomProblem(rng, 3, 3)
	fb := ForwardBackward(emissions, 3, tr)
	for pos := range 3 {
		var sum float64
		for _, p := range fb.Marginals[pos] {
			sum += p
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("marginals at pos=%d sum to %v, want 1.0", pos, sum)
		}
	}
	for _, m := range TransitionMarginals(fb, emissions, tr) {
		var sum float64
		for _, row := range m {
			for _, p := range row {
				sum += p
			}
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("pairwise marginals sum to %v, want 1.0", sum)
		}
	}
}

func TestEmptySequence(t *testing.T) {
	tr := NewTransitions(2)
	path, _ := Viterbi(nil, 0, tr)
	if len(path) != 0 {
		t.Errorf("path = %v, want empty", path)
	}
	if nll, _, _ := NLL(nil, nil, 0, tr); nll != 0 {
		t.Errorf("NLL = %v, want 0", nll)
	}
}
