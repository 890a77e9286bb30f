package train

import (
	"fmt"
	"sort"
	"strings"
)

// Score holds chunk-level precision, recall and F1 plus token accuracy, all in
// percent.
type Score struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`

	Correct   int `json:"correct"`   // chunks found in both
	Predicted int `json:"predicted"` // chunks in the prediction
	Gold      int `json:"gold"`      // chunks in the reference
	Tokens    int `json:"tokens"`
}

// Map returns the percentages keyed by name, for metrics and summaries.
func (s Score) Map() map[string]float64 {
	return map[string]float64{
		"precision": s.Precision,
		"recall":    s.Recall,
		"f1":        s.F1,
		"accuracy":  s.Accuracy,
	}
}

// Evaluation is an overall score with a breakdown by chunk type.
type Evaluation struct {
	Score
	Labels map[string]Score `json:"labels"`
}

type chunk struct {
	start, end int // inclusive
	kind       string
}

// splitTag splits "B-PER" into ("B", "PER"). Tags without a chunk prefix are
// single-token chunks of their own type; "O" is outside.
func splitTag(tag string) (prefix, kind string) {
	if tag == "O" || tag == "" {
		return "O", ""
	}
	if len(tag) > 2 && tag[1] == '-' {
		switch tag[0] {
		case 'B', 'I', 'E', 'S':
			return tag[:1], tag[2:]
		}
	}
	return "S", tag
}

// chunks extracts the chunks of one tag sequence using the conlleval rules
// for BIO and BIOES tagging.
func chunks(tags []string) []chunk {
	var out []chunk
	prevPrefix, prevKind := "O", ""
	start := -1
	for i, tag := range tags {
		prefix, kind := splitTag(tag)
		if start >= 0 && chunkEnds(prevPrefix, prefix, prevKind, kind) {
			out = append(out, chunk{start, i - 1, prevKind})
			start = -1
		}
		if chunkStarts(prevPrefix, prefix, prevKind, kind) {
			start = i
		}
		prevPrefix, prevKind = prefix, kind
	}
	if start >= 0 {
		out = append(out, chunk{start, len(tags) - 1, prevKind})
	}
	return out
}

func chunkEnds(prev, cur, prevKind, kind string) bool {
	switch prev {
	case "E", "S":
		return true
	case "B", "I":
		return cur == "B" || cur == "S" || cur == "O" || prevKind != kind
	}
	return false
}

func chunkStarts(prev, cur, prevKind, kind string) bool {
	switch cur {
	case "B", "S":
		return true
	case "I", "E":
		return prev == "E" || prev == "S" || prev == "O" || prevKind != kind
	}
	return false
}

type counts struct{ correct, predicted, gold int }

func (c counts) score() Score {
	s := Score{Correct: c.correct, Predicted: c.predicted, Gold: c.gold}
	if c.predicted > 0 {
		s.Precision = 100 * float64(c.correct) / float64(c.predicted)
	}
	if c.gold > 0 {
		s.Recall = 100 * float64(c.correct) / float64(c.gold)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// Evaluate scores predicted tag sequences against gold ones. Sentences are
// paired by index and must have equal lengths.
func Evaluate(gold, pred [][]string) Evaluation {
	var total counts
	byKind := make(map[string]*counts)
	get := func(k string) *counts {
		if byKind[k] == nil {
			byKind[k] = &counts{}
		}
		return byKind[k]
	}
	tokens, tokenHits := 0, 0
	for i := range gold {
		g, p := gold[i], pred[i]
		for t := range g {
			tokens++
			if t < len(p) && g[t] == p[t] {
				tokenHits++
			}
		}
		goldChunks := chunks(g)
		predSet := make(map[chunk]bool)
		for _, c := range chunks(p) {
			predSet[c] = true
			total.predicted++
			get(c.kind).predicted++
		}
		for _, c := range goldChunks {
			total.gold++
			get(c.kind).gold++
			if predSet[c] {
				total.correct++
				get(c.kind).correct++
			}
		}
	}
	ev := Evaluation{Score: total.score(), Labels: make(map[string]Score, len(byKind))}
	ev.Tokens = tokens
	if tokens > 0 {
		ev.Accuracy = 100 * float64(tokenHits) / float64(tokens)
	}
	for k, c := range byKind {
		ev.Labels[k] = c.score()
	}
	return ev
}

// Report renders the evaluation as a conlleval-style table.
func (e Evaluation) Report() string {
	var b strings.Builder
	b.WriteString(formatRow("overall", e.Score, true))
	kinds := make([]string, 0, len(e.Labels))
	for k := range e.Labels {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		b.WriteString(formatRow(k, e.Labels[k], false))
	}
	return b.String()
}

func formatRow(name string, s Score, withAccuracy bool) string {
	if withAccuracy {
		return fmt.Sprintf("%-10s accuracy: %6.2f%%; precision: %6.2f%%; recall: %6.2f%%; FB1: %6.2f\n",
			name, s.Accuracy, s.Precision, s.Recall, s.F1)
	}
	return fmt.Sprintf("%-10s precision: %6.2f%%; recall: %6.2f%%; FB1: %6.2f  %d\n",
		name, s.Precision, s.Recall, s.F1, s.Predicted)
}
