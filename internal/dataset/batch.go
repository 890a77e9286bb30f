package dataset

import (
	"encoding/json"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"

	"github.com/famasya/neural-sequence-labeling/errs"
)

// Example is one sentence: word ids, per-token character ids and label ids.
// Labels is empty for unlabeled input.
type Example struct {
	Words  []int   `json:"words"`
	Chars  [][]int `json:"chars"`
	Labels []int   `json:"labels,omitempty"`
}

// Len returns the token count.
func (e Example) Len() int { return len(e.Words) }

func (e Example) validate(i int, v *Vocabulary) error {
	if len(e.Chars) != len(e.Words) || (len(e.Labels) != 0 && len(e.Labels) != len(e.Words)) {
		return fmt.Errorf("example %d: %d words, %d char lists, %d labels", i, len(e.Words), len(e.Chars), len(e.Labels))
	}
	if v == nil {
		return nil
	}
	for t, w := range e.Words {
		if w <= PadID || w >= v.Words.Size() {
			return fmt.Errorf("example %d token %d: word id %d out of range", i, t, w)
		}
		for _, c := range e.Chars[t] {
			if c <= PadID || c >= v.Chars.Size() {
				return fmt.Errorf("example %d token %d: char id %d out of range", i, t, c)
			}
		}
	}
	for t, y := range e.Labels {
		if y <= PadID || y >= v.Labels.Size() {
			return fmt.Errorf("example %d token %d: label id %d out of range", i, t, y)
		}
	}
	return nil
}

// SaveExamples writes examples as a JSON array.
func SaveExamples(examples []Example, path string) error {
	data, err := json.Marshal(examples)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadExamples reads an example set and checks every id against v.
// A nil v skips the id range checks.
func LoadExamples(path string, v *Vocabulary) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.Data, "dataset.LoadExamples", err)
	}
	var examples []Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, errs.E(errs.Data, "dataset.LoadExamples", fmt.Errorf("%s: %w", path, err))
	}
	for i, ex := range examples {
		if err := ex.validate(i, v); err != nil {
			return nil, errs.E(errs.Data, "dataset.LoadExamples", fmt.Errorf("%s: %w", path, err))
		}
	}
	return examples, nil
}

// CheckLabeled reports the first non-empty example of the named split that
// has no gold labels.
func CheckLabeled(split string, examples []Example) error {
	for i, ex := range examples {
		if ex.Len() > 0 && len(ex.Labels) != ex.Len() {
			return errs.Dataf("dataset.CheckLabeled", "%s example %d: %d words, %d labels", split, i, ex.Len(), len(ex.Labels))
		}
	}
	return nil
}

// Batch is a rectangular, zero-padded group of examples with explicit
// lengths. Consumers must mask with SentenceLengths and WordLengths and never
// rely on the padding value.
type Batch struct {
	Words           [][]int   // N x maxLen
	Chars           [][][]int // N x maxLen x maxWordLen
	Labels          [][]int   // N x maxLen, nil for unlabeled batches
	SentenceLengths []int     // N
	WordLengths     [][]int   // N x maxLen
}

// NewBatch pads examples to the longest sentence and the longest word.
func NewBatch(examples []Example) *Batch {
	maxLen, maxWord := 0, 0
	labeled := len(examples) > 0
	for _, ex := range examples {
		maxLen = max(maxLen, ex.Len())
		for _, cs := range ex.Chars {
			maxWord = max(maxWord, len(cs))
		}
		if len(ex.Labels) != ex.Len() {
			labeled = false
		}
	}

	n := len(examples)
	b := &Batch{
		Words:           make([][]int, n),
		Chars:           make([][][]int, n),
		SentenceLengths: make([]int, n),
		WordLengths:     make([][]int, n),
	}
	if labeled {
		b.Labels = make([][]int, n)
	}
	for i, ex := range examples {
		b.SentenceLengths[i] = ex.Len()
		b.Words[i] = make([]int, maxLen)
		copy(b.Words[i], ex.Words)
		b.WordLengths[i] = make([]int, maxLen)
		b.Chars[i] = make([][]int, maxLen)
		for t := range maxLen {
			b.Chars[i][t] = make([]int, maxWord)
			if t < ex.Len() {
				copy(b.Chars[i][t], ex.Chars[t])
				b.WordLengths[i][t] = len(ex.Chars[t])
			}
		}
		if labeled {
			b.Labels[i] = make([]int, maxLen)
			copy(b.Labels[i], ex.Labels)
		}
	}
	return b
}

// Size returns the number of sentences.
func (b *Batch) Size() int { return len(b.SentenceLengths) }

// MaxLen returns the padded sentence length.
func (b *Batch) MaxLen() int {
	if len(b.Words) == 0 {
		return 0
	}
	return len(b.Words[0])
}

// Tokens returns the number of real (unpadded) tokens.
func (b *Batch) Tokens() int {
	n := 0
	for _, l := range b.SentenceLengths {
		n += l
	}
	return n
}

// Sentence returns sentence i cut to its true lengths.
func (b *Batch) Sentence(i int) Example {
	n := b.SentenceLengths[i]
	ex := Example{
		Words: b.Words[i][:n],
		Chars: make([][]int, n),
	}
	for t := range n {
		ex.Chars[t] = b.Chars[i][t][:b.WordLengths[i][t]]
	}
	if b.Labels != nil {
		ex.Labels = b.Labels[i][:n]
	}
	return ex
}

// Batcher cuts an example set into padded batches.
type Batcher struct {
	examples []Example
	size     int
	shuffle  bool
	rng      *rand.Rand
}

// NewBatcher returns a batcher over examples. A batchSize < 1 or larger than
// the set yields a single batch. rng is only used when shuffle is set.
func NewBatcher(examples []Example, batchSize int, shuffle bool, rng *rand.Rand) *Batcher {
	if batchSize < 1 || batchSize > len(examples) {
		batchSize = len(examples)
	}
	return &Batcher{examples: examples, size: batchSize, shuffle: shuffle, rng: rng}
}

// Len returns the number of batches per pass.
func (b *Batcher) Len() int {
	if b.size == 0 {
		return 0
	}
	return (len(b.examples) + b.size - 1) / b.size
}

// Examples returns the number of examples.
func (b *Batcher) Examples() int { return len(b.examples) }

// Batches returns a lazy pass over the set. Each call starts a new pass and,
// when shuffling, draws a new order.
func (b *Batcher) Batches() iter.Seq[*Batch] {
	return func(yield func(*Batch) bool) {
		order := make([]int, len(b.examples))
		for i := range order {
			order[i] = i
		}
		if b.shuffle && b.rng != nil {
			b.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for start := 0; start < len(order); start += b.size {
			end := min(start+b.size, len(order))
			group := make([]Example, 0, end-start)
			for _, idx := range order[start:end] {
				group = append(group, b.examples[idx])
			}
			if !yield(NewBatch(group)) {
				return
			}
		}
	}
}

// First returns the first batch of a fresh pass, or nil for an empty set.
func (b *Batcher) First() *Batch {
	for batch := range b.Batches() {
		return batch
	}
	return nil
}
