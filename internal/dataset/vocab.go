// Package dataset holds the data plumbing around the model: vocabularies,
// examples, padded batches, the CoNLL-2003 preprocessor and pretrained
// embedding loading.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/textutil"
)

// Reserved tokens. Id 0 is always padding; open vocabularies (words, chars)
// reserve id 1 for unknown inputs.
const (
	PadToken = "<PAD>"
	UnkToken = "<UNK>"
	PadID    = 0
	UnkID    = 1
)

// Alphabet maps between strings and integer IDs.
type Alphabet struct {
	ToID  map[string]int `json:"to_id"`
	ToStr []string       `json:"to_str"`
	Open  bool           `json:"open"` // unknown strings map to UnkID
}

// NewAlphabet creates an alphabet holding the reserved entries. An open
// alphabet also reserves UnkID.
func NewAlphabet(open bool) *Alphabet {
	a := &Alphabet{ToID: make(map[string]int), Open: open}
	a.Add(PadToken)
	if open {
		a.Add(UnkToken)
	}
	return a
}

// Add adds a string to the alphabet if not already present, returns its ID.
func (a *Alphabet) Add(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	id := len(a.ToStr)
	a.ToID[s] = id
	a.ToStr = append(a.ToStr, s)
	return id
}

// Get returns the ID for a string, or -1 if not found.
func (a *Alphabet) Get(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	return -1
}

// Lookup returns the ID for s. Open alphabets fall back to UnkID; closed
// ones return -1.
func (a *Alphabet) Lookup(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	if a.Open {
		return UnkID
	}
	return -1
}

// String returns the entry for id, or UnkToken when id is out of range.
func (a *Alphabet) String(id int) string {
	if id < 0 || id >= len(a.ToStr) {
		return UnkToken
	}
	return a.ToStr[id]
}

// Size returns the number of entries, reserved ones included.
func (a *Alphabet) Size() int {
	return len(a.ToStr)
}

func (a *Alphabet) validate(name string) error {
	if len(a.ToStr) == 0 || a.ToStr[PadID] != PadToken {
		return fmt.Errorf("%s vocabulary: id %d must be %s", name, PadID, PadToken)
	}
	if a.Open && (len(a.ToStr) < 2 || a.ToStr[UnkID] != UnkToken) {
		return fmt.Errorf("%s vocabulary: id %d must be %s", name, UnkID, UnkToken)
	}
	if len(a.ToID) != len(a.ToStr) {
		return fmt.Errorf("%s vocabulary: %d ids for %d entries", name, len(a.ToID), len(a.ToStr))
	}
	for i, s := range a.ToStr {
		if a.ToID[s] != i {
			return fmt.Errorf("%s vocabulary: %q maps to %d, stored at %d", name, s, a.ToID[s], i)
		}
	}
	return nil
}

// Vocabulary bundles the word, character and label alphabets. Language
// selects the casing rules words (and, with CharLowercase, characters) are
// lowercased with; empty means the language-neutral Unicode rules.
type Vocabulary struct {
	Words         *Alphabet `json:"words"`
	Chars         *Alphabet `json:"chars"`
	Labels        *Alphabet `json:"labels"`
	CharLowercase bool      `json:"char_lowercase"`
	Language      string    `json:"language,omitempty"`

	lower atomic.Pointer[textutil.Lowerer]
}

// NewVocabulary returns a vocabulary holding only the reserved entries.
func NewVocabulary(charLowercase bool) *Vocabulary {
	return &Vocabulary{
		Words:         NewAlphabet(true),
		Chars:         NewAlphabet(true),
		Labels:        NewAlphabet(false),
		CharLowercase: charLowercase,
	}
}

// SetLanguage switches the casing rules to the named language. It fails
// with an UnknownLanguage error when there are no rules for it.
func (v *Vocabulary) SetLanguage(name string) error {
	l, err := textutil.NewLowerer(name)
	if err != nil {
		return err
	}
	v.Language = l.Language()
	v.lower.Store(l)
	return nil
}

func (v *Vocabulary) lowerer() *textutil.Lowerer {
	if l := v.lower.Load(); l != nil {
		return l
	}
	l, err := textutil.NewLowerer(v.Language)
	if err != nil {
		// Validate rejects unknown languages; unvalidated values fall back.
		l, _ = textutil.NewLowerer("")
	}
	v.lower.CompareAndSwap(nil, l)
	return v.lower.Load()
}

// Lower lowercases s with the vocabulary's casing rules.
func (v *Vocabulary) Lower(s string) string { return v.lowerer().String(s) }

// NormalizeWord is the form under which words are stored: lowercased with
// digits collapsed to '0'.
func (v *Vocabulary) NormalizeWord(w string) string {
	return textutil.NormalizeDigits(v.Lower(w))
}

// WordID maps a raw token to its word id.
func (v *Vocabulary) WordID(w string) int {
	return v.Words.Lookup(v.NormalizeWord(w))
}

// CharIDs maps a raw token to its character ids.
func (v *Vocabulary) CharIDs(w string) []int {
	if v.CharLowercase {
		w = v.Lower(w)
	}
	ids := make([]int, 0, len(w))
	for _, r := range w {
		ids = append(ids, v.Chars.Lookup(string(r)))
	}
	return ids
}

// NumLabels returns the number of real labels (padding excluded).
func (v *Vocabulary) NumLabels() int {
	return v.Labels.Size() - 1
}

// LabelIndex converts a label id to the model's 0-based label index.
func LabelIndex(id int) int { return id - 1 }

// LabelID converts a model label index back to a label id.
func LabelID(index int) int { return index + 1 }

// LabelName returns the label string for a model label index.
func (v *Vocabulary) LabelName(index int) string {
	return v.Labels.String(LabelID(index))
}

// LabelNames returns all real labels ordered by model label index.
func (v *Vocabulary) LabelNames() []string {
	return append([]string(nil), v.Labels.ToStr[1:]...)
}

// Encode turns raw tokens into an unlabeled example.
func (v *Vocabulary) Encode(tokens []string) Example {
	ex := Example{
		Words: make([]int, len(tokens)),
		Chars: make([][]int, len(tokens)),
	}
	for i, tok := range tokens {
		ex.Words[i] = v.WordID(tok)
		ex.Chars[i] = v.CharIDs(tok)
	}
	return ex
}

// Validate checks the reserved ids and the id mappings.
func (v *Vocabulary) Validate() error {
	if v.Words == nil || v.Chars == nil || v.Labels == nil {
		return errs.Dataf("dataset.Vocabulary", "vocabulary is missing a section")
	}
	for _, c := range []struct {
		name string
		a    *Alphabet
	}{{"word", v.Words}, {"char", v.Chars}, {"label", v.Labels}} {
		if err := c.a.validate(c.name); err != nil {
			return errs.E(errs.Data, "dataset.Vocabulary", err)
		}
	}
	if v.NumLabels() < 1 {
		return errs.Dataf("dataset.Vocabulary", "label vocabulary is empty")
	}
	if v.Language != "" {
		if _, err := textutil.NewLowerer(v.Language); err != nil {
			return err
		}
	}
	return nil
}

// SaveVocabulary writes v as JSON.
func SaveVocabulary(v *Vocabulary, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadVocabulary reads and validates a JSON vocabulary.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.Data, "dataset.LoadVocabulary", err)
	}
	var v Vocabulary
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errs.E(errs.Data, "dataset.LoadVocabulary", fmt.Errorf("%s: %w", path, err))
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// counter counts string occurrences for vocabulary construction.
type counter map[string]int

// keep returns the entries seen at least minCount times or accepted by
// extra, most frequent first with ties broken alphabetically.
func (c counter) keep(minCount int, extra func(string) bool) []string {
	terms := make([]string, 0, len(c))
	for term, n := range c {
		if n >= minCount || (extra != nil && extra(term)) {
			terms = append(terms, term)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if c[terms[i]] != c[terms[j]] {
			return c[terms[i]] > c[terms[j]]
		}
		return terms[i] < terms[j]
	})
	return terms
}
