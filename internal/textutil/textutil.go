// Package textutil provides the language-aware tokenizer used at inference
// time and the word normalization shared with corpus preprocessing.
package textutil

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/famasya/neural-sequence-labeling/errs"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// languages lists the languages the tokenizer has rules for.
var languages = map[string]language.Tag{
	"english":    language.English,
	"german":     language.German,
	"dutch":      language.Dutch,
	"spanish":    language.Spanish,
	"french":     language.French,
	"italian":    language.Italian,
	"portuguese": language.Portuguese,
}

// Languages returns the supported language names, sorted.
func Languages() []string {
	out := make([]string, 0, len(languages))
	for name := range languages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether the tokenizer has rules for name.
func Supported(name string) bool {
	_, ok := languages[strings.ToLower(name)]
	return ok
}

var (
	newlineRe    = regexp.MustCompile(`[\n\r]`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)

	// English contractions, split PTB style: "don't" -> "do" "n't".
	englishCliticRe = regexp.MustCompile(`(?i)^(.+?)(n't|'s|'re|'ve|'ll|'d|'m)$`)
	// Romance elision: "l'homme" -> "l'" "homme".
	elisionRe = regexp.MustCompile(`(?i)^([\p{L}]{1,3}')(\p{L}.*)$`)
	// Abbreviations keep their final period: "U.S.", "e.g.".
	abbrevRe = regexp.MustCompile(`^(\p{L}\.){2,}$`)
)

// NormalizeWhitespaces replaces newlines and multiple whitespace with a single space.
func NormalizeWhitespaces(text string) string {
	text = newlineRe.ReplaceAllString(text, " ")
	return multiSpaceRe.ReplaceAllString(text, " ")
}

// NormalizeDigits replaces every digit with '0', so numbers of the same
// shape share one vocabulary entry.
func NormalizeDigits(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '0'
		}
		return r
	}, text)
}

func lookup(op, name string) (string, language.Tag, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	tag, ok := languages[key]
	if !ok {
		return "", language.Und, errs.E(errs.UnknownLanguage, op,
			fmt.Errorf("no rules for %q (supported: %s)", name, strings.Join(Languages(), ", ")))
	}
	return key, tag, nil
}

// Lowerer lowercases with a language's casing rules. It is safe for
// concurrent use; each call borrows its own cases.Caser.
type Lowerer struct {
	name string
	pool sync.Pool
}

// NewLowerer returns a lowerer for the named language. The empty name
// selects the language-neutral Unicode rules.
func NewLowerer(name string) (*Lowerer, error) {
	key, tag := "", language.Und
	if strings.TrimSpace(name) != "" {
		var err error
		if key, tag, err = lookup("textutil.NewLowerer", name); err != nil {
			return nil, err
		}
	}
	l := &Lowerer{name: key}
	l.pool.New = func() any {
		c := cases.Lower(tag)
		return &c
	}
	return l, nil
}

// Language returns the language name, empty for the neutral rules.
func (l *Lowerer) Language() string { return l.name }

// String returns s lowercased.
func (l *Lowerer) String(s string) string {
	c := l.pool.Get().(*cases.Caser)
	defer l.pool.Put(c)
	return c.String(s)
}

// Tokenizer splits raw sentences into tokens the way the training corpus is
// tokenized.
type Tokenizer struct {
	name string
}

// NewTokenizer returns a tokenizer for the named language. It fails with an
// UnknownLanguage error for languages it has no rules for.
func NewTokenizer(name string) (*Tokenizer, error) {
	key, _, err := lookup("textutil.NewTokenizer", name)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{name: key}, nil
}

// Language returns the tokenizer's language name.
func (t *Tokenizer) Language() string { return t.name }

// Tokenize splits text on whitespace, then peels punctuation off token edges
// and applies the language's clitic rules.
func (t *Tokenizer) Tokenize(text string) []string {
	text = norm.NFC.String(text)
	var out []string
	for _, field := range strings.Fields(text) {
		out = append(out, t.splitField(field)...)
	}
	return out
}

func (t *Tokenizer) splitField(field string) []string {
	if abbrevRe.MatchString(field) {
		return []string{field}
	}
	runes := []rune(field)
	start, end := 0, len(runes)
	var lead, trail []string
	for start < end && isEdgePunct(runes[start]) {
		lead = append(lead, string(runes[start]))
		start++
	}
	for end > start && isEdgePunct(runes[end-1]) {
		trail = append([]string{string(runes[end-1])}, trail...)
		end--
	}
	out := lead
	if start < end {
		out = append(out, t.splitWord(string(runes[start:end]))...)
	}
	return append(out, trail...)
}

func (t *Tokenizer) splitWord(w string) []string {
	w = strings.ReplaceAll(w, "’", "'")
	switch t.name {
	case "english":
		if m := englishCliticRe.FindStringSubmatch(w); m != nil {
			return []string{m[1], m[2]}
		}
	case "french", "italian":
		if m := elisionRe.FindStringSubmatch(w); m != nil {
			return []string{m[1], m[2]}
		}
	}
	return []string{w}
}

func isEdgePunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
