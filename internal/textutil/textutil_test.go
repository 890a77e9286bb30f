package textutil

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/famasya/neural-sequence-labeling/errs"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		lang  string
		input string
		want  []string
	}{
		{"english", "EU rejects German call to boycott British lamb .", []string{"EU", "rejects", "German", "call", "to", "boycott", "British", "lamb", "."}},
		{"english", "Peter Blackburn", []string{"Peter", "Blackburn"}},
		{"english", "He said, \"no.\"", []string{"He", "said", ",", "\"", "no", ".", "\""}},
		{"english", "I don't know the U.S. rules", []string{"I", "do", "n't", "know", "the", "U.S.", "rules"}},
		{"english", "(1996-08-22)", []string{"(", "1996-08-22", ")"}},
		{"french", "l'homme arrive", []string{"l'", "homme", "arrive"}},
		{"german", "Das ist's", []string{"Das", "ist's"}},
		{"english", "", nil},
		{"english", "  spaces  ", []string{"spaces"}},
	}
	for _, tt := range tests {
		tok, err := NewTokenizer(tt.lang)
		if err != nil {
			t.Fatalf("NewTokenizer(%q): %v", tt.lang, err)
		}
		got := tok.Tokenize(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s Tokenize(%q) = %q, want %q", tt.lang, tt.input, got, tt.want)
		}
	}
}

func TestUnknownLanguage(t *testing.T) {
	_, err := NewTokenizer("klingon")
	if !errors.Is(err, errs.UnknownLanguage) {
		t.Fatalf("err = %v, want UnknownLanguage", err)
	}
	if Supported("klingon") || !Supported("English") {
		t.Error("Supported disagrees with NewTokenizer")
	}
}

func TestLowerer(t *testing.T) {
	tests := []struct {
		lang, input, want string
	}{
		// Final sigma needs the Unicode casing rules, not per-rune mapping.
		{"", "ΟΔΟΣ", "οδος"},
		{"german", "STRASSE", "strasse"},
		{"English", "EU Commission", "eu commission"},
		{"dutch", "IJSSEL", "ijssel"},
	}
	for _, tt := range tests {
		l, err := NewLowerer(tt.lang)
		if err != nil {
			t.Fatalf("NewLowerer(%q): %v", tt.lang, err)
		}
		if got := l.String(tt.input); got != tt.want {
			t.Errorf("%q String(%q) = %q, want %q", tt.lang, tt.input, got, tt.want)
		}
	}

	if _, err := NewLowerer("klingon"); !errors.Is(err, errs.UnknownLanguage) {
		t.Errorf("err = %v, want UnknownLanguage", err)
	}
}

func TestLowererConcurrent(t *testing.T) {
	l, err := NewLowerer("english")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if got := l.String("ΟΔΟΣ Commission"); got != "οδος commission" {
					t.Errorf("String = %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNormalizeDigits(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"1996-08-22", "0000-00-00"},
		{"3.5", "0.0"},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		if got := NormalizeDigits(tt.input); got != tt.want {
			t.Errorf("NormalizeDigits(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeWhitespaces(t *testing.T) {
	got := NormalizeWhitespaces("a\nb   c\r\nd")
	if got != "a b c d" {
		t.Errorf("NormalizeWhitespaces = %q", got)
	}
}
