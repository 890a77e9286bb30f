package dataset

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/famasya/neural-sequence-labeling/errs"
)

// Embeddings is a pretrained embedding matrix keyed to a word vocabulary:
// row i is the vector of word id i.
type Embeddings struct {
	Dim     int
	Vectors [][]float64
}

// GloveWords scans a GloVe text file and returns its word set, each word
// passed through normalize.
func GloveWords(path string, normalize func(string) string) (map[string]bool, error) {
	words := make(map[string]bool)
	err := scanGlove(path, 0, func(word string, _ []string) error {
		words[normalize(word)] = true
		return nil
	})
	return words, err
}

// LoadGlove builds an embedding matrix for v's word vocabulary from a GloVe
// text file of the given dimension. Words absent from the file (and the
// reserved entries) keep zero vectors.
func LoadGlove(path string, dim int, v *Vocabulary) (*Embeddings, error) {
	words := v.Words
	emb := &Embeddings{Dim: dim, Vectors: make([][]float64, words.Size())}
	for i := range emb.Vectors {
		emb.Vectors[i] = make([]float64, dim)
	}
	found := make([]bool, words.Size())
	err := scanGlove(path, dim, func(word string, fields []string) error {
		id := words.Get(v.NormalizeWord(word))
		if id <= UnkID || found[id] {
			return nil
		}
		found[id] = true
		for j, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("word %q: %w", word, err)
			}
			emb.Vectors[id][j] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return emb, nil
}

// scanGlove calls fn for every line of a GloVe file. A dim > 0 requires every
// vector to have exactly dim components.
func scanGlove(path string, dim int, fn func(word string, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.E(errs.Data, "dataset.LoadGlove", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if dim > 0 && len(fields)-1 != dim {
			return errs.Dataf("dataset.LoadGlove", "%s:%d: %d components, want %d", path, line, len(fields)-1, dim)
		}
		if err := fn(fields[0], fields[1:]); err != nil {
			return errs.E(errs.Data, "dataset.LoadGlove", fmt.Errorf("%s:%d: %w", path, line, err))
		}
	}
	if err := sc.Err(); err != nil {
		return errs.E(errs.Data, "dataset.LoadGlove", err)
	}
	return nil
}

// SaveEmbeddings writes emb with encoding/gob.
func SaveEmbeddings(emb *Embeddings, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(emb); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadEmbeddings reads a matrix written by SaveEmbeddings.
func LoadEmbeddings(path string) (*Embeddings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.E(errs.Data, "dataset.LoadEmbeddings", err)
	}
	defer func() { _ = f.Close() }()
	var emb Embeddings
	if err := gob.NewDecoder(f).Decode(&emb); err != nil {
		return nil, errs.E(errs.Data, "dataset.LoadEmbeddings", fmt.Errorf("%s: %w", path, err))
	}
	return &emb, nil
}
