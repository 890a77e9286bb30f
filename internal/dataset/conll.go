package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/famasya/neural-sequence-labeling/errs"
	"go.uber.org/zap"
)

// Files written by Prepare under the save path.
const (
	VocabFile     = "vocab.json"
	TrainFile     = "train.json"
	DevFile       = "dev.json"
	TestFile      = "test.json"
	EmbeddingFile = "glove_emb.gob"
)

// Raw CoNLL-2003 split files expected under the raw path.
var rawFiles = []struct{ raw, out string }{
	{"train.txt", TrainFile},
	{"valid.txt", DevFile},
	{"test.txt", TestFile},
}

// Sentence is a tokenized sentence with one tag per token.
type Sentence struct {
	Words []string
	Tags  []string
}

// TagColumn returns the CoNLL-2003 column holding the task's tags.
func TagColumn(task string) (int, error) {
	switch strings.ToLower(task) {
	case "pos":
		return 1, nil
	case "chunk":
		return 2, nil
	case "ner":
		return 3, nil
	}
	return 0, errs.Configf("dataset.TagColumn", "unknown task %q (want pos, chunk or ner)", task)
}

// ReadCoNLL parses "word POS chunk NER" lines with blank-line sentence
// breaks, keeping the given tag column. -DOCSTART- lines are skipped.
func ReadCoNLL(r io.Reader, column int) ([]Sentence, error) {
	var sentences []Sentence
	var cur Sentence
	flush := func() {
		if len(cur.Words) > 0 {
			sentences = append(sentences, cur)
		}
		cur = Sentence{}
	}

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			flush()
			continue
		}
		if strings.HasPrefix(text, "-DOCSTART-") {
			flush()
			continue
		}
		fields := strings.Fields(text)
		if len(fields) <= column {
			return nil, fmt.Errorf("line %d: %d columns, need at least %d", line, len(fields), column+1)
		}
		cur.Words = append(cur.Words, fields[0])
		cur.Tags = append(cur.Tags, fields[column])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return sentences, nil
}

// ReadCoNLLFile is ReadCoNLL over a file; failures are Data errors.
func ReadCoNLLFile(path string, column int) ([]Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.E(errs.Data, "dataset.ReadCoNLL", err)
	}
	defer func() { _ = f.Close() }()
	sentences, err := ReadCoNLL(f, column)
	if err != nil {
		return nil, errs.E(errs.Data, "dataset.ReadCoNLL", fmt.Errorf("%s: %w", path, err))
	}
	return sentences, nil
}

// PrepareConfig drives Prepare.
type PrepareConfig struct {
	RawPath       string
	SavePath      string
	Task          string
	Language      string // casing rules for word and char lowercasing
	CharLowercase bool
	MinWordCount  int
	UsePretrained bool
	GlovePath     string // resolved path of the GloVe text file
	EmbDim        int
}

// Build fills the word, char and label alphabets. Words are kept when seen
// at least minWordCount times in train or when pretrained has them;
// characters come from train; labels from every split.
func (v *Vocabulary) Build(train []Sentence, others [][]Sentence, minWordCount int, pretrained map[string]bool) {
	trainWords, allWords, chars, labels := counter{}, counter{}, counter{}, counter{}
	for _, s := range train {
		for i, w := range s.Words {
			trainWords[v.NormalizeWord(w)]++
			if v.CharLowercase {
				w = v.Lower(w)
			}
			for _, r := range w {
				chars[string(r)]++
			}
			labels[s.Tags[i]]++
		}
	}
	for _, set := range append([][]Sentence{train}, others...) {
		for _, s := range set {
			for _, w := range s.Words {
				allWords[v.NormalizeWord(w)]++
			}
		}
	}
	for _, set := range others {
		for _, s := range set {
			for _, tag := range s.Tags {
				labels[tag]++
			}
		}
	}

	for _, w := range allWords.keep(math.MaxInt, func(w string) bool {
		return trainWords[w] >= minWordCount || pretrained[w]
	}) {
		v.Words.Add(w)
	}
	for _, c := range chars.keep(1, nil) {
		v.Chars.Add(c)
	}
	for _, l := range labels.keep(1, nil) {
		v.Labels.Add(l)
	}
}

// EncodeSentences maps tagged sentences to examples. Unknown words and
// characters fall back to UnkID; an unknown tag is a Data error.
func EncodeSentences(v *Vocabulary, sentences []Sentence) ([]Example, error) {
	out := make([]Example, len(sentences))
	for i, s := range sentences {
		ex := v.Encode(s.Words)
		ex.Labels = make([]int, len(s.Tags))
		for t, tag := range s.Tags {
			id := v.Labels.Lookup(tag)
			if id < 0 {
				return nil, errs.Dataf("dataset.Encode", "sentence %d: unknown label %q", i, tag)
			}
			ex.Labels[t] = id
		}
		out[i] = ex
	}
	return out, nil
}

// Prepare converts the raw CoNLL-2003 splits into the on-disk dataset. All
// files are built in a temporary directory first, so a failure leaves the
// save path untouched.
func Prepare(cfg PrepareConfig, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	column, err := TagColumn(cfg.Task)
	if err != nil {
		return err
	}

	splits := make([][]Sentence, len(rawFiles))
	for i, rf := range rawFiles {
		path := filepath.Join(cfg.RawPath, rf.raw)
		if splits[i], err = ReadCoNLLFile(path, column); err != nil {
			return err
		}
		log.Debug("Read raw split", zap.String("path", path), zap.Int("sentences", len(splits[i])))
	}
	if len(splits[0]) == 0 {
		return errs.Dataf("dataset.Prepare", "training split %s is empty", filepath.Join(cfg.RawPath, rawFiles[0].raw))
	}

	vocab := NewVocabulary(cfg.CharLowercase)
	if err := vocab.SetLanguage(cfg.Language); err != nil {
		return err
	}
	var pretrained map[string]bool
	if cfg.UsePretrained {
		if pretrained, err = GloveWords(cfg.GlovePath, vocab.NormalizeWord); err != nil {
			return err
		}
		log.Debug("Scanned pretrained vocabulary", zap.String("path", cfg.GlovePath), zap.Int("words", len(pretrained)))
	}

	vocab.Build(splits[0], splits[1:], max(cfg.MinWordCount, 1), pretrained)

	parent := filepath.Dir(filepath.Clean(cfg.SavePath))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create dataset parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".prepare-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	files := []string{VocabFile}
	for i, rf := range rawFiles {
		examples, err := EncodeSentences(vocab, splits[i])
		if err != nil {
			return err
		}
		if err := SaveExamples(examples, filepath.Join(tmp, rf.out)); err != nil {
			return fmt.Errorf("write %s: %w", rf.out, err)
		}
		files = append(files, rf.out)
	}
	if cfg.UsePretrained {
		emb, err := LoadGlove(cfg.GlovePath, cfg.EmbDim, vocab)
		if err != nil {
			return err
		}
		if err := SaveEmbeddings(emb, filepath.Join(tmp, EmbeddingFile)); err != nil {
			return fmt.Errorf("write %s: %w", EmbeddingFile, err)
		}
		files = append(files, EmbeddingFile)
	}
	if err := SaveVocabulary(vocab, filepath.Join(tmp, VocabFile)); err != nil {
		return fmt.Errorf("write %s: %w", VocabFile, err)
	}

	if err := os.MkdirAll(cfg.SavePath, 0755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	for _, name := range files {
		if err := os.Rename(filepath.Join(tmp, name), filepath.Join(cfg.SavePath, name)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	log.Info("Dataset prepared",
		zap.String("path", cfg.SavePath),
		zap.Int("words", vocab.Words.Size()),
		zap.Int("chars", vocab.Chars.Size()),
		zap.Int("labels", vocab.NumLabels()),
		zap.Int("train", len(splits[0])),
		zap.Int("dev", len(splits[1])),
		zap.Int("test", len(splits[2])))
	return nil
}

// NeedsPrepare reports whether the dataset must be (re)built: the save path
// is missing or empty, or pretrained embeddings are wanted but absent.
func NeedsPrepare(cfg PrepareConfig) bool {
	entries, err := os.ReadDir(cfg.SavePath)
	if err != nil || len(entries) == 0 {
		return true
	}
	if cfg.UsePretrained {
		if _, err := os.Stat(filepath.Join(cfg.SavePath, EmbeddingFile)); errors.Is(err, os.ErrNotExist) {
			return true
		}
	}
	return false
}

// EnsurePrepared runs Prepare only when NeedsPrepare says so. It reports
// whether Prepare ran.
func EnsurePrepared(cfg PrepareConfig, log *zap.Logger) (bool, error) {
	if !NeedsPrepare(cfg) {
		return false, nil
	}
	return true, Prepare(cfg, log)
}
