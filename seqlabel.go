// Package seqlabel tags token sequences (part-of-speech, chunk or named
// entity labels) with a character-aware bidirectional recurrent network and
// an optional CRF output layer.
//
//	t, _ := seqlabel.Load("ckpt/conll2003_pos")
//	tokens, _ := t.Inference("EU rejects German call to boycott British lamb .")
//	for _, tok := range tokens {
//	    fmt.Println(tok.Token, tok.Label) // EU NNP, rejects VBZ, ...
//	}
package seqlabel

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/config"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
	"github.com/famasya/neural-sequence-labeling/internal/model"
	"github.com/famasya/neural-sequence-labeling/internal/textutil"
	"github.com/famasya/neural-sequence-labeling/internal/train"
)

// DefaultLanguage is used for checkpoints that do not record one.
const DefaultLanguage = "english"

type (
	// Config is the full training and inference configuration.
	Config = config.Config
	// Report summarizes a training run.
	Report = train.Report
	// Evaluation holds overall and per-label scores.
	Evaluation = train.Evaluation
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML configuration file; "" uses defaults and the
// environment only.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// TaggedToken is one token of an inference result.
type TaggedToken struct {
	Token string `json:"token"`
	Label string `json:"label"`
}

// Tagger labels sentences with a trained model.
type Tagger struct {
	model  *model.Model
	tok    *textutil.Tokenizer
	tokErr error
}

func newTagger(m *model.Model) *Tagger {
	lang := m.Config().Language
	if lang == "" {
		lang = DefaultLanguage
	}
	tok, err := textutil.NewTokenizer(lang)
	return &Tagger{model: m, tok: tok, tokErr: err}
}

// Load restores a tagger from a checkpoint file, or from the latest
// checkpoint of a checkpoint directory.
func Load(path string) (*Tagger, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		latest, err := train.LatestPath(path)
		if err != nil {
			return nil, err
		}
		path = latest
	}
	m, err := model.Load(path, zap.L())
	if err != nil {
		return nil, err
	}
	return newTagger(m), nil
}

// Save writes the tagger's checkpoint to path.
func (t *Tagger) Save(path string) error {
	if t == nil || t.model == nil {
		return errs.Checkpointf("seqlabel.Save", "tagger not initialized")
	}
	return t.model.Save(path)
}

// Language returns the tokenizer language.
func (t *Tagger) Language() string {
	if lang := t.model.Config().Language; lang != "" {
		return lang
	}
	return DefaultLanguage
}

// Labels returns the label set in model order.
func (t *Tagger) Labels() []string {
	return t.model.Vocabulary().LabelNames()
}

// Inference tokenizes sentence and returns one label per token. An empty
// sentence gives an empty result.
func (t *Tagger) Inference(sentence string) ([]TaggedToken, error) {
	if t.tokErr != nil {
		return nil, t.tokErr
	}
	tokens := t.tok.Tokenize(sentence)
	return t.TagTokens(tokens), nil
}

// TagTokens labels already tokenized input.
func (t *Tagger) TagTokens(tokens []string) []TaggedToken {
	labels := t.model.Tag(tokens)
	out := make([]TaggedToken, len(tokens))
	for i, tok := range tokens {
		out[i] = TaggedToken{Token: tok, Label: labels[i]}
	}
	return out
}

// Evaluate decodes a prepared split (a dataset JSON file written by the
// preprocessor) and scores it against its gold labels.
func (t *Tagger) Evaluate(ctx context.Context, path string, batchSize int) (*Evaluation, error) {
	examples, err := dataset.LoadExamples(path, t.model.Vocabulary())
	if err != nil {
		return nil, err
	}
	if batchSize < 1 {
		batchSize = runtime.GOMAXPROCS(0)
	}
	ev, err := train.DecodeEvaluator(ctx, t.model, dataset.NewBatcher(examples, batchSize, false, nil))
	if err != nil {
		return nil, fmt.Errorf("seqlabel: evaluate %s: %w", path, err)
	}
	return &ev, nil
}
