package train

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/famasya/neural-sequence-labeling/errs"
)

// Record is one epoch summary line.
type Record struct {
	RunID     string    `json:"run_id"`
	Epoch     int       `json:"epoch"`
	Time      time.Time `json:"time"`
	Phase     string    `json:"phase"`
	LR        float64   `json:"lr"`
	TrainLoss float64   `json:"train_loss"`
	ValidLoss float64   `json:"valid_loss"`
	Valid     Score     `json:"valid"`
	Best      float64   `json:"best_f1"`
	Stall     int       `json:"stall"`
}

// SummaryWriter appends epoch records to <dir>/<run-id>.jsonl.
type SummaryWriter struct {
	f   *os.File
	enc *json.Encoder
}

// NewSummaryWriter creates the summary file for run id.
func NewSummaryWriter(dir, runID string) (*SummaryWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.E(errs.Checkpoint, "train.NewSummaryWriter", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, runID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errs.E(errs.Checkpoint, "train.NewSummaryWriter", err)
	}
	return &SummaryWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// Write appends r.
func (w *SummaryWriter) Write(r Record) error {
	if w == nil {
		return nil
	}
	return w.enc.Encode(r)
}

// Path returns the summary file path.
func (w *SummaryWriter) Path() string { return w.f.Name() }

// Close closes the file.
func (w *SummaryWriter) Close() error {
	if w == nil {
		return nil
	}
	return w.f.Close()
}
