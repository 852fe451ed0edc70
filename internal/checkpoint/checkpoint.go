// Package checkpoint persists resumable training snapshots. The training
// core decides when to checkpoint; this package owns where and how the
// payload lands. The file sink keeps a rotating window of epoch snapshots
// plus a single best-so-far file.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/nn"
	"github.com/nmtkit/nmtkit/internal/stats"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Payload is everything needed to resume a run: parameter snapshots for the
// model and generator, the vocabulary metadata batches were built against,
// the run options, the epoch number and the optimizer state.
type Payload struct {
	Epoch     int
	Model     map[string]*tensor.Tensor
	Generator map[string]*tensor.Tensor
	Vocab     *data.Dataset
	Options   []byte
	Optim     nn.OptimizerState
}

// Sink receives checkpoint payloads. Save persists a per-epoch snapshot
// named after the validation statistics; SaveBest overwrites the single
// best-model file.
type Sink interface {
	Save(p *Payload, valid *stats.Statistics) error
	SaveBest(p *Payload) error
}

// Discard drops every payload, for runs without a save path.
type Discard struct{}

func (Discard) Save(*Payload, *stats.Statistics) error { return nil }
func (Discard) SaveBest(*Payload) error                { return nil }

// FileSink writes gob-encoded payloads under a directory. Keep > 0 bounds
// the number of per-epoch snapshots retained; older ones are removed as new
// ones arrive. The best file never rotates.
type FileSink struct {
	dir    string
	prefix string
	keep   int

	saved []string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir, prefix string, keep int) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: creating %s", dir)
	}
	return &FileSink{dir: dir, prefix: prefix, keep: keep}, nil
}

// Save implements Sink.
func (s *FileSink) Save(p *Payload, valid *stats.Statistics) error {
	name := fmt.Sprintf("%s_acc_%.2f_ppl_%.2f_e%d.ckpt",
		s.prefix, valid.Accuracy(), valid.Ppl(), p.Epoch)
	path := filepath.Join(s.dir, name)
	if err := writeGob(path, p); err != nil {
		return err
	}
	s.saved = append(s.saved, path)
	s.rotate()
	return nil
}

// SaveBest implements Sink.
func (s *FileSink) SaveBest(p *Payload) error {
	return writeGob(filepath.Join(s.dir, s.prefix+"_best.ckpt"), p)
}

func (s *FileSink) rotate() {
	if s.keep <= 0 {
		return
	}
	for len(s.saved) > s.keep {
		old := s.saved[0]
		s.saved = s.saved[1:]
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			klog.Warningf("checkpoint: removing old snapshot %s: %v", old, err)
		}
	}
}

func writeGob(path string, p *Payload) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: creating %s", path)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(p); err != nil {
		return errors.Wrapf(err, "checkpoint: encoding %s", path)
	}
	if info, err := f.Stat(); err == nil {
		klog.V(1).Infof("checkpoint: wrote %s (%s)", path, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// Load reads a payload back.
func Load(path string) (*Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint: opening %s", path)
	}
	defer f.Close()
	p := &Payload{}
	if err := gob.NewDecoder(f).Decode(p); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: decoding %s", path)
	}
	return p, nil
}

// Restore copies a parameter snapshot back into live variables. Parameters
// missing from the snapshot are left untouched; shape mismatches are an
// error.
func Restore(snapshot map[string]*tensor.Tensor, params map[string]*tensor.Variable) error {
	for name, p := range params {
		saved, ok := snapshot[name]
		if !ok {
			continue
		}
		if saved.Size() != p.Value.Size() {
			return errors.Errorf("checkpoint: parameter %s has %d elements, snapshot has %d",
				name, p.Value.Size(), saved.Size())
		}
		copy(p.Value.Data, saved.Data)
	}
	return nil
}

// Snapshot deep-copies the given parameters for a payload.
func Snapshot(params map[string]*tensor.Variable) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(params))
	for name, p := range params {
		out[name] = p.Value.Clone()
	}
	return out
}
