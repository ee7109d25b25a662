// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// CheckpointKind tells what a checkpoint holds.
type CheckpointKind string

const (
	// StepCheckpoint holds the full training state, saved every Config.CheckpointEvery completed steps.
	StepCheckpoint CheckpointKind = "step"

	// EpochCheckpoint holds only the model weights, saved at the end of an epoch.
	EpochCheckpoint CheckpointKind = "epoch"
)

const (
	// ManifestFileName is the pointer to the latest checkpoint, in the output directory.
	ManifestFileName = "latest.json"

	// checkpointInfoFileName is the copy of the Checkpoint record inside each checkpoint directory.
	checkpointInfoFileName = "checkpoint.json"

	// stateSubdir and modelSubdir hold the scorer files of step and epoch checkpoints.
	stateSubdir = "state"
	modelSubdir = "model"

	// ResultsFileName is the final summary written in the output directory.
	ResultsFileName = "all_results.json"
)

// Checkpoint describes a saved checkpoint and where to resume from it.
type Checkpoint struct {
	Kind CheckpointKind `json:"kind"`

	// Dir of the checkpoint, relative to the output directory when read from the manifest.
	Dir string `json:"dir"`

	// Epoch during (step checkpoints) or at the end of which (epoch checkpoints) the checkpoint was taken.
	Epoch int `json:"epoch"`

	// BatchesDone in Epoch when the checkpoint was taken: the batches to skip when resuming.
	BatchesDone int `json:"batches_done"`

	// CompletedSteps is the number of optimizer steps applied when the checkpoint was taken.
	CompletedSteps int `json:"completed_steps"`

	Time time.Time `json:"time"`
}

// checkpointDirName returns the name of the directory of the checkpoint, "step_<N>" or "epoch_<i>".
func (c *Checkpoint) checkpointDirName() string {
	if c.Kind == StepCheckpoint {
		return fmt.Sprintf("step_%d", c.CompletedSteps)
	}
	return fmt.Sprintf("epoch_%d", c.Epoch)
}

// ScorerDir returns the directory holding the scorer files: the full state of step checkpoints, or the
// model weights of epoch checkpoints.
func (c *Checkpoint) ScorerDir() string {
	if c.Kind == StepCheckpoint {
		return filepath.Join(c.Dir, stateSubdir)
	}
	return filepath.Join(c.Dir, modelSubdir)
}

// resumePosition returns the epoch and the number of batches of that epoch to skip when resuming.
func (c *Checkpoint) resumePosition() (epoch, skipBatches int) {
	if c.Kind == EpochCheckpoint {
		return c.Epoch + 1, 0
	}
	return c.Epoch, c.BatchesDone
}

// writeJSONAtomic writes value to path through a temporary file renamed over it, so readers never see a
// partially written file.
func writeJSONAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %q", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", path)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

// writeManifest writes the checkpoint record into its directory and then points the manifest of outputDir to it.
func writeManifest(outputDir string, c Checkpoint) error {
	if err := writeJSONAtomic(filepath.Join(c.Dir, checkpointInfoFileName), c); err != nil {
		return err
	}
	rel, err := filepath.Rel(outputDir, c.Dir)
	if err != nil {
		rel = c.Dir
	}
	c.Dir = rel
	return writeJSONAtomic(filepath.Join(outputDir, ManifestFileName), c)
}

func readCheckpointFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint information")
	}
	c := &Checkpoint{}
	if err = json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing checkpoint information in %q", path)
	}
	if c.Kind != StepCheckpoint && c.Kind != EpochCheckpoint {
		return nil, errors.Errorf("invalid checkpoint kind %q in %q", c.Kind, path)
	}
	return c, nil
}

// FindCheckpoint resolves where to resume from: ResumeLatest reads the manifest in outputDir, anything else
// is taken as a checkpoint directory. A missing manifest is an error: there is no guessing of the latest
// checkpoint from the directory listing.
func FindCheckpoint(outputDir, resumeFrom string) (*Checkpoint, error) {
	if resumeFrom == ResumeLatest {
		c, err := readCheckpointFile(filepath.Join(outputDir, ManifestFileName))
		if err != nil {
			return nil, errors.WithMessagef(err, "resuming from the latest checkpoint of %q", outputDir)
		}
		if !filepath.IsAbs(c.Dir) {
			c.Dir = filepath.Join(outputDir, c.Dir)
		}
		return c, nil
	}
	c, err := readCheckpointFile(filepath.Join(resumeFrom, checkpointInfoFileName))
	if err != nil {
		return nil, errors.WithMessagef(err, "resuming from checkpoint %q", resumeFrom)
	}
	c.Dir = resumeFrom
	return c, nil
}

// ListCheckpoints returns the checkpoints found in outputDir, sorted by completed steps, with epoch
// checkpoints after the step checkpoints of the same number of steps. Directories without a checkpoint
// record are ignored.
func ListCheckpoints(outputDir string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints")
	}
	var list []*Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(outputDir, entry.Name())
		infoPath := filepath.Join(dir, checkpointInfoFileName)
		if _, err := os.Stat(infoPath); err != nil {
			continue
		}
		c, err := readCheckpointFile(infoPath)
		if err != nil {
			return nil, err
		}
		c.Dir = dir
		list = append(list, c)
	}
	slices.SortFunc(list, func(a, b *Checkpoint) int {
		if a.CompletedSteps != b.CompletedSteps {
			return a.CompletedSteps - b.CompletedSteps
		}
		if a.Kind != b.Kind {
			if a.Kind == StepCheckpoint {
				return -1
			}
			return 1
		}
		return a.Epoch - b.Epoch
	})
	return list, nil
}

// Summary of a run, written to ResultsFileName.
type Summary struct {
	EvalAccuracy float64 `json:"eval_accuracy"`

	// The other fields are not written to the results file.
	EvalLoss       float64 `json:"-"`
	EvalExamples   int     `json:"-"`
	CompletedSteps int     `json:"-"`
	Epochs         int     `json:"-"`
}
