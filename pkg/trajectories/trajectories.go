// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trajectories reads the human demonstration trajectories recorded in the shopping environment
// and flattens them into transitions (state, candidate actions, chosen action) used to train an
// action chooser by imitation.
//
// The trajectories file is a JSONL file: one JSON object per line with the fields "states",
// "available_actions", "action_idxs", "actions" and, optionally, "images". The goals file is a JSON list
// with the canonical human instructions: the index of the goal of a trajectory determines in which split
// (train, eval or test) it falls.
package trajectories

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ItemsPath is the default location of the products catalog. It is not read by the training pipeline,
	// but the shopping environment expects it.
	ItemsPath = "../data/items_shuffle.json"

	// TrajectoriesPath is the default location of the JSONL file with the human trajectories.
	TrajectoriesPath = "data/il_trajs_finalized_images.jsonl"

	// GoalsPath is the default location of the human goals JSON file.
	GoalsPath = "data/human_goals.json"

	// DefaultSeed used to shuffle the trajectories, so splits are the same across runs.
	DefaultSeed = 233

	// ImageFeatureSize is the dimension of the pre-computed image features of a step.
	ImageFeatureSize = 512

	// maxLineSize is the largest trajectory line accepted: lines hold up to one image feature vector per step.
	maxLineSize = 256 << 20
)

// ErrUnknownGoal is returned when the goal of a trajectory is not listed in the human goals: it signals
// that the trajectories and goals files are out of sync.
var ErrUnknownGoal = errors.New("trajectory goal not found in human goals")

// ImageFeature is the pre-computed feature vector of the image shown at a step.
// It is nil when there was no image, which is recorded in the file as the literal 0.
type ImageFeature []float32

// UnmarshalJSON implements json.Unmarshaler: it accepts either a list of numbers or the number 0.
func (f *ImageFeature) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		var placeholder float64
		if err := json.Unmarshal(data, &placeholder); err != nil && !bytes.Equal(data, []byte("null")) {
			return errors.Wrapf(err, "image feature must be a list of numbers or 0, got %q", data)
		}
		*f = nil
		return nil
	}
	var values []float32
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrap(err, "failed to parse image feature")
	}
	*f = values
	return nil
}

// Trajectory is one recorded episode of a human demonstrator in the shopping environment.
// It is read-only once loaded.
type Trajectory struct {
	// States holds the text observation at each step. The first one includes the instruction (goal).
	States []string `json:"states"`

	// AvailableActions lists for each step the actions the human could click.
	AvailableActions [][]string `json:"available_actions"`

	// ActionIdxs holds for each step the index (in AvailableActions) of the action taken, or -1 if
	// the action was not one of the candidates (e.g.: typing a search).
	ActionIdxs []int `json:"action_idxs"`

	// Actions is the log of the actions taken, e.g. "search[red shoes]" or "click[b07xyz1234]".
	Actions []string `json:"actions"`

	// Images holds the image feature for each step, nil where there is no image.
	Images []ImageFeature `json:"images"`

	// Goal is the normalized goal of the trajectory (see ProcessGoal).
	Goal string `json:"-"`

	// GoalIndex is the position of Goal in the human goals list.
	GoalIndex int `json:"-"`
}

// NumSteps returns the number of steps that can be turned into transitions.
// If the per-step lists have different lengths, it is the shortest.
func (traj *Trajectory) NumSteps() int {
	return min(len(traj.States), len(traj.AvailableActions), len(traj.ActionIdxs), len(traj.Images))
}

// Split identifies a partition of the trajectories, based on the index of their goal.
type Split string

const (
	SplitTrain Split = "train"
	SplitEval  Split = "eval"
	SplitTest  Split = "test"
	SplitAll   Split = "all"
)

// GoalRange returns the range [from, to) of goal indices included in the split, given the total number
// of goals.
func (s Split) GoalRange(numGoals int) (from, to int, err error) {
	switch s {
	case SplitTest:
		return 0, min(500, numGoals), nil
	case SplitEval:
		return min(500, numGoals), min(1500, numGoals), nil
	case SplitTrain:
		return min(1500, numGoals), numGoals, nil
	case SplitAll:
		return 0, numGoals, nil
	}
	return 0, 0, errors.Errorf("unknown split %q: valid values are %q, %q, %q or %q",
		s, SplitTrain, SplitEval, SplitTest, SplitAll)
}

// LoadConfig holds the location of the files read by Load.
type LoadConfig struct {
	TrajectoriesPath, GoalsPath string
}

// DefaultLoadConfig returns the configuration with the default paths, relative to baseDir.
func DefaultLoadConfig(baseDir string) LoadConfig {
	return LoadConfig{
		TrajectoriesPath: joinIfRelative(baseDir, TrajectoriesPath),
		GoalsPath:        joinIfRelative(baseDir, GoalsPath),
	}
}

// Goals is the ordered list of human goals, with an index of the position of each goal.
type Goals struct {
	List    []string
	indices map[string]int
}

// NewGoals indexes the given goals. For repeated goals the first position is used.
func NewGoals(goals []string) *Goals {
	g := &Goals{List: goals, indices: make(map[string]int, len(goals))}
	for ii, goal := range goals {
		if _, found := g.indices[goal]; !found {
			g.indices[goal] = ii
		}
	}
	return g
}

// Index returns the position of the goal, and false if it is not known.
func (g *Goals) Index(goal string) (int, bool) {
	idx, found := g.indices[goal]
	return idx, found
}

// LoadGoals reads the human goals JSON file.
func LoadGoals(goalsPath string) (*Goals, error) {
	contents, err := os.ReadFile(goalsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read human goals from %q", goalsPath)
	}
	var goals []string
	if err := json.Unmarshal(contents, &goals); err != nil {
		return nil, errors.Wrapf(err, "failed to parse human goals in %q", goalsPath)
	}
	return NewGoals(goals), nil
}

// Load reads the trajectories and human goals and returns the trajectories whose goals fall in the split.
//
// All records are shuffled with rng before splitting, so the same seed yields the same order in every process.
// Every record is checked against the goals, including the ones of other splits: a trajectory whose goal is not
// a known human goal returns an error wrapping ErrUnknownGoal.
func Load(cfg LoadConfig, split Split, rng *rand.Rand) ([]*Trajectory, error) {
	goals, err := LoadGoals(cfg.GoalsPath)
	if err != nil {
		return nil, err
	}
	klog.Infof("Loading trajectories from %q", cfg.TrajectoriesPath)
	f, err := os.Open(cfg.TrajectoriesPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trajectories file")
	}
	defer func() { _ = f.Close() }()
	trajs, err := Parse(f, goals, split, rng)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", cfg.TrajectoriesPath)
	}
	return trajs, nil
}

// Parse is like Load, but reads the JSONL records from r and uses the given goals.
func Parse(r io.Reader, goals *Goals, split Split, rng *rand.Rand) ([]*Trajectory, error) {
	from, to, err := split.GoalRange(len(goals.List))
	if err != nil {
		return nil, err
	}

	type record struct {
		line int
		data []byte
	}
	var records []record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		records = append(records, record{line: lineNum, data: bytes.Clone(line)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading trajectories after line %d", lineNum)
	}
	rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })

	var trajs []*Trajectory
	for _, rec := range records {
		traj := &Trajectory{}
		if err := json.Unmarshal(rec.data, traj); err != nil {
			return nil, errors.Wrapf(err, "failed to parse trajectory in line %d", rec.line)
		}
		if len(traj.States) == 0 {
			return nil, errors.Errorf("trajectory in line %d has no states", rec.line)
		}
		traj.Goal = ProcessGoal(traj.States[0])
		idx, found := goals.Index(traj.Goal)
		if !found {
			return nil, errors.Wrapf(ErrUnknownGoal, "line %d, goal %q", rec.line, traj.Goal)
		}
		traj.GoalIndex = idx
		if idx < from || idx >= to {
			continue
		}
		if traj.Images == nil {
			traj.Images = make([]ImageFeature, len(traj.States))
		}
		trajs = append(trajs, traj)
	}
	klog.Infof("num of %s trajs: %d", split, len(trajs))
	return trajs, nil
}
