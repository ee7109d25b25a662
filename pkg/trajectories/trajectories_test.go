// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trajectories

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeGoals creates n distinct goals.
func makeGoals(n int) []string {
	goals := make([]string, n)
	for ii := range goals {
		goals[ii] = fmt.Sprintf("i need goal number %d", ii)
	}
	return goals
}

// firstState returns the first state of a trajectory for the given goal, as the environment renders it.
func firstState(goal string) string {
	return "WebShop\nInstruction:\n" + strings.ToUpper(goal[:1]) + goal[1:] + ", and price lower than 40.00 dollars\n[button] Search [button_]"
}

type record map[string]any

func writeFixture(t *testing.T, goals []string, records []record) LoadConfig {
	dir := t.TempDir()
	cfg := DefaultLoadConfig(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.GoalsPath), 0o755))
	goalsJSON, err := json.Marshal(goals)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.GoalsPath, goalsJSON, 0o644))

	var sb strings.Builder
	for _, rec := range records {
		line, err := json.Marshal(rec)
		require.NoError(t, err)
		sb.Write(line)
		sb.WriteString("\n\n") // Blank lines are ignored.
	}
	require.NoError(t, os.WriteFile(cfg.TrajectoriesPath, []byte(sb.String()), 0o644))
	return cfg
}

func threeStepRecord(goal string) record {
	image := make([]float32, ImageFeatureSize)
	image[0] = 0.5
	return record{
		"states": []string{firstState(goal), "Results [SEP] product a", "Item page [SEP] 'Blue' size"},
		"available_actions": [][]string{
			{"search", "click[back to search]"},
			{"click[b01abc1234]", "click[next >]", "click[back to search]"},
			{"click[buy now]", "click[blue]", "click[red]", "click[< prev]", "click[description]"},
		},
		"action_idxs": []int{0, 0, 1},
		"actions":     []string{"search[goal]", "click[b01abc1234]", "click[blue]"},
		"images":      []any{0, image, image},
	}
}

func TestProcess(t *testing.T) {
	assert.Equal(t, "he said hello [SEP]", Process("He said \"Hello\" [sep]"))
	assert.Equal(t, "its [SEP] fine", Process("  It's [SEP] fine \n"))
}

func TestProcessGoal(t *testing.T) {
	assert.Equal(t, "buy shoes",
		ProcessGoal("Amazon Shopping Game\nInstruction:\nBuy shoes, and price lower than 20.00\n[button] search [button_]"))
	assert.Equal(t, "i want a red dress",
		ProcessGoal("WebShop\nInstruction:\nI want a \"red\" dress\n[button] Search [button_]"))
}

func TestFindImageASIN(t *testing.T) {
	actions := []string{"search[shoes]", "click[b0abcdef12]", "click[next >]", "click[abcdefghij]", "click[buy now]"}
	assert.Equal(t, NoImage, FindImageASIN(actions, 0))
	assert.Equal(t, NoImage, FindImageASIN(actions, 1))
	assert.Equal(t, "b0abcdef12", FindImageASIN(actions, 2))
	// "abcdefghij" is all letters, so it is skipped in favor of the previous product.
	assert.Equal(t, "b0abcdef12", FindImageASIN(actions, 5))
	// Step index past the end of the log is clamped.
	assert.Equal(t, "b0abcdef12", FindImageASIN(actions, 100))
}

func TestImageFeatureUnmarshal(t *testing.T) {
	var images []ImageFeature
	require.NoError(t, json.Unmarshal([]byte(`[0, [1, 2.5], null]`), &images))
	require.Len(t, images, 3)
	assert.Nil(t, images[0])
	assert.Equal(t, ImageFeature{1, 2.5}, images[1])
	assert.Nil(t, images[2])
	require.Error(t, json.Unmarshal([]byte(`["x"]`), &images))
}

func TestSplitGoalRange(t *testing.T) {
	from, to, err := SplitTrain.GoalRange(2000)
	require.NoError(t, err)
	assert.Equal(t, [2]int{1500, 2000}, [2]int{from, to})
	from, to, err = SplitEval.GoalRange(2000)
	require.NoError(t, err)
	assert.Equal(t, [2]int{500, 1500}, [2]int{from, to})
	from, to, err = SplitTest.GoalRange(2000)
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 500}, [2]int{from, to})
	_, _, err = Split("dev").GoalRange(2000)
	require.Error(t, err)
}

func TestLoadSplits(t *testing.T) {
	goals := makeGoals(1700)
	var records []record
	for _, goalIdx := range []int{3, 600, 1600, 1601, 1650} {
		records = append(records, threeStepRecord(goals[goalIdx]))
	}
	cfg := writeFixture(t, goals, records)

	counts := map[Split]int{SplitTest: 1, SplitEval: 1, SplitTrain: 3, SplitAll: 5}
	for split, want := range counts {
		trajs, err := Load(cfg, split, rand.New(rand.NewSource(DefaultSeed)))
		require.NoError(t, err)
		assert.Lenf(t, trajs, want, "split %s", split)
		for _, traj := range trajs {
			assert.Equal(t, goals[traj.GoalIndex], traj.Goal)
		}
	}

	// Same seed, same order.
	trajs1, err := Load(cfg, SplitTrain, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	trajs2, err := Load(cfg, SplitTrain, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	for ii := range trajs1 {
		assert.Equal(t, trajs1[ii].GoalIndex, trajs2[ii].GoalIndex)
	}
}

func TestLoadUnknownGoal(t *testing.T) {
	goals := makeGoals(1700)
	records := []record{threeStepRecord(goals[1600]), threeStepRecord("a goal nobody asked for")}
	cfg := writeFixture(t, goals, records)
	// Fails for every split, even if the bad trajectory would not be part of it.
	for _, split := range []Split{SplitTrain, SplitTest} {
		_, err := Load(cfg, split, rand.New(rand.NewSource(DefaultSeed)))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownGoal), "got error %v", err)
	}
}

func TestExtractEndToEnd(t *testing.T) {
	goals := makeGoals(1700)
	cfg := writeFixture(t, goals, []record{threeStepRecord(goals[1600])})
	rng := rand.New(rand.NewSource(DefaultSeed))
	trajs, err := Load(cfg, SplitTrain, rng)
	require.NoError(t, err)
	require.Len(t, trajs, 1)
	assert.Equal(t, 1600, trajs[0].GoalIndex)

	transitions, stats := Extract(trajs, ExtractOptions{FilterSearch: true}, rng)
	require.Len(t, transitions, 3)
	assert.Equal(t, ExtractStats{Trajectories: 1, Steps: 3, Transitions: 3, Reduced: 0}, stats)
	for _, tr := range transitions {
		assert.LessOrEqual(t, len(tr.Actions), 5)
		assert.GreaterOrEqual(t, tr.Label, 0)
		assert.Less(t, tr.Label, len(tr.Actions))
		assert.Len(t, tr.ImageFeature, ImageFeatureSize)
	}
	assert.Equal(t, NoImage, transitions[0].RawImage)
	assert.Equal(t, make([]float32, ImageFeatureSize), transitions[0].ImageFeature)
	// The image of a step is the one of the last product clicked before it.
	assert.Equal(t, NoImage, transitions[1].RawImage)
	assert.Equal(t, "b01abc1234", transitions[2].RawImage)
	assert.Equal(t, "item page [SEP] blue size", transitions[2].State)
	assert.Equal(t, "click[blue]", transitions[2].Actions[transitions[2].Label])
}

func TestExtractFilterSearch(t *testing.T) {
	traj := &Trajectory{
		States:           []string{"s0", "s1", "s2"},
		AvailableActions: [][]string{{}, {"a", "b"}, {"c"}},
		ActionIdxs:       []int{-1, 1, 0},
		Actions:          []string{"search[x]", "click[b]", "click[c]"},
		Images:           make([]ImageFeature, 3),
	}
	transitions, _ := Extract([]*Trajectory{traj}, ExtractOptions{FilterSearch: true}, rand.New(rand.NewSource(1)))
	require.Len(t, transitions, 2)
	for _, tr := range transitions {
		assert.NotEmpty(t, tr.Actions)
		assert.GreaterOrEqual(t, tr.Label, 0)
		assert.Less(t, tr.Label, len(tr.Actions))
	}

	transitions, _ = Extract([]*Trajectory{traj}, ExtractOptions{}, rand.New(rand.NewSource(1)))
	require.Len(t, transitions, 3)
	assert.Equal(t, -1, transitions[0].Label)
}

func TestReduceActions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for numActions := MaxActions + 1; numActions < 60; numActions++ {
		actions := make([]string, numActions)
		for ii := range actions {
			actions[ii] = fmt.Sprintf("click[item %d]", ii)
		}
		for _, chosen := range []int{0, 5, 6, numActions / 2, numActions - 1} {
			kept, newChosen := ReduceActions(actions, chosen, rng)
			require.Len(t, kept, ReducedActions)
			require.Equal(t, actions[chosen], kept[newChosen])
			// First actions are always kept, and order is preserved.
			for ii := range KeepFirstActions {
				require.Equal(t, actions[ii], kept[ii])
			}
			for ii := 1; ii < len(kept); ii++ {
				var prev, curr int
				_, _ = fmt.Sscanf(kept[ii-1], "click[item %d]", &prev)
				_, _ = fmt.Sscanf(kept[ii], "click[item %d]", &curr)
				require.Less(t, prev, curr)
			}
		}
	}
}

func TestExtractReducesLargeActionSpaces(t *testing.T) {
	actions := make([]string, 45)
	for ii := range actions {
		actions[ii] = fmt.Sprintf("click[b%09d]", ii)
	}
	traj := &Trajectory{
		States:           []string{"results"},
		AvailableActions: [][]string{actions},
		ActionIdxs:       []int{44},
		Actions:          []string{"click[b000000044]"},
		Images:           make([]ImageFeature, 1),
	}
	transitions, stats := Extract([]*Trajectory{traj}, ExtractOptions{FilterSearch: true}, rand.New(rand.NewSource(3)))
	require.Len(t, transitions, 1)
	assert.Equal(t, 1, stats.Reduced)
	assert.Len(t, transitions[0].Actions, ReducedActions)
	assert.Equal(t, "click[b000000044]", transitions[0].Actions[transitions[0].Label])
}
