// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedules(t *testing.T) {
	const baseLR = 1e-3
	testCases := []struct {
		name  string
		steps []int
		want  []float64
	}{
		{"linear", []int{0, 5, 10, 55, 100, 120}, []float64{0, 0.5, 1, 0.5, 0, 0}},
		{"cosine", []int{0, 10, 55, 100}, []float64{0, 1, 0.5, 0}},
		{"cosine_with_restarts", []int{10, 55, 100}, []float64{1, 0.5, 0}},
		{"constant", []int{0, 50, 1000}, []float64{1, 1, 1}},
		{"constant_with_warmup", []int{0, 5, 10, 1000}, []float64{0, 0.5, 1, 1}},
		{"polynomial", []int{5, 10, 55, 200}, []float64{0.5, 1, 0.5 + 0.5*1e-4, 1e-4}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ByName(tc.name, baseLR, 10, 100)
			require.NoError(t, err)
			for ii, step := range tc.steps {
				assert.InDeltaf(t, tc.want[ii], s(step), 1e-6, "step %d", step)
			}
		})
	}
}

func TestByNameErrors(t *testing.T) {
	_, err := ByName("exponential", 1e-3, 0, 10)
	require.Error(t, err)
	_, err = ByName("linear", 1e-3, -1, 10)
	require.Error(t, err)
	assert.Contains(t, Names(), "cosine_with_restarts")
	assert.Len(t, Names(), 6)
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamType:        "constant_with_warmup",
		ParamWarmUpSteps: 4,
	})
	s, err := FromContext(ctx, 1e-3, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, s(1), 1e-9)
	assert.InDelta(t, 1.0, s(4), 1e-9)
}
