// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	// Search steps can't be encoded as training examples, so they are always filtered.
	assert.Nil(t, flag.Lookup("filter_search"))

	numProcesses := flag.Lookup("num_processes")
	require.NotNil(t, numProcesses)
	assert.Contains(t, numProcesses.Usage, "Gradients are not synchronized")
	assert.Equal(t, "1", numProcesses.DefValue)
}
