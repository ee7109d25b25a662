// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndPad(t *testing.T) {
	ids, mask := xlmrSpecialTokens.wrapAndPad([]int{10, 11, 12}, 7)
	assert.Equal(t, []int32{0, 10, 11, 12, 2, 1, 1}, ids)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 0, 0}, mask)

	// Truncation keeps the end of sentence token.
	ids, mask = xlmrSpecialTokens.wrapAndPad([]int{10, 11, 12, 13, 14}, 4)
	assert.Equal(t, []int32{0, 10, 11, 2}, ids)
	assert.Equal(t, []int32{1, 1, 1, 1}, mask)

	ids, mask = xlmrSpecialTokens.wrapAndPad(nil, 3)
	assert.Equal(t, []int32{0, 2, 1}, ids)
	assert.Equal(t, []int32{1, 1, 0}, mask)
}

func TestWords(t *testing.T) {
	corpus := []string{
		"search [SEP] red shoes",
		"click[red] shoes [SEP] red",
	}
	w := NewWords(corpus, 0)
	// Frequencies: red=3, [SEP]=2, shoes=2, click=1, search=1.
	require.Equal(t, []WordEntry{{"red", 3}, {"[SEP]", 2}, {"shoes", 2}, {"click", 1}, {"search", 1}}, w.Entries)
	assert.Equal(t, 9, w.VocabSize())
	assert.Equal(t, 4, w.ID("red"))
	assert.Equal(t, UnknownID, w.ID("blue"))

	enc := w.Encode([]string{"red blue shoes", ""}, 6)
	require.Equal(t, 2, enc.Len())
	assert.Equal(t, []int32{0, 4, 3, 6, 2, 1}, enc.IDs[0])
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 0}, enc.Mask[0])
	assert.Equal(t, []int32{0, 2, 1, 1, 1, 1}, enc.IDs[1])
	assert.Equal(t, []int32{1, 1, 0, 0, 0, 0}, enc.Mask[1])

	// Limiting the vocabulary.
	w = NewWords(corpus, 6)
	assert.Equal(t, 6, w.VocabSize())
	assert.Equal(t, UnknownID, w.ID("shoes"))
}

func TestPieceToID(t *testing.T) {
	assert.Equal(t, UnknownID, pieceToID(0))
	assert.Equal(t, BeginOfSentenceID+2, pieceToID(1))
	assert.Equal(t, 101, pieceToID(100))
}

func TestSentencePieceMissingModel(t *testing.T) {
	_, err := NewSentencePiece(filepath.Join(t.TempDir(), "missing.spm"))
	require.Error(t, err)
}

func TestReadVocabSize(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"model_type": "xlm-roberta", "vocab_size": 250002}`), 0o644))
	size, err := readVocabSize(configPath)
	require.NoError(t, err)
	assert.Equal(t, 250002, size)

	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0o644))
	_, err = readVocabSize(configPath)
	require.Error(t, err)
}
