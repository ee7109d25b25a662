// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// fairseqOffset is the shift between SentencePiece piece ids and XLM-RoBERTa ids: XLM-RoBERTa reserves
// ids 0 to 3 for its special tokens, and the SentencePiece model has "<unk>", "<s>", "</s>" as pieces 0 to 2.
const fairseqOffset = 1

// SentencePiece is a Tokenizer backed by a SentencePiece model file (usually with a ".spm" or ".model" extension),
// with the ids remapped to the XLM-RoBERTa vocabulary.
type SentencePiece struct {
	proc      *sentencepiece.Processor
	vocabSize int
}

var _ Tokenizer = (*SentencePiece)(nil)

// NewSentencePiece loads the SentencePiece model in modelPath.
func NewSentencePiece(modelPath string) (*SentencePiece, error) {
	proc, err := sentencepiece.NewProcessorFromPath(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load SentencePiece model from %q", modelPath)
	}
	info := proc.ModelInfo()
	sp := &SentencePiece{
		proc: proc,
		// Pieces are shifted by the offset, and the "<pad>" token is inserted.
		vocabSize: info.VocabularySize + fairseqOffset,
	}
	klog.V(1).Infof("SentencePiece model %q loaded: vocabulary size %d", modelPath, sp.vocabSize)
	return sp, nil
}

// VocabSize implements Tokenizer.
func (sp *SentencePiece) VocabSize() int { return sp.vocabSize }

// Encode implements Tokenizer.
func (sp *SentencePiece) Encode(texts []string, maxLen int) Encodings {
	return xlmrSpecialTokens.encodeAll(texts, maxLen, sp.pieceIDs)
}

// pieceIDs returns the XLM-RoBERTa ids of the pieces of text.
func (sp *SentencePiece) pieceIDs(text string) []int {
	tokens := sp.proc.Encode(text)
	ids := make([]int, len(tokens))
	for ii, token := range tokens {
		ids[ii] = pieceToID(token.ID)
	}
	return ids
}

// pieceToID converts a SentencePiece id to the XLM-RoBERTa id.
func pieceToID(pieceID int) int {
	if pieceID == 0 {
		return UnknownID
	}
	return pieceID + fairseqOffset
}
