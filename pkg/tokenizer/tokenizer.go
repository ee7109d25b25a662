// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokenizer converts texts into fixed length sequences of token ids, with their attention masks,
// in the format expected by the scorer models.
//
// All implementations follow the XLM-RoBERTa convention: each sequence starts with the begin-of-sentence
// token, ends with the end-of-sentence token (after truncation) and is padded with the pad token up to
// the requested length.
package tokenizer

// Standard ids of the special tokens, as used by XLM-RoBERTa (fairseq dictionary order).
const (
	BeginOfSentenceID = 0
	PadID             = 1
	EndOfSentenceID   = 2
	UnknownID         = 3
)

// Encodings holds the ids and attention masks of a list of texts, all padded (or truncated) to the same length.
type Encodings struct {
	// IDs of the tokens, shaped [numTexts][maxLen].
	IDs [][]int32

	// Mask is 1 for real tokens (including the special begin and end tokens) and 0 for padding,
	// shaped [numTexts][maxLen].
	Mask [][]int32
}

// Len returns the number of encoded texts.
func (e Encodings) Len() int { return len(e.IDs) }

// Tokenizer is implemented by the text encoders.
type Tokenizer interface {
	// Encode texts to exactly maxLen tokens each: truncating longer texts and padding shorter ones.
	Encode(texts []string, maxLen int) Encodings

	// VocabSize is the number of distinct token ids the tokenizer can generate.
	VocabSize() int
}

// specialTokens configures how a sequence is wrapped and padded.
type specialTokens struct {
	bos, eos, pad int
}

var xlmrSpecialTokens = specialTokens{bos: BeginOfSentenceID, eos: EndOfSentenceID, pad: PadID}

// wrapAndPad adds the begin and end of sentence tokens to ids (truncated if needed), and pads it to maxLen.
// The slices returned are owned by the caller.
func (s specialTokens) wrapAndPad(ids []int, maxLen int) (paddedIDs, mask []int32) {
	paddedIDs = make([]int32, maxLen)
	mask = make([]int32, maxLen)
	if maxLen <= 0 {
		return
	}
	for ii := range paddedIDs {
		paddedIDs[ii] = int32(s.pad)
	}
	if maxLen == 1 {
		paddedIDs[0] = int32(s.bos)
		mask[0] = 1
		return
	}
	ids = ids[:min(len(ids), maxLen-2)]
	pos := 0
	paddedIDs[pos] = int32(s.bos)
	pos++
	for _, id := range ids {
		paddedIDs[pos] = int32(id)
		pos++
	}
	paddedIDs[pos] = int32(s.eos)
	pos++
	for ii := range pos {
		mask[ii] = 1
	}
	return
}

// encodeAll applies encodeFn to each text, and wraps and pads the results.
func (s specialTokens) encodeAll(texts []string, maxLen int, encodeFn func(text string) []int) Encodings {
	enc := Encodings{
		IDs:  make([][]int32, len(texts)),
		Mask: make([][]int32, len(texts)),
	}
	for ii, text := range texts {
		enc.IDs[ii], enc.Mask[ii] = s.wrapAndPad(encodeFn(text), maxLen)
	}
	return enc
}
