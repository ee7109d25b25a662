// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"cmp"
	"regexp"
	"slices"
)

var reWords = regexp.MustCompile(`\[SEP\]|[[:word:]]+`)

// firstWordID is the id of the most frequent word: ids before it are the special tokens.
const firstWordID = UnknownID + 1

// WordEntry is a word of the vocabulary and its count in the corpus.
type WordEntry struct {
	Token string
	Count int
}

// Words is a word level Tokenizer, with a vocabulary built from a corpus.
// Words not in the vocabulary are mapped to UnknownID.
//
// It is deterministic and needs no model files, which makes it handy for tests and quick experiments.
type Words struct {
	Entries []WordEntry
	index   map[string]int
}

var _ Tokenizer = (*Words)(nil)

// NewWords builds the vocabulary from the words in corpus, sorted by decreasing frequency (ties broken
// alphabetically). If maxVocab > 0, only the most frequent words are kept, such that VocabSize() <= maxVocab.
func NewWords(corpus []string, maxVocab int) *Words {
	counts := make(map[string]int)
	for _, text := range corpus {
		for _, word := range reWords.FindAllString(text, -1) {
			counts[word]++
		}
	}
	entries := make([]WordEntry, 0, len(counts))
	for token, count := range counts {
		entries = append(entries, WordEntry{Token: token, Count: count})
	}
	slices.SortFunc(entries, func(a, b WordEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Token, b.Token)
	})
	if maxVocab > 0 && len(entries) > maxVocab-firstWordID {
		entries = entries[:max(0, maxVocab-firstWordID)]
	}
	w := &Words{Entries: entries, index: make(map[string]int, len(entries))}
	for ii, entry := range entries {
		w.index[entry.Token] = ii + firstWordID
	}
	return w
}

// VocabSize implements Tokenizer.
func (w *Words) VocabSize() int { return len(w.Entries) + firstWordID }

// ID returns the token id of word.
func (w *Words) ID(word string) int {
	if id, found := w.index[word]; found {
		return id
	}
	return UnknownID
}

// Encode implements Tokenizer.
func (w *Words) Encode(texts []string, maxLen int) Encodings {
	return xlmrSpecialTokens.encodeAll(texts, maxLen, func(text string) []int {
		words := reWords.FindAllString(text, -1)
		ids := make([]int, len(words))
		for ii, word := range words {
			ids[ii] = w.ID(word)
		}
		return ids
	})
}
