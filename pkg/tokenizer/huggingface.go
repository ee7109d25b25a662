// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"encoding/json"
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
)

// HuggingFace is a Tokenizer using the tokenizer published with a HuggingFace model, e.g. "FacebookAI/xlm-roberta-base".
type HuggingFace struct {
	tok       tokenizers.Tokenizer
	special   specialTokens
	vocabSize int
}

var _ Tokenizer = (*HuggingFace)(nil)

// NewHuggingFace downloads (or reuses the cached copy of) the tokenizer of the model modelID.
// authToken is only needed for gated models, and can be left empty.
func NewHuggingFace(modelID, authToken string) (*HuggingFace, error) {
	repo := hub.New(modelID).WithProgressBar(true)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info of model %q", modelID)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer for model %q", modelID)
	}
	hf := &HuggingFace{tok: tok, special: xlmrSpecialTokens}
	if hf.special.bos, err = tok.SpecialTokenID(api.TokBeginningOfSentence); err != nil {
		if hf.special.bos, err = tok.SpecialTokenID(api.TokClassification); err != nil {
			return nil, errors.Errorf("tokenizer of %q has no begin-of-sentence or classification token", modelID)
		}
	}
	if hf.special.eos, err = tok.SpecialTokenID(api.TokEndOfSentence); err != nil {
		return nil, errors.Errorf("tokenizer of %q has no end-of-sentence token", modelID)
	}
	if hf.special.pad, err = tok.SpecialTokenID(api.TokPad); err != nil {
		return nil, errors.Errorf("tokenizer of %q has no padding token", modelID)
	}

	configPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download config.json of model %q", modelID)
	}
	if hf.vocabSize, err = readVocabSize(configPath); err != nil {
		return nil, err
	}
	return hf, nil
}

// readVocabSize reads the "vocab_size" field of a HuggingFace model configuration.
func readVocabSize(configPath string) (int, error) {
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read model configuration")
	}
	var config struct {
		VocabSize int `json:"vocab_size"`
	}
	if err := json.Unmarshal(contents, &config); err != nil {
		return 0, errors.Wrapf(err, "failed to parse model configuration in %q", configPath)
	}
	if config.VocabSize <= 0 {
		return 0, errors.Errorf("model configuration %q has no valid \"vocab_size\"", configPath)
	}
	return config.VocabSize, nil
}

// VocabSize implements Tokenizer.
func (hf *HuggingFace) VocabSize() int { return hf.vocabSize }

// Encode implements Tokenizer.
func (hf *HuggingFace) Encode(texts []string, maxLen int) Encodings {
	return hf.special.encodeAll(texts, maxLen, hf.tok.Encode)
}
