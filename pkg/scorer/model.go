// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scorer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/webshopil/pkg/dataset"
	"github.com/gomlx/webshopil/pkg/tokenizer"
)

const (
	// ParamEmbedDim is the context parameter with the dimension of the token embeddings and of the towers' outputs.
	ParamEmbedDim = "scorer_embed_dim"

	// ParamUseImages is the context parameter that enables the image branches of the state tower.
	ParamUseImages = "scorer_use_images"

	// ParamLengthBucket is the context parameter with the granularity of the token axes of the inputs.
	// See dataset.Batch.Tensors.
	ParamLengthBucket = "scorer_length_bucket"

	// ModelScope is the scope of the model weights in the context: anything else is training state.
	ModelScope = "model"
)

// DType used by the model.
var DType = dtypes.Float32

// maskedLogit is assigned to the candidate slots not in use, so their probability is ~0.
const maskedLogit = -1e9

// embedTokens embeds the tokens and takes their mean, weighted by the attention mask.
//
// - ids and mask: shaped [numSequences, seqLen].
//
// Output is shaped [numSequences, <scorer_embed_dim>].
func embedTokens(ctx *context.Context, ids, mask *Node, vocabSize int) *Node {
	g := ids.Graph()
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 128)

	// Ids outside the vocabulary are mapped to the unknown token.
	ids = Where(GreaterOrEqual(ids, Scalar(g, ids.DType(), vocabSize)),
		MulScalar(OnesLike(ids), tokenizer.UnknownID),
		ids)
	embed := layers.Embedding(ctx.In("tokens"), ids, DType, vocabSize, embedDim, false)
	return MaskedReduceMean(embed, NotEqual(mask, ZerosLike(mask)), 1)
}

// LogitsGraph builds the dual-encoder: the state and each candidate action are embedded independently, and the
// logit of each candidate is the scaled dot-product of the two embeddings.
//
// The inputs are the ones returned by dataset.Batch.Tensors. The returned logits are shaped
// [batchSize, dataset.MaxCandidates], with the slots not in use set to a very negative value.
func LogitsGraph(ctx *context.Context, inputs []*Node, vocabSize int) *Node {
	ctx = ctx.In(ModelScope).Checked(false)
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 128)

	// State tower: [batchSize, embedDim]
	state := embedTokens(ctx, inputs[dataset.InputStateIDs], inputs[dataset.InputStateMask], vocabSize)
	state = fnn.New(ctx.In("state_tower"), state, embedDim).Done()
	if context.GetParamOr(ctx, ParamUseImages, true) {
		features := fnn.New(ctx.In("image_features"), inputs[dataset.InputImageFeatures], embedDim).Done()
		// Raw images contribute their per-channel mean: [batchSize, ImageChannels].
		channels := ReduceMean(inputs[dataset.InputRawImages], 2, 3)
		pixels := fnn.New(ctx.In("raw_image"), channels, embedDim).Done()
		state = Add(state, Add(features, pixels))
	}

	// Action tower: candidates are flattened to [batchSize*MaxCandidates, actionLen] to share the token encoder.
	actionIDs := inputs[dataset.InputActionIDs]
	dims := actionIDs.Shape().Dimensions
	batchSize, numSlots, actionLen := dims[0], dims[1], dims[2]
	actions := embedTokens(ctx,
		Reshape(actionIDs, batchSize*numSlots, actionLen),
		Reshape(inputs[dataset.InputActionMask], batchSize*numSlots, actionLen),
		vocabSize)
	actions = fnn.New(ctx.In("action_tower"), actions, embedDim).Done()
	actions = Reshape(actions, batchSize, numSlots, embedDim)

	logits := Einsum("bd,bcd->bc", state, actions)
	logits = MulScalar(logits, 1.0/math.Sqrt(float64(embedDim)))
	candidates := inputs[dataset.InputCandidateMask]
	inUse := GreaterThan(candidates, ZerosLike(candidates))
	return Where(inUse, logits, MulScalar(OnesLike(logits), maskedLogit))
}

// LossGraph returns the mean cross-entropy of the logits (shaped [batchSize, numSlots]) given the labels (int32
// shaped [batchSize]).
func LossGraph(logits, labels *Node) *Node {
	numSlots := logits.Shape().Dimensions[1]
	logProbs := LogSoftmax(logits, -1)
	target := OneHot(labels, numSlots, logits.DType())
	return Neg(ReduceAllMean(ReduceSum(Mul(target, logProbs), -1)))
}
