// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scorer

import (
	"math"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/webshopil/pkg/dataset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// accumulatorScope is the root scope of the variables holding the accumulated gradients.
const accumulatorScope = "/accumulated_gradients"

// optimizerWithGradients is implemented by the optimizers that can apply gradients computed elsewhere.
type optimizerWithGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// DualEncoder implements Interface with a GoMLX model, see LogitsGraph.
//
// All its state (model weights, optimizer state and accumulated gradients) lives in the context variables.
// It is not safe for concurrent use.
type DualEncoder struct {
	backend      backends.Backend
	ctx          *context.Context
	vocabSize    int
	lengthBucket int
	optimizer    optimizerWithGradients

	trainExec, evalExec, accumulateExec, stepExec, zeroExec *context.Exec

	// trainableVars in the order their gradients are returned by trainExec, and their accumulators.
	trainableVars []*context.Variable
	accumulators  []*context.Variable

	lastGrads    []*tensors.Tensor
	lastGradNorm float64
}

var _ Interface = (*DualEncoder)(nil)

// NewDualEncoder creates a DualEncoder for a tokenizer with the given vocabulary size.
//
// The hyperparameters are read from ctx: see ParamEmbedDim, ParamUseImages, ParamLengthBucket, the fnn
// parameters, and the optimizers parameters (the optimizer must support accumulated gradients, e.g. "adamw",
// "adam", "rmsprop" or "sgd").
func NewDualEncoder(backend backends.Backend, ctx *context.Context, vocabSize int) (*DualEncoder, error) {
	if vocabSize <= 0 {
		return nil, errors.Errorf("invalid vocabulary size %d", vocabSize)
	}
	optName := context.GetParamOr(ctx, optimizers.ParamOptimizer, "adamw")
	var named optimizers.Interface
	err := exceptions.TryCatch[error](func() { named = optimizers.ByName(ctx, optName) })
	if err != nil {
		return nil, errors.WithMessagef(err, "creating optimizer %q", optName)
	}
	opt, ok := named.(optimizerWithGradients)
	if !ok {
		return nil, errors.Errorf("optimizer %q doesn't support accumulated gradients", optName)
	}
	d := &DualEncoder{
		backend:      backend,
		ctx:          ctx,
		vocabSize:    vocabSize,
		lengthBucket: context.GetParamOr(ctx, ParamLengthBucket, dataset.DefaultLengthBucket),
		optimizer:    opt,
	}
	d.trainExec, err = context.NewExec(backend, ctx, d.trainGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating training graph")
	}
	d.evalExec, err = context.NewExec(backend, ctx, d.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation graph")
	}
	d.accumulateExec, err = context.NewExec(backend, ctx, d.accumulateGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating gradient accumulation graph")
	}
	d.stepExec, err = context.NewExec(backend, ctx, d.stepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating optimizer step graph")
	}
	d.zeroExec, err = context.NewExec(backend, ctx, d.zeroGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating zero gradients graph")
	}
	return d, nil
}

// Context holding the model variables and hyperparameters.
func (d *DualEncoder) Context() *context.Context { return d.ctx }

// LastGradNorm returns the L2 norm of the gradients applied by the last Step.
func (d *DualEncoder) LastGradNorm() float64 { return d.lastGradNorm }

// evalGraph returns the loss and the logits.
func (d *DualEncoder) evalGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, false)
	logits := LogitsGraph(ctx, inputs[:dataset.NumInputs], d.vocabSize)
	loss := LossGraph(logits, inputs[dataset.NumInputs])
	return []*Node{loss, logits}
}

// trainGraph returns the loss, the logits and the gradients of the loss with respect to each trainable variable.
func (d *DualEncoder) trainGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, true)
	logits := LogitsGraph(ctx, inputs[:dataset.NumInputs], d.vocabSize)
	loss := LossGraph(logits, inputs[dataset.NumInputs])

	// Same order as returned by BuildTrainableVariablesGradientsGraph.
	var trainable []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	}
	if d.trainableVars == nil {
		d.trainableVars = trainable
	} else if len(d.trainableVars) != len(trainable) {
		exceptions.Panicf("training graph for shapes %s uses %d trainable variables, previous graphs used %d",
			inputs[0].Shape(), len(trainable), len(d.trainableVars))
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	return append([]*Node{loss, logits}, grads...)
}

// accumulateGraph adds inputs[1:] (the gradients) multiplied by inputs[0] (the scale) to the accumulators.
func (d *DualEncoder) accumulateGraph(ctx *context.Context, inputs []*Node) *Node {
	scale := inputs[0]
	for ii, grad := range inputs[1:] {
		acc := d.accumulators[ii]
		acc.SetValueGraph(Add(acc.ValueGraph(scale.Graph()), Mul(ConvertDType(scale, grad.DType()), grad)))
	}
	return scale
}

// stepGraph applies the accumulated gradients with the optimizer, clears them and returns their L2 norm.
func (d *DualEncoder) stepGraph(ctx *context.Context, g *Graph) *Node {
	grads := make([]*Node, len(d.trainableVars))
	sumSquares := ScalarZero(g, DType)
	for ii, v := range d.trainableVars {
		_ = v.ValueGraph(g)
		acc := d.accumulators[ii]
		grads[ii] = acc.ValueGraph(g)
		acc.SetValueGraph(ZerosLike(grads[ii]))
		sumSquares = Add(sumSquares, ConvertDType(ReduceAllSum(Square(grads[ii])), DType))
	}
	d.optimizer.UpdateGraphWithGradients(ctx, grads, DType)
	return Sqrt(sumSquares)
}

// zeroGraph clears the accumulators.
func (d *DualEncoder) zeroGraph(ctx *context.Context, g *Graph) *Node {
	for _, acc := range d.accumulators {
		acc.SetValueGraph(ZerosLike(acc.ValueGraph(g)))
	}
	return ScalarZero(g, DType)
}

// createAccumulators creates (or reuses, if loaded from a checkpoint) the gradient accumulators.
func (d *DualEncoder) createAccumulators() {
	if len(d.accumulators) == len(d.trainableVars) {
		return
	}
	d.accumulators = make([]*context.Variable, len(d.trainableVars))
	for ii, v := range d.trainableVars {
		accCtx := d.ctx.InAbsPath(accumulatorScope + v.Scope()).Checked(false)
		d.accumulators[ii] = accCtx.VariableWithValue(v.Name(), tensors.FromShape(v.Shape())).SetTrainable(false)
	}
}

// Forward implements Interface.
func (d *DualEncoder) Forward(batch *dataset.Batch, training bool) (*Output, error) {
	inputs, labels, err := batch.Tensors(d.lengthBucket)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, len(inputs)+len(labels))
	for _, t := range inputs {
		args = append(args, t)
	}
	for _, t := range labels {
		args = append(args, t)
	}
	exec := d.evalExec
	if training {
		exec = d.trainExec
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		var execErr error
		outputs, execErr = exec.Exec(args...)
		panicIf(execErr)
	})
	for _, t := range inputs {
		_ = t.FinalizeAll()
	}
	for _, t := range labels {
		_ = t.FinalizeAll()
	}
	if err != nil {
		return nil, errors.WithMessage(err, "executing scorer graph")
	}

	output := &Output{
		Loss:   float64(tensors.ToScalar[float32](outputs[0])),
		Logits: make([][]float32, batch.Size()),
	}
	flatLogits := tensors.MustCopyFlatData[float32](outputs[1])
	numSlots := outputs[1].Shape().Dimensions[1]
	for ii, count := range batch.Counts {
		output.Logits[ii] = flatLogits[ii*numSlots : ii*numSlots+count]
	}
	_ = outputs[0].FinalizeAll()
	_ = outputs[1].FinalizeAll()

	if training {
		d.releaseGrads()
		d.lastGrads = outputs[2:]
	}
	return output, nil
}

func (d *DualEncoder) releaseGrads() {
	for _, t := range d.lastGrads {
		_ = t.FinalizeAll()
	}
	d.lastGrads = nil
}

// Backward implements Interface.
func (d *DualEncoder) Backward(scale float64) error {
	if d.lastGrads == nil {
		return errors.New("Backward called without a previous training Forward")
	}
	d.createAccumulators()
	args := make([]any, 0, len(d.lastGrads)+1)
	args = append(args, tensors.FromScalar(float32(scale)))
	for _, t := range d.lastGrads {
		args = append(args, t)
	}
	err := exceptions.TryCatch[error](func() { _, err := d.accumulateExec.Exec(args...); panicIf(err) })
	d.releaseGrads()
	if err != nil {
		return errors.WithMessage(err, "accumulating gradients")
	}
	return nil
}

// Step implements Interface.
func (d *DualEncoder) Step(learningRate float64) error {
	if len(d.trainableVars) == 0 {
		return errors.New("Step called before any training Forward")
	}
	d.createAccumulators()
	lrVar := optimizers.LearningRateVar(d.ctx, DType, learningRate)
	if err := lrVar.SetValue(tensors.FromScalar(float32(learningRate))); err != nil {
		return errors.WithMessage(err, "setting learning rate")
	}
	var norm *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var err error
		norm, err = d.stepExec.Exec1()
		panicIf(err)
	})
	if err != nil {
		return errors.WithMessage(err, "applying gradients")
	}
	d.lastGradNorm = float64(tensors.ToScalar[float32](norm))
	_ = norm.FinalizeAll()
	if math.IsNaN(d.lastGradNorm) {
		klog.Warningf("NaN gradients applied at global step %d", optimizers.GetGlobalStep(d.ctx))
	}
	klog.V(2).Infof("step: lr=%g, grad_norm=%g", learningRate, d.lastGradNorm)
	return nil
}

// ZeroGrad implements Interface.
func (d *DualEncoder) ZeroGrad() error {
	d.releaseGrads()
	if len(d.accumulators) == 0 {
		return nil
	}
	return exceptions.TryCatch[error](func() { _, err := d.zeroExec.Exec(); panicIf(err) })
}

// SaveState implements Interface: dir is replaced by a checkpoint with all variables and hyperparameters.
func (d *DualEncoder) SaveState(dir string) error {
	return d.save(dir, nil)
}

// SaveWeights implements Interface: dir is replaced by a checkpoint with only the model variables.
func (d *DualEncoder) SaveWeights(dir string) error {
	var exclude []*context.Variable
	for v := range d.ctx.IterVariables() {
		if !isModelVariable(v) {
			exclude = append(exclude, v)
		}
	}
	return d.save(dir, exclude)
}

func (d *DualEncoder) save(dir string, exclude []*context.Variable) error {
	// The checkpoints handler loads any previous checkpoint found in dir.
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing previous checkpoint in %q", dir)
	}
	config := checkpoints.Build(d.ctx).Dir(dir).Keep(1)
	if len(exclude) > 0 {
		config = config.ExcludeVars(exclude...)
	}
	handler, err := config.Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", dir)
	}
	return nil
}

// LoadState implements Interface. Hyperparameters in the checkpoint are ignored: the ones in the context
// take precedence.
func (d *DualEncoder) LoadState(dir string) error {
	_, err := checkpoints.Load(d.ctx).Dir(dir).Immediate().ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	for v := range d.ctx.IterVariables() {
		if !isModelVariable(v) {
			v.SetTrainable(false)
		}
	}
	return nil
}

func isModelVariable(v *context.Variable) bool {
	scope := context.ScopeSeparator + ModelScope
	return v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator)
}

func panicIf(err error) {
	if err != nil {
		panic(err)
	}
}
