// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// webshop_il trains a scorer that imitates the choices of humans shopping in the WebShop environment.
//
// Hyperparameters are set with -set, e.g.:
//
//	webshop_il -data=~/webshop -images=~/webshop/images -set="gradient_accumulation_steps=8;learning_rate=1e-4"
//
// Checkpoints, metrics and results are written to <output>/<model_name>.
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/webshopil/pkg/accelerate"
	"github.com/gomlx/webshopil/pkg/dataset"
	"github.com/gomlx/webshopil/pkg/schedule"
	"github.com/gomlx/webshopil/pkg/scorer"
	"github.com/gomlx/webshopil/pkg/tokenizer"
	"github.com/gomlx/webshopil/pkg/trainer"
	"github.com/gomlx/webshopil/pkg/trajectories"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir      = flag.String("data", ".", "Base directory of the WebShop data: default paths of -traj and -goals are relative to it.")
	flagTrajectories = flag.String("traj", trajectories.TrajectoriesPath, "JSONL file with the human trajectories.")
	flagGoals        = flag.String("goals", trajectories.GoalsPath, "JSON file with the list of human goals.")
	flagImagesDir    = flag.String("images", "", "Directory with the product images (<ASIN>.jpg). If empty, raw images are replaced by the placeholder.")
	flagImageCache   = flag.Int("image_cache", 0, "Number of decoded images to keep in memory. 0 reads them from disk every time.")
	flagOutput       = flag.String("output", "./ckpts/web_click", "Output directory: files are written to <output>/<model_name>.")
	flagResume       = flag.String("resume", "", fmt.Sprintf("Checkpoint directory to resume from, or %q for the one in the manifest of the output directory.", trainer.ResumeLatest))
	flagInit         = flag.String("init", "", "Directory with model weights (e.g. <output>/<model_name>/epoch_3/model) used to initialize the scorer.")
	flagSPM          = flag.String("spm", "", "SentencePiece model file (e.g. sentencepiece.bpe.model of XLM-RoBERTa) to tokenize the text.")
	flagHF           = flag.String("hf", "", "HuggingFace model id (e.g. FacebookAI/xlm-roberta-base) whose tokenizer to use. Env HF_TOKEN is used for gated models.")
	flagVocabSize    = flag.Int("vocab", 30_000, "Vocabulary size of the word tokenizer built from the training data, used if neither -spm nor -hf are set.")
	flagNumProcesses = flag.Int("num_processes", 1, "Number of in-process workers, each training its own copy of the scorer on its own shard of the data. "+
		"Gradients are not synchronized: evaluation pools the predictions of all workers, and only the first "+
		"worker saves checkpoints.")
)

// createDefaultContext sets the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		trainer.ParamNumEpochs:         10,
		trainer.ParamMaxTrainSteps:     0,
		trainer.ParamAccumulationSteps: 32,
		trainer.ParamCheckpointing:     trainer.CheckpointEpoch,
		trainer.ParamLoggingSteps:      10,
		trainer.ParamTrainBatchSize:    1,
		trainer.ParamEvalBatchSize:     8,
		trainer.ParamSeed:              42,
		trainer.ParamModelName:         "bert-vit",
		trainer.ParamShowProgressBar:   true,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    trainer.DefaultLearningRate,
		optimizers.ParamAdamWeightDecay: 0.0,
		schedule.ParamType:              "linear",
		schedule.ParamWarmUpSteps:       0,

		scorer.ParamEmbedDim:     128,
		scorer.ParamUseImages:    true,
		scorer.ParamLengthBucket: dataset.DefaultLengthBucket,
		fnn.ParamNumHiddenLayers: 1,
		fnn.ParamNumHiddenNodes:  256,
		context.ParamInitialSeed: int64(0),
	})
	return ctx
}

// newContext creates a context with the default hyperparameters overridden by the settings.
func newContext(settings string) (ctx *context.Context, paramsSet []string, err error) {
	ctx = createDefaultContext()
	paramsSet, err = commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	if seed := context.GetParamOr(ctx, trainer.ParamSeed, 42); !containsParam(paramsSet, context.ParamInitialSeed) {
		ctx.SetParam(context.ParamInitialSeed, int64(seed))
	}
	return ctx, paramsSet, nil
}

func containsParam(paramsSet []string, name string) bool {
	for _, p := range paramsSet {
		if p == name || strings.HasSuffix(p, "/"+name) {
			return true
		}
	}
	return false
}

func main() {
	settings := commandline.CreateContextSettingsFlag(createDefaultContext(), "")
	klog.InitFlags(nil)
	flag.Parse()

	ctx, paramsSet := must.M2(newContext(*settings))
	fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))

	runCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt)
	defer stop()
	if err := run(runCtx, *settings); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// data shared by all workers.
type data struct {
	tok            tokenizer.Tokenizer
	train, eval    []*dataset.Example
	collator       *dataset.Collator
	outputDir      string
	cfg            trainer.Config
	trainBatchSize int
	evalBatchSize  int
	seed           int64
}

func run(runCtx stdcontext.Context, settings string) error {
	ctx, _, err := newContext(settings)
	if err != nil {
		return err
	}
	d := &data{
		outputDir:      filepath.Join(*flagOutput, context.GetParamOr(ctx, trainer.ParamModelName, "bert-vit")),
		trainBatchSize: context.GetParamOr(ctx, trainer.ParamTrainBatchSize, 1),
		evalBatchSize:  context.GetParamOr(ctx, trainer.ParamEvalBatchSize, 8),
		seed:           int64(context.GetParamOr(ctx, trainer.ParamSeed, 42)),
	}
	d.cfg, err = trainer.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	d.cfg.OutputDir = d.outputDir
	d.cfg.ResumeFrom = *flagResume

	trainTransitions, err := loadTransitions(trajectories.SplitTrain)
	if err != nil {
		return err
	}
	evalTransitions, err := loadTransitions(trajectories.SplitEval)
	if err != nil {
		return err
	}
	d.tok, err = createTokenizer(trainTransitions)
	if err != nil {
		return err
	}
	d.train, err = dataset.Encode(trainTransitions, d.tok)
	if err != nil {
		return errors.WithMessage(err, "encoding train split")
	}
	d.eval, err = dataset.Encode(evalTransitions, d.tok)
	if err != nil {
		return errors.WithMessage(err, "encoding eval split")
	}
	d.collator, err = dataset.NewCollator(dataset.CollatorConfig{
		ImagesDir:      *flagImagesDir,
		ImageCacheSize: *flagImageCache,
		SkipImages:     *flagImagesDir == "" || !context.GetParamOr(ctx, scorer.ParamUseImages, true),
	})
	if err != nil {
		return err
	}

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	if *flagNumProcesses <= 1 {
		return trainWorker(runCtx, backend, settings, d, accelerate.Local{})
	}
	return accelerate.Run(runCtx, *flagNumProcesses, func(workerCtx stdcontext.Context, acc accelerate.Accelerator) error {
		return trainWorker(workerCtx, backend, settings, d, acc)
	})
}

// trainWorker trains a scorer on the shard of the data of the process acc.
func trainWorker(runCtx stdcontext.Context, backend backends.Backend, settings string, d *data, acc accelerate.Accelerator) error {
	// Each worker owns its model variables.
	ctx, _, err := newContext(settings)
	if err != nil {
		return err
	}
	sc, err := scorer.NewDualEncoder(backend, ctx, d.tok.VocabSize())
	if err != nil {
		return err
	}
	if *flagInit != "" && *flagResume == "" {
		if err = sc.LoadState(*flagInit); err != nil {
			return errors.WithMessagef(err, "initializing scorer from %q", *flagInit)
		}
	}
	numShards, shardIndex := acc.NumProcesses(), acc.ProcessIndex()
	trainLoader, err := dataset.NewLoader(d.train, d.collator, dataset.LoaderConfig{
		Name:         "train",
		BatchSize:    d.trainBatchSize,
		Shuffle:      true,
		Seed:         d.seed,
		NumShards:    numShards,
		ShardIndex:   shardIndex,
		LengthBucket: context.GetParamOr(ctx, scorer.ParamLengthBucket, dataset.DefaultLengthBucket),
	})
	if err != nil {
		return err
	}
	evalLoader, err := dataset.NewLoader(d.eval, d.collator, dataset.LoaderConfig{
		Name:       "eval",
		BatchSize:  d.evalBatchSize,
		NumShards:  numShards,
		ShardIndex: shardIndex,
	})
	if err != nil {
		return err
	}

	cfg := d.cfg
	options := []trainer.Option{trainer.WithAccelerator(acc)}
	if acc.IsMainProcess() {
		if err = os.MkdirAll(d.outputDir, 0o755); err != nil {
			return errors.Wrapf(err, "creating output directory %q", d.outputDir)
		}
		sink, err := trainer.NewJSONLSink(filepath.Join(d.outputDir, trainer.MetricsFileName))
		if err != nil {
			return err
		}
		defer func() { _ = sink.Close() }()
		klog.Infof("Metrics of run %s written to %q", sink.RunID(), filepath.Join(d.outputDir, trainer.MetricsFileName))
		options = append(options, trainer.WithMetricsSink(sink))
	} else {
		cfg.ShowProgressBar = false
	}
	tr, err := trainer.New(cfg, sc, trainLoader, evalLoader, options...)
	if err != nil {
		return err
	}
	summary, err := tr.Run(runCtx)
	if err != nil {
		return err
	}
	if acc.IsMainProcess() {
		fmt.Printf("Eval accuracy: %.2f%% (%d examples) after %d steps, results in %q\n",
			100*summary.EvalAccuracy, summary.EvalExamples, summary.CompletedSteps,
			filepath.Join(d.outputDir, trainer.ResultsFileName))
	}
	return nil
}

// loadTransitions loads the trajectories of the split and extracts their transitions.
// The random generator is seeded per split, so splits are the same in every run and every process.
func loadTransitions(split trajectories.Split) ([]trajectories.Transition, error) {
	rng := rand.New(rand.NewSource(trajectories.DefaultSeed))
	loadConfig := trajectories.DefaultLoadConfig(*flagDataDir)
	loadConfig.TrajectoriesPath = joinIfRelative(*flagDataDir, *flagTrajectories)
	loadConfig.GoalsPath = joinIfRelative(*flagDataDir, *flagGoals)
	trajs, err := trajectories.Load(loadConfig, split, rng)
	if err != nil {
		return nil, err
	}
	transitions, stats := trajectories.Extract(trajs, trajectories.ExtractOptions{FilterSearch: true}, rng)
	klog.Infof("Split %q: %d trajectories, %d steps, %d transitions (%d with reduced actions)",
		split, stats.Trajectories, stats.Steps, stats.Transitions, stats.Reduced)
	if len(transitions) == 0 {
		return nil, errors.Errorf("split %q has no transitions", split)
	}
	return transitions, nil
}

func joinIfRelative(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// createTokenizer selected by the flags.
func createTokenizer(trainTransitions []trajectories.Transition) (tokenizer.Tokenizer, error) {
	switch {
	case *flagSPM != "" && *flagHF != "":
		return nil, errors.New("only one of -spm or -hf can be set")
	case *flagSPM != "":
		return tokenizer.NewSentencePiece(*flagSPM)
	case *flagHF != "":
		return tokenizer.NewHuggingFace(*flagHF, os.Getenv("HF_TOKEN"))
	}
	var corpus []string
	for _, tr := range trainTransitions {
		corpus = append(corpus, tr.State)
		corpus = append(corpus, tr.Actions...)
	}
	words := tokenizer.NewWords(corpus, *flagVocabSize)
	klog.Infof("Word tokenizer with %d tokens", words.VocabSize())
	return words, nil
}
