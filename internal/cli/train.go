package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/pipetrain-go/checkpoint"
	"github.com/PipeOpsHQ/pipetrain-go/data"
	"github.com/PipeOpsHQ/pipetrain-go/data/memory"
	"github.com/PipeOpsHQ/pipetrain-go/engine/sim"
	"github.com/PipeOpsHQ/pipetrain-go/internal/logging"
	"github.com/PipeOpsHQ/pipetrain-go/observe"
	otelobserve "github.com/PipeOpsHQ/pipetrain-go/observe/otel"
	observestore "github.com/PipeOpsHQ/pipetrain-go/observe/store"
	tracesqlite "github.com/PipeOpsHQ/pipetrain-go/observe/store/sqlite"
	"github.com/PipeOpsHQ/pipetrain-go/runtimeconfig"
	statefactory "github.com/PipeOpsHQ/pipetrain-go/state/factory"
	"github.com/PipeOpsHQ/pipetrain-go/storage/objectstore"
	"github.com/PipeOpsHQ/pipetrain-go/trainer"
)

const (
	defaultWidth       = 4
	defaultShards      = 2
	defaultSamples     = 256
	defaultTestSamples = 64
)

func runTrain(ctx context.Context, args []string, out io.Writer) error {
	opts, _, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.configPath == "" {
		return fmt.Errorf("usage: pipetrain train --config=run.yaml")
	}
	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}
	cfg, err := runtimeconfig.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := runtimeconfig.ApplyEnv(&cfg); err != nil {
		return err
	}

	log := logging.New(os.Stderr, resolveVerbosity(opts.verbosity))
	params, err := cfg.Parameters()
	if err != nil {
		return err
	}
	lossName := params.LossOutputName
	if lossName == "" {
		lossName = sim.LossName
	}
	params.ErrorFunc = func(o trainer.StepOutput) {
		if v, ok := o.Fetch(lossName); ok {
			if loss, err := v.AsFloat64(0); err == nil {
				log.Info("loss", "step", o.Step, "value", loss)
			}
		}
	}
	params.PostEvaluationCallback = func(batchSize int, step uint64, tag string) {
		log.V(1).Info("reported", "tag", tag, "step", step, "batchSize", batchSize)
	}

	width := cfg.Data.Synthetic.Width
	if width <= 0 {
		width = defaultWidth
	}
	trainLoader, testLoader, err := syntheticLoaders(cfg.Data, width)
	if err != nil {
		return err
	}

	runnerOpts := []trainer.Option{trainer.WithLogger(log)}
	if cfg.RunID != "" {
		runnerOpts = append(runnerOpts, trainer.WithRunID(cfg.RunID))
	}

	ledger, err := statefactory.FromEnv(ctx, log)
	if err != nil {
		log.Info("state store unavailable", "error", err.Error(), "warning", true)
	} else {
		defer closeStore(log, ledger)
		runnerOpts = append(runnerOpts, trainer.WithLedger(ledger))
	}

	sink, closeSink := buildSink(log, cfg.Trace)
	defer closeSink()
	runnerOpts = append(runnerOpts, trainer.WithSink(sink))

	if mirror := buildMirror(ctx, log); mirror != nil {
		runnerOpts = append(runnerOpts, trainer.WithMirror(mirror))
	}

	runner, err := trainer.New(sim.New(sim.Config{Width: width}), params, runnerOpts...)
	if err != nil {
		return err
	}
	if err := runner.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := runner.Close(ctx); err != nil {
			log.Error(err, "failed to release run lock")
		}
	}()
	if err := runner.Run(ctx, trainLoader, testLoader); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	var endLoader data.Loader
	if params.DoEval {
		endLoader = testLoader
	}
	if _, err := runner.EndTraining(ctx, endLoader, trainer.EvalCursor{}); err != nil {
		return fmt.Errorf("failed to finish training: %w", err)
	}

	st := runner.State()
	fmt.Fprintf(out, "%s\tround=%d\tupdates=%d\tshard=%d\n", runner.RunID(), st.Round, st.WeightUpdateCount, st.DataSetIndex)
	return nil
}

// resolveVerbosity prefers the flag, then PIPETRAIN_LOG_VERBOSITY. An
// interactive terminal defaults to per-step progress lines.
func resolveVerbosity(flag int) int {
	if flag >= 0 {
		return flag
	}
	fallback := 0
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fallback = 1
	}
	return logging.VerbosityFromEnv(fallback)
}

// syntheticLoaders builds linear-regression shards whose labels come from a
// fixed weight vector derived from the seed.
func syntheticLoaders(cfg runtimeconfig.DataConfig, width int) (data.Loader, data.Loader, error) {
	syn := cfg.Synthetic
	shards, samples, testSamples := syn.Shards, syn.Samples, syn.TestSamples
	if shards <= 0 {
		shards = defaultShards
	}
	if samples <= 0 {
		samples = defaultSamples
	}
	if testSamples <= 0 {
		testSamples = defaultTestSamples
	}
	r := rand.New(rand.NewSource(cfg.Seed))
	weights := make([]float32, width)
	for i := range weights {
		weights[i] = r.Float32()*2 - 1
	}
	names := []string{sim.InputName, sim.LabelName}

	train := make([]*memory.DataSet, 0, shards)
	for i := 0; i < shards; i++ {
		ds, err := memory.Synthetic(r, samples, weights, sim.InputName, sim.LabelName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build train shard %d: %w", i, err)
		}
		train = append(train, ds)
	}
	trainLoader, err := memory.NewLoader(names, train...)
	if err != nil {
		return nil, nil, err
	}
	test, err := memory.Synthetic(r, testSamples, weights, sim.InputName, sim.LabelName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build test shard: %w", err)
	}
	testLoader, err := memory.NewLoader(names, test)
	if err != nil {
		return nil, nil, err
	}
	return trainLoader, testLoader, nil
}

// buildSink fans events out to the trace database and OpenTelemetry. Sinks
// that fail to open are logged and left out.
func buildSink(log logr.Logger, cfg runtimeconfig.TraceConfig) (observe.Sink, func()) {
	var sinks []observe.Sink
	var closers []func()
	if cfg.SQLitePath != "" {
		store, err := tracesqlite.New(cfg.SQLitePath)
		if err != nil {
			log.Info("trace store unavailable", "error", err.Error(), "warning", true)
		} else {
			var traceSink observe.Sink = observestore.Sink(store)
			if cfg.SkipSteps {
				traceSink = observe.DropKinds(traceSink, observe.KindStep)
			}
			sinks = append(sinks, traceSink)
			closers = append(closers, func() {
				if err := store.Close(); err != nil {
					log.Error(err, "trace store close failed")
				}
			})
		}
	}
	if cfg.OTel {
		sinks = append(sinks, otelobserve.NewSink(otel.GetTracerProvider()))
		metrics, err := otelobserve.NewMetricsSink(otel.GetMeterProvider())
		if err != nil {
			log.Info("otel metrics disabled", "error", err.Error(), "warning", true)
		} else {
			sinks = append(sinks, metrics)
		}
	}
	if len(sinks) == 0 {
		return observe.NoopSink{}, func() {}
	}
	async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), 4096)
	return async, func() {
		// Drain queued events before the stores close.
		async.Close()
		for _, c := range closers {
			c()
		}
	}
}

func buildMirror(ctx context.Context, log logr.Logger) *checkpoint.Mirror {
	if !objectstore.Enabled() {
		return nil
	}
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		log.Info("checkpoint mirror disabled", "error", err.Error(), "warning", true)
		return nil
	}
	store, err := objectstore.NewMinioStore(ctx, cfg)
	if err != nil {
		log.Info("checkpoint mirror unavailable", "endpoint", cfg.Endpoint, "error", err.Error(), "warning", true)
		return nil
	}
	mirror, err := checkpoint.NewMirror(store)
	if err != nil {
		log.Info("checkpoint mirror unavailable", "error", err.Error(), "warning", true)
		return nil
	}
	log.Info("mirroring checkpoints", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", strings.TrimSpace(cfg.Prefix))
	return mirror
}
