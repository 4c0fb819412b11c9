package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ulzee/icdbert/IO"
	"github.com/ulzee/icdbert/config"
	"github.com/ulzee/icdbert/params"
	"github.com/ulzee/icdbert/telemetry"
	"github.com/ulzee/icdbert/trainer"
	"github.com/ulzee/icdbert/transformer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFile(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
	config.ConfigureLogging()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Training.ReportTo == "otlp" {
		shutdown := telemetry.InitTracing("icd", cfg.Training.RunName)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	dxs, err := IO.LoadDiagnoses(cfg.Data.DiagnosesPath)
	if err != nil {
		return err
	}
	splits, err := IO.LoadSplits(cfg.Data.SplitsDir)
	if err != nil {
		return err
	}
	tok, err := loadOrBuildTokenizer(cfg.Data.TokenizerDir, dxs, splits["train"])
	if err != nil {
		return err
	}
	val := IO.Subsample(splits["val"], cfg.Data.ValStride, cfg.Data.ValLimit)

	cfg.Model.VocabSize = tok.Vocab().Size()
	cfg.Model.MaxPositionEmbeddings = tok.ModelMaxLength()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	model := transformer.NewBertForMaskedLM(cfg.Model, cfg.Training.Seed)
	slog.Info("model",
		"arch", cfg.Arch,
		"vocab", cfg.Model.VocabSize,
		"layers", cfg.Model.NumHiddenLayers,
		"heads", cfg.Model.NumAttentionHeads,
		"parameters", model.NumParameters(),
	)

	train := IO.NewICDDataset(dxs, tok, splits["train"], cfg.Data.Separator)
	eval := IO.NewICDDataset(dxs, tok, val, cfg.Data.Separator)
	slog.Info("datasets", "train", train.Len(), "val", eval.Len(), "diagnoses", len(dxs))

	collator := IO.NewMLMCollator(tok, cfg.Data.MLMProbability, cfg.Training.Seed)
	tr := trainer.New(model, cfg.Training, collator, train, eval,
		trainer.TopKMetrics(params.IgnoreIndex, 1, 5, 10))

	runErr := func() error {
		if _, err := tr.Evaluate(ctx); err != nil {
			return err
		}
		_, err := tr.Train(ctx)
		return err
	}()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if runErr != nil {
		slog.Warn("run interrupted, saving current weights")
	}

	if err := transformer.SaveTransformer(cfg.Data.FinalWeightsPath, model, nil); err != nil {
		return err
	}
	slog.Info("saved weights", "path", cfg.Data.FinalWeightsPath)

	if cfg.Data.EmbeddingsPath != "" {
		if err := IO.ExportEmbeddings(cfg.Data.EmbeddingsPath, tok.Vocab(), model.TokEmb.W); err != nil {
			return err
		}
		slog.Info("exported embeddings", "path", cfg.Data.EmbeddingsPath)
	}
	return nil
}

// parseFlags starts from the defaults, overlays the YAML run file and then
// any flag given explicitly on the command line.
func parseFlags(argv []string) (params.RunConfig, error) {
	cfg := params.DefaultRunConfig()
	fs := flag.NewFlagSet("icdbert", flag.ContinueOnError)

	layers := fs.Int("layers", cfg.Model.NumHiddenLayers, "number of encoder layers")
	heads := fs.Int("heads", cfg.Model.NumAttentionHeads, "attention heads per layer")
	batchSize := fs.Int("batch_size", cfg.Training.PerDeviceTrainBatchSize, "training batch size")
	lr := fs.Float64("lr", cfg.Training.LearningRate, "peak learning rate")
	epochs := fs.Int("epochs", cfg.Training.NumTrainEpochs, "training epochs")
	maskRatio := fs.Float64("mask_ratio", cfg.Data.MLMProbability, "MLM masking probability")
	arch := fs.String("arch", cfg.Arch, "architecture name used for run and output naming")
	workers := fs.Int("workers", cfg.Training.Workers, "gradient workers per step")
	report := fs.Bool("report", false, "export traces and metrics over OTLP")
	configPath := fs.String("config", "", "optional YAML run file")
	resume := fs.String("resume", "", `checkpoint dir to resume from, or "latest"`)
	exportEmb := fs.String("export_embeddings", "", "write token embeddings as TSV to this path")
	seed := fs.Int64("seed", cfg.Training.Seed, "random seed")
	headPar := fs.Bool("head_parallel", cfg.Training.HeadParallel, "run attention heads concurrently (single worker)")

	if err := fs.Parse(argv); err != nil {
		return cfg, err
	}
	if *configPath != "" {
		if err := params.LoadRunConfig(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "layers":
			cfg.Model.NumHiddenLayers = *layers
		case "heads":
			cfg.Model.NumAttentionHeads = *heads
		case "batch_size":
			cfg.Training.PerDeviceTrainBatchSize = *batchSize
		case "lr":
			cfg.Training.LearningRate = *lr
		case "epochs":
			cfg.Training.NumTrainEpochs = *epochs
		case "mask_ratio":
			cfg.Data.MLMProbability = *maskRatio
		case "arch":
			cfg.Arch = *arch
		case "workers":
			cfg.Training.Workers = *workers
		case "report":
			if *report {
				cfg.Training.ReportTo = "otlp"
			} else {
				cfg.Training.ReportTo = "none"
			}
		case "resume":
			cfg.Training.ResumeFromCheckpoint = *resume
		case "export_embeddings":
			cfg.Data.EmbeddingsPath = *exportEmb
		case "seed":
			cfg.Training.Seed = *seed
		case "head_parallel":
			cfg.Training.HeadParallel = *headPar
		}
	})
	cfg.Finalize()
	return cfg, nil
}

// loadOrBuildTokenizer falls back to a code-level vocabulary built from the
// training subjects when dir holds no tokenizer, and saves it there.
func loadOrBuildTokenizer(dir string, dxs IO.Diagnoses, trainIDs []int64) (IO.Tokenizer, error) {
	tok, err := IO.LoadTokenizer(dir)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	slog.Warn("no tokenizer found, building code vocabulary", "dir", dir, "subjects", len(trainIDs))
	built := IO.BuildCodeTokenizer(dxs, trainIDs, IO.DefaultModelMaxLength)
	if err := built.Save(dir); err != nil {
		return nil, err
	}
	return built, nil
}
