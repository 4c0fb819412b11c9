package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ulzee/icdbert/IO"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Arch != "basic" || cfg.Training.RunName != "gpt-basic" || cfg.Training.OutputDir != "runs/bert-basic" {
		t.Fatalf("derived names: %+v", cfg.Training)
	}
	if cfg.Training.ReportTo != "none" || cfg.Data.MLMProbability != 0.15 {
		t.Fatalf("defaults: report=%s mask=%g", cfg.Training.ReportTo, cfg.Data.MLMProbability)
	}
}

func TestParseFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	yml := "arch: wide\nmodel:\n  num_hidden_layers: 6\ntraining:\n  learning_rate: 0.0005\n  per_device_train_batch_size: 8\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseFlags([]string{"--config", path, "--layers", "2", "--report", "--resume", "latest"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.NumHiddenLayers != 2 {
		t.Fatalf("flag should win over file: layers=%d", cfg.Model.NumHiddenLayers)
	}
	if cfg.Training.LearningRate != 0.0005 || cfg.Training.PerDeviceTrainBatchSize != 8 {
		t.Fatalf("file values lost: %+v", cfg.Training)
	}
	if cfg.Training.RunName != "gpt-wide" || cfg.Training.ReportTo != "otlp" || cfg.Training.ResumeFromCheckpoint != "latest" {
		t.Fatalf("training = %+v", cfg.Training)
	}
}

func TestLoadOrBuildTokenizer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tok")
	dxs := IO.Diagnoses{1: {"A01 B02"}, 2: {"B02"}}
	tok, err := loadOrBuildTokenizer(dir, dxs, []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	again, err := loadOrBuildTokenizer(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Vocab().Size() != tok.Vocab().Size() || again.Vocab().TokenToID["B02"] != tok.Vocab().TokenToID["B02"] {
		t.Fatal("saved tokenizer not reloaded")
	}
}
