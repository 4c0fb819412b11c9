package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ulzee/icdbert/telemetry"
	"github.com/ulzee/icdbert/transformer"
)

const (
	checkpointPrefix = "checkpoint-"
	modelFile        = "model.gob"
	stateFile        = "trainer_state.json"
)

// TrainerState is written next to every checkpoint.
type TrainerState struct {
	GlobalStep int                  `json:"global_step"`
	Epoch      float64              `json:"epoch"`
	MaxSteps   int                  `json:"max_steps"`
	LogHistory []map[string]float64 `json:"log_history"`
}

func (t *Trainer) saveCheckpoint(ctx context.Context) (err error) {
	dir := filepath.Join(t.Args.OutputDir, fmt.Sprintf("%s%d", checkpointPrefix, t.state.GlobalStep))
	ctx, span := telemetry.StartSpan(ctx, "save_checkpoint", attribute.String("dir", dir))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := transformer.SaveTransformer(filepath.Join(dir, modelFile), t.Model, t.opt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	raw, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), raw, 0o644); err != nil {
		return fmt.Errorf("save trainer state: %w", err)
	}
	slog.Info("saved checkpoint", "dir", dir, "step", t.state.GlobalStep)
	return rotateCheckpoints(t.Args.OutputDir, t.Args.SaveTotalLimit)
}

// loadCheckpoint restores weights, optimizer state and trainer state.
func (t *Trainer) loadCheckpoint(dir string) error {
	if err := transformer.LoadTransformer(filepath.Join(dir, modelFile), t.Model, t.opt); err != nil {
		return fmt.Errorf("resume from %s: %w", dir, err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return fmt.Errorf("resume from %s: %w", dir, err)
	}
	var st TrainerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode %s: %w", stateFile, err)
	}
	t.state = st
	return nil
}

// ListCheckpoints returns checkpoint directories under outputDir ordered by
// step.
func ListCheckpoints(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type ckpt struct {
		step int
		path string
	}
	var found []ckpt
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		found = append(found, ckpt{step, filepath.Join(outputDir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out, nil
}

// LatestCheckpoint returns the newest checkpoint directory, or "" if none.
func LatestCheckpoint(outputDir string) (string, error) {
	all, err := ListCheckpoints(outputDir)
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[len(all)-1], nil
}

// rotateCheckpoints keeps the newest limit checkpoints. limit <= 0 keeps all.
func rotateCheckpoints(outputDir string, limit int) error {
	if limit <= 0 {
		return nil
	}
	all, err := ListCheckpoints(outputDir)
	if err != nil {
		return err
	}
	for len(all) > limit {
		slog.Debug("deleting old checkpoint", "dir", all[0])
		if err := os.RemoveAll(all[0]); err != nil {
			return err
		}
		all = all[1:]
	}
	return nil
}
