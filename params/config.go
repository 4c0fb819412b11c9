package params

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRunConfig decodes a YAML run file on top of cfg. Keys absent from the
// file keep the value already in cfg, so callers start from DefaultRunConfig.
func LoadRunConfig(path string, cfg *RunConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open run config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode run config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the trainer cannot run.
func (c RunConfig) Validate() error {
	m, t, d := c.Model, c.Training, c.Data
	switch {
	case m.HiddenSize <= 0 || m.NumHiddenLayers <= 0 || m.IntermediateSize <= 0:
		return errors.New("model sizes must be positive")
	case m.NumAttentionHeads <= 0:
		return errors.New("num_attention_heads must be positive")
	case t.PerDeviceTrainBatchSize <= 0 || t.PerDeviceEvalBatchSize <= 0:
		return errors.New("batch sizes must be positive")
	case t.LearningRate <= 0:
		return errors.New("learning_rate must be positive")
	case t.NumTrainEpochs < 0:
		return errors.New("num_train_epochs must be >= 0")
	case d.MLMProbability <= 0 || d.MLMProbability >= 1:
		return fmt.Errorf("mlm_probability must be in (0,1), got %g", d.MLMProbability)
	}
	switch t.LrSchedulerType {
	case "linear", "cosine", "constant":
	default:
		return fmt.Errorf("unknown lr_scheduler_type %q", t.LrSchedulerType)
	}
	switch t.EvaluationStrategy {
	case "steps", "epoch", "no":
	default:
		return fmt.Errorf("unknown evaluation_strategy %q", t.EvaluationStrategy)
	}
	if t.EvaluationStrategy == "steps" && t.EvalSteps <= 0 {
		return errors.New("eval_steps must be positive with the steps strategy")
	}
	return nil
}
