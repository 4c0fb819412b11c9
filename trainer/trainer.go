package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/ulzee/icdbert/IO"
	"github.com/ulzee/icdbert/optimizations"
	"github.com/ulzee/icdbert/params"
	"github.com/ulzee/icdbert/telemetry"
	"github.com/ulzee/icdbert/transformer"
	"github.com/ulzee/icdbert/utils"
)

// Trainer runs masked-LM pretraining with periodic evaluation, logging and
// checkpointing.
type Trainer struct {
	Model          *transformer.BertForMaskedLM
	Args           params.TrainingArguments
	Collator       *IO.MLMCollator
	TrainDataset   IO.Dataset
	EvalDataset    IO.Dataset
	ComputeMetrics ComputeMetrics

	opt     *optimizations.AdamW
	workers []*transformer.BertForMaskedLM
	state   TrainerState
}

type TrainOutput struct {
	GlobalStep   int
	TrainingLoss float64
}

func New(model *transformer.BertForMaskedLM, args params.TrainingArguments, collator *IO.MLMCollator,
	train, eval IO.Dataset, metrics ComputeMetrics) *Trainer {
	w := max(args.Workers, 1)
	t := &Trainer{
		Model:          model,
		Args:           args,
		Collator:       collator,
		TrainDataset:   train,
		EvalDataset:    eval,
		ComputeMetrics: metrics,
		opt:            optimizations.NewAdamW(args.AdamBeta1, args.AdamBeta2, args.AdamEpsilon, args.WeightDecay),
		workers:        make([]*transformer.BertForMaskedLM, w),
	}
	switch {
	case args.HeadParallel && w == 1:
		model.SetHeadParallel(true)
	case args.HeadParallel:
		slog.Warn("head_parallel ignored with more than one worker", "workers", w)
	}
	for i := range t.workers {
		t.workers[i] = model.CloneForGrads()
	}
	return t
}

// State returns the trainer state, including the log history.
func (t *Trainer) State() TrainerState { return t.state }

// Optimizer exposes the AdamW state so the caller can checkpoint it.
func (t *Trainer) Optimizer() *optimizations.AdamW { return t.opt }

type exampleResult struct {
	loss   float64
	count  int
	logits *mat.Dense
}

// runBatch spreads the examples of b over the worker clones. With backward
// set, the clones' gradients are summed into the model's.
func (t *Trainer) runBatch(b IO.Batch, backward, keepLogits bool) []exampleResult {
	res := make([]exampleResult, b.Size())
	W := min(len(t.workers), b.Size())
	var wg sync.WaitGroup
	for w := 0; w < W; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			m := t.workers[w]
			if backward {
				m.ZeroGrad()
			}
			for i := w; i < b.Size(); i += W {
				logits := m.Forward(b.InputIDs[i], b.AttentionMask[i])
				sum, n, dLogits := transformer.MaskedLMLoss(logits, b.Labels[i])
				res[i] = exampleResult{loss: sum, count: n}
				if keepLogits {
					res[i].logits = logits
				}
				if backward && n > 0 {
					m.Backward(dLogits)
				}
			}
		}(w)
	}
	wg.Wait()
	if backward {
		for w := 0; w < W; w++ {
			t.Model.AccumulateGrads(t.workers[w])
		}
	}
	return res
}

func (t *Trainer) collate(c *IO.MLMCollator, ds IO.Dataset, idx []int) (IO.Batch, error) {
	items := make([]IO.Encoding, len(idx))
	for j, i := range idx {
		e, err := ds.Item(i)
		if err != nil {
			return IO.Batch{}, fmt.Errorf("dataset item %d: %w", i, err)
		}
		items[j] = e
	}
	return c.Collate(items), nil
}

// Evaluate scores the eval dataset. Masking is reseeded from Args.Seed on
// every call so successive evaluations see the same masked positions.
func (t *Trainer) Evaluate(ctx context.Context) (out map[string]float64, err error) {
	if t.EvalDataset == nil {
		return nil, errors.New("evaluate: no eval dataset")
	}
	ctx, span := telemetry.StartSpan(ctx, "evaluate", attribute.Int("step", t.state.GlobalStep))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	col := t.Collator.WithSeed(t.Args.Seed)
	bs := max(t.Args.PerDeviceEvalBatchSize, 1)
	n := t.EvalDataset.Len()

	var lossSum, weight float64
	var count int
	sums := map[string]float64{}
	for lo := 0; lo < n; lo += bs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := make([]int, 0, bs)
		for i := lo; i < min(lo+bs, n); i++ {
			idx = append(idx, i)
		}
		batch, err := t.collate(col, t.EvalDataset, idx)
		if err != nil {
			return nil, err
		}
		res := t.runBatch(batch, false, t.ComputeMetrics != nil)
		pred := EvalPrediction{Labels: batch.Labels, Logits: make([]*mat.Dense, len(res))}
		for i, r := range res {
			lossSum += r.loss
			count += r.count
			pred.Logits[i] = r.logits
		}
		if t.ComputeMetrics != nil {
			m, w := t.ComputeMetrics(pred)
			for k, v := range m {
				sums[k] += v * float64(w)
			}
			weight += float64(w)
		}
	}

	out = map[string]float64{"eval_loss": 0}
	if count > 0 {
		out["eval_loss"] = lossSum / float64(count)
	} else {
		slog.Warn("evaluation saw no masked tokens", "examples", n)
	}
	for k, v := range sums {
		if weight > 0 {
			v /= weight
		}
		out["eval_"+k] = v
	}
	elapsed := time.Since(start).Seconds()
	out["eval_runtime"] = elapsed
	if elapsed > 0 {
		out["eval_samples_per_second"] = float64(n) / elapsed
	}
	out["epoch"] = t.state.Epoch
	out["step"] = float64(t.state.GlobalStep)

	t.log(ctx, "eval", out)
	telemetry.RecordEval(ctx, t.Args.RunName, out)
	return out, nil
}

// Train runs the optimization loop, resuming from Args.ResumeFromCheckpoint
// when set ("latest" picks the newest checkpoint under OutputDir).
func (t *Trainer) Train(ctx context.Context) (out TrainOutput, err error) {
	n := t.TrainDataset.Len()
	bs := max(t.Args.PerDeviceTrainBatchSize, 1)
	if n == 0 {
		return out, errors.New("train: empty dataset")
	}
	stepsPerEpoch := (n + bs - 1) / bs
	total := stepsPerEpoch * t.Args.NumTrainEpochs

	if err := t.resume(); err != nil {
		return out, err
	}
	t.state.MaxSteps = total

	ctx, span := telemetry.StartSpan(ctx, "train",
		attribute.String("run", t.Args.RunName),
		attribute.Int("max_steps", total),
		attribute.Int("examples", n),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	slog.Info("training",
		"examples", n,
		"epochs", t.Args.NumTrainEpochs,
		"batch_size", bs,
		"workers", len(t.workers),
		"max_steps", total,
		"start_step", t.state.GlobalStep,
		"parameters", t.Model.NumParameters(),
	)

	ps := t.Model.Params()
	grads := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		grads[i] = p.Grad
	}

	var runLoss, totalLoss float64
	var runSteps, totalSteps int
	startEpoch := t.state.GlobalStep / stepsPerEpoch
	skip := t.state.GlobalStep % stepsPerEpoch

	for epoch := startEpoch; epoch < t.Args.NumTrainEpochs; epoch++ {
		perm := rand.New(rand.NewSource(t.Args.Seed + int64(epoch))).Perm(n)
		for s := 0; s < stepsPerEpoch; s++ {
			if epoch == startEpoch && s < skip {
				continue
			}
			if err := ctx.Err(); err != nil {
				return t.output(totalLoss, totalSteps), err
			}
			stepStart := time.Now()

			batch, err := t.collate(t.Collator, t.TrainDataset, perm[s*bs:min((s+1)*bs, n)])
			if err != nil {
				return t.output(totalLoss, totalSteps), err
			}
			t.Model.ZeroGrad()
			var sum float64
			var count int
			for _, r := range t.runBatch(batch, true, false) {
				sum += r.loss
				count += r.count
			}

			lr := optimizations.LRSchedule(t.Args.LrSchedulerType, t.state.GlobalStep, t.Args.WarmupSteps, total, t.Args.LearningRate)
			t.state.GlobalStep++
			t.state.Epoch = float64(t.state.GlobalStep) / float64(stepsPerEpoch)

			if count > 0 {
				inv := 1 / float64(count)
				for _, g := range grads {
					g.Scale(inv, g)
				}
				if t.Args.MaxGradNorm > 0 {
					utils.ClipGrads(t.Args.MaxGradNorm, grads...)
				}
				t.opt.Step(ps, lr)

				loss := sum / float64(count)
				runLoss += loss
				totalLoss += loss
				runSteps++
				totalSteps++
				telemetry.RecordTrainStep(ctx, t.Args.RunName, loss, time.Since(stepStart))
			} else {
				slog.Debug("batch without masked tokens", "step", t.state.GlobalStep)
			}

			step := t.state.GlobalStep
			if t.Args.LoggingSteps > 0 && step%t.Args.LoggingSteps == 0 && runSteps > 0 {
				t.log(ctx, "train", map[string]float64{
					"loss":          runLoss / float64(runSteps),
					"learning_rate": lr,
					"epoch":         t.state.Epoch,
					"step":          float64(step),
				})
				runLoss, runSteps = 0, 0
			}
			if t.Args.EvaluationStrategy == "steps" && t.Args.EvalSteps > 0 && step%t.Args.EvalSteps == 0 && t.EvalDataset != nil {
				if _, err := t.Evaluate(ctx); err != nil {
					return t.output(totalLoss, totalSteps), err
				}
			}
			if t.Args.SaveSteps > 0 && step%t.Args.SaveSteps == 0 {
				if err := t.saveCheckpoint(ctx); err != nil {
					return t.output(totalLoss, totalSteps), err
				}
			}
		}
		if t.Args.EvaluationStrategy == "epoch" && t.EvalDataset != nil {
			if _, err := t.Evaluate(ctx); err != nil {
				return t.output(totalLoss, totalSteps), err
			}
		}
	}
	out = t.output(totalLoss, totalSteps)
	slog.Info("training finished", "global_step", out.GlobalStep, "train_loss", out.TrainingLoss)
	return out, nil
}

func (t *Trainer) output(totalLoss float64, steps int) TrainOutput {
	o := TrainOutput{GlobalStep: t.state.GlobalStep}
	if steps > 0 {
		o.TrainingLoss = totalLoss / float64(steps)
	}
	return o
}

func (t *Trainer) resume() error {
	dir := t.Args.ResumeFromCheckpoint
	if dir == "" {
		return nil
	}
	if dir == "latest" {
		latest, err := LatestCheckpoint(t.Args.OutputDir)
		if err != nil {
			return err
		}
		if latest == "" {
			slog.Warn("no checkpoint to resume from, starting fresh", "output_dir", t.Args.OutputDir)
			return nil
		}
		dir = latest
	}
	if err := t.loadCheckpoint(dir); err != nil {
		return err
	}
	slog.Info("resumed", "checkpoint", dir, "global_step", t.state.GlobalStep)
	return nil
}

// log appends values to the history and reports them to slog and the span.
func (t *Trainer) log(ctx context.Context, msg string, values map[string]float64) {
	entry := make(map[string]float64, len(values))
	keys := make([]string, 0, len(values))
	for k, v := range values {
		entry[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t.state.LogHistory = append(t.state.LogHistory, entry)

	args := make([]any, 0, 2*len(keys)+2)
	args = append(args, "run", t.Args.RunName)
	for _, k := range keys {
		args = append(args, k, values[k])
	}
	slog.Info(msg, args...)
	telemetry.LogEvent(ctx, msg, values)
}
