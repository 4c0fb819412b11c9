package trainer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/ulzee/icdbert/IO"
	"github.com/ulzee/icdbert/params"
	"github.com/ulzee/icdbert/transformer"
)

func TestTopKMetrics(t *testing.T) {
	logits := mat.NewDense(3, 3, []float64{
		3, 0, 1,
		2, 0, 2,
		1, 0, 3,
	})
	pred := EvalPrediction{
		Logits: []*mat.Dense{logits},
		Labels: [][]int{{0, params.IgnoreIndex, 0}},
	}
	got, n := TopKMetrics(params.IgnoreIndex, 1, 2, 3)(pred)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	want := map[string]float64{"top01": 0.5, "top02": 0.5, "top03": 1}
	for k, v := range want {
		if math.Abs(got[k]-v) > 1e-12 {
			t.Fatalf("%s = %g, want %g", k, got[k], v)
		}
	}
}

func TestTopKMetricsNoLabels(t *testing.T) {
	pred := EvalPrediction{
		Logits: []*mat.Dense{mat.NewDense(3, 2, nil)},
		Labels: [][]int{{params.IgnoreIndex, params.IgnoreIndex}},
	}
	got, n := TopKMetrics(params.IgnoreIndex, 1, 5)(pred)
	if n != 0 || got["top01"] != 0 || got["top05"] != 0 {
		t.Fatalf("got %v, %d", got, n)
	}
}

func TestListAndRotateCheckpoints(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"checkpoint-10", "checkpoint-2", "checkpoint-1", "checkpoint-x", "other"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	all, err := ListCheckpoints(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"checkpoint-1", "checkpoint-2", "checkpoint-10"}
	if len(all) != len(want) {
		t.Fatalf("got %v", all)
	}
	for i := range want {
		if filepath.Base(all[i]) != want[i] {
			t.Fatalf("order %v", all)
		}
	}
	if err := rotateCheckpoints(dir, 2); err != nil {
		t.Fatal(err)
	}
	latest, _ := LatestCheckpoint(dir)
	if filepath.Base(latest) != "checkpoint-10" {
		t.Fatalf("latest = %s", latest)
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoint-1")); !os.IsNotExist(err) {
		t.Fatal("oldest checkpoint not rotated")
	}
	if got, _ := LatestCheckpoint(filepath.Join(dir, "missing")); got != "" {
		t.Fatalf("latest in missing dir = %q", got)
	}
}

func tinySetup(t *testing.T, outDir string, epochs int) *Trainer {
	t.Helper()
	dxs := IO.Diagnoses{
		1: {"A01 B02", "C03"},
		2: {"B02 D04 E05"},
		3: {"A01", "A01 C03", "F06"},
		4: {"D04 E05 A01"},
		5: {"C03 B02", "B02"},
		6: {"E05 F06 A01 B02"},
	}
	ids := []int64{1, 2, 3, 4, 5, 6}
	tok := IO.BuildCodeTokenizer(dxs, ids, 16)

	cfg := params.BertConfig{
		VocabSize:             tok.Vocab().Size(),
		MaxPositionEmbeddings: tok.ModelMaxLength(),
		HiddenSize:            8,
		NumHiddenLayers:       1,
		NumAttentionHeads:     2,
		IntermediateSize:      8,
		LayerNormEps:          1e-12,
	}
	args := params.DefaultTrainingArguments()
	args.OutputDir = outDir
	args.RunName = "gpt-tiny"
	args.PerDeviceTrainBatchSize = 2
	args.PerDeviceEvalBatchSize = 2
	args.LearningRate = 1e-2
	args.NumTrainEpochs = epochs
	args.EvalSteps = 2
	args.SaveSteps = 3
	args.SaveTotalLimit = 1
	args.LoggingSteps = 1
	args.Workers = 2

	ds := IO.NewICDDataset(dxs, tok, ids, "[SEP]")
	eval := IO.NewICDDataset(dxs, tok, []int64{1, 4}, "[SEP]")
	col := IO.NewMLMCollator(tok, 0.5, args.Seed)
	model := transformer.NewBertForMaskedLM(cfg, args.Seed)
	return New(model, args, col, ds, eval, TopKMetrics(params.IgnoreIndex, 1, 5))
}

func TestTrainEndToEnd(t *testing.T) {
	dir := t.TempDir()
	tr := tinySetup(t, dir, 2)

	out, err := tr.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.GlobalStep != 6 {
		t.Fatalf("global step = %d, want 6", out.GlobalStep)
	}
	if math.IsNaN(out.TrainingLoss) || math.IsInf(out.TrainingLoss, 0) || out.TrainingLoss <= 0 {
		t.Fatalf("training loss = %g", out.TrainingLoss)
	}

	all, err := ListCheckpoints(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || filepath.Base(all[0]) != "checkpoint-6" {
		t.Fatalf("checkpoints = %v", all)
	}
	for _, f := range []string{modelFile, stateFile} {
		if _, err := os.Stat(filepath.Join(all[0], f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}

	var evals, trains int
	for _, h := range tr.State().LogHistory {
		if _, ok := h["eval_loss"]; ok {
			evals++
			for _, k := range []string{"eval_top01", "eval_top05", "eval_runtime", "epoch"} {
				if _, ok := h[k]; !ok {
					t.Fatalf("eval entry missing %s: %v", k, h)
				}
			}
			if h["eval_top01"] > h["eval_top05"] {
				t.Fatalf("top01 above top05: %v", h)
			}
		}
		if _, ok := h["loss"]; ok {
			trains++
		}
	}
	if evals != 3 {
		t.Fatalf("eval entries = %d, want 3", evals)
	}
	if trains == 0 {
		t.Fatal("no training log entries")
	}
}

func TestResumeLatest(t *testing.T) {
	dir := t.TempDir()
	if _, err := tinySetup(t, dir, 2).Train(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr := tinySetup(t, dir, 3)
	tr.Args.ResumeFromCheckpoint = "latest"
	out, err := tr.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.GlobalStep != 9 {
		t.Fatalf("global step after resume = %d, want 9", out.GlobalStep)
	}
	if tr.Optimizer().T != 9 {
		t.Fatalf("optimizer step = %d, want 9", tr.Optimizer().T)
	}
}

func TestEvaluateIsRepeatable(t *testing.T) {
	tr := tinySetup(t, t.TempDir(), 1)
	ctx := context.Background()
	a, err := tr.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tr.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"eval_loss", "eval_top01", "eval_top05"} {
		if a[k] != b[k] {
			t.Fatalf("%s differs between runs: %g vs %g", k, a[k], b[k])
		}
	}
}

func TestTrainStopsOnCancel(t *testing.T) {
	tr := tinySetup(t, t.TempDir(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := tr.Train(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
	if out.GlobalStep != 0 {
		t.Fatalf("stepped %d times after cancel", out.GlobalStep)
	}
}

func TestHeadParallelSingleWorker(t *testing.T) {
	base := tinySetup(t, t.TempDir(), 1)

	args := base.Args
	args.HeadParallel = true
	args.Workers = 2
	multi := New(base.Model, args, base.Collator, base.TrainDataset, base.EvalDataset, base.ComputeMetrics)
	if multi.workers[0].HeadParallel() {
		t.Fatal("head parallelism enabled with several workers")
	}

	args.Workers = 1
	single := New(base.Model, args, base.Collator, base.TrainDataset, base.EvalDataset, base.ComputeMetrics)
	if len(single.workers) != 1 || !single.workers[0].HeadParallel() {
		t.Fatal("single worker should run heads concurrently")
	}
	out, err := single.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.GlobalStep != 3 || math.IsNaN(out.TrainingLoss) {
		t.Fatalf("output = %+v", out)
	}
}
