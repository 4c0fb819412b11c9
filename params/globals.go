package params

import (
	"os"
	"runtime"
)

// Embed structs
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// Size returns |V|.
func (v Vocabulary) Size() int { return len(v.IDToToken) }

// BertConfig mirrors the encoder hyperparameters of a BERT masked LM.
type BertConfig struct {
	VocabSize             int     `yaml:"vocab_size"`              // |V|, taken from the tokenizer
	MaxPositionEmbeddings int     `yaml:"max_position_embeddings"` // tokenizer model_max_length
	HiddenSize            int     `yaml:"hidden_size"`             // model width
	NumHiddenLayers       int     `yaml:"num_hidden_layers"`       // how many times attn --> mlp happens
	NumAttentionHeads     int     `yaml:"num_attention_heads"`     // dHead = HiddenSize/NumAttentionHeads
	IntermediateSize      int     `yaml:"intermediate_size"`       // MLP hidden
	LayerNormEps          float64 `yaml:"layer_norm_eps"`
}

type TrainingArguments struct {
	OutputDir               string  `yaml:"output_dir"`
	PerDeviceTrainBatchSize int     `yaml:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize  int     `yaml:"per_device_eval_batch_size"`
	LearningRate            float64 `yaml:"learning_rate"`
	NumTrainEpochs          int     `yaml:"num_train_epochs"`

	// Optimization/training wheel parameters
	WeightDecay     float64 `yaml:"weight_decay"` // AdamW-style; 0 disables
	AdamBeta1       float64 `yaml:"adam_beta1"`
	AdamBeta2       float64 `yaml:"adam_beta2"`
	AdamEpsilon     float64 `yaml:"adam_epsilon"`
	MaxGradNorm     float64 `yaml:"max_grad_norm"`     // <=0 disables
	LrSchedulerType string  `yaml:"lr_scheduler_type"` // linear | cosine | constant
	WarmupSteps     int     `yaml:"warmup_steps"`

	EvaluationStrategy string `yaml:"evaluation_strategy"` // steps | epoch | no
	EvalSteps          int    `yaml:"eval_steps"`
	SaveSteps          int    `yaml:"save_steps"` // 0 disables step checkpoints
	SaveTotalLimit     int    `yaml:"save_total_limit"`
	LoggingSteps       int    `yaml:"logging_steps"`

	RunName              string `yaml:"run_name"`
	ReportTo             string `yaml:"report_to"` // none | otlp
	Seed                 int64  `yaml:"seed"`
	Workers              int    `yaml:"workers"`       // gradient replicas per step
	HeadParallel         bool   `yaml:"head_parallel"` // one goroutine per attention head; single worker only
	ResumeFromCheckpoint string `yaml:"resume_from_checkpoint"`
}

type DataConfig struct {
	DiagnosesPath  string  `yaml:"diagnoses_path"`
	TokenizerDir   string  `yaml:"tokenizer_dir"`
	SplitsDir      string  `yaml:"splits_dir"`
	Separator      string  `yaml:"separator"`
	MLMProbability float64 `yaml:"mlm_probability"`
	ValStride      int     `yaml:"val_stride"`
	ValLimit       int     `yaml:"val_limit"`

	FinalWeightsPath string `yaml:"final_weights_path"`
	EmbeddingsPath   string `yaml:"embeddings_path"` // empty skips the export
}

type RunConfig struct {
	Arch     string            `yaml:"arch"`
	Model    BertConfig        `yaml:"model"`
	Training TrainingArguments `yaml:"training"`
	Data     DataConfig        `yaml:"data"`
}

// Reasonable defaults for the diagnosis-code model.
func DefaultBertConfig() BertConfig {
	return BertConfig{
		MaxPositionEmbeddings: 512,
		HiddenSize:            192,
		NumHiddenLayers:       4,
		NumAttentionHeads:     4,
		IntermediateSize:      1024,
		LayerNormEps:          1e-12,
	}
}

func DefaultTrainingArguments() TrainingArguments {
	return TrainingArguments{
		PerDeviceTrainBatchSize: 48,
		PerDeviceEvalBatchSize:  16,
		LearningRate:            1e-3,
		NumTrainEpochs:          100,

		WeightDecay:     0.0,
		AdamBeta1:       0.9,
		AdamBeta2:       0.999,
		AdamEpsilon:     1e-8,
		MaxGradNorm:     1.0,
		LrSchedulerType: "linear",

		EvaluationStrategy: "steps",
		EvalSteps:          500,
		SaveSteps:          1000,
		LoggingSteps:       500,

		ReportTo: "none",
		Seed:     42,
		Workers:  runtime.NumCPU(),

		HeadParallel: os.Getenv("HEAD_PAR") == "1",
	}
}

func DefaultDataConfig() DataConfig {
	return DataConfig{
		DiagnosesPath:    "saved/diagnoses.pk",
		TokenizerDir:     "saved/tokenizers/bert",
		SplitsDir:        "artifacts/splits",
		Separator:        "[SEP]",
		MLMProbability:   0.15,
		ValStride:        10,
		ValLimit:         1024,
		FinalWeightsPath: "saved/bert_basic.gob",
	}
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		Arch:     "basic",
		Model:    DefaultBertConfig(),
		Training: DefaultTrainingArguments(),
		Data:     DefaultDataConfig(),
	}
}

// Finalize fills the fields derived from the architecture name.
func (c *RunConfig) Finalize() {
	if c.Training.OutputDir == "" {
		c.Training.OutputDir = "runs/bert-" + c.Arch
	}
	if c.Training.RunName == "" {
		c.Training.RunName = "gpt-" + c.Arch
	}
	if c.Training.Workers <= 0 {
		c.Training.Workers = 1
	}
}

// IgnoreIndex marks label positions that carry no MLM target.
const IgnoreIndex = -100
