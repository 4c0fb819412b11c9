package IO

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/ulzee/icdbert/params"
)

// BERT special tokens, kept at the start of a built vocab.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

var special = []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}

// Files inside a tokenizer directory.
const (
	tokenizerFile       = "tokenizer.json"
	tokenizerConfigFile = "tokenizer_config.json"
	vocabFile           = "vocab.json"
)

// DefaultModelMaxLength is used when the tokenizer config has no usable
// model_max_length.
const DefaultModelMaxLength = 512

type SpecialTokens struct {
	PAD, UNK, CLS, SEP, MASK int
}

// IDs lists every special id.
func (s SpecialTokens) IDs() []int {
	return []int{s.PAD, s.UNK, s.CLS, s.SEP, s.MASK}
}

type Tokenizer interface {
	// Encode returns ids wrapped in [CLS] ... [SEP].
	Encode(text string) ([]int, error)
	Vocab() params.Vocabulary
	Special() SpecialTokens
	ModelMaxLength() int
}

func specialFromVocab(v params.Vocabulary) (SpecialTokens, error) {
	var s SpecialTokens
	dst := []*int{&s.PAD, &s.UNK, &s.CLS, &s.SEP, &s.MASK}
	for i, name := range special {
		id, ok := v.TokenToID[name]
		if !ok {
			return SpecialTokens{}, fmt.Errorf("vocabulary has no %s token", name)
		}
		*dst[i] = id
	}
	return s, nil
}

func vocabLookup(v params.Vocabulary, unk int, tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return unk
}

// LoadTokenizer opens the tokenizer stored in dir: a HuggingFace
// tokenizer.json when present, otherwise a code vocab.json. It returns an
// error wrapping os.ErrNotExist when the directory holds neither.
func LoadTokenizer(dir string) (Tokenizer, error) {
	if fileExists(filepath.Join(dir, tokenizerFile)) {
		return LoadHFTokenizer(dir)
	}
	if fileExists(filepath.Join(dir, vocabFile)) {
		return LoadCodeTokenizer(dir)
	}
	return nil, fmt.Errorf("no tokenizer in %s: %w", dir, os.ErrNotExist)
}

// readModelMaxLength reads model_max_length from tokenizer_config.json.
// Missing or unbounded values fall back to DefaultModelMaxLength.
func readModelMaxLength(dir string) int {
	raw, err := os.ReadFile(filepath.Join(dir, tokenizerConfigFile))
	if err != nil {
		return DefaultModelMaxLength
	}
	var cfg struct {
		ModelMaxLength float64 `json:"model_max_length"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("ignoring unreadable tokenizer config", "dir", dir, "err", err)
		return DefaultModelMaxLength
	}
	if cfg.ModelMaxLength < 2 || cfg.ModelMaxLength > 4096 {
		return DefaultModelMaxLength
	}
	return int(cfg.ModelMaxLength)
}

func writeModelMaxLength(dir string, n int) error {
	raw, err := json.MarshalIndent(map[string]any{"model_max_length": n}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tokenizerConfigFile), raw, 0o644)
}

// ---------- HuggingFace tokenizer.json ----------

type HFTokenizer struct {
	tok     *tk.Tokenizer
	vocab   params.Vocabulary
	special SpecialTokens
	maxLen  int
}

func LoadHFTokenizer(dir string) (*HFTokenizer, error) {
	t, err := pretrained.FromFile(filepath.Join(dir, tokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	vocab := t.GetVocab(true)
	// Build IDToToken in index order 0..N-1
	size := 0
	for _, id := range vocab {
		size = max(size, id+1)
	}
	id2tok := make([]string, size)
	tok2id := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tok2id[tok] = id
		id2tok[id] = tok
	}
	v := params.Vocabulary{TokenToID: tok2id, IDToToken: id2tok}
	s, err := specialFromVocab(v)
	if err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", dir, err)
	}
	return &HFTokenizer{tok: t, vocab: v, special: s, maxLen: readModelMaxLength(dir)}, nil
}

func (h *HFTokenizer) Encode(text string) ([]int, error) {
	enc, err := h.tok.EncodeSingle(text, true)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(enc.Ids)+2)
	if len(enc.Ids) == 0 || int(enc.Ids[0]) != h.special.CLS {
		out = append(out, h.special.CLS)
	}
	for _, v := range enc.Ids {
		out = append(out, int(v))
	}
	if out[len(out)-1] != h.special.SEP {
		out = append(out, h.special.SEP)
	}
	return out, nil
}

func (h *HFTokenizer) Vocab() params.Vocabulary { return h.vocab }
func (h *HFTokenizer) Special() SpecialTokens   { return h.special }
func (h *HFTokenizer) ModelMaxLength() int      { return h.maxLen }

// ---------- word-level code tokenizer ----------

// CodeTokenizer maps every whitespace separated diagnosis code to one token.
type CodeTokenizer struct {
	vocab   params.Vocabulary
	special SpecialTokens
	maxLen  int
}

func NewCodeTokenizer(v params.Vocabulary, maxLen int) (*CodeTokenizer, error) {
	s, err := specialFromVocab(v)
	if err != nil {
		return nil, err
	}
	if maxLen <= 0 {
		maxLen = DefaultModelMaxLength
	}
	return &CodeTokenizer{vocab: v, special: s, maxLen: maxLen}, nil
}

// BuildCodeTokenizer counts the codes of the given subjects and orders the
// vocab by frequency (ties by code), after the special tokens.
func BuildCodeTokenizer(dxs Diagnoses, ids []int64, maxLen int) *CodeTokenizer {
	counts := map[string]int{}
	for _, id := range ids {
		for _, seg := range dxs[id] {
			for _, code := range strings.Fields(seg) {
				counts[code]++
			}
		}
	}
	t, err := NewCodeTokenizer(buildVocabFromCounts(counts), maxLen)
	if err != nil {
		// special tokens are always present in a built vocab
		panic(err)
	}
	return t
}

func buildVocabFromCounts(cnt map[string]int) params.Vocabulary {
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(cnt))
	for k, v := range cnt {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})
	idToToken := append([]string{}, special...)
	tok2id := map[string]int{}
	for i, t := range idToToken {
		tok2id[t] = i
	}
	for _, p := range arr {
		if _, dup := tok2id[p.k]; dup {
			continue
		}
		tok2id[p.k] = len(idToToken)
		idToToken = append(idToToken, p.k)
	}
	return params.Vocabulary{TokenToID: tok2id, IDToToken: idToToken}
}

func LoadCodeTokenizer(dir string) (*CodeTokenizer, error) {
	v, err := ImportVocabJSON(filepath.Join(dir, vocabFile))
	if err != nil {
		return nil, err
	}
	return NewCodeTokenizer(v, readModelMaxLength(dir))
}

// Save writes vocab.json and tokenizer_config.json into dir.
func (c *CodeTokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := ExportVocabJSON(filepath.Join(dir, vocabFile), c.vocab); err != nil {
		return err
	}
	return writeModelMaxLength(dir, c.maxLen)
}

func (c *CodeTokenizer) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields)+2)
	out = append(out, c.special.CLS)
	for _, f := range fields {
		out = append(out, vocabLookup(c.vocab, c.special.UNK, f))
	}
	return append(out, c.special.SEP), nil
}

func (c *CodeTokenizer) Vocab() params.Vocabulary { return c.vocab }
func (c *CodeTokenizer) Special() SpecialTokens   { return c.special }
func (c *CodeTokenizer) ModelMaxLength() int      { return c.maxLen }

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
