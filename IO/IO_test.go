package IO

import (
	"encoding/hex"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/ulzee/icdbert/params"
)

// pickle.dumps({10: ['A01', ['B02', 'C03']], 20: ['D04']}, protocol=2)
const diagnosesPickleHex = "80027d7100284b0a5d710128580300000041303171025d710328580300000042303271045803000000433033710565654b145d71065803000000443034710761752e"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func testDiagnoses() Diagnoses {
	return Diagnoses{
		1: {"A01", "B02 C03"},
		2: {"B02"},
		3: {"C03", "A01", "B02 B02"},
	}
}

func TestLoadDiagnosesPickle(t *testing.T) {
	raw, err := hex.DecodeString(diagnosesPickleHex)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "diagnoses.pk")
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadDiagnoses(p)
	if err != nil {
		t.Fatalf("LoadDiagnoses: %v", err)
	}
	want := Diagnoses{10: {"A01", "B02 C03"}, 20: {"D04"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLoadDiagnosesJSON(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "dx.json", `{"10": ["A01", ["B02", "C03"]], "2.0": []}`)
	got, err := LoadDiagnoses(p)
	if err != nil {
		t.Fatalf("LoadDiagnoses: %v", err)
	}
	if !reflect.DeepEqual(got[10], []string{"A01", "B02 C03"}) || len(got[2]) != 0 {
		t.Fatalf("unexpected diagnoses %v", got)
	}

	bad := writeFile(t, dir, "bad.json", `{"abc": ["A01"]}`)
	if _, err := LoadDiagnoses(bad); err == nil || !strings.Contains(err.Error(), "abc") {
		t.Fatalf("expected error naming the key, got %v", err)
	}
	if _, err := LoadDiagnoses(filepath.Join(dir, "dx.csv")); err == nil {
		t.Fatal("expected unsupported extension error")
	}
}

func TestLoadSplitIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "train_ids.txt", "1.000000000000000000e+00\n# header\n\n2\n3.0\n")
	writeFile(t, dir, "val_ids.txt", "4\n")
	writeFile(t, dir, "test_ids.txt", "5 # trailing\n")

	splits, err := LoadSplits(dir)
	if err != nil {
		t.Fatalf("LoadSplits: %v", err)
	}
	if !reflect.DeepEqual(splits["train"], []int64{1, 2, 3}) ||
		!reflect.DeepEqual(splits["test"], []int64{5}) {
		t.Fatalf("unexpected splits %v", splits)
	}

	bad := writeFile(t, dir, "bad.txt", "1\nx\n")
	if _, err := LoadSplitIDs(bad); err == nil || !strings.Contains(err.Error(), ":2:") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestSubsample(t *testing.T) {
	ids := make([]int64, 25)
	for i := range ids {
		ids[i] = int64(i)
	}
	if got := Subsample(ids, 10, 1024); !reflect.DeepEqual(got, []int64{0, 10, 20}) {
		t.Fatalf("stride: %v", got)
	}
	if got := Subsample(ids, 10, 2); !reflect.DeepEqual(got, []int64{0, 10}) {
		t.Fatalf("limit: %v", got)
	}
	if got := Subsample(ids, 0, 0); len(got) != 25 {
		t.Fatalf("no-op subsample kept %d", len(got))
	}
}

func TestCodeTokenizer(t *testing.T) {
	tok := BuildCodeTokenizer(testDiagnoses(), []int64{1, 2, 3}, 0)
	v := tok.Vocab()
	if !reflect.DeepEqual(v.IDToToken[:5], special) {
		t.Fatalf("special tokens not first: %v", v.IDToToken)
	}
	// B02 x4, A01 x2, C03 x2 (tie broken by code)
	if !reflect.DeepEqual(v.IDToToken[5:], []string{"B02", "A01", "C03"}) {
		t.Fatalf("frequency order wrong: %v", v.IDToToken[5:])
	}
	if tok.ModelMaxLength() != DefaultModelMaxLength {
		t.Fatalf("max length %d", tok.ModelMaxLength())
	}

	ids, err := tok.Encode("A01 [SEP] Z99")
	if err != nil {
		t.Fatal(err)
	}
	s := tok.Special()
	want := []int{s.CLS, v.TokenToID["A01"], s.SEP, s.UNK, s.SEP}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("Encode = %v, want %v", ids, want)
	}

	dir := t.TempDir()
	if err := tok.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadTokenizer(dir)
	if err != nil {
		t.Fatalf("LoadTokenizer: %v", err)
	}
	if !reflect.DeepEqual(loaded.Vocab(), v) || loaded.Special() != s {
		t.Fatal("vocab did not survive a save/load")
	}

	if _, err := LoadTokenizer(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

const wordLevelTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 3, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 4, "content": "[MASK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "WhitespaceSplit"},
  "post_processor": {"type": "BertProcessing", "sep": ["[SEP]", 3], "cls": ["[CLS]", 2]},
  "decoder": null,
  "model": {
    "type": "WordLevel",
    "vocab": {"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "[MASK]": 4, "A01": 5, "B02": 6},
    "unk_token": "[UNK]"
  }
}`

func TestHFTokenizer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, tokenizerFile, wordLevelTokenizerJSON)
	// a code vocab next to tokenizer.json must be ignored
	if err := BuildCodeTokenizer(testDiagnoses(), []int64{1, 2, 3}, 0).Save(dir); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, tokenizerConfigFile, `{"model_max_length": 64}`)

	loaded, err := LoadTokenizer(dir)
	if err != nil {
		t.Fatal(err)
	}
	tok, ok := loaded.(*HFTokenizer)
	if !ok {
		t.Fatalf("LoadTokenizer returned %T, want *HFTokenizer", loaded)
	}
	want := SpecialTokens{PAD: 0, UNK: 1, CLS: 2, SEP: 3, MASK: 4}
	if tok.Special() != want {
		t.Fatalf("special = %+v", tok.Special())
	}
	if tok.Vocab().Size() != 7 || tok.Vocab().IDToToken[6] != "B02" {
		t.Fatalf("vocab = %v", tok.Vocab().IDToToken)
	}
	if tok.ModelMaxLength() != 64 {
		t.Fatalf("max length = %d", tok.ModelMaxLength())
	}

	ids, err := tok.Encode("A01 [SEP] B02 ZZZ")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []int{2, 5, 3, 6, 1, 3}) {
		t.Fatalf("ids = %v", ids)
	}

	ds := NewICDDataset(Diagnoses{7: {"A01", "B02 ZZZ"}}, tok, []int64{7}, SepToken)
	enc, err := ds.Item(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(enc.InputIDs, []int{2, 5, 3, 6, 1, 3}) {
		t.Fatalf("dataset ids = %v", enc.InputIDs)
	}
}

func TestReadModelMaxLength(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{`{"model_max_length": 128}`, 128},
		{`{"model_max_length": 1000000000000000019884624838656}`, DefaultModelMaxLength},
		{`{}`, DefaultModelMaxLength},
	}
	for _, c := range cases {
		dir := t.TempDir()
		writeFile(t, dir, tokenizerConfigFile, c.content)
		if got := readModelMaxLength(dir); got != c.want {
			t.Errorf("%s: got %d, want %d", c.content, got, c.want)
		}
	}
}

func TestICDDataset(t *testing.T) {
	dxs := testDiagnoses()
	tok := BuildCodeTokenizer(dxs, []int64{1, 2, 3}, 4)
	ds := NewICDDataset(dxs, tok, []int64{3, 99, 1}, "[SEP]")

	if ds.Len() != 2 || ds.SubjectID(0) != 3 || ds.SubjectID(1) != 1 {
		t.Fatalf("missing subject not dropped: len=%d", ds.Len())
	}
	if got := ds.Text(1); got != "A01 [SEP] B02 C03" {
		t.Fatalf("Text = %q", got)
	}

	// [CLS] C03 [SEP] A01 [SEP] B02 B02 [SEP] truncated to 4 keeping [SEP]
	e, err := ds.Item(0)
	if err != nil {
		t.Fatal(err)
	}
	v, s := tok.Vocab(), tok.Special()
	want := []int{s.CLS, v.TokenToID["C03"], s.SEP, s.SEP}
	if !reflect.DeepEqual(e.InputIDs, want) {
		t.Fatalf("InputIDs = %v, want %v", e.InputIDs, want)
	}
	if !reflect.DeepEqual(e.AttentionMask, []int{1, 1, 1, 1}) {
		t.Fatalf("AttentionMask = %v", e.AttentionMask)
	}
	if _, err := ds.Item(2); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestMLMCollator(t *testing.T) {
	dxs := Diagnoses{1: {strings.Repeat("A01 B02 C03 ", 300)}, 2: {"A01"}}
	tok := BuildCodeTokenizer(dxs, []int64{1, 2}, 1024)
	ds := NewICDDataset(dxs, tok, []int64{1, 2}, "[SEP]")
	a, _ := ds.Item(0)
	b, _ := ds.Item(1)

	c := NewMLMCollator(tok, 0.15, 42)
	batch := c.Collate([]Encoding{a, b})
	s := tok.Special()

	T := len(a.InputIDs)
	if len(batch.InputIDs[1]) != T || batch.Size() != 2 {
		t.Fatalf("batch not padded to %d", T)
	}
	for j := len(b.InputIDs); j < T; j++ {
		if batch.InputIDs[1][j] != s.PAD || batch.AttentionMask[1][j] != 0 || batch.Labels[1][j] != params.IgnoreIndex {
			t.Fatalf("padding position %d not inert", j)
		}
	}

	masked, asMask, unchanged := 0, 0, 0
	for j := 0; j < T; j++ {
		orig := a.InputIDs[j]
		label := batch.Labels[0][j]
		if label == params.IgnoreIndex {
			if batch.InputIDs[0][j] != orig {
				t.Fatalf("unlabelled position %d was changed", j)
			}
			continue
		}
		if orig == s.CLS || orig == s.SEP {
			t.Fatalf("special token selected at %d", j)
		}
		if label != orig {
			t.Fatalf("label %d != original %d", label, orig)
		}
		masked++
		switch batch.InputIDs[0][j] {
		case s.MASK:
			asMask++
		case orig:
			unchanged++
		}
	}
	rate := float64(masked) / float64(T-2)
	if math.Abs(rate-0.15) > 0.05 {
		t.Fatalf("masking rate %.3f far from 0.15", rate)
	}
	if frac := float64(asMask) / float64(masked); frac < 0.6 || frac > 0.95 {
		t.Fatalf("[MASK] share %.3f far from 0.8", frac)
	}
	if unchanged == 0 || unchanged > masked/3 {
		t.Fatalf("%d of %d selected positions left unchanged", unchanged, masked)
	}
	if batch.MaskedTokens() < masked {
		t.Fatal("MaskedTokens undercounts")
	}

	again := NewMLMCollator(tok, 0.15, 7).WithSeed(42).Collate([]Encoding{a, b})
	if !reflect.DeepEqual(batch, again) {
		t.Fatal("same seed gave different masks")
	}
}

func TestExportEmbeddingsAndVocab(t *testing.T) {
	dir := t.TempDir()
	v := params.Vocabulary{
		TokenToID: map[string]int{"[PAD]": 0, "A01": 1},
		IDToToken: []string{"[PAD]", "A01"},
	}
	emb := mat.NewDense(2, 2, []float64{0.5, 1, -2, 0.25})
	p := filepath.Join(dir, "out", "emb.tsv")
	if err := ExportEmbeddings(p, v, emb); err != nil {
		t.Fatalf("ExportEmbeddings: %v", err)
	}
	raw, _ := os.ReadFile(p)
	if got := string(raw); got != "[PAD]\t0.5 -2\nA01\t1 0.25\n" {
		t.Fatalf("unexpected export %q", got)
	}
	if err := ExportEmbeddings(p, v, mat.NewDense(2, 3, nil)); err == nil {
		t.Fatal("expected size mismatch error")
	}

	vp := filepath.Join(dir, "vocab.json")
	if err := ExportVocabJSON(vp, v); err != nil {
		t.Fatal(err)
	}
	back, err := ImportVocabJSON(vp)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Fatalf("vocab roundtrip: %v", back)
	}
}
