package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ulzee/icdbert/optimizations"
	"github.com/ulzee/icdbert/params"
	"gonum.org/v1/gonum/mat"
)

type modelData struct {
	Config params.BertConfig
	Params []paramData

	// Optimizer
	HasOptimizer bool
	OptStep      int
}

type paramData struct {
	Name string
	R, C int
	Data []float64
	M, V []float64
}

// SaveTransformer persists a BertForMaskedLM to disk using gob. Every
// parameter is written under its name. When opt is non-nil the AdamW moments
// and step count are written too, so training can resume.
func SaveTransformer(filename string, m *BertForMaskedLM, opt *optimizations.AdamW) error {
	data := modelData{Config: m.Config, HasOptimizer: opt != nil}
	if opt != nil {
		data.OptStep = opt.T
	}
	for _, p := range m.Params() {
		r, c := p.W.Dims()
		pd := paramData{Name: p.Name, R: r, C: c, Data: flatten(p.W)}
		if opt != nil && p.M != nil {
			pd.M = flatten(p.M)
			pd.V = flatten(p.V)
		}
		data.Params = append(data.Params, pd)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, buf.Bytes(), 0644)
}

// LoadTransformer loads weights saved by SaveTransformer into m. Names and
// shapes must match. With a non-nil opt the optimizer state is restored when
// the file carries it.
func LoadTransformer(filename string, m *BertForMaskedLM, opt *optimizations.AdamW) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return fmt.Errorf("decode %s: %w", filename, err)
	}

	ps := m.Params()
	if len(ps) != len(data.Params) {
		return fmt.Errorf("LoadTransformer: parameter count mismatch (have %d, file %d)", len(ps), len(data.Params))
	}
	for i, p := range ps {
		pd := data.Params[i]
		r, c := p.W.Dims()
		if pd.Name != p.Name {
			return fmt.Errorf("LoadTransformer: parameter %d is %q in file, want %q", i, pd.Name, p.Name)
		}
		if pd.R != r || pd.C != c || len(pd.Data) != r*c {
			return fmt.Errorf("LoadTransformer: %s shape mismatch (have %dx%d, file %dx%d)", p.Name, r, c, pd.R, pd.C)
		}
	}

	for i, p := range ps {
		pd := data.Params[i]
		p.W.Copy(mat.NewDense(pd.R, pd.C, pd.Data))
		if opt != nil && data.HasOptimizer && len(pd.M) == pd.R*pd.C {
			p.M = mat.NewDense(pd.R, pd.C, pd.M)
			p.V = mat.NewDense(pd.R, pd.C, pd.V)
		}
	}
	if opt != nil && data.HasOptimizer {
		opt.T = data.OptStep
	}
	return nil
}

func flatten(a *mat.Dense) []float64 {
	return append([]float64(nil), mat.DenseCopyOf(a).RawMatrix().Data...)
}
