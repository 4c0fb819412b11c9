package transformer

import (
	"github.com/ulzee/icdbert/optimizations"
	"gonum.org/v1/gonum/mat"
)

// CloneForGrads creates a shallow clone of the model where all weights are
// shared (read-only) but gradient buffers and per-module caches are private.
// No optimizer state is copied. Safe for concurrent Forward/Backward.
func (m *BertForMaskedLM) CloneForGrads() *BertForMaskedLM {
	out := &BertForMaskedLM{
		Config:      m.Config,
		TokEmb:      m.TokEmb.Shared(),
		PosEmb:      m.PosEmb.Shared(),
		Blocks:      make([]TransformerBlock, len(m.Blocks)),
		LnF:         m.LnF.CloneForGrads(),
		DecoderBias: m.DecoderBias.Shared(),
	}
	for i := range m.Blocks {
		src := &m.Blocks[i]
		out.Blocks[i] = TransformerBlock{
			Attn: cloneAttentionForGrads(src.Attn),
			Mlp:  cloneMLPForGrads(src.Mlp),
			Ln1:  src.Ln1.CloneForGrads(),
			Ln2:  src.Ln2.CloneForGrads(),
		}
	}
	return out
}

// SetHeadParallel runs the attention heads of every block in their own
// goroutines. Clones made afterwards inherit the setting.
func (m *BertForMaskedLM) SetHeadParallel(on bool) {
	for i := range m.Blocks {
		m.Blocks[i].Attn.parallel = on
	}
}

func (m *BertForMaskedLM) HeadParallel() bool {
	return len(m.Blocks) > 0 && m.Blocks[0].Attn.parallel
}

// AccumulateGrads adds a clone's gradients into m.
func (m *BertForMaskedLM) AccumulateGrads(worker *BertForMaskedLM) {
	dst, src := m.Params(), worker.Params()
	if len(dst) != len(src) {
		panic("AccumulateGrads: parameter count mismatch")
	}
	for i := range dst {
		dst[i].Accumulate(src[i].Grad)
	}
}

func cloneAttentionForGrads(src *Attention) *Attention {
	a := &Attention{
		H:       src.H,
		DModel:  src.DModel,
		DHead:   src.DHead,
		Wquery:  make([]*optimizations.Param, src.H),
		Wkey:    make([]*optimizations.Param, src.H),
		Wvalue:  make([]*optimizations.Param, src.H),
		Woutput: src.Woutput.Shared(),
		// private caches
		Q:        make([]*mat.Dense, src.H),
		K:        make([]*mat.Dense, src.H),
		V:        make([]*mat.Dense, src.H),
		Scores:   make([]*mat.Dense, src.H),
		A:        make([]*mat.Dense, src.H),
		O:        make([]*mat.Dense, src.H),
		parallel: src.parallel,
	}
	for h := 0; h < src.H; h++ {
		a.Wquery[h] = src.Wquery[h].Shared()
		a.Wkey[h] = src.Wkey[h].Shared()
		a.Wvalue[h] = src.Wvalue[h].Shared()
	}
	return a
}

func cloneMLPForGrads(src *MLP) *MLP {
	return &MLP{
		Inputs:        src.Inputs,
		Hiddens:       src.Hiddens,
		Outputs:       src.Outputs,
		HiddenWeights: src.HiddenWeights.Shared(),
		HiddenBias:    src.HiddenBias.Shared(),
		OutputWeights: src.OutputWeights.Shared(),
		OutputBias:    src.OutputBias.Shared(),
	}
}
