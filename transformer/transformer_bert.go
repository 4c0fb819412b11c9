package transformer

import (
	"fmt"
	"math/rand"

	"github.com/ulzee/icdbert/optimizations"
	"github.com/ulzee/icdbert/params"
	"github.com/ulzee/icdbert/utils"
	"gonum.org/v1/gonum/mat"
)

// BertForMaskedLM is a pre-LN encoder with learned absolute positions and an
// MLM decoder tied to the token embeddings.
//
//	X   = TokEmb[:, ids] + PosEmb[:, 0..T)
//	H   = LnF(Blocks(X))
//	out = TokEmb^T H + DecoderBias            (V x T)
type BertForMaskedLM struct {
	Config      params.BertConfig
	TokEmb      *optimizations.Param // (d x V)
	PosEmb      *optimizations.Param // (d x P)
	Blocks      []TransformerBlock
	LnF         *optimizations.LayerNorm
	DecoderBias *optimizations.Param // (V x 1)

	// cache for backprop
	ids []int
	h   *mat.Dense
}

const embeddingStd = 0.02

func NewBertForMaskedLM(cfg params.BertConfig, seed int64) *BertForMaskedLM {
	rng := rand.New(rand.NewSource(seed))
	d, V, P := cfg.HiddenSize, cfg.VocabSize, cfg.MaxPositionEmbeddings
	heads := utils.ChooseValidHeads(d, cfg.NumAttentionHeads)
	cfg.NumAttentionHeads = heads

	m := &BertForMaskedLM{
		Config:      cfg,
		TokEmb:      optimizations.NewParam("embeddings.token", mat.NewDense(d, V, utils.NormalArray(rng, d*V, embeddingStd)), true),
		PosEmb:      optimizations.NewParam("embeddings.position", mat.NewDense(d, P, utils.NormalArray(rng, d*P, embeddingStd)), true),
		Blocks:      make([]TransformerBlock, cfg.NumHiddenLayers),
		LnF:         optimizations.NewLayerNorm("encoder.ln_f", d, cfg.LayerNormEps),
		DecoderBias: optimizations.NewParam("decoder.bias", mat.NewDense(V, 1, nil), false),
	}
	for i := range m.Blocks {
		m.Blocks[i] = NewTransformerBlock(fmt.Sprintf("encoder.layer%d", i), rng, d, cfg.IntermediateSize, heads, cfg.LayerNormEps)
	}
	return m
}

// Embed returns X (d x T) for the given ids.
func (m *BertForMaskedLM) Embed(ids []int) *mat.Dense {
	d, V := m.TokEmb.W.Dims()
	_, P := m.PosEmb.W.Dims()
	T := len(ids)
	if T > P {
		panic(fmt.Sprintf("sequence length %d exceeds max_position_embeddings %d", T, P))
	}
	X := mat.NewDense(d, T, nil)
	for t, id := range ids {
		if id < 0 || id >= V {
			panic(fmt.Sprintf("token id %d out of range [0,%d)", id, V))
		}
		for i := 0; i < d; i++ {
			X.Set(i, t, m.TokEmb.W.At(i, id)+m.PosEmb.W.At(i, t))
		}
	}
	return X
}

// Encode runs the encoder and returns the final hidden states H (d x T).
func (m *BertForMaskedLM) Encode(ids, attentionMask []int) *mat.Dense {
	if len(ids) != len(attentionMask) {
		panic("Encode: ids and attention mask differ in length")
	}
	mask := utils.PaddingMask(attentionMask)
	Y := m.Embed(ids)
	for i := range m.Blocks {
		Y = m.Blocks[i].Forward(Y, mask)
	}
	m.ids = ids
	m.h = m.LnF.Forward(Y)
	return m.h
}

// Forward returns MLM logits (V x T).
func (m *BertForMaskedLM) Forward(ids, attentionMask []int) *mat.Dense {
	H := m.Encode(ids, attentionMask)
	logits := utils.ToDense(utils.Dot(m.TokEmb.W.T(), H))
	return utils.AddBias(logits, m.DecoderBias.W)
}

// Backward accumulates gradients of every parameter given dL/dlogits.
func (m *BertForMaskedLM) Backward(dLogits *mat.Dense) {
	// decoder: logits = TokEmb^T H + b
	m.DecoderBias.Accumulate(mat.NewDense(m.Config.VocabSize, 1, utils.RowSums(dLogits)))
	m.TokEmb.Accumulate(utils.Dot(m.h, dLogits.T()))
	dY := utils.ToDense(utils.Dot(m.TokEmb.W, dLogits))

	dY = m.LnF.Backward(dY)
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dY = m.Blocks[i].Backward(dY)
	}

	// embeddings
	d, _ := dY.Dims()
	tokGrad, posGrad := m.TokEmb.Grad, m.PosEmb.Grad
	for t, id := range m.ids {
		for i := 0; i < d; i++ {
			g := dY.At(i, t)
			tokGrad.Set(i, id, tokGrad.At(i, id)+g)
			posGrad.Set(i, t, posGrad.At(i, t)+g)
		}
	}
}

// Params lists every trainable tensor in a fixed order.
func (m *BertForMaskedLM) Params() []*optimizations.Param {
	out := []*optimizations.Param{m.TokEmb, m.PosEmb}
	for i := range m.Blocks {
		out = append(out, m.Blocks[i].Params()...)
	}
	out = append(out, m.LnF.Params()...)
	return append(out, m.DecoderBias)
}

func (m *BertForMaskedLM) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// NumParameters counts scalar weights.
func (m *BertForMaskedLM) NumParameters() int {
	n := 0
	for _, p := range m.Params() {
		r, c := p.W.Dims()
		n += r * c
	}
	return n
}

// MaskedLMLoss sums token cross entropy over positions whose label is not
// IgnoreIndex. It returns the sum, the number of such positions and
// dSum/dlogits (zero columns at ignored positions).
func MaskedLMLoss(logits *mat.Dense, labels []int) (float64, int, *mat.Dense) {
	V, T := logits.Dims()
	if T != len(labels) {
		panic("MaskedLMLoss: logits columns and labels differ")
	}
	dLogits := mat.NewDense(V, T, nil)
	sum, count := 0.0, 0
	for t, label := range labels {
		if label == params.IgnoreIndex {
			continue
		}
		loss, grad := utils.CrossEntropyWithIndex(logits.ColView(t), label)
		sum += loss
		count++
		dLogits.SetCol(t, grad.RawMatrix().Data)
	}
	return sum, count, dLogits
}
