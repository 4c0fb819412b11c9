package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ulzee/icdbert/optimizations"
	"github.com/ulzee/icdbert/utils"
	"gonum.org/v1/gonum/mat"
)

type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

// Initalization

func NewTransformerBlock(prefix string, rng *rand.Rand, dModel, hidden, nHeads int, eps float64) TransformerBlock {
	return TransformerBlock{
		Attn: NewAttention(prefix+".attn", rng, dModel, nHeads),
		Mlp:  NewMLP(prefix+".mlp", rng, dModel, hidden),
		Ln1:  optimizations.NewLayerNorm(prefix+".ln1", dModel, eps),
		Ln2:  optimizations.NewLayerNorm(prefix+".ln2", dModel, eps),
	}
}

func NewAttention(prefix string, rng *rand.Rand, dModel, nHeads int) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*optimizations.Param, nHeads),
		Wkey:   make([]*optimizations.Param, nHeads),
		Wvalue: make([]*optimizations.Param, nHeads),

		// cache
		Q:        make([]*mat.Dense, nHeads),
		K:        make([]*mat.Dense, nHeads),
		V:        make([]*mat.Dense, nHeads),
		Scores:   make([]*mat.Dense, nHeads),
		A:        make([]*mat.Dense, nHeads),
		O:        make([]*mat.Dense, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(fmt.Sprintf("%s.h%d.wq", prefix, h), mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
		attn.Wkey[h] = optimizations.NewParam(fmt.Sprintf("%s.h%d.wk", prefix, h), mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
		attn.Wvalue[h] = optimizations.NewParam(fmt.Sprintf("%s.h%d.wv", prefix, h), mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
	}
	attn.Woutput = optimizations.NewParam(prefix+".wo", mat.NewDense(dModel, dModel, utils.RandomArray(rng, dModel*dModel, float64(dModel))), true)
	return attn
}

func NewMLP(prefix string, rng *rand.Rand, dModel, hidden int) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: optimizations.NewParam(prefix+".w1", mat.NewDense(hidden, dModel, utils.RandomArray(rng, dModel*hidden, float64(dModel))), true),
		HiddenBias:    optimizations.NewParam(prefix+".b1", mat.NewDense(hidden, 1, nil), false),
		OutputWeights: optimizations.NewParam(prefix+".w2", mat.NewDense(dModel, hidden, utils.RandomArray(rng, hidden*dModel, float64(hidden))), true),
		OutputBias:    optimizations.NewParam(prefix+".b2", mat.NewDense(dModel, 1, nil), false),
	}
}

// Block forward/backward with residuals.
// Y = xRes + c*MLP(Ln2(xRes)); xRes = X + c*Attn(Ln1(X)); c = 1/sqrt(2)
func (b *TransformerBlock) Forward(X, mask *mat.Dense) *mat.Dense {
	c := 1 / math.Sqrt(2)
	x1 := b.Ln1.Forward(X)
	attnOut := b.Attn.Forward(x1, mask)
	xRes := utils.ToDense(utils.Add(X, utils.Scale(c, attnOut)))
	x2 := b.Ln2.Forward(xRes)
	mlpOut := b.Mlp.Forward(x2)
	return utils.ToDense(utils.Add(xRes, utils.Scale(c, mlpOut)))
}

func (b *TransformerBlock) Backward(grad *mat.Dense) *mat.Dense {
	c := 1 / math.Sqrt(2)

	// MLP path: dL/d(MLP_out) = c * dL/dY
	dX2_fromMLP := b.Mlp.Backward(utils.ToDense(utils.Scale(c, grad)))
	dXres_fromLn2 := b.Ln2.Backward(dX2_fromMLP)
	dXres_total := utils.ToDense(utils.Add(grad, dXres_fromLn2))
	dX1_fromAttn := b.Attn.Backward(utils.ToDense(utils.Scale(c, dXres_total)))
	dX_fromLn1 := b.Ln1.Backward(dX1_fromAttn)

	return utils.ToDense(utils.Add(dXres_total, dX_fromLn1))
}

func (b *TransformerBlock) Params() []*optimizations.Param {
	var out []*optimizations.Param
	out = append(out, b.Ln1.Params()...)
	out = append(out, b.Attn.Params()...)
	out = append(out, b.Ln2.Params()...)
	return append(out, b.Mlp.Params()...)
}
