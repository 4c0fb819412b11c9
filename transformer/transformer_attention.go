package transformer

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/ulzee/icdbert/optimizations"
	"github.com/ulzee/icdbert/utils"
)

// Attention is bidirectional multi-head self attention over the columns of
// X (dModel x T). Padded keys are removed through an additive mask.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*optimizations.Param // per head (dHead x dModel)
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param // (dModel x dModel)

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	Scores  []*mat.Dense
	A       []*mat.Dense
	O       []*mat.Dense
	O_cat   *mat.Dense

	lastT    int
	parallel bool // parallelize over heads if true
}

// Forward returns Woutput * concat_h(V_h softmax(Q_h^T K_h / sqrt(dHead) + mask)^T).
func (attn *Attention) Forward(X, mask *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	// prepare per-head scratch resized once per T
	if attn.lastT != T {
		for h := 0; h < attn.H; h++ {
			attn.Q[h] = mat.NewDense(attn.DHead, T, nil)
			attn.K[h] = mat.NewDense(attn.DHead, T, nil)
			attn.V[h] = mat.NewDense(attn.DHead, T, nil)
			attn.Scores[h] = mat.NewDense(T, T, nil)
			attn.A[h] = mat.NewDense(T, T, nil)
			attn.O[h] = mat.NewDense(attn.DHead, T, nil)
		}
		attn.lastT = T
	}

	work := func(h int) {
		attn.Q[h].Mul(attn.Wquery[h].W, X)
		attn.K[h].Mul(attn.Wkey[h].W, X)
		attn.V[h].Mul(attn.Wvalue[h].W, X)
		// S = (Q^T K)/sqrt
		attn.Scores[h].Mul(attn.Q[h].T(), attn.K[h])
		attn.Scores[h].Scale(rescale, attn.Scores[h])
		utils.RowSoftmaxMaskedInPlace(attn.A[h], attn.Scores[h], mask)
		// O = V * A^T
		attn.O[h].Mul(attn.V[h], attn.A[h].T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(attn.O[h])
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func() { defer wg.Done(); work(h) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.O_cat = headsCat
	return utils.ToDense(utils.Dot(attn.Woutput.W, headsCat))
}

// Backward accumulates weight gradients and returns dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := attn.X.Dims()

	// Y = Wout * Ocat
	attn.Woutput.Accumulate(utils.Dot(dY, attn.O_cat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.W.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		dO := dOcat.Slice(base, base+attn.DHead, 0, T)

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))       // (dHead x T)
		dA_T := utils.ToDense(utils.Dot(attn.V[h].T(), dO)) // (T x T)

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA_T.T(), attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())))
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))

		attn.Wquery[h].Accumulate(utils.Dot(dQ, attn.X.T()))
		attn.Wkey[h].Accumulate(utils.Dot(dK, attn.X.T()))
		attn.Wvalue[h].Accumulate(utils.Dot(dV, attn.X.T()))

		dXtotal.Add(dXtotal, utils.Dot(attn.Wquery[h].W.T(), dQ))
		dXtotal.Add(dXtotal, utils.Dot(attn.Wkey[h].W.T(), dK))
		dXtotal.Add(dXtotal, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dXtotal
}

func (attn *Attention) Params() []*optimizations.Param {
	out := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(out, attn.Woutput)
}
