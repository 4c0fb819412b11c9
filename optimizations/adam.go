package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor together with its gradient accumulator and
// AdamW moments. Decay marks tensors that receive weight decay.
type Param struct {
	Name  string
	W     *mat.Dense
	Grad  *mat.Dense
	M, V  *mat.Dense
	Decay bool
}

func NewParam(name string, w *mat.Dense, decay bool) *Param {
	return &Param{Name: name, W: w, Grad: zerosLike(w), Decay: decay}
}

// Shared returns a view on the same weights with a private gradient buffer.
// Optimizer state is not copied.
func (p *Param) Shared() *Param {
	return &Param{Name: p.Name, W: p.W, Grad: zerosLike(p.W), Decay: p.Decay}
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Accumulate adds g into the gradient buffer.
func (p *Param) Accumulate(g mat.Matrix) {
	p.Grad.Add(p.Grad, g)
}

// InitMoments allocates AdamW state if it is missing.
func (p *Param) InitMoments() {
	if p.M == nil {
		p.M = zerosLike(p.W)
		p.V = zerosLike(p.W)
	}
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			wdTerm := weightDecay * p.At(i, j)
			update := mhat/denom + wdTerm
			pij := p.At(i, j) - lr*update
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, pij)
		}
	}
}

// ------- AdamW optimizer (in-place) --------

type AdamW struct {
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64
	T            int // completed steps, used for bias correction
}

func NewAdamW(beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay}
}

// Step applies one update to every param using its accumulated gradient.
func (o *AdamW) Step(ps []*Param, lr float64) {
	o.T++
	for _, p := range ps {
		p.InitMoments()
		wd := 0.0
		if p.Decay {
			wd = o.WeightDecay
		}
		AdamUpdateInPlace(p.W, p.Grad, p.M, p.V, o.T, lr, o.Beta1, o.Beta2, o.Eps, wd)
	}
}

func zerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}
