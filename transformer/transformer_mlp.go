package transformer

import (
	"github.com/ulzee/icdbert/optimizations"
	"github.com/ulzee/icdbert/utils"
	"gonum.org/v1/gonum/mat"
)

type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *optimizations.Param
	OutputWeights, OutputBias *optimizations.Param

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights.W, X)) // (h x T)
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias.W)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct).(*mat.Dense)
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights.W, mlp.hiddenOutputs)) // (d x T)
	return utils.AddBias(finalLin, mlp.OutputBias.W)
}

func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	mlp.OutputWeights.Accumulate(utils.Dot(grad, mlp.hiddenOutputs.T()))
	// sum gradients over time for biases
	mlp.OutputBias.Accumulate(mat.NewDense(mlp.Outputs, 1, utils.RowSums(grad)))

	hiddenGradOut := utils.Dot(mlp.OutputWeights.W.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct))

	mlp.HiddenWeights.Accumulate(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	mlp.HiddenBias.Accumulate(mat.NewDense(mlp.Hiddens, 1, utils.RowSums(hiddenErrors)))

	return utils.ToDense(utils.Dot(mlp.HiddenWeights.W.T(), hiddenErrors))
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias}
}
