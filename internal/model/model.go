package model

// Batch represents a minibatch of flattened images and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Model defines the training functionality required by the fit loop.
type Model interface {
	// TrainStep executes one optimizer step and returns the mean loss and the
	// number of correct predictions made before the update.
	TrainStep(batch Batch) (loss float64, correct int)
	// Evaluate returns the mean loss and number of correct predictions without
	// updating weights.
	Evaluate(batch Batch) (loss float64, correct int)
}

// Param is a named weight tensor. Prunable tensors are kernels; biases are not.
type Param struct {
	Name     string
	Shape    []int
	Values   []float64
	Prunable bool
}

// Parameter names of ConvNet.
const (
	ConvKernel  = "conv2d/kernel"
	ConvBias    = "conv2d/bias"
	DenseKernel = "dense/kernel"
	DenseBias   = "dense/bias"
)
