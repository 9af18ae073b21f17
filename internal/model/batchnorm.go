package model

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// BatchNorm normalizes every input feature over the batch. In training mode
// it uses batch statistics and, while tracking is on, folds them into the
// running estimates used in evaluation mode.
type BatchNorm struct {
	name        string
	Gamma       *Param
	Beta        *Param
	RunningMean []float64
	RunningVar  []float64
	Momentum    float64
	Eps         float64

	track    bool
	training bool
	updates  int
}

// NewBatchNorm returns a tracking, training-mode layer over size features.
func NewBatchNorm(name string, size int) *BatchNorm {
	bn := &BatchNorm{
		name:        name,
		Gamma:       newParam(name+".gamma", size),
		Beta:        newParam(name+".beta", size),
		RunningMean: make([]float64, size),
		RunningVar:  make([]float64, size),
		Momentum:    0.1,
		Eps:         1e-5,
		track:       true,
		training:    true,
	}
	for i := range bn.Gamma.Value {
		bn.Gamma.Value[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

func (bn *BatchNorm) Name() string                 { return bn.name }
func (bn *BatchNorm) TrackRunningStats() bool      { return bn.track }
func (bn *BatchNorm) SetTrackRunningStats(on bool) { bn.track = on }

// SetTraining switches between batch statistics and running statistics.
func (bn *BatchNorm) SetTraining(on bool) { bn.training = on }
func (bn *BatchNorm) Training() bool      { return bn.training }

// Updates counts how many batches have been folded into the running stats.
func (bn *BatchNorm) Updates() int { return bn.updates }

type bnCache struct {
	xhat   []float64
	invStd []float64
	batch  bool
}

// forward returns gamma*xhat+beta for x laid out as n rows of d features.
func (bn *BatchNorm) forward(x []float64, n, d int, update bool) ([]float64, bnCache) {
	cache := bnCache{xhat: make([]float64, n*d), invStd: make([]float64, d), batch: bn.training}
	mean := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		var m, v float64
		if bn.training {
			for i := 0; i < n; i++ {
				col[i] = x[i*d+j]
			}
			m, v = stat.PopMeanVariance(col, nil)
			if update && bn.track {
				unbiased := v
				if n > 1 {
					unbiased = v * float64(n) / float64(n-1)
				}
				bn.RunningMean[j] = (1-bn.Momentum)*bn.RunningMean[j] + bn.Momentum*m
				bn.RunningVar[j] = (1-bn.Momentum)*bn.RunningVar[j] + bn.Momentum*unbiased
			}
		} else {
			m, v = bn.RunningMean[j], bn.RunningVar[j]
		}
		mean[j] = m
		cache.invStd[j] = 1 / math.Sqrt(v+bn.Eps)
	}
	if update && bn.track && bn.training {
		bn.updates++
	}
	y := make([]float64, n*d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			xh := (x[i*d+j] - mean[j]) * cache.invStd[j]
			cache.xhat[i*d+j] = xh
			y[i*d+j] = bn.Gamma.Value[j]*xh + bn.Beta.Value[j]
		}
	}
	return y, cache
}

// backward maps dy to dx and, if accumulate is set, adds parameter gradients.
func (bn *BatchNorm) backward(dy []float64, n, d int, cache bnCache, accumulate bool) []float64 {
	dx := make([]float64, n*d)
	for j := 0; j < d; j++ {
		var sumDxhat, sumDxhatXhat, sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			g := dy[i*d+j]
			xh := cache.xhat[i*d+j]
			dxh := g * bn.Gamma.Value[j]
			sumDy += g
			sumDyXhat += g * xh
			sumDxhat += dxh
			sumDxhatXhat += dxh * xh
		}
		if accumulate {
			bn.Gamma.Grad[j] += sumDyXhat
			bn.Beta.Grad[j] += sumDy
		}
		inv := cache.invStd[j]
		for i := 0; i < n; i++ {
			dxh := dy[i*d+j] * bn.Gamma.Value[j]
			if !cache.batch {
				dx[i*d+j] = dxh * inv
				continue
			}
			xh := cache.xhat[i*d+j]
			dx[i*d+j] = inv / float64(n) * (float64(n)*dxh - sumDxhat - xh*sumDxhatXhat)
		}
	}
	return dx
}
