package trainer

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"imsat-forge/internal/dataset"
	"imsat-forge/internal/divergence"
	"imsat-forge/internal/metrics"
	"imsat-forge/internal/model"
)

// EvalResult is the cluster accuracy of the trained head over one
// evaluation pass, per sub-head and averaged.
type EvalResult struct {
	Accuracy float64
	Best     float64
	SubHeads []float64
	Samples  int
}

// Evaluate scores steps labeled batches from loader. The model runs on its
// running statistics and is switched back to training mode on return. Each
// sample is assigned its argmax cluster, and accuracy uses the best
// one-to-one mapping from clusters to labels over the whole pass. The mean
// over sub-heads is recorded on the val_acc meter.
func (t *Trainer) Evaluate(ctx context.Context, loader dataset.Loader, steps int) (EvalResult, error) {
	if steps <= 0 {
		return EvalResult{}, errors.Errorf("trainer: eval steps must be > 0 (got %d)", steps)
	}
	model.SetTraining(t.model, false)
	defer model.SetTraining(t.model, true)

	var clusters [][]int
	var labels []int
	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return EvalResult{}, err
		}
		batch, err := loader.Next(ctx)
		if err != nil {
			return EvalResult{}, errors.Wrapf(err, "eval step %d: load batch", step)
		}
		n := batch.Images.Batch()
		if len(batch.Labels) != n {
			return EvalResult{}, errors.Errorf("trainer: eval batch has %d labels for %d images", len(batch.Labels), n)
		}
		outs, err := t.model.Forward(batch.Images, t.head)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "trainer: eval forward")
		}
		if err := divergence.CheckSimplexList(outs); err != nil {
			return EvalResult{}, errors.Wrap(err, "trainer: eval forward")
		}
		if clusters == nil {
			clusters = make([][]int, len(outs))
		}
		for sub, p := range outs {
			for i := 0; i < n; i++ {
				clusters[sub] = append(clusters[sub], floats.MaxIdx(p.RawRowView(i)))
			}
		}
		labels = append(labels, batch.Labels...)
	}

	res := EvalResult{SubHeads: make([]float64, len(clusters)), Samples: len(labels)}
	for sub, ids := range clusters {
		acc, err := metrics.ClusterAccuracy(ids, labels)
		if err != nil {
			return EvalResult{}, errors.Wrapf(err, "trainer: sub-head %d", sub)
		}
		res.SubHeads[sub] = acc
		res.Accuracy += acc / float64(len(clusters))
	}
	res.Best = floats.Max(res.SubHeads)
	if err := t.meters.Add(MeterValAcc, res.Accuracy); err != nil {
		return EvalResult{}, err
	}
	klog.V(1).Infof("eval variant=%s head=%s samples=%d sub_heads=%v", t.variant, t.head, res.Samples, res.SubHeads)
	return res, nil
}
