package trainer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"imsat-forge/internal/dataset"
	"imsat-forge/internal/metrics"
	"imsat-forge/internal/optim"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	MaxEpoch      int
	StepsPerEpoch int
	LogEvery      int
	Schedule      optim.StepSchedule

	// Eval, when set, is scored for EvalSteps batches after every epoch.
	Eval      dataset.Loader
	EvalSteps int
}

// RunEpoch resets the meters, trains on steps batches from loader and returns
// the meter summaries. Any error aborts the epoch.
func (t *Trainer) RunEpoch(ctx context.Context, loader dataset.Loader, epoch, steps, logEvery int) (map[string]metrics.Summary, error) {
	if steps <= 0 {
		return nil, errors.Errorf("trainer: steps per epoch must be > 0 (got %d)", steps)
	}
	if logEvery <= 0 {
		logEvery = 50
	}
	t.meters.Step()
	var window metrics.Window

	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		startData := time.Now()
		batch, err := loader.Next(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d step %d: load batch", epoch, step)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := t.Step(batch, t.head)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d step %d", epoch, step)
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Images.Batch(), dataTime, computeTime, res.Loss)

		if step%logEvery == 0 {
			snap := window.Snapshot()
			klog.Infof("epoch=%d step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				epoch,
				step,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
			)
		}
	}

	summary := t.meters.Summary()
	klog.Infof("epoch=%d variant=%s %s", epoch, t.variant, formatSummary(t.meters.Columns(), summary))
	return summary, nil
}

func formatSummary(cols []string, summary map[string]metrics.Summary) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s=%.4f", c, summary[c].Mean))
	}
	return strings.Join(parts, " ")
}

// Run executes MaxEpoch epochs, setting the learning rate from the schedule
// before each one and scoring cfg.Eval after it.
func (t *Trainer) Run(ctx context.Context, cfg RunConfig, loader dataset.Loader) error {
	if cfg.MaxEpoch <= 0 {
		return errors.New("trainer: max epoch must be > 0")
	}
	if cfg.StepsPerEpoch <= 0 {
		return errors.New("trainer: steps per epoch must be > 0")
	}
	if cfg.Eval != nil && cfg.EvalSteps <= 0 {
		return errors.Errorf("trainer: eval steps must be > 0 (got %d)", cfg.EvalSteps)
	}
	for epoch := 0; epoch < cfg.MaxEpoch; epoch++ {
		if cfg.Schedule.Base > 0 {
			t.optimizer.LR = cfg.Schedule.Value(epoch)
		}
		klog.V(1).Infof("epoch=%d lr=%g", epoch, t.optimizer.LR)
		if _, err := t.RunEpoch(ctx, loader, epoch, cfg.StepsPerEpoch, cfg.LogEvery); err != nil {
			return err
		}
		if cfg.Eval == nil {
			continue
		}
		res, err := t.Evaluate(ctx, cfg.Eval, cfg.EvalSteps)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		klog.Infof("epoch=%d variant=%s val_acc=%.4f val_best_acc=%.4f samples=%d", epoch, t.variant, res.Accuracy, res.Best, res.Samples)
	}
	return nil
}
