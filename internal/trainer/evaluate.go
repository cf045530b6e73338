package trainer

import (
	"fmt"

	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/model"
	"github.com/samcharles93/s4train/internal/tensor"
)

const (
	MetricLoss         = "Loss"
	MetricTestLoss     = "Test Loss"
	MetricTestAccuracy = "Test Accuracy"
)

// Metrics maps a metric name to its value.
type Metrics map[string]float64

// Evaluate runs arch over split in order without touching gradients. Test
// Loss is the mean of per-batch losses. Test Accuracy is the percentage of
// correct argmax predictions: per example for classification, per non-pad
// position for an autoregressive dataset.
func Evaluate(arch model.Architecture, ds dataset.Dataset, split dataset.Split, batchSize int) (Metrics, error) {
	if err := ds.Phase().Validate(); err != nil {
		return nil, err
	}
	examples, err := ds.Split(split)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", dataset.ErrEmptySplit, ds.Name(), split)
	}

	loader := dataset.Sequential(examples, batchSize)
	var lossSum float64
	batches, correct, total := 0, 0, 0
	for _, b := range loader.Epoch(0) {
		logits := arch.Forward(b.Inputs)
		var loss float64
		switch ds.Phase() {
		case dataset.Classification:
			loss, _ = classificationLoss(logits, b, false)
			for i, label := range b.Labels {
				if tensor.Argmax(logits.Row(i, 0)) == label {
					correct++
				}
			}
			total += b.Size()
		case dataset.Autoregressive:
			var n int
			loss, _, n = autoregressiveLoss(logits, b.Targets, ds.PadTokenID(), false)
			for i, row := range b.Targets {
				for t, tok := range row {
					if tok != ds.PadTokenID() && tensor.Argmax(logits.Row(i, t)) == tok {
						correct++
					}
				}
			}
			total += n
		}
		lossSum += loss
		batches++
	}

	acc := 0.0
	if total > 0 {
		acc = 100 * float64(correct) / float64(total)
	}
	return Metrics{
		MetricTestLoss:     lossSum / float64(batches),
		MetricTestAccuracy: acc,
	}, nil
}
