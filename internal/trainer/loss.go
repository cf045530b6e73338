package trainer

import (
	"fmt"

	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/model"
	"github.com/samcharles93/s4train/internal/tensor"
)

// lossFunc returns the batch loss and, when grad is true, dL/dlogits.
type lossFunc func(logits *model.Logits, b dataset.Batch, grad bool) (float64, *model.Logits)

func lossFor(phase dataset.Phase, pad int) (lossFunc, error) {
	switch phase {
	case dataset.Classification:
		return classificationLoss, nil
	case dataset.Autoregressive:
		return func(logits *model.Logits, b dataset.Batch, grad bool) (float64, *model.Logits) {
			loss, dl, _ := autoregressiveLoss(logits, b.Targets, pad, grad)
			return loss, dl
		}, nil
	default:
		return nil, fmt.Errorf("trainer: %w", phase.Validate())
	}
}

func gradLike(l *model.Logits) *model.Logits {
	return &model.Logits{B: l.B, T: l.T, K: l.K, Data: make([]float64, len(l.Data))}
}

// classificationLoss is the mean cross-entropy of [B, 1, C] logits against
// the batch labels.
func classificationLoss(logits *model.Logits, b dataset.Batch, grad bool) (float64, *model.Logits) {
	var dl *model.Logits
	if grad {
		dl = gradLike(logits)
	}
	scale := 1 / float64(logits.B)
	var sum float64
	for i, label := range b.Labels {
		var g []float64
		if dl != nil {
			g = dl.Row(i, 0)
		}
		sum += tensor.CrossEntropy(logits.Row(i, 0), label, g, scale)
	}
	return sum * scale, dl
}

// autoregressiveLoss is the mean cross-entropy of [B, L, V] logits against
// next-token targets over the positions whose target is not pad. It also
// returns how many positions counted; with none the loss is zero.
func autoregressiveLoss(logits *model.Logits, targets [][]int, pad int, grad bool) (float64, *model.Logits, int) {
	count := 0
	for _, row := range targets {
		for _, tok := range row {
			if tok != pad {
				count++
			}
		}
	}
	var dl *model.Logits
	if grad {
		dl = gradLike(logits)
	}
	if count == 0 {
		return 0, dl, 0
	}
	scale := 1 / float64(count)
	var sum float64
	for i, row := range targets {
		for t, tok := range row {
			if tok == pad {
				continue
			}
			var g []float64
			if dl != nil {
				g = dl.Row(i, t)
			}
			sum += tensor.CrossEntropy(logits.Row(i, t), tok, g, scale)
		}
	}
	return sum * scale, dl, count
}
