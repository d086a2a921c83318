package trainer

import "time"

// Window accumulates throughput stats across a stretch of training steps.
type Window struct {
	samples int
	compute time.Duration
	steps   int
	lossSum float64
}

// Record adds one step to the window.
func (w *Window) Record(batchSize int, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	if w.compute > 0 {
		snap.ImagesPerSec = float64(w.samples) / w.compute.Seconds()
	}
	if w.steps > 0 {
		snap.AvgStepMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}

	w.samples = 0
	w.compute = 0
	w.steps = 0
	w.lossSum = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgStepMS    float64
	AvgLoss      float64
}
