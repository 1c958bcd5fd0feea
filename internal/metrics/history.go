// Package metrics holds per-epoch training statistics.
package metrics

import (
	"slices"
	"time"
)

// Meter accumulates loss, accuracy and timing across the batches of one phase.
type Meter struct {
	lossSum  float64
	correct  int
	samples  int
	batches  int
	data     time.Duration
	compute  time.Duration
	lastLoss float64
}

// Record adds one batch. loss is the batch mean loss, correct the number of
// correctly classified samples in it.
func (m *Meter) Record(batchSize, correct int, loss float64, dataTime, computeTime time.Duration) {
	m.lossSum += loss
	m.correct += correct
	m.samples += batchSize
	m.batches++
	m.data += dataTime
	m.compute += computeTime
	m.lastLoss = loss
}

// LossSum returns the sum of per-batch mean losses.
func (m *Meter) LossSum() float64 { return m.lossSum }

// Correct returns the number of correct predictions.
func (m *Meter) Correct() int { return m.correct }

// Batches returns the number of recorded batches.
func (m *Meter) Batches() int { return m.batches }

// Samples returns the number of recorded samples.
func (m *Meter) Samples() int { return m.samples }

// Snapshot returns throughput figures and resets the meter.
func (m *Meter) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: m.lastLoss}
	total := m.data + m.compute
	if total > 0 {
		snap.ImagesPerSec = float64(m.samples) / total.Seconds()
	}
	if m.batches > 0 {
		snap.AvgDataMS = (m.data.Seconds() * 1000) / float64(m.batches)
		snap.AvgComputeMS = (m.compute.Seconds() * 1000) / float64(m.batches)
	}
	m.Reset()
	return snap
}

// Reset clears all counters.
func (m *Meter) Reset() { *m = Meter{} }

// Snapshot represents loggable throughput metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}

// EpochStats is one row of the training history.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	ValLoss   float64
	ValAcc    float64
	Duration  time.Duration
}

// History keeps one entry per completed epoch in each of its four series.
// Entries are only appended.
type History struct {
	TrainLoss []float64 `json:"train_loss"`
	TrainAcc  []float64 `json:"train_acc"`
	ValLoss   []float64 `json:"val_loss"`
	ValAcc    []float64 `json:"val_acc"`
}

// Append records one completed epoch.
func (h *History) Append(s EpochStats) {
	h.TrainLoss = append(h.TrainLoss, s.TrainLoss)
	h.TrainAcc = append(h.TrainAcc, s.TrainAcc)
	h.ValLoss = append(h.ValLoss, s.ValLoss)
	h.ValAcc = append(h.ValAcc, s.ValAcc)
}

// Len returns the number of recorded epochs.
func (h *History) Len() int { return len(h.TrainLoss) }

// Series is a named column of the history.
type Series struct {
	Name   string
	Values []float64
}

// Series returns copies of the four columns in plot order.
func (h *History) Series() []Series {
	return []Series{
		{Name: "train_loss", Values: slices.Clone(h.TrainLoss)},
		{Name: "val_loss", Values: slices.Clone(h.ValLoss)},
		{Name: "train_acc", Values: slices.Clone(h.TrainAcc)},
		{Name: "val_acc", Values: slices.Clone(h.ValAcc)},
	}
}

// Epoch returns the stats recorded for zero-based epoch i.
func (h *History) Epoch(i int) EpochStats {
	return EpochStats{
		Epoch:     i + 1,
		TrainLoss: h.TrainLoss[i],
		TrainAcc:  h.TrainAcc[i],
		ValLoss:   h.ValLoss[i],
		ValAcc:    h.ValAcc[i],
	}
}
