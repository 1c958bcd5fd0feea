package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterSnapshot(t *testing.T) {
	var m Meter
	m.Record(64, 10, 1.2, 20*time.Millisecond, 10*time.Millisecond)
	m.Record(64, 30, 0.8, 10*time.Millisecond, 20*time.Millisecond)

	assert.InDelta(t, 2.0, m.LossSum(), 1e-12)
	assert.Equal(t, 40, m.Correct())
	assert.Equal(t, 2, m.Batches())
	assert.Equal(t, 128, m.Samples())

	snap := m.Snapshot()
	if math.Abs(snap.ImagesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	assert.InDelta(t, 15.0, snap.AvgDataMS, 1e-9)
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Zero(t, m.Batches(), "snapshot resets the meter")
	assert.Zero(t, m.Samples())
}

func TestHistoryAppendKeepsSeriesAligned(t *testing.T) {
	var h History
	h.Append(EpochStats{Epoch: 1, TrainLoss: 1.5, TrainAcc: 0.4, ValLoss: 1.7, ValAcc: 0.35})
	h.Append(EpochStats{Epoch: 2, TrainLoss: 1.1, TrainAcc: 0.6, ValLoss: 1.3, ValAcc: 0.5})

	require.Equal(t, 2, h.Len())
	want := History{
		TrainLoss: []float64{1.5, 1.1},
		TrainAcc:  []float64{0.4, 0.6},
		ValLoss:   []float64{1.7, 1.3},
		ValAcc:    []float64{0.35, 0.5},
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	names := []string{}
	for _, s := range h.Series() {
		names = append(names, s.Name)
		assert.Len(t, s.Values, 2)
	}
	assert.Equal(t, []string{"train_loss", "val_loss", "train_acc", "val_acc"}, names)
	assert.Equal(t, EpochStats{Epoch: 2, TrainLoss: 1.1, TrainAcc: 0.6, ValLoss: 1.3, ValAcc: 0.5}, h.Epoch(1))
}

func TestHistoryKeepsNaN(t *testing.T) {
	var h History
	h.Append(EpochStats{TrainLoss: math.NaN()})
	assert.True(t, math.IsNaN(h.TrainLoss[0]))
}

func TestSeriesReturnsCopies(t *testing.T) {
	h := &History{}
	h.Append(EpochStats{Epoch: 1, TrainLoss: 1, TrainAcc: 0.5, ValLoss: 2, ValAcc: 0.25})

	for _, s := range h.Series() {
		s.Values[0] = -1
	}
	if diff := cmp.Diff(EpochStats{Epoch: 1, TrainLoss: 1, TrainAcc: 0.5, ValLoss: 2, ValAcc: 0.25}, h.Epoch(0)); diff != "" {
		t.Fatalf("history changed through Series (-want +got):\n%s", diff)
	}
}
