package report

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/plotter"

	"warmup-forge/internal/metrics"
)

func sampleHistory() *metrics.History {
	h := &metrics.History{}
	h.Append(metrics.EpochStats{Epoch: 1, TrainLoss: 1.2, TrainAcc: 0.4, ValLoss: 1.3, ValAcc: 0.38})
	h.Append(metrics.EpochStats{Epoch: 2, TrainLoss: 0.9, TrainAcc: 0.6, ValLoss: 1.0, ValAcc: 0.55})
	return h
}

func TestPlotHistoryWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warmup.png")
	require.NoError(t, PlotHistory(sampleHistory(), path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 100)

	// overwrite in place
	require.NoError(t, PlotHistory(sampleHistory(), path))
}

func TestPlotHistoryLeavesGapsForNonFiniteLoss(t *testing.T) {
	h := &metrics.History{}
	h.Append(metrics.EpochStats{Epoch: 1, TrainLoss: 1.1, TrainAcc: 0.5, ValLoss: math.NaN(), ValAcc: 0.5})
	h.Append(metrics.EpochStats{Epoch: 2, TrainLoss: math.NaN(), TrainAcc: 0.5, ValLoss: math.Inf(1), ValAcc: 0.5})
	h.Append(metrics.EpochStats{Epoch: 3, TrainLoss: 0.8, TrainAcc: 0.6, ValLoss: math.NaN(), ValAcc: 0.55})

	path := filepath.Join(t.TempDir(), "diverged.png")
	require.NoError(t, PlotHistory(h, path))
	assert.FileExists(t, path)
}

func TestFiniteSegments(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(-1)
	segs := finiteSegments([]float64{1, 2, nan, 3, inf, nan, 4})
	want := []plotter.XYs{
		{{X: 0, Y: 1}, {X: 1, Y: 2}},
		{{X: 3, Y: 3}},
		{{X: 6, Y: 4}},
	}
	assert.Equal(t, want, segs)
	assert.Empty(t, finiteSegments([]float64{nan, inf}))
}

func TestPlotHistoryRejectsEmpty(t *testing.T) {
	require.Error(t, PlotHistory(&metrics.History{}, filepath.Join(t.TempDir(), "x.png")))
}

func TestProgressAdvances(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(buf, 4)
	p.Start()
	assert.Zero(t, p.Fraction())

	require.NoError(t, p.ObserveEpoch(metrics.EpochStats{Epoch: 1, TrainLoss: 0.5, TrainAcc: 0.75}))
	assert.InDelta(t, 0.25, p.Fraction(), 1e-12)
	p.Finish()

	out := buf.String()
	assert.Contains(t, out, "0/4")
	assert.Contains(t, out, "1/4 loss=0.5000 acc=0.7500")
	assert.True(t, strings.HasSuffix(out, "\n"))
}
