// Package report renders training results for people: the loss and accuracy
// curve and a terminal progress bar.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"warmup-forge/internal/metrics"
)

// Plot labels.
const (
	Title  = "Training Loss and Accuracy on Dataset"
	XLabel = "Epoch #"
	YLabel = "Loss/Accuracy"
)

var palette = []color.Color{
	color.RGBA{R: 0xe2, G: 0x4a, B: 0x33, A: 0xff},
	color.RGBA{R: 0x34, G: 0x8a, B: 0xbd, A: 0xff},
	color.RGBA{R: 0x98, G: 0x8e, B: 0xd5, A: 0xff},
	color.RGBA{R: 0x77, G: 0x77, B: 0x77, A: 0xff},
}

// PlotHistory draws every history series against the epoch index and writes
// the figure to path. The image format follows the extension. Parent
// directories are created and an existing file is replaced.
func PlotHistory(h *metrics.History, path string) error {
	if h == nil || h.Len() == 0 {
		return errors.New("plot: empty history")
	}
	p := plot.New()
	p.Title.Text = Title
	p.X.Label.Text = XLabel
	p.Y.Label.Text = YLabel
	p.Add(plotter.NewGrid())
	p.Legend.Top = false
	p.Legend.Left = true

	for i, s := range h.Series() {
		style := plotter.DefaultLineStyle
		style.Color = palette[i%len(palette)]
		style.Width = vg.Points(1.5)
		// non-finite values leave a gap in the line
		for _, seg := range finiteSegments(s.Values) {
			line, err := plotter.NewLine(seg)
			if err != nil {
				return fmt.Errorf("plot %s: %w", s.Name, err)
			}
			line.LineStyle = style
			p.Add(line)
		}
		p.Legend.Add(s.Name, &plotter.Line{LineStyle: style})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}
	if err := p.Save(6.4*vg.Inch, 4.8*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

// finiteSegments splits values into runs of finite points indexed by epoch.
func finiteSegments(values []float64) []plotter.XYs {
	var (
		segs []plotter.XYs
		cur  plotter.XYs
	)
	for epoch, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if len(cur) > 0 {
				segs = append(segs, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: float64(epoch), Y: v})
	}
	if len(cur) > 0 {
		segs = append(segs, cur)
	}
	return segs
}
