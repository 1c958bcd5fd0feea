package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"

	"warmup-forge/internal/metrics"
)

// Progress redraws a one-line epoch bar on w after every epoch.
type Progress struct {
	w     io.Writer
	bar   progress.Model
	total int
	done  int
}

// NewProgress returns a bar for total epochs.
func NewProgress(w io.Writer, total int) *Progress {
	return &Progress{
		w:     w,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		total: total,
	}
}

// Start draws the empty bar.
func (p *Progress) Start() {
	p.draw("")
}

// ObserveEpoch advances the bar by one epoch.
func (p *Progress) ObserveEpoch(s metrics.EpochStats) error {
	p.done = s.Epoch
	p.draw(fmt.Sprintf(" loss=%.4f acc=%.4f", s.TrainLoss, s.TrainAcc))
	return nil
}

// Finish ends the line.
func (p *Progress) Finish() {
	fmt.Fprintln(p.w)
}

// Fraction returns the completed share of epochs.
func (p *Progress) Fraction() float64 {
	if p.total <= 0 {
		return 0
	}
	return min(1, float64(p.done)/float64(p.total))
}

func (p *Progress) draw(suffix string) {
	fmt.Fprintf(p.w, "\r%s %d/%d%s", p.bar.ViewAs(p.Fraction()), p.done, p.total, suffix)
}
