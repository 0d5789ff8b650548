package main

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// ingestProgress renders directory ingest progress on stderr. The zero value and a
// disabled instance are no-ops.
type ingestProgress struct {
	enabled bool
	bar     *progressbar.ProgressBar
}

func newIngestProgress(enabled bool) *ingestProgress {
	return &ingestProgress{enabled: enabled}
}

// progressEnabled reports whether stderr is a terminal.
func progressEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// Update matches indexer.ProgressFunc. The bar is created on the first call, once
// the total is known.
func (p *ingestProgress) Update(_ string, done, total int) {
	if !p.enabled || total <= 0 {
		return
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("ingesting"),
			progressbar.OptionSetWidth(32),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	_ = p.bar.Set(done)
}

// Finish completes the bar if one was shown.
func (p *ingestProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
