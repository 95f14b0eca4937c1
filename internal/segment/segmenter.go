// Package segment splits a page image into candidate answer regions by
// looking for horizontal whitespace bands between blocks of handwriting.
package segment

import (
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// Options tunes whitespace-band detection. Zero values take the defaults.
type Options struct {
	// WhitespaceThreshold is the mean row brightness (0-255) at or above
	// which a row counts as blank.
	WhitespaceThreshold float64
	// MinWhitespaceHeight is how many consecutive blank rows end a text run.
	MinWhitespaceHeight int
	// Margin pads each run on both edges.
	Margin int
	// MinSegmentHeight drops padded segments shorter than this.
	MinSegmentHeight int
	// MinInkDensity drops segments whose 1-avg/255 falls below it.
	MinInkDensity float64
	// MaxSegments keeps only the topmost N segments; 0 means no cap.
	MaxSegments int
}

// DefaultOptions returns the tuned defaults for 300 DPI scans
func DefaultOptions() Options {
	return Options{
		WhitespaceThreshold: 245,
		MinWhitespaceHeight: 24,
		Margin:              18,
		MinSegmentHeight:    140,
		MinInkDensity:       0.0125,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WhitespaceThreshold <= 0 {
		o.WhitespaceThreshold = d.WhitespaceThreshold
	}
	if o.MinWhitespaceHeight <= 0 {
		o.MinWhitespaceHeight = d.MinWhitespaceHeight
	}
	if o.Margin < 0 {
		o.Margin = 0
	} else if o.Margin == 0 {
		o.Margin = d.Margin
	}
	if o.MinSegmentHeight <= 0 {
		o.MinSegmentHeight = d.MinSegmentHeight
	}
	if o.MinInkDensity <= 0 {
		o.MinInkDensity = d.MinInkDensity
	}
	if o.MaxSegments < 0 {
		o.MaxSegments = 0
	}
	return o
}

type band struct {
	top, bottom int // bottom is exclusive
}

// Segment decodes a page and returns its answer regions ordered top to bottom.
// A blank page yields an empty slice; only undecodable input is an error.
func Segment(data []byte, opts Options) ([]extraction.QuestionSegment, error) {
	page, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return page.Segment(opts)
}

// Segment runs band detection on an already decoded page
func (p *Page) Segment(opts Options) ([]extraction.QuestionSegment, error) {
	opts = opts.withDefaults()

	bands := p.textRuns(opts)
	bands = p.padAndMerge(bands, opts)

	segments := make([]extraction.QuestionSegment, 0, len(bands))
	for _, b := range bands {
		if b.bottom-b.top < opts.MinSegmentHeight {
			continue
		}
		if p.inkDensity(b.top, b.bottom) < opts.MinInkDensity {
			continue
		}
		seg, err := p.segment(b.top, b.bottom)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
		if opts.MaxSegments > 0 && len(segments) == opts.MaxSegments {
			break
		}
	}
	return segments, nil
}

// textRuns scans rows top to bottom. A run opens on the first ink row and
// closes once MinWhitespaceHeight blank rows follow its last ink row.
func (p *Page) textRuns(opts Options) []band {
	var runs []band
	inRun := false
	start, lastInk, blank := 0, 0, 0

	for y, mean := range p.rowMeans {
		if mean < opts.WhitespaceThreshold {
			if !inRun {
				inRun = true
				start = y
			}
			lastInk = y
			blank = 0
			continue
		}
		if !inRun {
			continue
		}
		blank++
		if blank >= opts.MinWhitespaceHeight {
			runs = append(runs, band{top: start, bottom: lastInk + 1})
			inRun = false
			blank = 0
		}
	}
	if inRun {
		runs = append(runs, band{top: start, bottom: lastInk + 1})
	}
	return runs
}

// padAndMerge pads every run by Margin, clamps to the page, and merges
// neighbours whose padded gap is under 0.75*MinWhitespaceHeight. Overlapping
// padded runs always merge, so the output never overlaps.
func (p *Page) padAndMerge(runs []band, opts Options) []band {
	if len(runs) == 0 {
		return nil
	}
	mergeGap := int(0.75 * float64(opts.MinWhitespaceHeight))

	merged := make([]band, 0, len(runs))
	for _, r := range runs {
		padded := band{
			top:    max(0, r.top-opts.Margin),
			bottom: min(p.height, r.bottom+opts.Margin),
		}
		if n := len(merged); n > 0 && padded.top-merged[n-1].bottom < mergeGap {
			if padded.bottom > merged[n-1].bottom {
				merged[n-1].bottom = padded.bottom
			}
			continue
		}
		merged = append(merged, padded)
	}
	return merged
}
