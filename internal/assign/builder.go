// Package assign maps logical question numbers onto regions of rendered pages.
package assign

import (
	"fmt"
	"sort"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/segment"
)

// overlapLimit is the fraction of an even slice that may be covered by a
// detected region before the slice is considered a duplicate of it.
const overlapLimit = 0.25

// Options controls how pages are subdivided
type Options struct {
	// ForceSegmentation subdivides pages even when there are no more
	// questions than pages.
	ForceSegmentation bool
	// DisableEvenSplitFallback turns off even slicing when detection finds
	// too few regions on a page. The final-page re-slice still applies.
	DisableEvenSplitFallback bool
	// Segmentation is passed to the segmenter; MaxSegments is overridden.
	Segmentation segment.Options
}

// Builder produces question assignments for one submission at a time
type Builder struct {
	opts   Options
	logger *logging.Logger
}

// NewBuilder creates a builder. A nil logger discards output.
func NewBuilder(opts Options, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{opts: opts, logger: logger}
}

type region struct {
	seg      extraction.QuestionSegment
	fallback bool
}

type pageSource struct {
	pages   []extraction.PageImage
	decoded map[int]*segment.Page
	failed  map[int]error
}

func (s *pageSource) get(i int) (*segment.Page, error) {
	if p, ok := s.decoded[i]; ok {
		return p, nil
	}
	if err, ok := s.failed[i]; ok {
		return nil, err
	}
	p, err := segment.Decode(s.pages[i].Data)
	if err != nil {
		s.failed[i] = err
		return nil, err
	}
	s.decoded[i] = p
	return p, nil
}

// Build assigns each requested question number to one region. The result is
// ordered by question number and holds at most one entry per question; trailing
// questions are absent only when no page could be decoded.
func (b *Builder) Build(pages []extraction.PageImage, questionNumbers []int) ([]extraction.QuestionAssignment, error) {
	qs, err := sortedUnique(questionNumbers)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 || len(qs) == 0 {
		return nil, nil
	}

	src := &pageSource{
		pages:   pages,
		decoded: make(map[int]*segment.Page),
		failed:  make(map[int]error),
	}

	if len(qs) <= len(pages) && !b.opts.ForceSegmentation {
		return b.wholePages(src, qs), nil
	}

	cache := NewEvenSplitCache()
	return b.segmented(src, qs, cache)
}

// wholePages maps question i to page i
func (b *Builder) wholePages(src *pageSource, qs []int) []extraction.QuestionAssignment {
	out := make([]extraction.QuestionAssignment, 0, len(qs))
	for i, q := range qs {
		a := extraction.QuestionAssignment{
			QuestionNumber:    q,
			ImageBuffer:       src.pages[i].Data,
			PageIndex:         i,
			SegmentIndex:      0,
			SegmentationScore: 1,
		}
		if p, err := src.get(i); err == nil {
			a.BBox = extraction.BoundingBox{Width: p.Width(), Height: p.Height()}
		} else {
			b.logger.Warn("Page could not be decoded, passing raw bytes to engines",
				"page_index", i, "error", err)
		}
		out = append(out, a)
	}
	return out
}

func (b *Builder) segmented(src *pageSource, qs []int, cache *EvenSplitCache) ([]extraction.QuestionAssignment, error) {
	out := make([]extraction.QuestionAssignment, 0, len(qs))
	next := 0
	lastUsable := -1

	for pi := range src.pages {
		if next >= len(qs) {
			break
		}
		remainingQ := len(qs) - next
		remainingPages := len(src.pages) - pi
		desired := (remainingQ + remainingPages - 1) / remainingPages

		page, err := src.get(pi)
		if err != nil {
			b.logger.Warn("Skipping undecodable page", "page_index", pi, "error", err)
			continue
		}
		lastUsable = pi

		regions, err := b.pageRegions(pi, page, desired, cache)
		if err != nil {
			return nil, err
		}
		if len(regions) == 0 {
			b.logger.Info("Page yielded no usable regions", "page_index", pi)
			continue
		}

		for si, r := range regions {
			out = append(out, newAssignment(qs[next], pi, si, r))
			next++
		}
	}

	if next < len(qs) && lastUsable >= 0 {
		remaining := len(qs) - next
		page, _ := src.get(lastUsable)
		slices, err := cache.GetOrCompute(CacheKey{PageIndex: lastUsable, SegmentCount: remaining}, func() ([]extraction.QuestionSegment, error) {
			return page.EvenSplit(remaining)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to re-slice page %d: %w", lastUsable, err)
		}
		b.logger.Warn("Re-slicing final page for unassigned questions",
			"page_index", lastUsable, "questions", remaining, "first_question", qs[next])
		// segment indexes continue after the regions already taken from this page
		offset := 0
		for _, a := range out {
			if a.PageIndex == lastUsable {
				offset++
			}
		}
		for si, s := range slices {
			out = append(out, newAssignment(qs[next], lastUsable, offset+si, region{seg: s, fallback: true}))
			next++
		}
	}

	if next < len(qs) {
		b.logger.Warn("Questions left without a region", "missing", len(qs)-next)
	}
	return out, nil
}

// pageRegions detects up to 3x desired regions, tops up from an even split
// when detection comes up short, and truncates to desired.
func (b *Builder) pageRegions(pageIndex int, page *segment.Page, desired int, cache *EvenSplitCache) ([]region, error) {
	opts := b.opts.Segmentation
	opts.MaxSegments = 3 * desired

	detected, err := page.Segment(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to segment page %d: %w", pageIndex, err)
	}

	regions := make([]region, 0, len(detected))
	for _, s := range detected {
		regions = append(regions, region{seg: s})
	}

	if len(regions) < desired && !b.opts.DisableEvenSplitFallback {
		even, err := cache.GetOrCompute(CacheKey{PageIndex: pageIndex, SegmentCount: desired}, func() ([]extraction.QuestionSegment, error) {
			return page.EvenSplit(desired)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to even-split page %d: %w", pageIndex, err)
		}
		regions = mergeByPosition(regions, even, desired)
		b.logger.Debug("Even-split fallback applied",
			"page_index", pageIndex, "detected", len(detected), "desired", desired)
	}

	if len(regions) > desired {
		regions = regions[:desired]
	}
	return regions, nil
}

// mergeByPosition adds even slices that do not duplicate a detected region and
// orders the union by Y. If that still falls short, the plain even split wins.
func mergeByPosition(detected []region, even []extraction.QuestionSegment, desired int) []region {
	merged := append([]region(nil), detected...)
	for _, s := range even {
		if !overlapsAny(s.BBox, detected) {
			merged = append(merged, region{seg: s, fallback: true})
		}
	}

	if len(merged) < desired {
		merged = merged[:0]
		for _, s := range even {
			merged = append(merged, region{seg: s, fallback: true})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].seg.BBox.Y < merged[j].seg.BBox.Y
	})
	return merged
}

func overlapsAny(box extraction.BoundingBox, regions []region) bool {
	if box.Height <= 0 {
		return true
	}
	for _, r := range regions {
		top := max(box.Y, r.seg.BBox.Y)
		bottom := min(box.Bottom(), r.seg.BBox.Bottom())
		if bottom <= top {
			continue
		}
		if float64(bottom-top)/float64(box.Height) > overlapLimit {
			return true
		}
	}
	return false
}

func newAssignment(question, pageIndex, segmentIndex int, r region) extraction.QuestionAssignment {
	return extraction.QuestionAssignment{
		QuestionNumber:    question,
		ImageBuffer:       r.seg.Buffer,
		PageIndex:         pageIndex,
		SegmentIndex:      segmentIndex,
		BBox:              r.seg.BBox,
		SegmentationScore: r.seg.InkScore,
		Fallback:          r.fallback,
	}
}

func sortedUnique(questionNumbers []int) ([]int, error) {
	qs := append([]int(nil), questionNumbers...)
	sort.Ints(qs)
	for i := 1; i < len(qs); i++ {
		if qs[i] == qs[i-1] {
			return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("duplicate question number %d", qs[i]))
		}
	}
	return qs, nil
}
