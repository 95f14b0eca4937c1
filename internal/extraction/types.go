/**
 * Extraction Types - Shared data structures for the answer extraction pipeline
 *
 * Every value here is created fresh per submission and never mutated after
 * construction; slices are copied at package boundaries that retain them.
 */

package extraction

import (
	"time"
)

// BoundingBox represents coordinates of a region in page pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Bottom returns the exclusive lower edge of the box
func (b BoundingBox) Bottom() int {
	return b.Y + b.Height
}

// PageImage is the raster for one rendered PDF page
type PageImage struct {
	Index  int
	Data   []byte
	Format string
}

// QuestionSegment is one candidate answer region cut from a page
type QuestionSegment struct {
	Buffer   []byte
	BBox     BoundingBox
	InkScore float64
}

// QuestionAssignment binds one logical question number to one region image
type QuestionAssignment struct {
	QuestionNumber    int
	ImageBuffer       []byte
	PageIndex         int
	SegmentIndex      int
	BBox              BoundingBox
	SegmentationScore float64
	// Fallback is set when the region came from an even slice rather than
	// detected whitespace bands.
	Fallback bool
}

// LineBox is a recognized text line reported by an engine
type LineBox struct {
	BBox       []float64 `json:"bbox"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
}

// EngineResult is one engine's reading of one region. A failed engine
// produces no EngineResult at all.
type EngineResult struct {
	Engine           string    `json:"engine"`
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Latex            string    `json:"latex,omitempty"`
	BoundingBoxes    []LineBox `json:"boundingBoxes,omitempty"`
}

// Method identifies how a consensus answer was reached
type Method string

const (
	MethodUnanimous  Method = "unanimous"
	MethodMajority   Method = "majority"
	MethodWeighted   Method = "weighted"
	MethodClustering Method = "clustering"
	MethodAIArbiter  Method = "ai_arbiter"
)

// MathValidation is the outcome of the arithmetic-expression post-check
type MathValidation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// ConsensusResult is the reconciled answer for one question
type ConsensusResult struct {
	FinalText         string          `json:"finalText"`
	Confidence        float64         `json:"confidence"`
	Method            Method          `json:"method"`
	NeedsReview       bool            `json:"needsReview"`
	AgreementRatio    float64         `json:"agreementRatio"`
	IndividualResults []EngineResult  `json:"individualResults"`
	MathValidation    *MathValidation `json:"mathValidation,omitempty"`
	Reasoning         string          `json:"reasoning,omitempty"`
	Corrections       []string        `json:"corrections,omitempty"`
	ArbiterCalls      int             `json:"arbiterCalls,omitempty"`
}

// Source locates a question's region within the submission
type Source struct {
	PageIndex    int         `json:"pageIndex"`
	SegmentIndex int         `json:"segmentIndex"`
	BoundingBox  BoundingBox `json:"boundingBox"`
	Fallback     bool        `json:"fallback,omitempty"`
}

// QuestionStatus marks whether a question produced any engine output
type QuestionStatus string

const (
	StatusExtracted   QuestionStatus = "extracted"
	StatusUnextracted QuestionStatus = "unextracted"
)

// QuestionResult is the unit handed to downstream grading
type QuestionResult struct {
	QuestionNumber    int              `json:"questionNumber"`
	Status            QuestionStatus   `json:"status"`
	IndividualResults []EngineResult   `json:"individualResults"`
	Consensus         *ConsensusResult `json:"consensus,omitempty"`
	Source            Source           `json:"source"`
	ArtifactURL       string           `json:"artifactUrl,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// Metrics are pipeline-wide timing and cost figures for one submission
type Metrics struct {
	TotalDuration    time.Duration `json:"totalDurationNs"`
	RenderDuration   time.Duration `json:"renderDurationNs"`
	EngineTime       time.Duration `json:"engineTimeNs"`
	PageCount        int           `json:"pageCount"`
	ArbiterCalls     int           `json:"arbiterCalls"`
	EstimatedCostUSD float64       `json:"estimatedCostUsd"`
}

// SubmissionStatus tracks a submission through the worker
type SubmissionStatus string

const (
	SubmissionQueued     SubmissionStatus = "queued"
	SubmissionProcessing SubmissionStatus = "processing"
	SubmissionCompleted  SubmissionStatus = "completed"
	SubmissionFailed     SubmissionStatus = "failed"
)

// SubmissionResult is the full output for one processed submission
type SubmissionResult struct {
	SubmissionID     string           `json:"submissionId"`
	Status           SubmissionStatus `json:"status"`
	Strategy         string           `json:"strategy"`
	Questions        []QuestionResult `json:"questions"`
	MissingQuestions []int            `json:"missingQuestions,omitempty"`
	Metrics          Metrics          `json:"metrics"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	CompletedAt      time.Time        `json:"completedAt,omitempty"`
}

// NeedsReviewCount returns how many extracted questions are flagged for review
func (s *SubmissionResult) NeedsReviewCount() int {
	n := 0
	for _, q := range s.Questions {
		if q.Consensus != nil && q.Consensus.NeedsReview {
			n++
		}
	}
	return n
}
