package domain

import (
	"encoding/json"
	"fmt"
)

// ResultKind discriminates the JobResult union.
type ResultKind string

const (
	ResultSummary    ResultKind = "summary"
	ResultExtraction ResultKind = "extraction"
	ResultTranscript ResultKind = "transcript"
	// ResultOpaque carries result shapes this build does not know yet;
	// the raw bytes are preserved for forward compatibility.
	ResultOpaque ResultKind = "opaque"
)

// SummaryResult is produced by summarizer agents.
type SummaryResult struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// ExtractionResult is produced by field-extraction agents.
type ExtractionResult struct {
	Fields     map[string]string `json:"fields"`
	Confidence float64           `json:"confidence"`
}

// TranscriptResult is produced by transcription agents.
type TranscriptResult struct {
	Text       string `json:"text"`
	DurationMs int64  `json:"duration_ms"`
}

// JobResult is a tagged union of the known result shapes per job type.
// Exactly one variant matching Kind is populated.
type JobResult struct {
	Kind       ResultKind        `json:"kind"`
	Summary    *SummaryResult    `json:"summary,omitempty"`
	Extraction *ExtractionResult `json:"extraction,omitempty"`
	Transcript *TranscriptResult `json:"transcript,omitempty"`
	Opaque     json.RawMessage   `json:"opaque,omitempty"`
}

// Validate checks that the populated variant matches Kind.
func (r *JobResult) Validate() error {
	var ok bool
	switch r.Kind {
	case ResultSummary:
		ok = r.Summary != nil
	case ResultExtraction:
		ok = r.Extraction != nil
	case ResultTranscript:
		ok = r.Transcript != nil
	case ResultOpaque:
		ok = len(r.Opaque) > 0
	default:
		return fmt.Errorf("unknown result kind %q", r.Kind)
	}
	if !ok {
		return fmt.Errorf("result kind %q has no matching payload", r.Kind)
	}
	return nil
}

// DecodeResult parses raw result bytes into the union. Unrecognized
// kinds fall back to the opaque variant instead of failing.
func DecodeResult(raw json.RawMessage) (*JobResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r JobResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	if r.Validate() != nil {
		return &JobResult{Kind: ResultOpaque, Opaque: raw}, nil
	}
	return &r, nil
}
