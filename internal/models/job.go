package models

import (
	"time"
)

// JobType enumerates the processing families a job can belong to.
type JobType string

const (
	TypeOCR      JobType = "ocr"
	TypeImage    JobType = "image"
	TypeDocument JobType = "document"
	TypeAudio    JobType = "audio"
	TypeVideo    JobType = "video"
	TypePDFTool  JobType = "pdf-tool"
)

// ValidType reports whether t is one of the known job types.
func ValidType(t JobType) bool {
	switch t {
	case TypeOCR, TypeImage, TypeDocument, TypeAudio, TypeVideo, TypePDFTool:
		return true
	}
	return false
}

// Mode selects the stage sequence for OCR jobs.
type Mode string

const (
	ModeText Mode = "text"
	ModeOCR  Mode = "ocr"
	ModeBoth Mode = "both"
)

// ValidMode reports whether m is a known OCR mode.
func ValidMode(m Mode) bool {
	return m == ModeText || m == ModeOCR || m == ModeBoth
}

// Job lifecycle states persisted in the ledger.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Terminal reports whether status is a final state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Artifact kinds a completed job may expose for download.
const (
	ArtifactJSON     = "json"
	ArtifactText     = "txt"
	ArtifactPDF      = "pdf"
	ArtifactImage    = "image"
	ArtifactDocument = "document"
	ArtifactAudio    = "audio"
	ArtifactVideo    = "video"
)

// Options carries the type-specific knobs submitted with a job. Unused
// fields stay at their zero value; the whole struct is stored as JSON in
// the ledger row.
type Options struct {
	// OCR jobs.
	Mode Mode   `json:"mode,omitempty"`
	Lang string `json:"lang,omitempty"`
	DPI  int    `json:"dpi,omitempty"`

	// Conversion jobs.
	OutputFormat string  `json:"output_format,omitempty"`
	Quality      int     `json:"quality,omitempty"`
	Grayscale    bool    `json:"grayscale,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	Rotation     int     `json:"rotation,omitempty"`
	Bitrate      string  `json:"bitrate,omitempty"`

	// PDF tool jobs.
	PDFMode   string `json:"pdf_mode,omitempty"`
	PageRange string `json:"page_range,omitempty"`
	Degrees   int    `json:"degrees,omitempty"`
}

// Job is one submitted processing request and its lifecycle record.
// Artifacts maps artifact kind to its location in the artifact store.
type Job struct {
	ID          string            `json:"id"`
	Type        JobType           `json:"job_type"`
	Filename    string            `json:"filename"`
	UploadPath  string            `json:"-"`
	Options     Options           `json:"options"`
	Status      string            `json:"status"`
	Progress    int               `json:"progress"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Error       string            `json:"error,omitempty"`
	TokenHash   string            `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ProgressEvent is the ephemeral payload pushed to stream subscribers.
// The ledger row remains the source of truth; events may be dropped.
type ProgressEvent struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// PageResult is one page's OCR outcome inside the JSON result document.
type PageResult struct {
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Cached     bool    `json:"cached,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Result is the JSON document persisted for every completed job.
type Result struct {
	JobID     string            `json:"job_id"`
	Filename  string            `json:"filename"`
	FinalText string            `json:"final_text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Pages     []PageResult      `json:"pages,omitempty"`
	Errors    []string          `json:"errors,omitempty"`
	Options   Options           `json:"options"`
}
