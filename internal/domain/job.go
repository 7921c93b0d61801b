package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus enumerates the durable job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusTimeout    JobStatus = "timeout"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// InputKind enumerates the supported edit input shapes.
type InputKind string

const (
	InputKindImage   InputKind = "image"
	InputKindPrompt  InputKind = "prompt"
	InputKindCombine InputKind = "combine"
)

// ImageRef points at one input image, either by URL or as inline base64 bytes.
type ImageRef struct {
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Input is the edit subject: a single image, a text prompt, or a composite
// bundling several sub-inputs for combine mode.
type Input struct {
	Kind   InputKind `json:"kind"`
	Image  *ImageRef `json:"image,omitempty"`
	Prompt string    `json:"prompt,omitempty"`
	Parts  []Input   `json:"parts,omitempty"`
}

// Images flattens the input into the ordered list of image references it
// carries. Combine inputs contribute their parts in declaration order.
func (in Input) Images() []ImageRef {
	switch in.Kind {
	case InputKindImage:
		if in.Image != nil {
			return []ImageRef{*in.Image}
		}
	case InputKindCombine:
		var refs []ImageRef
		for _, p := range in.Parts {
			refs = append(refs, p.Images()...)
		}
		return refs
	}
	return nil
}

// Validate checks the structural soundness of the input tree.
func (in Input) Validate() error {
	switch in.Kind {
	case InputKindImage:
		if in.Image == nil || (in.Image.URL == "" && in.Image.Data == "") {
			return &ValidationError{Message: "image input requires a url or inline data"}
		}
	case InputKindPrompt:
		if strings.TrimSpace(in.Prompt) == "" {
			return &ValidationError{Message: "prompt input requires text"}
		}
	case InputKindCombine:
		if len(in.Parts) < 2 {
			return &ValidationError{Message: "combine input requires at least two parts"}
		}
		for _, p := range in.Parts {
			if p.Kind == InputKindCombine {
				return &ValidationError{Message: "combine inputs cannot nest"}
			}
			if err := p.Validate(); err != nil {
				return err
			}
		}
	default:
		return &ValidationError{Message: "unknown input kind"}
	}
	return nil
}

// OutputParams carries optional output shaping for an edit.
type OutputParams struct {
	ResolutionTier string `json:"resolution_tier,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// Usage records token counts reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the normalized outcome of a successful provider call. Images are
// self-describing data URIs.
type Result struct {
	Images  []string `json:"images,omitempty"`
	Content string   `json:"content,omitempty"`
	Usage   Usage    `json:"usage"`
	Warning string   `json:"warning,omitempty"`
}

// Job is the durable counterpart of one work item, processed out-of-band by
// the background worker.
type Job struct {
	ID           string
	UserID       string
	BatchID      string
	Model        string
	Variant      string
	Status       JobStatus
	InputJSON    []byte
	Instruction  string
	Params       OutputParams
	Charged      int
	RetryCount   int
	Country      string
	ErrorCode    string
	ErrorMessage string
	ResultJSON   []byte
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Input decodes the stored input payload.
func (j *Job) Input() (Input, error) {
	var in Input
	if err := json.Unmarshal(j.InputJSON, &in); err != nil {
		return Input{}, err
	}
	return in, nil
}

// Result decodes the stored result payload, if any.
func (j *Job) Result() (*Result, error) {
	if len(j.ResultJSON) == 0 {
		return nil, nil
	}
	var r Result
	if err := json.Unmarshal(j.ResultJSON, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
