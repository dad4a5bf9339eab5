// Package job defines the asynchronous media job record and its state machine.
//
// A Job is created pending, moved to processing by the worker, and finishes in
// exactly one terminal state. The persisted JSON layout is part of the stable
// store and wire contract; extend it additively.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Type discriminates the transform a job performs.
type Type string

const (
	// TypeCrop trims a source video to [start, end] and optionally crops it
	// to an aspect ratio.
	TypeCrop Type = "crop"
)

// ParseType returns the Type named by s, or an error for unknown variants.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeCrop:
		return TypeCrop, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

// SourceRef identifies the input media. At least one field is set.
type SourceRef struct {
	URL string `json:"videoUrl,omitempty"`
	Key string `json:"s3Key,omitempty"`
}

// IsZero reports whether neither a URL nor a blob key is present.
func (s SourceRef) IsZero() bool {
	return strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.Key) == ""
}

// String returns the blob key when present, otherwise the URL.
func (s SourceRef) String() string {
	if s.Key != "" {
		return s.Key
	}
	return s.URL
}

// Params are the crop parameters. Start and End are offsets in seconds.
type Params struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	AspectRatio string  `json:"aspectRatio,omitempty"`
}

// Owner is the user that submitted the job.
type Owner struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ResultRef points at the transform output.
type ResultRef struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// Job is the durable record of one media transform request.
type Job struct {
	ID        string     `json:"jobId"`
	Type      Type       `json:"type"`
	Source    SourceRef  `json:"sourceRef"`
	Params    Params     `json:"params"`
	Owner     Owner      `json:"owner"`
	State     State      `json:"state"`
	Progress  int        `json:"progress"`
	Result    *ResultRef `json:"resultRef,omitempty"`
	Error     string     `json:"errorMessage,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j != nil && j.State.IsTerminal()
}

// OwnedBy reports whether userID submitted the job.
func (j *Job) OwnedBy(userID string) bool {
	return j != nil && userID != "" && j.Owner.UserID == userID
}

// ClampProgress limits p to [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
