package job

import (
	"math"
	"strings"
)

// CreateRequest carries the client-supplied fields of a new job.
//
// Start and End are pointers so that a missing bound can be told apart from
// an explicit zero.
type CreateRequest struct {
	Type        string
	VideoURL    string
	S3Key       string
	Start       *float64
	End         *float64
	AspectRatio string
	UserID      string
	Username    string
}

// Validate checks the request and returns a *ValidationError listing every
// problem, or nil.
func (r CreateRequest) Validate() error {
	var problems []string

	if _, err := ParseType(r.Type); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(r.VideoURL) == "" && strings.TrimSpace(r.S3Key) == "" {
		problems = append(problems, "videoUrl or s3Key is required")
	}
	if msg := checkBound("start", r.Start); msg != "" {
		problems = append(problems, msg)
	}
	if msg := checkBound("end", r.End); msg != "" {
		problems = append(problems, msg)
	}
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "owner userId is required")
	}
	if r.AspectRatio != "" {
		if _, _, err := ParseAspectRatio(r.AspectRatio); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Build converts a validated request into the fields of a new Job. The
// caller assigns ID, State and timestamps.
func (r CreateRequest) Build() Job {
	t, _ := ParseType(r.Type)
	return Job{
		Type: t,
		Source: SourceRef{
			URL: strings.TrimSpace(r.VideoURL),
			Key: strings.TrimSpace(r.S3Key),
		},
		Params: Params{
			Start:       deref(r.Start),
			End:         deref(r.End),
			AspectRatio: strings.TrimSpace(r.AspectRatio),
		},
		Owner: Owner{
			UserID:   strings.TrimSpace(r.UserID),
			Username: strings.TrimSpace(r.Username),
		},
	}
}

func checkBound(name string, v *float64) string {
	switch {
	case v == nil:
		return name + " must be a number"
	case math.IsNaN(*v) || math.IsInf(*v, 0):
		return name + " must be a finite number"
	case *v < 0:
		return name + " must be non-negative"
	}
	return ""
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
