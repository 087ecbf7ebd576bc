package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusNoFaces    = "no_faces"
)

type CreateJobRequest struct {
	SourceURL  string  `json:"source_url"`
	HatScale   float64 `json:"hat_scale,omitempty"`
	WebhookURL string  `json:"webhook_url,omitempty"`
}

type Job struct {
	ID         string
	Status     string
	SourceURL  string
	HatScale   float64
	WebhookURL string
	OutputKey  string
	Faces      int
	FromCache  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.SourceURL) == "" {
		return errors.New("source_url is required")
	}
	if r.HatScale < 0 {
		return fmt.Errorf("hat_scale must not be negative, got %g", r.HatScale)
	}
	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" {
		if !strings.HasPrefix(webhook, "http://") && !strings.HasPrefix(webhook, "https://") {
			return fmt.Errorf("webhook_url must be an http(s) URL")
		}
	}
	return nil
}

// EffectiveScale applies the default when the request leaves hat_scale unset.
func (r CreateJobRequest) EffectiveScale() float64 {
	if r.HatScale == 0 {
		return 1.0
	}
	return r.HatScale
}
