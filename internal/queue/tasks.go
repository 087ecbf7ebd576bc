package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeOverlayHat = "hat:overlay"

type OverlayHatPayload struct {
	JobID       string    `json:"job_id"`
	SourceURL   string    `json:"source_url"`
	HatScale    float64   `json:"hat_scale"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewOverlayHatTask(payload OverlayHatPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal overlay payload: %w", err)
	}
	return asynq.NewTask(TypeOverlayHat, body), nil
}

func ParseOverlayHatPayload(task *asynq.Task) (OverlayHatPayload, error) {
	var payload OverlayHatPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return OverlayHatPayload{}, fmt.Errorf("unmarshal overlay payload: %w", err)
	}
	return payload, nil
}
