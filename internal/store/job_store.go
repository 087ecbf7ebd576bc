package store

import (
	"context"

	"github.com/dunamismax/hatrack/internal/domain"
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// RecordResult finalizes a job with its rendered output location and the
	// render metadata the boundary layer surfaces.
	RecordResult(ctx context.Context, id, status, outputKey string, faces int, fromCache bool) (domain.Job, error)
}
