package api

import (
	"context"

	"github.com/neexbeast/weather-etl/internal/pipeline"
	"github.com/neexbeast/weather-etl/internal/storage"
)

// RunService triggers and inspects pipeline runs. *pipeline.Pipeline
// satisfies it.
type RunService interface {
	NewRunID() string
	Yesterday() string
	ExecuteRun(ctx context.Context, runID, targetDate string) (*pipeline.Report, error)
	Status(ctx context.Context, runID string) (*pipeline.Report, error)
}

// WeatherRepo reads persisted observations. *storage.Repository satisfies it.
type WeatherRepo interface {
	LatestRequest(ctx context.Context, city string) (*storage.StoredRequest, error)
	CountRequests(ctx context.Context, city string) (int, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}
