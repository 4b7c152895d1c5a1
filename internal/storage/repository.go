package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neexbeast/weather-etl/internal/weather"
)

// Querier abstracts the subset of pgxpool.Pool used by Repository.
// This allows injection of a mock in tests.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StoredRequest is a persisted weather_requests row with its readings.
type StoredRequest struct {
	RequestID int64 `json:"request_id"`
	weather.RequestRecord
	Readings []weather.ReadingRecord `json:"readings"`
}

// Repository reads persisted runs. The tables are append-only, so there is no
// write path here; writes go through Loader.
type Repository struct {
	q Querier
}

// NewRepository constructs a Repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{q: pool}
}

// NewRepositoryWithQuerier constructs a Repository with a custom Querier (for tests).
func NewRepositoryWithQuerier(q Querier) *Repository {
	return &Repository{q: q}
}

// LatestRequest returns the newest request for city with its readings ordered
// by hour. Returns nil, nil when the city has never been loaded.
func (r *Repository) LatestRequest(ctx context.Context, city string) (*StoredRequest, error) {
	const q = `
		SELECT request_id, timestamp, city, latitude, longitude
		FROM weather_requests
		WHERE city = $1
		ORDER BY request_id DESC
		LIMIT 1
	`

	var s StoredRequest
	err := r.q.QueryRow(ctx, q, city).Scan(
		&s.RequestID,
		&s.Timestamp,
		&s.City,
		&s.Latitude,
		&s.Longitude,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest request for city %s: %w", city, err)
	}

	readings, err := r.readings(ctx, s.RequestID, s.City)
	if err != nil {
		return nil, err
	}
	s.Readings = readings

	return &s, nil
}

func (r *Repository) readings(ctx context.Context, requestID int64, city string) ([]weather.ReadingRecord, error) {
	const q = `
		SELECT hour, temperature, wind_speed, precipitation
		FROM weather_data
		WHERE request_id = $1
		ORDER BY hour
	`

	rows, err := r.q.Query(ctx, q, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying readings for request %d: %w", requestID, err)
	}
	defer rows.Close()

	var results []weather.ReadingRecord
	for rows.Next() {
		var hour time.Time
		rd := weather.ReadingRecord{City: city}

		if err := rows.Scan(&hour, &rd.Temperature, &rd.WindSpeed, &rd.Precipitation); err != nil {
			return nil, fmt.Errorf("scanning reading row: %w", err)
		}

		rd.Hour = hour.Format(hourLayouts[0])
		results = append(results, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reading rows: %w", err)
	}

	return results, nil
}

// CountRequests returns how many runs have been loaded for city.
func (r *Repository) CountRequests(ctx context.Context, city string) (int, error) {
	const q = `SELECT COUNT(*) FROM weather_requests WHERE city = $1`

	var n int
	if err := r.q.QueryRow(ctx, q, city).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting requests for city %s: %w", city, err)
	}
	return n, nil
}
