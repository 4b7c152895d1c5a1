package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/neexbeast/weather-etl/internal/handoff"
)

// ErrPersistence wraps every failure that happens once the transaction is open.
var ErrPersistence = errors.New("persistence error")

// hourLayouts are the accepted forms of ReadingRecord.Hour.
var hourLayouts = []string{"2006-01-02T15:04", "2006-01-02T15:04:05", time.RFC3339}

const (
	insertRequestSQL = `
		INSERT INTO weather_requests (timestamp, city, latitude, longitude)
		VALUES ($1, $2, $3, $4)
		RETURNING request_id
	`
	insertReadingSQL = `
		INSERT INTO weather_data (request_id, hour, temperature, wind_speed, precipitation)
		VALUES ($1, $2, $3, $4, $5)
	`
)

// Loader writes a run's batch into weather_requests and weather_data inside a
// single transaction.
type Loader struct {
	db  TxBeginner
	log *slog.Logger
}

// NewLoader constructs a Loader. *pgxpool.Pool satisfies TxBeginner.
func NewLoader(db TxBeginner, log *slog.Logger) *Loader {
	return &Loader{db: db, log: log}
}

// Load inserts every request of the batch, reads back its generated
// request_id, and inserts the readings whose city equals the request's city
// under that id. It returns the number of committed rows. On any error the
// transaction is rolled back and nothing is committed.
func (l *Loader) Load(ctx context.Context, b *handoff.Batch) (committed int, err error) {
	if b == nil {
		return 0, fmt.Errorf("loading: %w: nil batch", handoff.ErrCorrupt)
	}
	if err := b.Validate(); err != nil {
		return 0, fmt.Errorf("validating batch %s: %w", b.RunID, err)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: beginning transaction for run %s: %w", ErrPersistence, b.RunID, err)
	}
	defer func() {
		if err == nil {
			return
		}
		// The caller's context may already be done; rollback must still run.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			l.log.Error("rollback failed", "run_id", b.RunID, "err", rbErr)
		}
	}()

	rows := 0
	for _, req := range b.Requests {
		var requestID int64
		err = tx.QueryRow(ctx, insertRequestSQL, req.Timestamp, req.City, req.Latitude, req.Longitude).Scan(&requestID)
		if err != nil {
			return 0, fmt.Errorf("%w: inserting request for %s: %w", ErrPersistence, req.City, err)
		}
		rows++

		readings := b.ReadingsFor(req.City)
		for _, rd := range readings {
			var hour time.Time
			hour, err = parseHour(rd.Hour)
			if err != nil {
				return 0, fmt.Errorf("%w: reading %s for %s: %w", ErrPersistence, rd.Hour, req.City, err)
			}

			if _, err = tx.Exec(ctx, insertReadingSQL, requestID, hour, rd.Temperature, rd.WindSpeed, rd.Precipitation); err != nil {
				return 0, fmt.Errorf("%w: inserting reading %s for %s: %w", ErrPersistence, rd.Hour, req.City, err)
			}
			rows++
		}

		l.log.Debug("staged request", "run_id", b.RunID, "city", req.City, "request_id", requestID,
			"readings", len(readings))
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: committing run %s: %w", ErrPersistence, b.RunID, err)
	}

	l.log.Info("batch committed", "run_id", b.RunID, "requests", len(b.Requests), "rows", rows)
	return rows, nil
}

func parseHour(s string) (time.Time, error) {
	for _, layout := range hourLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised hour format %q", s)
}
