package handoff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/neexbeast/weather-etl/internal/weather"
)

var (
	// ErrDuplicateCity means two request records share a city, which would
	// make the city join ambiguous.
	ErrDuplicateCity = errors.New("duplicate request city")
	// ErrOrphanReading means a reading has no request record for its city.
	ErrOrphanReading = errors.New("reading without matching request")
	// ErrEmptyRequest means a request record has no readings.
	ErrEmptyRequest = errors.New("request without readings")
	// ErrCorrupt wraps any encoding or decoding failure.
	ErrCorrupt = errors.New("corrupt hand-off payload")
)

// Batch is the complete output of one fetch phase. The load phase treats it as
// the sole source of truth for the run.
type Batch struct {
	RunID      string                  `json:"run_id"`
	TargetDate string                  `json:"target_date"`
	CreatedAt  time.Time               `json:"created_at"`
	Requests   []weather.RequestRecord `json:"requests"`
	Readings   []weather.ReadingRecord `json:"readings"`
	Skipped    []string                `json:"skipped,omitempty"`
}

// NewBatch wraps a fetch result for the given run.
func NewBatch(runID, targetDate string, createdAt time.Time, res *weather.Result) *Batch {
	return &Batch{
		RunID:      runID,
		TargetDate: targetDate,
		CreatedAt:  createdAt.UTC(),
		Requests:   res.Requests,
		Readings:   res.Readings,
		Skipped:    res.Skipped,
	}
}

// Validate checks that the city join is one-to-many in both directions.
func (b *Batch) Validate() error {
	readingsPerCity := make(map[string]int, len(b.Requests))
	for _, r := range b.Requests {
		if _, ok := readingsPerCity[r.City]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateCity, r.City)
		}
		readingsPerCity[r.City] = 0
	}

	for i, rd := range b.Readings {
		n, ok := readingsPerCity[rd.City]
		if !ok {
			return fmt.Errorf("%w: readings[%d] city %q", ErrOrphanReading, i, rd.City)
		}
		readingsPerCity[rd.City] = n + 1
	}

	for _, r := range b.Requests {
		if readingsPerCity[r.City] == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyRequest, r.City)
		}
	}

	return nil
}

// ReadingsFor returns the readings whose city equals city, in batch order.
func (b *Batch) ReadingsFor(city string) []weather.ReadingRecord {
	var out []weather.ReadingRecord
	for _, rd := range b.Readings {
		if rd.City == city {
			out = append(out, rd)
		}
	}
	return out
}

// Encode serializes the batch as JSON.
func Encode(b *Batch) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrCorrupt)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling batch %s: %w", ErrCorrupt, b.RunID, err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode. Unknown fields, type mismatches
// and trailing data are rejected.
func Decode(data []byte) (*Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling batch: %w", ErrCorrupt, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after batch", ErrCorrupt)
	}

	return &b, nil
}
