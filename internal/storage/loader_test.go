package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neexbeast/weather-etl/internal/handoff"
	"github.com/neexbeast/weather-etl/internal/storage"
	"github.com/neexbeast/weather-etl/internal/weather"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

var stamp = time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)

func batchOf(requests []weather.RequestRecord, readings []weather.ReadingRecord) *handoff.Batch {
	return handoff.NewBatch("run-1", "2024-01-01", stamp, &weather.Result{Requests: requests, Readings: readings})
}

func singleCityBatch() *handoff.Batch {
	return batchOf(
		[]weather.RequestRecord{{Timestamp: stamp, City: "X", Latitude: 0, Longitude: 0}},
		[]weather.ReadingRecord{
			{Hour: "2024-01-01T00:00", Temperature: 1.5, WindSpeed: 10.1, Precipitation: 0, City: "X"},
			{Hour: "2024-01-01T01:00", Temperature: 2.5, WindSpeed: 11.2, Precipitation: 0.3, City: "X"},
		},
	)
}

func twoCityBatch() *handoff.Batch {
	return batchOf(
		[]weather.RequestRecord{
			{Timestamp: stamp, City: "A", Latitude: 1, Longitude: 1},
			{Timestamp: stamp, City: "B", Latitude: 2, Longitude: 2},
		},
		[]weather.ReadingRecord{
			{Hour: "2024-01-01T00:00", Temperature: 1, City: "B"},
			{Hour: "2024-01-01T00:00", Temperature: 10, City: "A"},
			{Hour: "2024-01-01T01:00", Temperature: 2, City: "B"},
			{Hour: "2024-01-01T01:00", Temperature: 20, City: "A"},
			{Hour: "2024-01-01T02:00", Temperature: 3, City: "B"},
		},
	)
}

func TestLoad_SingleCity_TwoReadings(t *testing.T) {
	db := &fakeDB{}
	n, err := storage.NewLoader(db, quietLog).Load(context.Background(), singleCityBatch())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, db.requests, 1)
	assert.Equal(t, "X", db.requests[0].City)
	assert.Equal(t, stamp, db.requests[0].Timestamp)

	require.Len(t, db.readings, 2)
	assert.Equal(t, db.requests[0].ID, db.readings[0].RequestID)
	assert.Equal(t, db.requests[0].ID, db.readings[1].RequestID)
	assert.Equal(t, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), db.readings[1].Hour)
	assert.Equal(t, 0.3, db.readings[1].Precipitation)

	assert.Equal(t, 1, db.begins)
	assert.Equal(t, 1, db.commits)
	assert.Zero(t, db.rollbacks)
}

func TestLoad_JoinByCity(t *testing.T) {
	db := &fakeDB{}
	n, err := storage.NewLoader(db, quietLog).Load(context.Background(), twoCityBatch())
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	ids := map[int64]string{}
	for _, r := range db.requests {
		ids[r.ID] = r.City
	}
	require.Len(t, ids, 2)

	// Temperatures >= 10 were tagged A, the rest B.
	for _, rd := range db.readings {
		want := "B"
		if rd.Temperature >= 10 {
			want = "A"
		}
		assert.Equal(t, want, ids[rd.RequestID], "reading %v attached to wrong request", rd)
	}

	// Readings keep their batch order within a city.
	var aTemps []float64
	for _, rd := range db.readings {
		if ids[rd.RequestID] == "A" {
			aTemps = append(aTemps, rd.Temperature)
		}
	}
	assert.Equal(t, []float64{10, 20}, aTemps)
}

func TestLoad_DistinctCitiesMatch(t *testing.T) {
	db := &fakeDB{}
	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), twoCityBatch())
	require.NoError(t, err)

	requestCities := map[int64]bool{}
	for _, r := range db.requests {
		requestCities[r.ID] = true
	}
	readingParents := map[int64]bool{}
	for _, rd := range db.readings {
		readingParents[rd.RequestID] = true
	}
	assert.Equal(t, requestCities, readingParents)
}

func TestLoad_FailureAfterFirstRequest_RollsBack(t *testing.T) {
	db := &fakeDB{failOn: func(op string, n int) error {
		if op == "request" && n == 2 {
			return errors.New("connection reset")
		}
		return nil
	}}

	n, err := storage.NewLoader(db, quietLog).Load(context.Background(), twoCityBatch())
	require.ErrorIs(t, err, storage.ErrPersistence)
	assert.Zero(t, n)

	assert.Empty(t, db.requests)
	assert.Empty(t, db.readings)
	assert.Equal(t, 1, db.rollbacks)
	assert.Zero(t, db.commits)
}

func TestLoad_ReadingInsertFails_RollsBack(t *testing.T) {
	db := &fakeDB{failOn: func(op string, n int) error {
		if op == "reading" && n == 1 {
			return errors.New("null value in column temperature")
		}
		return nil
	}}

	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), singleCityBatch())
	require.ErrorIs(t, err, storage.ErrPersistence)
	assert.Contains(t, err.Error(), "inserting reading")
	assert.Empty(t, db.requests)
	assert.Empty(t, db.readings)
	assert.Equal(t, 1, db.rollbacks)
}

func TestLoad_CommitFails(t *testing.T) {
	db := &fakeDB{commitErr: errors.New("serialization failure")}

	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), singleCityBatch())
	require.ErrorIs(t, err, storage.ErrPersistence)
	assert.Contains(t, err.Error(), "committing")
	assert.Empty(t, db.requests)
	assert.Empty(t, db.readings)
}

func TestLoad_BeginFails(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("no connection")}

	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), singleCityBatch())
	require.ErrorIs(t, err, storage.ErrPersistence)
	assert.Contains(t, err.Error(), "beginning transaction")
}

func TestLoad_InvalidBatch_NoTransaction(t *testing.T) {
	b := singleCityBatch()
	b.Readings = append(b.Readings, weather.ReadingRecord{Hour: "2024-01-01T00:00", City: "Y"})

	db := &fakeDB{}
	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), b)
	require.ErrorIs(t, err, handoff.ErrOrphanReading)
	assert.Zero(t, db.begins)
}

func TestLoad_DuplicateCity_NoTransaction(t *testing.T) {
	b := singleCityBatch()
	b.Requests = append(b.Requests, b.Requests[0])

	db := &fakeDB{}
	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), b)
	require.ErrorIs(t, err, handoff.ErrDuplicateCity)
	assert.Zero(t, db.begins)
}

func TestLoad_NilBatch(t *testing.T) {
	_, err := storage.NewLoader(&fakeDB{}, quietLog).Load(context.Background(), nil)
	require.ErrorIs(t, err, handoff.ErrCorrupt)
}

func TestLoad_BadHour_RollsBack(t *testing.T) {
	b := singleCityBatch()
	b.Readings[1].Hour = "yesterday noon"

	db := &fakeDB{}
	_, err := storage.NewLoader(db, quietLog).Load(context.Background(), b)
	require.ErrorIs(t, err, storage.ErrPersistence)
	assert.Empty(t, db.requests)
	assert.Equal(t, 1, db.rollbacks)
}

func TestLoad_CancelledContext_RollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := &fakeDB{failOn: func(op string, n int) error {
		if op == "request" && n == 1 {
			cancel()
		}
		return nil
	}}

	_, err := storage.NewLoader(db, quietLog).Load(ctx, twoCityBatch())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, db.requests)
	assert.Equal(t, 1, db.rollbacks)
}

func TestLoad_SecondRunAppends(t *testing.T) {
	db := &fakeDB{}
	l := storage.NewLoader(db, quietLog)

	_, err := l.Load(context.Background(), singleCityBatch())
	require.NoError(t, err)
	_, err = l.Load(context.Background(), singleCityBatch())
	require.NoError(t, err)

	require.Len(t, db.requests, 2)
	assert.NotEqual(t, db.requests[0].ID, db.requests[1].ID)
	require.Len(t, db.readings, 4)
	assert.Equal(t, db.requests[1].ID, db.readings[3].RequestID)
}
