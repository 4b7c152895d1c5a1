package weather

import "time"

// RequestRecord is one fetch of one location during one run. It becomes a
// weather_requests row.
type RequestRecord struct {
	Timestamp time.Time `json:"timestamp"`
	City      string    `json:"city"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// ReadingRecord is one hourly observation. City is the join key back to the
// RequestRecord of the same run.
type ReadingRecord struct {
	Hour          string  `json:"hour"`
	Temperature   float64 `json:"temperature"`
	WindSpeed     float64 `json:"wind_speed"`
	Precipitation float64 `json:"precipitation"`
	City          string  `json:"city"`
}

// Hourly is the validated hourly block of an Open-Meteo response.
// All four slices have the same length.
type Hourly struct {
	Time          []string
	Temperature   []float64
	WindSpeed     []float64
	Precipitation []float64
}

// Len returns the number of hours.
func (h *Hourly) Len() int {
	return len(h.Time)
}

// Result is the output of one fetch phase.
type Result struct {
	Requests []RequestRecord
	Readings []ReadingRecord
	// Skipped lists locations dropped under SkipLocation.
	Skipped []string
}
