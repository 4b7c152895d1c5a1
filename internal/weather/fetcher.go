package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neexbeast/weather-etl/internal/location"
)

// hourlyFetcher is the interface satisfied by Client.
type hourlyFetcher interface {
	FetchHourly(ctx context.Context, loc location.Location, date string) (*Hourly, error)
}

// FailurePolicy decides what a failed location does to the run.
type FailurePolicy int

const (
	// AbortRun fails the whole run on the first location error.
	AbortRun FailurePolicy = iota
	// SkipLocation drops the failed location and keeps the rest.
	SkipLocation
)

// ParseFailurePolicy maps "abort" / "skip" to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return AbortRun, nil
	case "skip":
		return SkipLocation, nil
	default:
		return AbortRun, fmt.Errorf("unknown failure policy %q", s)
	}
}

func (p FailurePolicy) String() string {
	if p == SkipLocation {
		return "skip"
	}
	return "abort"
}

// ErrNoLocations is returned when there is nothing to fetch, or when every
// location was skipped.
var ErrNoLocations = errors.New("no locations fetched")

const defaultConcurrency = 4

// Fetcher turns per-location API responses into request and reading records.
type Fetcher struct {
	client      hourlyFetcher
	policy      FailurePolicy
	concurrency int
	hoistStamp  bool
	now         func() time.Time
	log         *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPolicy sets the failure policy.
func WithPolicy(p FailurePolicy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithConcurrency caps the number of in-flight API calls.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithClock overrides the wall clock used to stamp request records.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithRunTimestamp stamps every request record of a run with one instant
// taken before the first call, instead of sampling per location.
func WithRunTimestamp(enabled bool) Option {
	return func(f *Fetcher) { f.hoistStamp = enabled }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// NewFetcher constructs a Fetcher around an hourly client.
func NewFetcher(client hourlyFetcher, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      client,
		policy:      AbortRun,
		concurrency: defaultConcurrency,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type outcome struct {
	request  RequestRecord
	readings []ReadingRecord
	err      error
}

// Fetch queries every location for targetDate in parallel and returns the
// records in location order. It waits for all locations before returning.
func (f *Fetcher) Fetch(ctx context.Context, locs []location.Location, targetDate string) (*Result, error) {
	if len(locs) == 0 {
		return nil, ErrNoLocations
	}

	outcomes := make([]outcome, len(locs))
	runStamp := f.now().UTC()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, loc := range locs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error("location fetch panicked", "city", loc.Name, "recover", r)
					err = f.settle(&outcomes[i], &FetchError{City: loc.Name, Err: fmt.Errorf("panic: %v", r)})
				}
			}()

			req, readings, fetchErr := f.fetchOne(gCtx, loc, targetDate, runStamp)
			if fetchErr != nil {
				return f.settle(&outcomes[i], &FetchError{City: loc.Name, Err: fetchErr})
			}

			outcomes[i] = outcome{request: req, readings: readings}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch phase for %s: %w", targetDate, err)
	}
	// A timed-out run fails even when SkipLocation swallowed the errors.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch phase for %s: %w: %w", targetDate, ErrTransport, err)
	}

	res := &Result{}
	for i, o := range outcomes {
		if o.err != nil {
			res.Skipped = append(res.Skipped, locs[i].Name)
			continue
		}
		res.Requests = append(res.Requests, o.request)
		res.Readings = append(res.Readings, o.readings...)
	}

	if len(res.Requests) == 0 {
		return nil, fmt.Errorf("fetch phase for %s: %w: all %d locations failed", targetDate, ErrNoLocations, len(locs))
	}

	return res, nil
}

// settle applies the failure policy to a location error. Under SkipLocation
// the error is recorded on the outcome and swallowed.
func (f *Fetcher) settle(o *outcome, fe *FetchError) error {
	if f.policy == SkipLocation {
		f.log.Warn("skipping location", "city", fe.City, "bad_response", IsShapeError(fe.Err), "err", fe.Err)
		o.err = fe
		return nil
	}
	return fe
}

func (f *Fetcher) fetchOne(ctx context.Context, loc location.Location, date string, runStamp time.Time) (RequestRecord, []ReadingRecord, error) {
	hourly, err := f.client.FetchHourly(ctx, loc, date)
	if err != nil {
		return RequestRecord{}, nil, err
	}

	stamp := runStamp
	if !f.hoistStamp {
		stamp = f.now().UTC()
	}

	req := RequestRecord{
		Timestamp: stamp,
		City:      loc.Name,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	}

	readings := make([]ReadingRecord, hourly.Len())
	for i := range hourly.Time {
		readings[i] = ReadingRecord{
			Hour:          hourly.Time[i],
			Temperature:   hourly.Temperature[i],
			WindSpeed:     hourly.WindSpeed[i],
			Precipitation: hourly.Precipitation[i],
			City:          loc.Name,
		}
	}

	return req, readings, nil
}

// YesterdayOf returns the calendar date one day before now in tz.
func YesterdayOf(now time.Time, tz *time.Location) string {
	if tz == nil {
		tz = time.UTC
	}
	return now.In(tz).AddDate(0, 0, -1).Format(DateLayout)
}
