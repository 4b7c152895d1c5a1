package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/neexbeast/weather-etl/internal/handoff"
	"github.com/neexbeast/weather-etl/internal/location"
	"github.com/neexbeast/weather-etl/internal/storage"
	"github.com/neexbeast/weather-etl/internal/weather"
)

// Fetcher produces the records for one run. *weather.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, locs []location.Location, targetDate string) (*weather.Result, error)
}

// HandoffStore carries a batch from the fetch phase to the load phase and
// mirrors run state. *handoff.Store satisfies it.
type HandoffStore interface {
	Put(ctx context.Context, b *handoff.Batch) error
	Get(ctx context.Context, runID string) (*handoff.Batch, error)
	SetState(ctx context.Context, runID, state string) error
	State(ctx context.Context, runID string) (string, error)
	ClaimLoad(ctx context.Context, runID string) (bool, error)
	ReleaseLoad(ctx context.Context, runID string) error
}

// Loader persists a batch. *storage.Loader satisfies it.
type Loader interface {
	Load(ctx context.Context, b *handoff.Batch) (int, error)
}

var (
	// ErrAlreadyCommitted is returned when a load is requested for a run whose
	// rows are already in the database. The tables are append-only, so a second
	// load would duplicate them.
	ErrAlreadyCommitted = errors.New("run already committed")
	// ErrLoadInProgress is returned when another loader holds the run.
	ErrLoadInProgress = errors.New("load already in progress")
	// ErrNotLoadable is returned for runs that failed or were never staged.
	ErrNotLoadable = errors.New("run not loadable")
	// ErrStateNotRecorded means the rows were committed but the COMMITTED
	// state could not be written. The load claim still blocks a reload.
	ErrStateNotRecorded = errors.New("committed state not recorded")
	ErrInvalidDate      = errors.New("invalid target date")
)

const defaultPhaseTimeout = 30 * time.Second

// Report summarises a run for logs, the CLI and the API.
type Report struct {
	RunID      string   `json:"run_id"`
	TargetDate string   `json:"target_date,omitempty"`
	State      State    `json:"state"`
	Requests   int      `json:"requests"`
	Readings   int      `json:"readings"`
	Committed  int      `json:"committed"`
	Skipped    []string `json:"skipped,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Pipeline runs the fetch phase and the load phase of a run.
type Pipeline struct {
	locations    *location.Registry
	fetcher      Fetcher
	store        HandoffStore
	loader       Loader
	fetchTimeout time.Duration
	loadTimeout  time.Duration
	tz           *time.Location
	now          func() time.Time
	newID        func() string
	log          *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeouts bounds the fetch and load phases. Zero keeps the default.
func WithTimeouts(fetch, load time.Duration) Option {
	return func(p *Pipeline) {
		if fetch > 0 {
			p.fetchTimeout = fetch
		}
		if load > 0 {
			p.loadTimeout = load
		}
	}
}

// WithTimezone sets the zone in which "yesterday" is computed.
func WithTimezone(tz *time.Location) Option {
	return func(p *Pipeline) { p.tz = tz }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New constructs a Pipeline.
func New(locs *location.Registry, f Fetcher, store HandoffStore, l Loader, opts ...Option) *Pipeline {
	p := &Pipeline{
		locations:    locs,
		fetcher:      f,
		store:        store,
		loader:       l,
		fetchTimeout: defaultPhaseTimeout,
		loadTimeout:  defaultPhaseTimeout,
		tz:           time.UTC,
		now:          time.Now,
		newID:        uuid.NewString,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Yesterday returns the default target date.
func (p *Pipeline) Yesterday() string {
	return weather.YesterdayOf(p.now(), p.tz)
}

// NewRunID returns a fresh run identifier.
func (p *Pipeline) NewRunID() string {
	return p.newID()
}

// Execute runs both phases for targetDate under a new run id. An empty
// targetDate means yesterday. The report is returned even on failure.
func (p *Pipeline) Execute(ctx context.Context, targetDate string) (*Report, error) {
	return p.ExecuteRun(ctx, p.newID(), targetDate)
}

// ExecuteRun is Execute with a caller-chosen run id.
func (p *Pipeline) ExecuteRun(ctx context.Context, runID, targetDate string) (*Report, error) {
	if targetDate == "" {
		targetDate = p.Yesterday()
	}

	rep, err := p.FetchPhase(ctx, runID, targetDate)
	if err != nil {
		return rep, err
	}
	return p.LoadPhase(ctx, runID)
}

// FetchPhase fetches every registered location for targetDate and stages the
// resulting batch in the hand-off store under runID.
func (p *Pipeline) FetchPhase(ctx context.Context, runID, targetDate string) (*Report, error) {
	rep := &Report{RunID: runID, TargetDate: targetDate, State: Pending}
	if _, err := time.Parse(weather.DateLayout, targetDate); err != nil {
		rep.State = Failed
		rep.Error = err.Error()
		return rep, fmt.Errorf("%w %q: %w", ErrInvalidDate, targetDate, err)
	}

	run := NewRun(runID, targetDate)
	p.mirror(ctx, run)
	log := p.log.With("run_id", runID, "target_date", targetDate)
	log.Info("fetch phase started", "locations", p.locations.Len())

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	res, err := p.fetcher.Fetch(fetchCtx, p.locations.List(), targetDate)
	if err != nil {
		return p.fail(ctx, run, rep, Failed, fmt.Errorf("fetch phase: %w", err))
	}
	if err := p.transition(ctx, run, Fetched); err != nil {
		return p.fail(ctx, run, rep, Failed, err)
	}

	b := handoff.NewBatch(runID, targetDate, p.now().UTC(), res)
	rep.Requests = len(b.Requests)
	rep.Readings = len(b.Readings)
	rep.Skipped = b.Skipped

	if err := p.store.Put(fetchCtx, b); err != nil {
		return p.fail(ctx, run, rep, Failed, fmt.Errorf("staging hand-off: %w", err))
	}
	if err := p.transition(ctx, run, Staged); err != nil {
		return p.fail(ctx, run, rep, Failed, err)
	}

	rep.State = run.State
	log.Info("fetch phase staged", "requests", rep.Requests, "readings", rep.Readings, "skipped", rep.Skipped)
	return rep, nil
}

// LoadPhase reads the batch staged under runID and loads it. The run is
// claimed in the hand-off store first, so at most one loader writes a run's
// rows. It never starts a transaction when the hand-off is absent or
// unreadable, and refuses runs that were already committed or never staged.
func (p *Pipeline) LoadPhase(ctx context.Context, runID string) (*Report, error) {
	rep := &Report{RunID: runID, State: Staged}
	log := p.log.With("run_id", runID)

	claimed, err := p.store.ClaimLoad(ctx, runID)
	if err != nil {
		rep.Error = err.Error()
		return rep, fmt.Errorf("loading run %s: %w", runID, err)
	}

	prev, err := p.storedState(ctx, runID)
	if err != nil {
		log.Warn("reading run state failed", "err", err)
	}

	if !claimed {
		// The holder keeps the claim after a commit.
		if prev == Committed {
			rep.State = Committed
			return rep, fmt.Errorf("loading run %s: %w", runID, ErrAlreadyCommitted)
		}
		if prev != "" {
			rep.State = prev
		}
		return rep, fmt.Errorf("loading run %s: %w", runID, ErrLoadInProgress)
	}

	switch {
	case prev == Committed:
		rep.State = Committed
		return rep, fmt.Errorf("loading run %s: %w", runID, ErrAlreadyCommitted)
	case prev.Terminal(), prev == Pending, prev == Fetched:
		p.release(ctx, runID)
		rep.State = prev
		return rep, fmt.Errorf("loading run %s in state %s: %w", runID, prev, ErrNotLoadable)
	}

	run := &Run{ID: runID, State: Staged}
	if prev == RolledBack {
		run.State = RolledBack
		if err := p.transition(ctx, run, Staged); err != nil {
			return p.abandon(ctx, run, rep, Failed, err)
		}
		log.Info("reloading rolled back run")
	}

	loadCtx, cancel := context.WithTimeout(ctx, p.loadTimeout)
	defer cancel()

	b, err := p.store.Get(loadCtx, runID)
	if err != nil {
		return p.abandon(ctx, run, rep, Failed, fmt.Errorf("reading hand-off: %w", err))
	}
	run.TargetDate = b.TargetDate
	rep.TargetDate = b.TargetDate
	rep.Requests = len(b.Requests)
	rep.Readings = len(b.Readings)
	rep.Skipped = b.Skipped

	n, err := p.loader.Load(loadCtx, b)
	if err != nil {
		// Only a failure inside the transaction may be retried; a batch that
		// does not validate will never load.
		next := Failed
		if errors.Is(err, storage.ErrPersistence) {
			next = RolledBack
		}
		return p.abandon(ctx, run, rep, next, fmt.Errorf("load phase: %w", err))
	}
	if err := run.Transition(Committed); err != nil {
		return p.fail(ctx, run, rep, Failed, err)
	}

	rep.State = run.State
	rep.Committed = n
	if err := p.store.SetState(context.WithoutCancel(ctx), runID, string(Committed)); err != nil {
		rep.Error = err.Error()
		log.Error("recording committed state failed", "rows", n, "err", err)
		return rep, fmt.Errorf("%w: run %s: %w", ErrStateNotRecorded, runID, err)
	}

	log.Info("load phase committed", "target_date", b.TargetDate, "rows", n)
	return rep, nil
}

// Status reports the recorded state of a run plus a summary of its hand-off
// batch while the batch is still retained. Unknown runs return
// handoff.ErrNotFound.
func (p *Pipeline) Status(ctx context.Context, runID string) (*Report, error) {
	raw, err := p.store.State(ctx, runID)
	if err != nil {
		return nil, err
	}
	st, err := ParseState(raw)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	rep := &Report{RunID: runID, State: st}
	b, err := p.store.Get(ctx, runID)
	switch {
	case err == nil:
		rep.TargetDate = b.TargetDate
		rep.Requests = len(b.Requests)
		rep.Readings = len(b.Readings)
		rep.Skipped = b.Skipped
	case errors.Is(err, handoff.ErrNotFound):
	default:
		return nil, err
	}
	return rep, nil
}

func (p *Pipeline) storedState(ctx context.Context, runID string) (State, error) {
	raw, err := p.store.State(ctx, runID)
	if err != nil {
		if errors.Is(err, handoff.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return ParseState(raw)
}

func (p *Pipeline) transition(ctx context.Context, run *Run, next State) error {
	if err := run.Transition(next); err != nil {
		return err
	}
	p.mirror(ctx, run)
	return nil
}

// mirror records the run state in the hand-off store. It runs even after the
// phase context expired; a failure is logged and does not change the run.
func (p *Pipeline) mirror(ctx context.Context, run *Run) {
	if err := p.store.SetState(context.WithoutCancel(ctx), run.ID, string(run.State)); err != nil {
		p.log.Warn("recording run state failed", "run_id", run.ID, "state", run.State, "err", err)
	}
}

// abandon fails the run and then drops its load claim, so a loader that
// claims next already sees the final state.
func (p *Pipeline) abandon(ctx context.Context, run *Run, rep *Report, next State, cause error) (*Report, error) {
	rep, err := p.fail(ctx, run, rep, next, cause)
	p.release(ctx, run.ID)
	return rep, err
}

func (p *Pipeline) release(ctx context.Context, runID string) {
	if err := p.store.ReleaseLoad(context.WithoutCancel(ctx), runID); err != nil {
		p.log.Warn("releasing load claim failed", "run_id", runID, "err", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, run *Run, rep *Report, next State, cause error) (*Report, error) {
	if err := p.transition(ctx, run, next); err != nil {
		cause = errors.Join(cause, err)
	}
	rep.State = run.State
	rep.Error = cause.Error()
	p.log.Error("run failed", "run_id", run.ID, "state", run.State, "err", cause)
	return rep, cause
}
