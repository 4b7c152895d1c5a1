package storage_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---- fake database with transactional semantics ----

type requestRow struct {
	ID        int64
	Timestamp time.Time
	City      string
	Latitude  float64
	Longitude float64
}

type readingRow struct {
	RequestID     int64
	Hour          time.Time
	Temperature   float64
	WindSpeed     float64
	Precipitation float64
}

// fakeDB keeps committed rows and hands out fakeTx values that stage rows
// until Commit. failOn lets a test inject an error into the n-th operation of
// a kind ("request", "reading", "migration", "lock").
type fakeDB struct {
	nextID     int64
	requests   []requestRow
	readings   []readingRow
	migrations []string

	beginErr  error
	commitErr error
	failOn    func(op string, n int) error

	begins    int
	rollbacks int
	commits   int
	locks     int
}

func (d *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	d.begins++
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return &fakeTx{db: d}, nil
}

func (d *fakeDB) fail(op string, n int) error {
	if d.failOn == nil {
		return nil
	}
	return d.failOn(op, n)
}

type fakeTx struct {
	db         *fakeDB
	requests   []requestRow
	readings   []readingRow
	migrations []string
	ops        map[string]int
	done       bool
}

func (t *fakeTx) next(op string) int {
	if t.ops == nil {
		t.ops = map[string]int{}
	}
	t.ops[op]++
	return t.ops[op]
}

func (t *fakeTx) QueryRow(ctx context.Context, _ string, args ...any) pgx.Row {
	if err := ctx.Err(); err != nil {
		return &fakeRow{scanFn: func(...any) error { return err }}
	}
	if err := t.db.fail("request", t.next("request")); err != nil {
		return &fakeRow{scanFn: func(...any) error { return err }}
	}

	t.db.nextID++
	id := t.db.nextID
	t.requests = append(t.requests, requestRow{
		ID:        id,
		Timestamp: args[0].(time.Time),
		City:      args[1].(string),
		Latitude:  args[2].(float64),
		Longitude: args[3].(float64),
	})

	return &fakeRow{scanFn: func(dest ...any) error {
		*dest[0].(*int64) = id
		return nil
	}}
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}

	if strings.Contains(sql, "pg_advisory_xact_lock") {
		if err := t.db.fail("lock", t.next("lock")); err != nil {
			return pgconn.CommandTag{}, err
		}
		t.db.locks++
		return pgconn.NewCommandTag("SELECT 1"), nil
	}

	if len(args) == 0 {
		if err := t.db.fail("migration", t.next("migration")); err != nil {
			return pgconn.CommandTag{}, err
		}
		t.migrations = append(t.migrations, sql)
		return pgconn.CommandTag{}, nil
	}

	if err := t.db.fail("reading", t.next("reading")); err != nil {
		return pgconn.CommandTag{}, err
	}

	id := args[0].(int64)
	if !t.hasRequest(id) {
		return pgconn.CommandTag{}, fmt.Errorf("foreign key violation: request_id %d", id)
	}

	t.readings = append(t.readings, readingRow{
		RequestID:     id,
		Hour:          args[1].(time.Time),
		Temperature:   args[2].(float64),
		WindSpeed:     args[3].(float64),
		Precipitation: args[4].(float64),
	})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) hasRequest(id int64) bool {
	for _, r := range t.db.requests {
		if r.ID == id {
			return true
		}
	}
	for _, r := range t.requests {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (t *fakeTx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	t.db.commits++
	t.db.requests = append(t.db.requests, t.requests...)
	t.db.readings = append(t.db.readings, t.readings...)
	t.db.migrations = append(t.db.migrations, t.migrations...)
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.rollbacks++
	return nil
}

// pgx.Tx has many more methods; stub them all out.
func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return nil, errors.New("nested tx") }
func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

// ---- mock Querier ----

type mockQuerier struct {
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (m *mockQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFn(ctx, sql, args...)
}
func (m *mockQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFn(ctx, sql, args...)
}

// ---- mock pgx.Row ----

type fakeRow struct {
	scanFn func(dest ...any) error
}

func (f *fakeRow) Scan(dest ...any) error { return f.scanFn(dest...) }

// ---- mock pgx.Rows ----

type fakeRows struct {
	rows    [][]any
	idx     int
	rowErr  error
	scanErr error
}

func (f *fakeRows) Next() bool                                   { f.idx++; return f.idx <= len(f.rows) }
func (f *fakeRows) Err() error                                   { return f.rowErr }
func (f *fakeRows) Close()                                       {}
func (f *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (f *fakeRows) RawValues() [][]byte                          { return nil }
func (f *fakeRows) Conn() *pgx.Conn                              { return nil }

func (f *fakeRows) Scan(dest ...any) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	row := f.rows[f.idx-1]
	for i, d := range dest {
		if i >= len(row) {
			break
		}
		switch v := d.(type) {
		case *int64:
			*v = row[i].(int64)
		case *float64:
			*v = row[i].(float64)
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}
