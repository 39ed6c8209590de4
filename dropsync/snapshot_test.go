package dropsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeRows serves raw jsonb values to SnapshotService.fetch
type fakeRows struct {
	values [][]byte
	pos    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return [][]byte{r.values[r.pos-1]} }
func (r *fakeRows) Values() ([]any, error)                       { return []any{r.values[r.pos-1]}, nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*[]byte)) = r.values[r.pos-1]
	return nil
}

type fakeQuerier struct {
	mu       sync.Mutex
	tables   map[string][]string
	failures map[string]int
	queries  []string
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, sql)
	for table, recs := range q.tables {
		if !strings.Contains(sql, "FROM "+table+" t0") {
			continue
		}
		if q.failures[table] > 0 {
			q.failures[table]--
			return nil, &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		}
		rows := &fakeRows{}
		for _, rec := range recs {
			rows.values = append(rows.values, []byte(rec))
		}
		return rows, nil
	}
	return &fakeRows{}, nil
}

func TestSnapshotService_Snapshot(t *testing.T) {
	db := &fakeQuerier{tables: map[string][]string{
		"project": {`{"id":"p1"}`},
		"contact": {`{"id":"c-p1"}`, `{"id":"c-p2"}`},
	}}
	var mu sync.Mutex
	var timings []StageTiming
	svc := NewSnapshotService(db, testResolver(t), &SnapshotConfig{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			mu.Lock()
			timings = append(timings, timing)
			mu.Unlock()
		}),
	}, quietLogger())

	snap, err := svc.Snapshot(context.Background(), u1)
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, rawIDs(t, snap.Records["Project"]))
	require.Equal(t, []string{"c-p1", "c-p2"}, rawIDs(t, snap.Records["Contact"]))
	_, ok := snap.Records["Note"]
	require.False(t, ok)

	for _, sql := range db.queries {
		require.NotContains(t, sql, "FROM note")
	}

	var total bool
	for _, timing := range timings {
		if timing.Stage == MetricsStageTotal {
			total = true
			require.Equal(t, MetricsOpSnapshot, timing.Operation)
			require.Equal(t, 2, timing.Count)
		}
	}
	require.True(t, total)
}

func TestSnapshotService_RetriesSerializationFailures(t *testing.T) {
	db := &fakeQuerier{
		tables:   map[string][]string{"project": {`{"id":"p1"}`}},
		failures: map[string]int{"project": 2},
	}
	svc := NewSnapshotService(db, testResolver(t), nil, quietLogger())

	recs, err := svc.Table(context.Background(), "Project", u1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, db.queries, 3)
}

func TestSnapshotService_GivesUpAfterAttempts(t *testing.T) {
	db := &fakeQuerier{
		tables:   map[string][]string{"project": {`{"id":"p1"}`}},
		failures: map[string]int{"project": 10},
	}
	svc := NewSnapshotService(db, testResolver(t), nil, quietLogger())

	_, err := svc.Table(context.Background(), "Project", u1)
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.Len(t, db.queries, maxTxAttempts)
}

func TestSnapshotService_RequiresUser(t *testing.T) {
	svc := NewSnapshotService(&fakeQuerier{}, testResolver(t), nil, quietLogger())
	_, err := svc.Snapshot(context.Background(), nil)
	require.Equal(t, StatusNotAuthenticated, ErrorStatus(err))
}

func TestWithRetry_StopsOnPlainErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(int) error {
		calls++
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.Equal(t, 1, calls)
}
