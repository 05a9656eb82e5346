package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"codecompete/internal/common/cache"
	"codecompete/internal/common/db"
	"codecompete/internal/judge/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

// fakeDB answers queries by matching a substring of the SQL text.
type fakeDB struct {
	rows     map[string][][]interface{}
	affected map[string]int64
	execErr  map[string]error
	queries  []string
	execs    []string
}

func (f *fakeDB) match(query string) string {
	for key := range f.rows {
		if strings.Contains(query, key) {
			return key
		}
	}
	return ""
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	f.queries = append(f.queries, query)
	return &fakeRows{data: f.rows[f.match(query)]}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	f.queries = append(f.queries, query)
	data := f.rows[f.match(query)]
	if len(data) == 0 {
		return fakeRow{err: errNoRows}
	}
	return fakeRow{values: data[0]}
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	f.execs = append(f.execs, query)
	for key, err := range f.execErr {
		if strings.Contains(query, key) {
			return nil, err
		}
	}
	for key, n := range f.affected {
		if strings.Contains(query, key) {
			return fakeResult(n), nil
		}
	}
	return fakeResult(1), nil
}

func (f *fakeDB) Transaction(ctx context.Context, opts *db.TxOptions, fn func(tx db.Transaction) error) error {
	return fn(fakeTx{f})
}

func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                   { return nil }

type fakeTx struct{ *fakeDB }

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

var errNoRows = sql.ErrNoRows

func fixedTime() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	data [][]interface{}
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}

func (r *fakeRows) Scan(dest ...interface{}) error { return assign(dest, r.data[r.pos-1]) }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Err() error                     { return nil }

func assign(dest []interface{}, values []interface{}) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		if scanner, ok := dest[i].(interface{ Scan(interface{}) error }); ok {
			if err := scanner.Scan(v); err != nil {
				return err
			}
			continue
		}
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func newCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, mr
}

func TestMySQLStoreQuestionCacheAside(t *testing.T) {
	t.Parallel()
	fake := &fakeDB{rows: map[string][][]interface{}{
		"FROM questions": {{"q1", "Two Sum", "EASY", int64(1000), int64(256)}},
		"FROM test_cases": {
			{1, "1 2", "3", false},
			{2, "5 5", "10", true},
		},
	}}
	c, mr := newCache(t)
	store, err := NewMySQLStore(fake, MySQLStoreOptions{Cache: c})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	q, err := store.GetQuestion(ctx, "q1")
	if err != nil {
		t.Fatalf("get question: %v", err)
	}
	if q.Title != "Two Sum" || len(q.TestCases) != 2 || !q.TestCases[1].Hidden {
		t.Fatalf("unexpected question %+v", q)
	}
	if !mr.Exists("question:q1") {
		t.Fatalf("question was not cached")
	}

	before := len(fake.queries)
	if _, err := store.GetQuestion(ctx, "q1"); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if len(fake.queries) != before {
		t.Fatalf("cached read hit the database")
	}

	delete(fake.rows, "FROM questions")
	if _, err := store.GetQuestion(ctx, "missing"); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if v, _ := mr.Get("question:missing"); v != cache.NullCacheValue {
		t.Fatalf("missing question should be null-cached, got %q", v)
	}
}

func TestMySQLStoreProgressConflicts(t *testing.T) {
	t.Parallel()
	fake := &fakeDB{
		rows:     map[string][][]interface{}{},
		affected: map[string]int64{"UPDATE user_question_progress": 0},
		execErr: map[string]error{
			"INSERT INTO user_question_progress": fmt.Errorf("exec failed: %w", &mysql.MySQLError{
				Number:  1062,
				Message: "Duplicate entry 'u1-q1' for key 'PRIMARY'",
			}),
		},
	}
	store, _ := NewMySQLStore(fake, MySQLStoreOptions{})
	ctx := context.Background()
	p := &model.Progress{UserID: "u1", QuestionID: "q1", Status: model.ProgressSolved, AttemptCount: 1}

	err := store.Transact(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertProgress(ctx, p) })
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate insert must conflict, got %v", err)
	}
	err = store.Transact(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateProgress(ctx, p, 3) })
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("zero-row update must conflict, got %v", err)
	}

	fake.affected["UPDATE user_question_progress"] = 1
	err = store.Transact(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateProgress(ctx, p, 3) })
	if err != nil || p.Version != 4 {
		t.Fatalf("update: %v version %d", err, p.Version)
	}
}

func TestMySQLStoreCompleteSubmissionSkipsTerminal(t *testing.T) {
	t.Parallel()
	fake := &fakeDB{rows: map[string][][]interface{}{
		"FROM submissions": {{
			"s1", "u1", "q1", "java", "src/s1", "", "ACCEPTED",
			int64(5), int64(10), "", fixedTime(), fixedTime(),
		}},
	}}
	store, _ := NewMySQLStore(fake, MySQLStoreOptions{})
	ctx := context.Background()
	err := store.Transact(ctx, func(ctx context.Context, tx Tx) error {
		changed, err := tx.CompleteSubmission(ctx, "s1", model.Verdict{Status: model.StatusWrongAnswer}, fixedTime())
		if err != nil {
			return err
		}
		if changed {
			return errors.New("terminal submission was overwritten")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if !strings.Contains(fake.queries[0], "FOR UPDATE") {
		t.Fatalf("submission row must be locked: %s", fake.queries[0])
	}
	for _, q := range fake.execs {
		if strings.Contains(q, "UPDATE submissions") {
			t.Fatalf("no update expected, got %s", q)
		}
	}
}
