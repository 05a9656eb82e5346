package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"codecompete/internal/common/cache"
	"codecompete/internal/common/db"
	"codecompete/internal/judge/model"
)

const (
	defaultQuestionCacheTTL      = 30 * time.Minute
	defaultQuestionCacheEmptyTTL = 1 * time.Minute
	questionCacheKeyPrefix       = "question:"
)

var _ Store = (*MySQLStore)(nil)

// MySQLStoreOptions configures a MySQLStore.
type MySQLStoreOptions struct {
	// Cache enables cache-aside reads of questions. Optional.
	Cache            cache.Cache
	QuestionTTL      time.Duration
	QuestionEmptyTTL time.Duration
	// CompressThreshold is the output size from which test output is stored zstd-compressed.
	CompressThreshold int
}

// MySQLStore implements Store on MySQL.
type MySQLStore struct {
	db                db.Database
	cache             cache.Cache
	questionTTL       time.Duration
	questionEmptyTTL  time.Duration
	compressThreshold int
}

// NewMySQLStore creates a store over database.
func NewMySQLStore(database db.Database, opts MySQLStoreOptions) (*MySQLStore, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	if opts.QuestionTTL <= 0 {
		opts.QuestionTTL = defaultQuestionCacheTTL
	}
	if opts.QuestionEmptyTTL <= 0 {
		opts.QuestionEmptyTTL = defaultQuestionCacheEmptyTTL
	}
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = defaultCompressThreshold
	}
	return &MySQLStore{
		db:                database,
		cache:             opts.Cache,
		questionTTL:       opts.QuestionTTL,
		questionEmptyTTL:  opts.QuestionEmptyTTL,
		compressThreshold: opts.CompressThreshold,
	}, nil
}

const submissionColumns = "submission_id, user_id, question_id, language, source_key, source_hash, status, runtime_ms, memory_kb, error_message, created_at, judged_at"

// CreateSubmission inserts a PENDING submission.
func (s *MySQLStore) CreateSubmission(ctx context.Context, submission *model.Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.ID == "" {
		return errors.New("submissionID is required")
	}
	query := `
		INSERT INTO submissions
		(submission_id, user_id, question_id, language, source_key, source_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(ctx, query,
		submission.ID,
		submission.UserID,
		submission.QuestionID,
		string(submission.Language),
		submission.SourceKey,
		submission.SourceHash,
		string(submission.Status),
		submission.CreatedAt,
	)
	return err
}

// GetSubmission reads a submission by id.
func (s *MySQLStore) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	return getSubmission(ctx, s.db, submissionID, false)
}

func getSubmission(ctx context.Context, q db.Querier, submissionID string, forUpdate bool) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		sub      model.Submission
		language string
		status   string
		runtime  sql.NullInt64
		memory   sql.NullInt64
		judgedAt sql.NullTime
	)
	err := q.QueryRow(ctx, query, submissionID).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.QuestionID,
		&language,
		&sub.SourceKey,
		&sub.SourceHash,
		&status,
		&runtime,
		&memory,
		&sub.ErrorMessage,
		&sub.CreatedAt,
		&judgedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	sub.Language = model.Language(language)
	sub.Status = model.SubmissionStatus(status)
	sub.RuntimeMs = nullableInt(runtime)
	sub.MemoryKB = nullableInt(memory)
	if judgedAt.Valid {
		t := judgedAt.Time
		sub.JudgedAt = &t
	}
	return &sub, nil
}

// ListTestResults returns stored results ordered by case number.
func (s *MySQLStore) ListTestResults(ctx context.Context, submissionID string) ([]model.TestResult, error) {
	query := `
		SELECT case_number, passed, output, output_encoding, error_message, execution_time_ms, memory_kb, hidden
		FROM test_results WHERE submission_id = ? ORDER BY case_number
	`
	rows, err := s.db.Query(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.TestResult
	for rows.Next() {
		var (
			r        = model.TestResult{SubmissionID: submissionID}
			output   []byte
			encoding int
			errMsg   sql.NullString
		)
		if err := rows.Scan(&r.CaseNumber, &r.Passed, &output, &encoding, &errMsg, &r.ExecutionTimeMs, &r.MemoryKB, &r.Hidden); err != nil {
			return nil, err
		}
		if r.Output, err = decodeOutput(output, encoding); err != nil {
			return nil, fmt.Errorf("case %d: %w", r.CaseNumber, err)
		}
		if errMsg.Valid {
			msg := errMsg.String
			r.ErrorMessage = &msg
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FailSubmission moves a PENDING submission to RUNTIME_ERROR.
func (s *MySQLStore) FailSubmission(ctx context.Context, submissionID, message string, at time.Time) (bool, error) {
	query := `
		UPDATE submissions SET status = ?, error_message = ?, judged_at = ?
		WHERE submission_id = ? AND status = ?
	`
	res, err := s.db.Exec(ctx, query,
		string(model.StatusRuntimeError), message, at, submissionID, string(model.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetSubmission(ctx, submissionID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// GetQuestion reads a question with its test cases, through the cache when configured.
func (s *MySQLStore) GetQuestion(ctx context.Context, questionID string) (*model.Question, error) {
	if questionID == "" {
		return nil, errors.New("questionID is required")
	}
	if s.cache == nil {
		return s.getQuestionFromDB(ctx, questionID)
	}
	question, err := cache.GetWithCached[*model.Question](
		ctx,
		s.cache,
		questionCacheKeyPrefix+questionID,
		cache.JitterTTL(s.questionTTL),
		cache.JitterTTL(s.questionEmptyTTL),
		func(q *model.Question) bool { return q == nil },
		marshalQuestion,
		unmarshalQuestion,
		func(ctx context.Context) (*model.Question, error) {
			q, err := s.getQuestionFromDB(ctx, questionID)
			if errors.Is(err, ErrQuestionNotFound) {
				return nil, nil
			}
			return q, err
		},
	)
	if err != nil {
		return nil, err
	}
	if question == nil {
		return nil, ErrQuestionNotFound
	}
	return question, nil
}

func (s *MySQLStore) getQuestionFromDB(ctx context.Context, questionID string) (*model.Question, error) {
	q := &model.Question{}
	var difficulty string
	err := s.db.QueryRow(ctx,
		"SELECT question_id, title, difficulty, time_limit_ms, memory_limit_mb FROM questions WHERE question_id = ? LIMIT 1",
		questionID,
	).Scan(&q.ID, &q.Title, &difficulty, &q.TimeLimitMs, &q.MemoryLimitMB)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrQuestionNotFound
		}
		return nil, err
	}
	q.Difficulty = model.Difficulty(difficulty)

	rows, err := s.db.Query(ctx,
		"SELECT case_number, input, expected_output, hidden FROM test_cases WHERE question_id = ? ORDER BY case_number",
		questionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.Number, &tc.Input, &tc.ExpectedOutput, &tc.Hidden); err != nil {
			return nil, err
		}
		q.TestCases = append(q.TestCases, tc)
	}
	return q, rows.Err()
}

// GetProgress reads a progress row.
func (s *MySQLStore) GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error) {
	p, err := getProgress(ctx, s.db, userID, questionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProgressNotFound
	}
	return p, nil
}

// Transact runs fn in a READ COMMITTED transaction so a retry after a conflict reads fresh rows.
func (s *MySQLStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	opts := &db.TxOptions{Isolation: sql.LevelReadCommitted}
	return s.db.Transaction(ctx, opts, func(tx db.Transaction) error {
		return fn(ctx, &mysqlTx{tx: tx, compressThreshold: s.compressThreshold})
	})
}

type mysqlTx struct {
	tx                db.Transaction
	compressThreshold int
}

func (t *mysqlTx) CompleteSubmission(ctx context.Context, submissionID string, verdict model.Verdict, at time.Time) (bool, error) {
	sub, err := getSubmission(ctx, t.tx, submissionID, true)
	if err != nil {
		return false, err
	}
	if sub.Status.IsTerminal() {
		return false, nil
	}
	query := `
		UPDATE submissions SET status = ?, runtime_ms = ?, memory_kb = ?, error_message = ?, judged_at = ?
		WHERE submission_id = ?
	`
	_, err = t.tx.Exec(ctx, query,
		string(verdict.Status),
		nullInt(verdict.RuntimeMs),
		nullInt(verdict.MemoryKB),
		verdict.ErrorMessage,
		at,
		submissionID,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *mysqlTx) InsertTestResults(ctx context.Context, results []model.TestResult) error {
	if len(results) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, len(results)*9)
	)
	sb.WriteString(`INSERT INTO test_results
		(submission_id, case_number, passed, output, output_encoding, error_message, execution_time_ms, memory_kb, hidden)
		VALUES `)
	for i, r := range results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		output, encoding, err := encodeOutput(r.Output, t.compressThreshold)
		if err != nil {
			return err
		}
		var errMsg interface{}
		if r.ErrorMessage != nil {
			errMsg = *r.ErrorMessage
		}
		args = append(args, r.SubmissionID, r.CaseNumber, r.Passed, output, encoding, errMsg, r.ExecutionTimeMs, r.MemoryKB, r.Hidden)
	}
	_, err := t.tx.Exec(ctx, sb.String(), args...)
	return err
}

func (t *mysqlTx) GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error) {
	return getProgress(ctx, t.tx, userID, questionID)
}

func (t *mysqlTx) InsertProgress(ctx context.Context, p *model.Progress) error {
	query := `
		INSERT INTO user_question_progress
		(user_id, question_id, status, attempt_count, best_runtime_ms, best_memory_kb, last_attempt_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	`
	_, err := t.tx.Exec(ctx, query,
		p.UserID,
		p.QuestionID,
		string(p.Status),
		p.AttemptCount,
		nullInt(p.BestRuntimeMs),
		nullInt(p.BestMemoryKB),
		p.LastAttemptAt,
	)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return ErrVersionConflict
		}
		return err
	}
	p.Version = 1
	return nil
}

func (t *mysqlTx) UpdateProgress(ctx context.Context, p *model.Progress, expectedVersion int64) error {
	query := `
		UPDATE user_question_progress
		SET status = ?, attempt_count = ?, best_runtime_ms = ?, best_memory_kb = ?, last_attempt_at = ?, version = version + 1
		WHERE user_id = ? AND question_id = ? AND version = ?
	`
	res, err := t.tx.Exec(ctx, query,
		string(p.Status),
		p.AttemptCount,
		nullInt(p.BestRuntimeMs),
		nullInt(p.BestMemoryKB),
		p.LastAttemptAt,
		p.UserID,
		p.QuestionID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	return nil
}

func getProgress(ctx context.Context, q db.Querier, userID, questionID string) (*model.Progress, error) {
	query := `
		SELECT status, attempt_count, best_runtime_ms, best_memory_kb, last_attempt_at, version
		FROM user_question_progress WHERE user_id = ? AND question_id = ? LIMIT 1
	`
	p := &model.Progress{UserID: userID, QuestionID: questionID}
	var (
		status  string
		runtime sql.NullInt64
		memory  sql.NullInt64
	)
	err := q.QueryRow(ctx, query, userID, questionID).Scan(
		&status, &p.AttemptCount, &runtime, &memory, &p.LastAttemptAt, &p.Version)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	p.Status = model.ProgressStatus(status)
	p.BestRuntimeMs = nullableInt(runtime)
	p.BestMemoryKB = nullableInt(memory)
	return p, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func marshalQuestion(q *model.Question) string {
	if q == nil {
		return ""
	}
	data, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalQuestion(data string) (*model.Question, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var q model.Question
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		return nil, err
	}
	return &q, nil
}
