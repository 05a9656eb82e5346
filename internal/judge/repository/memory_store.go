package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"codecompete/internal/judge/model"
)

var _ Store = (*MemoryStore)(nil)

type progressKey struct {
	userID, questionID string
}

// MemoryStore is an in-process Store for tests and local runs.
// Transactions are serialized and their writes applied only on commit.
type MemoryStore struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	questions   map[string]*model.Question
	submissions map[string]*model.Submission
	results     map[string][]model.TestResult
	progress    map[progressKey]*model.Progress
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions:   make(map[string]*model.Question),
		submissions: make(map[string]*model.Submission),
		results:     make(map[string][]model.TestResult),
		progress:    make(map[progressKey]*model.Progress),
	}
}

// PutQuestion adds or replaces a question.
func (s *MemoryStore) PutQuestion(q *model.Question) {
	copied := *q
	copied.TestCases = append([]model.TestCase(nil), q.TestCases...)
	s.mu.Lock()
	s.questions[q.ID] = &copied
	s.mu.Unlock()
}

func (s *MemoryStore) CreateSubmission(ctx context.Context, submission *model.Submission) error {
	if submission == nil || submission.ID == "" {
		return errors.New("submission with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.submissions[submission.ID]; exists {
		return errors.New("submission already exists")
	}
	copied := *submission
	s.submissions[submission.ID] = &copied
	return nil
}

func (s *MemoryStore) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *MemoryStore) ListTestResults(ctx context.Context, submissionID string) ([]model.TestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TestResult(nil), s.results[submissionID]...), nil
}

func (s *MemoryStore) FailSubmission(ctx context.Context, submissionID, message string, at time.Time) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return false, ErrSubmissionNotFound
	}
	if sub.Status.IsTerminal() {
		return false, nil
	}
	sub.Status = model.StatusRuntimeError
	sub.ErrorMessage = message
	sub.JudgedAt = &at
	return true, nil
}

func (s *MemoryStore) GetQuestion(ctx context.Context, questionID string) (*model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[questionID]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	copied := *q
	copied.TestCases = append([]model.TestCase(nil), q.TestCases...)
	return &copied, nil
}

func (s *MemoryStore) GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[progressKey{userID, questionID}]
	if !ok {
		return nil, ErrProgressNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	tx := &memoryTx{
		store:       s,
		submissions: make(map[string]*model.Submission),
		progress:    make(map[progressKey]*model.Progress),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memoryTx struct {
	store       *MemoryStore
	submissions map[string]*model.Submission
	results     []model.TestResult
	progress    map[progressKey]*model.Progress
}

func (t *memoryTx) CompleteSubmission(ctx context.Context, submissionID string, verdict model.Verdict, at time.Time) (bool, error) {
	sub, err := t.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return false, err
	}
	if staged, ok := t.submissions[submissionID]; ok {
		sub = staged
	}
	if sub.Status.IsTerminal() {
		return false, nil
	}
	sub.Status = verdict.Status
	sub.RuntimeMs = verdict.RuntimeMs
	sub.MemoryKB = verdict.MemoryKB
	sub.ErrorMessage = verdict.ErrorMessage
	sub.JudgedAt = &at
	t.submissions[submissionID] = sub
	return true, nil
}

func (t *memoryTx) InsertTestResults(ctx context.Context, results []model.TestResult) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, r := range results {
		for _, existing := range t.store.results[r.SubmissionID] {
			if existing.CaseNumber == r.CaseNumber {
				return errors.New("duplicate test result")
			}
		}
	}
	t.results = append(t.results, results...)
	return nil
}

func (t *memoryTx) GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error) {
	key := progressKey{userID, questionID}
	if staged, ok := t.progress[key]; ok {
		copied := *staged
		return &copied, nil
	}
	p, err := t.store.GetProgress(ctx, userID, questionID)
	if errors.Is(err, ErrProgressNotFound) {
		return nil, nil
	}
	return p, err
}

func (t *memoryTx) InsertProgress(ctx context.Context, p *model.Progress) error {
	current, err := t.GetProgress(ctx, p.UserID, p.QuestionID)
	if err != nil {
		return err
	}
	if current != nil {
		return ErrVersionConflict
	}
	p.Version = 1
	copied := *p
	t.progress[progressKey{p.UserID, p.QuestionID}] = &copied
	return nil
}

func (t *memoryTx) UpdateProgress(ctx context.Context, p *model.Progress, expectedVersion int64) error {
	current, err := t.GetProgress(ctx, p.UserID, p.QuestionID)
	if err != nil {
		return err
	}
	if current == nil || current.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	copied := *p
	t.progress[progressKey{p.UserID, p.QuestionID}] = &copied
	return nil
}

func (t *memoryTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range t.submissions {
		s.submissions[id] = sub
	}
	touched := make(map[string]struct{})
	for _, r := range t.results {
		s.results[r.SubmissionID] = append(s.results[r.SubmissionID], r)
		touched[r.SubmissionID] = struct{}{}
	}
	for id := range touched {
		rows := s.results[id]
		sort.Slice(rows, func(i, j int) bool { return rows[i].CaseNumber < rows[j].CaseNumber })
	}
	for key, p := range t.progress {
		s.progress[key] = p
	}
}
