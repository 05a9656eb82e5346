package controller

import (
	"context"
	"strconv"
	"strings"

	"codecompete/internal/judge/model"
	"codecompete/internal/judge/service"
	"codecompete/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultDeadLetterLimit = 50

// SubmissionService is the ingress and query surface the controller serves.
type SubmissionService interface {
	Submit(ctx context.Context, input service.SubmitInput) (*model.Submission, error)
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)
	GetTestResults(ctx context.Context, submissionID string) ([]model.TestResultView, error)
	GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error)
}

// QueueReader reports queue and pool state.
type QueueReader interface {
	Queues(ctx context.Context) ([]service.QueueStatus, error)
	DeadLetters(ctx context.Context, lang model.Language, limit int) ([]model.JudgeMessage, error)
}

// JudgeController handles submission, progress and queue requests.
type JudgeController struct {
	submissions SubmissionService
	queues      QueueReader
}

// NewJudgeController creates a new controller.
func NewJudgeController(submissions SubmissionService, queues QueueReader) *JudgeController {
	return &JudgeController{submissions: submissions, queues: queues}
}

// Register mounts the judge routes on r.
func (h *JudgeController) Register(r gin.IRouter) {
	r.POST("/submissions", h.Create)
	r.GET("/submissions/:id", h.GetSubmission)
	r.GET("/submissions/:id/results", h.GetResults)
	r.GET("/progress/:userId/:questionId", h.GetProgress)
	r.GET("/queues", h.ListQueues)
	r.GET("/queues/:language/dead-letters", h.ListDeadLetters)
}

// SubmitRequest defines the submission payload. SourceKey refers to code already uploaded.
type SubmitRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	QuestionID string `json:"question_id" binding:"required"`
	Language   string `json:"language" binding:"required"`
	SourceKey  string `json:"source_key" binding:"required"`
	SourceHash string `json:"source_hash"`
}

// SubmitResponse is returned as soon as the submission is queued.
type SubmitResponse struct {
	SubmissionID string                 `json:"submission_id"`
	Status       model.SubmissionStatus `json:"status"`
	CreatedAt    string                 `json:"created_at"`
}

// Create accepts a submission and queues it for judging.
func (h *JudgeController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	sub, err := h.submissions.Submit(c.Request.Context(), service.SubmitInput{
		UserID:     req.UserID,
		QuestionID: req.QuestionID,
		Language:   req.Language,
		SourceKey:  req.SourceKey,
		SourceHash: req.SourceHash,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, SubmitResponse{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		CreatedAt:    sub.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// GetSubmission returns one submission's status and metrics.
func (h *JudgeController) GetSubmission(c *gin.Context) {
	submissionID := strings.TrimSpace(c.Param("id"))
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	sub, err := h.submissions.GetSubmission(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

// GetResults returns the executed test cases with hidden cases redacted.
func (h *JudgeController) GetResults(c *gin.Context) {
	submissionID := strings.TrimSpace(c.Param("id"))
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	results, err := h.submissions.GetTestResults(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, results)
}

// GetProgress returns a user's progress on a question.
func (h *JudgeController) GetProgress(c *gin.Context) {
	p, err := h.submissions.GetProgress(c.Request.Context(), c.Param("userId"), c.Param("questionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, p)
}

// ListQueues returns depth, dead-letter count and worker count per language.
func (h *JudgeController) ListQueues(c *gin.Context) {
	queues, err := h.queues.Queues(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, queues)
}

// ListDeadLetters returns the oldest dead-lettered tasks of one language.
func (h *JudgeController) ListDeadLetters(c *gin.Context) {
	lang, ok := model.ParseLanguage(c.Param("language"))
	if !ok {
		response.BadRequest(c, "Invalid language")
		return
	}
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = n
	}
	tasks, err := h.queues.DeadLetters(c.Request.Context(), lang, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, tasks)
}
