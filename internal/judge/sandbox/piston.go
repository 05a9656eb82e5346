package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codecompete/internal/judge/model"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPistonCompileTimeout = 10 * time.Second
	// defaultPistonRequestSlack covers transport on top of the run and compile limits.
	defaultPistonRequestSlack = 15 * time.Second
	maxPistonErrorBody = 4 << 10
)

// PistonRuntime maps a language onto a Piston runtime.
type PistonRuntime struct {
	Language string `yaml:"language"`
	Version  string `yaml:"version"`
	FileName string `yaml:"fileName"`
}

// PistonConfig configures a Piston-compatible execution API client.
type PistonConfig struct {
	BaseURL        string
	Runtimes       map[model.Language]PistonRuntime
	CompileTimeout time.Duration
	// MaxConcurrent caps in-flight requests from this process; 0 means unlimited.
	MaxConcurrent int
	// RequestSlack is added to the run and compile limits to bound one HTTP call.
	// A call still unanswered after that is reported as a timeout.
	RequestSlack time.Duration
	HTTPClient   *http.Client
}

// DefaultPistonRuntimes returns runtimes for every supported language.
func DefaultPistonRuntimes() map[model.Language]PistonRuntime {
	return map[model.Language]PistonRuntime{
		model.LanguageJavaScript: {Language: "javascript", Version: "*", FileName: "index.js"},
		model.LanguagePython:     {Language: "python", Version: "*", FileName: "main.py"},
		model.LanguageJava:       {Language: "java", Version: "*", FileName: "Main.java"},
		model.LanguageCPP:        {Language: "c++", Version: "*", FileName: "main.cpp"},
		model.LanguageGolang:     {Language: "go", Version: "*", FileName: "main.go"},
	}
}

type pistonFile struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language       string       `json:"language"`
	Version        string       `json:"version"`
	Files          []pistonFile `json:"files"`
	Stdin          string       `json:"stdin"`
	RunTimeout     int64        `json:"run_timeout"`
	CompileTimeout int64        `json:"compile_timeout"`
	RunMemoryLimit int64        `json:"run_memory_limit"`
}

type pistonStage struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Code     *int    `json:"code"`
	Signal   *string `json:"signal"`
	Status   *string `json:"status"`
	Message  *string `json:"message"`
	CPUTime  int64   `json:"cpu_time"`
	WallTime int64   `json:"wall_time"`
	Memory   int64   `json:"memory"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile"`
	Message  string       `json:"message"`
}

// PistonExecutor runs code through a Piston /api/v2/execute endpoint.
type PistonExecutor struct {
	endpoint       string
	runtimes       map[model.Language]PistonRuntime
	compileTimeout time.Duration
	requestSlack   time.Duration
	client         *http.Client
	slots          *slotLimiter
}

// NewPistonExecutor creates an executor.
func NewPistonExecutor(cfg PistonConfig) (*PistonExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("piston base url is required")
	}
	runtimes := cfg.Runtimes
	if len(runtimes) == 0 {
		runtimes = DefaultPistonRuntimes()
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = defaultPistonCompileTimeout
	}
	if cfg.RequestSlack <= 0 {
		cfg.RequestSlack = defaultPistonRequestSlack
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &PistonExecutor{
		endpoint:       strings.TrimRight(cfg.BaseURL, "/") + "/api/v2/execute",
		runtimes:       runtimes,
		compileTimeout: cfg.CompileTimeout,
		requestSlack:   cfg.RequestSlack,
		client:         client,
		slots:          newSlotLimiter(cfg.MaxConcurrent),
	}, nil
}

// Execute implements Executor.
func (p *PistonExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	runtime, ok := p.runtimes[req.Language]
	if !ok {
		return ExecResult{}, fmt.Errorf("no piston runtime configured for %s", req.Language)
	}
	if req.TimeLimit <= 0 {
		return ExecResult{}, fmt.Errorf("time limit must be positive")
	}

	body, err := json.Marshal(pistonRequest{
		Language:       runtime.Language,
		Version:        runtime.Version,
		Files:          []pistonFile{{Name: runtime.FileName, Content: req.Code}},
		Stdin:          req.Input,
		RunTimeout:     req.TimeLimit.Milliseconds(),
		CompileTimeout: p.compileTimeout.Milliseconds(),
		RunMemoryLimit: req.MemoryLimitMB * 1024 * 1024,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("encode piston request failed: %w", err)
	}

	if err := p.slots.acquire(ctx); err != nil {
		return ExecResult{}, err
	}
	defer p.slots.release()

	reqCtx, cancel := context.WithTimeout(ctx, req.TimeLimit+p.compileTimeout+p.requestSlack)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ExecResult{}, fmt.Errorf("build piston request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if runTimedOut(ctx, reqCtx) {
			return p.stuck(ctx, runtime, req), nil
		}
		return ExecResult{}, fmt.Errorf("piston request failed: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxPistonErrorBody))
		return ExecResult{}, fmt.Errorf("piston returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out pistonResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if runTimedOut(ctx, reqCtx) {
			return p.stuck(ctx, runtime, req), nil
		}
		return ExecResult{}, fmt.Errorf("decode piston response failed: %w", err)
	}

	result := classifyPiston(out, req.TimeLimit, elapsed)
	logger.Debug(ctx, "piston execution finished",
		zap.String("runtime", runtime.Language),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int64("runtime_ms", result.RuntimeMs),
		zap.Duration("latency", elapsed),
	)
	return result, nil
}

// runTimedOut reports whether the call's own deadline fired while the caller still waited.
func runTimedOut(ctx, reqCtx context.Context) bool {
	return ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded)
}

// stuck is the result for a run the executor never answered within its budget.
func (p *PistonExecutor) stuck(ctx context.Context, runtime PistonRuntime, req ExecRequest) ExecResult {
	logger.Warn(ctx, "piston execution unanswered, treating as timeout",
		zap.String("runtime", runtime.Language),
		zap.Duration("time_limit", req.TimeLimit),
	)
	return ExecResult{Outcome: OutcomeTimeout, RuntimeMs: req.TimeLimit.Milliseconds()}
}

// classifyPiston turns a Piston response into an ExecResult.
func classifyPiston(out pistonResponse, limit time.Duration, elapsed time.Duration) ExecResult {
	if c := out.Compile; c != nil && stageFailed(*c) {
		return ExecResult{
			Outcome:  OutcomeFault,
			Stdout:   c.Stdout,
			Stderr:   c.Stderr,
			ExitCode: derefInt(c.Code, -1),
			Signal:   derefString(c.Signal),
		}
	}

	run := out.Run
	result := ExecResult{
		Stdout:    run.Stdout,
		Stderr:    run.Stderr,
		ExitCode:  derefInt(run.Code, -1),
		Signal:    derefString(run.Signal),
		RuntimeMs: run.CPUTime,
		MemoryKB:  run.Memory / 1024,
	}
	if result.RuntimeMs <= 0 {
		result.RuntimeMs = run.WallTime
	}
	if result.RuntimeMs <= 0 {
		result.RuntimeMs = elapsed.Milliseconds()
	}

	status := derefString(run.Status)
	limitMs := limit.Milliseconds()
	switch {
	case status == "TO":
		result.Outcome = OutcomeTimeout
	case result.Signal == "SIGKILL" && (run.WallTime >= limitMs || run.CPUTime >= limitMs):
		result.Outcome = OutcomeTimeout
	case result.Signal != "" || status == "SG" || status == "XX" || status == "OL" || status == "EL":
		result.Outcome = OutcomeFault
	case run.Code == nil:
		result.Outcome = OutcomeFault
	default:
		result.Outcome = OutcomeOK
	}
	return result
}

func stageFailed(s pistonStage) bool {
	if s.Code != nil && *s.Code != 0 {
		return true
	}
	return s.Signal != nil && *s.Signal != ""
}

func derefInt(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
