// Package sandbox defines the execution capability the evaluator runs test cases through.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"codecompete/internal/judge/model"
)

// Outcome classifies how a single run ended.
type Outcome string

const (
	// OutcomeOK means the program exited by itself; ExitCode may still be non-zero.
	OutcomeOK Outcome = "OK"
	// OutcomeTimeout means the program was stopped for exceeding its time limit.
	OutcomeTimeout Outcome = "TIMEOUT"
	// OutcomeFault means the program could not run to completion: compile failure, crash, signal.
	OutcomeFault Outcome = "FAULT"
)

// ExecRequest is one program run against one input.
type ExecRequest struct {
	Language      model.Language
	Code          string
	Input         string
	TimeLimit     time.Duration
	MemoryLimitMB int64
}

// ExecResult is what the executor observed. Stdout is captured verbatim.
type ExecResult struct {
	Outcome   Outcome
	Stdout    string
	Stderr    string
	ExitCode  int
	Signal    string
	RuntimeMs int64
	MemoryKB  int64
}

// Executor runs untrusted code in isolation.
//
// A returned error means the executor itself failed (unreachable, misconfigured) and
// says nothing about the submitted program. Program behaviour is reported in ExecResult.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}

// Registry dispatches to a per-language executor so each language can use its own fleet.
type Registry struct {
	byLanguage map[model.Language]Executor
	fallback   Executor
}

// NewRegistry creates a registry. fallback may be nil.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{byLanguage: make(map[model.Language]Executor), fallback: fallback}
}

// Register binds an executor to a language.
func (r *Registry) Register(lang model.Language, exec Executor) {
	r.byLanguage[lang] = exec
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	exec, ok := r.byLanguage[req.Language]
	if !ok {
		exec = r.fallback
	}
	if exec == nil {
		return ExecResult{}, fmt.Errorf("no executor registered for %s", req.Language)
	}
	return exec.Execute(ctx, req)
}
