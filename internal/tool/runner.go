package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// DefaultTimeout bounds a single tool invocation unless overridden.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxConcurrent bounds parallel invocations across all sessions.
	DefaultMaxConcurrent = 5

	// maxArgumentsSize caps tool-call argument payloads (10 MiB).
	maxArgumentsSize = 10 << 20
)

// RunnerConfig configures execution bounds.
type RunnerConfig struct {
	// DefaultTimeout applies to tools without an override.
	DefaultTimeout time.Duration

	// MaxConcurrent limits parallel invocations.
	MaxConcurrent int
}

// Execution pairs a normalized result with its wall-clock duration, which
// feeds the tool.result event and the execution metrics.
type Execution struct {
	Result   models.ToolResult
	Duration time.Duration
}

// Runner executes tool calls against a registry. Arguments are validated
// against the tool's schema before invocation; schemas compile once and
// stay cached until the registered schema text changes. Every failure is
// folded into the result, so Run never returns a Go error.
type Runner struct {
	registry *Registry
	timeout  time.Duration
	sem      chan struct{}
	log      *observability.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	overrides map[string]time.Duration
	schemas   map[string]*compiledSchema
}

type compiledSchema struct {
	raw      string
	compiled *jsonschema.Schema
	err      error
}

// NewRunner creates a runner over the given registry. Metrics may be nil.
func NewRunner(registry *Registry, cfg RunnerConfig, log *observability.Logger, metrics *observability.Metrics) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Runner{
		registry:  registry,
		timeout:   cfg.DefaultTimeout,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		log:       log,
		metrics:   metrics,
		overrides: make(map[string]time.Duration),
		schemas:   make(map[string]*compiledSchema),
	}
}

// SetTimeout overrides the invocation timeout for one tool.
func (r *Runner) SetTimeout(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.overrides[name] = d
	} else {
		delete(r.overrides, name)
	}
}

// RunAll executes the calls in parallel under the concurrency bound and
// returns results in input order.
func (r *Runner) RunAll(ctx context.Context, calls []models.ToolCall) []Execution {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Execution, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = r.Run(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Run executes one call. The outcome is always a ToolResult; failures are
// classified as VALIDATION, TIMEOUT, NOT_FOUND, or EXECUTION.
func (r *Runner) Run(ctx context.Context, call models.ToolCall) Execution {
	start := time.Now()
	result := r.run(ctx, call)
	exec := Execution{Result: result, Duration: time.Since(start)}

	status := "ok"
	if !result.OK && result.Error != nil {
		status = strings.ToLower(string(result.Error.Kind))
	}
	if r.metrics != nil {
		r.metrics.RecordToolExecution(call.Name, status, exec.Duration.Seconds())
	}
	if r.log != nil {
		r.log.Debug(ctx, "tool executed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"status", status,
			"duration_ms", exec.Duration.Milliseconds(),
		)
	}
	return exec
}

func (r *Runner) run(ctx context.Context, call models.ToolCall) models.ToolResult {
	if fragment, partial := call.Partial(); partial {
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorValidation,
			fmt.Sprintf("arguments were truncated mid-stream: %q", clip(fragment, 200)))
	}
	if len(call.Arguments) > maxArgumentsSize {
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorValidation,
			fmt.Sprintf("arguments exceed %d bytes", maxArgumentsSize))
	}

	t, ok := r.registry.Get(call.Name)
	if !ok {
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorNotFound,
			fmt.Sprintf("tool %q is not registered", call.Name))
	}

	if result, ok := r.validate(t, call); !ok {
		return result
	}

	// Semaphore for backpressure across sessions.
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorTimeout,
			"cancelled while waiting for an execution slot")
	}

	return r.invoke(ctx, t, call)
}

// validate checks the arguments against the tool's compiled schema. The
// empty schema is permissive.
func (r *Runner) validate(t Tool, call models.ToolCall) (models.ToolResult, bool) {
	raw := t.Schema()
	if len(raw) == 0 {
		return models.ToolResult{}, true
	}

	schema, err := r.compiled(t.Name(), raw)
	if err != nil {
		// A schema that does not compile is a defect in the tool, not in
		// the model's call.
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorExecution,
			fmt.Sprintf("tool schema is invalid: %v", err)), false
	}

	var payload any = map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &payload); err != nil {
			return models.ErrorResult(call.ID, call.Name, models.ToolErrorValidation,
				fmt.Sprintf("arguments are not valid JSON: %v", err)), false
		}
	}
	if err := schema.Validate(payload); err != nil {
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorValidation, err.Error()), false
	}
	return models.ToolResult{}, true
}

func (r *Runner) compiled(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.schemas[name]; ok && c.raw == string(raw) {
		return c.compiled, c.err
	}
	schema, err := jsonschema.CompileString(name+".json", string(raw))
	r.schemas[name] = &compiledSchema{raw: string(raw), compiled: schema, err: err}
	return schema, err
}

func (r *Runner) timeoutFor(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.overrides[name]; ok {
		return d
	}
	return r.timeout
}

// invoke runs the tool body under its deadline. The result channel is
// buffered so a tool finishing after the deadline posts its late result
// without blocking and the result is discarded.
func (r *Runner) invoke(ctx context.Context, t Tool, call models.ToolCall) models.ToolResult {
	timeout := r.timeoutFor(call.Name)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value json.RawMessage
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				if r.log != nil {
					r.log.Warn(execCtx, "tool panicked",
						"tool", call.Name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				}
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		value, err := t.Invoke(execCtx, call.Arguments)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return models.ErrorResult(call.ID, call.Name, models.ToolErrorExecution, out.err.Error())
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			OK:         true,
			Value:      out.value,
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return models.ErrorResult(call.ID, call.Name, models.ToolErrorTimeout, "execution cancelled")
		}
		return models.ErrorResult(call.ID, call.Name, models.ToolErrorTimeout,
			fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
