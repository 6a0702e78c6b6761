// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/pipectl/internal/log"
	"github.com/tombee/pipectl/internal/tracing"
	"github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/httpclient"
	"github.com/tombee/pipectl/pkg/ratelimit"
)

// DefaultStepDelay is the pause between consecutive steps of a run.
const DefaultStepDelay = 500 * time.Millisecond

// ErrRunInProgress is returned when a run is started or reset while another
// run is executing or paused.
var ErrRunInProgress = stderrors.New("pipeline: a run is already in progress")

// Limiter admits or denies a request for (key, class).
type Limiter interface {
	CheckLimit(key string, class ratelimit.Class) ratelimit.Decision
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID string

	// Success is true when every step was attempted and none failed.
	Success bool

	// CompletedSteps is the number of attempted steps (recorded results).
	CompletedSteps int

	TotalSteps int
	Results    []ExecutionResult

	// Cancelled is true when the run stopped at a step boundary because of
	// Cancel or the caller's context.
	Cancelled bool

	// Err is the CancellationError or FatalExecutionError that ended the run.
	// It is nil when all steps were attempted, even if some continued past a failure.
	Err error
}

// Engine runs ordered step lists one step at a time. One run may be active at
// a time; Cancel, Pause and Resume may be called from any goroutine.
type Engine struct {
	executor StepExecutor
	limiter  Limiter
	retry    httpclient.RetryPolicy
	delay    time.Duration
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	run            *Run
	cancelCh       chan struct{}
	cancelled      bool
	pauseRequested bool
	resumeCh       chan struct{}
}

// NewEngine creates an engine that dispatches steps through executor.
func NewEngine(executor StepExecutor) *Engine {
	return &Engine{
		executor: executor,
		limiter:  ratelimit.New(),
		retry:    httpclient.DefaultRetryPolicy(),
		delay:    DefaultStepDelay,
		logger:   slog.Default(),
		tracer:   tracing.Tracer(),
		validate: newValidator(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithLimiter sets the rate limiter consulted before each step.
// A nil limiter disables local rate limiting.
func (e *Engine) WithLimiter(limiter Limiter) *Engine {
	e.limiter = limiter
	return e
}

// WithRetryPolicy sets the retry policy used for each dispatch.
func (e *Engine) WithRetryPolicy(policy httpclient.RetryPolicy) *Engine {
	e.retry = policy
	return e
}

// WithStepDelay sets the pause between steps. Zero disables it.
func (e *Engine) WithStepDelay(d time.Duration) *Engine {
	e.delay = d
	return e
}

// WithRecorder sets the recorder that receives successful step results.
func (e *Engine) WithRecorder(recorder Recorder) *Engine {
	e.recorder = recorder
	return e
}

// WithTracer sets the tracer used for run and step spans.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	if tracer != nil {
		e.tracer = tracer
	}
	return e
}

// WithSleep replaces the function used for the pause between steps. The
// context it receives is cancelled when the run is cancelled.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	if sleep != nil {
		e.sleep = sleep
	}
	return e
}

// WithClock replaces the time source used for timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Run executes req.Steps in order and blocks until the run finishes.
//
// Validation failures and ErrRunInProgress are returned before anything is
// dispatched, with a nil Outcome. Once the run has started the Outcome is
// always non-nil and the returned error equals Outcome.Err.
//
// Cancellation is checked at step boundaries only. A dispatched step runs to
// completion, including its retries, even if ctx is cancelled meanwhile.
func (e *Engine) Run(ctx context.Context, req RunRequest, onProgress ProgressFunc) (*Outcome, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	steps := CloneSteps(req.Steps)
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}
		if steps[i].Name == "" {
			steps[i].Name = steps[i].Type.DisplayName()
		}
	}

	e.mu.Lock()
	if e.run != nil && e.run.Status.IsActive() {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	run := newRun(req.SessionID, len(steps))
	_ = run.transition(StatusExecuting, e.now())
	e.run = run
	e.cancelCh = make(chan struct{})
	e.cancelled = false
	e.pauseRequested = false
	e.resumeCh = nil
	cancelCh := e.cancelCh
	e.mu.Unlock()

	ctx, _ = tracing.EnsureContext(ctx)
	ctx, span := tracing.StartRun(ctx, e.tracer, req.SessionID, len(steps))
	defer span.End()

	logger := log.WithRunContext(e.logger, run.ID, req.SessionID)
	logger.Info("run started", "total_steps", len(steps))

	emit := func(p Progress) {
		if onProgress == nil {
			return
		}
		p.RunID = run.ID
		p.TotalSteps = len(steps)
		p.Timestamp = e.now()
		onProgress(p)
	}
	emit(Progress{Status: ProgressStarted})

	for i := range steps {
		step := steps[i]

		if err := e.checkpoint(ctx, i, &step, cancelCh, emit); err != nil {
			logger.Info("run cancelled", "step_index", i)
			span.AddEvent("cancelled", map[string]any{"step_index": i})
			emit(Progress{StepIndex: i, Step: &step, Status: ProgressCancelled})
			recordRun("cancelled")
			return e.finish(StatusIdle, err)
		}

		e.mu.Lock()
		e.run.CurrentStepIndex = i
		e.mu.Unlock()
		emit(Progress{StepIndex: i, Step: &step, Status: ProgressStepStarted})

		result := e.dispatch(ctx, logger, req.SessionID, req.FileID, i, step)

		e.mu.Lock()
		e.run.Results = append(e.run.Results, result)
		e.mu.Unlock()

		if result.Success && e.recorder != nil {
			e.recorder.RecordStep(context.WithoutCancel(ctx), req.SessionID, result)
		}

		status := ProgressStepCompleted
		if !result.Success {
			status = ProgressStepFailed
		}
		emit(Progress{StepIndex: i, Step: &step, Status: status, Result: &result})

		if !result.Success && !step.ContinueOnError {
			fatal := &errors.FatalExecutionError{
				StepIndex: i,
				StepID:    step.ID,
				StepType:  string(step.Type),
				Cause:     result.Err,
			}
			logger.Error("run aborted", "step_index", i, "error", result.Err)
			span.RecordError(fatal)
			emit(Progress{StepIndex: i, Step: &step, Status: ProgressFailed, Result: &result})
			recordRun("failed")
			return e.finish(StatusError, fatal)
		}

		if i < len(steps)-1 {
			e.waitBetweenSteps(ctx, cancelCh)
		}
	}

	out, err := e.finish(StatusCompleted, nil)
	if out.Success {
		span.SetOK()
	}
	logger.Info("run completed",
		"completed_steps", out.CompletedSteps,
		"success", out.Success,
	)
	emit(Progress{StepIndex: len(steps) - 1, Status: ProgressCompleted})
	recordRun("completed")
	return out, err
}

// checkpoint runs at each step boundary. It parks the run while a pause is
// requested and reports cancellation.
func (e *Engine) checkpoint(ctx context.Context, index int, step *Step, cancelCh <-chan struct{}, emit func(Progress)) error {
	e.mu.Lock()
	resumed := false
	if e.pauseRequested && !e.cancelled && ctx.Err() == nil {
		resume := e.resumeCh
		_ = e.run.transition(StatusPaused, e.now())
		e.mu.Unlock()

		emit(Progress{StepIndex: index, Step: step, Status: ProgressPaused})

		select {
		case <-resume:
		case <-cancelCh:
		case <-ctx.Done():
		}

		e.mu.Lock()
		if !e.cancelled && ctx.Err() == nil {
			_ = e.run.transition(StatusExecuting, e.now())
			resumed = true
		}
	}
	cancelled := e.cancelled || ctx.Err() != nil
	completed := len(e.run.Results)
	e.mu.Unlock()

	if cancelled {
		return &errors.CancellationError{StepIndex: index, Completed: completed}
	}
	if resumed {
		emit(Progress{StepIndex: index, Step: step, Status: ProgressResumed})
	}
	return nil
}

// dispatch sends one step through the rate limiter and retry policy.
// The call runs on a context detached from caller cancellation.
func (e *Engine) dispatch(ctx context.Context, logger *slog.Logger, sessionID, fileID string, index int, step Step) ExecutionResult {
	start := e.now()
	result := ExecutionResult{StepIndex: index, Step: step}
	stepLogger := log.WithStepContext(logger, step.ID, string(step.Type))

	if e.limiter != nil {
		decision := e.limiter.CheckLimit(sessionID, ratelimit.ClassAPI)
		if !decision.Allowed {
			err := &errors.RateLimitExceededError{
				Key:        sessionID,
				Class:      string(ratelimit.ClassAPI),
				RetryAfter: decision.RetryAfter(start),
			}
			stepLogger.Warn("step rate limited", "retry_after", err.RetryAfter)
			recordRateLimited(string(ratelimit.ClassAPI))
			recordStep(step.Type, false, 0)

			result.Err = err
			result.Error = err.Error()
			result.Timestamp = e.now()
			return result
		}
	}

	stepCtx, span := tracing.StartStep(context.WithoutCancel(ctx), e.tracer, index, step.ID, string(step.Type))
	defer span.End()

	policy := e.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		recordRetry(step.Type)
		stepLogger.Warn("retrying step", "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}

	stepLogger.Debug("dispatching step")

	var raw json.RawMessage
	attempts, err := policy.Do(stepCtx, func(ctx context.Context) error {
		out, err := e.executor.ExecuteStep(ctx, sessionID, fileID, step)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})

	end := e.now()
	result.Attempts = attempts
	result.Duration = end.Sub(start)
	result.Timestamp = end
	span.SetAttributes(map[string]any{"attempts": attempts})

	if err != nil {
		result.Err = err
		result.Error = err.Error()
		span.RecordError(err)
		stepLogger.Warn("step failed",
			"attempts", attempts,
			log.DurationKey, result.Duration.Milliseconds(),
			"error", err,
		)
	} else {
		result.Success = true
		result.Result = raw
		span.SetOK()
		stepLogger.Info("step completed",
			"attempts", attempts,
			log.DurationKey, result.Duration.Milliseconds(),
		)
	}

	recordStep(step.Type, result.Success, result.Duration)
	return result
}

// waitBetweenSteps sleeps for the step delay or until the run is cancelled.
func (e *Engine) waitBetweenSteps(ctx context.Context, cancelCh <-chan struct{}) {
	if e.delay <= 0 {
		return
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	_ = e.sleep(waitCtx, e.delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves the run to its final status and builds the outcome.
func (e *Engine) finish(status RunStatus, runErr error) (*Outcome, error) {
	e.mu.Lock()
	_ = e.run.transition(status, e.now())
	e.pauseRequested = false
	snap := e.run.snapshot()
	e.mu.Unlock()

	out := &Outcome{
		RunID:          snap.ID,
		Success:        runErr == nil && snap.failedCount() == 0,
		CompletedSteps: len(snap.Results),
		TotalSteps:     snap.TotalSteps,
		Results:        snap.Results,
		Cancelled:      status == StatusIdle,
		Err:            runErr,
	}
	return out, runErr
}

// Cancel requests that the active run stop at the next step boundary.
// It reports whether there was an active run to cancel.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil || !e.run.Status.IsActive() || e.cancelled {
		return false
	}
	e.cancelled = true
	close(e.cancelCh)
	return true
}

// Pause requests that the active run park at the next step boundary.
// It reports whether the request was accepted.
func (e *Engine) Pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil || e.run.Status != StatusExecuting || e.pauseRequested || e.cancelled {
		return false
	}
	e.pauseRequested = true
	e.resumeCh = make(chan struct{})
	return true
}

// Resume continues a paused run, or withdraws a pause request that has not
// taken effect yet. It reports whether there was anything to resume.
func (e *Engine) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pauseRequested {
		return false
	}
	e.pauseRequested = false
	close(e.resumeCh)
	e.resumeCh = nil
	return true
}

// Status returns the status of the current run, or StatusIdle if none.
func (e *Engine) Status() RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil {
		return StatusIdle
	}
	return e.run.Status
}

// Results returns a copy of the results recorded so far by the current run.
func (e *Engine) Results() []ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil {
		return nil
	}
	return append([]ExecutionResult(nil), e.run.Results...)
}

// Snapshot returns a copy of the current run and whether one exists.
func (e *Engine) Snapshot() (Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil {
		return Run{}, false
	}
	return e.run.snapshot(), true
}

// Reset discards the last run. It fails with ErrRunInProgress while a run is active.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run != nil && e.run.Status.IsActive() {
		return ErrRunInProgress
	}
	e.run = nil
	return nil
}
