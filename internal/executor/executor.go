// internal/executor/executor.go
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// -- Interfaces for Dependency Inversion --

// StateWriter is the subset of the State Manager the Operator writes through.
type StateWriter interface {
	TransitionTask(ctx context.Context, id string, tr state.TaskTransition) (mission.Event, error)
	RecordRetry(ctx context.Context, id, key string, retryCount int, cause error, wait time.Duration) (mission.Event, error)
}

// Resolver looks up capabilities by tool name.
type Resolver interface {
	Resolve(name string) (tools.Capability, error)
}

// Config controls retries and deadlines.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ToolTimeout    time.Duration
}

// ConfigFrom extracts the Operator settings from the orchestrator section.
func ConfigFrom(c config.OrchestratorConfig) Config {
	return Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		ToolTimeout:    c.ToolTimeout,
	}
}

// Result is the terminal outcome of one Execute call.
type Result struct {
	Key        string
	Status     mission.TaskStatus
	Output     json.RawMessage
	Err        error
	Code       mission.ErrorCode
	RetryCount int
}

// Operator runs a single task to a terminal state: cascading skip, tool
// resolution, invocation under a per-call deadline, and retry with backoff.
type Operator struct {
	state   StateWriter
	tools   Resolver
	cfg     Config
	logger  *zap.Logger
	backoff func() backoff.BackOff
}

// Option configures an Operator.
type Option func(*Operator)

// WithBackOff overrides the retry interval policy.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(o *Operator) { o.backoff = factory }
}

// New creates an Operator.
func New(sw StateWriter, resolver Resolver, cfg Config, logger *zap.Logger, opts ...Option) *Operator {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	o := &Operator{
		state:  sw,
		tools:  resolver,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "operator")),
	}
	o.backoff = o.defaultBackOff
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Operator) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.cfg.InitialBackoff > 0 {
		b.InitialInterval = o.cfg.InitialBackoff
	}
	if o.cfg.MaxBackoff > 0 {
		b.MaxInterval = o.cfg.MaxBackoff
	}
	// Attempts are bounded by MaxRetries, not by elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Execute drives task to a terminal state using snap for dependency status
// and results. ctx is the mission context: its cancellation stops further
// attempts but never aborts an in-flight invocation. The returned error is
// non-nil only when the state could not be written; a task the State Manager
// refuses to start because of cancellation yields CANCELLED with the task left
// PENDING.
func (o *Operator) Execute(ctx context.Context, missionID string, task mission.Task, snap *mission.Snapshot) (Result, error) {
	logger := o.logger.With(
		zap.String("mission_id", missionID),
		zap.String("task_key", task.Key),
		zap.String("tool", task.Tool))

	plan := snap.ActivePlan()
	if plan == nil {
		return Result{}, mission.Errorf(mission.CodeInvalidTransition, "executor.Execute", "mission %s has no active plan", missionID)
	}
	// State writes outlive mission cancellation so failures are always recorded.
	writeCtx := context.WithoutCancel(ctx)

	status := plan.StatusByKey()
	if failed := mission.FailedDependencies(task, status); len(failed) > 0 {
		if _, err := o.state.TransitionTask(writeCtx, missionID, state.TaskTransition{Key: task.Key, To: mission.TaskSkipped}); err != nil {
			return Result{}, err
		}
		logger.Info("Task skipped.", zap.Strings("failed_dependencies", failed))
		return Result{Key: task.Key, Status: mission.TaskSkipped, Code: mission.CodeDependencyFailed}, nil
	}

	if ctx.Err() != nil {
		return Result{Key: task.Key, Status: mission.TaskPending, Code: mission.CodeCancelled, Err: mission.ErrCancelled}, nil
	}
	if _, err := o.state.TransitionTask(writeCtx, missionID, state.TaskTransition{Key: task.Key, To: mission.TaskRunning}); err != nil {
		if errors.Is(err, mission.ErrCancelled) {
			return Result{Key: task.Key, Status: mission.TaskPending, Code: mission.CodeCancelled, Err: err}, nil
		}
		return Result{}, err
	}

	capability, err := o.tools.Resolve(task.Tool)
	if err != nil {
		return o.fail(writeCtx, missionID, task.Key, 0, err, logger)
	}
	input, err := ResolvePlaceholders(task, plan)
	if err != nil {
		return o.fail(writeCtx, missionID, task.Key, 0, err, logger)
	}
	if err := tools.ValidateInput(capability.Descriptor(), input); err != nil {
		return o.fail(writeCtx, missionID, task.Key, 0, err, logger)
	}

	b := o.backoff()
	retries := 0
	for {
		attemptLogger := logger.With(zap.Int("attempt", retries+1))
		out, err := o.invoke(ctx, capability, input)
		if err == nil {
			if _, werr := o.state.TransitionTask(writeCtx, missionID, state.TaskTransition{
				Key: task.Key, To: mission.TaskSucceeded, Result: out, RetryCount: retries,
			}); werr != nil {
				return Result{}, werr
			}
			attemptLogger.Info("Task succeeded.")
			return Result{Key: task.Key, Status: mission.TaskSucceeded, Output: out, RetryCount: retries}, nil
		}

		retries++
		attemptLogger.Warn("Tool invocation failed.", zap.Error(err))
		if !retryable(err) || retries >= o.cfg.MaxRetries {
			return o.fail(writeCtx, missionID, task.Key, retries, err, logger)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return o.fail(writeCtx, missionID, task.Key, retries, err, logger)
		}
		if _, werr := o.state.RecordRetry(writeCtx, missionID, task.Key, retries, err, wait); werr != nil {
			return Result{}, werr
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cancelErr := mission.Errorf(mission.CodeCancelled, "executor.Execute", "mission cancelled while waiting to retry: %v", err)
			return o.fail(writeCtx, missionID, task.Key, retries, cancelErr, logger)
		}
	}
}

func (o *Operator) fail(ctx context.Context, missionID, key string, retries int, cause error, logger *zap.Logger) (Result, error) {
	code := mission.CodeOf(cause)
	if code == "" {
		code = mission.CodeToolExecution
	}
	if _, err := o.state.TransitionTask(ctx, missionID, state.TaskTransition{
		Key: key, To: mission.TaskFailed, Error: cause.Error(), ErrorCode: code, RetryCount: retries,
	}); err != nil {
		return Result{}, err
	}
	logger.Warn("Task failed.", zap.String("error_code", string(code)), zap.Int("retry_count", retries), zap.Error(cause))
	return Result{Key: key, Status: mission.TaskFailed, Err: cause, Code: code, RetryCount: retries}, nil
}

// retryable reports whether another attempt may help.
func retryable(err error) bool {
	if tools.IsPermanent(err) {
		return false
	}
	switch mission.CodeOf(err) {
	case mission.CodeToolNotFound, mission.CodeInvalidInput, mission.CodePlanInvalid:
		return false
	}
	return true
}

// invoke runs one attempt under the per-call deadline. The deadline is
// derived from a context detached from mission cancellation.
func (o *Operator) invoke(ctx context.Context, c tools.Capability, input json.RawMessage) (out json.RawMessage, err error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ToolTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = tools.Permanent(mission.Errorf(mission.CodeToolExecution, c.Descriptor().Name, "panic during invocation: %v", r))
		}
	}()

	if starter, ok := c.(tools.Starter); ok && c.Descriptor().Mode == tools.ModeAsync {
		ch, startErr := starter.Start(callCtx, input)
		if startErr != nil {
			return nil, startErr
		}
		select {
		case outcome, ok := <-ch:
			if !ok {
				return nil, mission.Errorf(mission.CodeToolExecution, c.Descriptor().Name, "async invocation ended without an outcome")
			}
			out, err = outcome.Output, outcome.Err
		case <-callCtx.Done():
			err = callCtx.Err()
		}
	} else {
		out, err = c.Invoke(callCtx, input)
	}

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, mission.E(mission.CodeToolExecution, c.Descriptor().Name,
			fmt.Errorf("invocation exceeded deadline of %s: %w", o.cfg.ToolTimeout, err))
	}
	return out, err
}
