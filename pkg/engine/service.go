// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/layerbuild/layerbuild/internal/syncx"
	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layercache"
	"github.com/layerbuild/layerbuild/pkg/plan"
)

// Service runs builds asynchronously with bounded parallelism. Each build
// is sequential internally; parallelism exists only across independent
// builds, which share the layer cache safely because entries are
// create-once.
type Service struct {
	cache       layercache.Cache
	images      BaseImageResolver
	runner      CommandRunner
	source      billy.Filesystem
	timeout     time.Duration
	maxParallel int
	semaphore   chan struct{}
	active      syncx.Map[string, *Handle]
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Cache receives committed layers and answers planner lookups.
	Cache layercache.Cache
	// Images resolves SetBaseImage references.
	Images BaseImageResolver
	// Runner executes RunCommand steps.
	Runner CommandRunner
	// Source is the filesystem declared inputs and copy sources are read from.
	Source billy.Filesystem
	// CommandTimeout bounds each RunCommand invocation.
	CommandTimeout time.Duration
	// MaxParallel is the number of builds that may run simultaneously.
	MaxParallel int
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("source filesystem is required")
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Service{
		cache:       cfg.Cache,
		images:      cfg.Images,
		runner:      cfg.Runner,
		source:      cfg.Source,
		timeout:     cfg.CommandTimeout,
		maxParallel: maxParallel,
		semaphore:   make(chan struct{}, maxParallel),
	}, nil
}

// StartOptions configures one build started through the service.
type StartOptions struct {
	// BuildID names the build; one is generated when empty.
	BuildID string
	// Output, if set, receives captured command output after each run
	// step completes.
	Output io.Writer
	// OnStep, if set, observes step outcomes as they are recorded.
	OnStep func(StepOutcome)
}

// Start begins a build and returns a handle to await it. The build runs on
// its own goroutine; enqueueing respects the service's parallelism bound.
func (s *Service) Start(ctx context.Context, steps []plan.Step, opts StartOptions) (*Handle, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps provided")
	}
	buildID := opts.BuildID
	if buildID == "" {
		buildID = uuid.NewString()
	}
	handle := &Handle{
		id:         buildID,
		resultChan: make(chan Result, 1),
		state:      StatePending,
	}
	s.active.Store(buildID, handle)
	go s.run(ctx, handle, steps, opts)
	return handle, nil
}

func (s *Service) run(ctx context.Context, handle *Handle, steps []plan.Step, opts StartOptions) {
	defer s.active.Delete(handle.id)
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		result := Result{State: StateFailed, Err: errors.Wrap(ctx.Err(), "enqueuing build")}
		handle.setState(StateFailed)
		handle.setResult(result)
		return
	}
	handle.setState(StateRunning)
	executor := NewExecutor(ExecutorConfig{
		Images:         s.images,
		Runner:         s.runner,
		Source:         s.source,
		CommandTimeout: s.timeout,
		Output:         opts.Output,
	})
	planner := NewPlanner(fingerprint.NewHasher(s.source), s.cache)
	orchestrator := NewOrchestrator(planner, executor, s.cache)
	result := orchestrator.Run(ctx, steps, Options{OnStep: opts.OnStep})
	handle.setState(result.State)
	handle.setResult(result)
}

// InProgress reports the number of builds currently executing.
func (s *Service) InProgress() int {
	return len(s.semaphore)
}

// Capacity reports the maximum number of simultaneous builds.
func (s *Service) Capacity() int {
	return s.maxParallel
}

// Close waits for active builds to finish or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		for s.active.Len() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "closing service")
	}
}

// BuildAll runs one build per plan and collects results in input order. The
// first infrastructure error cancels the remaining waits; per-step build
// failures are reported through the individual Results.
func (s *Service) BuildAll(ctx context.Context, plans [][]plan.Step) ([]Result, error) {
	results := make([]Result, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	for i, steps := range plans {
		g.Go(func() error {
			handle, err := s.Start(gctx, steps, StartOptions{})
			if err != nil {
				return errors.Wrapf(err, "starting build %d", i)
			}
			result, err := handle.Wait(gctx)
			if err != nil {
				return errors.Wrapf(err, "awaiting build %d", i)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Handle represents an active or completed build.
type Handle struct {
	id         string
	resultChan chan Result

	stateMu sync.RWMutex
	state   BuildState
}

// BuildID returns the build's identifier.
func (h *Handle) BuildID() string {
	return h.id
}

// Wait blocks until the build completes or ctx expires.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case result := <-h.resultChan:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the build's current state machine position.
func (h *Handle) State() BuildState {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

func (h *Handle) setState(state BuildState) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.state = state
}

func (h *Handle) setResult(result Result) {
	select {
	case h.resultChan <- result:
	default:
	}
}
