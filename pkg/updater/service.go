// Package updater runs resolution passes on a single background worker. At
// most one pass is in flight; callers start passes without blocking and
// observe them through an event channel.
package updater

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/fsm"
	"github.com/fly-io/deltaota/pkg/metrics"
	"github.com/google/uuid"
)

// DefaultNotifyThreshold is how many failures in a row it takes before a
// failure is worth showing to the user.
const DefaultNotifyThreshold = 4

// Runner executes one pass to completion.
type Runner interface {
	Run(ctx context.Context, req fsm.PassRequest, sink fsm.Sink) fsm.Result
}

// Lock excludes concurrent passes and keeps the device awake while held.
type Lock interface {
	TryAcquire() bool
	Release()
}

// BusyFlag is an in-process Lock.
type BusyFlag struct {
	busy atomic.Bool
}

func (b *BusyFlag) TryAcquire() bool { return b.busy.CompareAndSwap(false, true) }
func (b *BusyFlag) Release()         { b.busy.Store(false) }

// History reports failures recorded by earlier processes.
type History interface {
	ConsecutiveFailures() (int, error)
}

// Request asks for one pass.
type Request struct {
	Mode          fsm.Mode
	UserInitiated bool
	// Unattended passes escalate on the first failure.
	Unattended    bool
	// Allowed is the scheduler's verdict on network, battery and idle state.
	Allowed       bool
}

// Result is a finished pass plus the failure bookkeeping around it.
type Result struct {
	fsm.Result
	ConsecutiveFailures int
	// Notify is set when the failure should be surfaced to the user.
	Notify              bool
}

// Config tunes a Service. Zero values select defaults.
type Config struct {
	NotifyThreshold int
	EventBuffer     int
	Lock            Lock
	History         History
	Metrics         *metrics.Metrics
	MetricsTextfile string
	// Received reports cumulative downloaded bytes, for the metrics counter.
	Received        func() int64
}

// Service owns the worker.
type Service struct {
	runner Runner
	cfg    Config
	events chan fsm.Status

	mu       sync.Mutex
	cancel   context.CancelFunc
	current  string
	failures int
	last     *Result
	wg       sync.WaitGroup
}

// New creates a service around runner.
func New(runner Runner, cfg Config) *Service {
	if cfg.NotifyThreshold <= 0 {
		cfg.NotifyThreshold = DefaultNotifyThreshold
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Lock == nil {
		cfg.Lock = &BusyFlag{}
	}

	s := &Service{
		runner: runner,
		cfg:    cfg,
		events: make(chan fsm.Status, cfg.EventBuffer),
	}
	if cfg.History != nil {
		n, err := cfg.History.ConsecutiveFailures()
		if err != nil {
			slog.Warn("failure_history_unavailable", "error", err)
		}
		s.failures = n
	}
	return s
}

// Events delivers state and progress events. Events are dropped rather than
// block the worker when the channel is full.
func (s *Service) Events() <-chan fsm.Status {
	return s.events
}

// Start launches a pass. It returns false immediately when a pass is already
// running.
func (s *Service) Start(ctx context.Context, req Request) (string, bool) {
	if !s.cfg.Lock.TryAcquire() {
		slog.Info("pass_rejected", "reason", "busy", "mode", req.Mode)
		return "", false
	}

	id := uuid.NewString()
	passCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.current = id
	s.mu.Unlock()

	slog.Info("pass_started", "pass_id", id, "mode", req.Mode, "user_initiated", req.UserInitiated)
	s.wg.Add(1)
	go s.run(passCtx, cancel, id, req)
	return id, true
}

// Cancel asks the running pass to stop. Patch application is never
// interrupted; the request takes effect at the next checkpoint.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	slog.Info("pass_cancel_requested", "pass_id", s.current)
	s.cancel()
	return true
}

// Running returns the ID of the pass in flight, if any.
func (s *Service) Running() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// Wait blocks until the worker is idle.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Last returns the most recent finished pass.
func (s *Service) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// ConsecutiveFailures is the failure count since the last success.
func (s *Service) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Service) publish(st fsm.Status) {
	select {
	case s.events <- st:
	default:
	}
}

func (s *Service) run(ctx context.Context, cancel context.CancelFunc, id string, req Request) {
	defer s.wg.Done()
	defer s.cfg.Lock.Release()
	defer cancel()

	var before int64
	if s.cfg.Received != nil {
		before = s.cfg.Received()
	}

	res := s.execute(ctx, id, req)

	if s.cfg.Received != nil && s.cfg.Metrics != nil {
		s.cfg.Metrics.AddDownloaded(s.cfg.Received() - before)
	}
	s.record(res, req)
}

func (s *Service) execute(ctx context.Context, id string, req Request) (res fsm.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pass_panicked", "pass_id", id, "panic", r)
			err := errors.Newf(errors.KindUnknown, "pass panicked: %v", r)
			res = fsm.Result{PassID: id, Mode: req.Mode, Outcome: fsm.OutcomeError, State: fsm.StateError, Err: err, ErrorKind: errors.KindUnknown}
		}
	}()
	return s.runner.Run(ctx, fsm.PassRequest{
		PassID:        id,
		Mode:          req.Mode,
		UserInitiated: req.UserInitiated,
		Allowed:       req.Allowed,
	}, s.publish)
}

func (s *Service) record(res fsm.Result, req Request) {
	s.mu.Lock()
	switch res.Outcome {
	case fsm.OutcomeError:
		s.failures++
	case fsm.OutcomeCancelled:
	default:
		s.failures = 0
	}
	out := Result{Result: res, ConsecutiveFailures: s.failures}
	out.Notify = res.Outcome == fsm.OutcomeError && (req.Unattended || s.failures >= s.cfg.NotifyThreshold)
	s.last = &out
	s.cancel = nil
	s.current = ""
	failures := s.failures
	s.mu.Unlock()

	if out.Notify {
		slog.Warn("pass_failure_escalated", "pass_id", res.PassID, "kind", res.ErrorKind, "consecutive_failures", failures)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObservePass(string(res.Outcome), failures, time.Now())
		if err := s.cfg.Metrics.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
			slog.Warn("metrics_export_failed", "error", err)
		}
	}
}

