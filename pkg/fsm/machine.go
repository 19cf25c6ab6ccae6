// Package fsm implements the update resolution pass as a finite state machine.
// A pass checks for a newer build, resolves the delta chain, decides between
// delta and full, downloads what is missing, rebuilds the final image and
// verifies it, using the superfly/fsm library for the transitions.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fly-io/deltaota/pkg/db"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/patch"
	"github.com/fly-io/deltaota/pkg/resolver"
	"github.com/fly-io/deltaota/pkg/security"
	"github.com/fly-io/deltaota/pkg/space"
	"github.com/fly-io/deltaota/pkg/storage"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	store      *db.Store
	resolver   *resolver.Resolver
	downloader *storage.Downloader
	applier    *patch.Applier
	validator  *security.Validator
	opts       Options
	freeSpace  space.FreeFunc
	maxRetries int

	manager *fsm.Manager
	start   fsm.Start[PassRequest, PassResponse]

	mu     sync.Mutex
	passes map[string]*pass
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	store *db.Store,
	res *resolver.Resolver,
	downloader *storage.Downloader,
	applier *patch.Applier,
	validator *security.Validator,
	opts Options,
	freeSpace space.FreeFunc,
	maxRetries int,
) *Machine {
	if freeSpace == nil {
		freeSpace = space.FreeBytes
	}
	return &Machine{
		store:      store,
		resolver:   res,
		downloader: downloader,
		applier:    applier,
		validator:  validator,
		opts:       opts,
		freeSpace:  freeSpace,
		maxRetries: maxRetries,
		passes:     make(map[string]*pass),
	}
}

type step struct {
	state string
	run   func(*Machine, *pass) error
}

var steps = []step{
	{StateChecking, (*Machine).check},
	{StateSearching, (*Machine).search},
	{StateDownloading, (*Machine).download},
	{StateApplyingPatch, (*Machine).apply},
	{StateVerifyingResult, (*Machine).verify},
	{StateReady, (*Machine).ready},
}

// Register registers the resolution pass FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Resume, error) {
	start, resume, err := fsm.Register[PassRequest, PassResponse](manager, "resolution-pass").
		Start(steps[0].state, m.handler(steps[0])).
		To(steps[1].state, m.handler(steps[1])).
		To(steps[2].state, m.handler(steps[2])).
		To(steps[3].state, m.handler(steps[3])).
		To(steps[4].state, m.handler(steps[4])).
		To(steps[5].state, m.handler(steps[5])).
		End(StateIdle).
		Build(ctx)

	if err != nil {
		return nil, errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return resume, nil
}

func (m *Machine) handler(s step) func(context.Context, *fsm.Request[PassRequest, PassResponse]) (*fsm.Response[PassResponse], error) {
	return func(ctx context.Context, req *fsm.Request[PassRequest, PassResponse]) (*fsm.Response[PassResponse], error) {
		resp := req.W.Msg
		if resp == nil {
			resp = &PassResponse{}
		}

		if retryCount := fsm.RetryFromContext(ctx); m.maxRetries > 0 && retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "pass_id", req.Msg.PassID, "state", s.state, "max_retries", m.maxRetries)
			return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
		}

		p := m.lookup(req.Msg.PassID)
		if p == nil {
			slog.Error("pass_not_found", "pass_id", req.Msg.PassID, "state", s.state)
			return nil, fsm.Abort(fmt.Errorf("pass %s is not running", req.Msg.PassID))
		}

		if err := m.runStep(p, s); err != nil {
			resp.State = s.state
			resp.Outcome = string(p.outcome)
			resp.ErrorKind = string(errors.KindOf(err))
			return nil, fsm.Abort(err)
		}

		resp.State = p.state
		resp.Outcome = string(p.outcome)
		resp.ReadyFilename = p.working.ReadyFilename
		resp.DownloadSize = p.working.DownloadSize
		return fsm.NewResponse(resp), nil
	}
}

// runStep executes one state unless the pass already finished.
func (m *Machine) runStep(p *pass, s step) error {
	if p.finished {
		return nil
	}
	// Once patching starts the pass runs to the end.
	if p.cancelled() && p.output == "" {
		return p.fail(errors.ErrCancelled)
	}
	p.enter(s.state)
	slog.Info("fsm_state_"+s.state, "pass_id", p.req.PassID, "mode", p.req.Mode)
	return s.run(m, p)
}

func (m *Machine) lookup(id string) *pass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passes[id]
}

// begin loads the persisted state and records the pass attempt.
func (m *Machine) begin(ctx context.Context, req PassRequest, sink Sink) (*pass, error) {
	prev, err := m.store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pipeline state")
	}

	p := &pass{
		ctx:       ctx,
		req:       req,
		sink:      sink,
		state:     StateIdle,
		stepStart: time.Now(),
		prev:      prev,
		working:   prev,
	}
	p.working.ReadyFilename = ""
	p.working.DownloadSize = -1
	p.working.LastCheckAttempt = time.Now().UnixMilli()

	if err := m.store.CreatePass(req.PassID, string(req.Mode)); err != nil {
		return nil, errors.Wrap(err, "failed to record pass")
	}
	attempt := prev
	attempt.LastCheckAttempt = p.working.LastCheckAttempt
	if err := m.store.Commit(attempt); err != nil {
		return nil, errors.Wrap(err, "failed to record check attempt")
	}

	m.mu.Lock()
	m.passes[req.PassID] = p
	m.mu.Unlock()
	return p, nil
}

// finish persists the outcome of p and builds its result.
func (m *Machine) finish(p *pass) Result {
	m.mu.Lock()
	delete(m.passes, p.req.PassID)
	m.mu.Unlock()

	if !p.finished {
		// Every state ran without stopping early.
		p.done(OutcomeReady)
	}

	now := time.Now().UnixMilli()
	state := p.working
	if p.err != nil {
		state = p.prev
		state.ClearTransient()
		state.LastCheckAttempt = p.working.LastCheckAttempt
	}
	state.LastCheck = now
	if err := m.store.Commit(state); err != nil {
		slog.Error("state_commit_failed", "pass_id", p.req.PassID, "error", err)
		if p.err == nil {
			p.fail(errors.Wrap(err, "failed to commit pipeline state"))
		}
	}

	res := Result{
		PassID:        p.req.PassID,
		Mode:          p.req.Mode,
		Outcome:       p.outcome,
		State:         StateIdle,
		Err:           p.err,
		ErrorKind:     errors.KindOf(p.err),
		LatestFull:    state.LatestFullName,
		DownloadSize:  state.DownloadSize,
		UserInitiated: p.req.UserInitiated,
	}
	record := db.PassIdle
	switch p.outcome {
	case OutcomeReady:
		res.State = StateReady
		res.ReadyFilename = state.ReadyFilename
		record = db.PassReady
	case OutcomeError:
		res.State = StateError
		record = db.PassFailed
	}
	if err := m.store.FinishPass(p.req.PassID, record, string(res.ErrorKind), res.ReadyFilename); err != nil {
		slog.Error("pass_record_failed", "pass_id", p.req.PassID, "error", err)
	}

	p.stepStart = time.Now()
	p.emit(Status{State: res.State, Label: string(res.Outcome), ErrorKind: res.ErrorKind})
	slog.Info("pass_finished", "pass_id", p.req.PassID, "outcome", res.Outcome, "kind", res.ErrorKind, "ready", res.ReadyFilename)
	return res
}

// Run executes one pass to completion. Cancelling ctx stops the pass at the
// next checkpoint; the FSM itself always runs on a non-cancellable context so
// the pass can record how it ended.
func (m *Machine) Run(ctx context.Context, req PassRequest, sink Sink) Result {
	if m.start == nil {
		err := errors.Newf(errors.KindUnknown, "machine is not registered")
		return Result{PassID: req.PassID, Mode: req.Mode, Outcome: OutcomeError, State: StateError, Err: err, ErrorKind: errors.KindOf(err)}
	}

	p, err := m.begin(ctx, req, sink)
	if err != nil {
		slog.Error("pass_begin_failed", "pass_id", req.PassID, "error", err)
		return Result{PassID: req.PassID, Mode: req.Mode, Outcome: OutcomeError, State: StateError, Err: err, ErrorKind: errors.KindOf(err)}
	}

	fsmCtx := context.WithoutCancel(ctx)
	version, err := m.start(fsmCtx, req.PassID, fsm.NewRequest(&req, &PassResponse{}))
	if err != nil {
		if !p.finished {
			p.fail(errors.Wrap(err, "failed to start FSM"))
		}
		return m.finish(p)
	}

	if err := m.manager.Wait(fsmCtx, version); err != nil && !p.finished {
		p.fail(errors.Wrap(err, "FSM execution failed"))
	}
	return m.finish(p)
}
