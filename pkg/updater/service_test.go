package updater

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/fsm"
)

type fakeRunner struct {
	mu       sync.Mutex
	outcomes []fsm.Outcome
	calls    []fsm.PassRequest
	release  chan struct{}
	started  chan struct{}
	panics   bool
}

func (f *fakeRunner) Run(ctx context.Context, req fsm.PassRequest, sink fsm.Sink) fsm.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	outcome := fsm.OutcomeReady
	if len(f.outcomes) > 0 {
		outcome = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.panics {
		panic("boom")
	}
	sink(fsm.Status{PassID: req.PassID, State: fsm.StateChecking, Label: fsm.StateChecking})

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return fsm.Result{PassID: req.PassID, Outcome: fsm.OutcomeCancelled, ErrorKind: errors.KindCancelled, Err: errors.ErrCancelled}
		}
	}

	res := fsm.Result{PassID: req.PassID, Mode: req.Mode, Outcome: outcome}
	if outcome == fsm.OutcomeError {
		res.ErrorKind = errors.KindDownloadFailed
		res.Err = errors.Newf(errors.KindDownloadFailed, "unreachable")
	}
	return res
}

type fixedHistory int

func (h fixedHistory) ConsecutiveFailures() (int, error) { return int(h), nil }

func TestService_RejectsWhileBusy(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	svc := New(runner, Config{})

	id, ok := svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true})
	if !ok || id == "" {
		t.Fatal("first Start rejected")
	}
	<-runner.started

	done := make(chan bool, 1)
	go func() {
		_, ok := svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true})
		done <- ok
	}()
	select {
	case ok := <-done:
		if ok {
			t.Error("second Start accepted while a pass is running")
		}
	case <-time.After(time.Second):
		t.Fatal("Start blocked while busy")
	}

	if running, ok := svc.Running(); !ok || running != id {
		t.Errorf("Running = %q, %v", running, ok)
	}

	close(runner.release)
	svc.Wait()

	if _, ok := svc.Start(context.Background(), Request{Mode: fsm.ModeCheck, Allowed: true}); !ok {
		t.Error("Start rejected after the worker went idle")
	}
	<-runner.started
	svc.Wait()
}

func TestService_Cancel(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	svc := New(runner, Config{})

	if svc.Cancel() {
		t.Error("Cancel with nothing running returned true")
	}
	svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true})
	<-runner.started
	if !svc.Cancel() {
		t.Fatal("Cancel returned false while running")
	}
	svc.Wait()

	res, ok := svc.Last()
	if !ok || res.Outcome != fsm.OutcomeCancelled {
		t.Fatalf("Last = %+v, %v", res, ok)
	}
	if res.Notify || res.ConsecutiveFailures != 0 {
		t.Errorf("cancel counted as failure: %+v", res)
	}
}

func TestService_FailureEscalation(t *testing.T) {
	runner := &fakeRunner{outcomes: []fsm.Outcome{
		fsm.OutcomeError, fsm.OutcomeError, fsm.OutcomeError, fsm.OutcomeReady, fsm.OutcomeError,
	}}
	svc := New(runner, Config{NotifyThreshold: 3})

	want := []struct {
		failures int
		notify   bool
	}{
		{1, false},
		{2, false},
		{3, true},
		{0, false},
		{1, false},
	}
	for i, w := range want {
		if _, ok := svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true}); !ok {
			t.Fatalf("pass %d rejected", i)
		}
		svc.Wait()
		res, _ := svc.Last()
		if res.ConsecutiveFailures != w.failures || res.Notify != w.notify {
			t.Errorf("pass %d: failures=%d notify=%v, want %d/%v", i, res.ConsecutiveFailures, res.Notify, w.failures, w.notify)
		}
	}
}

func TestService_UnattendedFailureNotifiesImmediately(t *testing.T) {
	runner := &fakeRunner{outcomes: []fsm.Outcome{fsm.OutcomeError}}
	svc := New(runner, Config{})

	svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Unattended: true, Allowed: true})
	svc.Wait()
	if res, _ := svc.Last(); !res.Notify {
		t.Error("unattended failure not escalated")
	}
}

func TestService_SeedsFailuresFromHistory(t *testing.T) {
	runner := &fakeRunner{outcomes: []fsm.Outcome{fsm.OutcomeError}}
	svc := New(runner, Config{History: fixedHistory(3)})
	if svc.ConsecutiveFailures() != 3 {
		t.Fatalf("seeded failures = %d", svc.ConsecutiveFailures())
	}

	svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true})
	svc.Wait()
	if res, _ := svc.Last(); res.ConsecutiveFailures != 4 || !res.Notify {
		t.Errorf("result = %+v", res)
	}
}

func TestService_PanicReleasesLock(t *testing.T) {
	runner := &fakeRunner{panics: true}
	svc := New(runner, Config{})

	svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true})
	svc.Wait()

	res, _ := svc.Last()
	if res.Outcome != fsm.OutcomeError || res.ErrorKind != errors.KindUnknown {
		t.Errorf("panicking pass = %+v", res)
	}

	runner.panics = false
	if _, ok := svc.Start(context.Background(), Request{Mode: fsm.ModeDelta, Allowed: true}); !ok {
		t.Fatal("lock not released after panic")
	}
	svc.Wait()
}

func TestService_EventsDoNotBlock(t *testing.T) {
	runner := &fakeRunner{}
	svc := New(runner, Config{EventBuffer: 1})

	for i := 0; i < 3; i++ {
		svc.Start(context.Background(), Request{Mode: fsm.ModeCheck, Allowed: true})
		svc.Wait()
	}

	select {
	case ev := <-svc.Events():
		if ev.State != fsm.StateChecking {
			t.Errorf("event state = %s", ev.State)
		}
	default:
		t.Fatal("no event delivered")
	}
}
