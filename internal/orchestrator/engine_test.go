package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/turtacn/vboxhalt/internal/blocker"
	"github.com/turtacn/vboxhalt/internal/executor"
	"github.com/turtacn/vboxhalt/internal/vbox/fake"
	"github.com/turtacn/vboxhalt/internal/vmctx"
	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/errors"
)

type recordingVeto struct {
	mu           sync.Mutex
	registered   int
	unregistered int
}

func (v *recordingVeto) Register(string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.registered++
	return nil
}

func (v *recordingVeto) Unregister() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unregistered++
	return nil
}

func (v *recordingVeto) counts() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registered, v.unregistered
}

func newTestEngine(machines ...*fake.Machine) (*Engine, *fake.API, *recordingVeto) {
	api := fake.New(machines...)
	factory := func() (*vmctx.Context, error) {
		return vmctx.New(api, vmctx.WithSleep(func(time.Duration) {})), nil
	}
	veto := &recordingVeto{}
	e := NewEngine(executor.New(factory, 0), blocker.New(veto, consts.DefaultVetoReason))
	return e, api, veto
}

func runEngine(t *testing.T, e *Engine) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	return cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for engine to exit")
		return nil
	}
}

func TestNewEngine(t *testing.T) {
	e, _, _ := newTestEngine()
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if e.State() != consts.EngineIdle {
		t.Errorf("Expected %v, got %v", consts.EngineIdle, e.State())
	}
}

func TestStopAll_EndToEnd(t *testing.T) {
	web := fake.NewMachine("web", consts.StateRunning)
	web.PowerButtonsToOff = 2
	desk := fake.NewMachine("desk", consts.StatePaused)
	desk.PowerButtonsToOff = 1
	off := fake.NewMachine("archive", consts.StatePoweredOff)
	e, api, veto := newTestEngine(web, desk, off)
	defer e.exec.Stop()

	rep := e.StopAll()

	if rep.RunID == "" {
		t.Error("Expected a run id")
	}
	if len(rep.Results) != 2 || rep.Err() != nil {
		t.Fatalf("unexpected report %+v err=%v", rep.Results, rep.Err())
	}
	for _, r := range rep.Results {
		if r.Outcome != OutcomeShutdown {
			t.Errorf("%s: expected shutdown, got %s", r.Machine.Name, r.Outcome)
		}
	}
	if reg, unreg := veto.counts(); reg != 1 || unreg != 1 {
		t.Errorf("Expected veto registered and released once, got %d/%d", reg, unreg)
	}

	var deskTrace []string
	for _, c := range api.Trace("Resume", "PowerButton") {
		if strings.HasSuffix(c, ":desk") {
			deskTrace = append(deskTrace, c)
		}
	}
	if strings.Join(deskTrace, ",") != "Resume:desk,PowerButton:desk" {
		t.Errorf("Expected resume before power button, got %v", deskTrace)
	}
	if len(api.Calls("SaveState")) != 0 {
		t.Error("No machine should have been saved")
	}
	if api.Overlaps() != 0 {
		t.Errorf("Expected serialized API access, got %d overlaps", api.Overlaps())
	}
	if web.Current() != consts.StatePoweredOff || desk.Current() != consts.StatePoweredOff {
		t.Errorf("Expected both off, got %s %s", web.Current(), desk.Current())
	}
	if e.exec.Holds() != 0 {
		t.Errorf("Expected holds released, got %d", e.exec.Holds())
	}
}

func TestStopAll_SaveFallback(t *testing.T) {
	stubborn := fake.NewMachine("stubborn", consts.StateRunning)
	stubborn.PollsToSaved = 2
	e, api, _ := newTestEngine(stubborn)
	defer e.exec.Stop()

	rep := e.StopAll()
	if len(rep.Results) != 1 || rep.Results[0].Outcome != OutcomeSaved {
		t.Fatalf("Expected saved outcome, got %+v", rep.Results)
	}
	if n := len(api.Calls("PowerButton")); n != consts.DefaultAttempts {
		t.Errorf("Expected %d presses before saving, got %d", consts.DefaultAttempts, n)
	}
	if n := len(api.Calls("SaveState")); n != 1 {
		t.Errorf("Expected one save, got %d", n)
	}
}

func TestStopAll_Failure(t *testing.T) {
	e, _, veto := newTestEngine(fake.NewMachine("wedged", consts.StateStuck))
	defer e.exec.Stop()

	rep := e.StopAll()
	if rep.Failed() != 1 {
		t.Fatalf("Expected one failure, got %+v", rep.Results)
	}
	err := rep.Err()
	if err == nil || !strings.Contains(err.Error(), "wedged") {
		t.Errorf("Expected failure naming the machine, got %v", err)
	}
	if !errors.HasCode(rep.Results[0].Err, errors.ErrCodeTimeout) {
		t.Errorf("Expected timeout code, got %v", rep.Results[0].Err)
	}
	if _, unreg := veto.counts(); unreg != 1 {
		t.Error("Veto must be released after a failed run")
	}
}

func TestStopAll_NothingRunning(t *testing.T) {
	e, _, veto := newTestEngine(fake.NewMachine("idle", consts.StateSaved))
	defer e.exec.Stop()

	rep := e.StopAll()
	if len(rep.Results) != 0 {
		t.Errorf("Expected empty report, got %+v", rep.Results)
	}
	if reg, _ := veto.counts(); reg != 0 {
		t.Error("Veto must not be registered without running machines")
	}
}

func TestRun_QueryEndSession(t *testing.T) {
	vm := fake.NewMachine("web", consts.StateRunning)
	vm.PowerButtonsToOff = 1
	e, _, veto := newTestEngine(vm)
	cancel, errCh := runEngine(t, e)
	defer cancel()

	acked := make(chan consts.MachineState, 1)
	e.Post(Event{Kind: EventQueryEndSession, Ack: func() { acked <- vm.Current() }})

	select {
	case st := <-acked:
		if st != consts.StatePoweredOff {
			t.Errorf("Query acknowledged before the machine stopped: %s", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for query ack")
	}
	if reg, unreg := veto.counts(); reg != 1 || unreg != 1 {
		t.Errorf("Expected one veto cycle, got %d/%d", reg, unreg)
	}

	e.Post(Event{Kind: EventClose})
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Expected clean exit, got %v", err)
	}
	if e.State() != consts.EngineClosed {
		t.Errorf("Expected CLOSED, got %s", e.State())
	}
	if e.exec.Running() {
		t.Error("Executor must be stopped when the loop exits")
	}
}

func TestRun_QueryDuringDrain(t *testing.T) {
	vm := fake.NewMachine("web", consts.StateRunning)
	vm.PowerButtonsToOff = 3
	e, api, veto := newTestEngine(vm)
	api.Latency = 2 * time.Millisecond
	cancel, errCh := runEngine(t, e)
	defer cancel()

	acked := make(chan consts.MachineState, 2)
	ack := func() { acked <- vm.Current() }
	if !e.Post(Event{Kind: EventQueryEndSession, Ack: ack}) || !e.Post(Event{Kind: EventQueryEndSession, Ack: ack}) {
		t.Fatal("Expected both queries to be accepted")
	}

	for i := 0; i < 2; i++ {
		select {
		case st := <-acked:
			if st != consts.StatePoweredOff {
				t.Errorf("Query %d acknowledged before the machine stopped: %s", i, st)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout waiting for query %d ack", i)
		}
	}
	if reg, unreg := veto.counts(); reg != 1 || unreg != 1 {
		t.Errorf("Expected one veto cycle, got %d/%d", reg, unreg)
	}
	if api.Overlaps() != 0 {
		t.Errorf("Expected serialized API access, got %d overlaps", api.Overlaps())
	}
	if e.State() != consts.EngineIdle {
		t.Errorf("Expected IDLE after the drain, got %s", e.State())
	}

	e.Post(Event{Kind: EventClose})
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Expected clean exit, got %v", err)
	}
}

func TestPost_AcceptedEventsAckedAtExit(t *testing.T) {
	e, _, _ := newTestEngine()
	cancel, errCh := runEngine(t, e)

	var accepted, acked int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ev := Event{Kind: EventKind(99), Ack: func() { atomic.AddInt32(&acked, 1) }}
				if e.Post(ev) {
					atomic.AddInt32(&accepted, 1)
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	cancel()
	waitRun(t, errCh)
	wg.Wait()

	if a, k := atomic.LoadInt32(&accepted), atomic.LoadInt32(&acked); a != k {
		t.Errorf("Expected every accepted event acknowledged, accepted %d acked %d", a, k)
	}
	if e.Post(Event{Kind: EventClose}) {
		t.Error("Post must fail after the loop exited")
	}
}

func TestRun_QueryNothingRunning(t *testing.T) {
	e, _, veto := newTestEngine(fake.NewMachine("off", consts.StatePoweredOff))
	cancel, errCh := runEngine(t, e)

	acked := make(chan struct{})
	e.Post(Event{Kind: EventQueryEndSession, Ack: func() { close(acked) }})
	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for query ack")
	}
	if reg, _ := veto.counts(); reg != 0 {
		t.Error("Veto must not be registered")
	}
	if e.State() != consts.EngineIdle {
		t.Errorf("Expected IDLE, got %s", e.State())
	}

	cancel()
	if err := waitRun(t, errCh); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if e.Post(Event{Kind: EventClose}) {
		t.Error("Post must fail after the loop exited")
	}
}

func TestRun_CloseStopsMachines(t *testing.T) {
	vm := fake.NewMachine("web", consts.StatePaused)
	vm.PowerButtonsToOff = 1
	e, _, _ := newTestEngine(vm)
	_, errCh := runEngine(t, e)

	e.Post(Event{Kind: EventEndSession})
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Expected clean exit, got %v", err)
	}
	if vm.Current() != consts.StatePoweredOff {
		t.Errorf("Expected machine off after close, got %s", vm.Current())
	}
}

func TestRun_StopMachineEvent(t *testing.T) {
	a := fake.NewMachine("a", consts.StateRunning)
	a.PowerButtonsToOff = 1
	b := fake.NewMachine("b", consts.StateRunning)
	e, _, _ := newTestEngine(a, b)
	cancel, errCh := runEngine(t, e)
	defer func() {
		cancel()
		waitRun(t, errCh)
	}()

	done := make(chan struct{})
	e.Post(Event{Kind: EventStopMachine, Machine: vmctx.Snapshot{Index: 0, Name: "a"}, Ack: func() { close(done) }})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for stop")
	}
	if a.Current() != consts.StatePoweredOff || b.Current() != consts.StateRunning {
		t.Errorf("Expected only a to stop, got %s %s", a.Current(), b.Current())
	}
}

type stubSource struct {
	err     error
	started bool
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Start(ctx context.Context, post func(Event) bool) error {
	s.started = true
	if s.err != nil {
		return s.err
	}
	go post(Event{Kind: EventClose})
	return nil
}

func TestRun_SourcesFeedLoop(t *testing.T) {
	e, _, _ := newTestEngine()
	broken := &stubSource{err: context.DeadlineExceeded}
	working := &stubSource{}
	e.AddSource(broken)
	e.AddSource(working)

	_, errCh := runEngine(t, e)
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Expected close from source, got %v", err)
	}
	if !broken.started || !working.started {
		t.Error("Expected every source to be started")
	}
}

func TestFindMachine(t *testing.T) {
	e, _, _ := newTestEngine(
		fake.NewMachine("web", consts.StateRunning),
		fake.NewMachine("db", consts.StateSaved),
	)
	defer e.exec.Stop()

	s, err := e.FindMachine("db")
	if err != nil || s.Index != 1 {
		t.Errorf("by name: got %+v %v", s, err)
	}
	s, err = e.FindMachine("0")
	if err != nil || s.Name != "web" {
		t.Errorf("by index: got %+v %v", s, err)
	}
	if _, err := e.FindMachine("nope"); !errors.HasCode(err, errors.ErrCodeMachineNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestEventKind_String(t *testing.T) {
	if EventQueryEndSession.String() != "QueryEndSession" || EventKind(99).String() != "EventKind(99)" {
		t.Error("unexpected event kind names")
	}
}
