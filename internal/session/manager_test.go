package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/host/internal/backend"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/launch"
	"github.com/agentfleet/host/internal/storage"
)

// =============================================================================
// Creation and teardown
// =============================================================================

func TestManager_DevSessionScenario(t *testing.T) {
	fb := newFakeBackend()
	m, rec := newTestManager(t, fb, nil)

	res, err := m.CreateSession(context.Background(), Config{Name: "dev", Cwd: "/work"})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if !res.Success || res.SessionName != "dev" || res.Attempts != 1 {
		t.Errorf("result = %+v, want success for dev in 1 attempt", res)
	}
	if !m.SessionExists("dev") {
		t.Error("SessionExists(dev) = false after creation")
	}
	if got := m.ListSessions(); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Errorf("ListSessions() = %v, want [dev]", got)
	}

	created := rec.ofType(events.TypeSessionCreated)
	if len(created) != 1 || created[0].SessionName != "dev" || created[0].Data["cwd"] != "/work" {
		t.Errorf("session_created events = %+v", created)
	}

	writes := fb.writesTo("dev")
	if len(writes) != 1 || !strings.Contains(writes[0], "cd '/work'") {
		t.Errorf("launch writes = %q, want one launch command into /work", writes)
	}

	if err := m.DestroySession("dev"); err != nil {
		t.Fatalf("DestroySession() error: %v", err)
	}
	if m.SessionExists("dev") {
		t.Error("SessionExists(dev) = true after destroy")
	}
	if fb.SessionExists("dev") {
		t.Error("backend still has dev after destroy")
	}
	if got := rec.sessionsOf(events.TypeSessionKilled); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Errorf("session_killed events = %v, want [dev]", got)
	}
}

func TestManager_CreateSessionRequiresName(t *testing.T) {
	m, _ := newTestManager(t, newFakeBackend(), nil)

	_, err := m.CreateSession(context.Background(), Config{})
	if !apperrors.IsCode(err, apperrors.CodeSessionCreateFailed) {
		t.Errorf("CreateSession(no name) error = %v, want %s", err, apperrors.CodeSessionCreateFailed)
	}
}

func TestManager_QueueProcessesInOrder(t *testing.T) {
	fb := newFakeBackend()
	fb.readyDelay = 5 * time.Millisecond
	m, rec := newTestManager(t, fb, nil)

	var outs []<-chan Outcome
	for _, name := range []string{"A", "B", "C"} {
		outs = append(outs, m.Enqueue(Config{Name: name}))
	}
	for i, ch := range outs {
		out := <-ch
		if out.Err != nil {
			t.Fatalf("request %d error: %v", i, out.Err)
		}
	}

	want := []string{"A", "B", "C"}
	if got := rec.sessionsOf(events.TypeSessionCreated); !reflect.DeepEqual(got, want) {
		t.Errorf("completion order = %v, want %v", got, want)
	}
	if got := fb.createCalls(); !reflect.DeepEqual(got, want) {
		t.Errorf("backend creation order = %v, want %v", got, want)
	}
}

func TestManager_CreationDelaySeparatesRequests(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newTestManager(t, fb, func(o *Options) {
		o.Settings.CreationDelay = 50 * time.Millisecond
	})

	start := time.Now()
	a := m.Enqueue(Config{Name: "A"})
	b := m.Enqueue(Config{Name: "B"})
	if out := <-a; out.Err != nil {
		t.Fatalf("A error: %v", out.Err)
	}
	if out := <-b; out.Err != nil {
		t.Fatalf("B error: %v", out.Err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("two creations took %v, want >= creation delay", elapsed)
	}
}

func TestManager_ConcurrencyCapWithFiveRequests(t *testing.T) {
	fb := newFakeBackend()
	fb.readyDelay = 10 * time.Millisecond
	m, _ := newTestManager(t, fb, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.CreateSession(context.Background(), Config{Name: fmt.Sprintf("s%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("CreateSession() error: %v", err)
		}
	}
	if peak := m.PeakInitializing(); peak > 2 || peak < 1 {
		t.Errorf("PeakInitializing() = %d, want 1..2", peak)
	}
	if n := m.Initializing(); n != 0 {
		t.Errorf("Initializing() = %d after all completed, want 0", n)
	}
	if got := len(m.ListSessions()); got != 5 {
		t.Errorf("len(ListSessions()) = %d, want 5", got)
	}
}

func TestManager_ReinitializeIsCapped(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newTestManager(t, fb, nil)

	names := []string{"r0", "r1", "r2", "r3"}
	for _, name := range names {
		if _, err := m.CreateSession(context.Background(), Config{Name: name}); err != nil {
			t.Fatalf("CreateSession(%s) error: %v", name, err)
		}
	}

	fb.mu.Lock()
	fb.readyDelay = 100 * time.Millisecond
	fb.mu.Unlock()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := m.Reinitialize(context.Background(), name, Config{})
			errs <- err
		}(name)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Reinitialize() error: %v", err)
		}
	}
	if peak := m.PeakInitializing(); peak != 2 {
		t.Errorf("PeakInitializing() = %d, want 2", peak)
	}
	// Four handshakes of 100ms through two slots need two rounds.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("reinitialization took %v, want >= 200ms", elapsed)
	}
}

func TestManager_ReinitializeUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, newFakeBackend(), nil)

	_, err := m.Reinitialize(context.Background(), "ghost", Config{})
	if !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		t.Errorf("Reinitialize(ghost) error = %v, want %s", err, apperrors.CodeSessionNotFound)
	}
}

func TestManager_CleanRestartOfTrackedSession(t *testing.T) {
	fb := newFakeBackend()
	m, rec := newTestManager(t, fb, nil)

	for i := 0; i < 2; i++ {
		if _, err := m.CreateSession(context.Background(), Config{Name: "dev"}); err != nil {
			t.Fatalf("CreateSession() #%d error: %v", i+1, err)
		}
	}

	if got := fb.killCalls(); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Errorf("kills = %v, want [dev]", got)
	}
	killed := rec.ofType(events.TypeSessionKilled)
	if len(killed) != 1 || killed[0].Data["reason"] != "restart" {
		t.Errorf("session_killed events = %+v, want one restart", killed)
	}
	if got := m.ListSessions(); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Errorf("ListSessions() = %v, want [dev]", got)
	}
}

func TestManager_ReplacesUntrackedBackendSession(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newTestManager(t, fb, nil)

	if _, err := fb.CreateSession("dev", backend.CreateOptions{}); err != nil {
		t.Fatalf("seed backend session: %v", err)
	}

	if _, err := m.CreateSession(context.Background(), Config{Name: "dev"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if got := fb.killCalls(); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Errorf("kills = %v, want [dev]", got)
	}
	if !m.SessionExists("dev") {
		t.Error("SessionExists(dev) = false")
	}
}

func TestManager_HandshakeTimeoutKillsHalfCreatedSession(t *testing.T) {
	fb := newFakeBackend()
	fb.ready = false
	m, rec := newTestManager(t, fb, nil)

	_, err := m.CreateSession(context.Background(), Config{Name: "slow", Timeout: 30 * time.Millisecond})
	if !apperrors.IsCode(err, apperrors.CodeRegistrationTimeout) {
		t.Fatalf("CreateSession() error = %v, want %s", err, apperrors.CodeRegistrationTimeout)
	}
	if got := fb.createCalls(); len(got) != 1 {
		t.Errorf("creation attempts = %d, want 1 (timeouts are not retried)", len(got))
	}
	if fb.SessionExists("slow") {
		t.Error("half-created session still exists in the backend")
	}
	if m.SessionExists("slow") {
		t.Error("manager reports a failed session")
	}
	if got := rec.sessionsOf(events.TypeSessionFailed); !reflect.DeepEqual(got, []string{"slow"}) {
		t.Errorf("session_failed events = %v, want [slow]", got)
	}
	if st := m.Stats(); st.Failed != 1 || st.Created != 0 {
		t.Errorf("Stats() = %+v, want 1 failed, 0 created", st)
	}
}

func TestManager_RoleTimeoutApplies(t *testing.T) {
	fb := newFakeBackend()
	fb.ready = false
	m, _ := newTestManager(t, fb, func(o *Options) {
		o.Settings.RoleTimeouts = map[string]time.Duration{"reviewer": 20 * time.Millisecond}
	})

	start := time.Now()
	_, err := m.CreateSession(context.Background(), Config{Name: "rev", Role: "Reviewer"})
	if !apperrors.IsCode(err, apperrors.CodeRegistrationTimeout) {
		t.Fatalf("CreateSession() error = %v, want %s", err, apperrors.CodeRegistrationTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("took %v, want the 20ms reviewer timeout to apply", elapsed)
	}
}

// =============================================================================
// Team members and orchestrator
// =============================================================================

func TestManager_StartTeamMemberRetriesTransientFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.createErrs = []error{fmt.Errorf("can't find pane: dev")}
	members := &fakeMembers{}
	m, _ := newTestManager(t, fb, func(o *Options) { o.Members = members })

	res, err := m.StartTeamMember(context.Background(), MemberRequest{MemberID: "dev", Role: "developer"})
	if err != nil {
		t.Fatalf("StartTeamMember() error: %v", err)
	}
	if got := len(fb.createCalls()); got != 2 {
		t.Errorf("creation attempts = %d, want 2", got)
	}
	if res.Attempts != 2 {
		t.Errorf("Result.Attempts = %d, want 2", res.Attempts)
	}

	want := []storage.MemberStatus{storage.MemberActivating, storage.MemberActive}
	if got := members.statuses(); !reflect.DeepEqual(got, want) {
		t.Errorf("member statuses = %v, want %v", got, want)
	}
}

func TestManager_StartTeamMemberExhaustsRetries(t *testing.T) {
	fb := newFakeBackend()
	transient := apperrors.RegistrationTransient("qa", "pane not found", nil)
	fb.createErrs = []error{transient, transient, transient, transient}

	store, err := storage.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()
	m, _ := newTestManager(t, fb, func(o *Options) { o.Members = store })

	_, err = m.StartTeamMember(context.Background(), MemberRequest{MemberID: "qa", Role: "reviewer"})
	if err == nil {
		t.Fatal("StartTeamMember() error = nil, want failure")
	}
	if !apperrors.IsCode(err, apperrors.CodeSessionCreateFailed) {
		t.Errorf("error code = %s, want %s", apperrors.GetCode(err), apperrors.CodeSessionCreateFailed)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("error %q should name the attempt count", err)
	}
	if got := len(fb.createCalls()); got != 3 {
		t.Errorf("creation attempts = %d, want 3", got)
	}

	member, err := store.GetMember("qa")
	if err != nil || member == nil {
		t.Fatalf("GetMember() = %v, %v", member, err)
	}
	if member.Status != storage.MemberInactive || member.SessionName != "" {
		t.Errorf("member = %+v, want inactive with no session", member)
	}
	if member.LastError == "" {
		t.Error("member.LastError is empty")
	}
	if m.SessionExists("qa") {
		t.Error("SessionExists(qa) = true after exhaustion")
	}
}

func TestManager_NonTransientFailureIsNotRetried(t *testing.T) {
	fb := newFakeBackend()
	fb.createErrs = []error{apperrors.BackendUnavailable("fake", errors.New("spawn failed"))}
	members := &fakeMembers{}
	m, _ := newTestManager(t, fb, func(o *Options) { o.Members = members })

	_, err := m.StartTeamMember(context.Background(), MemberRequest{MemberID: "dev"})
	if !apperrors.IsCode(err, apperrors.CodeBackendUnavailable) {
		t.Fatalf("error = %v, want %s unchanged", err, apperrors.CodeBackendUnavailable)
	}
	if got := len(fb.createCalls()); got != 1 {
		t.Errorf("creation attempts = %d, want 1", got)
	}
	want := []storage.MemberStatus{storage.MemberActivating, storage.MemberInactive}
	if got := members.statuses(); !reflect.DeepEqual(got, want) {
		t.Errorf("member statuses = %v, want %v", got, want)
	}
}

func TestManager_StartTeamMemberCallerGivesUp(t *testing.T) {
	fb := newFakeBackend()
	fb.readyDelay = 100 * time.Millisecond
	members := &fakeMembers{}
	m, _ := newTestManager(t, fb, func(o *Options) { o.Members = members })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.StartTeamMember(ctx, MemberRequest{MemberID: "dev", Role: "developer"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("StartTeamMember() error = %v, want deadline exceeded", err)
	}
	if got := members.statuses(); !reflect.DeepEqual(got, []storage.MemberStatus{storage.MemberActivating}) {
		t.Errorf("statuses after caller left = %v, want [activating]", got)
	}

	waitFor(t, "member to become active", func() bool {
		got := members.statuses()
		return len(got) == 2 && got[1] == storage.MemberActive
	})
	if !m.SessionExists("dev") {
		t.Error("SessionExists(dev) = false, want the queued creation to finish")
	}
	member, _ := members.GetMember("dev")
	if member.SessionName != "dev" {
		t.Errorf("member session = %q, want dev", member.SessionName)
	}
}

func TestManager_StartTeamMemberCallbackRuntime(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newTestManager(t, fb, nil)
	fb.onLaunch = func(name, token string) {
		if err := m.ConfirmRegistration(name, "wrong"); !apperrors.IsCode(err, apperrors.CodeRegistrationNotPending) {
			t.Errorf("Confirm(wrong token) = %v, want not_pending", err)
		}
		_ = m.ConfirmRegistration(name, token)
	}

	res, err := m.StartTeamMember(context.Background(), MemberRequest{
		MemberID: "lead",
		Runtime:  launch.RuntimeClaudeCode,
		Prompt:   "plan the sprint",
	})
	if err != nil {
		t.Fatalf("StartTeamMember() error: %v", err)
	}
	if res.SessionName != "lead" {
		t.Errorf("SessionName = %q, want lead", res.SessionName)
	}
	writes := fb.writesTo("lead")
	if len(writes) != 1 || !strings.Contains(writes[0], "'claude' 'plan the sprint'") {
		t.Errorf("launch = %q, want the claude command with the prompt", writes)
	}
}

func TestManager_StartOrchestratorReadsRuntimeEachCall(t *testing.T) {
	fb := newFakeBackend()
	runtimes := &fakeRuntimes{runtime: "bash"}
	m, _ := newTestManager(t, fb, func(o *Options) {
		o.Runtimes = runtimes
		o.Settings.DefaultRuntime = launch.RuntimeClaudeCode
	})

	res, err := m.StartOrchestrator(context.Background(), OrchestratorRequest{Cwd: "/repo"})
	if err != nil {
		t.Fatalf("StartOrchestrator() error: %v", err)
	}
	if res.SessionName != DefaultOrchestratorSession {
		t.Errorf("SessionName = %q, want %q", res.SessionName, DefaultOrchestratorSession)
	}
	infos := m.Sessions()
	if len(infos) != 1 || infos[0].Runtime != launch.RuntimeShell || infos[0].Role != OrchestratorEntity {
		t.Errorf("Sessions() = %+v, want one shell orchestrator", infos)
	}

	// An empty store falls back to the default callback runtime.
	_ = runtimes.SetRuntime(OrchestratorEntity, "")
	fb.mu.Lock()
	fb.onLaunch = func(name, token string) { _ = m.ConfirmRegistration(name, token) }
	fb.mu.Unlock()
	if _, err := m.StartOrchestrator(context.Background(), OrchestratorRequest{SessionName: "orch-2"}); err != nil {
		t.Fatalf("StartOrchestrator() #2 error: %v", err)
	}
	for _, info := range m.Sessions() {
		if info.Name == "orch-2" && info.Runtime != launch.RuntimeClaudeCode {
			t.Errorf("orch-2 runtime = %s, want %s", info.Runtime, launch.RuntimeClaudeCode)
		}
	}

	runtimes.mu.Lock()
	reads := runtimes.reads
	runtimes.mu.Unlock()
	if reads != 2 {
		t.Errorf("RuntimeFor reads = %d, want 2", reads)
	}
}

// =============================================================================
// Input, output and lookups
// =============================================================================

func TestManager_SendInputAndKey(t *testing.T) {
	fb := newFakeBackend()
	m, rec := newTestManager(t, fb, nil)
	if _, err := m.CreateSession(context.Background(), Config{Name: "dev"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	if err := m.SendInput("dev", "ls -la"); err != nil {
		t.Fatalf("SendInput() error: %v", err)
	}
	if err := m.SendKey("dev", "Enter"); err != nil {
		t.Fatalf("SendKey() error: %v", err)
	}

	writes := fb.writesTo("dev")
	if len(writes) != 2 || writes[1] != "ls -la" {
		t.Errorf("writes = %q, want launch then %q", writes, "ls -la")
	}
	if keys := fb.keysTo("dev"); !reflect.DeepEqual(keys, []string{"Enter"}) {
		t.Errorf("keys = %v, want [Enter]", keys)
	}

	sent := rec.ofType(events.TypeMessageSent)
	if len(sent) != 1 || sent[0].Data["text"] != "ls -la" {
		t.Errorf("message_sent events = %+v", sent)
	}
	keyed := rec.ofType(events.TypeKeySent)
	if len(keyed) != 1 || keyed[0].Data["key"] != "Enter" {
		t.Errorf("key_sent events = %+v", keyed)
	}
}

func TestManager_InputIsRateLimited(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newTestManager(t, fb, func(o *Options) {
		o.Settings.InputRatePerSec = 1
		o.Settings.InputBurst = 1
	})
	if _, err := m.CreateSession(context.Background(), Config{Name: "dev"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	if err := m.SendInput("dev", "a"); err != nil {
		t.Fatalf("first SendInput() error: %v", err)
	}
	if err := m.SendInput("dev", "b"); !apperrors.IsCode(err, apperrors.CodeInputRateLimited) {
		t.Errorf("second SendInput() error = %v, want %s", err, apperrors.CodeInputRateLimited)
	}
	if err := m.SendKey("dev", "Enter"); !apperrors.IsCode(err, apperrors.CodeInputRateLimited) {
		t.Errorf("SendKey() error = %v, want %s", err, apperrors.CodeInputRateLimited)
	}
}

func TestManager_UnknownSessionOperations(t *testing.T) {
	m, _ := newTestManager(t, newFakeBackend(), nil)

	_, captureErr := m.CaptureOutput("ghost", 10)
	_, bufferErr := m.Buffer("ghost")

	checks := []struct {
		name string
		err  error
	}{
		{"SendInput", m.SendInput("ghost", "x")},
		{"SendKey", m.SendKey("ghost", "Enter")},
		{"Resize", m.Resize("ghost", 80, 24)},
		{"DestroySession", m.DestroySession("ghost")},
		{"CaptureOutput", captureErr},
		{"Buffer", bufferErr},
	}

	for _, c := range checks {
		if !apperrors.IsCode(c.err, apperrors.CodeSessionNotFound) {
			t.Errorf("%s(ghost) error = %v, want %s", c.name, c.err, apperrors.CodeSessionNotFound)
		}
	}
	if m.SessionExists("ghost") {
		t.Error("SessionExists(ghost) = true")
	}
}

func TestManager_CaptureResizeAndBuffer(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newTestManager(t, fb, nil)
	if _, err := m.CreateSession(context.Background(), Config{Name: "dev"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	fb.emit("dev", "build ok\r\n")
	out, err := m.CaptureOutput("dev", 1)
	if err != nil {
		t.Fatalf("CaptureOutput() error: %v", err)
	}
	if out != "build ok" {
		t.Errorf("CaptureOutput(1) = %q, want %q", out, "build ok")
	}

	if err := m.Resize("dev", 100, 30); err != nil {
		t.Fatalf("Resize() error: %v", err)
	}
	buf, err := m.Buffer("dev")
	if err != nil {
		t.Fatalf("Buffer() error: %v", err)
	}
	if cols, rows := buf.Size(); cols != 100 || rows != 30 {
		t.Errorf("buffer size = %dx%d, want 100x30", cols, rows)
	}
}

func TestManager_ConfirmRegistrationWithoutPending(t *testing.T) {
	m, _ := newTestManager(t, newFakeBackend(), nil)

	err := m.ConfirmRegistration("nobody", "token")
	if !apperrors.IsCode(err, apperrors.CodeRegistrationNotPending) {
		t.Errorf("ConfirmRegistration() error = %v, want %s", err, apperrors.CodeRegistrationNotPending)
	}
}

// =============================================================================
// Exit, history and shutdown
// =============================================================================

func TestManager_SessionExitRemovesSession(t *testing.T) {
	fb := newFakeBackend()
	store, err := storage.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()
	m, rec := newTestManager(t, fb, func(o *Options) { o.History = store })

	if _, err := m.CreateSession(context.Background(), Config{Name: "dev", Cwd: "/work"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	fb.exit("dev")

	if m.SessionExists("dev") {
		t.Error("SessionExists(dev) = true after exit")
	}
	if got := rec.sessionsOf(events.TypeSessionExited); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Errorf("session_exited events = %v, want [dev]", got)
	}

	hist, err := store.ListSessionHistory(10)
	if err != nil {
		t.Fatalf("ListSessionHistory() error: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(hist))
	}
	if hist[0].Status != storage.HistoryExited || hist[0].Cwd != "/work" || hist[0].Backend != "fake" {
		t.Errorf("history = %+v, want exited fake session in /work", hist[0])
	}
}

func TestManager_ShutdownAbandonsQueuedRequests(t *testing.T) {
	fb := newFakeBackend()
	m, rec := newTestManager(t, fb, func(o *Options) {
		o.Settings.CreationDelay = time.Hour
	})

	if out := <-m.Enqueue(Config{Name: "A"}); out.Err != nil {
		t.Fatalf("A error: %v", out.Err)
	}
	b := m.Enqueue(Config{Name: "B"})

	m.Shutdown()

	select {
	case out := <-b:
		if !apperrors.IsCode(out.Err, apperrors.CodeQueueClosed) {
			t.Errorf("B error = %v, want %s", out.Err, apperrors.CodeQueueClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request was never answered")
	}

	if out := <-m.Enqueue(Config{Name: "C"}); !apperrors.IsCode(out.Err, apperrors.CodeQueueClosed) {
		t.Errorf("Enqueue after Shutdown error = %v, want %s", out.Err, apperrors.CodeQueueClosed)
	}
	if fb.SessionExists("A") {
		t.Error("tracked session A survived Shutdown")
	}
	if got := fb.createCalls(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("creations = %v, want only A", got)
	}
	killed := rec.ofType(events.TypeSessionKilled)
	if len(killed) != 1 || killed[0].Data["reason"] != "shutdown" {
		t.Errorf("session_killed events = %+v, want one shutdown", killed)
	}

	// Idempotent.
	m.Shutdown()
}

func TestManager_CreateSessionContextStopsWaiting(t *testing.T) {
	fb := newFakeBackend()
	fb.ready = false
	m, _ := newTestManager(t, fb, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.CreateSession(ctx, Config{Name: "dev", Timeout: time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CreateSession() error = %v, want deadline exceeded", err)
	}
	// The request itself is still being processed.
	if got := fb.createCalls(); len(got) != 1 {
		t.Errorf("creations = %v, want the request to have been started", got)
	}
}

func TestSettings_Defaults(t *testing.T) {
	s := DefaultSettings()
	if s.MaxConcurrentInit != 2 || s.CreateAttempts != 3 {
		t.Errorf("cap/attempts = %d/%d, want 2/3", s.MaxConcurrentInit, s.CreateAttempts)
	}
	if s.CreationDelay != 3*time.Second || s.RestartDelay != time.Second || s.CreateRetryDelay != time.Second {
		t.Errorf("delays = %v/%v/%v", s.CreationDelay, s.RestartDelay, s.CreateRetryDelay)
	}
	if s.DefaultRuntime != launch.RuntimeClaudeCode {
		t.Errorf("DefaultRuntime = %s, want %s", s.DefaultRuntime, launch.RuntimeClaudeCode)
	}
	if s.InputBurst != 20 {
		t.Errorf("InputBurst = %d, want 20", s.InputBurst)
	}
}

func TestSettings_TimeoutFor(t *testing.T) {
	s := Settings{
		RegistrationTimeout: time.Minute,
		RoleTimeouts:        map[string]time.Duration{"orchestrator": 3 * time.Minute},
	}

	tests := []struct {
		cfg  Config
		want time.Duration
	}{
		{Config{Role: "orchestrator"}, 3 * time.Minute},
		{Config{Role: "ORCHESTRATOR"}, 3 * time.Minute},
		{Config{Role: "designer"}, time.Minute},
		{Config{Role: "orchestrator", Timeout: time.Second}, time.Second},
	}
	for _, tt := range tests {
		if got := s.timeoutFor(tt.cfg); got != tt.want {
			t.Errorf("timeoutFor(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}
