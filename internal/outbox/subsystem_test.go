package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestSubsystem(t *testing.T, handler HandlerFunc, monitor *Monitor) *Subsystem {
	t.Helper()
	registry := NewRegistry()
	for _, kind := range []MutationKind{KindCreateRecord, KindDecision, KindMediaUpload, KindSignatureUpload} {
		if err := registry.Register(kind, handler); err != nil {
			t.Fatalf("register %s failed: %v", kind, err)
		}
	}
	sub, err := New(Options{
		Backend:  NewInMemoryStateBackend(),
		Registry: registry,
		Monitor:  monitor,
	})
	if err != nil {
		t.Fatalf("new subsystem failed: %v", err)
	}
	t.Cleanup(sub.Close)
	return sub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEnqueueWhileOfflineThenReconnectSyncs(t *testing.T) {
	handler := &recordingHandler{}
	monitor := NewMonitor(MonitorOptions{InitiallyOnline: false})
	sub := newTestSubsystem(t, handler.handle, monitor)
	sub.Start()

	id, err := sub.EnqueueMutation(MutationRequest{
		ID:      "m1",
		Kind:    KindMediaUpload,
		Payload: json.RawMessage(`{"permitId":"p-77"}`),
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id != "m1" {
		t.Fatalf("expected caller-provided id preserved, got %s", id)
	}
	if status := sub.Status(); status.PendingCount != 1 || status.IsOnline {
		t.Fatalf("expected pendingCount=1 offline, got %+v", status)
	}

	monitor.SetOnline(true)

	waitFor(t, 2*time.Second, func() bool { return sub.Status().PendingCount == 0 })
	m, ok := sub.Store().Get("m1")
	if !ok || m.State != StateSynced {
		t.Fatalf("expected m1 synced after reconnect, got %+v (ok=%v)", m, ok)
	}
	if calls := handler.callIDs(); len(calls) != 1 || calls[0] != "m1" {
		t.Fatalf("expected one delivery of m1, got %v", calls)
	}
}

func TestCloseDuringConnectivityEdgesIsSafe(t *testing.T) {
	handler := &recordingHandler{}
	monitor := NewMonitor(MonitorOptions{InitiallyOnline: false})
	defer monitor.Close()
	sub := newTestSubsystem(t, handler.handle, monitor)
	sub.Start()

	if _, err := sub.EnqueueMutation(MutationRequest{
		ID:      "m1",
		Kind:    KindCreateRecord,
		Payload: json.RawMessage(`{"title":"scaffold check"}`),
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Flap connectivity while Close runs so became-online callbacks land in
	// the teardown window.
	var flapper sync.WaitGroup
	stop := make(chan struct{})
	flapper.Add(1)
	go func() {
		defer flapper.Done()
		online := true
		for {
			select {
			case <-stop:
				return
			default:
				monitor.SetOnline(online)
				online = !online
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	sub.Close()
	close(stop)
	flapper.Wait()

	delivered := len(handler.callIDs())
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	time.Sleep(5 * time.Millisecond)
	if got := len(handler.callIDs()); got != delivered {
		t.Fatalf("expected no deliveries after close, got %d new", got-delivered)
	}
	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindDecision}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	sub := newTestSubsystem(t, (&recordingHandler{}).handle, nil)
	_, err := sub.EnqueueMutation(MutationRequest{Kind: "drone_survey"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
	}
}

func TestEnqueueGeneratesUniqueIDs(t *testing.T) {
	sub := newTestSubsystem(t, (&recordingHandler{}).handle, nil)
	seen := map[string]struct{}{}
	for i := 0; i < 5; i++ {
		id, err := sub.EnqueueMutation(MutationRequest{Kind: KindDecision})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if id == "" {
			t.Fatalf("expected generated id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("expected unique ids, got duplicate %s", id)
		}
		seen[id] = struct{}{}
	}
	if got := sub.Status().PendingCount; got != 5 {
		t.Fatalf("expected 5 pending mutations, got %d", got)
	}
}

func TestEnqueueSchemaValidationRejectsMalformedEnvelope(t *testing.T) {
	sub := newTestSubsystem(t, (&recordingHandler{}).handle, nil)
	schema := []byte(`{
		"type": "object",
		"required": ["permitId"],
		"properties": {"permitId": {"type": "string"}}
	}`)
	if err := sub.Registry().RegisterSchema(KindCreateRecord, schema); err != nil {
		t.Fatalf("register schema failed: %v", err)
	}

	_, err := sub.EnqueueMutation(MutationRequest{Kind: KindCreateRecord, Payload: json.RawMessage(`{"title":"x"}`)})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if got := sub.Status().PendingCount; got != 0 {
		t.Fatalf("rejected mutation must not be queued, pending=%d", got)
	}

	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindCreateRecord, Payload: json.RawMessage(`{"permitId":"p-1"}`)}); err != nil {
		t.Fatalf("expected valid envelope accepted, got %v", err)
	}
}

func TestRequestSyncWhileOfflineWarnsWithoutRetry(t *testing.T) {
	handler := &recordingHandler{}
	monitor := NewMonitor(MonitorOptions{InitiallyOnline: false})
	sub := newTestSubsystem(t, handler.handle, monitor)
	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindCreateRecord}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	_, err := sub.RequestSync(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline no-op, got %v", err)
	}
	if len(handler.callIDs()) != 0 {
		t.Fatalf("offline manual sync must not attempt delivery")
	}
}

func TestStatusReflectsQueueAndMonitor(t *testing.T) {
	handler := &recordingHandler{fail: func(QueuedMutation) error { return errors.New("nope") }}
	monitor := NewMonitor(MonitorOptions{InitiallyOnline: true})
	sub := newTestSubsystem(t, handler.handle, monitor)

	for i := 0; i < 3; i++ {
		if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindDecision}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	// Three failing runs exhaust the cap for every item.
	for run := 0; run < 3; run++ {
		if _, err := sub.RequestSync(context.Background()); err != nil {
			t.Fatalf("sync %d failed: %v", run, err)
		}
	}

	status := sub.Status()
	if status.PendingCount != 0 {
		t.Fatalf("expected no pending work after exhaustion, got %d", status.PendingCount)
	}
	if status.FailedCount != 3 {
		t.Fatalf("expected failed backlog of 3, got %d", status.FailedCount)
	}
	if status.LastSync != nil {
		t.Fatalf("expected no watermark after failing runs")
	}
	if !status.IsOnline || status.IsSyncing {
		t.Fatalf("unexpected status flags: %+v", status)
	}

	if err := sub.ClearAll(); err != nil {
		t.Fatalf("clear all failed: %v", err)
	}
	if got := sub.Status().FailedCount; got != 0 {
		t.Fatalf("expected failed backlog cleared, got %d", got)
	}
}

func TestQueuedByKindFiltersDiagnostics(t *testing.T) {
	sub := newTestSubsystem(t, (&recordingHandler{}).handle, nil)
	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindDecision}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindMediaUpload, AttachmentRef: "photo-1.jpg"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	media := sub.QueuedByKind(KindMediaUpload)
	if len(media) != 1 || media[0].AttachmentRef != "photo-1.jpg" {
		t.Fatalf("expected one media mutation, got %+v", media)
	}
	if all := sub.QueuedByKind(""); len(all) != 2 {
		t.Fatalf("expected 2 mutations without filter, got %d", len(all))
	}
}

func TestSubsystemCloseRejectsFurtherWork(t *testing.T) {
	registry := NewRegistry()
	sub, err := New(Options{Backend: NewInMemoryStateBackend(), Registry: registry})
	if err != nil {
		t.Fatalf("new subsystem failed: %v", err)
	}
	sub.Start()
	sub.Close()

	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindCreateRecord}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if _, err := sub.RequestSync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

// Guards against double-start of the connectivity trigger: rapid flaps must
// produce at most one run per became-online edge and never deadlock.
func TestConnectivityFlapTriggersAreSafe(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, QueuedMutation) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	monitor := NewMonitor(MonitorOptions{InitiallyOnline: false})
	sub := newTestSubsystem(t, handler, monitor)
	sub.Start()

	if _, err := sub.EnqueueMutation(MutationRequest{Kind: KindCreateRecord}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		monitor.SetOnline(true)
		monitor.SetOnline(false)
	}
	monitor.SetOnline(true)
	waitFor(t, 2*time.Second, func() bool { return sub.Status().PendingCount == 0 })

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one delivery despite flapping, got %d", calls)
	}
}
