package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultSyncInterval = 5 * time.Minute

// Options configures a Subsystem. Backend is the only required field.
type Options struct {
	Backend         StateBackend
	Registry        *Registry
	Monitor         *Monitor
	Logger          Logger
	SyncInterval    time.Duration
	MaxAttempts     int
	RetentionWindow time.Duration
	NewID           func() string
	Clock           func() time.Time
}

// Subsystem is the explicitly constructed delivery engine handed to callers
// by dependency injection. It owns the durable queue store, the orchestrator
// and its timers, the retention sweeper, and the connectivity subscription.
// It emits state transitions only; what to show a user is an observer's
// concern.
type Subsystem struct {
	store    *Store
	registry *Registry
	monitor  *Monitor
	orch     *Orchestrator
	sweeper  *Sweeper
	logger   Logger

	syncInterval time.Duration
	newID        func() string
	now          func() time.Time

	unsubscribe func()
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	closed      bool
	mu          sync.Mutex
}

func New(opts Options) (*Subsystem, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: state backend is required", ErrInvalidInput)
	}
	store, err := NewStore(opts.Backend)
	if err != nil {
		return nil, err
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	store.now = clock
	orch, err := NewOrchestrator(store, registry, opts.Monitor, OrchestratorOptions{
		MaxAttempts: opts.MaxAttempts,
		Logger:      logger,
		Clock:       clock,
	})
	if err != nil {
		return nil, err
	}
	sweeper := NewSweeper(store, opts.RetentionWindow, logger)
	sweeper.now = clock
	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	return &Subsystem{
		store:        store,
		registry:     registry,
		monitor:      opts.Monitor,
		orch:         orch,
		sweeper:      sweeper,
		logger:       logger,
		syncInterval: syncInterval,
		newID:        newID,
		now:          clock,
		stop:         make(chan struct{}),
	}, nil
}

func (s *Subsystem) Registry() *Registry { return s.registry }
func (s *Subsystem) Store() *Store { return s.store }

// Start wires the background triggers: the periodic sync/sweep tick and the
// became-online subscription. RequestSync remains available without Start.
func (s *Subsystem) Start() {
	if s.monitor != nil {
		s.unsubscribe = s.monitor.Subscribe(func(online bool) {
			// The monitor invokes callbacks outside its lock; an edge
			// captured just before unsubscribe can still arrive mid-Close.
			if !online || !s.beginWork() {
				return
			}
			go func() {
				defer s.wg.Done()
				if _, err := s.orch.SyncOnce(context.Background(), TriggerConnectivity); err != nil && err != ErrSyncRunning {
					s.logger.Printf("sync: connectivity trigger: %v", err)
				}
			}()
		})
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.orch.SyncOnce(context.Background(), TriggerTimer); err != nil && err != ErrSyncRunning && err != ErrOffline {
					s.logger.Printf("sync: timer trigger: %v", err)
				}
				if _, err := s.sweeper.SweepOnce(); err != nil {
					s.logger.Printf("sweep: %v", err)
				}
			}
		}
	}()
}

// MutationRequest describes one logical client action to enqueue. Leaving ID
// empty mints a fresh one; supplying the prior id supersedes that record
// instead of duplicating it.
type MutationRequest struct {
	ID            string
	Kind          MutationKind
	Payload       json.RawMessage
	AttachmentRef string
}

// EnqueueMutation durably queues a mutation and returns its id, the
// idempotency token the remote side dedups on. A backend write failure means
// the mutation was NOT queued; the error propagates synchronously so the
// caller can tell the user instead of reporting false success.
func (s *Subsystem) EnqueueMutation(req MutationRequest) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if !knownKind(req.Kind) {
		return "", fmt.Errorf("%w: unknown mutation kind %q", ErrInvalidInput, req.Kind)
	}
	if err := s.registry.ValidatePayload(req.Kind, req.Payload); err != nil {
		return "", err
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	m := QueuedMutation{
		ID:            id,
		Kind:          req.Kind,
		Payload:       req.Payload,
		AttachmentRef: req.AttachmentRef,
		EnqueuedAt:    s.now().UTC(),
		State:         StatePending,
	}
	if err := s.store.Append(m); err != nil {
		return "", err
	}
	return id, nil
}

// RequestSync is the manual trigger. Offline it is a no-op returning
// ErrOffline; with a run already active the trigger is dropped with
// ErrSyncRunning.
func (s *Subsystem) RequestSync(ctx context.Context) (SyncSession, error) {
	if s.isClosed() {
		return SyncSession{}, ErrClosed
	}
	return s.orch.SyncOnce(ctx, TriggerManual)
}

// Status snapshots the externally observable state of both delivery planes.
func (s *Subsystem) Status() SyncStatus {
	status := SyncStatus{
		IsOnline:     s.monitor == nil || s.monitor.Online(),
		IsSyncing:    s.orch.Running(),
		PendingCount: s.store.PendingCount(),
		FailedCount:  s.store.FailedCount(),
		LastSync:     s.store.LastSync(),
	}
	if session, ok := s.orch.CurrentSession(); ok {
		status.SyncProgress = session.ProgressPercent
	}
	return status
}

func (s *Subsystem) QueuedByKind(kind MutationKind) []QueuedMutation {
	return s.store.ByKind(kind)
}

// ClearAll destructively resets the queue, including the failed_permanently
// backlog. It exists for explicit operator use only.
func (s *Subsystem) ClearAll() error {
	return s.store.ClearAll()
}

// SweepNow runs the retention sweeper on demand.
func (s *Subsystem) SweepNow() (int, error) {
	return s.sweeper.SweepOnce()
}

func (s *Subsystem) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stop)
		s.wg.Wait()
		s.store.Close()
	})
}

// beginWork reserves a spot in the waitgroup unless the subsystem is already
// closed. Holding the closed check and the Add under one lock keeps late
// monitor callbacks from racing Close's Wait.
func (s *Subsystem) beginWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Subsystem) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
