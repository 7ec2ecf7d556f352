package outbox

import (
	"context"
	"sync"
	"time"
)

const DefaultMaxAttempts = 3

// Orchestrator drains the durable queue sequentially. It is gated so only one
// SyncSession runs at a time: a trigger arriving mid-run is dropped rather
// than queued, relying on the next connectivity edge or timer tick to catch
// remaining work.
type Orchestrator struct {
	store       *Store
	registry    *Registry
	monitor     *Monitor
	logger      Logger
	maxAttempts int
	now         func() time.Time

	mu         sync.Mutex
	running    bool
	session    SyncSession
	hasSession bool
}

type OrchestratorOptions struct {
	MaxAttempts int
	Logger      Logger
	Clock       func() time.Time
}

func NewOrchestrator(store *Store, registry *Registry, monitor *Monitor, opts OrchestratorOptions) (*Orchestrator, error) {
	if store == nil || registry == nil {
		return nil, ErrInvalidInput
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		store:       store,
		registry:    registry,
		monitor:     monitor,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         clock,
	}, nil
}

// SyncOnce runs one bounded drain of the durable queue. While offline it is a
// no-op returning ErrOffline; while another run is active it is a dropped
// no-op returning ErrSyncRunning. Individual item failures never abort the
// run: every eligible item in the snapshot is attempted exactly once.
func (o *Orchestrator) SyncOnce(ctx context.Context, trigger TriggerSource) (SyncSession, error) {
	if o.monitor != nil && !o.monitor.Online() {
		return SyncSession{}, ErrOffline
	}
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return SyncSession{}, ErrSyncRunning
	}
	o.running = true
	o.session = SyncSession{TriggeredBy: trigger, StartedAt: o.now().UTC()}
	o.hasSession = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	snapshot := o.store.Eligible()
	total := 0
	for _, m := range snapshot {
		if m.Attempts < o.maxAttempts {
			total++
		}
	}

	failures := 0
	for _, m := range snapshot {
		if m.Attempts >= o.maxAttempts {
			// Exhausted before this run; park it for operator visibility
			// and exclude it from the run's counts.
			if m.State != StateFailedPermanently {
				o.markExhausted(m.ID)
			}
			continue
		}
		if err := o.deliverOne(ctx, m); err != nil {
			failures++
			o.advanceSession(total, false)
		} else {
			o.advanceSession(total, true)
		}
	}

	if failures == 0 {
		if err := o.store.SetLastSync(o.now()); err != nil {
			o.logger.Printf("sync: persist watermark failed: %v", err)
		}
	}

	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	o.logger.Printf("sync: run complete trigger=%s processed=%d succeeded=%d", trigger, session.Processed, session.Succeeded)
	return session, nil
}

// deliverOne walks a single item through in_flight and back. The handler call
// runs to completion once started; there is no mid-handler cancellation.
func (o *Orchestrator) deliverOne(ctx context.Context, m QueuedMutation) error {
	if err := o.store.Update(m.ID, func(cur *QueuedMutation) {
		cur.State = StateInFlight
	}); err != nil {
		o.logger.Printf("sync: mark in_flight %s failed: %v", m.ID, err)
		return err
	}

	handler, ok := o.registry.Handler(m.Kind)
	var deliverErr error
	if !ok {
		deliverErr = ErrNoHandler
	} else {
		deliverErr = handler(ctx, m)
	}

	if deliverErr == nil {
		if err := o.store.Update(m.ID, func(cur *QueuedMutation) {
			cur.State = StateSynced
			cur.LastError = ""
		}); err != nil {
			o.logger.Printf("sync: mark synced %s failed: %v", m.ID, err)
			return err
		}
		return nil
	}

	o.logger.Printf("sync: deliver %s (%s) failed: %v", m.ID, m.Kind, deliverErr)
	if err := o.store.Update(m.ID, func(cur *QueuedMutation) {
		cur.Attempts++
		cur.LastError = deliverErr.Error()
		if cur.Attempts >= o.maxAttempts {
			cur.State = StateFailedPermanently
		} else {
			cur.State = StateRetryPending
		}
	}); err != nil {
		o.logger.Printf("sync: record failure %s failed: %v", m.ID, err)
	}
	return deliverErr
}

func (o *Orchestrator) markExhausted(id string) {
	if err := o.store.Update(id, func(cur *QueuedMutation) {
		cur.State = StateFailedPermanently
	}); err != nil {
		o.logger.Printf("sync: park exhausted %s failed: %v", id, err)
	}
}

// advanceSession updates per-item progress so a display layer can show
// partial completion mid-run.
func (o *Orchestrator) advanceSession(total int, succeeded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session.Processed++
	if succeeded {
		o.session.Succeeded++
	}
	if total > 0 {
		o.session.ProgressPercent = o.session.Processed * 100 / total
	} else {
		o.session.ProgressPercent = 100
	}
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// CurrentSession reports the active or most recent session.
func (o *Orchestrator) CurrentSession() (SyncSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session, o.hasSession
}
