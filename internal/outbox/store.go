package outbox

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// persistedState is the single serialized blob a StateBackend stores under
// its well-known key. It is rewritten in full on every mutation; no
// partial-write protocol is assumed.
type persistedState struct {
	Mutations  []QueuedMutation `json:"mutations"`
	LastSyncAt *time.Time       `json:"lastSyncAt,omitempty"`
}

// StateBackend persists the durable queue blob. Implementations must return
// (nil, nil) from Load when no state has ever been written.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// Store is the durable queue store. Exactly one QueuedMutation exists per
// logical client action: appending with an id already present supersedes the
// prior record in place. Writes that fail at the backend roll the in-memory
// state back and surface the error to the caller, so a failed Append means
// the mutation was never queued.
type Store struct {
	mu       sync.Mutex
	backend  StateBackend
	items    map[string]QueuedMutation
	lastSync *time.Time
	now      func() time.Time
}

func NewStore(backend StateBackend) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: state backend is required", ErrInvalidInput)
	}
	s := &Store{
		backend: backend,
		items:   map[string]QueuedMutation{},
		now:     time.Now,
	}
	if err := s.hydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// hydrate restores queue state exactly as last written, except that items
// found in_flight become retry_pending: a prior process cannot be assumed to
// have completed the network call before exiting.
func (s *Store) hydrate() error {
	state, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("load durable queue state: %w", err)
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reverted := false
	for _, m := range state.Mutations {
		if m.ID == "" {
			continue
		}
		if m.State == StateInFlight {
			m.State = StateRetryPending
			reverted = true
		}
		s.items[m.ID] = m
	}
	s.lastSync = state.LastSyncAt
	if reverted {
		return s.saveLocked()
	}
	return nil
}

// Append enqueues a mutation, or supersedes the existing record when the id
// is already present. The persisted write happens synchronously; on backend
// failure the previous state is restored and the error returned.
func (s *Store) Append(m QueuedMutation) error {
	if m.ID == "" || m.Kind == "" {
		return fmt.Errorf("%w: mutation id and kind are required", ErrInvalidInput)
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = s.now().UTC()
	}
	if m.State == "" {
		m.State = StatePending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, existed := s.items[m.ID]
	if existed {
		// Supersede: keep the original capture time so retention and
		// ordering stay tied to the first enqueue of the logical action.
		m.EnqueuedAt = prior.EnqueuedAt
	}
	s.items[m.ID] = m
	if err := s.saveLocked(); err != nil {
		if existed {
			s.items[m.ID] = prior
		} else {
			delete(s.items, m.ID)
		}
		return err
	}
	return nil
}

// Update applies patch to the stored mutation and persists the result.
func (s *Store) Update(id string, patch func(*QueuedMutation)) error {
	if id == "" || patch == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	next := prior
	patch(&next)
	next.ID = prior.ID
	next.EnqueuedAt = prior.EnqueuedAt
	s.items[id] = next
	if err := s.saveLocked(); err != nil {
		s.items[id] = prior
		return err
	}
	return nil
}

// RemoveWhere deletes every mutation the predicate matches and reports how
// many were removed.
func (s *Store) RemoveWhere(pred func(QueuedMutation) bool) (int, error) {
	if pred == nil {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[string]QueuedMutation{}
	for id, m := range s.items {
		if pred(m) {
			removed[id] = m
			delete(s.items, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		for id, m := range removed {
			s.items[id] = m
		}
		return 0, err
	}
	return len(removed), nil
}

func (s *Store) Get(id string) (QueuedMutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	return m, ok
}

// LoadAll returns every stored mutation in enqueue order, oldest first.
func (s *Store) LoadAll() []QueuedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(QueuedMutation) bool { return true })
}

// Eligible returns the snapshot a sync run drains: pending and retry_pending
// mutations, oldest enqueued first. Oldest-first preserves causal ordering
// for mutations on the same logical entity.
func (s *Store) Eligible() []QueuedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(m QueuedMutation) bool {
		return m.State == StatePending || m.State == StateRetryPending
	})
}

func (s *Store) ByKind(kind MutationKind) []QueuedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(m QueuedMutation) bool {
		return kind == "" || m.Kind == kind
	})
}

func (s *Store) sortedLocked(keep func(QueuedMutation) bool) []QueuedMutation {
	out := make([]QueuedMutation, 0, len(s.items))
	for _, m := range s.items {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// PendingCount counts undelivered work: everything not yet synced and not
// parked as failed_permanently.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.items {
		switch m.State {
		case StatePending, StateRetryPending, StateInFlight:
			count++
		}
	}
	return count
}

func (s *Store) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.items {
		if m.State == StateFailedPermanently {
			count++
		}
	}
	return count
}

// ClearAll is the explicit destructive reset, the only path that discards
// failed_permanently records.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.items
	s.items = map[string]QueuedMutation{}
	if err := s.saveLocked(); err != nil {
		s.items = prior
		return err
	}
	return nil
}

func (s *Store) SetLastSync(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.lastSync
	utc := t.UTC()
	s.lastSync = &utc
	if err := s.saveLocked(); err != nil {
		s.lastSync = prior
		return err
	}
	return nil
}

func (s *Store) LastSync() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSync == nil {
		return nil
	}
	t := *s.lastSync
	return &t
}

func (s *Store) Close() {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		_ = closer.Close()
	}
}

func (s *Store) saveLocked() error {
	state := &persistedState{
		Mutations:  make([]QueuedMutation, 0, len(s.items)),
		LastSyncAt: s.lastSync,
	}
	for _, m := range s.items {
		state.Mutations = append(state.Mutations, m)
	}
	sort.Slice(state.Mutations, func(i, j int) bool {
		if state.Mutations[i].EnqueuedAt.Equal(state.Mutations[j].EnqueuedAt) {
			return state.Mutations[i].ID < state.Mutations[j].ID
		}
		return state.Mutations[i].EnqueuedAt.Before(state.Mutations[j].EnqueuedAt)
	})
	if err := s.backend.Save(state); err != nil {
		return fmt.Errorf("save durable queue state: %w", err)
	}
	return nil
}
