package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrOffline              = errors.New("offline")
	ErrSyncRunning          = errors.New("sync already running")
	ErrNoHandler            = errors.New("no handler registered")
	ErrStorageQuota         = errors.New("storage quota exceeded")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrAttachmentUnresolved = errors.New("attachment unresolved")
	ErrClosed               = errors.New("subsystem closed")
	ErrNotImplemented       = errors.New("not implemented")
)

// MutationKind selects the delivery handler for a queued mutation.
type MutationKind string

const (
	KindCreateRecord    MutationKind = "create_record"
	KindDecision        MutationKind = "decision"
	KindMediaUpload     MutationKind = "media_upload"
	KindSignatureUpload MutationKind = "signature_upload"
)

func knownKind(kind MutationKind) bool {
	switch kind {
	case KindCreateRecord, KindDecision, KindMediaUpload, KindSignatureUpload:
		return true
	}
	return false
}

type MutationState string

const (
	StatePending           MutationState = "pending"
	StateInFlight          MutationState = "in_flight"
	StateSynced            MutationState = "synced"
	StateRetryPending      MutationState = "retry_pending"
	StateFailedPermanently MutationState = "failed_permanently"
)

// QueuedMutation is one durable unit of client-originated work. The ID is
// client-generated and doubles as the idempotency token the remote side
// deduplicates on; the payload is never inspected by the queue.
type QueuedMutation struct {
	ID            string          `json:"id"`
	Kind          MutationKind    `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AttachmentRef string          `json:"attachmentRef,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	State         MutationState   `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
}

type TriggerSource string

const (
	TriggerConnectivity TriggerSource = "connectivity"
	TriggerTimer        TriggerSource = "timer"
	TriggerManual       TriggerSource = "manual"
)

// SyncSession describes one bounded orchestrator run. At most one session is
// active at a time; triggers arriving mid-run are dropped.
type SyncSession struct {
	TriggeredBy     TriggerSource `json:"triggeredBy"`
	StartedAt       time.Time     `json:"startedAt"`
	Processed       int           `json:"processed"`
	Succeeded       int           `json:"succeeded"`
	ProgressPercent int           `json:"progressPercent"`
}

// SyncStatus is the snapshot exposed to display layers, recomputed on demand
// from queue and orchestrator state.
type SyncStatus struct {
	IsOnline     bool       `json:"isOnline"`
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	FailedCount  int        `json:"failedCount"`
	LastSync     *time.Time `json:"lastSync,omitempty"`
	SyncProgress int        `json:"syncProgress"`
}

// Logger is the minimal logging surface injected throughout the subsystem.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
