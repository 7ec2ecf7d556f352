package outbox

import (
	"time"
)

const DefaultRetentionWindow = 7 * 24 * time.Hour

// Sweeper purges synced mutations once they age past the retention window.
// failed_permanently items are exempt: they represent actions the user
// believes were recorded, so their removal needs an explicit ClearAll.
type Sweeper struct {
	store  *Store
	window time.Duration
	now    func() time.Time
	logger Logger
}

func NewSweeper(store *Store, window time.Duration, logger Logger) *Sweeper {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Sweeper{
		store:  store,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// SweepOnce removes synced items captured before the retention cutoff.
func (w *Sweeper) SweepOnce() (int, error) {
	cutoff := w.now().Add(-w.window)
	removed, err := w.store.RemoveWhere(func(m QueuedMutation) bool {
		return m.State == StateSynced && m.EnqueuedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		w.logger.Printf("sweep: removed %d synced mutations older than %s", removed, w.window)
	}
	return removed, nil
}
