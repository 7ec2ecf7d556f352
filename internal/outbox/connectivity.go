package outbox

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ProbeFunc reports whether the remote side is currently reachable.
type ProbeFunc func(ctx context.Context) bool

type MonitorOptions struct {
	Probe           ProbeFunc
	ProbeInterval   time.Duration
	InitiallyOnline bool
	Logger          Logger
}

// Monitor tracks reachability and notifies subscribers on edges only: a
// subscriber sees became-online and became-offline transitions, never a
// repeat of the current state. The monitor holds no queue state and performs
// no retries; it is a pure signal source.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	subs     map[int]func(online bool)
	nextSub  int
	probe    ProbeFunc
	interval time.Duration
	logger   Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(opts MonitorOptions) *Monitor {
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Monitor{
		online:   opts.InitiallyOnline,
		subs:     map[int]func(bool){},
		probe:    opts.Probe,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records an observed reachability state. Consecutive calls with
// the same value emit nothing.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Printf("connectivity: became online")
	} else {
		m.logger.Printf("connectivity: became offline")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers an edge listener and returns its cancel func.
// Listeners run on the goroutine that observed the transition and must not
// block.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start begins the background probe loop. Without a probe the monitor is
// driven purely by SetOnline calls.
func (m *Monitor) Start() {
	if m.probe == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.interval)
				reachable := m.probe(ctx)
				cancel()
				m.SetOnline(reachable)
			}
		}
	}()
}

func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// HTTPProbe builds a probe that treats any HTTP response from url as
// reachable; only transport-level failures count as offline.
func HTTPProbe(url string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}
