package offsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Quality string

const (
	QualityOffline   Quality = "offline"
	QualityPoor      Quality = "poor"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

func (q Quality) Online() bool {
	return q != QualityOffline && q != ""
}

// NetworkMonitor classifies connectivity into four tiers and notifies
// subscribers on transitions. Firing callbacks is its only externally
// observable effect.
type NetworkMonitor interface {
	Quality() Quality
	Online() bool
	Subscribe(fn func(Quality)) (unsubscribe func())
	Close() error
}

// StaticMonitor reports whatever quality it was last told. It backs tests and
// embedders that already have a platform connectivity signal to forward.
type StaticMonitor struct {
	mu      sync.Mutex
	quality Quality
	subs    subscribers[Quality]
}

func NewStaticMonitor(initial Quality) *StaticMonitor {
	if initial == "" {
		initial = QualityOffline
	}
	return &StaticMonitor{quality: initial}
}

func (m *StaticMonitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

func (m *StaticMonitor) Online() bool {
	return m.Quality().Online()
}

func (m *StaticMonitor) SetQuality(q Quality) {
	m.mu.Lock()
	changed := m.quality != q
	m.quality = q
	m.mu.Unlock()
	if changed {
		m.subs.notify(q)
	}
}

func (m *StaticMonitor) Subscribe(fn func(Quality)) func() {
	return m.subs.add(fn)
}

func (m *StaticMonitor) Close() error {
	return nil
}

type ProbeMonitorOptions struct {
	// ProbeURL is probed with a HEAD request; round-trip latency drives the
	// tier classification.
	ProbeURL string
	Interval time.Duration
	// ExcellentLatency and PoorLatency bound the tiers:
	// rtt <= ExcellentLatency -> excellent, rtt <= PoorLatency -> good,
	// above -> poor. Probe failure of any sort -> offline.
	ExcellentLatency time.Duration
	PoorLatency      time.Duration
	// NetstatePaths are files the platform rewrites on connectivity changes
	// (resolv.conf under NetworkManager); a change triggers an immediate
	// re-probe instead of waiting out the interval.
	NetstatePaths []string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// ProbeMonitor derives connectivity quality from active probing. If the
// platform query fails in any way the quality is reported as offline.
type ProbeMonitor struct {
	opts    ProbeMonitorOptions
	client  *http.Client
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	quality Quality
	subs    subscribers[Quality]

	done chan struct{}
	wg   sync.WaitGroup
}

func NewProbeMonitor(opts ProbeMonitorOptions) (*ProbeMonitor, error) {
	if opts.ProbeURL == "" {
		return nil, ErrInvalidInput
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ExcellentLatency <= 0 {
		opts.ExcellentLatency = 250 * time.Millisecond
	}
	if opts.PoorLatency <= 0 {
		opts.PoorLatency = 1200 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &ProbeMonitor{
		opts:    opts,
		client:  client,
		logger:  logger,
		quality: QualityOffline,
		done:    make(chan struct{}),
	}
	if len(opts.NetstatePaths) > 0 {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("netstate watcher unavailable, relying on interval probing", "err", err)
		} else {
			for _, path := range opts.NetstatePaths {
				if err := watcher.Add(path); err != nil {
					logger.Warn("cannot watch netstate path", "path", path, "err", err)
				}
			}
			m.watcher = watcher
		}
	}
	m.probe()
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *ProbeMonitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

func (m *ProbeMonitor) Online() bool {
	return m.Quality().Online()
}

func (m *ProbeMonitor) Subscribe(fn func(Quality)) func() {
	return m.subs.add(fn)
}

func (m *ProbeMonitor) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *ProbeMonitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if m.watcher != nil {
		events = m.watcher.Events
		errs = m.watcher.Errors
	}
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probe()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.probe()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("netstate watcher error", "err", err)
		}
	}
}

func (m *ProbeMonitor) probe() {
	timeout := m.client.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	quality := QualityOffline
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.opts.ProbeURL, nil)
	if err == nil {
		resp, probeErr := m.client.Do(req)
		if probeErr == nil {
			_ = resp.Body.Close()
			rtt := time.Since(start)
			switch {
			case rtt <= m.opts.ExcellentLatency:
				quality = QualityExcellent
			case rtt <= m.opts.PoorLatency:
				quality = QualityGood
			default:
				quality = QualityPoor
			}
		}
	}
	m.setQuality(quality)
}

func (m *ProbeMonitor) setQuality(q Quality) {
	m.mu.Lock()
	changed := m.quality != q
	previous := m.quality
	m.quality = q
	m.mu.Unlock()
	if !changed {
		return
	}
	m.logger.Info("network quality changed", "from", string(previous), "to", string(q))
	m.subs.notify(q)
}
