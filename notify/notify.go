// Package notify implements the Notifier: a cooldown-gated fan-out of
// alerts to one or more backends (SMTP, Telegram), coalescing repeats of
// the same alert within a 5-minute window so a flapping condition doesn't
// flood an operator's inbox.
package notify

import (
	"sync"
	"time"

	"sentrypd/logger"
)

// Backend delivers one alert to an external channel.
type Backend interface {
	Send(alert Alert) error
}

// Alert is one notification event.
type Alert struct {
	Severity string // INFO|WARNING|CRITICAL
	Key      string // coalescing key; repeats of the same key within the cooldown window are suppressed
	Title    string
	Message  string
	At       time.Time
}

// Manager fans an Alert out to every registered Backend, gated by a
// per-key cooldown.
type Manager struct {
	backends []Backend
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	queue chan Alert
	wg    sync.WaitGroup
}

// New constructs a Manager with a default 5-minute coalescing cooldown.
func New(cooldown time.Duration, backends ...Backend) *Manager {
	if cooldown == 0 {
		cooldown = 5 * time.Minute
	}
	m := &Manager{
		backends: backends,
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
		queue:    make(chan Alert, 64),
	}
	m.wg.Add(1)
	go m.drain()
	return m
}

// Notify enqueues an alert for fire-and-forget delivery. It never blocks the
// caller beyond a full queue (in which case the alert is dropped and logged,
// since a stuck notifier must never stall the risk engine or scheduler).
func (m *Manager) Notify(level, title, message string) {
	m.NotifyAlert(Alert{Severity: level, Key: title, Title: title, Message: message, At: time.Now()})
}

// NotifyAlert enqueues a fully-specified Alert, allowing callers to set a
// coalescing Key distinct from the human-readable Title.
func (m *Manager) NotifyAlert(alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	select {
	case m.queue <- alert:
	default:
		logger.Warnf("notify: queue full, dropping alert %q", alert.Title)
	}
}

// Close stops the delivery worker once the queue drains.
func (m *Manager) Close() {
	close(m.queue)
	m.wg.Wait()
}

func (m *Manager) drain() {
	defer m.wg.Done()
	for alert := range m.queue {
		m.deliver(alert)
	}
}

func (m *Manager) deliver(alert Alert) {
	if m.suppressed(alert) {
		return
	}
	for _, backend := range m.backends {
		if err := backend.Send(alert); err != nil {
			logger.Warnf("notify: backend delivery failed for %q: %v", alert.Title, err)
		}
	}
}

// suppressed applies the coalescing cooldown: a repeat of the same Key
// within the window is dropped.
func (m *Manager) suppressed(alert Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, seen := m.lastSent[alert.Key]
	if seen && alert.At.Sub(last) < m.cooldown {
		return true
	}
	m.lastSent[alert.Key] = alert.At
	return false
}
