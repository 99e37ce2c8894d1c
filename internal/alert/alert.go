// Package alert fans critical notifications out to configured channels.
// Review queue items, anomalies and kill-switch trips all pass through
// here so operators hear about them even when no dashboard is open.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/core"
)

// Severity orders alerts for channel filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Code     string
	Title    string
	Detail   string
	Time     time.Time
}

// Channel delivers alerts to one destination. Implementations must not
// block the caller for long; delivery failures are logged and dropped.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Manager broadcasts alerts to all channels, deduplicating repeats of
// the same code inside the suppression window.
type Manager struct {
	channels []Channel
	clock    core.IClock
	logger   core.ILogger

	mu       sync.Mutex
	lastSent map[string]time.Time
	window   time.Duration
}

// NewManager creates an alert manager with a 15-minute repeat window.
func NewManager(channels []Channel, clock core.IClock, logger core.ILogger) *Manager {
	return &Manager{
		channels: channels,
		clock:    clock,
		logger:   logger.WithField("component", "alerts"),
		lastSent: make(map[string]time.Time),
		window:   15 * time.Minute,
	}
}

// Notify sends an alert through every channel. Repeats of the same code
// within the window are suppressed; critical alerts always go through.
func (m *Manager) Notify(ctx context.Context, a Alert) {
	if a.Time.IsZero() {
		a.Time = m.clock.Now()
	}

	if a.Severity < SeverityCritical {
		m.mu.Lock()
		if last, ok := m.lastSent[a.Code]; ok && a.Time.Sub(last) < m.window {
			m.mu.Unlock()
			return
		}
		m.lastSent[a.Code] = a.Time
		m.mu.Unlock()
	}

	for _, ch := range m.channels {
		if err := ch.Send(ctx, a); err != nil {
			m.logger.Error("Alert delivery failed",
				"channel", ch.Name(), "code", a.Code, "error", err)
		}
	}
}

// LogChannel writes alerts to the structured log. Always configured, so
// every alert lands in the audit trail even with no external channel.
type LogChannel struct {
	logger core.ILogger
}

// NewLogChannel creates the log-backed channel.
func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, a Alert) error {
	switch a.Severity {
	case SeverityCritical:
		c.logger.Error(a.Title, "code", a.Code, "detail", a.Detail)
	case SeverityWarning:
		c.logger.Warn(a.Title, "code", a.Code, "detail", a.Detail)
	default:
		c.logger.Info(a.Title, "code", a.Code, "detail", a.Detail)
	}
	return nil
}
