package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Alert is one recorded degradation event.
type Alert struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// AlertBuffer is a bounded ring buffer of recent alerts. It implements
// pipeline.AlertSink and is injected rather than held as package state, so
// tests do not leak alerts into each other.
type AlertBuffer struct {
	mu       sync.Mutex
	logger   *zap.Logger
	alerts   []Alert
	capacity int
	next     int
	full     bool
}

// NewAlertBuffer builds a buffer keeping the most recent capacity alerts.
func NewAlertBuffer(capacity int, logger *zap.Logger) *AlertBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertBuffer{
		logger:   logger,
		alerts:   make([]Alert, capacity),
		capacity: capacity,
	}
}

// Alert records an event, evicting the oldest once capacity is reached.
func (b *AlertBuffer) Alert(component, message string) {
	b.logger.Warn("degradation alert", zap.String("component", component), zap.String("message", message))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts[b.next] = Alert{Component: component, Message: message, At: time.Now().UTC()}
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.full = true
	}
}

// Recent returns alerts oldest-first.
func (b *AlertBuffer) Recent() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]Alert, b.next)
		copy(out, b.alerts[:b.next])
		return out
	}
	out := make([]Alert, 0, b.capacity)
	out = append(out, b.alerts[b.next:]...)
	out = append(out, b.alerts[:b.next]...)
	return out
}
