// Package alerts fans operator alerts out to the configured channels.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager manages multiple alert channels
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// SendCritical is a convenience method for critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// LogAlerter writes alerts to the structured log; always configured so
// no alert is ever silently lost
type LogAlerter struct{}

// Send logs the alert at a level matching its severity
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Info()
	switch alert.Severity {
	case SeverityWarning:
		event = log.Warn()
	case SeverityCritical:
		event = log.Error()
	}
	event.
		Str("title", alert.Title).
		Str("severity", string(alert.Severity)).
		Interface("metadata", alert.Metadata).
		Msg(alert.Message)
	return nil
}
