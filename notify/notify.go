// Package notify is the outbound alerting boundary. The pipeline emits
// events with just enough context for a downstream collaborator to render
// them; no user-facing text beyond a short status label is produced here.
package notify

import (
	"context"
	"log/slog"
)

// Event kinds.
const (
	KindCancellation = "cancellation_detected"
	KindScrapeError  = "scrape_error"
)

// Event is one pipeline notification.
type Event struct {
	Kind     string `json:"kind"`
	TenantID string `json:"tenant_id"`
	RecordID string `json:"record_id"`
	Label    string `json:"label"`  // short human label (solicitation number)
	Status   string `json:"status"` // scraping status or workflow status
	Detail   string `json:"detail,omitempty"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Cancellation builds a cancellation-detected event.
func Cancellation(tenantID, recordID, label string) Event {
	return Event{Kind: KindCancellation, TenantID: tenantID, RecordID: recordID, Label: label, Status: "cancelled"}
}

// ScrapeError builds a scraping-error event.
func ScrapeError(tenantID, recordID, label, status, detail string) Event {
	return Event{Kind: KindScrapeError, TenantID: tenantID, RecordID: recordID, Label: label, Status: status, Detail: detail}
}

// LogSink writes events to a logger. The default sink when no webhook is
// configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, ev Event) error {
	s.logger.Info("notify: "+ev.Kind,
		"tenant_id", ev.TenantID,
		"record_id", ev.RecordID,
		"label", ev.Label,
		"status", ev.Status,
		"detail", ev.Detail)
	return nil
}

// Multi fans an event out to several notifiers. Delivery failures are
// logged and swallowed so one dead sink cannot stall the pipeline.
type Multi struct {
	sinks  []Notifier
	logger *slog.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger *slog.Logger, sinks ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			m.logger.Warn("notify: sink failed", "kind", ev.Kind, "error", err)
		}
	}
	return nil
}
