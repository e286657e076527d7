// Package notify delivers operator alerts about tenant lifecycle failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoSinks is returned by Notifier.Alert when no sink is registered.
var ErrNoSinks = errors.New("notify: no sinks registered") //nolint:gochecknoglobals // sentinel error

// Severity of an alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert describes one operator-visible failure.
type Alert struct {
	Title    string
	Severity Severity
	TenantID string
	UserID   string
	Stage    string
	Err      error
	At       time.Time
}

// Text renders the alert as one line of plain text.
func (a Alert) Text() string {
	s := fmt.Sprintf("[%s] %s", a.Severity, a.Title)
	if a.TenantID != "" {
		s += " tenant=" + a.TenantID
	}
	if a.UserID != "" {
		s += " user=" + a.UserID
	}
	if a.Stage != "" {
		s += " stage=" + a.Stage
	}
	if a.Err != nil {
		s += " error=" + a.Err.Error()
	}
	return s
}

// Alerter is what the lifecycle code depends on.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Notifier fans an alert out to every registered sink.
type Notifier struct {
	sinks *Registry
}

// New creates a Notifier over the given sink registry.
func New(sinks *Registry) *Notifier {
	return &Notifier{sinks: sinks}
}

// Alert sends a to all sinks. A failing sink does not stop the others; the
// error returned joins every sink failure.
func (n *Notifier) Alert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if a.Severity == "" {
		a.Severity = SeverityError
	}

	sinks := n.sinks.All()
	if len(sinks) == 0 {
		log.Warn().Str("alert", a.Text()).Msg("notify: no sinks registered, alert dropped")
		return ErrNoSinks
	}

	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, a); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("notify: sink failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify.Notifier.Alert: %w", errors.Join(errs...))
	}

	return nil
}

// LogSink writes alerts to the global zerolog logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, a Alert) error {
	ev := log.Error()
	if a.Severity == SeverityWarning {
		ev = log.Warn()
	}
	ev.Err(a.Err).
		Str("tenant_id", a.TenantID).
		Str("user_id", a.UserID).
		Str("stage", a.Stage).
		Msg(a.Title)
	return nil
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Alert(context.Context, Alert) error { return nil }
