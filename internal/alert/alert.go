// Package alert implements alert dispatching to multiple sinks for the
// progress reporter (C10).
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Sink is an alert destination.
type Sink interface {
	Send(ctx context.Context, alert domain.Alert) error
	Name() string
}

// Config names one configured alert sink.
type Config struct {
	Type     domain.AlertSinkType
	URL      string // webhook
	Path     string // file
	QueueURL string // sqs
}

// Dispatcher routes alerts to every configured sink. A sink's delivery
// failure never blocks or fails the others.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher from the configured alert sinks.
func NewDispatcher(ctx context.Context, configs []Config, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger}
	for _, cfg := range configs {
		sink, err := newSink(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s alert sink: %w", cfg.Type, err)
		}
		d.sinks = append(d.sinks, sink)
	}
	return d, nil
}

// Dispatch sends an alert to every configured sink.
func (d *Dispatcher) Dispatch(ctx context.Context, alert domain.Alert) {
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			d.logger.Error("alert: sink delivery failed", "sink", sink.Name(), "error", err)
		}
	}
}

func newSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Type {
	case domain.AlertSinkConsole:
		return NewConsoleSink(), nil
	case domain.AlertSinkWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook URL required")
		}
		return NewWebhookSink(cfg.URL), nil
	case domain.AlertSinkFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file path required")
		}
		return NewFileSink(cfg.Path)
	case domain.AlertSinkSQS:
		if cfg.QueueURL == "" {
			return nil, fmt.Errorf("SQS queue URL required")
		}
		return NewSQSSink(ctx, cfg.QueueURL)
	default:
		return nil, fmt.Errorf("unknown alert sink type %q", cfg.Type)
	}
}
