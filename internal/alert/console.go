package alert

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// ConsoleSink writes alerts to the terminal with color.
type ConsoleSink struct{}

// NewConsoleSink creates a new console alert sink.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{}
}

// Name returns the sink identifier.
func (s *ConsoleSink) Name() string { return "console" }

// Send writes an alert to the terminal with color-coded severity.
func (s *ConsoleSink) Send(_ context.Context, alert domain.Alert) error {
	var prefix string
	switch alert.Level {
	case domain.AlertLevelError:
		prefix = color.RedString("[ERROR]")
	case domain.AlertLevelWarning:
		prefix = color.YellowString("[WARN]")
	default:
		prefix = color.CyanString("[INFO]")
	}

	if alert.Table != "" {
		fmt.Printf("%s [%s] %s\n", prefix, alert.Table, alert.Message)
	} else {
		fmt.Printf("%s %s\n", prefix, alert.Message)
	}
	return nil
}
