// Package speech implements the speech-output surface.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Priority shapes how urgently a text is spoken.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// highPriorityRate scales the speaking rate for high-priority text.
const highPriorityRate = 0.8

// ErrDisabled is returned when speech output is turned off.
var ErrDisabled = errors.New("speech disabled")

// ParsePriority maps free-form input to a priority, defaulting to normal.
func ParsePriority(value string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Speaker is the speech-output surface.
type Speaker interface {
	Speak(ctx context.Context, text string, priority Priority, interrupt bool) error
}

// Nop logs and discards speech requests; used when speech is disabled.
type Nop struct {
	Log *slog.Logger
}

func (n Nop) Speak(_ context.Context, text string, priority Priority, _ bool) error {
	if n.Log != nil {
		n.Log.Debug("Speech disabled, skipping", "priority", priority, "length", len(text))
	}
	return ErrDisabled
}

// rateFor applies priority shaping to a base rate.
func rateFor(base float64, priority Priority) float64 {
	if base <= 0 {
		base = 1.0
	}
	if priority == PriorityHigh {
		return base * highPriorityRate
	}
	return base
}
