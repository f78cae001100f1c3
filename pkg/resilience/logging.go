package resilience

import (
	"context"
	"time"
)

// EventKind names an attempt-boundary event.
type EventKind string

const (
	EventAttemptStarted   EventKind = "attempt_started"
	EventAttemptSucceeded EventKind = "attempt_succeeded"
	EventRetryScheduled   EventKind = "retry_scheduled"
	EventFatalFailure     EventKind = "fatal_failure"
	EventRetriesExhausted EventKind = "retries_exhausted"
	EventCircuitOpen      EventKind = "circuit_open"
	EventTimedOut         EventKind = "timed_out"
	EventBreakerDegraded  EventKind = "breaker_degraded"
)

// Event is a structured record emitted by the executor and breaker.
type Event struct {
	Operation   string
	Kind        EventKind
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Fields      map[string]any
	Error       error
}

// EventLogger receives executor and breaker events.
type EventLogger interface {
	LogEvent(ctx context.Context, event Event)
}

type nopEventLogger struct{}

func (nopEventLogger) LogEvent(context.Context, Event) {}
