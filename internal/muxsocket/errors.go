package muxsocket

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ErrorType classifies the error kinds a multiplexer can encounter.
type ErrorType string

const (
	ErrorUnmatchedTopic   ErrorType = "unmatched_topic"
	ErrorJoinRefused      ErrorType = "join_refused"
	ErrorJoinCrashed      ErrorType = "join_crashed"
	ErrorChannelCrash     ErrorType = "channel_crash"
	ErrorConfiguration    ErrorType = "configuration"
	ErrorForcedDisconnect ErrorType = "forced_disconnect"
)

// ErrorSeverity grades how serious an ErrorEvent is.
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorEvent records one error occurrence. There is no per-user or
// per-connection dimension here: an ErrorEvent already lives inside a
// single connection's error reporter.
type ErrorEvent struct {
	Type        ErrorType
	Severity    ErrorSeverity
	Topic       string
	Message     string
	Err         error
	Timestamp   time.Time
	Recoverable bool
}

// ErrorReporter is the sink a Multiplexer reports ErrorEvents to.
type ErrorReporter interface {
	Report(ErrorEvent)
}

// ErrorStats is a counting ErrorReporter that also logs every event
// through slog at a level derived from its severity.
type ErrorStats struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[ErrorType]int
}

func NewErrorStats(logger *slog.Logger) *ErrorStats {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorStats{logger: logger, counts: make(map[ErrorType]int)}
}

func (s *ErrorStats) Report(ev ErrorEvent) {
	s.mu.Lock()
	s.counts[ev.Type]++
	s.mu.Unlock()

	level := slog.LevelWarn
	switch ev.Severity {
	case SeverityError:
		level = slog.LevelError
	case SeverityCritical:
		level = slog.LevelError
	case SeverityInfo:
		level = slog.LevelInfo
	}

	s.logger.Log(context.Background(), level, ev.Message,
		"type", ev.Type,
		"severity", ev.Severity,
		"topic", ev.Topic,
		"recoverable", ev.Recoverable,
		"error", errString(ev.Err),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetErrorStats returns a copy of the current per-type error counts.
func (s *ErrorStats) GetErrorStats() map[ErrorType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ErrorType]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// ResetErrorStats clears all counters.
func (s *ErrorStats) ResetErrorStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[ErrorType]int)
}
