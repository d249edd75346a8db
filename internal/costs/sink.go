// Package costs emits completion events to the external cost-tracking
// collaborator. Publishing is fire-and-forget: a sink failure is logged and
// never propagated into the completion path.
package costs

import "log/slog"

// Sink receives one event per completed upstream call that produced an
// upstream request id.
type Sink interface {
	Publish(upstreamID, recordID, kind string)
}

// SlogSink writes events to the structured log. Stands in for the real
// cost collector in development and tests.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Publish(upstreamID, recordID, kind string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("completion event",
		"upstream_id", upstreamID,
		"record_id", recordID,
		"kind", kind,
	)
}
