package xrdcore

import (
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MonitoringEvent is the structured record logged alongside every
// MonitoringSender.SendInfo call. It uses the protobuf well-known
// timestamp/duration types rather than hand-rolled equivalents, since
// they marshal to the same wire-friendly JSON shape the rest of the
// monitoring pipeline (outside this module's scope) already expects.
type MonitoringEvent struct {
	LastURL string
	JobID   string
	SentAt  *timestamppb.Timestamp
	Elapsed *durationpb.Duration
}

// NewMonitoringEvent builds a MonitoringEvent for a send that started
// at start and is being recorded now.
func NewMonitoringEvent(lastURL, jobID string, start, now time.Time) *MonitoringEvent {
	return &MonitoringEvent{
		LastURL: lastURL,
		JobID:   jobID,
		SentAt:  timestamppb.New(now),
		Elapsed: durationpb.New(now.Sub(start)),
	}
}

// LogAttrs renders the event as structured log attributes understood
// by log/slog without requiring callers to import protobuf types.
func (e *MonitoringEvent) LogAttrs() []any {
	return []any{
		"last_url", e.LastURL,
		"job_id", e.JobID,
		"sent_at", e.SentAt.AsTime(),
		"elapsed", e.Elapsed.AsDuration(),
	}
}
