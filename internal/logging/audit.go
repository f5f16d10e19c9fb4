package logging

import (
	"time"

	"go.uber.org/zap"
)

// AuditEventType identifies one step of a reload request in the audit trail.
type AuditEventType string

const (
	AuditReloadStart    AuditEventType = "reload_start"
	AuditReloadComplete AuditEventType = "reload_complete"
	AuditReloadError    AuditEventType = "reload_error"
	AuditReloadSkipped  AuditEventType = "reload_skipped"
)

// CategoryAudit carries one structured record per reload event.
const CategoryAudit Category = "audit"

// AuditEvent is one structured audit record.
type AuditEvent struct {
	EventType  AuditEventType
	RequestID  string
	Target     string // module[.Type].func
	Kind       string // outcome kind, empty on start
	Generation uint64
	Duration   time.Duration
	Error      string
	Message    string
}

// AuditLogger writes audit events, optionally scoped to a request.
type AuditLogger struct {
	requestID string
}

// AuditWithRequest returns an audit logger that stamps every event with id.
// An empty id leaves events unscoped.
func AuditWithRequest(id string) *AuditLogger { return &AuditLogger{requestID: id} }

// Log writes event at info level, or warn level for errors.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.RequestID == "" {
		event.RequestID = a.requestID
	}
	fields := []interface{}{
		zap.String("event", string(event.EventType)),
		zap.String("target", event.Target),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("req", event.RequestID))
	}
	if event.Kind != "" {
		fields = append(fields, zap.String("kind", event.Kind))
	}
	if event.Generation > 0 {
		fields = append(fields, zap.Uint64("generation", event.Generation))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("dur", event.Duration))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	l := Get(CategoryAudit)
	if event.EventType == AuditReloadError {
		l.Warnw(event.Message, fields...)
		return
	}
	l.Infow(event.Message, fields...)
}

// ReloadStart records that a request began.
func (a *AuditLogger) ReloadStart(target string) {
	a.Log(AuditEvent{EventType: AuditReloadStart, Target: target, Message: "reload requested"})
}

// ReloadFinished records the outcome of a request.
func (a *AuditLogger) ReloadFinished(target, kind string, ok bool, generation uint64, dur time.Duration, errText string) {
	event := AuditEvent{
		Target:     target,
		Kind:       kind,
		Generation: generation,
		Duration:   dur,
		Error:      errText,
	}
	switch {
	case ok:
		event.EventType = AuditReloadComplete
		event.Message = "reload installed"
	case kind == "unchanged":
		event.EventType = AuditReloadSkipped
		event.Message = "reload skipped"
	default:
		event.EventType = AuditReloadError
		event.Message = "reload failed"
	}
	a.Log(event)
}
