// Package audit records immutable structured audit events for every
// security-relevant transition: token issuance, approvals, executions,
// receipt emission.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/redaction"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventPolicy   EventType = "POLICY"
)

// Event is a structured audit record.
type Event struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ActorID       string         `json:"actor_id"`
	Type          EventType      `json:"type"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

// logger writes redacted JSON lines to a writer.
type logger struct {
	mu       sync.Mutex
	writer   io.Writer
	redactor *redaction.Redactor
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given sink.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, redactor: redaction.New()}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := build(ctx, eventType, action, resource, metadata, l.redactor)

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

func build(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any, r *redaction.Redactor) Event {
	tenantID := "system"
	actorID := "system"
	if p, err := tenancy.GetPrincipal(ctx); err == nil {
		tenantID = p.TenantID
		actorID = p.ActorID
	}

	var redacted map[string]any
	if metadata != nil {
		generic := make(map[string]any, len(metadata))
		for k, v := range metadata {
			generic[k] = v
		}
		redacted, _ = r.Apply(generic).(map[string]any)
	}

	return Event{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ActorID:       actorID,
		Type:          eventType,
		Action:        action,
		Resource:      resource,
		CorrelationID: tenancy.CorrelationID(ctx),
		Timestamp:     time.Now().UTC(),
		Metadata:      redacted,
	}
}
