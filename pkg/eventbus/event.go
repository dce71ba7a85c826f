// Package eventbus is the typed publish/subscribe facade between
// components. Events travel as CloudEvents 1.0 envelopes on hierarchical
// subjects; the durable backend is a Redis stream per subject with consumer
// groups, explicit acknowledgement and a dead-letter stream.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/errs"
)

// Subjects published by the control plane. Hierarchy is
// events.<domain>.<event>.
const (
	SubjectPlanCompiled       = "events.plan.compiled"
	SubjectPreflightCompleted = "events.preflight.completed"
	SubjectApprovalRequested  = "events.approval.requested"
	SubjectApprovalGranted    = "events.approval.granted"
	SubjectApprovalRejected   = "events.approval.rejected"
	SubjectExecutionStarted   = "events.execution.started"
	SubjectExecutionCompleted = "events.execution.completed"
	SubjectExecutionFailed    = "events.execution.failed"
	SubjectExecutionCancelled = "events.execution.cancelled"
	SubjectReceiptCreated     = "events.receipt.created"
)

const specVersion = "1.0"

// Event is a CloudEvents 1.0 envelope. TenantID is carried as the
// "tenantid" extension attribute; Data holds the JSON-encoded payload.
type Event struct {
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	Subject       string          `json:"subject,omitempty"`
	Type          string          `json:"type"`
	SpecVersion   string          `json:"specversion"`
	Time          time.Time       `json:"time"`
	TenantID      string          `json:"tenantid"`
	CorrelationID string          `json:"correlationid,omitempty"`
	RunID         string          `json:"runid,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope for a payload. The event type follows the
// com.anumate.* reverse-DNS convention derived from the subject.
func New(subject, source, tenantID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "EVENT_ENCODE_FAILED", "encode event payload", err)
	}
	return &Event{
		ID:          uuid.New().String(),
		Source:      source,
		Type:        TypeForSubject(subject),
		SpecVersion: specVersion,
		Time:        time.Now().UTC(),
		TenantID:    tenantID,
		Data:        data,
	}, nil
}

// TypeForSubject maps "events.plan.compiled" to "com.anumate.plan.compiled".
func TypeForSubject(subject string) string {
	const prefix = "events."
	if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
		return "com.anumate." + subject[len(prefix):]
	}
	return "com.anumate." + subject
}

// Validate checks the envelope carries the required CloudEvents attributes.
func (e *Event) Validate() error {
	switch {
	case e.ID == "":
		return errs.New(errs.KindValidation, "EVENT_INVALID", "event id required")
	case e.Source == "":
		return errs.New(errs.KindValidation, "EVENT_INVALID", "event source required")
	case e.Type == "":
		return errs.New(errs.KindValidation, "EVENT_INVALID", "event type required")
	case e.SpecVersion != specVersion:
		return errs.New(errs.KindValidation, "EVENT_INVALID", "unsupported specversion")
	case e.TenantID == "":
		return errs.New(errs.KindValidation, "EVENT_INVALID", "tenantid required")
	}
	return nil
}

// DecodeData unmarshals the payload into out.
func (e *Event) DecodeData(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return errs.Wrap(errs.KindValidation, "EVENT_DECODE_FAILED", "decode event payload", err)
	}
	return nil
}
