package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anumate/control-plane/pkg/redaction"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// Filter selects audit events for export.
type Filter struct {
	Action string
	Type   EventType
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Store is a queryable audit sink; exports are always tenant-scoped.
type Store interface {
	Logger
	Export(ctx context.Context, f Filter) ([]Event, error)
}

// PostgresStore persists audit events durably.
type PostgresStore struct {
	scope    *tenancy.Scope
	redactor *redaction.Redactor
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{scope: tenancy.NewScope(db), redactor: redaction.New()}
}

func (s *PostgresStore) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := build(ctx, eventType, action, resource, metadata, s.redactor)

	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	_, err = s.scope.ExecContext(ctx, `
		INSERT INTO audit_events (tenant_id, id, actor_id, type, action, resource, correlation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.ActorID, event.Type, event.Action, event.Resource, event.CorrelationID, meta, event.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Export(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0)
	}
	until := f.Until
	if until.IsZero() {
		until = time.Now().UTC()
	}

	rows, err := s.scope.QueryContext(ctx, `
		SELECT id, actor_id, type, action, resource, correlation_id, metadata, created_at
		FROM audit_events
		WHERE tenant_id = $1
		  AND created_at >= $2 AND created_at <= $3
		  AND ($4 = '' OR action = $4)
		  AND ($5 = '' OR type = $5)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7
	`, since, until, f.Action, string(f.Type), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("audit: export query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var events []Event
	for rows.Next() {
		var e Event
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Type, &e.Action, &e.Resource, &e.CorrelationID, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		e.TenantID = tid
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MemoryStore is the in-memory Store used by tests and single-node mode.
type MemoryStore struct {
	logger
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logger: logger{redactor: redaction.New()}}
}

func (s *MemoryStore) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := build(ctx, eventType, action, resource, metadata, s.redactor)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) Export(ctx context.Context, f Filter) ([]Event, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.TenantID != tid {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events returns a copy of everything recorded (test helper).
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
