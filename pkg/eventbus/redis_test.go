package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKey_OneStreamPerDomain(t *testing.T) {
	// A run's lifecycle events must land in the same ordered stream, so
	// execution.completed can never overtake execution.started.
	started := streamKey(SubjectExecutionStarted)
	assert.Equal(t, started, streamKey(SubjectExecutionCompleted))
	assert.Equal(t, started, streamKey(SubjectExecutionFailed))
	assert.Equal(t, started, streamKey(SubjectExecutionCancelled))
	assert.Equal(t, streamPrefix+"events.execution", started)

	assert.NotEqual(t, started, streamKey(SubjectApprovalGranted))
	assert.Equal(t, streamPrefix+"events.plan", streamKey(SubjectPlanCompiled))

	// Two-segment subjects are their own stream.
	assert.Equal(t, streamPrefix+"events.dlq", streamKey("events.dlq"))
}

func TestDLQNaming(t *testing.T) {
	bus := NewRedisBus(nil, RedisBusConfig{}, nil, nil)

	assert.Equal(t, "events.dlq.execution.started", bus.dlqSubject(SubjectExecutionStarted))
	assert.Equal(t, streamPrefix+"events.dlq", bus.dlqKey(SubjectExecutionStarted))
	// Every subject dead-letters into the dlq domain stream; the entry's
	// subject field keeps per-source subscriptions separable.
	assert.Equal(t, bus.dlqKey(SubjectExecutionStarted), bus.dlqKey(SubjectApprovalGranted))
}

func TestRedisSub_SkipsSiblingSubjects(t *testing.T) {
	// The client never connects: acks on skipped entries are fire-and-forget
	// and their transport errors are ignored.
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond}), RedisBusConfig{}, nil, nil)

	var delivered []*Event
	sub := &redisSub{
		bus:     bus,
		subject: SubjectExecutionStarted,
		key:     streamKey(SubjectExecutionStarted),
		group:   "g:" + SubjectExecutionStarted,
		handler: func(ctx context.Context, evt *Event) error {
			delivered = append(delivered, evt)
			return nil
		},
	}

	envelope := func(subject string) string {
		evt, err := New(subject, "test", "T1", map[string]any{"n": 1})
		require.NoError(t, err)
		evt.Subject = subject
		body, err := json.Marshal(evt)
		require.NoError(t, err)
		return string(body)
	}

	sub.process(context.Background(), redis.XMessage{
		ID:     "1-1",
		Values: map[string]any{eventField: envelope(SubjectExecutionCompleted), subjectField: SubjectExecutionCompleted},
	})
	assert.Empty(t, delivered, "sibling subject on the shared stream must be skipped")

	sub.process(context.Background(), redis.XMessage{
		ID:     "1-2",
		Values: map[string]any{eventField: envelope(SubjectExecutionStarted), subjectField: SubjectExecutionStarted},
	})
	require.Len(t, delivered, 1)
	assert.Equal(t, SubjectExecutionStarted, delivered[0].Subject)
}
