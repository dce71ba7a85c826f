package eventbus

import (
	"context"
	"strings"
)

// Handler consumes one event. Returning an error leaves the event
// unacknowledged so the backend redelivers it, up to the max-deliver bound.
type Handler func(ctx context.Context, evt *Event) error

// Subscription is a live consumer binding.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Bus is the publish/subscribe contract. Delivery is at-least-once within
// a consumer group; events published on the same subject with the same run
// id arrive in publish order.
type Bus interface {
	Publish(ctx context.Context, subject string, evt *Event) error
	Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error)
	Close() error
}

// matchSubject reports whether a subject matches a pattern. Patterns use
// "*" for a single token and ">" for the remaining tail, as in
// "events.execution.*" or "events.>".
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// isPattern reports whether the subject string contains wildcards.
func isPattern(subject string) bool {
	return strings.ContainsAny(subject, "*>")
}
