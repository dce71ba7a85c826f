package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/anumate/control-plane/pkg/redaction"
)

// MemoryBus is the in-process bus used by tests and single-node setups.
// It preserves the durable bus contract: per-subject ordering, group
// fan-out (one member of each group sees each event) and dead-lettering
// after maxDeliver failed attempts.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       []*memorySub
	redactor   *redaction.Redactor
	maxDeliver int
	closed     bool
	wg         sync.WaitGroup
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	group   string
	handler Handler
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus builds a bus. A nil redactor disables publish-side
// redaction.
func NewMemoryBus(redactor *redaction.Redactor) *MemoryBus {
	return &MemoryBus{redactor: redactor, maxDeliver: 3}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, evt *Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if b.redactor != nil {
		evt = redactEvent(b.redactor, evt)
	}
	if evt.Subject == "" {
		cp := *evt
		cp.Subject = subject
		evt = &cp
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	// One delivery per group; every pattern-matching group gets a copy.
	seen := map[string]bool{}
	for _, sub := range b.subs {
		if !matchSubject(sub.pattern, subject) || seen[sub.group] {
			continue
		}
		seen[sub.group] = true
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error) {
	sub := &memorySub{
		bus:     b,
		pattern: subject,
		group:   group,
		handler: handler,
		ch:      make(chan *Event, 256),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.run(ctx)
	return sub, nil
}

func (s *memorySub) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case evt := <-s.ch:
			s.deliver(ctx, evt)
		}
	}
}

// deliver retries the handler up to maxDeliver attempts, then dead-letters
// the event on "dlq.<original subject tail>".
func (s *memorySub) deliver(ctx context.Context, evt *Event) {
	var err error
	for attempt := 0; attempt < s.bus.maxDeliver; attempt++ {
		if err = s.handler(ctx, evt); err == nil {
			return
		}
	}
	dead := *evt
	dead.Subject = ""
	_ = s.bus.Publish(ctx, "dlq."+evt.Subject, &dead)
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		for i, sub := range s.bus.subs {
			if sub == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := append([]*memorySub(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()
	return nil
}

// redactEvent applies field and pattern redaction to the payload before it
// leaves the process.
func redactEvent(r *redaction.Redactor, evt *Event) *Event {
	var payload any
	if err := evt.DecodeData(&payload); err != nil {
		return evt
	}
	data, err := json.Marshal(r.Apply(payload))
	if err != nil {
		return evt
	}
	out := *evt
	out.Data = data
	return &out
}
