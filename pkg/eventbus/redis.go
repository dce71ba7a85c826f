package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/redaction"
)

const (
	streamPrefix = "anumate:events:"
	eventField   = "event"
	// subjectField routes entries inside a shared domain stream back to
	// their concrete subject.
	subjectField = "subject"

	// trimInterval rate-limits age-based trimming per stream.
	trimInterval = time.Minute
)

// RedisBusConfig tunes the durable backend.
type RedisBusConfig struct {
	// MaxLen bounds each stream's size (approximate trimming).
	MaxLen int64
	// Retention drops entries older than this window. Zero keeps
	// size-based trimming only.
	Retention time.Duration
	// MaxDeliver is the delivery attempt bound before dead-lettering.
	MaxDeliver int64
	// DLQSubject is the subject prefix under which exhausted entries are
	// republished, one dead-letter stream per source subject.
	DLQSubject string
	// BlockTimeout is the XREADGROUP block interval.
	BlockTimeout time.Duration
	// ClaimMinIdle is how long a pending entry sits before another group
	// member may claim it.
	ClaimMinIdle time.Duration
}

func (c *RedisBusConfig) defaults() {
	if c.MaxLen == 0 {
		c.MaxLen = 100_000
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.DLQSubject == "" {
		c.DLQSubject = "events.dlq"
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ClaimMinIdle == 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
}

// RedisBus is the durable bus: one stream per subject domain, consumer
// groups for competing consumers, explicit ack, and a dead-letter stream
// once MaxDeliver attempts are exhausted. All subjects of a domain
// (events.execution.started, events.execution.completed, ...) append to
// the same ordered stream, so a run's lifecycle events can never be
// observed out of publish order even across subjects; each (group,
// subject) subscription keeps its own offset and skips the domain's other
// subjects.
type RedisBus struct {
	client   *redis.Client
	cfg      RedisBusConfig
	redactor *redaction.Redactor
	logger   *slog.Logger

	mu      sync.Mutex
	subs    []*redisSub
	trimmed map[string]time.Time
	closed  bool
}

func NewRedisBus(client *redis.Client, cfg RedisBusConfig, redactor *redaction.Redactor, logger *slog.Logger) *RedisBus {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:   client,
		cfg:      cfg,
		redactor: redactor,
		logger:   logger,
		trimmed:  make(map[string]time.Time),
	}
}

// streamKey maps a subject to its domain stream: the first two dot
// segments name the stream, the rest ride along in the entry's subject
// field. Sharing one stream across a domain's subjects totally orders
// them, which is what keeps a run's started/completed events in publish
// order for every consumer.
func streamKey(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 3 {
		return streamPrefix + subject
	}
	return streamPrefix + parts[0] + "." + parts[1]
}

// dlqSubject names the dead-letter subject for a source subject.
func (b *RedisBus) dlqSubject(subject string) string {
	return b.cfg.DLQSubject + "." + strings.TrimPrefix(subject, "events.")
}

// dlqKey names the dead-letter stream for a subject under the configured
// dead-letter hierarchy.
func (b *RedisBus) dlqKey(subject string) string {
	return streamKey(b.dlqSubject(subject))
}

func (b *RedisBus) Publish(ctx context.Context, subject string, evt *Event) error {
	if isPattern(subject) {
		return errs.New(errs.KindValidation, "SUBJECT_INVALID", "cannot publish to a wildcard subject")
	}
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

	body, err := json.Marshal(evt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "EVENT_ENCODE_FAILED", "encode envelope", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(subject),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{eventField: body, subjectField: subject},
	}).Err()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "PUBLISH_FAILED", "xadd "+subject, err)
	}
	if b.cfg.Retention > 0 {
		b.maybeTrim(ctx, streamKey(subject))
	}
	return nil
}

// maybeTrim drops entries older than the retention window, at most once
// per trimInterval per stream.
func (b *RedisBus) maybeTrim(ctx context.Context, key string) {
	b.mu.Lock()
	if last, ok := b.trimmed[key]; ok && time.Since(last) < trimInterval {
		b.mu.Unlock()
		return
	}
	b.trimmed[key] = time.Now()
	b.mu.Unlock()

	minID := strconv.FormatInt(time.Now().Add(-b.cfg.Retention).UnixMilli(), 10)
	if err := b.client.XTrimMinIDApprox(ctx, key, minID, 0).Err(); err != nil {
		b.logger.Warn("stream trim failed", "stream", key, "error", err)
	}
}

// Subscribe starts a durable consumer on a concrete subject. Wildcard
// patterns are only supported by the in-memory bus; streams must be named.
func (b *RedisBus) Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error) {
	if isPattern(subject) {
		return nil, errs.New(errs.KindValidation, "SUBJECT_INVALID", "durable subscriptions need a concrete subject")
	}

	// The redis group is scoped per subject: subscriptions to different
	// subjects of one domain track independent offsets on the shared
	// stream, while consumers of the same (group, subject) pair compete.
	key := streamKey(subject)
	redisGroup := group + ":" + subject
	err := b.client.XGroupCreateMkStream(ctx, key, redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, errs.Wrap(errs.KindTransient, "SUBSCRIBE_FAILED", "create group "+group, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSub{
		bus:      b,
		subject:  subject,
		key:      key,
		group:    redisGroup,
		consumer: redisGroup + "-" + uuid.NewString(),
		handler:  handler,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errs.New(errs.KindInternal, "BUS_CLOSED", "bus is closed")
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.run(subCtx)
	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := append([]*redisSub(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

type redisSub struct {
	bus      *RedisBus
	subject  string
	key      string
	group    string
	consumer string
	handler  Handler
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *redisSub) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		s.claimStale(ctx)

		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.key, ">"},
			Count:    16,
			Block:    s.bus.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			s.bus.logger.Warn("event read failed", "subject", s.subject, "group", s.group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.process(ctx, msg)
			}
		}
	}
}

// process decodes and handles one entry, acking on success. Entries
// addressed to a sibling subject of the shared domain stream are acked and
// skipped; their own per-subject group delivers them. Failures leave the
// entry pending for redelivery; entries that exceed MaxDeliver move to the
// dead-letter stream and are acked.
func (s *redisSub) process(ctx context.Context, msg redis.XMessage) {
	if subj, ok := msg.Values[subjectField].(string); ok && subj != s.subject {
		_ = s.bus.client.XAck(ctx, s.key, s.group, msg.ID).Err()
		return
	}
	raw, ok := msg.Values[eventField].(string)
	if !ok {
		s.deadLetter(ctx, msg, "malformed stream entry")
		return
	}
	var evt Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		s.deadLetter(ctx, msg, "undecodable envelope")
		return
	}

	if err := s.handler(ctx, &evt); err != nil {
		s.bus.logger.Warn("event handler failed",
			"subject", s.subject, "group", s.group, "event_id", evt.ID, "error", err)
		return
	}
	_ = s.bus.client.XAck(ctx, s.key, s.group, msg.ID).Err()
}

// claimStale reclaims pending entries from dead consumers and dead-letters
// any that have exhausted their delivery budget.
func (s *redisSub) claimStale(ctx context.Context) {
	pending, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.key,
		Group:  s.group,
		Idle:   s.bus.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	var exhausted, claimable []string
	for _, p := range pending {
		if p.RetryCount >= s.bus.cfg.MaxDeliver {
			exhausted = append(exhausted, p.ID)
		} else {
			claimable = append(claimable, p.ID)
		}
	}

	if len(exhausted) > 0 {
		msgs, err := s.bus.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.key,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.bus.cfg.ClaimMinIdle,
			Messages: exhausted,
		}).Result()
		if err == nil {
			for _, msg := range msgs {
				s.deadLetter(ctx, msg, "max deliveries exceeded")
			}
		}
	}

	if len(claimable) > 0 {
		msgs, err := s.bus.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.key,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.bus.cfg.ClaimMinIdle,
			Messages: claimable,
		}).Result()
		if err == nil {
			for _, msg := range msgs {
				s.process(ctx, msg)
			}
		}
	}
}

func (s *redisSub) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := map[string]any{
		"reason":     reason,
		subjectField: s.bus.dlqSubject(s.subject),
	}
	if raw, ok := msg.Values[eventField]; ok {
		values[eventField] = raw
	}
	err := s.bus.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.bus.dlqKey(s.subject),
		MaxLen: s.bus.cfg.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.bus.logger.Error("dead-letter append failed", "subject", s.subject, "error", err)
		return
	}
	_ = s.bus.client.XAck(ctx, s.key, s.group, msg.ID).Err()
	s.bus.logger.Warn("event dead-lettered", "subject", s.subject, "entry", msg.ID, "reason", reason)
}
