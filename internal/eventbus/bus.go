package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/eventid"
	"github.com/tkenaz/titan/internal/logging"
	"github.com/tkenaz/titan/internal/metrics"
)

// Handler processes one delivered event. Handlers must be non-blocking:
// the bus invokes each registered handler on its own goroutine so one
// slow handler cannot stall another, but a handler that never returns
// still starves that event's redelivery bookkeeping.
type Handler func(ctx context.Context, ev Event) error

// Bus is the titan-core event bus: publish, priority-ordered consumption
// with retry and dead-lettering, and historical replay.
type Bus struct {
	cfg       Config
	substrate Substrate
	limiters  *limiterSet
	log       zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	// retryCounts tracks meta.retries per substrate message id, since
	// the retry ceiling is enforced against the event's own Meta.Retries
	// field (see SPEC_FULL.md §9 "Resolved — retry tracking") rather
	// than a substrate-specific delivery-count query.
	retryMu     sync.Mutex
	retryCounts map[string]int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Bus. Call Start to begin consuming configured topics.
func New(cfg Config, substrate Substrate) *Bus {
	return &Bus{
		cfg:         cfg,
		substrate:   substrate,
		limiters:    newLimiterSet(cfg),
		log:         logging.Component("eventbus"),
		handlers:    make(map[string][]Handler),
		retryCounts: make(map[string]int),
	}
}

// consumerName is the stable per-topic consumer identity within the
// group. It must not vary across restarts: pending entries in Redis are
// keyed by consumer name, and a restarted process can only re-read its
// own pending entries under the same name. A random name would orphan
// everything left unacked by the previous incarnation.
func consumerName(topic string) string {
	return "consumer-" + topic
}

// Subscribe registers handler against topic. Multiple handlers per topic
// are allowed and are invoked in registration order; one handler's
// failure does not prevent the others from running.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish validates and appends one event to topic, returning its
// event_id. Fails with a Validation AppError if the topic is unconfigured
// or the event does not validate, and with a Publish AppError if the
// substrate write fails.
func (b *Bus) Publish(ctx context.Context, topic, eventType string, payload map[string]interface{}, priority Priority, traceID string) (string, error) {
	sc, ok := b.cfg.StreamConfigFor(topic)
	if !ok {
		return "", apperrors.Validation(fmt.Sprintf("topic %q is not configured", topic))
	}
	ev, err := NewEvent(topic, eventType, payload, priority, traceID)
	if err != nil {
		return "", err
	}
	return ev.EventID, b.appendEvent(ctx, sc, *ev)
}

func (b *Bus) appendEvent(ctx context.Context, sc StreamConfig, ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return apperrors.Validation(fmt.Sprintf("event not serializable: %v", err))
	}
	if _, err := b.substrate.Append(ctx, ev.Topic, sc.MaxLen, data); err != nil {
		return apperrors.Publish(fmt.Sprintf("append to %s: %v", ev.Topic, err))
	}
	metrics.EventsPublished.WithLabelValues(ev.Topic).Inc()
	return nil
}

// Start begins one consumer goroutine per topic that has at least one
// registered handler.
func (b *Bus) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.mu.RLock()
	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, topic := range topics {
		if err := b.substrate.EnsureGroup(ctx, topic, b.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("ensure group for %s: %w", topic, err)
		}
		b.wg.Add(1)
		go b.consumeTopic(ctx, topic)
	}
	return nil
}

// Stop cancels all consumer goroutines and waits for them to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bus) consumeTopic(ctx context.Context, topic string) {
	defer b.wg.Done()
	block := time.Duration(b.cfg.BlockTimeoutMS) * time.Millisecond
	consumer := consumerName(topic)
	log := b.log.With().Str("topic", topic).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Pending entries left unacked by a failed handler are
		// redelivered before new ones, so retries drain ahead of fresh
		// work on a busy topic.
		msgs, err := b.substrate.ReadPending(ctx, topic, b.cfg.ConsumerGroup, consumer, b.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("substrate pending-read failed, backing off")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = b.substrate.ReadGroup(ctx, topic, b.cfg.ConsumerGroup, consumer, b.cfg.BatchSize, block)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("substrate read failed, backing off")
				time.Sleep(1 * time.Second)
				continue
			}
		}
		if len(msgs) == 0 {
			continue
		}

		parsed := b.parseBatch(ctx, topic, msgs)
		sortByPriority(parsed)

		for _, pe := range parsed {
			b.processOne(ctx, topic, pe)
		}
	}
}

// parsedEvent pairs a decoded Event with the raw substrate id it arrived
// under, needed for Ack/retry bookkeeping.
type parsedEvent struct {
	id string
	ev Event
}

func (b *Bus) parseBatch(ctx context.Context, topic string, msgs []RawMessage) []parsedEvent {
	out := make([]parsedEvent, 0, len(msgs))
	for _, m := range msgs {
		ev, err := Unmarshal(m.Data)
		if err != nil {
			b.log.Error().Err(err).Str("topic", topic).Str("id", m.ID).Msg("parse error, acking to avoid redelivery loop")
			metrics.EventsParseErrors.WithLabelValues(topic).Inc()
			_ = b.substrate.Ack(ctx, topic, b.cfg.ConsumerGroup, m.ID)
			continue
		}
		out = append(out, parsedEvent{id: m.ID, ev: ev})
	}
	return out
}

// sortByPriority stable-sorts a batch by priority weight (high=3,
// medium=2, low=1), preserving log order within a priority class.
func sortByPriority(events []parsedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return priorityWeight(events[i].ev.Meta.Priority) > priorityWeight(events[j].ev.Meta.Priority)
	})
}

func (b *Bus) processOne(ctx context.Context, topic string, pe parsedEvent) {
	for !b.limiters.Allow(topic) {
		time.Sleep(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	retries := b.bumpRetry(pe.id)
	ev := pe.ev
	ev.Meta.Retries = retries

	if err := b.runHandlers(ctx, handlers, ev); err != nil {
		sc, _ := b.cfg.StreamConfigFor(topic)
		if retries >= sc.RetryLimit {
			b.deadLetter(ctx, topic, pe.id, ev, err)
			b.clearRetry(pe.id)
			_ = b.substrate.Ack(ctx, topic, b.cfg.ConsumerGroup, pe.id)
			return
		}
		// Leave unacked: the substrate's pending-entries mechanism
		// redelivers it; the next attempt increments retries again.
		return
	}

	b.clearRetry(pe.id)
	_ = b.substrate.Ack(ctx, topic, b.cfg.ConsumerGroup, pe.id)
	metrics.EventsConsumed.WithLabelValues(topic).Inc()
}

// runHandlers invokes every handler in registration order, each on its
// own goroutine per the "handlers are async by contract" rule, and
// returns the first error (if any) once all have completed.
func (b *Bus) runHandlers(ctx context.Context, handlers []Handler, ev Event) error {
	if len(handlers) == 0 {
		return nil
	}
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("handler panic: %v", r)
				}
			}()
			errs[i] = h(ctx, ev)
		}(i, h)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) bumpRetry(id string) int {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	n := b.retryCounts[id]
	b.retryCounts[id] = n + 1
	return n
}

func (b *Bus) clearRetry(id string) {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	delete(b.retryCounts, id)
}

func (b *Bus) deadLetter(ctx context.Context, topic, msgID string, ev Event, cause error) {
	dlqPayload := map[string]interface{}{
		"original_topic": topic,
		"original_id":    msgID,
		"original_event": ev,
		"error":          cause.Error(),
		"failed_at":      time.Now().UTC(),
	}
	// Built directly rather than via NewEvent: the dead-letter stream is
	// named by configuration (default "errors.dlq"), not "<name>.v<N>".
	if err := ValidatePayloadSize(dlqPayload); err != nil {
		b.log.Error().Err(err).Msg("CRITICAL: could not construct dead-letter event")
		return
	}
	dlqEvent := &Event{
		EventID:       eventid.New(),
		SchemaVersion: SchemaVersion,
		Topic:         b.cfg.DeadLetterStream,
		EventType:     "dead_letter",
		Timestamp:     time.Now().UTC(),
		Payload:       dlqPayload,
		Meta:          Meta{Priority: PriorityHigh, TraceID: ev.Meta.TraceID},
	}
	dlqSC, ok := b.cfg.StreamConfigFor(b.cfg.DeadLetterStream)
	if !ok {
		dlqSC = StreamConfig{Name: b.cfg.DeadLetterStream, MaxLen: 100000, RetryLimit: 0}
	}
	if err := b.appendEvent(ctx, dlqSC, *dlqEvent); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Str("event_id", ev.EventID).Msg("CRITICAL: dead-letter append failed")
		return
	}
	b.log.Warn().Str("topic", topic).Str("event_id", ev.EventID).Str("cause", cause.Error()).Msg("event dead-lettered")
	metrics.EventsDeadLettered.WithLabelValues(topic).Inc()
}
