package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// EventHandler consumes a delivered event. A handler error is isolated by the
// bus and never aborts the publish.
type EventHandler func(ctx context.Context, event *entities.Event) error

// EventFilter decides whether a matched event is delivered to a subscription
type EventFilter func(event *entities.Event) bool

// BusMiddleware hooks into the publish pipeline. A BeforePublish returning
// false cancels delivery and storage; the event is still returned to the caller.
type BusMiddleware struct {
	Name          string
	BeforePublish func(ctx context.Context, event *entities.Event) bool
	AfterPublish  func(ctx context.Context, event *entities.Event)
}

// PublishOptions carries optional publish metadata
type PublishOptions struct {
	Source        string
	Target        string
	CorrelationID uuid.UUID
	CausationID   *uuid.UUID
	Priority      entities.EventPriority
	TTL           time.Duration
}

// SubscribeOptions carries optional subscription behavior
type SubscribeOptions struct {
	Filter EventFilter
	Once   bool
}

// HistoryQuery selects events from the bus history window
type HistoryQuery struct {
	Type          string
	Source        string
	Target        string
	Since         time.Time
	Until         time.Time
	CorrelationID uuid.UUID
	Limit         int
}

type subscription struct {
	id        string
	pattern   string
	regex     *regexp.Regexp
	handler   EventHandler
	filter    EventFilter
	once      bool
	createdAt time.Time

	mu       sync.Mutex // serializes deliveries for per-subscriber ordering
	consumed bool       // set after a once subscription has fired
}

func (s *subscription) matches(eventType string) bool {
	return s.regex.MatchString(eventType)
}

// EventBus is the in-process pub/sub hub. It owns the subscription table and a
// bounded history ring; the durable log lives in the event store, bridged in
// via middleware.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	middleware []*BusMiddleware
	history    []*entities.Event
	maxHistory int
	source     string
	logger     common.Logger
}

// EventBusConfig configures an EventBus
type EventBusConfig struct {
	MaxHistorySize int
	Source         string
	Logger         common.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(cfg EventBusConfig) *EventBus {
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = 1000
	}
	if cfg.Source == "" {
		cfg.Source = "event-bus"
	}
	if cfg.Logger == nil {
		cfg.Logger = common.NopLogger{}
	}
	return &EventBus{
		subs:       make(map[string]*subscription),
		history:    make([]*entities.Event, 0, cfg.MaxHistorySize),
		maxHistory: cfg.MaxHistorySize,
		source:     cfg.Source,
		logger:     cfg.Logger,
	}
}

// compilePattern translates an exact type or wildcard glob into an anchored regex.
// Every `*` in the pattern matches any run of characters.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Publish creates an event, runs the middleware chain, records it in the
// history ring and delivers it to every matching subscriber. It returns once
// every handler has settled.
func (b *EventBus) Publish(ctx context.Context, eventType string, payload map[string]interface{}, opts *PublishOptions) (*entities.Event, error) {
	if eventType == "" {
		return nil, common.NewError(common.ValidationError, "EMPTY_EVENT_TYPE", "event type must not be empty")
	}
	if opts == nil {
		opts = &PublishOptions{}
	}

	event := &entities.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    opts.Source,
		Target:    opts.Target,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata: entities.EventMetadata{
			CorrelationID: opts.CorrelationID,
			CausationID:   opts.CausationID,
			Version:       1,
			Priority:      opts.Priority,
			TTL:           opts.TTL,
		},
	}
	if event.Source == "" {
		event.Source = b.source
	}
	if event.Metadata.CorrelationID == uuid.Nil {
		event.Metadata.CorrelationID = uuid.New()
	}
	if event.Metadata.Priority == "" {
		event.Metadata.Priority = entities.EventPriorityNormal
	}

	b.mu.RLock()
	middleware := make([]*BusMiddleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	for _, m := range middleware {
		if m.BeforePublish != nil && !m.BeforePublish(ctx, event) {
			b.logger.Debug("Event publication cancelled by middleware", "middleware", m.Name, "event_type", eventType)
			return event, nil
		}
	}

	b.appendHistory(event)
	b.deliver(ctx, event)

	for _, m := range middleware {
		if m.AfterPublish != nil {
			m.AfterPublish(ctx, event)
		}
	}
	return event, nil
}

func (b *EventBus) appendHistory(event *entities.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		// drop-oldest on overflow
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

func (b *EventBus) deliver(ctx context.Context, event *entities.Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.matches(event.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			b.deliverTo(ctx, sub, event)
		}(sub)
	}
	wg.Wait()
}

func (b *EventBus) deliverTo(ctx context.Context, sub *subscription, event *entities.Event) {
	sub.mu.Lock()
	if sub.consumed || event.Expired(time.Now()) || (sub.filter != nil && !sub.filter(event)) {
		sub.mu.Unlock()
		return
	}
	if sub.once {
		sub.consumed = true
	}
	err := b.invokeHandler(ctx, sub, event)
	sub.mu.Unlock()

	if sub.once {
		// removed after the handler runs, exactly once even if it failed
		b.Unsubscribe(sub.id)
	}
	if err != nil && event.Type != entities.EventTypeHandlerError {
		b.logger.Warn("Event handler failed", "subscription_id", sub.id, "event_type", event.Type, "error", err.Error())
		causation := event.ID
		_, pubErr := b.Publish(ctx, entities.EventTypeHandlerError, map[string]interface{}{
			"subscription_id": sub.id,
			"pattern":         sub.pattern,
			"event_id":        event.ID.String(),
			"event_type":      event.Type,
			"error":           err.Error(),
		}, &PublishOptions{
			CorrelationID: event.Metadata.CorrelationID,
			CausationID:   &causation,
		})
		if pubErr != nil {
			b.logger.Error("Failed to publish handler error event", pubErr)
		}
	}
}

func (b *EventBus) invokeHandler(ctx context.Context, sub *subscription, event *entities.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// Subscribe registers a handler for every event whose type matches the pattern.
// The pattern is either an exact type or a wildcard glob (`agent:*`).
func (b *EventBus) Subscribe(pattern string, handler EventHandler, opts *SubscribeOptions) (string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return "", common.WrapError(err, common.ValidationError, "INVALID_PATTERN", fmt.Sprintf("invalid subscription pattern %q", pattern))
	}
	return b.addSubscription(pattern, re, handler, opts), nil
}

// SubscribeRegex registers a handler with a pre-compiled pattern
func (b *EventBus) SubscribeRegex(re *regexp.Regexp, handler EventHandler, opts *SubscribeOptions) string {
	return b.addSubscription(re.String(), re, handler, opts)
}

// SubscribeOnce registers a handler that fires exactly once for the given type
func (b *EventBus) SubscribeOnce(eventType string, handler EventHandler) (string, error) {
	return b.Subscribe(eventType, handler, &SubscribeOptions{Once: true})
}

func (b *EventBus) addSubscription(pattern string, re *regexp.Regexp, handler EventHandler, opts *SubscribeOptions) string {
	if opts == nil {
		opts = &SubscribeOptions{}
	}
	sub := &subscription{
		id:        uuid.NewString(),
		pattern:   pattern,
		regex:     re,
		handler:   handler,
		filter:    opts.Filter,
		once:      opts.Once,
		createdAt: time.Now(),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription; the second call for the same id is a no-op
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// UnsubscribePattern removes every subscription registered with the exact pattern
// string and returns how many were removed.
func (b *EventBus) UnsubscribePattern(pattern string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, sub := range b.subs {
		if sub.pattern == pattern {
			delete(b.subs, id)
			removed++
		}
	}
	return removed
}

// SubscriptionCount returns the number of live subscriptions
func (b *EventBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// WaitFor blocks until an event matching the pattern (and filter, if given)
// is published, or the timeout fires.
func (b *EventBus) WaitFor(ctx context.Context, pattern string, timeout time.Duration, filter EventFilter) (*entities.Event, error) {
	ch := make(chan *entities.Event, 1)
	id, err := b.Subscribe(pattern, func(ctx context.Context, event *entities.Event) error {
		select {
		case ch <- event:
		default:
		}
		return nil
	}, &SubscribeOptions{Filter: filter, Once: true})
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(id)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case event := <-ch:
		return event, nil
	case <-timer:
		return nil, common.NewError(common.InternalError, "WAIT_TIMEOUT", fmt.Sprintf("timed out waiting for %q after %s", pattern, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueryHistory returns events from the history window matching the query,
// oldest first.
func (b *EventBus) QueryHistory(q HistoryQuery) []*entities.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	results := make([]*entities.Event, 0)
	for _, event := range b.history {
		if event.Expired(now) {
			continue
		}
		if q.Type != "" && event.Type != q.Type {
			continue
		}
		if q.Source != "" && event.Source != q.Source {
			continue
		}
		if q.Target != "" && event.Target != q.Target {
			continue
		}
		if q.CorrelationID != uuid.Nil && event.Metadata.CorrelationID != q.CorrelationID {
			continue
		}
		if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && event.Timestamp.After(q.Until) {
			continue
		}
		results = append(results, event)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results
}

// GetCorrelationChain returns every event in the history window sharing the
// correlation id, sorted ascending by timestamp.
func (b *EventBus) GetCorrelationChain(correlationID uuid.UUID) []*entities.Event {
	chain := b.QueryHistory(HistoryQuery{CorrelationID: correlationID})
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Timestamp.Before(chain[j].Timestamp)
	})
	return chain
}

// Use appends a middleware to the publish pipeline
func (b *EventBus) Use(m *BusMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, m)
}

// Unuse removes a middleware by name
func (b *EventBus) Unuse(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.middleware {
		if m.Name == name {
			b.middleware = append(b.middleware[:i], b.middleware[i+1:]...)
			return true
		}
	}
	return false
}
