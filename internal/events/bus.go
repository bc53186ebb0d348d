package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleStarted       EventType = "CYCLE_STARTED"
	EventCycleCompleted     EventType = "CYCLE_COMPLETED"
	EventTradeExecuted      EventType = "TRADE_EXECUTED"
	EventMarginRejection    EventType = "MARGIN_REJECTION"
	EventCircuitBreaker     EventType = "CIRCUIT_BREAKER"
	EventEmergencyClose     EventType = "EMERGENCY_CLOSE"
	EventDebateCompleted    EventType = "DEBATE_COMPLETED"
	EventLeaderboardUpdated EventType = "LEADERBOARD_UPDATED"
	EventReconcileNeeded    EventType = "RECONCILE_NEEDED"
	EventEngineStarted      EventType = "ENGINE_STARTED"
	EventEngineStopped      EventType = "ENGINE_STOPPED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. The engine publishes to
// the bus without knowing its consumers; the status server and loggers
// subscribe at composition time.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow consumer cannot stall the trading loop.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// Emit is a convenience wrapper building an event from a data map
func (b *Bus) Emit(eventType EventType, data map[string]interface{}) {
	b.Publish(Event{Type: eventType, Data: data})
}

// PublishTradeExecuted publishes a trade executed event
func (b *Bus) PublishTradeExecuted(analystID, symbol, side string, size, price float64, leverage int) {
	b.Emit(EventTradeExecuted, map[string]interface{}{
		"analyst_id": analystID,
		"symbol":     symbol,
		"side":       side,
		"size":       size,
		"price":      price,
		"leverage":   leverage,
	})
}

// PublishMarginRejection publishes a margin rejection with the exact figures used
func (b *Bus) PublishMarginRejection(analystID, symbol string, requiredMargin, availableMargin, existingMargin float64) {
	b.Emit(EventMarginRejection, map[string]interface{}{
		"analyst_id":       analystID,
		"symbol":           symbol,
		"required_margin":  requiredMargin,
		"available_margin": availableMargin,
		"existing_margin":  existingMargin,
	})
}

// PublishCircuitBreaker publishes a circuit breaker level transition
func (b *Bus) PublishCircuitBreaker(level, reason string) {
	b.Emit(EventCircuitBreaker, map[string]interface{}{
		"level":  level,
		"reason": reason,
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Emit(EventError, data)
}
