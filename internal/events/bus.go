// Package events is a publish/subscribe bus for operational events.
// Components (orchestrator, agent loop, cache, ledger) publish; the
// WebSocket handler and the MQTT publisher subscribe. A nil *Bus is a
// valid no-op bus, so publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceOrchestrator = "orchestrator"
	SourceAgent        = "agent"
	SourceCache        = "cache"
	SourceLedger       = "ledger"
	SourceSession      = "session"
	SourceHealth       = "health"
)

// Kinds describe the event within its source.
const (
	// KindQueryStart: query_id, session_id, persona.
	KindQueryStart = "query_start"
	// KindQueryComplete: query_id, session_id, responder, success,
	// cached, tokens, cost_usd, elapsed_ms.
	KindQueryComplete = "query_complete"
	// KindLLMCall: query_id, responder, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: query_id, responder, iter, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindLLMRetry: query_id, responder, attempt, delay_ms, error.
	KindLLMRetry = "llm_retry"
	// KindToolCall: query_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: query_id, tool, status, duration_ms.
	KindToolDone = "tool_done"
	// KindCacheHit: key, persona.
	KindCacheHit = "cache_hit"
	// KindCostRecorded: record_id, session_id, total_usd.
	KindCostRecorded = "cost_recorded"
	// KindPersonaSwitch: session_id, from, to.
	KindPersonaSwitch = "persona_switch"
	// KindSessionExpired: session_id.
	KindSessionExpired = "session_expired"
	// KindProviderState: provider, healthy, error.
	KindProviderState = "provider_state"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish sends e to every subscriber whose buffer has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscriber{ch: ch}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
