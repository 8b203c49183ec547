package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler processes a delivered event. Handlers must be idempotent: the bus
// guarantees at-least-once delivery, so the same event can arrive twice.
type Handler interface {
	Handle(ctx context.Context, evt *Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, evt *Envelope) error {
	return f(ctx, evt)
}

// Subscription binds a type pattern to a handler with a dispatch priority.
// Lower priority runs first.
type Subscription struct {
	Pattern   string
	HandlerID string
	Priority  int
	Handler   Handler
}

// HandlerResult reports the outcome of one handler invocation.
type HandlerResult struct {
	HandlerID string
	Err       error
}

// Registry holds the in-process pattern -> handler bindings. It is populated
// at startup and read by every consumer loop in the process; multiple
// processes registering the same pattern compete as a consumer group.
type Registry struct {
	mu   sync.RWMutex
	subs []Subscription
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a pattern -> handler binding. Patterns support an exact type
// ("approval.approved"), a module prefix wildcard ("approval.*") and the
// match-all pattern "*". Suffix and mid-string wildcards ("*.approved") are
// not supported; broader matching would change delivery semantics for
// existing subscribers.
func (r *Registry) Register(pattern, handlerID string, priority int, h Handler) error {
	if h == nil {
		return &ValidationError{Field: "handler", Message: "handler is required"}
	}
	if handlerID == "" {
		return &ValidationError{Field: "handlerId", Message: "handler id is required"}
	}
	if !validPattern(pattern) {
		return &ValidationError{Field: "pattern", Message: fmt.Sprintf("unsupported pattern %q", pattern)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		if s.HandlerID == handlerID && s.Pattern == pattern {
			return &ValidationError{
				Field:   "handlerId",
				Message: fmt.Sprintf("handler %s already registered for pattern %s", handlerID, pattern),
			}
		}
	}

	r.subs = append(r.subs, Subscription{
		Pattern:   pattern,
		HandlerID: handlerID,
		Priority:  priority,
		Handler:   h,
	})

	log.Info().
		Str("pattern", pattern).
		Str("handlerId", handlerID).
		Int("priority", priority).
		Msg("Subscription registered")

	return nil
}

// Match returns the subscriptions whose pattern matches the event type,
// ordered by ascending priority. Registration order breaks ties.
func (r *Registry) Match(eventType string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Subscription
	for _, s := range r.subs {
		if MatchPattern(s.Pattern, eventType) {
			matched = append(matched, s)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})

	return matched
}

// Dispatch invokes every matching handler sequentially in priority order and
// returns one result per handler. A failing or panicking handler does not
// abort dispatch to the remaining handlers for the same event.
func (r *Registry) Dispatch(ctx context.Context, evt *Envelope) []HandlerResult {
	matched := r.Match(evt.Type)

	results := make([]HandlerResult, 0, len(matched))
	for _, sub := range matched {
		err := r.invoke(ctx, sub, evt)
		if err != nil {
			log.Error().
				Err(err).
				Str("eventId", evt.ID).
				Str("eventType", evt.Type).
				Str("handlerId", sub.HandlerID).
				Msg("Handler failed")
			err = &HandlerError{EventID: evt.ID, HandlerID: sub.HandlerID, Err: err}
		}
		results = append(results, HandlerResult{HandlerID: sub.HandlerID, Err: err})
	}

	return results
}

// invoke runs a single handler, converting panics into errors so one bad
// subscriber cannot take down the consumer loop.
func (r *Registry) invoke(ctx context.Context, sub Subscription, evt *Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return sub.Handler.Handle(ctx, evt)
}

// MatchPattern reports whether an event type matches a subscription pattern.
// "*" matches every type; "module.*" matches every type under that module
// prefix; anything else is an exact match.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-1] // keep the trailing dot
		return strings.HasPrefix(eventType, prefix) && len(eventType) > len(prefix)
	}
	return pattern == eventType
}

func validPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return ValidEventType(strings.TrimSuffix(pattern, ".*"))
	}
	return ValidEventType(pattern)
}
