// Package schema is the registry of event payload shapes keyed by event type.
//
// Producers use it to build well-formed payloads and consumers to decode
// inbound envelopes. Unknown event types are rejected. Payload decoding
// tolerates unknown fields so that new optional fields can be added without
// a version bump; removing or retyping a field needs a new envelope version.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/richardliu001/realtime-relay/internal/envelope"
)

var (
	ErrEventTypeRequired  = errors.New("event type is required")
	ErrFactoryRequired    = errors.New("payload factory is required")
	ErrAlreadyRegistered  = errors.New("event type already registered")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Factory returns a pointer to a zero payload of one event type.
type Factory func() Payload

// Event is a decoded envelope together with its typed payload.
type Event struct {
	Envelope envelope.Envelope
	Data     Payload
}

// Registry maps event types to payload factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	validate  *validator.Validate
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		validate:  validator.New(),
	}
}

// DefaultRegistry returns a registry holding every built-in event type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range []Factory{
		func() Payload { return &CardCreated{} },
		func() Payload { return &CardMoved{} },
		func() Payload { return &CardUpdated{} },
		func() Payload { return &CardDeleted{} },
		func() Payload { return &ConnectionCreated{} },
		func() Payload { return &ConnectionDeleted{} },
		func() Payload { return &TaskClaimed{} },
		func() Payload { return &TaskReleased{} },
		func() Payload { return &PresenceJoined{} },
		func() Payload { return &PresenceLeft{} },
	} {
		if err := r.Register(f().EventType(), f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds the payload shape of eventType.
func (r *Registry) Register(eventType string, factory Factory) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}
	if factory == nil {
		return ErrFactoryRequired
	}
	if got := factory().EventType(); got != eventType {
		return fmt.Errorf("factory for %q builds %q payloads", eventType, got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, eventType)
	}
	r.factories[eventType] = factory
	return nil
}

// Types lists registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) factory(eventType string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	return f, nil
}

// DecodePayload decodes and validates raw as the payload of eventType.
func (r *Registry) DecodePayload(eventType string, raw []byte) (Payload, error) {
	f, err := r.factory(eventType)
	if err != nil {
		return nil, err
	}
	p := f()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	if err := r.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	return p, nil
}

// ValidatePayload checks raw against the shape registered for eventType.
func (r *Registry) ValidatePayload(eventType string, raw []byte) error {
	_, err := r.DecodePayload(eventType, raw)
	return err
}

// Encode validates p and serializes it for storage in an outbox row.
func (r *Registry) Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, ErrInvalidPayload
	}
	if _, err := r.factory(p.EventType()); err != nil {
		return nil, err
	}
	if err := r.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.EventType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.EventType(), err)
	}
	return raw, nil
}

// Parse decodes an inbound envelope and its typed payload.
func (r *Registry) Parse(raw []byte) (Event, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.ID == "" || env.TenantID == "" || env.EventType == "" {
		return Event{}, fmt.Errorf("%w: id, tenantId and eventType are required", ErrMalformedEnvelope)
	}
	if env.Version != envelope.Version {
		return Event{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	data, err := r.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Envelope: env, Data: data}, nil
}
