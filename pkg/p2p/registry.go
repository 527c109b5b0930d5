package p2p

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
)

var ErrRegistryFull = errors.New("sync registry full")

const maxEntries = 256

// Registry holds the synced state and event types of a session. Every
// participant must register the same types in the same order before the
// session starts; the index a type gets is its wire identity.
type Registry struct {
	states   []stateSlot
	events   []eventSlot
	stateIdx map[reflect.Type]uint8
	eventIdx map[reflect.Type]uint8

	host    bool
	forward []Sync
}

func NewRegistry() *Registry {
	return &Registry{
		stateIdx: make(map[reflect.Type]uint8),
		eventIdx: make(map[reflect.Type]uint8),
	}
}

type stateSlot interface {
	encode() ([]byte, error)
	apply(payload []byte) error
	changed(enc []byte) bool
	markSent(enc []byte)
	resetSent()
}

type eventSlot interface {
	receive(payload []byte) error
}

// State is a value mirrored from the host to every client.
type State[T any] struct {
	index uint8
	value T

	last []byte
	sent bool
}

// RegisterState returns the handle for T, registering it on first use.
func RegisterState[T any](r *Registry) (*State[T], error) {
	t := reflect.TypeFor[T]()
	if idx, ok := r.stateIdx[t]; ok {
		return r.states[idx].(*State[T]), nil
	}
	if len(r.states) >= maxEntries {
		return nil, ErrRegistryFull
	}
	s := &State[T]{index: uint8(len(r.states))}
	r.stateIdx[t] = s.index
	r.states = append(r.states, s)
	return s, nil
}

func (s *State[T]) Index() uint8 { return s.index }
func (s *State[T]) Get() T       { return s.value }

// Set replaces the local value. On the host the change goes out with the
// next tick.
func (s *State[T]) Set(v T) { s.value = v }

func (s *State[T]) encode() ([]byte, error) { return json.Marshal(s.value) }

func (s *State[T]) apply(payload []byte) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	s.value = v
	return nil
}

func (s *State[T]) changed(enc []byte) bool { return !s.sent || !bytes.Equal(enc, s.last) }

func (s *State[T]) markSent(enc []byte) {
	s.last = enc
	s.sent = true
}

func (s *State[T]) resetSent() {
	s.last = nil
	s.sent = false
}

// Event is a stream of discrete values. Emitting on the host also forwards the
// value to every client.
type Event[E any] struct {
	index uint8
	reg   *Registry
	queue []E
}

// RegisterEvent returns the handle for E, registering it on first use.
func RegisterEvent[E any](r *Registry) (*Event[E], error) {
	t := reflect.TypeFor[E]()
	if idx, ok := r.eventIdx[t]; ok {
		return r.events[idx].(*Event[E]), nil
	}
	if len(r.events) >= maxEntries {
		return nil, ErrRegistryFull
	}
	e := &Event[E]{index: uint8(len(r.events)), reg: r}
	r.eventIdx[t] = e.index
	r.events = append(r.events, e)
	return e, nil
}

func (e *Event[E]) Index() uint8 { return e.index }

// Emit delivers v locally and, on the host, queues it for the clients.
func (e *Event[E]) Emit(v E) error {
	if e.reg.host {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		e.reg.forward = append(e.reg.forward, Sync{Index: e.index, Payload: payload})
	}
	e.queue = append(e.queue, v)
	return nil
}

// Drain returns every value emitted or received since the last call.
func (e *Event[E]) Drain() []E {
	out := e.queue
	e.queue = nil
	return out
}

func (e *Event[E]) receive(payload []byte) error {
	var v E
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	e.queue = append(e.queue, v)
	return nil
}

func (r *Registry) setHost(host bool) {
	r.host = host
	r.forward = nil
	for _, s := range r.states {
		s.resetSent()
	}
}

func (r *Registry) takeForwards() []Sync {
	out := r.forward
	r.forward = nil
	return out
}

// applyState decodes payload into the state at index. Unknown indices are
// reported as not applied.
func (r *Registry) applyState(index uint8, payload []byte) (bool, error) {
	if int(index) >= len(r.states) {
		return false, nil
	}
	if err := r.states[index].apply(payload); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) applyEvent(index uint8, payload []byte) (bool, error) {
	if int(index) >= len(r.events) {
		return false, nil
	}
	if err := r.events[index].receive(payload); err != nil {
		return false, err
	}
	return true, nil
}

// States and Events report how many types are registered.
func (r *Registry) States() int { return len(r.states) }
func (r *Registry) Events() int { return len(r.events) }
