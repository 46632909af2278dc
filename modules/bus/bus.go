// Package bus provides the typed, synchronous publish/subscribe event
// bus described in spec.md §4.1. It is grounded on the teacher's
// modules/eventbus.EventBus (map[EventType][]handler guarded by a
// sync.RWMutex, snapshot-then-invoke publish), generalized in two ways
// the teacher's version does not need:
//
//   - dispatch is synchronous on the publisher's goroutine, not
//     fire-and-forget per handler, so that "handlers see events in
//     publish order" and per-job_id ordering hold without a data race
//     (spec.md §4.1, §5, §8 property 1);
//   - subscriptions are keyed by the event's concrete Go type
//     (reflect.Type) rather than a hand-rolled EventType string enum,
//     since this bus carries more than one event family (job lifecycle
//     events and the training-domain mirror events in domain/job).
package bus

import (
	"reflect"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
)

var nextSubID atomic.Uint64

// Subscription is an opaque handle returned by Subscribe/SubscribeWeak.
// It is safe to pass to Unsubscribe from any goroutine, any number of
// times.
type Subscription struct {
	id    uint64
	etype reflect.Type
}

type handlerEntry struct {
	id uint64
	// call invokes the handler with the event; it returns false if the
	// entry is dead (weak owner collected) and should be dropped.
	call func(event any) bool
}

// Bus is the event bus. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]handlerEntry
	log      zerolog.Logger
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[reflect.Type][]handlerEntry),
		log:      corelog.Component("bus"),
	}
}

// Subscribe registers handler for exactly the event type E (no subtype
// dispatch: a JobProgress subscriber never sees a JobStarted). The
// returned Subscription strongly references handler until unsubscribed.
func Subscribe[E any](b *Bus, handler func(E)) *Subscription {
	t := reflect.TypeOf((*E)(nil)).Elem()
	id := nextSubID.Add(1)
	entry := handlerEntry{
		id: id,
		call: func(event any) bool {
			handler(event.(E))
			return true
		},
	}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], entry)
	b.mu.Unlock()
	return &Subscription{id: id, etype: t}
}

// SubscribeWeak registers handler for event type E against owner, held
// only weakly. Once owner is collected, the subscription is dropped
// silently the next time Publish touches this event type (spec.md §4.1,
// §9 "weak subscriptions"). Plain function subscribers (Subscribe) are
// strong by default; use SubscribeWeak specifically for GUI-widget-style
// subscribers that must not be kept alive by the bus.
func SubscribeWeak[O any, E any](b *Bus, owner *O, handler func(*O, E)) *Subscription {
	t := reflect.TypeOf((*E)(nil)).Elem()
	id := nextSubID.Add(1)
	wp := weak.Make(owner)
	entry := handlerEntry{
		id: id,
		call: func(event any) bool {
			o := wp.Value()
			if o == nil {
				return false
			}
			handler(o, event.(E))
			return true
		},
	}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], entry)
	b.mu.Unlock()
	return &Subscription{id: id, etype: t}
}

// Unsubscribe removes sub. It is idempotent: an unknown or
// already-removed subscription is silently ignored. A nil sub is a
// no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.etype]
	for i, e := range list {
		if e.id == sub.id {
			b.handlers[sub.etype] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[reflect.Type][]handlerEntry)
}

// Publish dispatches event to every handler currently subscribed to
// event's concrete type. The handler list is snapshotted under a read
// lock and invoked outside it, so a handler calling Subscribe/
// Unsubscribe/Publish mid-dispatch never sees its own side effects
// within the outer publish (snapshot semantics, spec.md §4.1). Each
// handler runs behind a recover() guard: a panicking handler is logged
// and does not prevent delivery to the rest, and never propagates to
// the caller of Publish.
func Publish[E any](b *Bus, event E) {
	t := reflect.TypeOf((*E)(nil)).Elem()

	b.mu.RLock()
	snapshot := append([]handlerEntry(nil), b.handlers[t]...)
	b.mu.RUnlock()

	var dead []uint64
	for _, e := range snapshot {
		if !invoke(b.log, t, e, event) {
			dead = append(dead, e.id)
		}
	}
	if len(dead) > 0 {
		b.reap(t, dead)
	}
}

func invoke(log zerolog.Logger, t reflect.Type, e handlerEntry, event any) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event_type", t.String()).
				Interface("panic", r).
				Msg("event bus handler panicked; continuing with remaining handlers")
			alive = true
		}
	}()
	return e.call(event)
}

func (b *Bus) reap(t reflect.Type, deadIDs []uint64) {
	deadSet := make(map[uint64]bool, len(deadIDs))
	for _, id := range deadIDs {
		deadSet[id] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[t]
	kept := list[:0:0]
	for _, e := range list {
		if !deadSet[e.id] {
			kept = append(kept, e)
		}
	}
	b.handlers[t] = kept
}
