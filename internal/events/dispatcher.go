// Package events routes inbound events to interested subscribers.
//
// Two subscription tables exist side by side. Type-scoped subscribers see
// every event with a given tag. Entity-scoped subscribers see events with a
// given tag addressed to one room or call, keyed additionally by a
// subscriber id so that the owning entity can deregister itself. An event
// matched by neither table goes to the unhandled hook.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

type Callback func(protocol.Event)

type concreteKey struct {
	tag string
	id  string
}

type Dispatcher struct {
	log *slog.Logger

	mu        sync.Mutex
	byType    map[string][]Callback
	byID      map[concreteKey]map[string]Callback
	unhandled Callback
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:    log,
		byType: make(map[string][]Callback),
		byID:   make(map[concreteKey]map[string]Callback),
	}
}

// OnEvent subscribes cb to every event tagged tag.
func (d *Dispatcher) OnEvent(tag string, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType[tag] = append(d.byType[tag], cb)
}

// OnConcreteEvent subscribes cb to events tagged tag addressed to id.
// Registering the same (tag, id, subscriberID) again replaces the previous
// callback.
func (d *Dispatcher) OnConcreteEvent(tag, id, subscriberID string, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := concreteKey{tag: tag, id: id}
	subs := d.byID[key]
	if subs == nil {
		subs = make(map[string]Callback)
		d.byID[key] = subs
	}
	subs[subscriberID] = cb
}

func (d *Dispatcher) RemoveConcreteEvent(tag, id, subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := concreteKey{tag: tag, id: id}
	subs := d.byID[key]
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(d.byID, key)
	}
}

// RemoveSubscriber drops every entity-scoped subscription subscriberID holds
// on id.
func (d *Dispatcher) RemoveSubscriber(id, subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, subs := range d.byID {
		if key.id != id {
			continue
		}
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.byID, key)
		}
	}
}

// OnUnhandled sets the hook invoked for events nobody subscribed to.
func (d *Dispatcher) OnUnhandled(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unhandled = cb
}

// SubscriptionCount reports the number of live entity-scoped subscriptions.
func (d *Dispatcher) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, subs := range d.byID {
		n += len(subs)
	}
	return n
}

// Notify delivers ev to entity-scoped subscribers of its (tag, entity id),
// then to type-scoped subscribers of its tag. It reports whether anyone
// received it.
func (d *Dispatcher) Notify(ev protocol.Event) bool {
	if ev == nil {
		return false
	}
	tag := ev.EventTag()
	id := protocol.EntityID(ev)

	d.mu.Lock()
	var targets []Callback
	if id != "" {
		for _, cb := range d.byID[concreteKey{tag: tag, id: id}] {
			targets = append(targets, cb)
		}
	}
	targets = append(targets, d.byType[tag]...)
	unhandled := d.unhandled
	d.mu.Unlock()

	for _, cb := range targets {
		d.invoke(tag, cb, ev)
	}
	if len(targets) > 0 {
		return true
	}

	d.log.Info("unhandled event", "tag", tag, "entity_id", id)
	if unhandled != nil {
		d.invoke(tag, unhandled, ev)
	}
	return false
}

func (d *Dispatcher) invoke(tag string, cb Callback, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event callback panicked",
				"tag", tag,
				"err", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	cb(ev)
}
