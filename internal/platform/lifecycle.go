package platform

import "sync"

// EventKind identifies a lifecycle signal.
type EventKind string

const (
	EventOnline  EventKind = "online"
	EventOffline EventKind = "offline"
	EventVisible EventKind = "visible"
	EventHidden  EventKind = "hidden"
)

// Event is a single lifecycle signal.
type Event struct {
	Kind EventKind
}

// LifecycleObserver reports connectivity and delivers lifecycle transitions.
type LifecycleObserver interface {
	Online() bool
	// Subscribe registers fn for future events. The returned func removes the subscription.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// broadcaster fans events out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (b *broadcaster) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ManualObserver is driven by the host application, which reports
// connectivity and visibility changes as they happen.
type ManualObserver struct {
	mu      sync.Mutex
	online  bool
	visible bool
	b       broadcaster
}

// NewManualObserver creates an observer with the given initial connectivity. It starts visible.
func NewManualObserver(online bool) *ManualObserver {
	return &ManualObserver{online: online, visible: true}
}

// Online reports the last connectivity state set by the host.
func (m *ManualObserver) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for future events.
func (m *ManualObserver) Subscribe(fn func(Event)) func() {
	return m.b.subscribe(fn)
}

// SetOnline records connectivity and publishes an event on transitions only.
func (m *ManualObserver) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	if online {
		m.b.publish(Event{Kind: EventOnline})
	} else {
		m.b.publish(Event{Kind: EventOffline})
	}
}

// SetVisible records visibility. Becoming visible always publishes, hiding publishes on transition.
func (m *ManualObserver) SetVisible(visible bool) {
	m.mu.Lock()
	changed := m.visible != visible
	m.visible = visible
	m.mu.Unlock()
	if visible {
		m.b.publish(Event{Kind: EventVisible})
	} else if changed {
		m.b.publish(Event{Kind: EventHidden})
	}
}
