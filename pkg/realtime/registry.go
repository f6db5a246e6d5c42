package realtime

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrRegistryClosed is returned by Connect once the registry stopped accepting subscribers.
var ErrRegistryClosed = errors.New("realtime: registry closed")

// SubscriberID identifies one connected subscriber. IDs come from a counter
// and are never handed out twice by the same Registry.
type SubscriberID uint64

// Payload is one chunk read from the serial channel. Handles share the same
// backing array and must not modify it.
type Payload []byte

// Handle delivers payloads to a single remote endpoint.
type Handle interface {
	Deliver(p Payload) error
}

// Observer is notified of registry activity. Used for metrics.
type Observer interface {
	SubscriberConnected()
	SubscriberDisconnected()
	PayloadBroadcast(size, delivered int)
	DeliveryFailed()
}

type nopObserver struct{}

func (nopObserver) SubscriberConnected()      {}
func (nopObserver) SubscriberDisconnected()   {}
func (nopObserver) PayloadBroadcast(_, _ int) {}
func (nopObserver) DeliveryFailed()           {}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// Registry tracks the subscribers currently connected and fans payloads out to them.
type Registry struct {
	mu     sync.Mutex
	subs   map[SubscriberID]Handle
	nextID SubscriberID
	closed bool

	logger   *slog.Logger
	observer Observer
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		subs:     make(map[SubscriberID]Handle),
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers h and returns its id.
func (r *Registry) Connect(h Handle) (SubscriberID, error) {
	if h == nil {
		return 0, errors.New("realtime: nil handle")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRegistryClosed
	}
	r.nextID++
	id := r.nextID
	r.subs[id] = h
	r.mu.Unlock()

	r.observer.SubscriberConnected()
	return id, nil
}

// Disconnect removes the subscriber. Unknown ids are ignored.
func (r *Registry) Disconnect(id SubscriberID) {
	r.mu.Lock()
	_, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if ok {
		r.observer.SubscriberDisconnected()
	}
}

// Broadcast delivers p to every subscriber registered when the call starts
// and returns how many deliveries succeeded. A failed delivery is logged and
// skipped; removing the subscriber is left to its session.
func (r *Registry) Broadcast(p Payload) int {
	type target struct {
		id SubscriberID
		h  Handle
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.subs))
	for id, h := range r.subs {
		targets = append(targets, target{id: id, h: h})
	}
	r.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if err := r.deliver(t.h, p); err != nil {
			r.observer.DeliveryFailed()
			r.logger.Debug("delivery failed", "subscriber", uint64(t.id), "error", err)
			continue
		}
		delivered++
	}
	r.observer.PayloadBroadcast(len(p), delivered)
	return delivered
}

// deliver turns a panicking handle into an error so one subscriber cannot
// take down the ingestion loop.
func (r *Registry) deliver(h Handle, p Payload) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.New("realtime: handle panicked")
			r.logger.Error("subscriber handle panicked", "panic", v)
		}
	}()
	return h.Deliver(p)
}

// Len returns the number of connected subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops the registry from accepting new subscribers. Existing
// subscribers stay registered until they disconnect.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
