package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultHeartbeatInterval is how often a session probes its remote endpoint.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultClientTimeout is how long a session waits for a liveness response
	// before it stops. Two missed heartbeat cycles.
	DefaultClientTimeout = 10 * time.Second
	// DefaultOutboxSize is the number of payloads buffered per subscriber.
	DefaultOutboxSize = 64
)

var (
	// ErrSessionStopped is returned by Deliver after the session stopped.
	ErrSessionStopped = errors.New("realtime: session stopped")
	// ErrOutboxFull is returned by Deliver when the subscriber is lagging.
	ErrOutboxFull = errors.New("realtime: subscriber outbox full")
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is the connection a session pushes payloads and probes onto.
// Methods are only called from the session's Run goroutine.
type Transport interface {
	Send(p Payload) error
	Probe() error
	Close() error
}

// SessionConfig holds the heartbeat and buffering parameters of a Session.
// Zero fields take the package defaults.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	OutboxSize        int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	return c
}

// Session is the per-subscriber state machine: Starting, Active, Stopped.
// It registers itself with the Registry, forwards delivered payloads to its
// Transport, and stops when the remote endpoint stops answering probes.
type Session struct {
	registry  *Registry
	transport Transport
	cfg       SessionConfig
	logger    *slog.Logger

	id      atomic.Uint64
	state   atomic.Int32
	started time.Time
	// lastBeat is the offset from started of the latest liveness response.
	lastBeat atomic.Int64

	outbox   chan Payload
	stop     chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once
	done     chan struct{}
}

// NewSession creates a session in the Starting state. It does not touch the
// registry until Run is called.
func NewSession(registry *Registry, transport Transport, cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Session{
		registry:  registry,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		started:   time.Now(),
		outbox:    make(chan Payload, cfg.OutboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the subscriber id, or 0 before the session connected.
func (s *Session) ID() SubscriberID { return SubscriberID(s.id.Load()) }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues p for the transport without blocking.
func (s *Session) Deliver(p Payload) error {
	select {
	case <-s.stop:
		return ErrSessionStopped
	default:
	}
	select {
	case s.outbox <- p:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Heartbeat records a liveness response from the remote endpoint.
func (s *Session) Heartbeat() {
	s.lastBeat.Store(int64(time.Since(s.started)))
}

// Stop asks the session to terminate. Safe to call any number of times from
// any goroutine, before or after Run.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run connects the session and serves it until the context is cancelled, the
// session is stopped, the heartbeat times out, or the transport fails. It
// returns a non-nil error only when connecting or the transport failed.
// Run may only be called once.
func (s *Session) Run(ctx context.Context) error {
	err := errors.New("realtime: session already run")
	s.runOnce.Do(func() { err = s.run(ctx) })
	return err
}

func (s *Session) run(ctx context.Context) error {
	defer close(s.done)

	id, err := s.registry.Connect(s)
	if err != nil {
		s.state.Store(int32(StateStopped))
		s.Stop()
		_ = s.transport.Close()
		return fmt.Errorf("connect: %w", err)
	}
	s.id.Store(uint64(id))
	s.Heartbeat()
	s.state.Store(int32(StateActive))
	s.logger.Debug("session active", "subscriber", uint64(id))

	err = s.serve(ctx)

	s.state.Store(int32(StateStopped))
	s.Stop()
	s.registry.Disconnect(id)
	if cerr := s.transport.Close(); cerr != nil && err == nil {
		s.logger.Debug("closing transport", "subscriber", uint64(id), "error", cerr)
	}
	s.logger.Debug("session stopped", "subscriber", uint64(id))
	return err
}

func (s *Session) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case p := <-s.outbox:
			if err := s.transport.Send(p); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		case <-ticker.C:
			if s.sinceHeartbeat() > s.cfg.ClientTimeout {
				s.logger.Info("heartbeat failed, disconnecting", "subscriber", s.id.Load())
				return nil
			}
			if err := s.transport.Probe(); err != nil {
				return fmt.Errorf("probe: %w", err)
			}
		}
	}
}

func (s *Session) sinceHeartbeat() time.Duration {
	return time.Since(s.started) - time.Duration(s.lastBeat.Load())
}
