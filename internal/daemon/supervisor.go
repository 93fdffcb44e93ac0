package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/channel"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/status"
	"go.uber.org/zap"
)

const (
	redialBase = time.Second
	redialMax  = 30 * time.Second
)

// Transport is the realtime connection surface the supervisor manages.
// The production implementation is *realtime.Client.
type Transport interface {
	Dial(ctx context.Context) error
	Close() error
	channel.Subscriber
}

// Supervisor owns the realtime connection for one conversation: it
// dials, opens the channel adapter, and on a dropped socket redials
// with backoff and rebuilds the adapter's subscriptions, driving the
// connection state machine through the whole cycle. The engine's
// compensating reload fires off the machine's Live transition.
//
// It implements the engine's Channel surface so typing broadcasts
// always go through the current adapter.
type Supervisor struct {
	transport Transport
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger

	conversationID string
	taskID         string
	userID         string

	mu      sync.Mutex
	adapter *channel.Adapter
	closed  bool

	disconnects chan struct{}
	done        chan struct{}
}

// NewSupervisor creates a supervisor for one conversation/task pair.
// Wire its HandleState into the transport's state callback.
func NewSupervisor(t Transport, b *bus.Bus, m *status.Machine, conversationID, taskID, userID string, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		transport:      t,
		bus:            b,
		machine:        m,
		logger:         logger,
		conversationID: conversationID,
		taskID:         taskID,
		userID:         userID,
		disconnects:    make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// HandleState is the transport's connection state callback.
func (s *Supervisor) HandleState(connected bool) {
	if connected {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.disconnects <- struct{}{}:
	default:
	}
}

// Start dials the transport, opens the adapter and begins watching for
// drops. Returns only after the first connection is live.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.watch(ctx)
	return nil
}

// connect walks the machine through one full dial + join cycle.
func (s *Supervisor) connect(ctx context.Context) error {
	_ = s.machine.Transition(status.Connecting)
	if err := s.transport.Dial(ctx); err != nil {
		_ = s.machine.Transition(status.Reconnecting)
		return err
	}
	_ = s.machine.Transition(status.Joining)

	a := channel.NewAdapter(s.transport, s.bus, s.conversationID, s.taskID, s.userID, s.logger)
	if err := a.Open(ctx); err != nil {
		_ = s.machine.Transition(status.Degraded)
		return err
	}

	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()

	_ = s.machine.Transition(status.Live)
	return nil
}

// watch redials after a dropped socket until the supervisor closes.
func (s *Supervisor) watch(ctx context.Context) {
	for {
		select {
		case <-s.disconnects:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}

		_ = s.machine.Transition(status.Reconnecting)
		s.teardownAdapter()

		backoff := redialBase
		for {
			s.logger.Info("redialing realtime", zap.Duration("backoff", backoff))
			if err := s.connect(ctx); err == nil {
				break
			} else {
				s.logger.Warn("redial failed", zap.Error(err))
			}

			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > redialMax {
				backoff = redialMax
			}
		}
	}
}

// SendTyping broadcasts through the current adapter; a nil adapter
// during a reconnect window just drops the signal.
func (s *Supervisor) SendTyping(ctx context.Context) error {
	s.mu.Lock()
	a := s.adapter
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.SendTyping(ctx)
}

// Close tears down the adapter and the transport. Idempotent.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.teardownAdapter()
	if err := s.transport.Close(); err != nil {
		s.logger.Debug("transport close failed", zap.Error(err))
	}
}

func (s *Supervisor) teardownAdapter() {
	s.mu.Lock()
	a := s.adapter
	s.adapter = nil
	s.mu.Unlock()
	if a != nil {
		a.Close()
	}
}
