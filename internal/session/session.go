// Package session runs the proxy protocol for one client.
//
// A Session reads frames from its Transport one at a time, decodes them into
// commands and executes each command against its own Adapter before reading
// the next frame. Device notifications are the only output produced outside
// that loop: they flow through a relay and are written as soon as they arrive,
// so their position relative to the response of an in-flight command is not
// defined. Notifications for one characteristic keep their arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
	"github.com/srg/bleproxy/internal/protocol"
	"github.com/srg/bleproxy/internal/relay"
	"golang.org/x/time/rate"
)

const (
	readyMessage      = "BLE Proxy ready"
	disconnectReason  = "User requested disconnect"
	unavailablePrefix = "BLE Proxy not available"

	// DefaultWriteTimeout bounds a single frame write to the client.
	DefaultWriteTimeout = 5 * time.Second
)

// Transport is the client-facing duplex channel.
type Transport interface {
	// Read blocks for the next frame. Any error ends the session.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// StackFactory opens the radio stack for a new session.
type StackFactory func() (device.Stack, error)

// State is the lifecycle state of a Session.
type State int32

const (
	Initializing State = iota
	Ready
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Session.
type Options struct {
	DefaultAdapter          string
	ConnectDiscoveryTimeout time.Duration
	WriteTimeout            time.Duration
	// DiscoverTimeout is the discovery timeout, in seconds, of a discover
	// frame without one. Zero uses protocol.DefaultDiscoverTimeout.
	DiscoverTimeout int
	// CommandRate is the sustained number of commands per second; zero disables pacing.
	CommandRate  float64
	CommandBurst int
}

// Session is the state machine for one client.
type Session struct {
	id        string
	transport Transport
	newStack  StackFactory
	logger    *logrus.Entry
	opts      Options

	state       atomic.Int32
	running     atomic.Bool
	adapter     *adapter.Adapter
	unavailable error
	relay       *relay.Relay
	limiter     *rate.Limiter
	decoder     protocol.Decoder

	sendMu   sync.Mutex
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Session. The radio stack is opened when Run starts.
func New(id string, transport Transport, newStack StackFactory, logger *logrus.Logger, opts Options) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	limit := rate.Inf
	if opts.CommandRate > 0 {
		limit = rate.Limit(opts.CommandRate)
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 1
	}

	s := &Session{
		id:        id,
		transport: transport,
		newStack:  newStack,
		logger:    logger.WithField("session", id),
		opts:      opts,
		limiter:   rate.NewLimiter(limit, opts.CommandBurst),
		decoder:   protocol.Decoder{DiscoverTimeout: opts.DiscoverTimeout},
		stop:      make(chan struct{}),
	}
	s.state.Store(int32(Initializing))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Connected reports whether the session holds a live device link.
func (s *Session) Connected() bool {
	return s.adapter != nil && s.adapter.IsConnected()
}

// Run processes frames until the client goes away, a frame cannot be
// delivered, or ctx is cancelled. Cleanup always runs before Run returns.
// The returned error is the send failure that ended the session, if any.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	groutine.Go(ctx, "session-stop", func(ctx context.Context) {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	})

	s.running.Store(true)
	s.open()

	var sendErr error
	var sendErrOnce sync.Once
	fail := func(err error) {
		sendErrOnce.Do(func() { sendErr = err })
	}

	s.relay = relay.New(func(ctx context.Context, n relay.Notification) error {
		return s.send(ctx, protocol.Notification{CharacteristicUUID: n.CharacteristicUUID, Data: n.Data})
	}, s.logger)
	relayDone := groutine.Go(ctx, "session-relay", func(ctx context.Context) {
		if err := s.relay.Run(ctx); err != nil {
			fail(err)
		}
	})

	s.state.Store(int32(Ready))
	s.logger.Info("Session ready")

	if err := s.send(ctx, protocol.Status{Connected: false, Message: readyMessage}); err != nil {
		fail(err)
	}
	if s.unavailable != nil {
		if err := s.send(ctx, protocol.ErrorEvent{
			Message: fmt.Sprintf("%s: %v", unavailablePrefix, s.unavailable),
			Details: map[string]any{"kind": device.ErrorKind(s.unavailable)},
		}); err != nil {
			fail(err)
		}
	}

	for s.running.Load() {
		frame, err := s.transport.Read(ctx)
		if err != nil {
			s.logger.WithField("reason", err).Debug("Receive loop finished")
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if err := s.handleFrame(ctx, frame); err != nil {
			fail(err)
		}
	}

	reason := "session closed"
	if sendErr != nil {
		reason = "send failed"
	}
	s.cleanup(relayDone, reason)
	return sendErr
}

// open binds the session to a radio stack, or records why it cannot.
func (s *Session) open() {
	stack, err := s.newStack()
	if err != nil {
		s.unavailable = err
		s.logger.WithField("error", err).Error("BLE stack unavailable, session runs without device access")
		return
	}
	s.adapter = adapter.New(stack, s.logger, adapter.Options{
		DefaultAdapter:          s.opts.DefaultAdapter,
		ConnectDiscoveryTimeout: s.opts.ConnectDiscoveryTimeout,
		OnLinkLost: func(address string) {
			s.logger.WithField("address", address).Info("Device link lost, next command will report not connected")
		},
	})
}

func (s *Session) cleanup(relayDone <-chan struct{}, reason string) {
	s.running.Store(false)
	s.relay.Close()
	s.cancel()
	<-relayDone

	if s.adapter != nil {
		if err := s.adapter.Disconnect(); err != nil {
			s.logger.WithField("error", err).Warn("Disconnect during cleanup failed")
		}
	}
	if err := s.transport.Close(reason); err != nil {
		s.logger.WithField("error", err).Debug("Transport close failed")
	}
	s.state.Store(int32(Terminated))
	s.logger.Info("Session terminated")
}

// Stop ends the session from outside the receive loop. Run performs the
// usual cleanup before returning.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// send writes one event. A failure ends the session.
func (s *Session) send(ctx context.Context, ev protocol.Event) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.running.Load() {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	if err := s.transport.Write(wctx, protocol.Encode(ev)); err != nil {
		s.logger.WithFields(logrus.Fields{
			"event": ev.Type(),
			"error": err,
		}).Warn("Failed to send event, closing session")
		s.running.Store(false)
		s.cancel()
		return err
	}
	return nil
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) error {
	cmd, err := s.decoder.Decode(frame)
	if err != nil {
		s.logger.WithField("error", err).Debug("Rejected client frame")
		return s.send(ctx, decodeError(err))
	}
	return s.send(ctx, s.dispatch(ctx, cmd))
}

// decodeError converts a codec failure into the event sent to the client.
func decodeError(err error) protocol.Event {
	var malformed *protocol.MalformedFrameError
	var unknown *protocol.UnknownCommandTypeError
	var violation *protocol.SchemaViolationError

	switch {
	case errors.As(err, &malformed):
		return protocol.ErrorEvent{
			Message: fmt.Sprintf("Invalid JSON: %v", malformed.Err),
			Details: map[string]any{"kind": "malformed_frame"},
		}
	case errors.As(err, &unknown):
		return protocol.ErrorEvent{
			Message: fmt.Sprintf("Unknown message type: %s", unknown.Type),
			Details: map[string]any{"kind": "unknown_command_type", "type": unknown.Type},
		}
	case errors.As(err, &violation):
		return protocol.ErrorEvent{
			Message: fmt.Sprintf("Invalid message format: %v", violation),
			Details: map[string]any{"kind": "schema_violation", "field": violation.Field},
		}
	default:
		return protocol.ErrorEvent{Message: fmt.Sprintf("Invalid message format: %v", err)}
	}
}

// operationError converts a failed command into an Error event.
func (s *Session) operationError(op string, err error) protocol.Event {
	cause := err
	var opErr *device.OperationError
	if errors.As(err, &opErr) && opErr.Op == op {
		cause = opErr.Err
	}

	s.logger.WithFields(logrus.Fields{
		"operation": op,
		"error":     err,
	}).Error("Command failed")

	return protocol.ErrorEvent{
		Message: fmt.Sprintf("%s failed: %v", op, cause),
		Details: map[string]any{
			"operation": strings.ToLower(op),
			"kind":      device.ErrorKind(err),
		},
	}
}

// status builds a Status event reflecting the current link.
func (s *Session) status(message string) protocol.Status {
	st := protocol.Status{Message: message}
	if s.adapter == nil {
		return st
	}
	if info, ok := s.adapter.Info(); ok {
		st.Connected = true
		st.DeviceName = protocol.StringPtr(info.Address)
	}
	return st
}
