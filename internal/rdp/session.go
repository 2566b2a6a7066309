// Package rdp owns the lifecycle of one remote-desktop session: it drives an
// engine.Engine from a dedicated worker goroutine, maps engine callbacks back
// onto the session, forwards client input and reports status text to the
// transport.
package rdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wsgate/gateway/internal/engine"
)

// StatusErrorPrefix marks a status message as an error for the client.
const StatusErrorPrefix = "E:"

// DefaultTick is the pause between worker iterations.
const DefaultTick = 100 * time.Microsecond

const (
	msgConnectFailed  = StatusErrorPrefix + "Could not connect to RDP backend."
	msgConnectionLost = StatusErrorPrefix + "Connection to RDP backend lost."
)

// TextSender is the transport sink for status messages.
type TextSender interface {
	SendText(msg string) error
}

// Options tunes a Session. The zero value is usable.
type Options struct {
	Tick   time.Duration   // 0 means DefaultTick
	Logger *zerolog.Logger // nil means the zerolog global logger

	// OnStateChange is called after every transition, in transition order.
	// It must not call back into Connect or Disconnect.
	OnStateChange func(from, to State)
}

// Session bridges one transport client to one engine instance.
type Session struct {
	eng     engine.Engine
	inst    *engine.Instance
	handler TextSender
	log     zerolog.Logger
	tick    time.Duration
	onState func(from, to State)

	// Captured in contextNew before the worker starts; read-only afterwards.
	ctx      *engine.Context
	settings *engine.Settings
	input    engine.Input

	notifyMu sync.Mutex // orders transitions with their OnStateChange calls
	mu       sync.Mutex // protects state and errMsg
	state    State
	errMsg   string

	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once

	closeMu sync.Mutex // serializes Disconnect and Close
	closed  bool
}

// NewSession creates the engine instance, registers the session for callback
// dispatch and starts the worker. A nil handler discards status messages.
func NewSession(eng engine.Engine, handler TextSender, opts Options) (*Session, error) {
	inst, err := eng.NewInstance()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineInstance, err)
	}
	if inst == nil {
		return nil, ErrEngineInstance
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if handler == nil {
		handler = discardSender{}
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	s := &Session{
		eng:     eng,
		inst:    inst,
		handler: handler,
		log:     logger,
		tick:    tick,
		onState: opts.OnStateChange,
		state:   Initial,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	inst.ContextNew = cbContextNew
	inst.ContextFree = cbContextFree
	inst.Authenticate = cbAuthenticate
	inst.VerifyCertificate = cbVerifyCertificate

	instances.register(inst, s)
	if err := eng.ContextNew(inst); err != nil {
		eng.FreeInstance(inst)
		instances.unregister(inst)
		return nil, fmt.Errorf("%w: %w", ErrEngineInstance, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running.Store(true)
	go s.run(ctx)
	s.log.Debug().Msg("rdp worker started")

	return s, nil
}

// Connect writes the endpoint and credentials into the engine settings and
// hands the connection attempt to the worker. An empty password disables
// authentication. Certificate errors are always ignored.
func (s *Session) Connect(host string, port int, user, domain, password string) error {
	if s.settings == nil {
		return ErrSettingsNotInitialized
	}

	// running is cleared under notifyMu, so a Connect that gets past this
	// check is seen by disconnect after the worker exits.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if !s.running.Load() {
		return ErrWorkerStopped
	}

	s.mu.Lock()
	if s.state != Initial {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrSessionActive, state)
	}
	st := s.settings
	st.Hostname = host
	st.Port = port
	st.Username = user
	if domain != "" {
		st.Domain = domain
	}
	st.Password = password
	st.Authentication = password != ""
	st.IgnoreCertificate = true
	s.state = Connecting
	s.mu.Unlock()

	s.log.Debug().Str("host", host).Int("port", port).Str("user", user).Msg("connect requested")
	s.notify(Initial, Connecting)
	return nil
}

// Disconnect stops the worker, waits for it to exit and tears down an
// active connection. It returns the engine's teardown result, or true when
// there was nothing to tear down. Calling it again is a no-op.
func (s *Session) Disconnect() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.disconnect()
}

func (s *Session) disconnect() bool {
	s.stopOnce.Do(func() {
		s.notifyMu.Lock()
		s.running.Store(false)
		s.notifyMu.Unlock()
		s.cancel()
		close(s.stop)
	})
	<-s.done

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	from := s.state
	switch from {
	case Initial:
		s.mu.Unlock()
		return true
	case Connecting:
		// The worker stopped before it picked up the request.
		s.state = Initial
		s.mu.Unlock()
		s.notify(from, Initial)
		return true
	}
	s.mu.Unlock()

	ok := s.eng.Disconnect(s.inst)
	s.mu.Lock()
	s.state = Initial
	s.mu.Unlock()
	s.log.Debug().Bool("ok", ok).Msg("rdp connection torn down")
	s.notify(from, Initial)
	return ok
}

// Close disconnects, frees the engine instance and removes the session from
// callback dispatch. It returns ErrTeardown if the engine reported a failed
// teardown.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ok := s.disconnect()
	s.eng.FreeInstance(s.inst)
	instances.unregister(s.inst)
	if !ok {
		return ErrTeardown
	}
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the worker is still looping.
func (s *Session) Running() bool {
	return s.running.Load()
}

// transition moves the state machine from → to if the session is still in
// from. It returns false when the state changed underneath the caller.
func (s *Session) transition(from, to State) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state != from || !validTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
	return true
}

// notify must be called with notifyMu held.
func (s *Session) notify(from, to State) {
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("rdp state")
	if s.onState != nil {
		s.onState(from, to)
	}
}

// setStatus overwrites the pending status message. An undelivered earlier
// message is lost.
func (s *Session) setStatus(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
}

// takeStatus returns and clears the pending status message.
func (s *Session) takeStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.errMsg
	s.errMsg = ""
	return msg
}

type discardSender struct{}

func (discardSender) SendText(string) error { return nil }
