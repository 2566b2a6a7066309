// Package netengine is a reference engine.Engine that establishes and
// supervises the TCP transport to an RDP host. It runs the lifecycle hooks in
// engine order but does not speak the RDP protocol: data from the host is
// drained and discarded, and input events are counted and dropped.
package netengine

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsgate/gateway/internal/engine"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultPollTimeout = time.Millisecond
)

type Config struct {
	DialTimeout time.Duration
	PollTimeout time.Duration // read deadline for one descriptor check
}

type Engine struct {
	cfg    Config
	log    zerolog.Logger
	dialer net.Dialer

	mu    sync.Mutex
	conns map[*engine.Instance]net.Conn
}

func New(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Engine{
		cfg:    cfg,
		log:    logger.With().Str("component", "netengine").Logger(),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		conns:  make(map[*engine.Instance]net.Conn),
	}
}

func (e *Engine) NewInstance() (*engine.Instance, error) {
	return &engine.Instance{
		Settings: engine.DefaultSettings(),
		Input:    &input{},
	}, nil
}

func (e *Engine) ContextNew(inst *engine.Instance) error {
	inst.Context = &engine.Context{Instance: inst}
	if inst.ContextNew != nil {
		inst.ContextNew(inst, inst.Context)
	}
	return nil
}

func (e *Engine) FreeInstance(inst *engine.Instance) {
	e.closeConn(inst)
	if inst.ContextFree != nil && inst.Context != nil {
		inst.ContextFree(inst, inst.Context)
	}
	inst.Context = nil
}

func (e *Engine) Connect(ctx context.Context, inst *engine.Instance) bool {
	if inst.PreConnect != nil && !inst.PreConnect(inst) {
		return false
	}
	s := inst.Settings
	addr := net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port))

	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		e.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		return false
	}

	if !s.IgnoreCertificate && inst.VerifyCertificate != nil {
		if !inst.VerifyCertificate(inst, "CN="+s.Hostname, "", "") {
			conn.Close()
			return false
		}
	}
	if s.Authentication && s.Password == "" && inst.Authenticate != nil {
		if !inst.Authenticate(inst, &s.Username, &s.Password, &s.Domain) {
			conn.Close()
			return false
		}
	}

	e.mu.Lock()
	if old, ok := e.conns[inst]; ok {
		old.Close()
	}
	e.conns[inst] = conn
	e.mu.Unlock()

	if inst.PostConnect != nil && !inst.PostConnect(inst) {
		e.closeConn(inst)
		return false
	}
	e.log.Debug().Str("addr", addr).Msg("transport established")
	return true
}

func (e *Engine) Disconnect(inst *engine.Instance) bool {
	return e.closeConn(inst)
}

// CheckFileDescriptors drains whatever the host sent within one poll
// timeout. It reports false once the connection is closed or broken.
func (e *Engine) CheckFileDescriptors(inst *engine.Instance) bool {
	e.mu.Lock()
	conn, ok := e.conns[inst]
	e.mu.Unlock()
	if !ok {
		return false
	}

	if err := conn.SetReadDeadline(time.Now().Add(e.cfg.PollTimeout)); err != nil {
		return false
	}
	var buf [4096]byte
	_, err := conn.Read(buf[:])
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	e.log.Debug().Err(err).Msg("transport closed")
	return false
}

// InputEvents returns how many input events inst has received.
func (e *Engine) InputEvents(inst *engine.Instance) uint64 {
	in, ok := inst.Input.(*input)
	if !ok {
		return 0
	}
	return in.n.Load()
}

func (e *Engine) closeConn(inst *engine.Instance) bool {
	e.mu.Lock()
	conn, ok := e.conns[inst]
	delete(e.conns, inst)
	e.mu.Unlock()
	if !ok {
		return false
	}
	return conn.Close() == nil
}

type input struct {
	n atomic.Uint64
}

func (i *input) SendSynchronizeEvent(uint32) { i.n.Add(1) }
func (i *input) SendKeyboardEvent(uint16, uint16) { i.n.Add(1) }
func (i *input) SendUnicodeKeyboardEvent(uint16, uint16) { i.n.Add(1) }
func (i *input) SendMouseEvent(uint16, uint16, uint16) { i.n.Add(1) }
func (i *input) SendExtendedMouseEvent(uint16, uint16, uint16) { i.n.Add(1) }

var _ engine.Engine = (*Engine)(nil)
