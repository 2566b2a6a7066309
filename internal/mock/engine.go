// Package mock provides a scriptable engine.Engine for tests and for running
// the gateway without a reachable RDP host.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/wsgate/gateway/internal/engine"
)

const defaultMaxEvents = 1024

// Config controls the scripted behaviour of an Engine.
type Config struct {
	ConnectResult    bool          // returned by Connect when no scripted result remains
	ConnectDelay     time.Duration // simulated handshake time; cut short by ctx
	DisconnectResult bool
	FailNewInstance  bool
	SkipContextNew   bool // ContextNew returns without invoking the hook
	MaxEvents        int  // input events retained; 0 means defaultMaxEvents
}

// InputEvent is one recorded call into the input sink.
type InputEvent struct {
	Kind  string
	Flags uint32
	Code  uint16
	X, Y  uint16
}

// Calls counts invocations of each engine primitive.
type Calls struct {
	NewInstance          int
	ContextNew           int
	FreeInstance         int
	Connect              int
	Disconnect           int
	CheckFileDescriptors int
	PreConnect           int
	PostConnect          int
	Authenticate         int
	VerifyCertificate    int
}

// Engine is an in-memory engine.Engine driven by Config and the Script/Hold/Drop
// helpers.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	script  []bool
	gate    chan struct{}
	dropped bool
	calls   Calls
	events  []InputEvent
	last    *engine.Instance
}

// New returns an Engine with the given behaviour.
func New(cfg Config) *Engine {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	return &Engine{cfg: cfg}
}

// ScriptConnect queues results for the next Connect calls, consumed in order.
func (e *Engine) ScriptConnect(results ...bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append(e.script, results...)
}

// HoldConnect makes Connect block until the returned release func is called
// or the connect context is cancelled.
func (e *Engine) HoldConnect() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// DropConnection makes CheckFileDescriptors report failure until the next
// successful Connect.
func (e *Engine) DropConnection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = true
}

func (e *Engine) Calls() Calls {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Events returns a copy of the recorded input events.
func (e *Engine) Events() []InputEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InputEvent, len(e.events))
	copy(out, e.events)
	return out
}

// LastInstance returns the most recently created instance.
func (e *Engine) LastInstance() *engine.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) NewInstance() (*engine.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.NewInstance++
	if e.cfg.FailNewInstance {
		return nil, engine.ErrInstance
	}
	inst := &engine.Instance{
		Settings: engine.DefaultSettings(),
		Input:    &input{e: e},
	}
	e.last = inst
	return inst, nil
}

func (e *Engine) ContextNew(inst *engine.Instance) error {
	e.mu.Lock()
	e.calls.ContextNew++
	skip := e.cfg.SkipContextNew
	e.mu.Unlock()

	inst.Context = &engine.Context{Instance: inst}
	if skip || inst.ContextNew == nil {
		return nil
	}
	inst.ContextNew(inst, inst.Context)
	return nil
}

func (e *Engine) FreeInstance(inst *engine.Instance) {
	e.mu.Lock()
	e.calls.FreeInstance++
	e.mu.Unlock()

	if inst.ContextFree != nil && inst.Context != nil {
		inst.ContextFree(inst, inst.Context)
	}
	inst.Context = nil
}

func (e *Engine) Connect(ctx context.Context, inst *engine.Instance) bool {
	e.mu.Lock()
	e.calls.Connect++
	delay := e.cfg.ConnectDelay
	gate := e.gate
	e.mu.Unlock()

	if inst.PreConnect != nil {
		e.count(func(c *Calls) { c.PreConnect++ })
		if !inst.PreConnect(inst) {
			return false
		}
	}
	s := inst.Settings
	if !s.IgnoreCertificate && inst.VerifyCertificate != nil {
		e.count(func(c *Calls) { c.VerifyCertificate++ })
		if !inst.VerifyCertificate(inst, "CN="+s.Hostname, "CN="+s.Hostname, "") {
			return false
		}
	}
	if s.Authentication && s.Password == "" && inst.Authenticate != nil {
		e.count(func(c *Calls) { c.Authenticate++ })
		if !inst.Authenticate(inst, &s.Username, &s.Password, &s.Domain) {
			return false
		}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}

	e.mu.Lock()
	result := e.cfg.ConnectResult
	if len(e.script) > 0 {
		result = e.script[0]
		e.script = e.script[1:]
	}
	if result {
		e.dropped = false
	}
	e.mu.Unlock()

	if !result {
		return false
	}
	if inst.PostConnect != nil {
		e.count(func(c *Calls) { c.PostConnect++ })
		return inst.PostConnect(inst)
	}
	return true
}

func (e *Engine) Disconnect(*engine.Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.Disconnect++
	return e.cfg.DisconnectResult
}

func (e *Engine) CheckFileDescriptors(*engine.Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.CheckFileDescriptors++
	return !e.dropped
}

func (e *Engine) count(fn func(*Calls)) {
	e.mu.Lock()
	fn(&e.calls)
	e.mu.Unlock()
}

func (e *Engine) record(ev InputEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) >= e.cfg.MaxEvents {
		e.events = e.events[1:]
	}
	e.events = append(e.events, ev)
}

// input records events on behalf of its Engine.
type input struct {
	e *Engine
}

func (i *input) SendSynchronizeEvent(flags uint32) {
	i.e.record(InputEvent{Kind: "sync", Flags: flags})
}

func (i *input) SendKeyboardEvent(flags, code uint16) {
	i.e.record(InputEvent{Kind: "key", Flags: uint32(flags), Code: code})
}

func (i *input) SendUnicodeKeyboardEvent(flags, code uint16) {
	i.e.record(InputEvent{Kind: "unicode", Flags: uint32(flags), Code: code})
}

func (i *input) SendMouseEvent(flags, x, y uint16) {
	i.e.record(InputEvent{Kind: "mouse", Flags: uint32(flags), X: x, Y: y})
}

func (i *input) SendExtendedMouseEvent(flags, x, y uint16) {
	i.e.record(InputEvent{Kind: "emouse", Flags: uint32(flags), X: x, Y: y})
}

var _ engine.Engine = (*Engine)(nil)
