// Package engine describes the boundary between the gateway and a
// remote-desktop protocol engine.
//
// The engine speaks in opaque instances and free-function callbacks: it owns
// an Instance, its Settings and its Input sink, and invokes the hook fields on
// the Instance at fixed points of the connection lifecycle. Callers install
// package-level functions in those fields and recover their own state from
// the Instance pointer.
package engine

import (
	"context"
	"errors"
)

// ErrInstance is returned by NewInstance when the engine cannot allocate a
// connection instance.
var ErrInstance = errors.New("engine: could not create instance")

// Context is the per-instance context the engine allocates in ContextNew.
type Context struct {
	Instance *Instance
}

// Instance is one engine connection. The engine populates Settings and Input
// before it invokes ContextNew; they are never reassigned afterwards.
type Instance struct {
	Settings *Settings
	Input    Input
	Context  *Context

	ContextNew        func(inst *Instance, ctx *Context)
	ContextFree       func(inst *Instance, ctx *Context)
	PreConnect        func(inst *Instance) bool
	PostConnect       func(inst *Instance) bool
	Authenticate      func(inst *Instance, username, password, domain *string) bool
	VerifyCertificate func(inst *Instance, subject, issuer, fingerprint string) bool
}

// Settings is the engine-owned connection configuration. Endpoint and
// credential fields are written before Connect; negotiation flags are written
// from PreConnect.
type Settings struct {
	Hostname          string
	Port              int
	Username          string
	Domain            string
	Password          string
	Authentication    bool
	IgnoreCertificate bool

	RemoteFXCodec        bool
	FastPathOutput       bool
	ColorDepth           int
	FrameAcknowledge     int
	PerformanceFlags     uint32
	LargePointer         bool
	GlyphCache           bool
	BitmapCache          bool
	OffscreenBitmapCache bool
}

// DefaultSettings returns the settings an engine hands out for a fresh
// instance.
func DefaultSettings() *Settings {
	return &Settings{
		Port:                 3389,
		Authentication:       true,
		ColorDepth:           16,
		FastPathOutput:       true,
		GlyphCache:           true,
		BitmapCache:          true,
		OffscreenBitmapCache: true,
	}
}

// Input is the engine-owned sink for client input events.
type Input interface {
	SendSynchronizeEvent(flags uint32)
	SendKeyboardEvent(flags, code uint16)
	SendUnicodeKeyboardEvent(flags, code uint16)
	SendMouseEvent(flags, x, y uint16)
	SendExtendedMouseEvent(flags, x, y uint16)
}

// Engine is the primitive set a protocol implementation exposes.
//
// Connect blocks until the handshake completes or fails and invokes the
// PreConnect, Authenticate, VerifyCertificate and PostConnect hooks on the
// calling goroutine. Engines may return early when ctx is cancelled.
type Engine interface {
	NewInstance() (*Instance, error)
	ContextNew(inst *Instance) error
	FreeInstance(inst *Instance)
	Connect(ctx context.Context, inst *Instance) bool
	Disconnect(inst *Instance) bool
	CheckFileDescriptors(inst *Instance) bool
}
