package rdp

import "github.com/wsgate/gateway/internal/engine"

// Engine callbacks. The engine invokes these as free functions with only the
// instance pointer, so each one resolves the owning session first and does
// nothing for an instance that is not registered.

func cbContextNew(inst *engine.Instance, ctx *engine.Context) {
	if s := instances.resolve(inst); s != nil {
		s.contextNew(inst, ctx)
	}
}

func cbContextFree(inst *engine.Instance, ctx *engine.Context) {
	if s := instances.resolve(inst); s != nil {
		s.contextFree(inst, ctx)
	}
}

func cbPreConnect(inst *engine.Instance) bool {
	if s := instances.resolve(inst); s != nil {
		return s.preConnect(inst)
	}
	return false
}

func cbPostConnect(inst *engine.Instance) bool {
	if s := instances.resolve(inst); s != nil {
		return s.postConnect(inst)
	}
	return false
}

func cbAuthenticate(inst *engine.Instance, username, password, domain *string) bool {
	if s := instances.resolve(inst); s != nil {
		return s.authenticate(inst, username, password, domain)
	}
	return false
}

func cbVerifyCertificate(inst *engine.Instance, subject, issuer, fingerprint string) bool {
	if s := instances.resolve(inst); s != nil {
		return s.verifyCertificate(inst, subject, issuer, fingerprint)
	}
	return false
}

// contextNew installs the connect hooks and captures the engine handles that
// Connect and the input methods depend on.
func (s *Session) contextNew(inst *engine.Instance, ctx *engine.Context) {
	s.log.Debug().Msg("rdp context new")
	inst.PreConnect = cbPreConnect
	inst.PostConnect = cbPostConnect
	s.ctx = ctx
	s.input = inst.Input
	s.settings = inst.Settings
}

func (s *Session) contextFree(*engine.Instance, *engine.Context) {
	s.log.Debug().Msg("rdp context free")
}

// preConnect applies the negotiation profile for a relayed browser session:
// RemoteFX over fast-path output at 32bpp, large pointers, and no bitmap,
// glyph or offscreen caches.
func (s *Session) preConnect(*engine.Instance) bool {
	s.log.Debug().Msg("rdp pre-connect")
	st := s.settings
	st.RemoteFXCodec = true
	st.FastPathOutput = true
	st.ColorDepth = 32
	st.FrameAcknowledge = 0
	st.PerformanceFlags = 0
	st.LargePointer = true
	st.GlyphCache = false
	st.BitmapCache = false
	st.OffscreenBitmapCache = false
	return true
}

func (s *Session) postConnect(*engine.Instance) bool {
	s.log.Debug().Msg("rdp post-connect")
	return true
}

// authenticate never prompts; the credentials given to Connect stand.
func (s *Session) authenticate(_ *engine.Instance, _, _, _ *string) bool {
	s.log.Debug().Msg("rdp authenticate")
	return true
}

// verifyCertificate accepts every certificate.
func (s *Session) verifyCertificate(_ *engine.Instance, subject, issuer, _ string) bool {
	s.log.Debug().Str("subject", subject).Str("issuer", issuer).Msg("rdp verify certificate")
	return true
}
