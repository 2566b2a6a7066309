package rdp

import (
	"context"
	"time"
)

// run is the worker loop. Each iteration delivers the pending status message,
// acts on the current state and then waits one tick.
func (s *Session) run(ctx context.Context) {
	defer func() {
		s.running.Store(false)
		close(s.done)
		s.log.Debug().Msg("rdp worker terminated")
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for s.running.Load() {
		if msg := s.takeStatus(); msg != "" {
			if err := s.handler.SendText(msg); err != nil {
				s.log.Warn().Err(err).Str("msg", msg).Msg("status message not delivered")
			}
		}

		switch s.State() {
		case Connected:
			s.poll()
		case Connecting:
			s.connect(ctx)
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// connect performs the blocking engine connect. A failed attempt returns the
// session to Initial and queues an error message unless the attempt was
// cancelled by Disconnect.
//
// Settings may be rewritten by Connect once the state is back in Initial, so
// anything logged afterwards comes from a copy taken beforehand.
func (s *Session) connect(ctx context.Context) {
	host := s.settings.Hostname
	start := time.Now()
	if s.eng.Connect(ctx, s.inst) {
		s.transition(Connecting, Connected)
		s.log.Info().Str("host", host).Dur("took", time.Since(start)).Msg("rdp connected")
		return
	}

	s.transition(Connecting, Initial)
	if ctx.Err() != nil {
		s.log.Debug().Msg("rdp connect cancelled")
		return
	}
	s.setStatus(msgConnectFailed)
	s.log.Warn().Str("host", host).Dur("took", time.Since(start)).Msg("rdp connect failed")
}

// poll lets the engine service its descriptors. A failed check means the
// engine lost the connection.
func (s *Session) poll() {
	if s.eng.CheckFileDescriptors(s.inst) {
		return
	}
	host := s.settings.Hostname
	s.eng.Disconnect(s.inst)
	if s.transition(Connected, Initial) {
		s.setStatus(msgConnectionLost)
		s.log.Warn().Str("host", host).Msg("rdp connection lost")
	}
}
