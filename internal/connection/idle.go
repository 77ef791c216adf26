package connection

import (
	"time"

	"github.com/rickgao/wsrpc/internal/wire"
)

// armIdleLocked (re)starts the idle countdown. It is a no-op unless the
// connection is open and IdleTimeout is positive. Must be called with mu
// held.
func (s *connState) armIdleLocked() {
	if s.cfg.IdleTimeout <= 0 || s.phase != phaseOpen {
		return
	}
	s.idleGen++
	gen := s.idleGen
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() { s.onIdle(gen) })
}

// disarmIdleLocked cancels a running countdown. Must be called with mu held.
func (s *connState) disarmIdleLocked() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

func (s *connState) onIdle(gen uint64) {
	s.mu.Lock()
	if gen != s.idleGen || s.active > 0 || s.phase != phaseOpen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Debug("closing idle connection", "idle_timeout", s.cfg.IdleTimeout)
	s.teardown(wire.CloseNormal, ErrIdleTimeout)
}
