package connection

import (
	"fmt"
	"time"

	"github.com/rickgao/wsrpc/internal/wire"
)

// The ping timer fires after PingInterval of silence. Any frame sent or
// received pushes the deadline out; the timer itself is only re-armed when
// it fires, so busy connections do not churn timers.

// touchLocked records traffic. Must be called with mu held.
func (s *connState) touchLocked() {
	s.lastActivity = time.Now()
}

// startHealthLocked arms the first ping. Must be called with mu held.
func (s *connState) startHealthLocked() {
	if s.cfg.PingInterval <= 0 {
		return
	}
	s.pingTimer = time.AfterFunc(s.cfg.PingInterval, s.onPingTimer)
}

func (s *connState) onPingTimer() {
	s.mu.Lock()
	if s.phase != phaseOpen || s.awaitingPong {
		s.mu.Unlock()
		return
	}

	if silent := time.Since(s.lastActivity); silent < s.cfg.PingInterval {
		s.pingTimer.Reset(s.cfg.PingInterval - silent)
		s.mu.Unlock()
		return
	}

	s.nonce++
	nonce := s.nonce
	s.awaitingPong = true
	s.pongGen++
	gen := s.pongGen
	s.pongTimer = time.AfterFunc(s.cfg.PongTimeout, func() { s.onPongTimeout(gen) })
	s.mu.Unlock()

	data, err := wire.Encode(wire.Ping(nonce))
	if err != nil {
		return
	}
	s.client.metrics.Liveness("ping")
	s.logger.Debug("sending ping", "nonce", nonce)
	s.send(data)
}

// handlePong clears the pong timer when nonce answers the outstanding ping.
func (s *connState) handlePong(nonce int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.awaitingPong || nonce != s.nonce {
		s.logger.Debug("ignoring unsolicited pong", "nonce", nonce)
		return
	}
	s.awaitingPong = false
	s.pongGen++
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	if s.pingTimer != nil {
		s.pingTimer.Reset(s.cfg.PingInterval)
	}
	s.client.metrics.Liveness("pong")
}

func (s *connState) onPongTimeout(gen uint64) {
	s.mu.Lock()
	if gen != s.pongGen || s.phase != phaseOpen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.client.metrics.Liveness("timeout")
	s.teardown(wire.CloseAbnormal, fmt.Errorf("%w: %w after %s", ErrConnectionLost, ErrPongTimeout, s.cfg.PongTimeout))
}

// stopTimersLocked stops every timer. Must be called with mu held.
func (s *connState) stopTimersLocked() {
	s.pongGen++
	s.idleGen++
	s.awaitingPong = false
	for _, t := range []*time.Timer{s.pingTimer, s.pongTimer, s.idleTimer} {
		if t != nil {
			t.Stop()
		}
	}
}
