package session

import (
	"context"
	"time"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/metrics"
)

// interruptTimeout bounds the best-effort interrupt sent upstream.
const interruptTimeout = time.Second

// drain tracks a cancel waiting for in-flight tool calls.
type drain struct {
	started time.Time
	timer   *time.Timer
}

// startCancel interrupts the upstream, stops dispatch and waits for
// in-flight tool calls. A second cancel is a no-op.
func (s *Session) startCancel() {
	if s.State() != Active {
		return
	}
	s.setState(Cancelling)
	s.log.Info().Int("in_flight", len(s.inflight)).Msg("cancelling")

	ctx, cancel := context.WithTimeout(s.ctx, interruptTimeout)
	if err := s.driver.Interrupt(ctx); err != nil {
		s.log.Debug().Err(err).Msg("interrupt not delivered")
	}
	cancel()

	// The prompt returns now; SessionEnded follows once drained.
	if s.turn != nil {
		s.turn <- turnReply{turn: Turn{StopReason: acp.StopCancelled}}
		s.turn = nil
	}

	s.drain = &drain{started: time.Now()}
	if len(s.inflight) == 0 {
		s.finishCancel()
		return
	}
	s.drain.timer = time.NewTimer(s.cfg.DrainTimeout)
}

func (s *Session) finishCancel() {
	if s.drain != nil {
		metrics.ObserveCancelDrain(time.Since(s.drain.started))
	}
	s.terminate(event.ReasonCancelled, "")
}
