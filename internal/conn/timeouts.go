package conn

import (
	"time"

	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/metrics"
)

// Sweep implements engine.Sweepable, enforcing the idle, header, and
// write-stall timeouts (spec §4.3): a connection that stalls past any of
// these deadlines is answered with 408 where possible and then closed.
func (c *Connection) Sweep(now time.Time, l *engine.Loop) bool {
	if c.state == stateClosed {
		return true
	}

	if !c.headerDeadline.IsZero() && now.After(c.headerDeadline) {
		metrics.TimeoutsFired.WithLabelValues("header").Inc()
		c.respondTerminal(l, 408)
		return false
	}

	if c.writeArmed && !c.writeDeadline.IsZero() && now.After(c.writeDeadline) {
		metrics.TimeoutsFired.WithLabelValues("write_stall").Inc()
		c.closeNow(l)
		return true
	}

	if now.Sub(c.lastActivity) > c.idleTimeout && c.state == stateReadingRequest && len(c.readBuf) == 0 {
		metrics.TimeoutsFired.WithLabelValues("idle").Inc()
		c.closeNow(l)
		return true
	}

	return false
}
