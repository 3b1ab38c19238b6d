package conn

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/metrics"
	"github.com/kfcemployee/goserver/internal/respond"
)

// openFile is the streaming-from-disk half of a Result: the connection
// opens it lazily (not at Pipeline.Static time) so a slow client can't pin a
// descriptor open before its turn to actually write arrives.
type openFile struct {
	f         *os.File
	remaining int64
}

func (c *Connection) queueWrite(b []byte) {
	if len(b) == 0 {
		return
	}
	c.writeBuf = append(c.writeBuf, b...)
	c.armWrite()
}

func (c *Connection) armWrite() {
	if c.writeArmed {
		return
	}
	c.writeArmed = true
	c.writeDeadline = time.Now().Add(c.writeStall)
	c.loop.ModifyEvents(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
}

func (c *Connection) disarmWrite() {
	if !c.writeArmed {
		return
	}
	c.writeArmed = false
	c.writeDeadline = time.Time{}
	c.loop.ModifyEvents(c.fd, unix.EPOLLIN)
}

// drainWrite flushes as much of writeBuf as the socket accepts, refilling
// it from an active file stream when it runs dry, until either the buffer
// empties (disarming EPOLLOUT) or the socket signals EAGAIN (spec §4.3
// backpressure: the connection never blocks waiting for write readiness).
func (c *Connection) drainWrite(l *engine.Loop) {
	for {
		for c.writeOff < len(c.writeBuf) {
			n, err := unix.Write(c.fd, c.writeBuf[c.writeOff:])
			if n > 0 {
				c.writeOff += n
				c.lastActivity = time.Now()
				c.writeDeadline = time.Now().Add(c.writeStall)
			}
			if err != nil {
				if err == unix.EAGAIN {
					return
				}
				c.closeNow(l)
				return
			}
			if n == 0 {
				return
			}
		}
		c.writeBuf = c.writeBuf[:0]
		c.writeOff = 0

		if !c.refillFromFile() {
			break
		}
	}

	c.disarmWrite()
	c.afterDrain(l)
}

// refillFromFile pulls the next bounded chunk from an active file stream
// into writeBuf. Regular file reads never block on I/O readiness (a POSIX
// guarantee distinct from socket/pipe readiness), so doing this inline
// inside the write path costs nothing the event loop needs to wait on.
func (c *Connection) refillFromFile() bool {
	if c.fileHandle == nil {
		return false
	}
	if c.fileHandle.remaining <= 0 {
		c.closeFileStream()
		return false
	}

	chunk := int64(64 << 10)
	if chunk > c.fileHandle.remaining {
		chunk = c.fileHandle.remaining
	}
	buf := make([]byte, chunk)
	n, err := c.fileHandle.f.Read(buf)
	if n > 0 {
		c.writeBuf = append(c.writeBuf, buf[:n]...)
		c.fileHandle.remaining -= int64(n)
	}
	if err != nil || n == 0 {
		c.closeFileStream()
		return len(c.writeBuf) > 0
	}
	return true
}

func (c *Connection) closeFileStream() {
	if c.fileHandle != nil {
		c.fileHandle.f.Close()
		c.fileHandle = nil
	}
	pendingKeepAlive := c.fileStreamKeepAlive
	c.fileSrc = nil
	c.finishResponse(c.loop, pendingKeepAlive)
}

// beginFileStream opens the file named by res and arms the write path to
// stream it; HEAD requests open nothing (headers already queued, zero body).
func (c *Connection) beginFileStream(l *engine.Loop, res *respond.Result, keepAlive bool) {
	c.fileStreamKeepAlive = keepAlive
	if res.File.HeadOnly() {
		c.finishResponse(l, keepAlive)
		return
	}
	f, err := os.Open(res.File.FilePath())
	if err != nil {
		// Headers are already queued at this point (spec accepts this as a
		// rare race between stat and open); close out rather than send a
		// second status line.
		c.finishResponse(l, false)
		return
	}
	c.fileSrc = res
	c.fileHandle = &openFile{f: f, remaining: res.File.Size()}
	c.armWrite()
}

// finishResponse transitions the connection once a response is fully
// queued: back to ReadingRequest on keep-alive (immediately attempting to
// parse any already-buffered pipelined bytes), or to a close-after-write
// state otherwise (spec §4.3).
func (c *Connection) finishResponse(l *engine.Loop, keepAlive bool) {
	c.pendingBlock = nil
	c.pendingReq = nil
	c.cgiProc = nil

	if keepAlive {
		c.state = stateReadingRequest
		c.headerDeadline = time.Now().Add(c.headerTimeout)
		if c.writeOff >= len(c.writeBuf) {
			c.reparseBuffered(l)
		}
		return
	}
	c.closeAfterWrite = true
	if c.writeOff >= len(c.writeBuf) && !c.writeArmed {
		c.closeNow(l)
	}
}

// afterDrain runs once writeBuf is fully flushed to the socket.
func (c *Connection) afterDrain(l *engine.Loop) {
	if c.closeAfterWrite {
		c.closeNow(l)
		return
	}
	if c.state == stateReadingRequest {
		c.reparseBuffered(l)
	}
}

// reparseBuffered drives the parser over whatever is already sitting in
// readBuf, without waiting for a new readable event — spec §8 property 3.
// Counted separately from the OnReadable-driven path so the pipelined case
// (scenario 5: two requests in one TCP segment, the second parsed without a
// second readiness wait) is observable from outside the process.
func (c *Connection) reparseBuffered(l *engine.Loop) {
	if len(c.readBuf) > 0 {
		metrics.PipelinedReparses.Inc()
	}
	c.tryParse(l)
}

func (c *Connection) closeNow(l *engine.Loop) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	if c.cgiProc != nil {
		c.cgiProc = nil
	}
	if c.fileHandle != nil {
		c.fileHandle.f.Close()
		c.fileHandle = nil
	}
	l.RemoveSweepable(c)
	l.Deregister(c.fd)
	unix.Close(c.fd)
	metrics.ConnectionsClosed.Inc()
}
