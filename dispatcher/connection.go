package dispatcher

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vagabond/server/frame"
)

// maxQueuedBytes bounds a connection's outbound send queue (§4.5,
// "~1 MB"); a connection that exceeds it is forcibly closed.
const maxQueuedBytes = 1 << 20

// sendQueueCapacity is the channel depth backing the bounded send queue;
// the byte budget above is the real limit, this just bounds slice count.
const sendQueueCapacity = 4096

// Connection is one accepted TCP control connection (§3). A dedicated
// write loop drains sendCh so a slow peer never blocks the broadcaster;
// once the byte budget is exceeded, droppable record types are discarded
// instead of growing the queue without bound (§4.5, §9).
type Connection struct {
	net.Conn
	RemoteIP  string
	CreatedAt time.Time

	limiter *rate.Limiter

	mu        sync.Mutex
	queued    int64
	username  string
	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(c net.Conn, rateLimitPerSec int) *Connection {
	host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
	conn := &Connection{
		Conn:      c,
		RemoteIP:  host,
		CreatedAt: time.Now(),
		sendCh:    make(chan []byte, sendQueueCapacity),
		closed:    make(chan struct{}),
	}
	if rateLimitPerSec > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(rateLimitPerSec), rateLimitPerSec)
	}
	return conn
}

// AllowRecord reports whether a just-received record is within this
// connection's control-message rate budget (§3 RateLimiter). Callers drop
// the record silently when this returns false; the connection is never
// closed for exceeding it.
func (c *Connection) AllowRecord() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// dropPolicy classifies whether a record type may be dropped under
// backpressure instead of queued (§4.5).
func droppable(t frame.Type) bool {
	switch t {
	case frame.TypeScreenFrame, frame.TypeStreamAudio, frame.TypeVoiceChunk:
		return true
	default:
		return false
	}
}

// Enqueue queues raw (an already-encoded frame) for the write loop.
// Non-droppable record types block-enqueue up to the queue's byte budget
// and force-close the connection if that budget is exceeded; droppable
// media records are silently skipped instead (§4.5).
func (c *Connection) Enqueue(t frame.Type, raw []byte) {
	c.mu.Lock()
	if c.queued+int64(len(raw)) > maxQueuedBytes {
		if droppable(t) {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.Close()
		return
	}
	c.queued += int64(len(raw))
	c.mu.Unlock()

	select {
	case c.sendCh <- raw:
	case <-c.closed:
	}
}

// nextSend is used by the write loop to drain the queue and account bytes
// as they leave it.
func (c *Connection) nextSend() ([]byte, bool) {
	select {
	case raw, ok := <-c.sendCh:
		if !ok {
			return nil, false
		}
		c.mu.Lock()
		c.queued -= int64(len(raw))
		c.mu.Unlock()
		return raw, true
	case <-c.closed:
		return nil, false
	}
}

// Close closes the underlying socket exactly once and unblocks the write
// loop and any blocked Enqueue calls.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// Username returns the connection's authenticated username, cached locally
// so the hot path of a handler doesn't need a registry round trip. Empty
// before LoginRequest succeeds.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Connection) setUsername(u string) {
	c.mu.Lock()
	c.username = u
	c.mu.Unlock()
}
