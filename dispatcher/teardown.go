package dispatcher

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http/httptrace"
	"sync"
)

// connTracker remembers the connection a single dispatch is using so it can
// be torn down after a failure on affected runtimes.
type connTracker struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *connTracker) gotConn(info httptrace.GotConnInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = info.Conn
}

func (t *connTracker) get() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// teardown force-closes the connection used by a failed dispatch. It never
// panics and never returns an error; failures are logged and dropped so
// they cannot mask the dispatch error.
func (d *Dispatcher) teardown(id string, t *connTracker) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("forced connection teardown panicked", "dispatch_id", id, "panic", r)
		}
	}()

	if conn := t.get(); conn != nil && !multiplexed(conn) {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			d.logger.Warn("forced connection teardown failed", "dispatch_id", id, "error", err)
		}
	}

	d.client.CloseIdleConnections()
}

// multiplexed reports an HTTP/2 connection, which other in-flight
// dispatches may share and must not be closed under them.
func multiplexed(conn net.Conn) bool {
	tc, ok := conn.(*tls.Conn)
	return ok && tc.ConnectionState().NegotiatedProtocol == "h2"
}
