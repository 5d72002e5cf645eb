package tunnelsession

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// sendQueueSize bounds how many pending frames may queue for the agent
// socket before a slow writer applies backpressure to enqueuers.
const sendQueueSize = 256

// agentConn owns the physical agent control socket. All writes to the
// socket happen on its single writer goroutine so that frames reach the
// wire in the order they were enqueued (spec §5 ordering guarantees); the
// session actor only ever assigns a msgSeq and enqueues bytes, never writes
// to the socket directly while holding its own lock.
type agentConn struct {
	conn *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newAgentConn(conn *websocket.Conn) *agentConn {
	a := &agentConn{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	go a.writeLoop()
	return a
}

func (a *agentConn) writeLoop() {
	for {
		select {
		case frame, ok := <-a.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := a.conn.Write(ctx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				a.Close()
				return
			}
		case <-a.closed:
			return
		}
	}
}

// enqueue queues a frame for the writer goroutine. It never blocks the
// caller on network I/O; it only blocks if the send queue itself is full,
// which signals a wedged agent socket.
func (a *agentConn) enqueue(frame []byte) {
	select {
	case a.send <- frame:
	case <-a.closed:
	}
}

// sendText writes the one-shot JSON handshake directly, bypassing the
// binary frame queue (spec §4.5).
func (a *agentConn) sendText(ctx context.Context, data []byte) error {
	return a.conn.Write(ctx, websocket.MessageText, data)
}

func (a *agentConn) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.conn.Close(websocket.StatusNormalClosure, "closing")
	})
}

func (a *agentConn) CloseWithStatus(code websocket.StatusCode, reason string) {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.conn.Close(code, reason)
	})
}
