package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn wraps one dialed WebSocket. Every connection attempt produces a
// new conn; goroutines that outlive an attempt hold a reference and
// verify it is still the live one before acting on the Transport.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	pong   chan struct{}

	dead     chan struct{}
	failOnce sync.Once
	reason   error
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:     ws,
		send:   make(chan []byte, 128),
		closed: make(chan struct{}),
		pong:   make(chan struct{}, 1),
		dead:   make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return nil
	})
	return c
}

// enqueue hands a frame to the writer goroutine. It blocks while the
// queue is full and fails once the socket is gone.
func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	case c.send <- data:
		return nil
	}
}

// fail records the first cause of death, then closes the socket. Safe to
// call from any goroutine, any number of times.
func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.reason = err
		close(c.dead)
		c.close()
	})
}

// failReason is valid only after dead is closed.
func (c *conn) failReason() error {
	return c.reason
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// ping sends a control ping and waits for the matching pong. Control
// writes may race the writer goroutine; gorilla permits that.
func (c *conn) ping(timeout time.Duration) bool {
	select {
	case <-c.pong:
	default:
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.pong:
		return true
	case <-c.dead:
		return false
	case <-timer.C:
		return false
	}
}
