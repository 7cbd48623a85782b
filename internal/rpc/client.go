// Package rpc correlates JSON-RPC requests with their responses over a
// transport that interleaves frames freely.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianly1003/cdev-ios-sub005/internal/protocol"
)

const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxAge        = 60 * time.Second
)

var (
	ErrClosed      = errors.New("rpc: client closed")
	ErrNoTransport = errors.New("rpc: no transport attached")
)

// TimeoutError reports which method timed out so callers can surface a
// useful message instead of a bare deadline error.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: call %s timed out", e.Method)
}

// Error is a server-reported call failure, tagged with the method that
// produced it.
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
	Method  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d on %s: %s", e.Code, e.Method, e.Message)
}

// SendFunc delivers one encoded frame to the server.
type SendFunc func(data []byte) error

type result struct {
	data json.RawMessage
	err  error
}

type pending struct {
	method  string
	ch      chan result
	created time.Time
}

type Options struct {
	Logger        *slog.Logger
	CallTimeout   time.Duration
	SweepInterval time.Duration
	MaxAge        time.Duration
	// OnNotification receives server-push notifications: frames with a
	// method and no id.
	OnNotification func(method string, params json.RawMessage)
}

// Client issues requests with generated ids and resolves the matching
// responses. Each response resolves exactly one call; responses nobody
// waits for are dropped.
type Client struct {
	log            *slog.Logger
	callTimeout    time.Duration
	maxAge         time.Duration
	onNotification func(method string, params json.RawMessage)

	mu   sync.Mutex
	send SendFunc
	pend map[string]*pending

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(opts Options) *Client {
	c := &Client{
		log:            opts.Logger,
		callTimeout:    opts.CallTimeout,
		maxAge:         opts.MaxAge,
		onNotification: opts.OnNotification,
		pend:           make(map[string]*pending),
		stop:           make(chan struct{}),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.callTimeout <= 0 {
		c.callTimeout = DefaultCallTimeout
	}
	if c.maxAge <= 0 {
		c.maxAge = DefaultMaxAge
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go c.sweep(interval)
	return c
}

// SetSendFunc attaches the outbound path. The transport stays swappable
// so reconnects do not invalidate the client.
func (c *Client) SetSendFunc(fn SendFunc) {
	c.mu.Lock()
	c.send = fn
	c.mu.Unlock()
}

// Close stops the sweeper and rejects everything in flight.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.FailAll(ErrClosed)
}

// Request issues a call and returns the raw result. Server failures come
// back as *Error, a missed deadline as *TimeoutError, both carrying the
// method name. Callers without their own deadline get the default call
// timeout.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	frame, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	id, _ := frame.IDString()

	p := &pending{method: method, ch: make(chan result, 1), created: time.Now()}
	c.mu.Lock()
	send := c.send
	c.pend[id] = p
	c.mu.Unlock()
	defer c.forget(id)

	if send == nil {
		return nil, ErrNoTransport
	}
	if err := send(data); err != nil {
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
	}
	defer cancel()

	select {
	case res := <-p.ch:
		return res.data, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method}
		}
		return nil, ctx.Err()
	case <-c.stop:
		return nil, ErrClosed
	}
}

// Call issues a request and decodes its result into out, unless out is
// nil or the result is empty.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	frame, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNoTransport
	}
	return send(data)
}

// HandleFrame consumes one inbound frame from the transport.
func (c *Client) HandleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("dropping undecodable frame", "err", err)
		return
	}
	switch frame.Kind() {
	case protocol.KindResponse:
		c.handleResponse(frame)
	case protocol.KindNotification:
		if c.onNotification != nil {
			c.onNotification(frame.Method, frame.Params)
		}
	case protocol.KindRequest:
		c.rejectRequest(frame)
	default:
		c.log.Warn("dropping frame of unknown shape")
	}
}

// FailAll rejects every in-flight call, e.g. when the connection drops.
// Every waiter has its error handed over before FailAll returns.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	pend := c.pend
	c.pend = make(map[string]*pending)
	c.mu.Unlock()
	for _, p := range pend {
		p.ch <- result{err: err}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pend, id)
	c.mu.Unlock()
}

func (c *Client) handleResponse(frame protocol.Frame) {
	id, ok := frame.IDString()
	if !ok {
		c.log.Warn("dropping response without usable id")
		return
	}
	c.mu.Lock()
	p := c.pend[id]
	delete(c.pend, id)
	c.mu.Unlock()
	if p == nil {
		c.log.Debug("response for unknown request", "id", id)
		return
	}
	if frame.Error != nil {
		p.ch <- result{err: &Error{
			Code:    frame.Error.Code,
			Message: frame.Error.Message,
			Data:    frame.Error.Data,
			Method:  p.method,
		}}
		return
	}
	p.ch <- result{data: frame.Result}
}

// rejectRequest answers a server-issued request. This client serves no
// methods, so everything gets a method-not-found response.
func (c *Client) rejectRequest(frame protocol.Frame) {
	c.log.Warn("rejecting server request", "method", frame.Method)
	resp := protocol.NewErrorResponse(frame.ID, protocol.CodeMethodNotFound, "client does not serve requests")
	data, err := protocol.Encode(resp)
	if err != nil {
		return
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send != nil {
		_ = send(data)
	}
}

// sweep evicts pendings old enough that no waiter can still be attached,
// guarding the map against leaks if a response never arrives.
func (c *Client) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.maxAge)
			var stale []*pending
			c.mu.Lock()
			for id, p := range c.pend {
				if p.created.Before(cutoff) {
					delete(c.pend, id)
					stale = append(stale, p)
				}
			}
			c.mu.Unlock()
			for _, p := range stale {
				c.log.Warn("sweeping stale pending request", "method", p.method)
				p.ch <- result{err: &TimeoutError{Method: p.method}}
			}
		}
	}
}
