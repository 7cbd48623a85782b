package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brianly1003/cdev-ios-sub005/internal/eventbus"
	"github.com/brianly1003/cdev-ios-sub005/internal/protocol"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultIdleTimeout      = 45 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = 30 * time.Second
	DefaultMaxAttempts      = 10
	DefaultCooldown         = 60 * time.Second
	DefaultTokenWarnLead    = 5 * time.Minute

	// consecutive ping failures before the connection is presumed dead
	pingFailLimit = 2
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")

	errAuthRejected    = errors.New("authentication rejected")
	errManualReconnect = errors.New("reconnect requested")
	errPingTimeout     = errors.New("no pong after repeated pings")
	errIdleTimeout     = errors.New("no inbound activity within idle window")
	errDisconnected    = errors.New("disconnected by request")
	errStopped         = errors.New("transport: stopped")
)

// HandshakeError marks a connection attempt whose socket opened but whose
// application handshake was rejected. It is never retried automatically.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "handshake failed: " + e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// TokenSource supplies the bearer credential for each connection attempt.
// On ok the token and its expiry replace the ones in the ConnectionInfo
// copy used for the attempt; on false the attempt proceeds with the
// credential already on file.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (token string, expiry time.Time, ok bool)
}

// Hooks let the owning client observe the connection lifecycle. All hooks
// are optional.
type Hooks struct {
	// Handshake runs after the socket opens, before the transport
	// reports connected. Frames already flow while it runs. A non-nil
	// error tears the socket down and fails the attempt.
	Handshake func(ctx context.Context) error
	// OnFrame receives each inbound frame, one complete JSON document
	// at a time.
	OnFrame func(data []byte)
	// OnDown runs synchronously whenever an established connection is
	// lost: before any reconnect attempt starts, and inside Disconnect
	// before it returns.
	OnDown func(reason error)
	// OnTokenExpiring fires once per connection when the credential in
	// use approaches its expiry.
	OnTokenExpiring func(expiry time.Time)
}

type Options struct {
	Tokens TokenSource
	Hooks  Hooks
	Logger *slog.Logger

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	IdleTimeout      time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      int
	Cooldown         time.Duration
	TokenWarnLead    time.Duration
}

// Transport maintains one logical server connection. A single supervisor
// goroutine owns all connection attempts; public methods only signal it,
// so concurrent Connect/Reconnect/Disconnect calls cannot race dials.
type Transport struct {
	tokens TokenSource
	hooks  Hooks
	log    *slog.Logger

	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	pingTimeout      time.Duration
	idleTimeout      time.Duration
	backoffBase      time.Duration
	backoffCap       time.Duration
	maxAttempts      int
	cooldown         time.Duration
	tokenWarnLead    time.Duration

	states *eventbus.Latest[State]

	mu           sync.Mutex
	info         *ConnectionInfo
	cur          *conn
	stop         chan struct{}
	kick         chan struct{}
	supervising  bool
	closed       bool
	netAvailable bool
	lastActivity time.Time
	warnTimer    *time.Timer
}

func New(opts Options) *Transport {
	t := &Transport{
		tokens:           opts.Tokens,
		hooks:            opts.Hooks,
		log:              opts.Logger,
		dialTimeout:      opts.DialTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     opts.WriteTimeout,
		pingInterval:     opts.PingInterval,
		pingTimeout:      opts.PingTimeout,
		idleTimeout:      opts.IdleTimeout,
		backoffBase:      opts.BackoffBase,
		backoffCap:       opts.BackoffCap,
		maxAttempts:      opts.MaxAttempts,
		cooldown:         opts.Cooldown,
		tokenWarnLead:    opts.TokenWarnLead,
		states:           eventbus.NewLatest(State{Phase: Disconnected}),
		netAvailable:     true,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.dialTimeout <= 0 {
		t.dialTimeout = DefaultDialTimeout
	}
	if t.handshakeTimeout <= 0 {
		t.handshakeTimeout = DefaultHandshakeTimeout
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = DefaultWriteTimeout
	}
	if t.pingInterval <= 0 {
		t.pingInterval = DefaultPingInterval
	}
	if t.pingTimeout <= 0 {
		t.pingTimeout = DefaultPingTimeout
	}
	if t.idleTimeout <= 0 {
		t.idleTimeout = DefaultIdleTimeout
	}
	if t.backoffBase <= 0 {
		t.backoffBase = DefaultBackoffBase
	}
	if t.backoffCap <= 0 {
		t.backoffCap = DefaultBackoffCap
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = DefaultMaxAttempts
	}
	if t.cooldown <= 0 {
		t.cooldown = DefaultCooldown
	}
	if t.tokenWarnLead <= 0 {
		t.tokenWarnLead = DefaultTokenWarnLead
	}
	return t
}

// States exposes the connection state stream. New subscribers receive the
// current state immediately.
func (t *Transport) States() *eventbus.Latest[State] {
	return t.states
}

// Info returns the connection info on file, with the credential last used.
func (t *Transport) Info() (ConnectionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.info == nil {
		return ConnectionInfo{}, false
	}
	return *t.info, true
}

// Connect dials the server described by info and runs the handshake. It
// blocks until the first attempt settles. On success a supervisor keeps
// the connection alive until Disconnect; on failure the transport parks
// in failed and a later Reconnect or network-restoration signal retries.
func (t *Transport) Connect(ctx context.Context, info ConnectionInfo) error {
	if info.URL == "" {
		return errors.New("transport: connection URL required")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.supervising {
		t.mu.Unlock()
		return errors.New("transport: already active, disconnect first")
	}
	cp := info
	t.info = &cp
	t.stop = make(chan struct{})
	t.kick = make(chan struct{}, 1)
	t.supervising = true
	stop, kick := t.stop, t.kick
	t.mu.Unlock()

	t.setState(State{Phase: Connecting})
	if err := t.attempt(ctx); err != nil {
		if errors.Is(err, errStopped) {
			return err
		}
		t.setState(State{Phase: Failed, Reason: failReason(err)})
		go t.supervise(stop, kick, false)
		return err
	}
	go t.supervise(stop, kick, true)
	return nil
}

// Disconnect tears the connection down and disables auto-reconnect until
// the next Connect. Every in-flight request observer is notified through
// OnDown before Disconnect returns.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.supervising {
		t.mu.Unlock()
		return
	}
	t.supervising = false
	stop := t.stop
	t.stop = nil
	t.kick = nil
	c := t.cur
	t.cur = nil
	t.info = nil
	t.stopWarnTimerLocked()
	t.mu.Unlock()

	close(stop)
	if c != nil {
		c.fail(errDisconnected)
	}
	if t.hooks.OnDown != nil {
		t.hooks.OnDown(errDisconnected)
	}
	t.setState(State{Phase: Disconnected})
}

// Close disconnects and rejects any further Connect.
func (t *Transport) Close() {
	t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Reconnect forces a new connection cycle: it drops the live socket if
// one exists, or wakes a parked supervisor if the transport sits in
// failed. No-op when nothing is on file.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	if !t.supervising {
		t.mu.Unlock()
		return
	}
	c := t.cur
	kick := t.kick
	t.mu.Unlock()
	if c != nil {
		c.fail(errManualReconnect)
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Send queues one frame for delivery on the live socket.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(data)
}

// Ping performs an on-demand liveness probe.
func (t *Transport) Ping(ctx context.Context) bool {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return false
	}
	timeout := t.pingTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return false
	}
	if !c.ping(timeout) {
		return false
	}
	t.markActivity()
	return true
}

// Touch records inbound application-level activity, feeding the idle
// watchdog. The frame router calls it for server heartbeats.
func (t *Transport) Touch() {
	t.markActivity()
}

// SetNetworkAvailable feeds reachability changes from the platform.
// A restoration wakes a parked supervisor; a loss lets in-flight socket
// errors surface on their own.
func (t *Transport) SetNetworkAvailable(avail bool) {
	t.mu.Lock()
	was := t.netAvailable
	t.netAvailable = avail
	kick := t.kick
	supervising := t.supervising
	t.mu.Unlock()
	if avail && !was && supervising && kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// supervise owns the connection lifecycle after Connect returns. It is
// the only goroutine that dials, so state transitions stay ordered.
func (t *Transport) supervise(stop, kick chan struct{}, connected bool) {
	for {
		if !connected {
			if !t.awaitKick(stop, kick) {
				return
			}
			connected = t.kickAttempt()
			continue
		}
		reason, stopped := t.waitForDrop(stop)
		if stopped {
			return
		}
		if !t.leaveConnected(reason) {
			return
		}
		if msg, fatal := fatalDown(reason); fatal {
			t.setState(State{Phase: Failed, Reason: msg})
			connected = false
			continue
		}
		switch t.reconnectLoop(stop, kick) {
		case loopStopped:
			return
		case loopConnected:
			connected = true
		case loopFatal:
			connected = false
		case loopExhausted:
			switch t.cooldownCycle(stop, kick) {
			case loopStopped:
				return
			case loopConnected:
				connected = true
			default:
				connected = false
			}
		}
	}
}

type loopResult int

const (
	loopStopped loopResult = iota
	loopConnected
	loopExhausted
	loopFatal
)

// reconnectLoop drives bounded-backoff attempts after a transient drop:
// delay, attempt, double the delay up to the cap, at most maxAttempts.
func (t *Transport) reconnectLoop(stop, kick chan struct{}) loopResult {
	backoff := t.backoffBase
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		t.setState(State{Phase: Reconnecting, Attempt: attempt})
		if !t.sleep(stop, backoff) {
			return loopStopped
		}
		if !t.netOK() {
			if !t.awaitKick(stop, kick) {
				return loopStopped
			}
		}
		err := t.attemptBG()
		if err == nil {
			return loopConnected
		}
		if errors.Is(err, errStopped) {
			return loopStopped
		}
		if msg, fatal := fatalDown(err); fatal {
			t.setState(State{Phase: Failed, Reason: msg})
			return loopFatal
		}
		t.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
		backoff *= 2
		if backoff > t.backoffCap {
			backoff = t.backoffCap
		}
	}
	t.setState(State{Phase: Failed, Reason: "reconnect attempts exhausted"})
	return loopExhausted
}

// cooldownCycle keeps retrying after exhaustion: one attempt per cooldown
// period (or sooner on an explicit kick), with the attempt counter reset.
func (t *Transport) cooldownCycle(stop, kick chan struct{}) loopResult {
	timer := time.NewTimer(t.cooldown)
	defer timer.Stop()
	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.cooldown)
	}
	for {
		select {
		case <-stop:
			return loopStopped
		case <-kick:
		case <-timer.C:
		}
		if !t.netOK() {
			rearm()
			continue
		}
		t.setState(State{Phase: Reconnecting, Attempt: 1})
		err := t.attemptBG()
		if err == nil {
			return loopConnected
		}
		if errors.Is(err, errStopped) {
			return loopStopped
		}
		if msg, fatal := fatalDown(err); fatal {
			t.setState(State{Phase: Failed, Reason: msg})
			return loopFatal
		}
		t.setState(State{Phase: Failed, Reason: failReason(err)})
		rearm()
	}
}

// kickAttempt runs one attempt after a wake-up signal.
func (t *Transport) kickAttempt() bool {
	if !t.netOK() {
		return false
	}
	t.setState(State{Phase: Connecting})
	err := t.attemptBG()
	if err == nil {
		return true
	}
	if errors.Is(err, errStopped) {
		return false
	}
	t.setState(State{Phase: Failed, Reason: failReason(err)})
	return false
}

func (t *Transport) attemptBG() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout+t.handshakeTimeout)
	defer cancel()
	return t.attempt(ctx)
}

// attempt performs one full connection attempt: credential fetch, dial,
// pump start, handshake, connected flip. Any failure tears the socket
// down and leaves the transport without a live conn.
func (t *Transport) attempt(ctx context.Context) error {
	t.mu.Lock()
	if t.info == nil {
		t.mu.Unlock()
		return errStopped
	}
	info := *t.info
	stop := t.stop
	t.mu.Unlock()

	if t.tokens != nil {
		if tok, expiry, ok := t.tokens.ValidAccessToken(ctx); ok {
			info = info.WithToken(tok, expiry)
		}
	}

	wsURL, err := NormalizeWSURL(info.URL)
	if err != nil {
		return &HandshakeError{Err: err}
	}
	header := http.Header{}
	if info.Token != "" {
		header.Set("Authorization", "Bearer "+info.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: t.dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: server returned %s", errAuthRejected, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := newConn(ws)
	t.mu.Lock()
	select {
	case <-stop:
		t.mu.Unlock()
		c.close()
		return errStopped
	default:
	}
	t.cur = c
	t.info = &info
	t.lastActivity = time.Now()
	t.mu.Unlock()

	go c.writeLoop(t.writeTimeout)
	go t.readPump(c)

	if t.hooks.Handshake != nil {
		hctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
		done := make(chan error, 1)
		go func() { done <- t.hooks.Handshake(hctx) }()
		var herr error
		select {
		case herr = <-done:
		case <-c.dead:
			// The socket died under the handshake. Classify by the
			// socket's failure, not as a protocol rejection.
			cancel()
			<-done
			t.clearConn(c)
			return c.failReason()
		}
		cancel()
		if herr != nil {
			c.fail(herr)
			t.clearConn(c)
			return &HandshakeError{Err: herr}
		}
	}

	t.mu.Lock()
	if t.cur != c {
		t.mu.Unlock()
		c.fail(errStopped)
		return errStopped
	}
	pub := info
	t.armTokenWarnLocked(info)
	t.mu.Unlock()

	go t.heartbeatLoop(c, stop)
	go t.watchdogLoop(c, stop)

	t.setState(State{Phase: Connected, Info: &pub})
	return nil
}

// readPump delivers inbound frames until the socket dies. Frames from a
// superseded socket are dropped.
func (t *Transport) readPump(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if !t.isCurrent(c) {
			return
		}
		t.markActivity()
		for _, frame := range protocol.SplitFrames(data) {
			if t.hooks.OnFrame != nil {
				t.hooks.OnFrame(frame)
			}
		}
	}
}

func (t *Transport) heartbeatLoop(c *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	fails := 0
	for {
		select {
		case <-stop:
			return
		case <-c.dead:
			return
		case <-ticker.C:
			if !t.isCurrent(c) {
				return
			}
			if c.ping(t.pingTimeout) {
				fails = 0
				t.markActivity()
				continue
			}
			fails++
			if fails >= pingFailLimit {
				c.fail(errPingTimeout)
				return
			}
		}
	}
}

func (t *Transport) watchdogLoop(c *conn, stop <-chan struct{}) {
	interval := t.idleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.dead:
			return
		case <-ticker.C:
			if !t.isCurrent(c) {
				return
			}
			t.mu.Lock()
			idle := time.Since(t.lastActivity)
			t.mu.Unlock()
			if idle > t.idleTimeout {
				c.fail(errIdleTimeout)
				return
			}
		}
	}
}

// waitForDrop blocks while the current socket is healthy.
func (t *Transport) waitForDrop(stop <-chan struct{}) (error, bool) {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return errors.New("connection lost"), false
	}
	select {
	case <-stop:
		return nil, true
	default:
	}
	select {
	case <-stop:
		return nil, true
	case <-c.dead:
		return c.failReason(), false
	}
}

// leaveConnected clears the dead socket and notifies OnDown. It reports
// false when Disconnect already owned the teardown.
func (t *Transport) leaveConnected(reason error) bool {
	t.mu.Lock()
	if !t.supervising {
		t.mu.Unlock()
		return false
	}
	t.cur = nil
	t.stopWarnTimerLocked()
	t.mu.Unlock()
	t.log.Warn("connection lost", "err", reason)
	if t.hooks.OnDown != nil {
		t.hooks.OnDown(reason)
	}
	return true
}

func (t *Transport) clearConn(c *conn) {
	t.mu.Lock()
	if t.cur == c {
		t.cur = nil
	}
	t.mu.Unlock()
}

func (t *Transport) isCurrent(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur == c
}

func (t *Transport) markActivity() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *Transport) netOK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.netAvailable
}

func (t *Transport) setState(s State) {
	t.log.Info("connection state", "state", s.String())
	t.states.Set(s)
}

func (t *Transport) armTokenWarnLocked(info ConnectionInfo) {
	t.stopWarnTimerLocked()
	if info.TokenExpiry.IsZero() || t.hooks.OnTokenExpiring == nil {
		return
	}
	d := time.Until(info.TokenExpiry.Add(-t.tokenWarnLead))
	if d < 0 {
		d = 0
	}
	expiry := info.TokenExpiry
	t.warnTimer = time.AfterFunc(d, func() {
		t.log.Warn("access token expiring soon", "expires_at", expiry)
		t.hooks.OnTokenExpiring(expiry)
	})
}

func (t *Transport) stopWarnTimerLocked() {
	if t.warnTimer != nil {
		t.warnTimer.Stop()
		t.warnTimer = nil
	}
}

func (t *Transport) sleep(stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) awaitKick(stop, kick <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	case <-kick:
		return true
	}
}

// fatalDown classifies a drop or attempt error. Fatal causes park the
// transport in failed instead of entering the backoff loop.
func fatalDown(err error) (string, bool) {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Error(), true
	}
	if errors.Is(err, errAuthRejected) {
		return err.Error(), true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch protocol.ClassifyClose(ce.Code) {
		case protocol.CloseAuth:
			return fmt.Sprintf("authentication rejected (close %d)", ce.Code), true
		case protocol.CloseServerShutdown:
			return fmt.Sprintf("server closed the connection (close %d)", ce.Code), true
		}
	}
	return "", false
}

func failReason(err error) string {
	if msg, fatal := fatalDown(err); fatal {
		return msg
	}
	return err.Error()
}

// NormalizeWSURL accepts ws://, wss://, http:// or https:// forms and
// returns the WebSocket URL to dial.
func NormalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}
