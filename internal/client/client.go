// Package client assembles the protocol engine: secret store, token
// manager, transport, RPC correlation, runtime registry, session watch,
// and event routing, wired into one facade the application talks to.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/brianly1003/cdev-ios-sub005/internal/eventbus"
	"github.com/brianly1003/cdev-ios-sub005/internal/events"
	"github.com/brianly1003/cdev-ios-sub005/internal/rpc"
	"github.com/brianly1003/cdev-ios-sub005/internal/secrets"
	"github.com/brianly1003/cdev-ios-sub005/internal/token"
	"github.com/brianly1003/cdev-ios-sub005/internal/transport"
	"github.com/brianly1003/cdev-ios-sub005/internal/watch"
)

type Options struct {
	// ServerURL is the cdev server endpoint. http(s) URLs are rewritten
	// to their ws(s) equivalents when dialing.
	ServerURL string
	// APIBase is the base URL for the auth HTTP endpoints (pairing,
	// refresh, revoke). Derived from ServerURL when empty.
	APIBase string

	// ClientName and ClientVersion identify this client during the
	// handshake.
	ClientName    string
	ClientVersion string

	// Store persists the token pair. In-memory (lost on exit) when nil.
	Store secrets.Store

	HTTPClient *http.Client
	Logger     *slog.Logger

	// CallTimeout bounds RPC calls whose context carries no deadline.
	CallTimeout time.Duration

	// TokenHooks observe the token lifecycle (refresh, repair, expiry
	// warnings).
	TokenHooks token.Hooks

	// Transport overrides individual timing defaults. Tokens and Hooks
	// are owned by the facade and ignored here.
	Transport transport.Options
}

// Client is the engine facade. One Client maintains one logical server
// connection; all methods are safe for concurrent use.
type Client struct {
	log  *slog.Logger
	url  string
	name string
	ver  string

	tokens    *token.Manager
	transport *transport.Transport
	rpc       *rpc.Client
	registry  *watch.Registry
	watcher   *watch.Watcher
	router    *events.Router

	mu         sync.Mutex
	serverInfo ServerInfo
	clientID   string
}

func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("client: server URL required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = secrets.NewMemoryStore()
	}
	apiBase := opts.APIBase
	if apiBase == "" {
		var err error
		apiBase, err = apiBaseFromServerURL(opts.ServerURL)
		if err != nil {
			return nil, err
		}
	}
	name := opts.ClientName
	if name == "" {
		name = "cdevmon"
	}

	tokens, err := token.NewManager(token.Options{
		APIBase:    apiBase,
		Store:      store,
		HTTPClient: opts.HTTPClient,
		Logger:     log,
		Hooks:      opts.TokenHooks,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:    log,
		url:    opts.ServerURL,
		name:   name,
		ver:    opts.ClientVersion,
		tokens: tokens,
	}

	c.registry = watch.NewRegistry(log)
	c.router = events.NewRouter(events.Options{
		Logger:       log,
		RoutingField: c.registry.RoutingField,
		OnHeartbeat:  func() { c.transport.Touch() },
	})
	c.rpc = rpc.NewClient(rpc.Options{
		Logger:         log,
		CallTimeout:    opts.CallTimeout,
		OnNotification: c.router.Route,
	})
	c.watcher = watch.NewWatcher(c.registry, c.rpc, log)

	topts := opts.Transport
	topts.Logger = log
	topts.Tokens = tokenSource{tokens}
	topts.Hooks = transport.Hooks{
		Handshake: c.handshake,
		OnFrame:   c.rpc.HandleFrame,
		OnDown:    c.onDown,
		OnTokenExpiring: func(expiry time.Time) {
			log.Info("connection credential expiring soon", "expires_at", expiry)
		},
	}
	c.transport = transport.New(topts)
	c.rpc.SetSendFunc(c.transport.Send)
	return c, nil
}

// Connect dials the server and blocks until the first attempt settles.
// The credential is the stored pair when one exists; the transport asks
// the token manager for a fresh one before every later attempt.
func (c *Client) Connect(ctx context.Context) error {
	info := transport.ConnectionInfo{URL: c.url}
	if p, ok := c.tokens.StoredPair(); ok {
		info.Token = p.AccessToken
		info.TokenExpiry = p.AccessExpiresAt
	}
	return c.transport.Connect(ctx, info)
}

// Disconnect closes the connection and stops reconnecting. In-flight
// calls are rejected before it returns.
func (c *Client) Disconnect() { c.transport.Disconnect() }

// Reconnect forces a new connection cycle.
func (c *Client) Reconnect() { c.transport.Reconnect() }

// SetNetworkAvailable feeds platform reachability changes through to the
// transport.
func (c *Client) SetNetworkAvailable(avail bool) {
	c.transport.SetNetworkAvailable(avail)
}

// Close releases everything. The Client is unusable afterwards.
func (c *Client) Close() {
	c.transport.Close()
	c.rpc.Close()
	c.tokens.Close()
}

// States exposes the connection state holder: subscribing delivers the
// current state, then every transition in order.
func (c *Client) States() *eventbus.Latest[transport.State] {
	return c.transport.States()
}

// Events exposes the server-event stream.
func (c *Client) Events() *eventbus.Bus[events.Event] {
	return c.router.Events()
}

// PendingTrustRequest drains the trust-folder request held while no
// event subscriber was registered, if any.
func (c *Client) PendingTrustRequest() (events.Event, bool) {
	return c.router.PendingTrustRequest()
}

// Tokens exposes the token manager for pairing and revocation flows.
func (c *Client) Tokens() *token.Manager { return c.tokens }

// Pair exchanges a one-time pairing code for a token pair and persists
// it for subsequent connects.
func (c *Client) Pair(ctx context.Context, code, deviceName string) (token.Pair, error) {
	return c.tokens.ExchangePairingCode(ctx, code, deviceName)
}

// Watch subscribes to a session's event stream. An empty runtime uses
// the registry default.
func (c *Client) Watch(ctx context.Context, workspaceID, sessionID, runtime string) error {
	return c.watcher.Watch(ctx, workspaceID, sessionID, runtime)
}

// Unwatch drops the current session subscription.
func (c *Client) Unwatch(ctx context.Context) error {
	return c.watcher.Unwatch(ctx)
}

// ActiveWatch reports the session currently watched, if any.
func (c *Client) ActiveWatch() (watch.ActiveWatch, bool) {
	return c.watcher.Current()
}

// Runtimes lists the runtime names the server registered.
func (c *Client) Runtimes() []string { return c.registry.Names() }

// ServerInfo reports the identity the server announced in the handshake.
func (c *Client) ServerInfo() (ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo, c.serverInfo != (ServerInfo{})
}

// ClientID reports the id the server assigned this connection.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Request issues a raw JSON-RPC call for methods outside the typed
// surface.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.rpc.Request(ctx, method, params)
}

// onDown resets per-connection state after the socket drops: in-flight
// calls are rejected, the watch survives as intent only, and the runtime
// registry returns to built-ins until the next handshake.
func (c *Client) onDown(reason error) {
	c.rpc.FailAll(fmt.Errorf("connection lost: %w", reason))
	c.watcher.ForceClear()
	c.registry.ResetDefaults()
}

// tokenSource adapts the token manager to the transport's credential
// interface, attaching the stored expiry for the warning timer.
type tokenSource struct {
	mgr *token.Manager
}

func (s tokenSource) ValidAccessToken(ctx context.Context) (string, time.Time, bool) {
	tok, ok := s.mgr.ValidAccessToken(ctx)
	if !ok {
		return "", time.Time{}, false
	}
	var expiry time.Time
	if p, ok := s.mgr.StoredPair(); ok && p.AccessToken == tok {
		expiry = p.AccessExpiresAt
	}
	return tok, expiry, true
}

// apiBaseFromServerURL maps the WebSocket endpoint onto the http(s) base
// serving the auth endpoints.
func apiBaseFromServerURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("client: invalid server URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("client: unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
