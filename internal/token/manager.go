package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brianly1003/cdev-ios-sub005/internal/secrets"
)

const (
	// DefaultRefreshLead is how long before access-token expiry a
	// refresh is attempted.
	DefaultRefreshLead = 2 * time.Minute
	// DefaultWarnLead is how long before expiry the warning hook fires.
	// Independent of the refresh cycle; purely advisory.
	DefaultWarnLead = 5 * time.Minute

	vaultKeyPrefix = "cdev/tokens/"
)

var (
	// ErrNoToken means no pair is stored for this host.
	ErrNoToken = errors.New("no token pair stored")
	// ErrRefreshRejected means the refresh token is expired or the
	// server refused it (401/403). The pair has been cleared; the
	// device must re-pair.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Hooks are the manager's cross-cutting callbacks. Each concern has at
// most one registration, set at construction.
type Hooks struct {
	// OnRefreshed fires after a new pair is persisted.
	OnRefreshed func(Pair)
	// OnRefreshFailed fires on a transient refresh failure. The old
	// access token stays in use while it lasts.
	OnRefreshFailed func(error)
	// OnRepairRequired fires when the refresh token is expired or
	// rejected. The pair is already cleared when it runs.
	OnRepairRequired func(error)
	// OnExpiryWarning fires WarnLead before access-token expiry.
	OnExpiryWarning func(expiry time.Time)
}

type Options struct {
	// APIBase is the http(s) base URL of the server's auth endpoints.
	APIBase string
	// Host namespaces the vault key. Derived from APIBase when empty.
	Host string
	// Store persists the pair. Required.
	Store secrets.Store

	HTTPClient  *http.Client
	Logger      *slog.Logger
	RefreshLead time.Duration
	WarnLead    time.Duration
	Hooks       Hooks

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns one host's token pair. Safe for concurrent use.
type Manager struct {
	store       secrets.Store
	http        *http.Client
	base        string
	key         string
	log         *slog.Logger
	refreshLead time.Duration
	warnLead    time.Duration
	now         func() time.Time
	hooks       Hooks

	mu           sync.Mutex
	cur          *Pair
	loaded       bool
	refreshTimer *time.Timer
	warnTimer    *time.Timer
	closed       bool

	// refreshMu single-flights network refreshes; concurrent callers
	// wait and reuse the winner's result.
	refreshMu sync.Mutex
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("token: secret store required")
	}
	if opts.APIBase == "" {
		return nil, errors.New("token: API base URL required")
	}
	u, err := url.Parse(opts.APIBase)
	if err != nil {
		return nil, fmt.Errorf("token: invalid API base URL %q: %w", opts.APIBase, err)
	}
	host := opts.Host
	if host == "" {
		host = u.Host
	}
	if host == "" {
		return nil, fmt.Errorf("token: cannot derive host from %q", opts.APIBase)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	refreshLead := opts.RefreshLead
	if refreshLead <= 0 {
		refreshLead = DefaultRefreshLead
	}
	warnLead := opts.WarnLead
	if warnLead <= 0 {
		warnLead = DefaultWarnLead
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:       opts.Store,
		http:        hc,
		base:        strings.TrimRight(opts.APIBase, "/"),
		key:         vaultKeyPrefix + host,
		log:         log,
		refreshLead: refreshLead,
		warnLead:    warnLead,
		now:         now,
		hooks:       opts.Hooks,
	}, nil
}

// StorePair persists p and reschedules the proactive refresh and
// warning timers.
func (m *Manager) StorePair(p Pair) error {
	if p.AccessToken == "" || p.RefreshToken == "" {
		return errors.New("token: incomplete pair")
	}
	data, err := json.Marshal(toStored(p))
	if err != nil {
		return fmt.Errorf("token: encode pair: %w", err)
	}
	if err := m.store.Set(m.key, string(data)); err != nil {
		return fmt.Errorf("token: persist pair: %w", err)
	}
	m.mu.Lock()
	cp := p
	m.cur = &cp
	m.loaded = true
	m.scheduleLocked(p)
	m.mu.Unlock()
	return nil
}

// StoredPair returns the persisted pair, if any.
func (m *Manager) StoredPair() (Pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.loadLocked()
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

func (m *Manager) loadLocked() (*Pair, bool) {
	if m.loaded {
		return m.cur, m.cur != nil
	}
	m.loaded = true
	raw, ok, err := m.store.Get(m.key)
	if err != nil {
		m.log.Warn("secret store read failed", "key", m.key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var sp storedPair
	if err := json.Unmarshal([]byte(raw), &sp); err != nil {
		m.log.Warn("stored token pair is corrupt, ignoring", "key", m.key, "err", err)
		return nil, false
	}
	p := sp.toPair()
	m.cur = &p
	return m.cur, true
}

// ValidAccessToken returns a token usable right now. It refreshes when
// the stored token is inside the refresh lead, degrades to the old
// token when refresh fails transiently and the old token is still
// unexpired, and reports false when nothing usable exists. An expired
// refresh token clears the pair and fires OnRepairRequired.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, bool) {
	m.mu.Lock()
	p, ok := m.loadLocked()
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	pair := *p
	m.mu.Unlock()

	now := m.now()
	if !pair.NeedsRefresh(now, m.refreshLead) {
		return pair.AccessToken, true
	}

	fresh, err := m.Refresh(ctx)
	if err == nil {
		return fresh.AccessToken, true
	}
	if errors.Is(err, ErrRefreshRejected) {
		// Refresh already cleared the pair and fired the hook.
		return "", false
	}
	if !pair.AccessExpired(now) {
		m.log.Warn("token refresh failed, keeping current access token", "err", err)
		return pair.AccessToken, true
	}
	return "", false
}

// Refresh rotates the pair through the server's refresh endpoint. A
// caller that lost the single-flight race gets the winner's pair
// without a second network call.
func (m *Manager) Refresh(ctx context.Context) (Pair, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	p, ok := m.loadLocked()
	if !ok {
		m.mu.Unlock()
		return Pair{}, ErrNoToken
	}
	pair := *p
	m.mu.Unlock()

	now := m.now()
	if !pair.NeedsRefresh(now, m.refreshLead) {
		return pair, nil
	}
	if pair.RefreshExpired(now) {
		werr := fmt.Errorf("%w: expired %s ago", ErrRefreshRejected,
			now.Sub(pair.RefreshExpiresAt).Round(time.Second))
		m.repair(werr)
		return Pair{}, werr
	}

	var resp storedPair
	err := m.post(ctx, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, &resp)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && (ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden) {
			werr := fmt.Errorf("%w: %v", ErrRefreshRejected, err)
			m.repair(werr)
			return Pair{}, werr
		}
		if m.hooks.OnRefreshFailed != nil {
			m.hooks.OnRefreshFailed(err)
		}
		return Pair{}, fmt.Errorf("token: refresh: %w", err)
	}

	fresh := resp.toPair()
	if fresh.AccessToken == "" || fresh.RefreshToken == "" {
		return Pair{}, errors.New("token: server returned incomplete pair")
	}
	if err := m.StorePair(fresh); err != nil {
		return Pair{}, err
	}
	if m.hooks.OnRefreshed != nil {
		m.hooks.OnRefreshed(fresh)
	}
	return fresh, nil
}

// ExchangePairingCode trades a one-time pairing code for a token pair
// and persists it.
func (m *Manager) ExchangePairingCode(ctx context.Context, code, deviceName string) (Pair, error) {
	if strings.TrimSpace(code) == "" {
		return Pair{}, errors.New("token: pairing code required")
	}
	var resp storedPair
	if err := m.post(ctx, "/v1/auth/pair", pairRequest{PairingCode: code, DeviceName: deviceName}, &resp); err != nil {
		return Pair{}, fmt.Errorf("token: exchange pairing code: %w", err)
	}
	pair := resp.toPair()
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return Pair{}, errors.New("token: server returned incomplete pair")
	}
	if err := m.StorePair(pair); err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// RevokeRefreshToken asks the server to invalidate the refresh token,
// then clears the local pair whether or not the server call succeeded.
func (m *Manager) RevokeRefreshToken(ctx context.Context) error {
	m.mu.Lock()
	p, ok := m.loadLocked()
	if !ok {
		m.mu.Unlock()
		return nil
	}
	refresh := p.RefreshToken
	m.mu.Unlock()

	err := m.post(ctx, "/v1/auth/revoke", refreshRequest{RefreshToken: refresh}, nil)
	if cerr := m.Clear(); cerr != nil {
		m.log.Warn("clearing tokens after revoke failed", "err", cerr)
	}
	if err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	return nil
}

// Clear deletes the pair and stops the timers.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.cur = nil
	m.loaded = true
	m.stopTimersLocked()
	m.mu.Unlock()
	if err := m.store.Delete(m.key); err != nil {
		return fmt.Errorf("token: clear pair: %w", err)
	}
	return nil
}

// Close stops the timers. The stored pair is left intact.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopTimersLocked()
	m.mu.Unlock()
}

func (m *Manager) repair(cause error) {
	if err := m.Clear(); err != nil {
		m.log.Warn("clearing tokens failed", "err", err)
	}
	m.log.Warn("token pair unusable, re-pairing required", "err", cause)
	if m.hooks.OnRepairRequired != nil {
		m.hooks.OnRepairRequired(cause)
	}
}

func (m *Manager) stopTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
}

// scheduleLocked arms the proactive refresh and warning timers for p.
// Inside the lead already means fire now.
func (m *Manager) scheduleLocked(p Pair) {
	m.stopTimersLocked()
	if m.closed || p.AccessExpiresAt.IsZero() {
		return
	}
	now := m.now()
	refreshIn := p.AccessExpiresAt.Add(-m.refreshLead).Sub(now)
	if refreshIn < 0 {
		refreshIn = 0
	}
	m.refreshTimer = time.AfterFunc(refreshIn, m.backgroundRefresh)

	warnIn := p.AccessExpiresAt.Add(-m.warnLead).Sub(now)
	if warnIn < 0 {
		warnIn = 0
	}
	expiry := p.AccessExpiresAt
	m.warnTimer = time.AfterFunc(warnIn, func() {
		m.log.Info("access token expiring soon", "expires_at", expiry)
		if m.hooks.OnExpiryWarning != nil {
			m.hooks.OnExpiryWarning(expiry)
		}
	})
}

func (m *Manager) backgroundRefresh() {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrNoToken) {
		m.log.Warn("background token refresh failed", "err", err)
	}
}
