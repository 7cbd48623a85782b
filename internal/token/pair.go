// Package token owns the access/refresh token pair lifecycle: vault
// persistence, expiry tracking, proactive refresh, pairing-code
// exchange, and revocation.
package token

import "time"

// Pair is an access/refresh token pair with absolute expiries. A zero
// expiry means the server did not declare one; such tokens are treated
// as valid until the server rejects them.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

func (p Pair) AccessExpired(now time.Time) bool {
	return !p.AccessExpiresAt.IsZero() && !now.Before(p.AccessExpiresAt)
}

// NeedsRefresh reports whether the access token's remaining life is
// inside the refresh lead.
func (p Pair) NeedsRefresh(now time.Time, lead time.Duration) bool {
	return !p.AccessExpiresAt.IsZero() && now.Add(lead).After(p.AccessExpiresAt)
}

func (p Pair) RefreshExpired(now time.Time) bool {
	return !p.RefreshExpiresAt.IsZero() && !now.Before(p.RefreshExpiresAt)
}

// storedPair is the JSON shape used both by the auth endpoints and for
// vault persistence.
type storedPair struct {
	AccessToken        string `json:"access_token"`
	AccessExpiresAtMS  int64  `json:"access_expires_at_ms,omitempty"`
	RefreshToken       string `json:"refresh_token"`
	RefreshExpiresAtMS int64  `json:"refresh_expires_at_ms,omitempty"`
}

func (s storedPair) toPair() Pair {
	p := Pair{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
	if s.AccessExpiresAtMS > 0 {
		p.AccessExpiresAt = time.UnixMilli(s.AccessExpiresAtMS)
	}
	if s.RefreshExpiresAtMS > 0 {
		p.RefreshExpiresAt = time.UnixMilli(s.RefreshExpiresAtMS)
	}
	return p
}

func toStored(p Pair) storedPair {
	s := storedPair{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
	if !p.AccessExpiresAt.IsZero() {
		s.AccessExpiresAtMS = p.AccessExpiresAt.UnixMilli()
	}
	if !p.RefreshExpiresAt.IsZero() {
		s.RefreshExpiresAtMS = p.RefreshExpiresAt.UnixMilli()
	}
	return s
}
