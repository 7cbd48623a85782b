// Package transport owns the WebSocket connection to a cdev server: the
// connection state machine, heartbeat and idle liveness, reconnection
// with bounded backoff, and raw frame send/receive.
package transport

import (
	"fmt"
	"time"
)

// ConnectionInfo describes one logical server connection. It is a value
// object; rotating the token produces a fresh copy via WithToken.
type ConnectionInfo struct {
	URL         string
	Token       string
	SessionID   string
	RepoName    string
	TokenExpiry time.Time
}

// WithToken returns a copy carrying the rotated credential.
func (i ConnectionInfo) WithToken(token string, expiry time.Time) ConnectionInfo {
	i.Token = token
	i.TokenExpiry = expiry
	return i
}

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the broadcast connection state. Info is set while connected,
// Attempt while reconnecting, Reason while failed. Only the Transport
// produces values; consumers treat them as read-only.
type State struct {
	Phase   Phase
	Info    *ConnectionInfo
	Attempt int
	Reason  string
}

func (s State) String() string {
	switch s.Phase {
	case Reconnecting:
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	case Failed:
		return "failed: " + s.Reason
	default:
		return s.Phase.String()
	}
}
