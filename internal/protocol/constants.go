package protocol

import "github.com/gorilla/websocket"

// Handshake methods. A server that fails initialize does not speak this
// protocol; there is no legacy fallback.
const (
	MethodInitialize  = "initialize"
	NotifyInitialized = "initialized"
)

// EventPrefix namespaces server-push notification methods. The router
// strips it to obtain the bare event type.
const EventPrefix = "event/"

// Event types the router treats specially.
const (
	EventHeartbeat          = "heartbeat"
	EventDeprecationWarning = "deprecation_warning"
	EventTrustFolderRequest = "trust_folder_request"
	EventClaudeMessage      = "claude_message"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server close codes outside the RFC 6455 range.
const (
	CloseAuthFailure = 4401
	CloseAuthExpired = 4403
)

// CloseClass drives reconnect policy for a received close code.
type CloseClass int

const (
	// CloseTransient reconnects silently.
	CloseTransient CloseClass = iota
	// CloseServerShutdown surfaces as failed; the server went away on
	// purpose.
	CloseServerShutdown
	// CloseAuth surfaces as failed; retrying needs fresh credentials.
	CloseAuth
)

func (c CloseClass) String() string {
	switch c {
	case CloseServerShutdown:
		return "server_shutdown"
	case CloseAuth:
		return "auth"
	default:
		return "transient"
	}
}

// ClassifyClose maps a WebSocket close code to its reconnect class.
func ClassifyClose(code int) CloseClass {
	switch code {
	case CloseAuthFailure, CloseAuthExpired, websocket.ClosePolicyViolation:
		return CloseAuth
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return CloseServerShutdown
	default:
		return CloseTransient
	}
}
