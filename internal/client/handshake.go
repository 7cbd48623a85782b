package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brianly1003/cdev-ios-sub005/internal/protocol"
)

// ServerInfo is the identity a server announces during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ClientInfo   clientInfo     `json:"client_info"`
	Capabilities map[string]any `json:"capabilities"`
}

type initializeResult struct {
	ServerInfo   ServerInfo                 `json:"server_info"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
	ClientID     string                     `json:"client_id"`
}

// handshake runs on every freshly opened socket, before the transport
// reports connected. It exchanges initialize/initialized, installs the
// server's runtime registry, and re-issues the watch a reconnect
// interrupted.
func (c *Client) handshake(ctx context.Context) error {
	params := initializeParams{
		ClientInfo:   clientInfo{Name: c.name, Version: c.ver},
		Capabilities: map[string]any{"events": true},
	}
	var res initializeResult
	if err := c.rpc.Call(ctx, protocol.MethodInitialize, params, &res); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if reg, ok := res.Capabilities["runtime_registry"]; ok {
		if err := c.registry.ApplyHandshake(reg); err != nil {
			// Built-ins stay in effect; watch calls still work.
			c.log.Warn("ignoring unusable runtime registry", "err", err)
		}
	}

	c.mu.Lock()
	c.serverInfo = res.ServerInfo
	c.clientID = res.ClientID
	c.mu.Unlock()

	if err := c.rpc.Notify(protocol.NotifyInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	c.log.Info("handshake complete",
		"server", res.ServerInfo.Name, "version", res.ServerInfo.Version)

	if err := c.watcher.Reestablish(ctx); err != nil {
		c.log.Warn("rewatching session after reconnect failed", "err", err)
	}
	return nil
}
