package client

import (
	"context"
	"encoding/json"
)

// Typed pass-through wrappers over the RPC layer. Parameter and result
// shapes follow the server's snake_case wire contract; anything the
// server adds beyond these fields is ignored on decode.

// GitState is the server's repository-state taxonomy. The names are an
// opaque enumeration pinned to the wire contract.
type GitState string

const (
	GitClean    GitState = "clean"
	GitDirty    GitState = "dirty"
	GitAhead    GitState = "ahead"
	GitBehind   GitState = "behind"
	GitDiverged GitState = "diverged"
	GitConflict GitState = "conflict"
	GitNoGit    GitState = "no_git"
)

// ParseGitState validates a wire value against the known taxonomy.
func ParseGitState(s string) (GitState, bool) {
	switch gs := GitState(s); gs {
	case GitClean, GitDirty, GitAhead, GitBehind, GitDiverged, GitConflict, GitNoGit:
		return gs, true
	default:
		return "", false
	}
}

type SessionInfo struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
	State       string `json:"state,omitempty"`
}

type GitFileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

type GitStatus struct {
	State  GitState        `json:"state"`
	Branch string          `json:"branch,omitempty"`
	Ahead  int             `json:"ahead,omitempty"`
	Behind int             `json:"behind,omitempty"`
	Files  []GitFileStatus `json:"files,omitempty"`
}

type GitBranches struct {
	Current  string   `json:"current"`
	Branches []string `json:"branches"`
}

type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

type FileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

type workspaceParams struct {
	WorkspaceID string `json:"workspace_id"`
}

// StartSession asks the server to spawn an agent session in a workspace.
// An empty runtime lets the server pick its default.
func (c *Client) StartSession(ctx context.Context, workspaceID, runtime string) (SessionInfo, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		AgentType   string `json:"agent_type,omitempty"`
	}{workspaceID, runtime}
	var out SessionInfo
	err := c.rpc.Call(ctx, "session/start", params, &out)
	return out, err
}

// SendMessage delivers a user message to a running session.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) error {
	params := struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}{sessionID, message}
	return c.rpc.Call(ctx, "session/send", params, nil)
}

// StopSession terminates a session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.rpc.Call(ctx, "session/stop", sessionParams{sessionID}, nil)
}

// RespondPermission answers a tool-permission prompt raised by the agent.
func (c *Client) RespondPermission(ctx context.Context, sessionID, requestID string, approve bool) error {
	params := struct {
		SessionID string `json:"session_id"`
		RequestID string `json:"request_id"`
		Approved  bool   `json:"approved"`
	}{sessionID, requestID, approve}
	return c.rpc.Call(ctx, "session/respond", params, nil)
}

// SendInput feeds raw input to the session's interactive prompt.
func (c *Client) SendInput(ctx context.Context, sessionID, input string) error {
	params := struct {
		SessionID string `json:"session_id"`
		Input     string `json:"input"`
	}{sessionID, input}
	return c.rpc.Call(ctx, "session/input", params, nil)
}

// SessionState fetches the server's view of one session.
func (c *Client) SessionState(ctx context.Context, sessionID string) (SessionInfo, error) {
	var out SessionInfo
	err := c.rpc.Call(ctx, "session/state", sessionParams{sessionID}, &out)
	return out, err
}

// ActiveSessions lists the sessions currently running on the server.
func (c *Client) ActiveSessions(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := c.rpc.Call(ctx, "session/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// SessionHistory returns the transcript of a session. The result shape
// is runtime-specific, so it stays raw.
func (c *Client) SessionHistory(ctx context.Context, sessionID string, limit int) (json.RawMessage, error) {
	params := struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit,omitempty"`
	}{sessionID, limit}
	return c.rpc.Request(ctx, "session/history", params)
}

// SessionMessages returns the stored messages of a workspace session.
func (c *Client) SessionMessages(ctx context.Context, workspaceID, sessionID string, limit int) (json.RawMessage, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		SessionID   string `json:"session_id"`
		Limit       int    `json:"limit,omitempty"`
	}{workspaceID, sessionID, limit}
	return c.rpc.Request(ctx, "workspace/session/messages", params)
}

// GitStatus reports the working-tree state of a workspace.
func (c *Client) GitStatus(ctx context.Context, workspaceID string) (GitStatus, error) {
	var out GitStatus
	err := c.rpc.Call(ctx, "workspace/git/status", workspaceParams{workspaceID}, &out)
	return out, err
}

// GitDiff returns the unified diff for one path, or the whole tree when
// path is empty.
func (c *Client) GitDiff(ctx context.Context, workspaceID, path string) (string, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		Path        string `json:"path,omitempty"`
	}{workspaceID, path}
	var out struct {
		Diff string `json:"diff"`
	}
	if err := c.rpc.Call(ctx, "workspace/git/diff", params, &out); err != nil {
		return "", err
	}
	return out.Diff, nil
}

type gitPathsParams struct {
	WorkspaceID string   `json:"workspace_id"`
	Paths       []string `json:"paths"`
}

// GitStage stages the given paths.
func (c *Client) GitStage(ctx context.Context, workspaceID string, paths []string) error {
	return c.rpc.Call(ctx, "workspace/git/stage", gitPathsParams{workspaceID, paths}, nil)
}

// GitUnstage removes the given paths from the index.
func (c *Client) GitUnstage(ctx context.Context, workspaceID string, paths []string) error {
	return c.rpc.Call(ctx, "workspace/git/unstage", gitPathsParams{workspaceID, paths}, nil)
}

// GitDiscard throws away local modifications to the given paths.
func (c *Client) GitDiscard(ctx context.Context, workspaceID string, paths []string) error {
	return c.rpc.Call(ctx, "workspace/git/discard", gitPathsParams{workspaceID, paths}, nil)
}

// GitCommit commits the staged changes and returns the new commit id.
func (c *Client) GitCommit(ctx context.Context, workspaceID, message string) (string, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		Message     string `json:"message"`
	}{workspaceID, message}
	var out struct {
		CommitID string `json:"commit_id"`
	}
	if err := c.rpc.Call(ctx, "workspace/git/commit", params, &out); err != nil {
		return "", err
	}
	return out.CommitID, nil
}

// GitPush pushes the current branch.
func (c *Client) GitPush(ctx context.Context, workspaceID string) error {
	return c.rpc.Call(ctx, "workspace/git/push", workspaceParams{workspaceID}, nil)
}

// GitPull pulls the current branch.
func (c *Client) GitPull(ctx context.Context, workspaceID string) error {
	return c.rpc.Call(ctx, "workspace/git/pull", workspaceParams{workspaceID}, nil)
}

// GitBranches lists local branches and the checked-out one.
func (c *Client) GitBranches(ctx context.Context, workspaceID string) (GitBranches, error) {
	var out GitBranches
	err := c.rpc.Call(ctx, "workspace/git/branches", workspaceParams{workspaceID}, &out)
	return out, err
}

// GitCheckout switches the workspace to another branch.
func (c *Client) GitCheckout(ctx context.Context, workspaceID, branch string) error {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		Branch      string `json:"branch"`
	}{workspaceID, branch}
	return c.rpc.Call(ctx, "workspace/git/checkout", params, nil)
}

// ListFiles lists one directory level of a workspace.
func (c *Client) ListFiles(ctx context.Context, workspaceID, path string) ([]FileEntry, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		Path        string `json:"path,omitempty"`
	}{workspaceID, path}
	var out struct {
		Entries []FileEntry `json:"entries"`
	}
	if err := c.rpc.Call(ctx, "file/list", params, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ReadFile fetches one file's contents.
func (c *Client) ReadFile(ctx context.Context, workspaceID, path string) (FileContent, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		Path        string `json:"path"`
	}{workspaceID, path}
	var out FileContent
	err := c.rpc.Call(ctx, "file/read", params, &out)
	return out, err
}

// SearchRepository runs a content search across the workspace.
func (c *Client) SearchRepository(ctx context.Context, workspaceID, query string, limit int) ([]SearchMatch, error) {
	params := struct {
		WorkspaceID string `json:"workspace_id"`
		Query       string `json:"query"`
		Limit       int    `json:"limit,omitempty"`
	}{workspaceID, query, limit}
	var out struct {
		Matches []SearchMatch `json:"matches"`
	}
	if err := c.rpc.Call(ctx, "repository/search", params, &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}
