package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrSessionRequired   = errors.New("session id required")
	ErrWorkspaceRequired = errors.New("workspace id required")
	ErrUnknownRuntime    = errors.New("unknown runtime")
)

// Caller issues JSON-RPC requests. Satisfied by *rpc.Client.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
}

// ActiveWatch is the session subscription the client wants. Established
// reports whether the current connection has actually registered it;
// a drop flips it false while the intent survives for Reestablish.
type ActiveWatch struct {
	WorkspaceID string
	SessionID   string
	Runtime     RuntimeSpec
	Established bool
}

// Watcher owns the single watch slot. Watching a new session replaces
// the previous subscription; servers key subscriptions to the
// connection, so unwatch carries no parameters.
type Watcher struct {
	log  *slog.Logger
	reg  *Registry
	call Caller

	// opMu serializes watch operations end to end; mu guards cur so
	// Current stays cheap while an RPC is in flight.
	opMu sync.Mutex
	mu   sync.Mutex
	cur  *ActiveWatch
}

func NewWatcher(reg *Registry, call Caller, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{log: log, reg: reg, call: call}
}

// Watch subscribes to a session's event stream. An empty runtime picks
// the registry default. Watching the already-watched session is a no-op;
// anything else unsubscribes the old session first.
func (w *Watcher) Watch(ctx context.Context, workspaceID, sessionID, runtime string) error {
	if sessionID == "" {
		return fmt.Errorf("watch: %w", ErrSessionRequired)
	}
	spec, err := w.resolve(runtime)
	if err != nil {
		return err
	}
	if spec.WorkspaceScoped && workspaceID == "" {
		return fmt.Errorf("watch with runtime %s: %w", spec.Name, ErrWorkspaceRequired)
	}

	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	cur := w.cur
	w.mu.Unlock()

	if cur != nil && cur.Established &&
		cur.WorkspaceID == workspaceID && cur.SessionID == sessionID && cur.Runtime.Name == spec.Name {
		return nil
	}
	if cur != nil && cur.Established {
		if err := w.call.Call(ctx, cur.Runtime.UnwatchMethod, unwatchParams(cur.Runtime, cur.SessionID), nil); err != nil {
			w.log.Warn("unwatch before switch failed", "session", cur.SessionID, "err", err)
		}
	}

	if err := w.call.Call(ctx, spec.WatchMethod, watchParams(spec, workspaceID, sessionID), nil); err != nil {
		w.mu.Lock()
		w.cur = nil
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", sessionID, err)
	}

	w.mu.Lock()
	w.cur = &ActiveWatch{WorkspaceID: workspaceID, SessionID: sessionID, Runtime: spec, Established: true}
	w.mu.Unlock()
	w.log.Info("watching session", "session", sessionID, "runtime", spec.Name)
	return nil
}

// Unwatch drops the subscription. The local slot clears even when the
// server call fails; a dead subscription dies with the connection anyway.
func (w *Watcher) Unwatch(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	cur := w.cur
	w.cur = nil
	w.mu.Unlock()

	if cur == nil || !cur.Established {
		return nil
	}
	if err := w.call.Call(ctx, cur.Runtime.UnwatchMethod, unwatchParams(cur.Runtime, cur.SessionID), nil); err != nil {
		return fmt.Errorf("unwatch %s: %w", cur.SessionID, err)
	}
	w.log.Info("unwatched session", "session", cur.SessionID)
	return nil
}

// Reestablish re-issues the watch after a reconnect.
func (w *Watcher) Reestablish(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	cur := w.cur
	w.mu.Unlock()

	if cur == nil || cur.Established {
		return nil
	}
	if err := w.call.Call(ctx, cur.Runtime.WatchMethod, watchParams(cur.Runtime, cur.WorkspaceID, cur.SessionID), nil); err != nil {
		return fmt.Errorf("rewatch %s: %w", cur.SessionID, err)
	}
	w.mu.Lock()
	if w.cur != nil && w.cur.SessionID == cur.SessionID {
		w.cur.Established = true
	}
	w.mu.Unlock()
	w.log.Info("rewatched session", "session", cur.SessionID)
	return nil
}

// ForceClear marks the subscription broken without talking to the
// server. Used when the connection drops.
func (w *Watcher) ForceClear() {
	w.mu.Lock()
	if w.cur != nil {
		w.cur.Established = false
	}
	w.mu.Unlock()
}

// Current reports the watch intent, established or not.
func (w *Watcher) Current() (ActiveWatch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return ActiveWatch{}, false
	}
	return *w.cur, true
}

func (w *Watcher) resolve(name string) (RuntimeSpec, error) {
	if name == "" {
		return w.reg.Default(), nil
	}
	spec, ok := w.reg.Lookup(name)
	if !ok {
		return RuntimeSpec{}, fmt.Errorf("watch %q: %w", name, ErrUnknownRuntime)
	}
	return spec, nil
}

func watchParams(spec RuntimeSpec, workspaceID, sessionID string) map[string]string {
	if spec.WorkspaceScoped {
		return map[string]string{"workspace_id": workspaceID, "session_id": sessionID}
	}
	return map[string]string{"session_id": sessionID}
}

// unwatchParams mirrors the watch scoping: workspace-scoped runtimes key
// the subscription to the connection (no params), flat runtimes name the
// session.
func unwatchParams(spec RuntimeSpec, sessionID string) any {
	if spec.WorkspaceScoped {
		return nil
	}
	return map[string]string{"session_id": sessionID}
}
