// Package watch tracks which agent session the client is subscribed to
// and the per-runtime method registry that shapes those subscriptions.
package watch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	DefaultRuntimeName  = "claude"
	DefaultRoutingField = "agent_type"
)

// RuntimeSpec describes how to address one agent runtime. Claude keys
// its watch methods by workspace, codex by bare session; servers may
// advertise more runtimes at handshake time.
type RuntimeSpec struct {
	Name            string
	WorkspaceScoped bool
	WatchMethod     string
	UnwatchMethod   string
	StartMethod     string
	SendMethod      string
	StopMethod      string
}

func builtinRuntimes() map[string]RuntimeSpec {
	return map[string]RuntimeSpec{
		"claude": {
			Name:            "claude",
			WorkspaceScoped: true,
			WatchMethod:     "workspace/session/watch",
			UnwatchMethod:   "workspace/session/unwatch",
			StartMethod:     "session/start",
			SendMethod:      "session/send",
			StopMethod:      "session/stop",
		},
		"codex": {
			Name:          "codex",
			WatchMethod:   "session/watch",
			UnwatchMethod: "session/unwatch",
			StartMethod:   "session/start",
			SendMethod:    "session/send",
			StopMethod:    "session/stop",
		},
	}
}

// Registry holds the runtime set in effect for the current connection.
// It starts from the built-ins, may be replaced by the server's
// initialize result, and reverts on disconnect.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	runtimes map[string]RuntimeSpec
	def      string
	field    string
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log}
	r.runtimes = builtinRuntimes()
	r.def = DefaultRuntimeName
	r.field = DefaultRoutingField
	return r
}

// ResetDefaults restores the built-in runtime set. Called when the
// connection drops, since an advertised registry is per-connection.
func (r *Registry) ResetDefaults() {
	r.mu.Lock()
	r.runtimes = builtinRuntimes()
	r.def = DefaultRuntimeName
	r.field = DefaultRoutingField
	r.mu.Unlock()
}

type wireRegistry struct {
	DefaultRuntime string        `json:"default_runtime"`
	RuntimeField   string        `json:"runtime_field"`
	Runtimes       []wireRuntime `json:"runtimes"`
}

type wireRuntime struct {
	Name            string `json:"name"`
	WorkspaceScoped *bool  `json:"workspace_scoped"`
	WatchMethod     string `json:"watch_method"`
	UnwatchMethod   string `json:"unwatch_method"`
	StartMethod     string `json:"start_method"`
	SendMethod      string `json:"send_method"`
	StopMethod      string `json:"stop_method"`
}

// overlay layers the wire entry over a base spec and pattern-fills any
// method the server left out.
func (w wireRuntime) overlay(base RuntimeSpec) RuntimeSpec {
	spec := base
	spec.Name = w.Name
	if w.WorkspaceScoped != nil {
		spec.WorkspaceScoped = *w.WorkspaceScoped
	}
	if w.WatchMethod != "" {
		spec.WatchMethod = w.WatchMethod
	}
	if w.UnwatchMethod != "" {
		spec.UnwatchMethod = w.UnwatchMethod
	}
	if w.StartMethod != "" {
		spec.StartMethod = w.StartMethod
	}
	if w.SendMethod != "" {
		spec.SendMethod = w.SendMethod
	}
	if w.StopMethod != "" {
		spec.StopMethod = w.StopMethod
	}
	if spec.WatchMethod == "" {
		if spec.WorkspaceScoped {
			spec.WatchMethod = "workspace/session/watch"
		} else {
			spec.WatchMethod = "session/watch"
		}
	}
	if spec.UnwatchMethod == "" {
		if spec.WorkspaceScoped {
			spec.UnwatchMethod = "workspace/session/unwatch"
		} else {
			spec.UnwatchMethod = "session/unwatch"
		}
	}
	if spec.StartMethod == "" {
		spec.StartMethod = "session/start"
	}
	if spec.SendMethod == "" {
		spec.SendMethod = "session/send"
	}
	if spec.StopMethod == "" {
		spec.StopMethod = "session/stop"
	}
	return spec
}

// ApplyHandshake installs the runtime registry advertised by the server
// in its initialize result. A missing or null payload keeps the current
// set. The update is atomic: on error nothing changes.
func (r *Registry) ApplyHandshake(raw json.RawMessage) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var wire wireRegistry
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("parse runtime registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runtimes := r.runtimes
	if len(wire.Runtimes) > 0 {
		builtin := builtinRuntimes()
		set := make(map[string]RuntimeSpec, len(wire.Runtimes))
		for _, w := range wire.Runtimes {
			if w.Name == "" {
				r.log.Warn("skipping unnamed runtime in advertised registry")
				continue
			}
			base, ok := builtin[w.Name]
			if !ok {
				base = RuntimeSpec{Name: w.Name}
			}
			set[w.Name] = w.overlay(base)
		}
		if len(set) == 0 {
			return errors.New("advertised registry named no usable runtimes")
		}
		runtimes = set
	}

	def := r.def
	if wire.DefaultRuntime != "" {
		def = wire.DefaultRuntime
	}
	if _, ok := runtimes[def]; !ok {
		if wire.DefaultRuntime != "" {
			return fmt.Errorf("default runtime %q not in advertised registry", wire.DefaultRuntime)
		}
		def = firstName(runtimes)
	}

	r.runtimes = runtimes
	r.def = def
	if wire.RuntimeField != "" {
		r.field = wire.RuntimeField
	}
	r.log.Info("runtime registry applied", "runtimes", namesOf(runtimes), "default", def)
	return nil
}

// Lookup resolves a runtime by name.
func (r *Registry) Lookup(name string) (RuntimeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.runtimes[name]
	return spec, ok
}

// Default returns the runtime used when the caller does not name one.
func (r *Registry) Default() RuntimeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runtimes[r.def]
}

// RoutingField is the notification payload key that names the runtime a
// pushed event belongs to.
func (r *Registry) RoutingField() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.field
}

// Names lists the registered runtimes in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return namesOf(r.runtimes)
}

func namesOf(m map[string]RuntimeSpec) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func firstName(m map[string]RuntimeSpec) string {
	return namesOf(m)[0]
}
