package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianly1003/cdev-ios-sub005/internal/eventbus"
	"github.com/brianly1003/cdev-ios-sub005/internal/protocol"
)

type Options struct {
	Logger *slog.Logger
	// RoutingField names the params key carrying the runtime tag. The
	// registry owns it; nil falls back to the built-in default.
	RoutingField func() string
	// OnHeartbeat fires for each server heartbeat, which is consumed
	// here and never re-broadcast.
	OnHeartbeat func()
	Now         func() time.Time
}

// Router turns inbound notifications into Events on its bus. Heartbeats
// feed the liveness hook, deprecation warnings are logged, and trust
// folder requests park in a single-slot holder when nobody listens.
type Router struct {
	log          *slog.Logger
	routingField func() string
	onHeartbeat  func()
	now          func() time.Time
	bus          *eventbus.Bus[Event]

	mu    sync.Mutex
	trust *Event
}

func NewRouter(opts Options) *Router {
	r := &Router{
		log:          opts.Logger,
		routingField: opts.RoutingField,
		onHeartbeat:  opts.OnHeartbeat,
		now:          opts.Now,
		bus:          eventbus.New[Event](),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.routingField == nil {
		r.routingField = func() string { return "agent_type" }
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Events is the broadcast stream of routed events.
func (r *Router) Events() *eventbus.Bus[Event] {
	return r.bus
}

// Route consumes one notification. Methods outside the event namespace
// keep their full name as the event type.
func (r *Router) Route(method string, params json.RawMessage) {
	typ := strings.TrimPrefix(method, protocol.EventPrefix)
	if typ == protocol.EventHeartbeat {
		if r.onHeartbeat != nil {
			r.onHeartbeat()
		}
		return
	}

	ev := r.normalize(typ, params)
	switch typ {
	case protocol.EventDeprecationWarning:
		var hints struct {
			Message     string `json:"message"`
			Replacement string `json:"replacement"`
		}
		_ = json.Unmarshal(ev.Payload, &hints)
		r.log.Warn("server deprecation warning", "message", hints.Message, "replacement", hints.Replacement)
		return
	case protocol.EventTrustFolderRequest:
		if r.bus.Count() == 0 {
			r.mu.Lock()
			r.trust = &ev
			r.mu.Unlock()
			r.log.Info("holding trust folder request", "workspace", ev.WorkspaceID)
			return
		}
	}
	r.bus.Publish(ev)
}

// PendingTrustRequest consumes the held trust folder request, if any.
func (r *Router) PendingTrustRequest() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trust == nil {
		return Event{}, false
	}
	ev := *r.trust
	r.trust = nil
	return ev, true
}

// normalize promotes routing fields out of the params. A nested payload
// key wins; otherwise the payload is the params minus the routing
// fields. Missing id and timestamp are synthesized.
func (r *Router) normalize(typ string, params json.RawMessage) Event {
	ev := Event{Type: typ, TS: r.now()}

	var fields map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &fields); err != nil {
			ev.Payload = params
		}
	}
	if fields != nil {
		field := r.routingField()
		ev.ID = stringField(fields, "id")
		ev.WorkspaceID = stringField(fields, "workspace_id")
		ev.SessionID = stringField(fields, "session_id")
		ev.Runtime = stringField(fields, field)
		if ms := int64Field(fields, "ts_ms"); ms > 0 {
			ev.TS = time.UnixMilli(ms)
		}
		if payload, ok := fields["payload"]; ok {
			ev.Payload = payload
		} else {
			for _, key := range []string{"id", "ts_ms", "workspace_id", "session_id", field} {
				delete(fields, key)
			}
			if len(fields) > 0 {
				if raw, err := json.Marshal(fields); err == nil {
					ev.Payload = raw
				}
			}
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func int64Field(m map[string]json.RawMessage, key string) int64 {
	raw, ok := m[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}
