package watch

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry(testLogger())

	claude, ok := r.Lookup("claude")
	if !ok {
		t.Fatal("claude missing from built-ins")
	}
	if !claude.WorkspaceScoped {
		t.Error("claude must be workspace scoped")
	}
	if claude.WatchMethod != "workspace/session/watch" || claude.UnwatchMethod != "workspace/session/unwatch" {
		t.Errorf("claude methods = %q / %q", claude.WatchMethod, claude.UnwatchMethod)
	}

	codex, ok := r.Lookup("codex")
	if !ok {
		t.Fatal("codex missing from built-ins")
	}
	if codex.WorkspaceScoped {
		t.Error("codex must not be workspace scoped")
	}
	if codex.WatchMethod != "session/watch" || codex.UnwatchMethod != "session/unwatch" {
		t.Errorf("codex methods = %q / %q", codex.WatchMethod, codex.UnwatchMethod)
	}

	if got := r.Default().Name; got != "claude" {
		t.Errorf("default runtime = %q, want claude", got)
	}
	if got := r.RoutingField(); got != "agent_type" {
		t.Errorf("routing field = %q, want agent_type", got)
	}
	for _, spec := range []RuntimeSpec{claude, codex} {
		if spec.StartMethod != "session/start" || spec.SendMethod != "session/send" || spec.StopMethod != "session/stop" {
			t.Errorf("%s lifecycle methods = %q/%q/%q", spec.Name, spec.StartMethod, spec.SendMethod, spec.StopMethod)
		}
	}
}

func TestApplyHandshakeReplacesRuntimeSet(t *testing.T) {
	r := NewRegistry(testLogger())
	raw := json.RawMessage(`{
		"default_runtime": "gemini",
		"runtime_field": "agent",
		"runtimes": [
			{"name": "gemini"},
			{"name": "claude", "watch_method": "workspace/v2/watch"}
		]
	}`)
	if err := r.ApplyHandshake(raw); err != nil {
		t.Fatalf("ApplyHandshake: %v", err)
	}

	if got := r.Default().Name; got != "gemini" {
		t.Errorf("default = %q, want gemini", got)
	}
	if got := r.RoutingField(); got != "agent" {
		t.Errorf("routing field = %q, want agent", got)
	}
	if !reflect.DeepEqual(r.Names(), []string{"claude", "gemini"}) {
		t.Errorf("names = %v", r.Names())
	}
	if _, ok := r.Lookup("codex"); ok {
		t.Error("codex survived a full replacement")
	}

	// Unknown runtimes pattern-fill the flat convention.
	gemini, _ := r.Lookup("gemini")
	want := RuntimeSpec{
		Name:          "gemini",
		WatchMethod:   "session/watch",
		UnwatchMethod: "session/unwatch",
		StartMethod:   "session/start",
		SendMethod:    "session/send",
		StopMethod:    "session/stop",
	}
	if gemini != want {
		t.Errorf("gemini spec = %+v, want %+v", gemini, want)
	}

	// Known names keep their built-in shape under partial overrides.
	claude, _ := r.Lookup("claude")
	if !claude.WorkspaceScoped {
		t.Error("claude lost workspace scoping")
	}
	if claude.WatchMethod != "workspace/v2/watch" {
		t.Errorf("claude watch method = %q", claude.WatchMethod)
	}
	if claude.UnwatchMethod != "workspace/session/unwatch" {
		t.Errorf("claude unwatch method = %q", claude.UnwatchMethod)
	}
}

func TestApplyHandshakeScopedPatternFill(t *testing.T) {
	r := NewRegistry(testLogger())
	raw := json.RawMessage(`{"runtimes":[{"name":"aider","workspace_scoped":true}]}`)
	if err := r.ApplyHandshake(raw); err != nil {
		t.Fatalf("ApplyHandshake: %v", err)
	}
	aider, ok := r.Lookup("aider")
	if !ok {
		t.Fatal("aider not registered")
	}
	if aider.WatchMethod != "workspace/session/watch" || aider.UnwatchMethod != "workspace/session/unwatch" {
		t.Errorf("scoped pattern fill = %q / %q", aider.WatchMethod, aider.UnwatchMethod)
	}
	// claude vanished, so the default moves to the first name in order.
	if got := r.Default().Name; got != "aider" {
		t.Errorf("default = %q, want aider", got)
	}
}

func TestApplyHandshakeErrorsLeaveStateUntouched(t *testing.T) {
	r := NewRegistry(testLogger())
	cases := []struct {
		name string
		raw  string
	}{
		{"garbage", `{"runtimes": 12}`},
		{"unknown default", `{"default_runtime":"nope","runtimes":[{"name":"claude"}]}`},
		{"all unnamed", `{"runtimes":[{"watch_method":"x"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.ApplyHandshake(json.RawMessage(tc.raw)); err == nil {
				t.Fatal("ApplyHandshake accepted bad registry")
			}
			if got := r.Default().Name; got != "claude" {
				t.Fatalf("default mutated to %q after rejected apply", got)
			}
			if !reflect.DeepEqual(r.Names(), []string{"claude", "codex"}) {
				t.Fatalf("runtime set mutated: %v", r.Names())
			}
		})
	}
}

func TestApplyHandshakeEmptyPayloadKeepsCurrent(t *testing.T) {
	r := NewRegistry(testLogger())
	for _, raw := range []json.RawMessage{nil, json.RawMessage("null"), json.RawMessage(`{}`)} {
		if err := r.ApplyHandshake(raw); err != nil {
			t.Fatalf("ApplyHandshake(%s): %v", raw, err)
		}
	}
	if got := r.Default().Name; got != "claude" {
		t.Errorf("default = %q", got)
	}
}

func TestResetDefaults(t *testing.T) {
	r := NewRegistry(testLogger())
	raw := json.RawMessage(`{"default_runtime":"codex","runtime_field":"agent","runtimes":[{"name":"codex"}]}`)
	if err := r.ApplyHandshake(raw); err != nil {
		t.Fatalf("ApplyHandshake: %v", err)
	}
	if got := r.Default().Name; got != "codex" {
		t.Fatalf("default = %q, want codex", got)
	}

	r.ResetDefaults()
	if got := r.Default().Name; got != "claude" {
		t.Errorf("default after reset = %q, want claude", got)
	}
	if got := r.RoutingField(); got != "agent_type" {
		t.Errorf("routing field after reset = %q", got)
	}
	if !reflect.DeepEqual(r.Names(), []string{"claude", "codex"}) {
		t.Errorf("names after reset = %v", r.Names())
	}
}
