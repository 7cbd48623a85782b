package watch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type callRec struct {
	method string
	params map[string]string
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []callRec
	errFor map[string]error
}

func (f *fakeCaller) Call(_ context.Context, method string, params, _ any) error {
	rec := callRec{method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &rec.params); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)
	return f.errFor[method]
}

func (f *fakeCaller) recorded() []callRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]callRec, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeCaller) {
	t.Helper()
	fc := &fakeCaller{errFor: map[string]error{}}
	return NewWatcher(NewRegistry(testLogger()), fc, testLogger()), fc
}

func TestWatchDefaultRuntimeIsWorkspaceScoped(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "w-1", "s-1", ""); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	calls := fc.recorded()
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want 1", calls)
	}
	if calls[0].method != "workspace/session/watch" {
		t.Errorf("method = %q", calls[0].method)
	}
	want := map[string]string{"workspace_id": "w-1", "session_id": "s-1"}
	if calls[0].params["workspace_id"] != want["workspace_id"] || calls[0].params["session_id"] != want["session_id"] {
		t.Errorf("params = %v, want %v", calls[0].params, want)
	}

	cur, ok := w.Current()
	if !ok || !cur.Established || cur.SessionID != "s-1" || cur.Runtime.Name != "claude" {
		t.Fatalf("Current = %+v, %v", cur, ok)
	}
}

func TestWatchCodexUsesFlatParams(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "", "s-2", "codex"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	calls := fc.recorded()
	if calls[0].method != "session/watch" {
		t.Errorf("method = %q", calls[0].method)
	}
	if _, ok := calls[0].params["workspace_id"]; ok {
		t.Errorf("flat watch leaked workspace_id: %v", calls[0].params)
	}
	if calls[0].params["session_id"] != "s-2" {
		t.Errorf("params = %v", calls[0].params)
	}
}

func TestWatchValidation(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "", "s-1", ""); !errors.Is(err, ErrWorkspaceRequired) {
		t.Errorf("scoped runtime with empty workspace = %v, want ErrWorkspaceRequired", err)
	}
	if err := w.Watch(context.Background(), "w-1", "", ""); !errors.Is(err, ErrSessionRequired) {
		t.Errorf("empty session = %v, want ErrSessionRequired", err)
	}
	if err := w.Watch(context.Background(), "w-1", "s-1", "gpt9"); !errors.Is(err, ErrUnknownRuntime) {
		t.Errorf("unknown runtime = %v, want ErrUnknownRuntime", err)
	}
	if calls := fc.recorded(); len(calls) != 0 {
		t.Errorf("validation failures still issued calls: %v", calls)
	}
}

func TestWatchIdempotent(t *testing.T) {
	w, fc := newTestWatcher(t)
	for i := 0; i < 3; i++ {
		if err := w.Watch(context.Background(), "w-1", "s-1", "claude"); err != nil {
			t.Fatalf("Watch #%d: %v", i, err)
		}
	}
	if calls := fc.recorded(); len(calls) != 1 {
		t.Fatalf("calls = %v, want a single watch", calls)
	}
}

func TestRuntimeSwitchUnwatchesOldFirst(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "w-1", "s-1", "claude"); err != nil {
		t.Fatalf("watch claude: %v", err)
	}
	if err := w.Watch(context.Background(), "", "s-2", "codex"); err != nil {
		t.Fatalf("watch codex: %v", err)
	}

	calls := fc.recorded()
	if len(calls) != 3 {
		t.Fatalf("calls = %v, want watch/unwatch/watch", calls)
	}
	if calls[1].method != "workspace/session/unwatch" {
		t.Errorf("call[1] = %q, want old runtime's unwatch", calls[1].method)
	}
	if calls[1].params != nil {
		t.Errorf("unwatch carried params %v, subscriptions are connection-keyed", calls[1].params)
	}
	if calls[2].method != "session/watch" || calls[2].params["session_id"] != "s-2" {
		t.Errorf("call[2] = %+v", calls[2])
	}

	cur, _ := w.Current()
	if cur.Runtime.Name != "codex" || cur.SessionID != "s-2" {
		t.Fatalf("Current = %+v", cur)
	}
}

func TestUnwatchClearsSlot(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "w-1", "s-1", ""); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Unwatch(context.Background()); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if _, ok := w.Current(); ok {
		t.Fatal("watch slot survived Unwatch")
	}
	if err := w.Unwatch(context.Background()); err != nil {
		t.Fatalf("second Unwatch: %v", err)
	}
	if calls := fc.recorded(); len(calls) != 2 {
		t.Fatalf("calls = %v, want watch+unwatch only", calls)
	}
}

func TestFlatUnwatchNamesTheSession(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "", "s-2", "codex"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Unwatch(context.Background()); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	calls := fc.recorded()
	if len(calls) != 2 || calls[1].method != "session/unwatch" {
		t.Fatalf("calls = %v", calls)
	}
	if calls[1].params["session_id"] != "s-2" {
		t.Errorf("flat unwatch params = %v, want session_id", calls[1].params)
	}
}

func TestUnwatchFailureStillClearsSlot(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "w-1", "s-1", ""); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	fc.errFor["workspace/session/unwatch"] = errors.New("server gone")
	if err := w.Unwatch(context.Background()); err == nil {
		t.Fatal("Unwatch swallowed the server error")
	}
	if _, ok := w.Current(); ok {
		t.Fatal("failed unwatch left the slot populated")
	}
}

func TestForceClearThenReestablish(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "w-1", "s-1", ""); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	w.ForceClear()
	cur, ok := w.Current()
	if !ok || cur.Established {
		t.Fatalf("after ForceClear: %+v, %v", cur, ok)
	}

	if err := w.Reestablish(context.Background()); err != nil {
		t.Fatalf("Reestablish: %v", err)
	}
	cur, _ = w.Current()
	if !cur.Established {
		t.Fatal("Reestablish did not mark the watch established")
	}

	calls := fc.recorded()
	if len(calls) != 2 || calls[1].method != "workspace/session/watch" {
		t.Fatalf("calls = %v, want a second watch", calls)
	}
	if calls[1].params["workspace_id"] != "w-1" || calls[1].params["session_id"] != "s-1" {
		t.Errorf("rewatch params = %v", calls[1].params)
	}

	// Established subscriptions are not re-sent.
	if err := w.Reestablish(context.Background()); err != nil {
		t.Fatalf("Reestablish (noop): %v", err)
	}
	if calls := fc.recorded(); len(calls) != 2 {
		t.Fatalf("noop Reestablish issued calls: %v", calls)
	}
}

func TestReestablishWithoutIntentIsNoop(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Reestablish(context.Background()); err != nil {
		t.Fatalf("Reestablish: %v", err)
	}
	if calls := fc.recorded(); len(calls) != 0 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestSwitchAfterForceClearSkipsUnwatch(t *testing.T) {
	w, fc := newTestWatcher(t)
	if err := w.Watch(context.Background(), "w-1", "s-1", ""); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.ForceClear()
	if err := w.Watch(context.Background(), "", "s-2", "codex"); err != nil {
		t.Fatalf("Watch after clear: %v", err)
	}
	calls := fc.recorded()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want no unwatch for a dead subscription", calls)
	}
	if calls[1].method != "session/watch" {
		t.Errorf("call[1] = %q", calls[1].method)
	}
}

func TestWatchRPCFailureClearsState(t *testing.T) {
	w, fc := newTestWatcher(t)
	fc.errFor["workspace/session/watch"] = errors.New("watch rejected")
	if err := w.Watch(context.Background(), "w-1", "s-1", ""); err == nil {
		t.Fatal("Watch swallowed the RPC error")
	}
	if _, ok := w.Current(); ok {
		t.Fatal("failed watch left intent behind")
	}
}
