package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestManagerSpawnRegistersSession(t *testing.T) {
	store := NewStore()
	runner := &mockRunner{stdout: "ready"}
	mgr := NewManager(store, "/work", WithRunner(runner))

	id, err := mgr.SpawnWorker(context.Background(), "team-1", "builder", "do the thing")
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}
	sess, ok := store.GetByID(id)
	if !ok {
		t.Fatal("spawned session not in store")
	}
	if sess.Name() != "builder" {
		t.Errorf("name = %q, want builder", sess.Name())
	}

	// The kickoff prompt lands asynchronously.
	deadline := time.After(time.Second)
	for runner.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("kickoff prompt never ran")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestManagerSendToUnknownSession(t *testing.T) {
	mgr := NewManager(NewStore(), "/work")
	err := mgr.SendToSession(context.Background(), "nope", "hello")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerReleaseRemovesSession(t *testing.T) {
	store := NewStore()
	mgr := NewManager(store, "/work", WithRunner(&mockRunner{}))

	id, err := mgr.SpawnLead(context.Background(), "lead", "plan")
	if err != nil {
		t.Fatalf("SpawnLead: %v", err)
	}
	mgr.Release(id)
	if _, ok := store.GetByID(id); ok {
		t.Fatal("released session still in store")
	}
}

func TestManagerStopHookFiresAfterTurns(t *testing.T) {
	store := NewStore()
	mgr := NewManager(store, "/work", WithRunner(&mockRunner{}))

	var mu sync.Mutex
	stops := make(map[string]int)
	mgr.SetStopHook(func(sessionID string, failed bool) {
		mu.Lock()
		defer mu.Unlock()
		if failed {
			t.Errorf("unexpected failed stop for %s", sessionID)
		}
		stops[sessionID]++
	})

	id, err := mgr.SpawnWorker(context.Background(), "team-1", "builder", "build it")
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stops[id] == 1
	})

	if err := mgr.SendToSession(context.Background(), id, "revise it"); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stops[id] == 2
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDeliveryMetadata(t *testing.T) {
	mgr := NewManager(NewStore(), "/work")
	withOutput := mgr.DeliveryMetadata(true, "lead-1")
	if !strings.Contains(withOutput, "lead-1") || !strings.Contains(withOutput, "output") {
		t.Errorf("metadata = %q", withOutput)
	}
	without := mgr.DeliveryMetadata(false, "lead-1")
	if !strings.Contains(without, "no output") {
		t.Errorf("metadata = %q", without)
	}
}
