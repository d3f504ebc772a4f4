package tracking

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEnterAssignsFreshID(t *testing.T) {
	ctx, scope := Enter(context.Background(), map[string]any{"user": "alice"})
	defer scope.Exit()

	if scope.ID().String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("expected a random id")
	}
	got, ok := FromContext(ctx)
	if !ok || got != scope {
		t.Fatal("scope not retrievable from context")
	}

	_, other := Enter(context.Background(), nil)
	defer other.Exit()
	if other.ID() == scope.ID() {
		t.Error("two independent scopes share an id")
	}
}

func TestNestedEnterMergesMetadata(t *testing.T) {
	ctx, outer := Enter(context.Background(), map[string]any{"user": "alice", "job": "import"})
	_, inner := Enter(ctx, map[string]any{"user": "bob", "step": 2})

	if inner != outer {
		t.Fatal("nested Enter returned a new handle")
	}

	md := outer.Metadata()
	if md["user"] != "bob" {
		t.Errorf("last write should win: user = %v", md["user"])
	}
	if md["job"] != "import" || md["step"] != 2 {
		t.Errorf("merged metadata incomplete: %v", md)
	}

	// Inner exit keeps the scope alive; outer exit deactivates it.
	inner.Exit()
	if !outer.Active() {
		t.Fatal("scope deactivated by inner exit")
	}
	if _, ok := FromContext(ctx); !ok {
		t.Fatal("scope should still be visible after inner exit")
	}
	outer.Exit()
	if outer.Active() {
		t.Fatal("scope still active after outermost exit")
	}
	if _, ok := FromContext(ctx); ok {
		t.Fatal("exited scope should not be returned from context")
	}
}

func TestEnterAfterExitCreatesNewScope(t *testing.T) {
	ctx, first := Enter(context.Background(), nil)
	first.Exit()

	ctx2, second := Enter(ctx, nil)
	defer second.Exit()
	if second == first {
		t.Fatal("expected a fresh scope after the previous one exited")
	}
	if second.ID() == first.ID() {
		t.Error("fresh scope reused the old id")
	}
	if _, ok := FromContext(ctx2); !ok {
		t.Fatal("new scope not retrievable")
	}
}

func TestMetadataReturnsCopy(t *testing.T) {
	_, scope := Enter(context.Background(), map[string]any{"k": "v"})
	defer scope.Exit()

	md := scope.Metadata()
	md["k"] = "mutated"
	if scope.Metadata()["k"] != "v" {
		t.Error("Metadata() exposed internal map")
	}
}

func TestSettingsSerialization(t *testing.T) {
	_, scope := Enter(context.Background(), map[string]any{"user": "a'lice", "n": 1})
	defer scope.Exit()

	id, metadata, err := scope.settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if id != scope.ID().String() {
		t.Errorf("id = %q, want %q", id, scope.ID())
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(metadata), &decoded); err != nil {
		t.Fatalf("metadata is not JSON: %v", err)
	}
	if decoded["user"] != "a'lice" {
		t.Errorf("metadata round trip lost value: %v", decoded)
	}
}
