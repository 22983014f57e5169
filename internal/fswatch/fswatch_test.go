package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
)

func TestWatcherDeliversCreatedEventToMatchingPrefix(t *testing.T) {
	dir := t.TempDir()

	b := NewBuilder(nil)
	b.AddRoot(dir)
	out := actor.NewMailbox[Event](8)
	b.RegisterPeer(dir, out.Sender())

	a, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	path := filepath.Join(dir, "foo.txt")
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	ev, ok := out.Recv(recvCtx)
	if !ok {
		t.Fatal("expected a filesystem event to be delivered")
	}
	if ev.Path != path {
		t.Errorf("Path = %q, want %q", ev.Path, path)
	}
}

func TestWatcherDoesNotDeliverToNonMatchingPrefix(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(t.TempDir(), "unrelated")

	b := NewBuilder(nil)
	b.AddRoot(dir)
	out := actor.NewMailbox[Event](8)
	b.RegisterPeer(other, out.Sender())

	a, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := os.WriteFile(filepath.Join(dir, "foo.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer recvCancel()
	if _, ok := out.Recv(recvCtx); ok {
		t.Fatal("event should not have been delivered to a non-matching subscriber")
	}
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{Created: "created", Modified: "modified", Deleted: "deleted", EventKind(99): "unknown"}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
