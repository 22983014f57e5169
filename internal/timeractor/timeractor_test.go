package timeractor

import (
	"context"
	"testing"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
)

func startTimer(t *testing.T) (*Builder, *actor.Mailbox[Timeout], func()) {
	t.Helper()
	b := NewBuilder(4, nil)
	out := actor.NewMailbox[Timeout](4)
	b.ConnectSink(out.Sender())

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

	return b, out, func() {
		cancel()
		<-done
	}
}

func TestTimeoutFiresAfterDelay(t *testing.T) {
	b, out, stop := startTimer(t)
	defer stop()

	if err := b.Sender().Send(context.Background(), In{Set: &SetTimeout{Tag: "a", Delay: 10 * time.Millisecond}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := out.Recv(ctx)
	if !ok || msg.Tag != "a" {
		t.Fatalf("Recv = %+v, ok=%v; want tag a", msg, ok)
	}
}

func TestSecondSetTimeoutReplacesFirst(t *testing.T) {
	b, out, stop := startTimer(t)
	defer stop()

	ctx := context.Background()
	if err := b.Sender().Send(ctx, In{Set: &SetTimeout{Tag: "a", Delay: 5 * time.Millisecond}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := b.Sender().Send(ctx, In{Set: &SetTimeout{Tag: "a", Delay: 200 * time.Millisecond}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := out.Recv(recvCtx); ok {
		t.Fatal("expected no timeout to fire before the replaced delay elapses")
	}
}

func TestCancelTimeoutPreventsDelivery(t *testing.T) {
	b, out, stop := startTimer(t)
	defer stop()

	ctx := context.Background()
	if err := b.Sender().Send(ctx, In{Set: &SetTimeout{Tag: "a", Delay: 20 * time.Millisecond}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := b.Sender().Send(ctx, In{Cancel: &CancelTimeout{Tag: "a"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, ok := out.Recv(recvCtx); ok {
		t.Fatal("expected cancelled timeout not to fire")
	}
}
