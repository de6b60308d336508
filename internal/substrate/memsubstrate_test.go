package substrate

import (
	"context"
	"testing"
	"time"
)

func TestMemNotifySubscribeMatches(t *testing.T) {
	m := NewMem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, `^sess-1\.office\.sshnp@daemon$`)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Notify(ctx, "sess-2.office.sshnp@daemon", "ignored"); err != nil {
		t.Fatal(err)
	}
	if err := m.Notify(ctx, "sess-1.office.sshnp@daemon", "payload"); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-ch:
		if n.Key != "sess-1.office.sshnp@daemon" || n.Value != "payload" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching notification")
	}

	select {
	case n := <-ch:
		t.Fatalf("did not expect a second notification, got %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemSubscribeClosesOnCancel(t *testing.T) {
	m := NewMem()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Subscribe(ctx, `.*`)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMemNotifyRejectsCancelledContext(t *testing.T) {
	m := NewMem()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Notify(ctx, "k", "v"); err == nil {
		t.Fatal("expected error notifying on a cancelled context")
	}
}
