package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestRunExecutesStepsInReverseOrder(t *testing.T) {
	tr := New("sess-1", zerolog.Nop())

	var mu sync.Mutex
	var order []string
	track := func(name string) {
		tr.Track(name, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	track("a")
	track("b")
	track("c")

	tr.Run(context.Background())

	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	tr := New("sess-1", zerolog.Nop())
	calls := 0
	tr.Track("x", func(ctx context.Context) error {
		calls++
		return nil
	})

	tr.Run(context.Background())
	tr.Run(context.Background())
	tr.Run(context.Background())

	if calls != 1 {
		t.Errorf("expected step to run exactly once across repeated Run calls, got %d", calls)
	}
}

func TestRunContinuesAfterStepError(t *testing.T) {
	tr := New("sess-1", zerolog.Nop())
	var ranSecond bool
	tr.Track("after", func(ctx context.Context) error {
		ranSecond = true
		return nil
	})
	tr.Track("fails", func(ctx context.Context) error {
		return errors.New("boom")
	})

	tr.Run(context.Background())

	if !ranSecond {
		t.Fatal("expected earlier-registered (later-run) step to still execute after an error")
	}
}

func TestTrackAfterRunExecutesImmediately(t *testing.T) {
	tr := New("sess-1", zerolog.Nop())
	tr.Run(context.Background())

	ran := false
	tr.Track("late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatal("expected a step registered after Run to execute immediately")
	}
}

func TestResetAllowsRerun(t *testing.T) {
	tr := New("sess-1", zerolog.Nop())
	calls := 0
	tr.Track("x", func(ctx context.Context) error {
		calls++
		return nil
	})
	tr.Run(context.Background())
	tr.reset()
	tr.Track("x", func(ctx context.Context) error {
		calls++
		return nil
	})
	tr.Run(context.Background())

	if calls != 2 {
		t.Errorf("expected 2 calls across reset cycles, got %d", calls)
	}
}
