package memory

import (
	"context"
	"errors"
	"testing"

	"slotbot/internal/transport"
)

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := New(1)
	for _, s := range []string{"a", "b", "c", "d"} {
		if _, err := tr.Send(ctx, 10, transport.Content{Text: s}); err != nil {
			t.Fatalf("Send(%q) error = %v", s, err)
		}
	}
	got, err := tr.History(ctx, 10, 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := []string{"d", "c", "b"}
	if len(got) != len(want) {
		t.Fatalf("History() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] || got[i].Author != 1 {
			t.Fatalf("History()[%d] = %+v, want text %q", i, got[i], want[i])
		}
	}
}

func TestDeleteTwiceReportsGone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := New(1)
	h, _ := tr.Send(ctx, 10, transport.Content{Poll: &transport.PollSpec{Question: "q?", Answers: []string{"y", "n"}}})
	if !h.IsPoll {
		t.Fatalf("handle should carry the poll flag")
	}
	if err := tr.Delete(ctx, h); err != nil {
		t.Fatalf("first Delete() error = %v", err)
	}
	if err := tr.Delete(ctx, h); !errors.Is(err, transport.ErrGone) {
		t.Fatalf("second Delete() error = %v, want ErrGone", err)
	}
	if live := tr.Live(10); len(live) != 0 {
		t.Fatalf("Live() = %v, want empty", live)
	}
}

func TestStrictChannelsAndFaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := New(1, WithChannels(10))
	if _, err := tr.Send(ctx, 99, transport.Content{Text: "x"}); !errors.Is(err, transport.ErrChannelNotFound) {
		t.Fatalf("Send() to unknown channel error = %v", err)
	}

	tr.Fail(OpSend, 10, 1, nil)
	if _, err := tr.Send(ctx, 10, transport.Content{Text: "x"}); !errors.Is(err, ErrInjected) {
		t.Fatalf("Send() with fault error = %v", err)
	}
	if _, err := tr.Send(ctx, 10, transport.Content{Text: "x"}); err != nil {
		t.Fatalf("Send() after fault expired error = %v", err)
	}
}
