package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slotbot/internal/config"
	"slotbot/internal/transport/memory"
	logx "slotbot/pkg/logx"
)

const dryRunConfig = `
logging:
  level: warn
scheduler:
  dry_run: true
  timezone: UTC
slots:
  - name: daily_poll
    kind: single
    channel: -100
classify:
  - slot: daily_poll
    match: poll
actions:
  - name: post_poll
    kind: poll
    slot: daily_poll
    question: "Who is in tonight?"
    answers: ["yes", "no"]
rules:
  - name: poll_evening
    at: "18:30"
    action: post_poll
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slotbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDryRunRecoversAndReplaces(t *testing.T) {
	t.Parallel()

	a, err := NewApp(writeConfig(t, dryRunConfig))
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	tr, ok := a.tr.(*memory.Transport)
	if !ok {
		t.Fatalf("dry run transport = %T", a.tr)
	}
	stale := tr.Post(-100, dryRunIdentity, "Who is in tonight?", true)
	tr.Post(-100, 777, "someone else's poll", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopUnknown)
	}()

	select {
	case <-a.Scheduler().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never became ready")
	}

	if err := a.Scheduler().Force(ctx, "post_poll"); err != nil {
		t.Fatalf("Force() error = %v", err)
	}

	live := tr.Live(-100)
	if len(live) != 2 {
		t.Fatalf("live entries = %+v, want the foreign poll and one fresh poll", live)
	}
	for _, e := range live {
		if e.Handle.ID == stale.ID {
			t.Fatal("recovered poll was not replaced")
		}
	}
}

func TestNewAppRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	body := dryRunConfig + `
  - name: broken
    at: "09:00"
    action: nope
`
	_, err := NewApp(writeConfig(t, body))
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || ce.Path != "rules[1].action" {
		t.Fatalf("NewApp() error = %v, want rules[1].action configuration error", err)
	}
}

func TestLogReplier(t *testing.T) {
	t.Parallel()

	r := logReplier{log: logx.Nop()}
	if err := r.Reply(context.Background(), 1, "hi"); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if err := r.Reply(context.Background(), 1, ""); err == nil {
		t.Fatal("Reply(\"\") succeeded")
	}
}
