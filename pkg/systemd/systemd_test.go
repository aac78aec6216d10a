package systemd

import (
	"context"
	"testing"
	"time"

	logx "pacebot/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	for name, fn := range map[string]func() (bool, error){
		"ready":    Ready,
		"stopping": Stopping,
		"status":   func() (bool, error) { return Status("tasks=%d", 3) },
	} {
		sent, err := fn()
		if sent || err != nil {
			t.Errorf("%s: sent=%v err=%v, want false/nil", name, sent, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, func() bool { return true }, logx.Nop()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-ctx.Done():
		t.Fatal("Watchdog blocked without WATCHDOG_USEC")
	}
}
