package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scanshop/companion-sync/pkg/enums"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []enums.Trigger
}

func (r *recordingNotifier) Notify(trigger enums.Trigger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, trigger)
	return true
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestBackgroundSyncFoldsRepeatedRegistrations(t *testing.T) {
	target := &recordingNotifier{}
	bg := NewBackgroundSync(20 * time.Millisecond)
	bg.Bind(target)

	for i := 0; i < 3; i++ {
		if err := bg.Register(context.Background(), "offline-orders"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if got := bg.Pending(); got != 1 {
		t.Fatalf("expected one pending tag, got %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for target.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := target.count(); got != 1 {
		t.Fatalf("expected one wake, got %d", got)
	}
	if target.got[0] != enums.TriggerBackgroundSync {
		t.Fatalf("unexpected trigger %s", target.got[0])
	}
	if got := bg.Pending(); got != 0 {
		t.Fatalf("expected no pending tags after firing, got %d", got)
	}
}

func TestBackgroundSyncStopCancelsWakes(t *testing.T) {
	target := &recordingNotifier{}
	bg := NewBackgroundSync(20 * time.Millisecond)
	bg.Bind(target)

	_ = bg.Register(context.Background(), "offline-orders")
	bg.Stop()
	_ = bg.Register(context.Background(), "offline-orders")

	time.Sleep(60 * time.Millisecond)
	if got := target.count(); got != 0 {
		t.Fatalf("expected no wakes after stop, got %d", got)
	}
}

func TestBackgroundSyncRejectsCanceledContext(t *testing.T) {
	bg := NewBackgroundSync(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bg.Register(ctx, "offline-orders"); err == nil {
		t.Fatal("expected canceled context to fail registration")
	}
	if bg.Pending() != 0 {
		t.Fatal("expected nothing pending")
	}
}
