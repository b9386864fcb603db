package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/scanshop/companion-sync/pkg/enums"
)

const defaultBackgroundDelay = 30 * time.Second

type notifier interface {
	Notify(trigger enums.Trigger) bool
}

// BackgroundSync stands in for a platform background sync API on hosts that
// have none. A registered tag wakes the bound notifier once with a
// background-sync trigger after Delay; registering a pending tag again is a
// no-op.
type BackgroundSync struct {
	delay time.Duration

	mu      sync.Mutex
	target  notifier
	pending map[string]*time.Timer
	stopped bool
}

func NewBackgroundSync(delay time.Duration) *BackgroundSync {
	if delay <= 0 {
		delay = defaultBackgroundDelay
	}
	return &BackgroundSync{delay: delay, pending: map[string]*time.Timer{}}
}

// Bind sets the notifier woken by registrations. Registrations made before
// Bind fire into the bound notifier once it is set.
func (b *BackgroundSync) Bind(target notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = target
}

// Register arms a wake for tag.
func (b *BackgroundSync) Register(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tag = strings.TrimSpace(tag)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	if _, ok := b.pending[tag]; ok {
		return nil
	}
	b.pending[tag] = time.AfterFunc(b.delay, func() { b.fire(tag) })
	return nil
}

func (b *BackgroundSync) fire(tag string) {
	b.mu.Lock()
	delete(b.pending, tag)
	target := b.target
	b.mu.Unlock()
	if target != nil {
		target.Notify(enums.TriggerBackgroundSync)
	}
}

// Pending reports how many tags are waiting to fire.
func (b *BackgroundSync) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels pending wakes and ignores later registrations.
func (b *BackgroundSync) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for tag, timer := range b.pending {
		timer.Stop()
		delete(b.pending, tag)
	}
}
