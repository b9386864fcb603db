package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scanshop/companion-sync/internal/catalog"
	"github.com/scanshop/companion-sync/internal/delivery"
	"github.com/scanshop/companion-sync/internal/offline"
	"github.com/scanshop/companion-sync/pkg/enums"
	"github.com/scanshop/companion-sync/pkg/logger"
)

const (
	defaultAutoSync      = 240 * time.Minute
	defaultMinTimerDelay = time.Second
	defaultClaimLease    = 2 * time.Minute
)

type offlineDrainer interface {
	ProcessAll(ctx context.Context) (offline.ProcessResult, error)
	Recover(ctx context.Context, lease time.Duration) (int, error)
}

type deliveryDrainer interface {
	Drain(ctx context.Context) (delivery.DrainResult, error)
	NextRetryAt(ctx context.Context) (time.Time, bool, error)
	Recover(ctx context.Context, lease time.Duration) (int, error)
}

type catalogSyncer interface {
	CheckAndSync(ctx context.Context) (catalog.Result, error)
}

// Params configure the coordinator.
type Params struct {
	Offline       offlineDrainer
	Delivery      deliveryDrainer
	Catalog       catalogSyncer
	Logger        *logger.Logger
	AutoSync      time.Duration
	MinTimerDelay time.Duration
	ClaimLease    time.Duration
	Now           func() time.Time
}

// CycleReport is the outcome of one drain cycle.
type CycleReport struct {
	Trigger    enums.Trigger         `json:"trigger"`
	StartedAt  time.Time             `json:"started_at"`
	Offline    offline.ProcessResult `json:"offline"`
	Delivery   delivery.DrainResult  `json:"delivery"`
	Catalog    *catalog.Result       `json:"catalog,omitempty"`
	NextWakeAt *time.Time            `json:"next_wake_at,omitempty"`
	Errors     []string              `json:"errors,omitempty"`
}

// Coordinator serializes every queue drain and catalog check onto one
// goroutine, woken by platform triggers, the delivery retry timer and a
// periodic catalog re-check.
type Coordinator struct {
	offline       offlineDrainer
	delivery      deliveryDrainer
	catalog       catalogSyncer
	logg          *logger.Logger
	autoSync      time.Duration
	minTimerDelay time.Duration
	claimLease    time.Duration
	now           func() time.Time

	triggers      chan enums.Trigger
	rearm         chan struct{}
	catalogWanted atomic.Bool
	running       atomic.Bool

	mu     sync.RWMutex
	last   *CycleReport
	wakeAt time.Time
	done   chan struct{}
}

// New builds a coordinator.
func New(p Params) (*Coordinator, error) {
	if p.Offline == nil {
		return nil, fmt.Errorf("offline queue required")
	}
	if p.Delivery == nil {
		return nil, fmt.Errorf("delivery queue required")
	}
	if p.Catalog == nil {
		return nil, fmt.Errorf("catalog sync required")
	}
	autoSync := p.AutoSync
	if autoSync <= 0 {
		autoSync = defaultAutoSync
	}
	minDelay := p.MinTimerDelay
	if minDelay <= 0 {
		minDelay = defaultMinTimerDelay
	}
	lease := p.ClaimLease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		offline:       p.Offline,
		delivery:      p.Delivery,
		catalog:       p.Catalog,
		logg:          p.Logger,
		autoSync:      autoSync,
		minTimerDelay: minDelay,
		claimLease:    lease,
		now:           now,
		triggers:      make(chan enums.Trigger, 1),
		rearm:         make(chan struct{}, 1),
		done:          make(chan struct{}),
	}, nil
}

// Notify asks for a drain cycle without blocking. When a cycle is already
// pending the trigger is folded into it; a catalog-checking trigger still
// makes that pending cycle check the catalog.
func (c *Coordinator) Notify(trigger enums.Trigger) bool {
	if trigger.ChecksCatalog() {
		c.catalogWanted.Store(true)
	}
	select {
	case c.triggers <- trigger:
		return true
	default:
		return false
	}
}

// Reschedule re-reads the earliest delivery retry time and re-arms the
// retry timer without running a cycle. Call it after enqueueing outside a
// cycle.
func (c *Coordinator) Reschedule() {
	select {
	case c.rearm <- struct{}{}:
	default:
	}
}

// LastCycle returns the report of the most recent cycle.
func (c *Coordinator) LastCycle() (CycleReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return CycleReport{}, false
	}
	return *c.last, true
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run runs a startup cycle and then serves triggers until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already running")
	}
	defer close(c.done)

	c.Notify(enums.TriggerStartup)

	retry := time.NewTimer(time.Hour)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()
	periodic := time.NewTicker(c.autoSync)
	defer periodic.Stop()

	for {
		var trigger enums.Trigger
		select {
		case <-ctx.Done():
			c.logInfo(ctx, "sync coordinator stopped")
			return nil
		case trigger = <-c.triggers:
		case <-c.rearm:
			next, ok, err := c.delivery.NextRetryAt(ctx)
			if err != nil {
				c.logError(ctx, "read next retry time failed", err)
				continue
			}
			if ok {
				c.arm(retry, next)
			}
			continue
		case <-retry.C:
			trigger = enums.TriggerTimer
		case <-periodic.C:
			trigger = enums.TriggerPeriodic
			c.catalogWanted.Store(true)
		}

		report := c.cycle(ctx, trigger)
		stopTimer(retry)
		if report.NextWakeAt != nil {
			retry.Reset(c.delay(*report.NextWakeAt))
		}
	}
}

// arm points the retry timer at next unless it already fires sooner.
func (c *Coordinator) arm(retry *time.Timer, next time.Time) {
	c.mu.Lock()
	current := c.wakeAt
	c.mu.Unlock()
	if pending := !current.IsZero() && current.After(c.now()); pending && !next.Before(current) {
		return
	}
	stopTimer(retry)
	retry.Reset(c.delay(next))
	c.mu.Lock()
	c.wakeAt = next
	c.mu.Unlock()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (c *Coordinator) cycle(ctx context.Context, trigger enums.Trigger) CycleReport {
	if c.logg != nil {
		ctx = c.logg.WithTrigger(ctx, trigger.String())
	}
	report := CycleReport{Trigger: trigger, StartedAt: c.now().UTC()}

	c.recover(ctx)

	off, err := c.offline.ProcessAll(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "offline: "+err.Error())
		c.logError(ctx, "offline queue drain failed", err)
	}
	report.Offline = off

	del, err := c.delivery.Drain(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "delivery: "+err.Error())
		c.logError(ctx, "delivery queue drain failed", err)
	}
	report.Delivery = del

	if c.catalogWanted.Swap(false) {
		res, err := c.catalog.CheckAndSync(ctx)
		if err != nil {
			report.Errors = append(report.Errors, "catalog: "+err.Error())
		} else {
			report.Catalog = &res
		}
	}

	next, ok, err := c.delivery.NextRetryAt(ctx)
	if err != nil {
		c.logError(ctx, "read next retry time failed", err)
	} else if ok {
		report.NextWakeAt = &next
	}

	c.mu.Lock()
	c.last = &report
	c.wakeAt = time.Time{}
	if report.NextWakeAt != nil {
		c.wakeAt = *report.NextWakeAt
	}
	c.mu.Unlock()
	return report
}

// delay is the wait until next, never below the minimum timer delay.
func (c *Coordinator) delay(next time.Time) time.Duration {
	d := next.Sub(c.now())
	if d < c.minTimerDelay {
		return c.minTimerDelay
	}
	return d
}

func (c *Coordinator) recover(ctx context.Context) {
	if n, err := c.offline.Recover(ctx, c.claimLease); err != nil {
		c.logError(ctx, "recover offline claims failed", err)
	} else if n > 0 {
		c.logInfo(c.withField(ctx, "released", n), "recovered offline claims")
	}
	if n, err := c.delivery.Recover(ctx, c.claimLease); err != nil {
		c.logError(ctx, "recover delivery claims failed", err)
	} else if n > 0 {
		c.logInfo(c.withField(ctx, "released", n), "recovered delivery claims")
	}
}

func (c *Coordinator) withField(ctx context.Context, key string, value any) context.Context {
	if c.logg == nil {
		return ctx
	}
	return c.logg.WithField(ctx, key, value)
}

func (c *Coordinator) logInfo(ctx context.Context, msg string) {
	if c.logg != nil {
		c.logg.Info(ctx, msg)
	}
}

func (c *Coordinator) logError(ctx context.Context, msg string, err error) {
	if c.logg != nil {
		c.logg.Error(ctx, msg, err)
	}
}
