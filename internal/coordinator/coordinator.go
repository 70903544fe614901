package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"plantsip-bridge/internal/plantsip"
)

// MaxConsecutiveFailures is the number of failed cycles after which every
// further failure is logged as a warning.
const MaxConsecutiveFailures = 3

var (
	// ErrRefreshInProgress is returned when a refresh is requested while
	// another one is running. The request is dropped, not queued.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrNotReady is returned before the first successful refresh.
	ErrNotReady = errors.New("no snapshot published yet")
	// ErrAllDevicesFailed is returned when the device list was non-empty
	// but no device could be fetched.
	ErrAllDevicesFailed = errors.New("all devices failed to refresh")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// Fetcher is the subset of the PlantSip API the coordinator uses.
type Fetcher interface {
	ListDevices(ctx context.Context) ([]plantsip.DeviceSummary, bool, error)
	GetDevice(ctx context.Context, deviceID string) (*plantsip.Device, error)
	GetDeviceStatus(ctx context.Context, deviceID string) (*plantsip.Status, error)
	TriggerWatering(ctx context.Context, deviceID string, channelID int, amount float64) (*plantsip.WateringAck, error)
	UpdateChannelConfig(ctx context.Context, deviceID string, channelID int, patch plantsip.ChannelConfigPatch) (plantsip.ChannelConfigPatch, error)
}

// Config holds coordinator configuration.
type Config struct {
	Interval      time.Duration
	MaxParallel   int
	DeviceTimeout time.Duration
}

// State is the refresh state machine position.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateMerging
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StatePublished:
		return "published"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RefreshResult describes the most recent finished cycle.
type RefreshResult struct {
	At                  time.Time     `json:"at"`
	Duration            time.Duration `json:"duration"`
	Success             bool          `json:"success"`
	Err                 error         `json:"-"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegistry persists device identities and seeds the first cycle with
// the devices known from earlier runs.
func WithRegistry(r Registry) Option {
	return func(c *Coordinator) {
		c.registry = r
	}
}

// WithMetrics records refresh and command metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator runs refresh cycles against the API and publishes snapshots.
type Coordinator struct {
	fetcher  Fetcher
	events   *EventBus
	registry Registry
	metrics  *Metrics
	logger   *slog.Logger
	config   Config

	snap    atomic.Pointer[Snapshot]
	state   atomic.Int32
	running atomic.Bool
	// patchMu serializes snapshot replacement between the merge step and
	// command patches.
	patchMu sync.Mutex

	lastMu sync.Mutex
	last   RefreshResult

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a coordinator. No request is made until Start or Refresh.
func New(fetcher Fetcher, cfg Config, events *EventBus, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 4
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = time.Minute
	}
	c := &Coordinator{
		fetcher: fetcher,
		events:  events,
		logger:  logger.With("component", "coordinator"),
		config:  cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(c.seedSnapshot())
	return c
}

// Start runs the first refresh synchronously and, if it succeeds, starts
// the periodic refresh loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("first refresh: %w", err)
	}

	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx)
	c.logger.Info("coordinator started", "interval", c.config.Interval, "devices", len(c.Snapshot().Devices))
	return nil
}

// Stop ends the refresh loop and waits for it. A scheduled cycle in flight
// is not cancelled; Stop returns once it has finished or failed.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			// A cycle started here runs to completion even if Stop is called
			// meanwhile; every request it makes carries its own timeout.
			if err := c.Refresh(context.WithoutCancel(ctx)); errors.Is(err, ErrRefreshInProgress) {
				c.logger.Debug("scheduled refresh skipped, previous cycle still running")
			}
		}
	}
}

// Refresh runs one cycle. Overlapping calls return ErrRefreshInProgress
// without waiting.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.refreshSkipped()
		return ErrRefreshInProgress
	}
	defer c.running.Store(false)

	start := c.now()
	err := c.refresh(ctx)
	c.recordResult(start, err)
	return err
}

func (c *Coordinator) refresh(ctx context.Context) error {
	c.setState(StateFetching)

	summaries, degraded, err := c.fetcher.ListDevices(ctx)
	if err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("refresh: %w", err)
	}

	results := c.fetchAll(ctx, summaries)
	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("refresh cancelled: %w", err)
	}

	c.setState(StateMerging)
	c.patchMu.Lock()
	prev := c.snap.Load()
	now := c.now()
	devices, merged := reconcile(prev, results, now)
	if len(summaries) > 0 && merged == 0 {
		c.patchMu.Unlock()
		c.setState(StateIdle)
		return fmt.Errorf("%w (%d devices): %w", ErrAllDevicesFailed, len(summaries), results[0].err)
	}
	next := &Snapshot{
		Devices:  devices,
		Seq:      prev.Seq + 1,
		Revision: prev.Revision + 1,
		At:       now,
		Degraded: degraded,
	}
	c.snap.Store(next)
	c.patchMu.Unlock()
	c.setState(StatePublished)

	available, unavailable, removed := next.Counts()
	c.logger.Debug("snapshot published", "seq", next.Seq, "available", available, "unavailable", unavailable, "removed", removed)
	c.metrics.setDevices(available, unavailable, removed)

	for _, tr := range transitions(prev, next) {
		c.logTransition(tr)
		c.events.Emit(Event{Type: tr.typ, Data: DevicePayload{
			DeviceID: tr.rec.ID(),
			Name:     tr.rec.Name(),
		}})
	}
	c.persist(next)
	c.events.Emit(Event{Type: EventSnapshotPublished, Data: SnapshotPayload{
		Seq:         next.Seq,
		Available:   available,
		Unavailable: unavailable,
		Removed:     removed,
	}})
	return nil
}

// fetchAll fetches detail and status for every summary with bounded
// parallelism. Each goroutine writes only its own slot.
func (c *Coordinator) fetchAll(ctx context.Context, summaries []plantsip.DeviceSummary) []deviceResult {
	results := make([]deviceResult, len(summaries))
	var g errgroup.Group
	g.SetLimit(c.config.MaxParallel)
	for i, s := range summaries {
		g.Go(func() error {
			results[i] = c.fetchDevice(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) fetchDevice(ctx context.Context, s plantsip.DeviceSummary) (res deviceResult) {
	res.summary = s
	ctx, cancel := context.WithTimeout(ctx, c.config.DeviceTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("device %s: panic: %v", s.ID, r)
		}
		if res.err != nil {
			c.metrics.deviceFailed()
			c.logger.Warn("device refresh failed", "device", s.ID, "err", res.err)
		}
	}()

	dev, err := c.fetcher.GetDevice(ctx, s.ID)
	if err != nil {
		res.err = err
		return res
	}
	if dev == nil || dev.ID == "" {
		res.err = fmt.Errorf("device %s: detail has no id", s.ID)
		return res
	}
	st, err := c.fetcher.GetDeviceStatus(ctx, s.ID)
	if err != nil {
		res.err = err
		return res
	}
	if st == nil {
		res.err = fmt.Errorf("device %s: empty status", s.ID)
		return res
	}
	res.device, res.status = dev, st
	return res
}

func (c *Coordinator) recordResult(start time.Time, err error) {
	c.lastMu.Lock()
	c.last.At = start
	c.last.Duration = c.now().Sub(start)
	c.last.Err = err
	c.last.Success = err == nil
	if err == nil {
		c.last.ConsecutiveFailures = 0
	} else {
		c.last.ConsecutiveFailures++
	}
	res := c.last
	c.lastMu.Unlock()

	c.metrics.refreshDone(res)
	if err == nil {
		return
	}
	if res.ConsecutiveFailures >= MaxConsecutiveFailures {
		c.logger.Warn("refresh failing repeatedly", "failures", res.ConsecutiveFailures, "err", err)
	} else {
		c.logger.Error("refresh failed", "err", err)
	}
	c.events.Emit(Event{Type: EventRefreshFailed, Data: RefreshFailedPayload{
		Error:               err.Error(),
		ConsecutiveFailures: res.ConsecutiveFailures,
		Auth:                errors.Is(err, plantsip.ErrAuth),
	}})
}

func (c *Coordinator) logTransition(tr transition) {
	switch tr.typ {
	case EventDeviceUnavailable:
		c.logger.Warn("device unavailable", "device", tr.rec.ID(), "name", tr.rec.Name())
	case EventDeviceRemoved:
		c.logger.Info("device removed", "device", tr.rec.ID(), "name", tr.rec.Name())
	default:
		c.logger.Info("device available", "device", tr.rec.ID(), "name", tr.rec.Name())
	}
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the current refresh state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Snapshot returns the last published snapshot. It never blocks and never
// returns nil.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Ready reports whether a refresh cycle has completed.
func (c *Coordinator) Ready() bool {
	return c.snap.Load().Seq > 0
}

// Subscribe calls fn with every newly published snapshot. It returns an
// unsubscribe function.
func (c *Coordinator) Subscribe(fn func(*Snapshot)) func() {
	return c.events.On(EventSnapshotPublished, func(Event) {
		fn(c.Snapshot())
	})
}

// LastRefresh returns the result of the most recent cycle.
func (c *Coordinator) LastRefresh() RefreshResult {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return c.config
}
