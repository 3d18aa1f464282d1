// Package scheduler starts sync passes when connectivity or lifecycle
// conditions make one worthwhile.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	syncpkg "github.com/sglegalhelp/offlinesync/internal/sync"
)

// Trigger names what started a sync pass.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerOnline   Trigger = "online"
	TriggerVisible  Trigger = "visible"
	TriggerPeriodic Trigger = "periodic"
	TriggerPush     Trigger = "push"
)

// Syncer runs a sync pass.
type Syncer interface {
	TriggerSync(ctx context.Context) *syncpkg.SyncResult
}

// Scheduler watches connectivity and lifecycle events and triggers passes.
// It never queues passes; overlapping triggers are dropped by the engine.
type Scheduler struct {
	engine       Syncer
	observer     platform.LifecycleObserver
	clock        platform.Clock
	log          *logging.Logger
	syncInterval time.Duration
	syncOnStart  bool

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	isRunning   bool
	unsubscribe func()
	lastTrigger Trigger
	lastTime    time.Time
	lastResult  *syncpkg.SyncResult
	triggers    map[Trigger]int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// SyncInterval is the period of background passes while online. Zero disables them.
	SyncInterval time.Duration
	// SyncOnStart triggers a pass from Start when online.
	SyncOnStart bool
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		SyncOnStart:  true,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Syncer, observer platform.LifecycleObserver, clock platform.Clock, config *SchedulerConfig, logger *logging.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if clock == nil {
		clock = platform.SystemClock{}
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Scheduler{
		engine:       engine,
		observer:     observer,
		clock:        clock,
		log:          logger.With(logging.Fields{"component": "scheduler"}),
		syncInterval: config.SyncInterval,
		syncOnStart:  config.SyncOnStart,
		triggers:     make(map[Trigger]int),
	}
}

// Start subscribes to lifecycle events and starts the periodic ticker.
// Passes run with ctx until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx = ctx
	s.stopCh = make(chan struct{})
	s.unsubscribe = s.observer.Subscribe(s.onEvent)

	var ticker platform.Ticker
	if s.syncInterval > 0 {
		ticker = s.clock.NewTicker(s.syncInterval)
		s.wg.Add(1)
		go s.periodicSyncLoop(ctx, ticker, s.stopCh)
	}
	s.mu.Unlock()

	s.log.Info("Sync scheduler started", logging.Fields{"interval": s.syncInterval.String()})

	if s.syncOnStart && s.observer.Online() {
		s.spawn(TriggerStart)
	}
}

// Stop removes the subscriptions and the ticker and waits for triggered passes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	s.log.Info("Sync scheduler stopped")
}

// Notify reports a server hint that remote state changed.
func (s *Scheduler) Notify() {
	if !s.observer.Online() {
		return
	}
	s.spawn(TriggerPush)
}

func (s *Scheduler) onEvent(ev platform.Event) {
	switch ev.Kind {
	case platform.EventOnline:
		s.log.Info("Connectivity restored")
		s.spawn(TriggerOnline)
	case platform.EventVisible:
		if s.observer.Online() {
			s.spawn(TriggerVisible)
		}
	case platform.EventOffline:
		s.log.Info("Connectivity lost")
	}
}

// spawn runs a pass off the caller's goroutine so observers are never blocked.
func (s *Scheduler) spawn(trigger Trigger) {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runSync(trigger)
	}()
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, ticker platform.Ticker, stopCh <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C():
			if !s.observer.Online() {
				continue
			}
			s.runSync(TriggerPeriodic)
		}
	}
}

func (s *Scheduler) runSync(trigger Trigger) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	result := s.engine.TriggerSync(ctx)

	s.mu.Lock()
	s.lastTrigger = trigger
	s.lastTime = s.clock.Now()
	s.lastResult = result
	s.triggers[trigger]++
	s.mu.Unlock()

	if result != nil && result.Skipped {
		s.log.Debug("Triggered sync skipped", logging.Fields{"trigger": trigger, "reason": result.SkipReason})
	}
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool                `json:"is_running"`
	IsOnline        bool                `json:"is_online"`
	SyncInterval    time.Duration       `json:"sync_interval"`
	LastTrigger     Trigger             `json:"last_trigger,omitempty"`
	LastTriggerTime *time.Time          `json:"last_trigger_time,omitempty"`
	LastResult      *syncpkg.SyncResult `json:"last_result,omitempty"`
	Triggers        map[Trigger]int     `json:"triggers"`
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:    s.isRunning,
		IsOnline:     s.observer.Online(),
		SyncInterval: s.syncInterval,
		LastTrigger:  s.lastTrigger,
		LastResult:   s.lastResult,
		Triggers:     make(map[Trigger]int, len(s.triggers)),
	}
	if !s.lastTime.IsZero() {
		t := s.lastTime
		status.LastTriggerTime = &t
	}
	for k, v := range s.triggers {
		status.Triggers[k] = v
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
