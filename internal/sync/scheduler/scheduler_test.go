package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	"github.com/sglegalhelp/offlinesync/internal/platform/platformtest"
	syncpkg "github.com/sglegalhelp/offlinesync/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeSyncer records passes and reports each on calls.
type fakeSyncer struct {
	mu    sync.Mutex
	count int
	calls chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: make(chan struct{}, 16)}
}

func (f *fakeSyncer) TriggerSync(ctx context.Context) *syncpkg.SyncResult {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	f.calls <- struct{}{}
	return &syncpkg.SyncResult{}
}

func (f *fakeSyncer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func waitForSync(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sync pass")
	}
}

func expectNoSync(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.calls:
		t.Fatal("unexpected sync pass")
	case <-time.After(50 * time.Millisecond):
	}
}

func createTestScheduler(t *testing.T, online bool, cfg *SchedulerConfig) (*Scheduler, *fakeSyncer, *platform.ManualObserver, *platformtest.Clock) {
	t.Helper()
	syncer := newFakeSyncer()
	observer := platform.NewManualObserver(online)
	clock := platformtest.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	if cfg == nil {
		cfg = &SchedulerConfig{SyncInterval: time.Minute}
	}
	s := NewScheduler(syncer, observer, clock, cfg, logging.Discard())
	t.Cleanup(s.Stop)
	return s, syncer, observer, clock
}

// =====================================================
// Configuration
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", config.SyncInterval)
	}
	if !config.SyncOnStart {
		t.Error("SyncOnStart = false, want true")
	}
}

func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(newFakeSyncer(), platform.NewManualObserver(true), nil, nil, nil)
	if s.syncInterval != 15*time.Minute {
		t.Errorf("syncInterval = %v, want 15m", s.syncInterval)
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Start / Stop
// =====================================================

func TestStart_syncOnStart(t *testing.T) {
	s, syncer, _, _ := createTestScheduler(t, true, &SchedulerConfig{SyncInterval: time.Minute, SyncOnStart: true})
	s.Start(context.Background())
	waitForSync(t, syncer)

	s.Stop()
	st := s.Status()
	if st.Triggers[TriggerStart] != 1 || st.LastTrigger != TriggerStart || st.LastTriggerTime == nil {
		t.Errorf("status = %+v, want one start trigger", st)
	}
}

func TestStart_offlineSkipsInitialSync(t *testing.T) {
	s, syncer, _, _ := createTestScheduler(t, false, &SchedulerConfig{SyncInterval: time.Minute, SyncOnStart: true})
	s.Start(context.Background())
	expectNoSync(t, syncer)
}

func TestStart_idempotent(t *testing.T) {
	s, _, _, _ := createTestScheduler(t, true, nil)
	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// =====================================================
// Triggers
// =====================================================

func TestOnlineTransitionTriggersSync(t *testing.T) {
	s, syncer, observer, _ := createTestScheduler(t, false, nil)
	s.Start(context.Background())

	observer.SetOnline(true)
	waitForSync(t, syncer)

	observer.SetOnline(false)
	expectNoSync(t, syncer)
}

func TestVisibleTriggersSyncOnlyWhenOnline(t *testing.T) {
	s, syncer, observer, _ := createTestScheduler(t, true, nil)
	s.Start(context.Background())

	observer.SetVisible(false)
	expectNoSync(t, syncer)
	observer.SetVisible(true)
	waitForSync(t, syncer)

	observer.SetOnline(false)
	observer.SetVisible(true)
	expectNoSync(t, syncer)
}

func TestPeriodicTicker(t *testing.T) {
	s, syncer, observer, clock := createTestScheduler(t, true, nil)
	s.Start(context.Background())

	clock.Advance(time.Minute)
	waitForSync(t, syncer)

	observer.SetOnline(false)
	clock.Advance(time.Minute)
	expectNoSync(t, syncer)

	if got := s.Status().Triggers[TriggerPeriodic]; got != 1 {
		t.Errorf("periodic triggers = %d, want 1", got)
	}
}

func TestPeriodicDisabled(t *testing.T) {
	s, syncer, _, clock := createTestScheduler(t, true, &SchedulerConfig{})
	s.Start(context.Background())
	clock.Advance(time.Hour)
	expectNoSync(t, syncer)
}

func TestNotify(t *testing.T) {
	s, syncer, observer, _ := createTestScheduler(t, true, nil)

	s.Notify()
	expectNoSync(t, syncer)

	s.Start(context.Background())
	s.Notify()
	waitForSync(t, syncer)

	observer.SetOnline(false)
	s.Notify()
	expectNoSync(t, syncer)
}

func TestStopRemovesSubscriptions(t *testing.T) {
	s, syncer, observer, clock := createTestScheduler(t, false, nil)
	s.Start(context.Background())
	s.Stop()

	observer.SetOnline(true)
	clock.Advance(time.Hour)
	expectNoSync(t, syncer)
	if syncer.Count() != 0 {
		t.Errorf("passes after Stop = %d, want 0", syncer.Count())
	}
}
