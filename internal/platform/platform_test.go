package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =====================================================
// ManualObserver Tests
// =====================================================

func TestManualObserver_transitions(t *testing.T) {
	obs := NewManualObserver(false)

	var mu sync.Mutex
	var got []EventKind
	unsub := obs.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	})

	obs.SetOnline(false) // no transition
	obs.SetOnline(true)
	obs.SetOnline(true) // no transition
	obs.SetVisible(false)
	obs.SetVisible(true)
	obs.SetVisible(true)
	obs.SetOnline(false)

	want := []EventKind{EventOnline, EventHidden, EventVisible, EventVisible, EventOffline}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if obs.Online() {
		t.Error("Online() = true, want false")
	}

	unsub()
	obs.SetOnline(true)
	if len(got) != len(want) {
		t.Errorf("received %d events after unsubscribe, want %d", len(got), len(want))
	}
}

// =====================================================
// ProbeObserver Tests
// =====================================================

func TestProbeObserver_Probe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := NewProbeObserver(srv.URL, time.Minute, srv.Client(), nil)
	var events []EventKind
	obs.Subscribe(func(ev Event) { events = append(events, ev.Kind) })

	ctx := context.Background()
	if !obs.Probe(ctx) {
		t.Fatal("Probe() = false, want true")
	}
	healthy.Store(false)
	if obs.Probe(ctx) {
		t.Fatal("Probe() = true, want false")
	}
	healthy.Store(true)
	obs.Probe(ctx)

	if len(events) != 2 || events[0] != EventOffline || events[1] != EventOnline {
		t.Errorf("events = %v, want [offline online]", events)
	}
}

func TestProbeObserver_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	obs := NewProbeObserver(url, time.Minute, nil, nil)
	if obs.Probe(context.Background()) {
		t.Error("Probe() against closed server = true, want false")
	}
	if obs.Online() {
		t.Error("Online() = true, want false")
	}
}

func TestProbeObserver_StartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	obs := NewProbeObserver(srv.URL, time.Hour, srv.Client(), nil)
	obs.Start(context.Background())
	obs.Start(context.Background())
	obs.Stop()
	obs.Stop()

	if hits.Load() != 1 {
		t.Errorf("probe hits = %d, want 1", hits.Load())
	}
}
