package platform

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ProbeObserver derives connectivity from periodic HTTP health probes.
type ProbeObserver struct {
	url      string
	interval time.Duration
	client   *http.Client
	clock    Clock

	mu      sync.Mutex
	online  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	b       broadcaster
}

// NewProbeObserver creates an observer probing url every interval. It assumes online until the first probe.
func NewProbeObserver(url string, interval time.Duration, client *http.Client, clock Clock) *ProbeObserver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ProbeObserver{url: url, interval: interval, client: client, clock: clock, online: true}
}

// Online reports the result of the latest probe.
func (p *ProbeObserver) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe registers fn for future events.
func (p *ProbeObserver) Subscribe(fn func(Event)) func() {
	return p.b.subscribe(fn)
}

// Start probes once immediately and then on every tick until Stop or ctx is done.
func (p *ProbeObserver) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.Probe(ctx)

	ticker := p.clock.NewTicker(p.interval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				p.Probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe loop to exit.
func (p *ProbeObserver) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Probe performs one health check and publishes a transition if the state changed.
func (p *ProbeObserver) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if ctx.Err() != nil {
		return p.Online()
	}

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if changed {
		if online {
			p.b.publish(Event{Kind: EventOnline})
		} else {
			p.b.publish(Event{Kind: EventOffline})
		}
	}
	return online
}

func (p *ProbeObserver) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

var (
	_ LifecycleObserver = (*ManualObserver)(nil)
	_ LifecycleObserver = (*ProbeObserver)(nil)
	_ Clock             = SystemClock{}
)
