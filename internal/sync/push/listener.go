// Package push listens on the portal's websocket for change hints. A hint
// only prompts a sync pass; it carries no data the engine relies on.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/sync/queue"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
)

// Hint is a server notification that remote state changed.
type Hint struct {
	Type       string          `json:"type"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Config holds listener settings.
type Config struct {
	// URL is the websocket endpoint. http(s) URLs are dialed as ws(s).
	URL    string
	Tokens remote.TokenSource

	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) setDefaults() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 2 * time.Minute
	}
}

// Listener keeps a websocket connection open and reports each message as a Hint.
type Listener struct {
	url     string
	config  Config
	dialer  *websocket.Dialer
	backoff queue.Backoff
	onHint  func(Hint)
	log     *logging.Logger

	mu        sync.Mutex
	connected bool
	attempts  int
}

// NewListener creates a Listener. onHint is called on the listener goroutine.
func NewListener(cfg Config, onHint func(Hint), logger *logging.Logger) (*Listener, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, errs.Newf(errs.ErrInvalid, "invalid push url %q", cfg.URL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errs.Newf(errs.ErrInvalid, "unsupported push url scheme %q", u.Scheme)
	}
	cfg.setDefaults()
	if logger == nil {
		logger = logging.Get()
	}
	return &Listener{
		url:     u.String(),
		config:  cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.WriteWait, Proxy: http.ProxyFromEnvironment},
		backoff: queue.Backoff{Base: cfg.ReconnectMin, Max: cfg.ReconnectMax},
		onHint:  onHint,
		log:     logger.With(logging.Fields{"component": "push"}),
	}, nil
}

// Connected reports whether a connection is currently open.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Run connects and reconnects with capped backoff until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		l.mu.Lock()
		l.attempts++
		delay := l.backoff.Delay(l.attempts, queue.Hint{})
		l.mu.Unlock()

		l.log.Warn("Push connection lost, reconnecting", logging.Fields{
			"error": errText(err), "delay": delay.String(),
		})
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (l *Listener) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	if l.config.Tokens != nil {
		token, err := l.config.Tokens.Token(ctx)
		if err != nil {
			return errs.Wrap(errs.ErrSyncAuthFailed, "failed to obtain bearer token", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	l.mu.Lock()
	l.connected = true
	l.attempts = 0
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
	}()
	l.log.Info("Push connection established", logging.Fields{"url": l.url})

	done := make(chan struct{})
	defer close(done)
	go l.pingLoop(ctx, conn, done)

	conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
		l.dispatch(message)
	}
}

// pingLoop keeps the connection alive and closes it when ctx ends.
func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(l.config.WriteWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.config.WriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (l *Listener) dispatch(message []byte) {
	var h Hint
	if err := json.Unmarshal(message, &h); err != nil || h.Type == "" {
		h = Hint{Type: "changed"}
	}
	switch strings.ToLower(h.Type) {
	case "ping", "pong", "ack":
		return
	}
	l.log.Debug("Push hint received", logging.Fields{"type": h.Type, "entity_type": h.EntityType})
	if l.onHint != nil {
		l.onHint(h)
	}
}

func errText(err error) string {
	if err == nil {
		return "closed by server"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}
