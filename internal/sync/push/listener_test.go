package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
)

func TestNewListener_url(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://portal.local/ws", "ws://portal.local/ws", false},
		{"https://portal.example.sg/api/push", "wss://portal.example.sg/api/push", false},
		{"http://localhost:8080/ws", "ws://localhost:8080/ws", false},
		{"ftp://portal.local/ws", "", true},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		l, err := NewListener(Config{URL: tt.in}, nil, logging.Discard())
		if tt.wantErr {
			if !errs.Is(err, errs.ErrInvalid) {
				t.Errorf("NewListener(%q) error = %v, want INVALID_INPUT", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewListener(%q) failed: %v", tt.in, err)
		}
		if l.url != tt.want {
			t.Errorf("url = %q, want %q", l.url, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}
	c.setDefaults()
	if c.PongWait != 60*time.Second || c.PingPeriod != 54*time.Second {
		t.Errorf("PongWait = %v, PingPeriod = %v", c.PongWait, c.PingPeriod)
	}
	if c.ReconnectMin != time.Second || c.ReconnectMax != 2*time.Minute {
		t.Errorf("ReconnectMin = %v, ReconnectMax = %v", c.ReconnectMin, c.ReconnectMax)
	}
}

func TestListener_hintsAndReconnect(t *testing.T) {
	var connections atomic.Int32
	var auth atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"document_changed","entity_type":"document","entity_id":"d1"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`refresh`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(20 * time.Millisecond)
	}))
	defer srv.Close()

	hints := make(chan Hint, 16)
	l, err := NewListener(Config{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		Tokens:       remote.TokenFunc(func(context.Context) (string, error) { return "push-token", nil }),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, func(h Hint) { hints <- h }, logging.Discard())
	if err != nil {
		t.Fatalf("NewListener() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	var got []Hint
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case h := <-hints:
			got = append(got, h)
		case <-timeout:
			t.Fatalf("timed out with hints %+v", got)
		}
	}
	cancel()
	if err := <-runDone; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}

	if got[0].Type != "document_changed" || got[0].EntityID != "d1" {
		t.Errorf("first hint = %+v", got[0])
	}
	if got[1].Type != "changed" {
		t.Errorf("non-JSON message hint = %+v, want type changed", got[1])
	}
	if connections.Load() < 2 {
		t.Errorf("connections = %d, want a reconnect", connections.Load())
	}
	if auth.Load() != "Bearer push-token" {
		t.Errorf("Authorization = %v", auth.Load())
	}
}

func TestListener_stopsWhileWaitingToReconnect(t *testing.T) {
	l, err := NewListener(Config{URL: "ws://127.0.0.1:1/ws", ReconnectMin: time.Hour}, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewListener() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := l.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Run() did not return promptly after cancellation")
	}
	if l.Connected() {
		t.Error("Connected() = true with no server")
	}
}
