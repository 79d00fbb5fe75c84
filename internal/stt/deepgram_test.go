package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type fakeProvider struct {
	auth      chan string
	keepAlive chan struct{}
}

func newFakeProvider(t *testing.T) (*fakeProvider, string) {
	f := &fakeProvider{auth: make(chan string, 4), keepAlive: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case f.auth <- r.Header.Get("Authorization"):
		default:
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()
		n := 0
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				n++
				msg := fmt.Sprintf(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"chunk %d"}]}}`, n)
				if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
					return
				}
				continue
			}
			switch {
			case strings.Contains(string(data), "KeepAlive"):
				select {
				case f.keepAlive <- struct{}{}:
				default:
				}
			case strings.Contains(string(data), "CloseStream"):
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"all done"}]}}`))
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestDeepgramConnStreamsAndFinishes(t *testing.T) {
	fake, url := newFakeProvider(t)
	conn := NewDialer(DGConfig{BaseURL: url}, "secret", zaptest.NewLogger(t)).Open(context.Background(), "s1")

	require.True(t, conn.Send([]byte{0, 1, 2, 3}))
	ev := nextEvent(t, conn.Events())
	assert.Equal(t, Event{Type: EventInterim, Text: "chunk 1"}, ev)
	assert.Equal(t, "Token secret", <-fake.auth)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Finish(ctx))

	var rest []Event
	for ev := range conn.Events() {
		rest = append(rest, ev)
	}
	require.NotEmpty(t, rest)
	assert.Equal(t, Event{Type: EventFinal, Text: "all done"}, rest[len(rest)-1])
	assert.False(t, conn.Send([]byte{1}), "send after finish is refused")
}

func TestDeepgramConnRotatesWithoutFailure(t *testing.T) {
	fake, url := newFakeProvider(t)
	conn := NewDeepgramConn(context.Background(), DGConfig{BaseURL: url}, "k", zaptest.NewLogger(t))
	conn.maxAge = 80 * time.Millisecond
	before := testutil.ToFloat64(metricRotations)
	conn.Start()
	defer conn.Close()

	var connects []time.Time
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for len(connects) < 2 {
		select {
		case <-fake.auth:
			connects = append(connects, time.Now())
		case ev := <-conn.Events():
			require.NotEqual(t, EventError, ev.Type, ev.Text)
		case <-tick.C:
			conn.Send([]byte{0, 1})
		case <-deadline:
			t.Fatalf("saw %d connections", len(connects))
		}
	}
	// a failed stream would wait out the one second backoff first
	assert.Less(t, connects[1].Sub(connects[0]), 900*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metricRotations)-before, 1.0)
}

func TestDeepgramConnKeepAlive(t *testing.T) {
	fake, url := newFakeProvider(t)
	conn := NewDeepgramConn(context.Background(), DGConfig{BaseURL: url, KeepAlive: 40 * time.Millisecond}, "", nil)
	conn.Start()
	defer conn.Close()

	select {
	case <-fake.keepAlive:
	case <-time.After(2 * time.Second):
		t.Fatal("no KeepAlive frame during silence")
	}
	assert.Equal(t, "", <-fake.auth)
}

func TestDeepgramConnCloseReleasesEvents(t *testing.T) {
	_, url := newFakeProvider(t)
	conn := NewDeepgramConn(context.Background(), DGConfig{BaseURL: url}, "k", nil)
	conn.Start()
	conn.Close()

	select {
	case <-drain(conn.Events()):
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed after Close")
	}
}

func TestDeepgramConnDialFailureEmitsError(t *testing.T) {
	conn := NewDeepgramConn(context.Background(), DGConfig{BaseURL: "ws://127.0.0.1:1/listen"}, "k", nil)
	conn.Start()
	defer conn.Close()

	ev := nextEvent(t, conn.Events())
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Text, "dial")
}

func drain(ch <-chan Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}
