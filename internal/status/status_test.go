package status

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/metrics"
	"github.com/tinoosan/mirrord/internal/task"
)

func TestMultiPublishesInOrder(t *testing.T) {
	var got []string
	m := Multi{
		PublisherFunc(func(_ context.Context, u Update) { got = append(got, "a:"+u.MID) }),
		nil,
		PublisherFunc(func(_ context.Context, u Update) { got = append(got, "b:"+u.MID) }),
	}
	m.Publish(context.Background(), Update{MID: "x"})
	if strings.Join(got, ",") != "a:x,b:x" {
		t.Fatalf("got %v", got)
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(nil, 1)
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	before := testutil.ToFloat64(metrics.StatusDropped)
	h.Publish(context.Background(), Update{MID: "1"})
	h.Publish(context.Background(), Update{MID: "2"})
	if got := testutil.ToFloat64(metrics.StatusDropped) - before; got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	if u := <-ch; u.MID != "1" {
		t.Fatalf("first update = %s", u.MID)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(nil, 0)
	ch, unsubscribe := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
	// publishing with no subscribers is fine
	h.Publish(context.Background(), Update{MID: "x"})
}

func TestHubWebsocket(t *testing.T) {
	h := NewHub(nil, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(ctx, Update{MID: "m1", Kind: engine.KindNZB, State: task.StateComplete})
	var u Update
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read: %v", err)
	}
	if u.MID != "m1" || u.State != task.StateComplete || u.Kind != engine.KindNZB {
		t.Fatalf("unexpected update %#v", u)
	}
}
