package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, bus *Bus) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		unsubscribe := bus.Subscribe(conn)
		defer unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	bus := New(zerolog.Nop())
	defer bus.Close()
	_, client := newTestServer(t, bus)

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	bus.BroadcastSync("SCHEDULER", "NEWIMAGE", nil)

	client.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	require.NoError(t, client.ReadJSON(&ev))
	assert.Equal(t, "SCHEDULER", ev.Sender)
	assert.Equal(t, "NEWIMAGE", ev.Message)
}

func TestBroadcastDropsFailedSubscriber(t *testing.T) {
	bus := New(zerolog.Nop())
	defer bus.Close()
	_, client := newTestServer(t, bus)
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	client.Close()
	require.Eventually(t, func() bool {
		bus.Broadcast(Event{Sender: "X", Message: "Y"})
		return bus.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFormatBuildsEvent(t *testing.T) {
	ev := Format("DARKMANAGER", "TEMPERATURE", map[string]float64{"actual": -10})
	assert.Equal(t, "DARKMANAGER", ev.Sender)
	assert.Equal(t, "TEMPERATURE", ev.Message)
}
