package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/meetnote/internal/hub"
)

func dialObserver(t *testing.T, size int) (*websocket.Conn, *wsObserver) {
	t.Helper()
	obsCh := make(chan *wsObserver, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// The writer is started by the test so the queue can be filled first.
		obsCh <- buildWSObserver(conn, "m1", size)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	select {
	case obs := <-obsCh:
		return client, obs
	case <-time.After(5 * time.Second):
		t.Fatal("observer not created")
		return nil, nil
	}
}

func TestSlowObserverIsEvictedAndClosed(t *testing.T) {
	client, obs := dialObserver(t, 1)
	h := hub.New()
	h.Register("m1", obs, "slow-client")

	delivered, failed := h.Broadcast("m1", hub.Status("m1", "processing", "transcribing"))
	require.Equal(t, 1, delivered)
	require.Zero(t, failed)
	delivered, failed = h.Broadcast("m1", hub.Status("m1", "processing", "diarizing"))
	require.Zero(t, delivered)
	require.Equal(t, 1, failed)
	require.Zero(t, h.Count("m1"))

	go obs.writeLoop()
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev hub.Event
	require.NoError(t, client.ReadJSON(&ev))
	require.Equal(t, hub.EventStatus, ev.Type)
	require.Equal(t, "transcribing", ev.Message)

	require.NoError(t, client.ReadJSON(&ev))
	require.Equal(t, hub.EventError, ev.Type)
	require.Equal(t, "m1", ev.MeetingID)
	require.Contains(t, ev.Error, "too slow")

	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)

	obs.Close()
	require.ErrorIs(t, obs.Send(hub.Status("m1", "processing", "late")), errObserverClosed)
}

func TestObserverCloseFlushesQueue(t *testing.T) {
	client, obs := dialObserver(t, 4)
	require.NoError(t, obs.Send(hub.Status("m1", "completed", "done")))
	go obs.writeLoop()
	obs.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev hub.Event
	require.NoError(t, client.ReadJSON(&ev))
	require.Equal(t, "completed", ev.Status)
	_, _, err := client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
