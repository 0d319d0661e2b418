package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/parking"
)

func testLot() *data.ChannelLot {
	lot := &data.ChannelLot{NVRIP: "10.0.0.5", ParkingName: "North Lot"}
	lot.ChannelCode = "1_1"
	return lot
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		got := len(hub.clients)
		hub.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never registered")
}

func TestHubBroadcastsChanges(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	arrive := data.ChangeArrive
	change := &data.ParkingChange{
		SpaceID: 5, SpaceName: "A1", ScreenshotID: 40,
		CurrOccupied: true, ChangeType: &arrive,
		DetectedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, hub.PublishChange(testLot(), change))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event parking.ChangeEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, data.ChangeArrive, event.Type)
	assert.Equal(t, "A1", event.SpaceName)
	assert.Equal(t, "1_1", event.ChannelCode)
	assert.NotEmpty(t, event.EventID)
}

func TestHubSkipsNullChanges(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	require.NoError(t, hub.PublishChange(testLot(), &data.ParkingChange{SpaceID: 5, CurrOccupied: true}))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no event is delivered for a null transition")
}
