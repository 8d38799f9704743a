package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(&Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServer_StatusEndpointAndSnapshot(t *testing.T) {
	s := startServer(t)
	h := NewHandler(s, nil)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h.PublishStatus(&ledgersync.Status{Activated: true, Username: "operator", Online: true, PendingDonations: 2, PendingExpenses: 1})

	resp, err = http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusData
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "operator", st.Username)
	assert.Equal(t, 2, st.PendingDonations)
	assert.Equal(t, 1, st.PendingExpenses)

	conn := dial(t, s)
	first := readMessage(t, conn)
	assert.Equal(t, MessageTypeStatus, first.Type, "new clients get the latest snapshot first")
}

func TestHandler_BroadcastsSyncOutcomes(t *testing.T) {
	s := startServer(t)
	h := NewHandler(s, nil)
	conn := dial(t, s)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	report := &ledgersync.Report{Kinds: []ledgersync.KindReport{
		{Kind: record.KindDonation, Pending: 3, Synced: 2, Failed: 1},
	}}
	h.Notify(ledgersync.Notice{
		Event:   ledgersync.EventSyncFailed,
		Message: "some records did not sync",
		Push:    report,
		Err:     errors.New("batch rejected"),
	})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeSyncFailed, msg.Type)
	var data SyncData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, 2, data.Synced)
	assert.Equal(t, 1, data.Failed)
	assert.Equal(t, "batch rejected", data.Error)

	h.Notify(ledgersync.Notice{
		Event:   ledgersync.EventPullComplete,
		Message: "pulled",
		Pull:    &ledgersync.PullReport{Cutoff: "2026-01-01"},
	})
	msg = readMessage(t, conn)
	require.Equal(t, MessageTypePullComplete, msg.Type)
	var pull PullData
	require.NoError(t, json.Unmarshal(msg.Data, &pull))
	assert.Equal(t, "2026-01-01", pull.Cutoff)
}

func TestServer_Health(t *testing.T) {
	s := startServer(t)
	dial(t, s)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["clients"])
}

func TestServer_StopDisconnectsClients(t *testing.T) {
	s := NewServer(&Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Zero(t, s.ClientCount())

	_, _, err = conn.Read(ctx)
	assert.Error(t, err)
}
