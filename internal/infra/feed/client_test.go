package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/observability"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []orb.Event
}

func (d *recordingDispatcher) Dispatch(ev orb.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) snapshot() []orb.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]orb.Event(nil), d.events...)
}

type fakeServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	frames chan []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4), frames: make(chan []byte, 16)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			fs.frames <- data
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func startClient(t *testing.T, url string, d Dispatcher) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: url, MaxBackoff: 200 * time.Millisecond}, d, observability.Noop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client
}

func TestClientDispatchesInboundEvents(t *testing.T) {
	srv := newFakeServer(t)
	dispatcher := new(recordingDispatcher)
	client := startClient(t, srv.wsURL(), dispatcher)
	conn := srv.accept(t)
	<-client.Ready()

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"room_snapshot","data":{"playerId":"p1","balance":100000,"sequence":5}}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"balance_delta","data":{"playerId":"p1","delta":-50,"kind":"bet","txId":"t1"}}`)))

	require.Eventually(t, func() bool { return len(dispatcher.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	events := dispatcher.snapshot()
	require.Equal(t, orb.RoomSnapshot{Player: "p1", Balance: 100000, Sequence: orb.SequenceOf(5)}, events[0])
	require.Equal(t, orb.BalanceDelta{Player: "p1", Delta: -50, Kind: "bet", TxID: "t1"}, events[1])
}

func TestClientSendsActionFrames(t *testing.T) {
	srv := newFakeServer(t)
	client := startClient(t, srv.wsURL(), new(recordingDispatcher))
	srv.accept(t)
	<-client.Ready()
	require.True(t, client.Connected())

	frame := orb.ActionFrame{Action: orb.ActionPlaceBet, TxID: "tx-1", Player: "p1", Kind: orb.KindBet, Delta: -10, Sequence: 3}
	require.NoError(t, client.Send(context.Background(), frame))

	select {
	case raw := <-srv.frames:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		require.Equal(t, TypeAction, env.Type)
		var got orb.ActionFrame
		require.NoError(t, json.Unmarshal(env.Data, &got))
		require.Equal(t, frame, got)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not received")
	}

	require.NoError(t, client.Notify(context.Background(), orb.Anomaly{Type: orb.AnomalySplitTrade, Player: "p1"}))
	select {
	case raw := <-srv.frames:
		require.Contains(t, string(raw), `"type":"anomaly"`)
	case <-time.After(5 * time.Second):
		t.Fatal("anomaly not received")
	}
}

func TestClientReconnectsAfterServerClose(t *testing.T) {
	srv := newFakeServer(t)
	client := startClient(t, srv.wsURL(), new(recordingDispatcher))
	first := srv.accept(t)
	require.NoError(t, first.Close(websocket.StatusGoingAway, "restart"))

	srv.accept(t)
	require.Eventually(t, client.Connected, 5*time.Second, 10*time.Millisecond)
}

func TestSendWithoutConnection(t *testing.T) {
	client, err := NewClient(Config{URL: "ws://127.0.0.1:1/feed"}, new(recordingDispatcher), nil)
	require.NoError(t, err)
	require.ErrorIs(t, client.Send(context.Background(), orb.ActionFrame{TxID: "x"}), ErrNotConnected)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{}, new(recordingDispatcher), nil)
	require.Error(t, err)
	_, err = NewClient(Config{URL: "ws://x"}, nil, nil)
	require.Error(t, err)
}
