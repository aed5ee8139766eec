package channel

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prappser/prappser_uploader/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

// newTestPush serves onConn for every websocket connection and returns a
// client dialing it.
func newTestPush(t *testing.T, onConn func(n int, conn *websocket.Conn, ctx *fasthttp.RequestCtx)) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	var count int32
	upgrader := websocket.FastHTTPUpgrader{
		CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
	}
	server := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		n := int(atomic.AddInt32(&count, 1))
		_ = upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			onConn(n, conn, ctx)
		})
	}}
	go server.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
	client := NewClient(Config{
		URL:            "ws://push.test/ws",
		ReconnectDelay: 10 * time.Millisecond,
	}, auth.NewTokenSession("token-1"), dialer)
	t.Cleanup(func() { client.Close() })
	return client
}

// holdOpen blocks until the peer goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-client.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestClient_ShouldDeliverEventsInArrivalOrder(t *testing.T) {
	// given
	var token string
	client := newTestPush(t, func(n int, conn *websocket.Conn, ctx *fasthttp.RequestCtx) {
		token = string(ctx.QueryArgs().Peek("token"))
		_ = conn.WriteJSON(&Frame{Type: MessageTypeWelcome, SocketID: "s1"})
		_ = conn.WriteJSON(&Frame{Type: MessageTypeVideoProgress, VideoID: "v1", Status: StatusProcessing})
		_ = conn.WriteJSON(&Frame{Type: MessageTypeVideoProgress, VideoID: "v1", Resolution: "144p", Progress: floatPtr(50)})
		_ = conn.WriteJSON(&Frame{Type: MessageTypeError, Message: "transcoder crashed"})
		holdOpen(conn)
	})

	// when
	client.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := client.SessionID(ctx)

	// then
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, Welcome{SessionID: "s1"}, nextEvent(t, client))
	assert.Equal(t, StageHint{VideoID: "v1", Status: StatusProcessing}, nextEvent(t, client))
	assert.Equal(t, ResolutionProgress{VideoID: "v1", Resolution: "144p", Progress: 50}, nextEvent(t, client))
	assert.Equal(t, Error{Message: "transcoder crashed"}, nextEvent(t, client))
	assert.Equal(t, "token-1", token)
}

func TestClient_ShouldReconnectWithNewSession(t *testing.T) {
	// given
	client := newTestPush(t, func(n int, conn *websocket.Conn, ctx *fasthttp.RequestCtx) {
		if n == 1 {
			_ = conn.WriteJSON(&Frame{Type: MessageTypeWelcome, SocketID: "first"})
			return
		}
		_ = conn.WriteJSON(&Frame{Type: MessageTypeWelcome, SocketID: "second"})
		holdOpen(conn)
	})

	// when
	client.Start(context.Background())

	// then
	assert.Equal(t, Welcome{SessionID: "first"}, nextEvent(t, client))
	assert.Equal(t, Welcome{SessionID: "second"}, nextEvent(t, client))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := client.SessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", id)
}

func TestClient_Close_ShouldCloseEventsAndUnblockSessionID(t *testing.T) {
	// given
	client := newTestPush(t, func(n int, conn *websocket.Conn, ctx *fasthttp.RequestCtx) {
		holdOpen(conn)
	})
	client.Start(context.Background())

	// when
	require.NoError(t, client.Close())

	// then
	_, ok := <-client.Events()
	assert.False(t, ok)
	_, err := client.SessionID(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_Close_ShouldWorkWithoutStart(t *testing.T) {
	client := NewClient(Config{URL: "ws://push.test/ws"}, nil, nil)

	assert.NoError(t, client.Close())
	_, ok := <-client.Events()
	assert.False(t, ok)
}

func TestClient_SessionID_ShouldHonourContext(t *testing.T) {
	client := NewClient(Config{URL: "ws://push.test/ws"}, nil, nil)
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.SessionID(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  []Event
	}{
		{
			name:  "welcome",
			frame: Frame{Type: MessageTypeWelcome, SocketID: "s1"},
			want:  []Event{Welcome{SessionID: "s1"}},
		},
		{
			name:  "welcome without id",
			frame: Frame{Type: MessageTypeWelcome},
			want:  nil,
		},
		{
			name:  "resolution without progress is ignored",
			frame: Frame{Type: MessageTypeVideoProgress, Resolution: "144p"},
			want:  nil,
		},
		{
			name:  "completed hint comes after resolution and segments",
			frame: Frame{Type: MessageTypeVideoProgress, VideoID: "v1", Resolution: "1080p", Progress: floatPtr(100), Status: StatusCompleted, SegmentsUploaded: intPtr(4), SegmentsTotal: intPtr(4)},
			want: []Event{
				ResolutionProgress{VideoID: "v1", Resolution: "1080p", Progress: 100},
				SegmentProgress{VideoID: "v1", Uploaded: 4, Total: 4},
				StageHint{VideoID: "v1", Status: StatusCompleted},
			},
		},
		{
			name:  "uploading hint comes before segments",
			frame: Frame{Type: MessageTypeVideoProgress, Status: StatusUploading, SegmentsUploaded: intPtr(1), SegmentsTotal: intPtr(9)},
			want: []Event{
				StageHint{Status: StatusUploading},
				SegmentProgress{Uploaded: 1, Total: 9},
			},
		},
		{
			name:  "error without message",
			frame: Frame{Type: MessageTypeError},
			want:  []Event{Error{Message: "processing failed"}},
		},
		{
			name:  "unknown type",
			frame: Frame{Type: "pong"},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(&tt.frame))
		})
	}
}
