package api

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prappser/prappser_uploader/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestHTTPClient(t *testing.T, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: handler}
	go server.Serve(ln)
	t.Cleanup(func() {
		ln.Close()
	})
	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
}

func newTestClient(t *testing.T, handler fasthttp.RequestHandler) *Client {
	return NewClient(Config{BaseURL: "http://backend.test"}, auth.NewTokenSession("token-1"), newTestHTTPClient(t, handler))
}

func TestClient_Negotiate_ShouldReturnTarget(t *testing.T) {
	// given
	var got NegotiateRequest
	var authHeader string
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, NegotiatePath, string(ctx.Path()))
		assert.Equal(t, fasthttp.MethodPost, string(ctx.Method()))
		authHeader = string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"key":"k1","videoId":"v1","uploadUrl":"https://x"}`)
	})

	// when
	target, err := client.Negotiate(context.Background(), "Test", "desc")

	// then
	require.NoError(t, err)
	assert.Equal(t, &Target{Key: "k1", VideoID: "v1", UploadURL: "https://x"}, target)
	assert.Equal(t, NegotiateRequest{Title: "Test", Description: "desc"}, got)
	assert.Equal(t, "Bearer token-1", authHeader)
}

func TestClient_Negotiate_ShouldFailWithoutNetworkWhenUnauthenticated(t *testing.T) {
	// given
	var calls int32
	httpClient := newTestHTTPClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
	})
	client := NewClient(Config{BaseURL: "http://backend.test"}, auth.NewTokenSession(""), httpClient)

	// when
	_, err := client.Negotiate(context.Background(), "Test", "")

	// then
	var negErr *NegotiationError
	require.True(t, errors.As(err, &negErr))
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestClient_Negotiate_ShouldSurfaceBackendMessage(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		ctx.SetBodyString(`{"message":"upload quota exceeded"}`)
	})

	_, err := client.Negotiate(context.Background(), "Test", "")

	var negErr *NegotiationError
	require.True(t, errors.As(err, &negErr))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, fasthttp.StatusForbidden, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "upload quota exceeded")
}

func TestClient_Negotiate_ShouldRejectIncompleteTarget(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"key":"k1","videoId":""}`)
	})

	_, err := client.Negotiate(context.Background(), "Test", "")

	var negErr *NegotiationError
	require.True(t, errors.As(err, &negErr))
	assert.Equal(t, "incomplete upload target", negErr.Reason)
}

func TestClient_Negotiate_ShouldNotRetry(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	})

	_, err := client.Negotiate(context.Background(), "Test", "")

	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Schedule_ShouldSendKeyVideoAndSocket(t *testing.T) {
	// given
	var got ScheduleRequest
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, SchedulePath, string(ctx.Path()))
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})

	// when
	err := client.Schedule(context.Background(), "k1", "v1", "socket-1")

	// then
	assert.NoError(t, err)
	assert.Equal(t, ScheduleRequest{Key: "k1", VideoID: "v1", SocketID: "socket-1"}, got)
}

func TestClient_Schedule_ShouldSucceedAfterTwoFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	err := client.Schedule(context.Background(), "k1", "v1", "socket-1")

	assert.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Schedule_ShouldGiveUpAfterThreeAttempts(t *testing.T) {
	// given
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(`{"error":"unknown key"}`)
	})

	// when
	err := client.Schedule(context.Background(), "k1", "v1", "socket-1")

	// then
	var schedErr *SchedulingError
	require.True(t, errors.As(err, &schedErr))
	assert.Equal(t, 3, schedErr.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, err.Error(), "unknown key")
}

func TestClient_Schedule_ShouldStopOnCancelledContext(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Schedule(ctx, "k1", "v1", "socket-1")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestClient_Deadline_ShouldPreferEarlierContextDeadline(t *testing.T) {
	client := NewClient(Config{Timeout: time.Hour}, auth.NewTokenSession("t"), &fasthttp.Client{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	deadline := client.deadline(ctx)

	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
}
