package devbackend

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	"github.com/prappser/prappser_uploader/internal/api"
	"github.com/prappser/prappser_uploader/internal/auth"
	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/prappser/prappser_uploader/internal/pipeline"
	"github.com/prappser/prappser_uploader/internal/session"
	"github.com/prappser/prappser_uploader/internal/storage"
	"github.com/prappser/prappser_uploader/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const externalURL = "http://dev.test"

type testEnv struct {
	server  *Server
	store   *storage.LocalStorage
	ln      *fasthttputil.InmemoryListener
	http    *fasthttp.Client
	machine *pipeline.Machine
}

func startBackend(t *testing.T, config Config) *testEnv {
	t.Helper()
	store, err := storage.NewLocalStorage(&storage.BackendConfig{
		LocalPath:   t.TempDir(),
		ExternalURL: externalURL,
		URLSecret:   "url-secret",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ln := fasthttputil.NewInmemoryListener()
	server := New(config, store)
	served := make(chan struct{})
	go func() {
		defer close(served)
		server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		ln.Close()
		<-served
	})

	return &testEnv{
		server: server,
		store:  store,
		ln:     ln,
		http:   &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }},
	}
}

// withPipeline wires the real clients against the in-memory backend.
func (e *testEnv) withPipeline(t *testing.T) *testEnv {
	t.Helper()
	token := auth.NewTokenSession("dev-token")
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return e.ln.Dial()
		},
	}
	push := channel.NewClient(channel.Config{URL: "ws://dev.test" + SocketPath, ReconnectDelay: 10 * time.Millisecond}, token, dialer)
	push.Start(context.Background())
	t.Cleanup(func() { push.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	apiClient := api.NewClient(api.Config{BaseURL: externalURL}, token, e.http)
	e.machine = pipeline.NewMachine(pipeline.Config{ProcessingTimeout: 5 * time.Second}, apiClient, transport.New(e.http), apiClient, push)
	go e.machine.Listen(ctx, push.Events())
	return e
}

func (e *testEnv) post(t *testing.T, path string, payload any) (int, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(externalURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer dev-token")
	req.Header.SetContentType("application/json")
	req.SetBody(body)
	require.NoError(t, e.http.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func (e *testEnv) put(t *testing.T, uploadURL string, payload []byte, blobType string) int {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(uploadURL)
	req.Header.SetMethod(fasthttp.MethodPut)
	if blobType != "" {
		req.Header.Set(transport.BlobTypeHeader, blobType)
	}
	req.SetBody(payload)
	require.NoError(t, e.http.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode()
}

func (e *testEnv) negotiate(t *testing.T) api.Target {
	t.Helper()
	status, body := e.post(t, api.NegotiatePath, api.NegotiateRequest{Title: "Clip"})
	require.Equal(t, fasthttp.StatusOK, status)
	var target api.Target
	require.NoError(t, json.Unmarshal(body, &target))
	return target
}

func videoSnapshot(payload []byte) session.Snapshot {
	s := session.New()
	s.SelectFile(session.NewFile("holiday.mp4", int64(len(payload)), "video/mp4", func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}))
	return s.Snapshot()
}

func TestDevBackend_ShouldCarryUploadThroughToCompletion(t *testing.T) {
	// given
	env := startBackend(t, Config{ScheduleFailures: 1, Segments: 2, ProgressSteps: 2}).withPipeline(t)
	payload := bytes.Repeat([]byte("frame"), 20_000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// when
	snapshot, err := env.machine.Run(ctx, videoSnapshot(payload))

	// then
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageComplete, snapshot.Stage)
	assert.False(t, snapshot.Uploading)
	assert.Equal(t, pipeline.Resolutions, snapshot.Completed)
	assert.Equal(t, float64(100), snapshot.Transport.Percent)
	require.NotNil(t, snapshot.Target)

	blob, err := env.store.Open(ctx, snapshot.Target.Key)
	require.NoError(t, err)
	defer blob.Close()
	stored, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestDevBackend_ShouldReportTranscodeFailure(t *testing.T) {
	// given
	env := startBackend(t, Config{FailResolution: "480p", ProgressSteps: 1}).withPipeline(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// when
	snapshot, err := env.machine.Run(ctx, videoSnapshot([]byte("tiny video")))

	// then
	require.Error(t, err)
	assert.Equal(t, "failed to transcode 480p", snapshot.Error)
	assert.Equal(t, pipeline.StageTranscoding, snapshot.Stage)
	assert.Equal(t, []string{"144p", "240p", "360p"}, snapshot.Completed)
	require.NotNil(t, snapshot.Target)
	assert.Eventually(t, func() bool {
		exists, err := env.store.Exists(context.Background(), snapshot.Target.Key)
		return err == nil && !exists
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDevBackend_Negotiate_ShouldRejectEmptyTitle(t *testing.T) {
	env := startBackend(t, Config{})

	status, body := env.post(t, api.NegotiatePath, api.NegotiateRequest{Title: "  "})

	assert.Equal(t, fasthttp.StatusBadRequest, status)
	assert.JSONEq(t, `{"message":"title is required"}`, string(body))
}

func TestDevBackend_Negotiate_ShouldRequireValidTokenWhenSecretSet(t *testing.T) {
	env := startBackend(t, Config{JWTSecret: "backend-secret"})

	status, _ := env.post(t, api.NegotiatePath, api.NegotiateRequest{Title: "Clip"})

	assert.Equal(t, fasthttp.StatusUnauthorized, status)
}

func TestDevBackend_PutBlob_ShouldCheckSignatureAndBlobType(t *testing.T) {
	// given
	env := startBackend(t, Config{})
	target := env.negotiate(t)

	// when
	forged := env.put(t, externalURL+storage.BlobsPath+target.Key+"?sig=forged", []byte("x"), transport.BlobTypeBlock)
	untyped := env.put(t, target.UploadURL, []byte("x"), "")
	stored := env.put(t, target.UploadURL, []byte("x"), transport.BlobTypeBlock)

	// then
	assert.Equal(t, fasthttp.StatusForbidden, forged)
	assert.Equal(t, fasthttp.StatusBadRequest, untyped)
	assert.Equal(t, fasthttp.StatusCreated, stored)
	exists, err := env.store.Exists(context.Background(), target.Key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDevBackend_Schedule_ShouldRejectUnknownOrIncompleteJobs(t *testing.T) {
	// given
	env := startBackend(t, Config{})
	target := env.negotiate(t)

	// when
	unknown, _ := env.post(t, api.SchedulePath, api.ScheduleRequest{Key: "videos/nope", VideoID: target.VideoID, SocketID: "s"})
	mismatched, _ := env.post(t, api.SchedulePath, api.ScheduleRequest{Key: target.Key, VideoID: "other", SocketID: "s"})
	notUploaded, _ := env.post(t, api.SchedulePath, api.ScheduleRequest{Key: target.Key, VideoID: target.VideoID, SocketID: "s"})
	require.Equal(t, fasthttp.StatusCreated, env.put(t, target.UploadURL, []byte("x"), transport.BlobTypeBlock))
	noSocket, body := env.post(t, api.SchedulePath, api.ScheduleRequest{Key: target.Key, VideoID: target.VideoID, SocketID: "s"})

	// then
	assert.Equal(t, fasthttp.StatusNotFound, unknown)
	assert.Equal(t, fasthttp.StatusBadRequest, mismatched)
	assert.Equal(t, fasthttp.StatusConflict, notUploaded)
	assert.Equal(t, fasthttp.StatusConflict, noSocket)
	assert.JSONEq(t, `{"message":"socket is not connected"}`, string(body))
}

func TestTranscoder_Frames_ShouldEndWithCompletedAfterSegments(t *testing.T) {
	transcoder := NewTranscoder(NewHub(), TranscoderConfig{ProgressSteps: 2, Segments: 3}, nil)

	frames := transcoder.frames("v1")

	// processing, 6 resolutions x 2 steps, 4 segment counts, completed
	require.Len(t, frames, 1+12+4+1)
	assert.Equal(t, channel.StatusProcessing, frames[0].Status)
	assert.Equal(t, "144p", frames[1].Resolution)
	assert.Equal(t, float64(50), *frames[1].Progress)
	assert.Equal(t, 3, *frames[len(frames)-2].SegmentsUploaded)
	assert.Equal(t, channel.StatusCompleted, frames[len(frames)-1].Status)
}

func TestHub_Send_ShouldFailForUnknownSocket(t *testing.T) {
	hub := NewHub()

	err := hub.Send("missing", &channel.Frame{Type: channel.MessageTypeWelcome})

	assert.ErrorIs(t, err, ErrUnknownSocket)
	assert.False(t, hub.Connected("missing"))
}

func TestDevBackend_ShouldSurviveSocketDisconnect(t *testing.T) {
	// given
	env := startBackend(t, Config{})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return env.ln.Dial()
		},
	}
	conn, _, err := dialer.Dial("ws://dev.test"+SocketPath+"?token=dev-token", nil)
	require.NoError(t, err)
	var welcome channel.Frame
	require.NoError(t, conn.ReadJSON(&welcome))
	require.NotEmpty(t, welcome.SocketID)
	require.True(t, env.server.Hub().Connected(welcome.SocketID))

	target := env.negotiate(t)
	require.Equal(t, fasthttp.StatusCreated, env.put(t, target.UploadURL, []byte("x"), transport.BlobTypeBlock))

	// when
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !env.server.Hub().Connected(welcome.SocketID) && env.server.Hub().ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// then
	status, body := env.post(t, api.SchedulePath, api.ScheduleRequest{Key: target.Key, VideoID: target.VideoID, SocketID: welcome.SocketID})
	assert.Equal(t, fasthttp.StatusConflict, status)
	assert.JSONEq(t, `{"message":"socket is not connected"}`, string(body))

	health, _ := env.get(t, "/health")
	assert.Equal(t, fasthttp.StatusOK, health)
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(externalURL + path)
	require.NoError(t, e.http.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}
