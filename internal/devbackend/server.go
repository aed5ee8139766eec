package devbackend

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prappser/prappser_uploader/internal/health"
	"github.com/prappser/prappser_uploader/internal/middleware"
	"github.com/prappser/prappser_uploader/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	SocketPath             = "/ws"
	defaultUploadURLExpiry = 15 * time.Minute
	defaultStepDelay       = 200 * time.Millisecond
	defaultProgressSteps   = 4
	shutdownTimeout        = 5 * time.Second
)

// Config drives the local stand-in for the video backend.
type Config struct {
	Addr           string
	ExternalURL    string
	JWTSecret      string
	AllowedOrigins []string
	Version        string
	// UploadURLExpiry bounds the lifetime of handed-out upload URLs.
	UploadURLExpiry time.Duration
	// StepDelay is the pause between simulated transcoder frames.
	StepDelay time.Duration
	// ProgressSteps is the number of progress frames per resolution.
	ProgressSteps int
	// Segments, when positive, adds a segment re-upload phase.
	Segments int
	// FailResolution makes the transcoder report an error when it reaches
	// this resolution.
	FailResolution string
	// ScheduleFailures rejects the first N schedule calls with 503.
	ScheduleFailures int
}

func (c Config) withDefaults() Config {
	if c.UploadURLExpiry <= 0 {
		c.UploadURLExpiry = defaultUploadURLExpiry
	}
	if c.StepDelay < 0 {
		c.StepDelay = 0
	}
	if c.ProgressSteps <= 0 {
		c.ProgressSteps = defaultProgressSteps
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

type job struct {
	Key         string
	VideoID     string
	Title       string
	Description string
	Subject     string
	CreatedAt   time.Time
	Scheduled   bool
}

// Server implements the upload negotiation, blob, schedule and push
// endpoints in one process.
type Server struct {
	config  Config
	store   storage.BlobStore
	hub     *Hub
	auth    *middleware.AuthMiddleware
	cors    *middleware.CORSMiddleware
	health  *health.HealthEndpoints
	sockets *SocketHandler

	mu            sync.Mutex
	jobs          map[string]*job
	scheduleCalls int

	transcoder *Transcoder
	jobCtx     context.Context
}

func New(config Config, store storage.BlobStore) *Server {
	config = config.withDefaults()
	hub := NewHub()
	auth := middleware.NewAuthMiddleware(middleware.NewHS256Validator(config.JWTSecret))
	s := &Server{
		config:  config,
		store:   store,
		hub:     hub,
		auth:    auth,
		cors:    middleware.NewCORSMiddleware(config.AllowedOrigins),
		sockets: NewSocketHandler(hub, auth),
		jobs:    make(map[string]*job),
		jobCtx:  context.Background(),
	}
	s.health = health.NewEndpoints(config.Version, health.Check{
		Name: "storage",
		Fn: func() error {
			_, err := store.Exists(context.Background(), "health-check")
			return err
		},
	})
	s.transcoder = NewTranscoder(hub, TranscoderConfig{
		StepDelay:      config.StepDelay,
		ProgressSteps:  config.ProgressSteps,
		Segments:       config.Segments,
		FailResolution: config.FailResolution,
	}, s.discardUpload)
	return s
}

// discardUpload drops the blob of a failed job; the uploader has to start
// over with a fresh target anyway.
func (s *Server) discardUpload(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[DEV] Failed to delete blob of failed job")
		return
	}
	s.mu.Lock()
	delete(s.jobs, key)
	s.mu.Unlock()
	log.Info().Str("key", key).Msg("[DEV] Deleted blob of failed job")
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Handler() fasthttp.RequestHandler {
	handler := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case path == "/health":
			s.health.Health(ctx)
		case path == SocketPath:
			s.sockets.HandleFastHTTP(ctx)

		case path == "/auth/get-upload-url":
			if method == fasthttp.MethodPost {
				s.auth.RequireAuth(s.Negotiate)(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}
		case path == "/auth/schedule-job":
			if method == fasthttp.MethodPost {
				s.auth.RequireAuth(s.Schedule)(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}

		case strings.HasPrefix(path, storage.BlobsPath):
			ctx.SetUserValue("key", strings.TrimPrefix(path, storage.BlobsPath))
			if method == fasthttp.MethodPut {
				s.PutBlob(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}

		default:
			ctx.Error("Not Found", fasthttp.StatusNotFound)
		}
	}

	return s.cors.Handle(handler)
}

// Serve runs until ctx is done, then waits for running transcoder jobs.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.jobCtx = ctx
	s.mu.Unlock()
	go s.hub.Run(ctx)

	server := &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "prappser-devbackend",
		StreamRequestBody:  true,
		// bodies above this are streamed to the handler instead of buffered
		MaxRequestBodySize: 4 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := server.ShutdownWithContext(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("[DEV] Shutdown did not finish cleanly")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("[DEV] Dev backend listening")
	err := server.Serve(ln)
	cancel()
	s.transcoder.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
