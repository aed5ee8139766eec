package status

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prappser/prappser_uploader/internal/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the local uploader's state while it runs.
type Server struct {
	addr    string
	status  *StatusEndpoints
	health  *health.HealthEndpoints
	metrics fasthttp.RequestHandler
}

func NewServer(addr, version string, source SnapshotSource, checks ...health.Check) *Server {
	return &Server{
		addr:    addr,
		status:  NewEndpoints(version, source),
		health:  health.NewEndpoints(version, checks...),
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()),
	}
}

func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsGet() {
			ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			return
		}

		switch string(ctx.Path()) {
		case "/health":
			s.health.Health(ctx)
		case "/status":
			s.status.Status(ctx)
		case "/metrics":
			s.metrics(ctx)
		default:
			ctx.Error("Not Found", fasthttp.StatusNotFound)
		}
	}
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &fasthttp.Server{
		Handler: s.Handler(),
		Name:    "prappser-uploader",
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.ShutdownWithContext(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("[STATUS] Shutdown did not finish cleanly")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("[STATUS] Status server listening")
	err := server.Serve(ln)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
