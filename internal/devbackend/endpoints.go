package devbackend

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prappser/prappser_uploader/internal/api"
	"github.com/prappser/prappser_uploader/internal/middleware"
	"github.com/prappser/prappser_uploader/internal/storage"
	"github.com/prappser/prappser_uploader/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// uploadVerifier is implemented by stores whose upload URLs point back at
// this server.
type uploadVerifier interface {
	VerifyUpload(key, signature string) error
}

func (s *Server) Negotiate(ctx *fasthttp.RequestCtx) {
	var req api.NegotiateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeMessage(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeMessage(ctx, fasthttp.StatusBadRequest, "title is required")
		return
	}

	j := &job{
		Key:         "videos/" + uuid.New().String(),
		VideoID:     uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if principal := middleware.PrincipalFrom(ctx); principal != nil {
		j.Subject = principal.Subject
	}

	uploadURL, err := s.store.UploadURL(ctx, j.Key, s.config.UploadURLExpiry)
	if err != nil {
		log.Error().Err(err).Str("key", j.Key).Msg("[DEV] Failed to create upload url")
		writeMessage(ctx, fasthttp.StatusInternalServerError, "failed to create upload url")
		return
	}

	s.mu.Lock()
	s.jobs[j.Key] = j
	s.mu.Unlock()

	log.Info().
		Str("key", j.Key).
		Str("videoId", j.VideoID).
		Str("title", j.Title).
		Msg("[DEV] Upload target issued")

	writeJSON(ctx, fasthttp.StatusOK, &api.Target{
		Key:       j.Key,
		VideoID:   j.VideoID,
		UploadURL: uploadURL,
	})
}

func (s *Server) PutBlob(ctx *fasthttp.RequestCtx) {
	key, _ := ctx.UserValue("key").(string)
	if err := storage.ValidKey(key); err != nil {
		writeMessage(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	if verifier, ok := s.store.(uploadVerifier); ok {
		if err := verifier.VerifyUpload(key, string(ctx.QueryArgs().Peek("sig"))); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("[DEV] Rejected blob upload")
			writeMessage(ctx, fasthttp.StatusForbidden, "invalid upload signature")
			return
		}
	}
	if string(ctx.Request.Header.Peek(transport.BlobTypeHeader)) != transport.BlobTypeBlock {
		writeMessage(ctx, fasthttp.StatusBadRequest, "missing "+transport.BlobTypeHeader+" header")
		return
	}

	var body io.Reader = ctx.RequestBodyStream()
	if body == nil {
		body = bytes.NewReader(ctx.Request.Body())
	}
	size := int64(ctx.Request.Header.ContentLength())
	if size < 0 {
		size = -1
	}

	if err := s.store.Store(ctx, key, body, size, string(ctx.Request.Header.ContentType())); err != nil {
		log.Error().Err(err).Str("key", key).Msg("[DEV] Failed to store blob")
		writeMessage(ctx, fasthttp.StatusInternalServerError, "failed to store blob")
		return
	}

	log.Info().Str("key", key).Int64("bytes", size).Msg("[DEV] Blob stored")
	ctx.SetStatusCode(fasthttp.StatusCreated)
}

func (s *Server) Schedule(ctx *fasthttp.RequestCtx) {
	var req api.ScheduleRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeMessage(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	s.scheduleCalls++
	failing := s.scheduleCalls <= s.config.ScheduleFailures
	j, ok := s.jobs[req.Key]
	jobCtx := s.jobCtx
	s.mu.Unlock()

	if failing {
		log.Info().Str("key", req.Key).Msg("[DEV] Rejecting schedule call")
		writeMessage(ctx, fasthttp.StatusServiceUnavailable, "scheduler temporarily unavailable")
		return
	}
	if !ok {
		writeMessage(ctx, fasthttp.StatusNotFound, "unknown upload key")
		return
	}
	if req.VideoID != j.VideoID {
		writeMessage(ctx, fasthttp.StatusBadRequest, "videoId does not match upload key")
		return
	}

	uploaded, err := s.store.Exists(ctx, j.Key)
	if err != nil {
		log.Error().Err(err).Str("key", j.Key).Msg("[DEV] Failed to check blob")
		writeMessage(ctx, fasthttp.StatusInternalServerError, "failed to check upload")
		return
	}
	if !uploaded {
		writeMessage(ctx, fasthttp.StatusConflict, "upload has not finished")
		return
	}
	if !s.hub.Connected(req.SocketID) {
		writeMessage(ctx, fasthttp.StatusConflict, "socket is not connected")
		return
	}

	s.mu.Lock()
	already := j.Scheduled
	j.Scheduled = true
	s.mu.Unlock()
	if !already {
		s.transcoder.Start(jobCtx, req.SocketID, j.Key, j.VideoID)
	}

	log.Info().
		Str("key", j.Key).
		Str("videoId", j.VideoID).
		Str("socketId", req.SocketID).
		Bool("duplicate", already).
		Msg("[DEV] Job scheduled")

	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func writeMessage(ctx *fasthttp.RequestCtx, status int, message string) {
	writeJSON(ctx, status, &api.ErrorResponse{Message: message})
}
