package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prappser/prappser_uploader/internal/api"
	"github.com/prappser/prappser_uploader/internal/metrics"
	"github.com/prappser/prappser_uploader/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	BlobTypeHeader   = "x-ms-blob-type"
	BlobTypeBlock    = "BlockBlob"
	DefaultMediaType = "video/mp4"
)

type Reason string

const (
	ReasonServerRejected Reason = "server-rejected"
	ReasonNetworkError   Reason = "network-error"
	ReasonAborted        Reason = "aborted"
)

type Error struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonServerRejected:
		return fmt.Sprintf("upload rejected by storage (status %d)", e.StatusCode)
	case ReasonAborted:
		return "upload aborted"
	default:
		if e.Err != nil {
			return fmt.Sprintf("upload failed: network error: %v", e.Err)
		}
		return "upload failed: network error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProgressFunc receives every read of the request body. Calls come from the
// HTTP client goroutine.
type ProgressFunc func(transferred, total int64)

type Result struct {
	ContentKey string
	ContentID  string
}

type Doer interface {
	Do(req *fasthttp.Request, resp *fasthttp.Response) error
}

type Transport struct {
	http Doer
}

// NewClient returns a fasthttp client suitable for presigned PUTs: no
// idempotent retries and no path normalisation, so signed URLs reach the
// storage untouched.
func NewClient(timeout time.Duration) *fasthttp.Client {
	return &fasthttp.Client{
		Name:                      "prappser-uploader",
		MaxIdemponentCallAttempts: 1,
		DisablePathNormalizing:    true,
		ReadTimeout:               timeout,
		WriteTimeout:              timeout,
	}
}

func New(http Doer) *Transport {
	return &Transport{http: http}
}

type outcome struct {
	status int
	body   string
	err    error
}

func (t *Transport) Upload(ctx context.Context, file *session.File, target *api.Target, onProgress ProgressFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Reason: ReasonAborted, Err: err}
	}

	body, err := file.Open()
	if err != nil {
		return nil, &Error{Reason: ReasonNetworkError, Err: fmt.Errorf("failed to open file: %w", err)}
	}

	mediaType := file.MediaType
	if mediaType == "" {
		mediaType = DefaultMediaType
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(target.UploadURL)
	req.Header.SetMethod(fasthttp.MethodPut)
	req.Header.Set(BlobTypeHeader, BlobTypeBlock)
	req.Header.SetContentType(mediaType)
	// the request owns body from here and closes it on release
	req.SetBodyStream(newProgressReader(ctx, body, file.Size, onProgress), int(file.Size))

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := t.http.Do(req, resp)
		o := outcome{err: err}
		if err == nil {
			o.status = resp.StatusCode()
			o.body = strings.TrimSpace(string(resp.Body()))
		}
		done <- o
	}()

	var o outcome
	select {
	case <-ctx.Done():
		observe("aborted", started)
		log.Info().
			Str("key", target.Key).
			Msg("[TRANSPORT] Upload aborted")
		return nil, &Error{Reason: ReasonAborted, Err: ctx.Err()}
	case o = <-done:
	}

	if ctx.Err() != nil {
		observe("aborted", started)
		return nil, &Error{Reason: ReasonAborted, Err: ctx.Err()}
	}
	if o.err != nil {
		observe("network-error", started)
		return nil, &Error{Reason: ReasonNetworkError, Err: o.err}
	}
	if o.status < fasthttp.StatusOK || o.status >= fasthttp.StatusMultipleChoices {
		observe("server-rejected", started)
		log.Warn().
			Str("key", target.Key).
			Int("status", o.status).
			Str("body", o.body).
			Msg("[TRANSPORT] Storage rejected upload")
		return nil, &Error{Reason: ReasonServerRejected, StatusCode: o.status, Err: errors.New(o.body)}
	}

	observe("success", started)
	metrics.BytesUploaded.Add(float64(file.Size))
	log.Info().
		Str("key", target.Key).
		Int64("bytes", file.Size).
		Dur("took", time.Since(started)).
		Msg("[TRANSPORT] Upload finished")

	return &Result{ContentKey: target.Key, ContentID: target.VideoID}, nil
}

func observe(result string, started time.Time) {
	metrics.TransportDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
}

type progressReader struct {
	ctx         context.Context
	src         io.ReadCloser
	total       int64
	transferred int64
	onProgress  ProgressFunc
}

func newProgressReader(ctx context.Context, src io.ReadCloser, total int64, onProgress ProgressFunc) *progressReader {
	return &progressReader{ctx: ctx, src: src, total: total, onProgress: onProgress}
}

func (r *progressReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.transferred += int64(n)
		if r.transferred > r.total {
			r.transferred = r.total
		}
		if r.onProgress != nil {
			r.onProgress(r.transferred, r.total)
		}
	}
	return n, err
}

func (r *progressReader) Close() error {
	return r.src.Close()
}
