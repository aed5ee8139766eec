package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prappser/prappser_uploader/internal/auth"
	"github.com/prappser/prappser_uploader/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultScheduleAttempts = 3
)

type Doer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	ScheduleAttempts int
}

type Client struct {
	http             Doer
	session          auth.Session
	baseURL          string
	timeout          time.Duration
	scheduleAttempts int
}

func NewClient(config Config, session auth.Session, http Doer) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := config.ScheduleAttempts
	if attempts <= 0 {
		attempts = defaultScheduleAttempts
	}
	return &Client{
		http:             http,
		session:          session,
		baseURL:          strings.TrimSuffix(config.BaseURL, "/"),
		timeout:          timeout,
		scheduleAttempts: attempts,
	}
}

func (c *Client) Negotiate(ctx context.Context, title, description string) (*Target, error) {
	if !c.session.IsAuthenticated() {
		return nil, &NegotiationError{Reason: "session is not authenticated", Err: auth.ErrNotAuthenticated}
	}
	token, err := c.session.BearerToken()
	if err != nil {
		return nil, &NegotiationError{Reason: "no bearer token", Err: err}
	}

	status, body, err := c.postJSON(ctx, NegotiatePath, token, &NegotiateRequest{
		Title:       title,
		Description: description,
	})
	if err != nil {
		return nil, &NegotiationError{Reason: "request failed", Err: err}
	}
	if !isSuccess(status) {
		return nil, &NegotiationError{Reason: "rejected", Err: &StatusError{StatusCode: status, Message: backendMessage(status, body)}}
	}

	var target Target
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, &NegotiationError{Reason: "invalid response", Err: err}
	}
	if target.Key == "" || target.VideoID == "" || target.UploadURL == "" {
		return nil, &NegotiationError{Reason: "incomplete upload target"}
	}

	log.Debug().
		Str("key", target.Key).
		Str("videoId", target.VideoID).
		Msg("[API] Upload target negotiated")

	return &target, nil
}

// Schedule retries unconditionally, 4xx included, until the attempt budget is
// spent.
func (c *Client) Schedule(ctx context.Context, key, videoID, socketID string) error {
	var lastErr error
	for attempt := 1; attempt <= c.scheduleAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &SchedulingError{Attempts: attempt - 1, Err: err}
		}

		lastErr = c.scheduleOnce(ctx, &ScheduleRequest{Key: key, VideoID: videoID, SocketID: socketID})
		if lastErr == nil {
			metrics.ScheduleAttempts.WithLabelValues("success").Inc()
			log.Info().
				Str("key", key).
				Str("videoId", videoID).
				Int("attempt", attempt).
				Msg("[API] Processing job scheduled")
			return nil
		}

		metrics.ScheduleAttempts.WithLabelValues("failure").Inc()
		log.Warn().
			Err(lastErr).
			Str("key", key).
			Int("attempt", attempt).
			Int("maxAttempts", c.scheduleAttempts).
			Msg("[API] Schedule job failed")
	}
	return &SchedulingError{Attempts: c.scheduleAttempts, Err: lastErr}
}

func (c *Client) scheduleOnce(ctx context.Context, req *ScheduleRequest) error {
	token, err := c.session.BearerToken()
	if err != nil {
		return err
	}
	status, body, err := c.postJSON(ctx, SchedulePath, token, req)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return &StatusError{StatusCode: status, Message: backendMessage(status, body)}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	req.SetBody(body)

	if err := c.http.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		return 0, nil, err
	}

	respBody := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), respBody, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
