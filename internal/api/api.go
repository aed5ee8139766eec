package api

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

const (
	NegotiatePath = "/auth/get-upload-url"
	SchedulePath  = "/auth/schedule-job"
)

type Target struct {
	Key       string `json:"key"`
	VideoID   string `json:"videoId"`
	UploadURL string `json:"uploadUrl"`
}

type NegotiateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ScheduleRequest struct {
	Key      string `json:"key"`
	VideoID  string `json:"videoId"`
	SocketID string `json:"socketId"`
}

type ErrorResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.StatusCode, e.Message)
}

// NegotiationError means the backend did not hand out an upload target. The
// user has to submit again.
type NegotiationError struct {
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err == nil {
		return "failed to get upload url: " + e.Reason
	}
	return fmt.Sprintf("failed to get upload url: %s: %v", e.Reason, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// SchedulingError is only returned once every scheduling attempt failed.
type SchedulingError struct {
	Attempts int
	Err      error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to schedule processing after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}

func isSuccess(status int) bool {
	return status >= fasthttp.StatusOK && status < fasthttp.StatusMultipleChoices
}

func backendMessage(status int, body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Message != "" {
			return errResp.Message
		}
		if errResp.Error != "" {
			return errResp.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fasthttp.StatusMessage(status)
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
