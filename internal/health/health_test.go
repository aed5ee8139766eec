package health

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestHealth_ShouldReportOK(t *testing.T) {
	var ctx fasthttp.RequestCtx

	NewEndpoints("1.0.0").Health(&ctx)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, HealthResponse{Status: "ok", Version: "1.0.0"}, response)
}

func TestHealth_ShouldReportDegradedWhenCheckFails(t *testing.T) {
	// given
	endpoints := NewEndpoints("1.0.0",
		Check{Name: "storage", Fn: func() error { return nil }},
		Check{Name: "channel", Fn: func() error { return errors.New("not connected") }},
	)
	var ctx fasthttp.RequestCtx

	// when
	endpoints.Health(&ctx)

	// then
	var response HealthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.Equal(t, "degraded", response.Status)
	assert.Equal(t, map[string]string{"storage": "ok", "channel": "not connected"}, response.Checks)
}
