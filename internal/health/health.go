package health

import (
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// Check reports nil when the dependency it names is usable.
type Check struct {
	Name string
	Fn   func() error
}

type HealthEndpoints struct {
	version string
	checks  []Check
}

func NewEndpoints(version string, checks ...Check) *HealthEndpoints {
	return &HealthEndpoints{
		version: version,
		checks:  checks,
	}
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (h *HealthEndpoints) Health(ctx *fasthttp.RequestCtx) {
	response := HealthResponse{
		Status:  "ok",
		Version: h.version,
	}
	statusCode := fasthttp.StatusOK

	if len(h.checks) > 0 {
		response.Checks = make(map[string]string, len(h.checks))
		for _, check := range h.checks {
			if err := check.Fn(); err != nil {
				response.Checks[check.Name] = err.Error()
				response.Status = "degraded"
				statusCode = fasthttp.StatusServiceUnavailable
				continue
			}
			response.Checks[check.Name] = "ok"
		}
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(statusCode)
	ctx.SetBody(responseJSON)
}
