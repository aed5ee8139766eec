package status

import (
	"github.com/goccy/go-json"
	"github.com/prappser/prappser_uploader/internal/pipeline"
	"github.com/valyala/fasthttp"
)

// SnapshotSource is satisfied by *pipeline.Machine.
type SnapshotSource interface {
	Snapshot() pipeline.Snapshot
}

type StatusEndpoints struct {
	version string
	source  SnapshotSource
}

func NewEndpoints(version string, source SnapshotSource) *StatusEndpoints {
	return &StatusEndpoints{
		version: version,
		source:  source,
	}
}

type StatusResponse struct {
	Health      string                     `json:"health"`
	Version     string                     `json:"version"`
	StatusLine  string                     `json:"statusLine"`
	Upload      pipeline.Snapshot          `json:"upload"`
	Resolutions []pipeline.ResolutionState `json:"resolutions"`
}

func (se *StatusEndpoints) Status(ctx *fasthttp.RequestCtx) {
	snapshot := se.source.Snapshot()
	response := StatusResponse{
		Health:      "OK",
		Version:     se.version,
		StatusLine:  snapshot.StatusLine(),
		Upload:      snapshot,
		Resolutions: snapshot.ResolutionStatuses(),
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetBody(responseJSON)
}
