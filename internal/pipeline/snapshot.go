package pipeline

import (
	"fmt"
	"maps"
	"slices"

	"github.com/prappser/prappser_uploader/internal/api"
)

type TransportProgress struct {
	Transferred int64   `json:"transferred"`
	Total       int64   `json:"total"`
	Percent     float64 `json:"percent"`
}

type SegmentProgress struct {
	Uploaded int     `json:"uploaded"`
	Total    int     `json:"total"`
	Percent  float64 `json:"percent"`
}

// Snapshot is a copy of the machine state. It is safe to keep and read from
// any goroutine.
type Snapshot struct {
	AttemptID   string             `json:"attemptId,omitempty"`
	Stage       Stage              `json:"stage"`
	Uploading   bool               `json:"uploading"`
	Error       string             `json:"error,omitempty"`
	Target      *api.Target        `json:"target,omitempty"`
	Transport   TransportProgress  `json:"transport"`
	Resolutions map[string]float64 `json:"resolutions"`
	Completed   []string           `json:"completed"`
	Segments    SegmentProgress    `json:"segments"`
}

func (s *Snapshot) clone() Snapshot {
	out := *s
	if s.Target != nil {
		target := *s.Target
		out.Target = &target
	}
	out.Resolutions = maps.Clone(s.Resolutions)
	if out.Resolutions == nil {
		out.Resolutions = map[string]float64{}
	}
	out.Completed = slices.Clone(s.Completed)
	if out.Completed == nil {
		out.Completed = []string{}
	}
	return out
}

func (s Snapshot) IsComplete(label string) bool {
	return slices.Contains(s.Completed, label)
}

func (s Snapshot) ResolutionStatus(label string) ResolutionStatus {
	if s.IsComplete(label) {
		return ResolutionComplete
	}
	if _, ok := s.Resolutions[label]; ok {
		return ResolutionProcessing
	}
	return ResolutionPending
}

// ResolutionStatuses classifies the whole ladder in ladder order.
func (s Snapshot) ResolutionStatuses() []ResolutionState {
	states := make([]ResolutionState, 0, len(Resolutions))
	for _, label := range Resolutions {
		states = append(states, ResolutionState{
			Resolution: label,
			Progress:   s.Resolutions[label],
			Status:     s.ResolutionStatus(label),
		})
	}
	return states
}

type ResolutionState struct {
	Resolution string           `json:"resolution"`
	Progress   float64          `json:"progress"`
	Status     ResolutionStatus `json:"status"`
}

// StatusLine is the one-line human readable state.
func (s Snapshot) StatusLine() string {
	if s.Error != "" {
		return "Error: " + s.Error
	}
	if s.AttemptID == "" {
		return "Ready to upload"
	}

	switch s.Stage {
	case StageNegotiating:
		return "Requesting upload URL..."
	case StageTransporting:
		return fmt.Sprintf("Uploading... %d%%", int(s.Transport.Percent))
	case StageAwaitingRemoteFetch:
		return "Upload finished, waiting for processing to start..."
	case StageTranscoding:
		return fmt.Sprintf("Processing: %d/%d resolutions complete", len(s.Completed), len(Resolutions))
	case StageReuploadingSegments:
		if s.Segments.Total == 0 {
			return "Uploading segments..."
		}
		return fmt.Sprintf("Uploading segments: segment %d of %d", s.Segments.Uploaded, s.Segments.Total)
	case StageComplete:
		return "Upload complete"
	default:
		return s.Stage.String()
	}
}
