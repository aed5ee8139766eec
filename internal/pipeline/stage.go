package pipeline

import (
	"fmt"
	"slices"
)

type Stage int

const (
	StageNegotiating Stage = iota
	StageTransporting
	StageAwaitingRemoteFetch
	StageTranscoding
	StageReuploadingSegments
	StageComplete
)

var stageNames = []string{
	"negotiating",
	"transporting",
	"awaiting-remote-fetch",
	"transcoding",
	"re-uploading-segments",
	"complete",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	i := slices.Index(stageNames, string(text))
	if i < 0 {
		return fmt.Errorf("unknown stage %q", text)
	}
	*s = Stage(i)
	return nil
}

// Resolutions is the transcode ladder, lowest first.
var Resolutions = []string{"144p", "240p", "360p", "480p", "720p", "1080p"}

func isKnownResolution(label string) bool {
	return slices.Contains(Resolutions, label)
}

type ResolutionStatus string

const (
	ResolutionPending    ResolutionStatus = "pending"
	ResolutionProcessing ResolutionStatus = "processing"
	ResolutionComplete   ResolutionStatus = "complete"
)
