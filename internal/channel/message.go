package channel

type MessageType string

const (
	MessageTypeWelcome       MessageType = "welcome"
	MessageTypeVideoProgress MessageType = "video-progress"
	MessageTypeError         MessageType = "error"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
)

// Frame is the JSON shape of every message on the push connection.
type Frame struct {
	Type             MessageType `json:"type"`
	SocketID         string      `json:"socketId,omitempty"`
	VideoID          string      `json:"videoId,omitempty"`
	Resolution       string      `json:"resolution,omitempty"`
	Progress         *float64    `json:"progress,omitempty"`
	Status           Status      `json:"status,omitempty"`
	SegmentsUploaded *int        `json:"segmentsUploaded,omitempty"`
	SegmentsTotal    *int        `json:"segmentsTotal,omitempty"`
	Message          string      `json:"message,omitempty"`
}

// Event is one of Welcome, ResolutionProgress, StageHint, SegmentProgress or
// Error.
type Event interface {
	isEvent()
}

type Welcome struct {
	SessionID string
}

type ResolutionProgress struct {
	VideoID    string
	Resolution string
	Progress   float64
}

type StageHint struct {
	VideoID string
	Status  Status
}

type SegmentProgress struct {
	VideoID  string
	Uploaded int
	Total    int
}

type Error struct {
	VideoID string
	Message string
}

func (Welcome) isEvent()            {}
func (ResolutionProgress) isEvent() {}
func (StageHint) isEvent()          {}
func (SegmentProgress) isEvent()    {}
func (Error) isEvent()              {}

// Decode splits a frame into events. A video-progress frame may carry a
// resolution tick, a stage hint and a segment count at once; they come out in
// an order where a terminal hint is always last.
func Decode(frame *Frame) []Event {
	switch frame.Type {
	case MessageTypeWelcome:
		if frame.SocketID == "" {
			return nil
		}
		return []Event{Welcome{SessionID: frame.SocketID}}

	case MessageTypeError:
		message := frame.Message
		if message == "" {
			message = "processing failed"
		}
		return []Event{Error{VideoID: frame.VideoID, Message: message}}

	case MessageTypeVideoProgress:
		var events []Event
		if frame.Resolution != "" && frame.Progress != nil {
			events = append(events, ResolutionProgress{
				VideoID:    frame.VideoID,
				Resolution: frame.Resolution,
				Progress:   *frame.Progress,
			})
		}
		terminal := frame.Status == StatusCompleted
		if frame.Status != "" && !terminal {
			events = append(events, StageHint{VideoID: frame.VideoID, Status: frame.Status})
		}
		if frame.SegmentsTotal != nil {
			uploaded := 0
			if frame.SegmentsUploaded != nil {
				uploaded = *frame.SegmentsUploaded
			}
			events = append(events, SegmentProgress{
				VideoID:  frame.VideoID,
				Uploaded: uploaded,
				Total:    *frame.SegmentsTotal,
			})
		}
		if terminal {
			events = append(events, StageHint{VideoID: frame.VideoID, Status: frame.Status})
		}
		return events

	default:
		return nil
	}
}

func KindOf(ev Event) string {
	switch ev.(type) {
	case Welcome:
		return "welcome"
	case ResolutionProgress:
		return "resolution-progress"
	case StageHint:
		return "stage-hint"
	case SegmentProgress:
		return "segment-progress"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
