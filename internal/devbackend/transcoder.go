package devbackend

import (
	"context"
	"sync"
	"time"

	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/prappser/prappser_uploader/internal/pipeline"
	"github.com/rs/zerolog/log"
)

type TranscoderConfig struct {
	StepDelay      time.Duration
	ProgressSteps  int
	Segments       int
	FailResolution string
}

// Transcoder fakes the remote fetch and transcode of a scheduled video by
// pushing progress frames to the socket named in the schedule call.
type Transcoder struct {
	hub    *Hub
	config TranscoderConfig
	wg     sync.WaitGroup

	// onFailed runs after a job reported an error to its socket.
	onFailed func(ctx context.Context, key string)
}

func NewTranscoder(hub *Hub, config TranscoderConfig, onFailed func(ctx context.Context, key string)) *Transcoder {
	return &Transcoder{hub: hub, config: config, onFailed: onFailed}
}

func (t *Transcoder) Start(ctx context.Context, socketID, key, videoID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx, socketID, key, videoID)
	}()
}

func (t *Transcoder) Wait() {
	t.wg.Wait()
}

func (t *Transcoder) run(ctx context.Context, socketID, key, videoID string) {
	logger := log.With().Str("videoId", videoID).Str("socketId", socketID).Logger()
	logger.Info().Msg("[DEV] Transcode started")

	frames := t.frames(videoID)
	for i, frame := range frames {
		if i > 0 && !t.sleep(ctx) {
			logger.Info().Msg("[DEV] Transcode cancelled")
			return
		}
		if err := t.hub.Send(socketID, frame); err != nil {
			logger.Warn().Err(err).Msg("[DEV] Could not deliver frame, stopping job")
			return
		}
		if frame.Type == channel.MessageTypeError {
			logger.Info().Str("message", frame.Message).Msg("[DEV] Transcode failed")
			if t.onFailed != nil {
				t.onFailed(ctx, key)
			}
			return
		}
	}
	logger.Info().Msg("[DEV] Transcode finished")
}

func (t *Transcoder) sleep(ctx context.Context) bool {
	if t.config.StepDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(t.config.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// frames is the full script for one job; it stops at the first error frame.
func (t *Transcoder) frames(videoID string) []*channel.Frame {
	frames := []*channel.Frame{statusFrame(videoID, channel.StatusProcessing)}

	steps := max(t.config.ProgressSteps, 1)
	for _, resolution := range pipeline.Resolutions {
		if resolution == t.config.FailResolution {
			return append(frames, &channel.Frame{
				Type:    channel.MessageTypeError,
				VideoID: videoID,
				Message: "failed to transcode " + resolution,
			})
		}
		for step := 1; step <= steps; step++ {
			progress := float64(step) * 100 / float64(steps)
			frames = append(frames, &channel.Frame{
				Type:       channel.MessageTypeVideoProgress,
				VideoID:    videoID,
				Resolution: resolution,
				Progress:   &progress,
			})
		}
	}

	if t.config.Segments > 0 {
		total := t.config.Segments
		for uploaded := 0; uploaded <= total; uploaded++ {
			frame := statusFrame(videoID, channel.StatusUploading)
			n := uploaded
			frame.SegmentsUploaded = &n
			frame.SegmentsTotal = &total
			frames = append(frames, frame)
		}
	}

	return append(frames, statusFrame(videoID, channel.StatusCompleted))
}

func statusFrame(videoID string, status channel.Status) *channel.Frame {
	return &channel.Frame{
		Type:    channel.MessageTypeVideoProgress,
		VideoID: videoID,
		Status:  status,
	}
}
