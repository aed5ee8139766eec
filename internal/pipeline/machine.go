package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prappser/prappser_uploader/internal/api"
	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/prappser/prappser_uploader/internal/metrics"
	"github.com/prappser/prappser_uploader/internal/session"
	"github.com/prappser/prappser_uploader/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrAttemptInProgress = errors.New("an upload is already in progress")

// ChannelError is a processing failure reported over the push channel, or
// the channel going quiet for longer than the processing timeout.
type ChannelError struct {
	VideoID string
	Message string
}

func (e *ChannelError) Error() string {
	return e.Message
}

type Negotiator interface {
	Negotiate(ctx context.Context, title, description string) (*api.Target, error)
}

type Uploader interface {
	Upload(ctx context.Context, file *session.File, target *api.Target, onProgress transport.ProgressFunc) (*transport.Result, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, key, videoID, socketID string) error
}

// ChannelSession hands out the id of the current push connection.
type ChannelSession interface {
	SessionID(ctx context.Context) (string, error)
}

type Config struct {
	// ProcessingTimeout bounds the silence between accepted channel events
	// once the job is scheduled. Zero waits forever.
	ProcessingTimeout time.Duration
}

type Machine struct {
	negotiator Negotiator
	uploader   Uploader
	scheduler  Scheduler
	channel    ChannelSession
	config     Config

	mu        sync.Mutex
	state     Snapshot
	active    bool
	err       error
	done      chan struct{}
	listeners []func(Snapshot)

	watchdog    *time.Timer
	watchdogGen int
}

func NewMachine(config Config, negotiator Negotiator, uploader Uploader, scheduler Scheduler, channel ChannelSession) *Machine {
	done := make(chan struct{})
	close(done)
	return &Machine{
		negotiator: negotiator,
		uploader:   uploader,
		scheduler:  scheduler,
		channel:    channel,
		config:     config,
		state:      Snapshot{Stage: StageNegotiating},
		done:       done,
	}
}

// OnChange registers a listener that receives every new snapshot. Listeners
// run with the machine locked and must not call back into it.
func (m *Machine) OnChange(listener func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Submit runs one attempt up to the point where the job is scheduled. Once
// it returns nil the attempt is driven by channel events; use Wait to block
// until it ends. Cancelling ctx aborts the attempt until scheduling succeeds.
func (m *Machine) Submit(ctx context.Context, snapshot session.Snapshot) error {
	id, err := m.begin()
	if err != nil {
		return err
	}

	if err := snapshot.Validate(); err != nil {
		return m.fail(id, err)
	}

	target, err := m.negotiator.Negotiate(ctx, snapshot.Title, snapshot.Description)
	if err != nil {
		return m.fail(id, err)
	}
	if !m.withActive(id, func() {
		m.state.Target = target
		m.advance(StageTransporting)
	}) {
		return m.result(id)
	}

	log.Info().
		Str("attemptId", id).
		Str("videoId", target.VideoID).
		Int64("size", snapshot.File.Size).
		Msg("[PIPELINE] Uploading file")

	total := snapshot.File.Size
	_, err = m.uploader.Upload(ctx, snapshot.File, target, func(transferred, size int64) {
		m.onTransport(id, transferred, size)
	})
	if err != nil {
		return m.fail(id, err)
	}
	if !m.withActive(id, func() {
		m.state.Transport = TransportProgress{Transferred: total, Total: total, Percent: 100}
		m.advance(StageAwaitingRemoteFetch)
	}) {
		return m.result(id)
	}

	socketID, err := m.channel.SessionID(ctx)
	if err != nil {
		return m.fail(id, fmt.Errorf("waiting for realtime channel: %w", err))
	}
	if err := m.scheduler.Schedule(ctx, target.Key, target.VideoID, socketID); err != nil {
		return m.fail(id, err)
	}

	log.Info().
		Str("attemptId", id).
		Str("videoId", target.VideoID).
		Str("socketId", socketID).
		Msg("[PIPELINE] Processing scheduled")

	m.withActive(id, m.armWatchdog)
	return m.result(id)
}

// Run submits snapshot and waits for the attempt to end.
func (m *Machine) Run(ctx context.Context, snapshot session.Snapshot) (Snapshot, error) {
	if err := m.Submit(ctx, snapshot); err != nil {
		return m.Snapshot(), err
	}
	return m.Wait(ctx)
}

// Wait blocks until the current attempt is complete or failed.
func (m *Machine) Wait(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), m.err
}

// Reset clears progress, error and target and returns the stage to its
// initial value. It refuses while an attempt is running.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return ErrAttemptInProgress
	}
	m.state = Snapshot{Stage: StageNegotiating}
	m.err = nil
	m.notify()
	return nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *Machine) StatusLine() string {
	return m.Snapshot().StatusLine()
}

func (m *Machine) ResolutionStatus(label string) ResolutionStatus {
	return m.Snapshot().ResolutionStatus(label)
}

func (m *Machine) ResolutionStatuses() []ResolutionState {
	return m.Snapshot().ResolutionStatuses()
}

// Listen dispatches events until the stream is closed or ctx is done.
func (m *Machine) Listen(ctx context.Context, events <-chan channel.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Dispatch(ev)
		}
	}
}

// Dispatch applies one channel event to the active attempt. Events for
// another video, or arriving while no attempt is running, are dropped.
func (m *Machine) Dispatch(ev channel.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.accepts(ev) {
		return
	}
	m.resetWatchdog()

	switch ev := ev.(type) {
	case channel.ResolutionProgress:
		m.applyResolution(ev.Resolution, ev.Progress)

	case channel.StageHint:
		switch ev.Status {
		case channel.StatusProcessing:
			m.advance(StageTranscoding)
		case channel.StatusUploading:
			m.advance(StageReuploadingSegments)
		case channel.StatusCompleted:
			m.advance(StageComplete)
			m.finish(nil)
			return
		default:
			log.Debug().Str("status", string(ev.Status)).Msg("[PIPELINE] Ignoring unknown status")
			return
		}

	case channel.SegmentProgress:
		if m.state.Stage != StageReuploadingSegments {
			return
		}
		m.applySegments(ev.Uploaded, ev.Total)

	case channel.Error:
		log.Warn().
			Str("attemptId", m.state.AttemptID).
			Str("message", ev.Message).
			Msg("[PIPELINE] Processing failed")
		m.finish(&ChannelError{VideoID: ev.VideoID, Message: ev.Message})
		return
	}
	m.notify()
}

func (m *Machine) accepts(ev channel.Event) bool {
	if !m.active || m.state.Target == nil {
		return false
	}
	var videoID string
	switch ev := ev.(type) {
	case channel.Welcome:
		return false
	case channel.ResolutionProgress:
		videoID = ev.VideoID
	case channel.StageHint:
		videoID = ev.VideoID
	case channel.SegmentProgress:
		videoID = ev.VideoID
	case channel.Error:
		videoID = ev.VideoID
	}
	return videoID == "" || videoID == m.state.Target.VideoID
}

func (m *Machine) begin() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return "", ErrAttemptInProgress
	}
	id := uuid.New().String()
	m.state = Snapshot{
		AttemptID: id,
		Stage:     StageNegotiating,
		Uploading: true,
	}
	m.active = true
	m.err = nil
	m.done = make(chan struct{})
	m.notify()

	log.Debug().Str("attemptId", id).Msg("[PIPELINE] Attempt started")
	return id, nil
}

// withActive runs fn under the lock if attempt id is still running.
func (m *Machine) withActive(id string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active || m.state.AttemptID != id {
		return false
	}
	fn()
	m.notify()
	return true
}

func (m *Machine) result(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.AttemptID != id {
		return nil
	}
	return m.err
}

func (m *Machine) fail(id string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failLocked(id, err)
}

func (m *Machine) failLocked(id string, err error) error {
	if !m.active || m.state.AttemptID != id {
		return err
	}
	log.Warn().Err(err).Str("attemptId", id).Str("stage", m.state.Stage.String()).Msg("[PIPELINE] Attempt failed")
	m.finish(err)
	return err
}

// finish ends the active attempt. Callers hold the lock.
func (m *Machine) finish(err error) {
	m.stopWatchdog()
	m.active = false
	m.state.Uploading = false
	m.err = err
	if err != nil {
		m.state.Error = err.Error()
	}
	close(m.done)
	metrics.UploadAttempts.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		log.Info().Str("attemptId", m.state.AttemptID).Msg("[PIPELINE] Upload complete")
	}
	m.notify()
}

func resultLabel(err error) string {
	var transportErr *transport.Error
	switch {
	case err == nil:
		return "complete"
	case errors.As(err, &transportErr) && transportErr.Reason == transport.ReasonAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// advance moves the stage forward only.
func (m *Machine) advance(stage Stage) {
	if stage <= m.state.Stage {
		return
	}
	m.state.Stage = stage
	metrics.StageTransitions.WithLabelValues(stage.String()).Inc()
	log.Debug().Str("attemptId", m.state.AttemptID).Str("stage", stage.String()).Msg("[PIPELINE] Stage changed")
}

func (m *Machine) onTransport(id string, transferred, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active || m.state.AttemptID != id {
		return
	}
	if total < 0 {
		total = 0
	}
	transferred = max(0, min(transferred, total))

	current := &m.state.Transport
	if transferred < current.Transferred {
		return
	}
	current.Transferred = transferred
	current.Total = total
	if total > 0 {
		current.Percent = float64(transferred) * 100 / float64(total)
	}
	m.notify()
}

func (m *Machine) applyResolution(label string, progress float64) {
	if !isKnownResolution(label) {
		log.Debug().Str("resolution", label).Msg("[PIPELINE] Ignoring unknown resolution")
		return
	}
	progress = max(0, min(progress, 100))

	if m.state.Resolutions == nil {
		m.state.Resolutions = map[string]float64{}
	}
	// duplicates and reordered frames never move a resolution backward
	if current, ok := m.state.Resolutions[label]; ok && progress <= current {
		return
	}
	m.state.Resolutions[label] = progress
	if progress >= 100 && !m.state.IsComplete(label) {
		m.state.Completed = append(m.state.Completed, label)
	}
}

func (m *Machine) applySegments(uploaded, total int) {
	if total <= 0 {
		return
	}
	uploaded = max(0, min(uploaded, total))

	segments := &m.state.Segments
	if total == segments.Total && uploaded < segments.Uploaded {
		return
	}
	segments.Uploaded = uploaded
	segments.Total = total
	segments.Percent = float64(uploaded) * 100 / float64(total)
}

func (m *Machine) armWatchdog() {
	if m.config.ProcessingTimeout <= 0 {
		return
	}
	m.stopWatchdog()
	m.watchdogGen++
	id, gen := m.state.AttemptID, m.watchdogGen
	m.watchdog = time.AfterFunc(m.config.ProcessingTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.watchdogGen != gen {
			return
		}
		m.failLocked(id, &ChannelError{Message: "timed out waiting for processing updates"})
	})
}

func (m *Machine) resetWatchdog() {
	if m.watchdog != nil {
		m.armWatchdog()
	}
}

func (m *Machine) stopWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *Machine) notify() {
	if len(m.listeners) == 0 {
		return
	}
	snapshot := m.state.clone()
	for _, listener := range m.listeners {
		listener(snapshot)
	}
}
