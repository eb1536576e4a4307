// Package player supervises the per-zone media pipelines that decode a
// track URL into PCM written to the zone's sink FIFO.
//
// The Supervisor owns one logical player per zone. Solicited transitions
// (Play/Pause/Stop/seek) return synchronously and emit nothing; only
// unsolicited transitions (a track finishing or the pipeline dying) are
// reported through the playback-state callback. Position updates flow
// continuously from the backend's progress stream.
package player

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/state"
)

// Vendor states carried on unsolicited playback-state callbacks.
const (
	VendorEnd    = "end"
	VendorFailed = "failed"
)

// ProgressUpdate is one position sample from a running pipeline, relative
// to the pipeline's own start offset.
type ProgressUpdate struct {
	PositionMs int64
}

// Process is one running decode pipeline.
type Process interface {
	// Progress streams position samples; the channel closes when the
	// pipeline stops producing.
	Progress() <-chan ProgressUpdate
	// Pause suspends decoding without tearing the pipeline down.
	Pause() error
	// Resume continues a paused pipeline.
	Resume() error
	// Stop terminates the pipeline.
	Stop() error
	// Wait blocks until the pipeline has exited and returns its exit error.
	Wait() error
}

// Backend launches pipelines. Production uses ffmpeg; tests use a
// synthetic backend.
type Backend interface {
	Start(ctx context.Context, track state.TrackInfo, sink string, offsetMs int64) (Process, error)
}

// Status is the externally visible state of one zone's player.
type Status struct {
	IsPlaying    bool
	IsPaused     bool
	CurrentTrack *state.TrackInfo
}

// Statistics aggregates supervisor counters since startup.
type Statistics struct {
	ActiveSessions int   `json:"activeSessions"`
	Started        int64 `json:"started"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
}

type session struct {
	proc          Process
	track         state.TrackInfo
	startOffsetMs int64
	positionMs    atomic.Int64
	solicited     atomic.Bool
}

type zonePlayer struct {
	index  int
	sink   string
	mu     sync.Mutex
	sess   *session
	paused bool
}

// Supervisor manages every zone's player.
type Supervisor struct {
	backend Backend
	logger  *log.Logger

	onPosition      func(zone int, positionMs int64, progress float64, durationMs int64)
	onPlaybackState func(zone int, playing bool, vendorState string)
	onTrackInfo     func(zone int, track state.TrackInfo)

	mu      sync.Mutex
	players map[int]*zonePlayer

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewSupervisor builds a supervisor over the given zone sinks (1-based zone
// index to FIFO path).
func NewSupervisor(backend Backend, sinks map[int]string, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	players := make(map[int]*zonePlayer, len(sinks))
	for index, sink := range sinks {
		players[index] = &zonePlayer{index: index, sink: sink}
	}
	return &Supervisor{backend: backend, logger: logger, players: players}
}

// OnPosition registers the position callback. Register before playback
// starts; callbacks run on the watcher goroutine and must not block.
func (s *Supervisor) OnPosition(fn func(zone int, positionMs int64, progress float64, durationMs int64)) {
	s.onPosition = fn
}

// OnPlaybackState registers the unsolicited transition callback.
func (s *Supervisor) OnPlaybackState(fn func(zone int, playing bool, vendorState string)) {
	s.onPlaybackState = fn
}

// OnTrackInfo registers the callback for backend-discovered metadata.
func (s *Supervisor) OnTrackInfo(fn func(zone int, track state.TrackInfo)) {
	s.onTrackInfo = fn
}

func (s *Supervisor) player(zone int) (*zonePlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zp, ok := s.players[zone]
	if !ok {
		return nil, apperrors.NewNotFound("zone %d has no player", zone)
	}
	return zp, nil
}

// Play starts the track on the zone's sink. Playing the URL that is
// already playing is a no-op; playing it while paused resumes.
func (s *Supervisor) Play(ctx context.Context, zone int, track state.TrackInfo) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewCancelled("play zone %d cancelled", zone)
	}
	if track.URL == "" {
		return apperrors.NewInvalidArgument("track has no url")
	}
	zp, err := s.player(zone)
	if err != nil {
		return err
	}

	zp.mu.Lock()
	defer zp.mu.Unlock()

	if zp.sess != nil && zp.sess.track.URL == track.URL {
		if !zp.paused {
			return nil
		}
		if err := zp.sess.proc.Resume(); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "resume player", err)
		}
		zp.paused = false
		return nil
	}

	if zp.sess != nil {
		s.endSession(zp)
	}

	return s.startSession(ctx, zp, track, 0, false)
}

// startSession launches a pipeline and its watcher. Caller holds zp.mu.
func (s *Supervisor) startSession(ctx context.Context, zp *zonePlayer, track state.TrackInfo, offsetMs int64, startPaused bool) error {
	proc, err := s.backend.Start(ctx, track, zp.sink, offsetMs)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "start player", err)
	}
	sess := &session{proc: proc, track: track, startOffsetMs: offsetMs}
	sess.positionMs.Store(offsetMs)
	if startPaused {
		if err := proc.Pause(); err != nil {
			proc.Stop()
			return apperrors.Wrap(apperrors.KindInternal, "pause player after seek", err)
		}
	}
	zp.sess = sess
	zp.paused = startPaused
	s.started.Add(1)
	go s.watch(zp, sess)
	return nil
}

// endSession tears the current pipeline down without events. Caller holds
// zp.mu.
func (s *Supervisor) endSession(zp *zonePlayer) {
	zp.sess.solicited.Store(true)
	if err := zp.sess.proc.Stop(); err != nil {
		s.logger.Printf("PLAYER: zone %d: stop pipeline: %v", zp.index, err)
	}
	zp.sess = nil
	zp.paused = false
}

// Pause suspends the zone's pipeline.
func (s *Supervisor) Pause(ctx context.Context, zone int) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewCancelled("pause zone %d cancelled", zone)
	}
	zp, err := s.player(zone)
	if err != nil {
		return err
	}

	zp.mu.Lock()
	defer zp.mu.Unlock()
	if zp.sess == nil {
		return apperrors.NewFailedPrecondition("zone %d has nothing playing", zone)
	}
	if zp.paused {
		return nil
	}
	if err := zp.sess.proc.Pause(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "pause player", err)
	}
	zp.paused = true
	return nil
}

// Stop terminates the zone's pipeline. Stopping an idle zone is a no-op.
func (s *Supervisor) Stop(ctx context.Context, zone int) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewCancelled("stop zone %d cancelled", zone)
	}
	zp, err := s.player(zone)
	if err != nil {
		return err
	}

	zp.mu.Lock()
	defer zp.mu.Unlock()
	if zp.sess == nil {
		return nil
	}
	s.endSession(zp)
	return nil
}

// SeekToPositionMs restarts the pipeline at the given offset, clamped to
// the track's duration when known. The pause state survives the restart.
func (s *Supervisor) SeekToPositionMs(ctx context.Context, zone int, positionMs int64) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewCancelled("seek zone %d cancelled", zone)
	}
	zp, err := s.player(zone)
	if err != nil {
		return err
	}

	zp.mu.Lock()
	defer zp.mu.Unlock()
	if zp.sess == nil {
		return apperrors.NewFailedPrecondition("zone %d has nothing playing", zone)
	}

	track := zp.sess.track
	if positionMs < 0 {
		positionMs = 0
	}
	if track.DurationMs > 0 && positionMs > track.DurationMs {
		positionMs = track.DurationMs
	}

	wasPaused := zp.paused
	s.endSession(zp)
	return s.startSession(ctx, zp, track, positionMs, wasPaused)
}

// SeekToProgress seeks to a fraction of the track, clamped to [0,1].
// Tracks without a known duration cannot be seeked this way.
func (s *Supervisor) SeekToProgress(ctx context.Context, zone int, fraction float64) error {
	zp, err := s.player(zone)
	if err != nil {
		return err
	}

	zp.mu.Lock()
	if zp.sess == nil {
		zp.mu.Unlock()
		return apperrors.NewFailedPrecondition("zone %d has nothing playing", zone)
	}
	durationMs := zp.sess.track.DurationMs
	zp.mu.Unlock()

	if durationMs <= 0 {
		return apperrors.NewFailedPrecondition("zone %d track has no known duration", zone)
	}
	fraction = state.ClampProgress(fraction)
	return s.SeekToPositionMs(ctx, zone, int64(fraction*float64(durationMs)))
}

// Status reports the zone's player state with a live position.
func (s *Supervisor) Status(zone int) Status {
	zp, err := s.player(zone)
	if err != nil {
		return Status{}
	}

	zp.mu.Lock()
	defer zp.mu.Unlock()
	if zp.sess == nil {
		return Status{}
	}
	track := zp.sess.track
	track.PositionMs = zp.sess.positionMs.Load()
	if track.DurationMs > 0 {
		track.Progress = state.ClampProgress(float64(track.PositionMs) / float64(track.DurationMs))
	}
	track.IsPlaying = !zp.paused
	return Status{IsPlaying: !zp.paused, IsPaused: zp.paused, CurrentTrack: &track}
}

// AllStatus reports every zone's player state.
func (s *Supervisor) AllStatus() map[int]Status {
	s.mu.Lock()
	indexes := make([]int, 0, len(s.players))
	for index := range s.players {
		indexes = append(indexes, index)
	}
	s.mu.Unlock()

	out := make(map[int]Status, len(indexes))
	for _, index := range indexes {
		out[index] = s.Status(index)
	}
	return out
}

// StopAll terminates every pipeline; failures are logged, not returned.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	indexes := make([]int, 0, len(s.players))
	for index := range s.players {
		indexes = append(indexes, index)
	}
	s.mu.Unlock()

	for _, index := range indexes {
		if err := s.Stop(ctx, index); err != nil {
			s.logger.Printf("PLAYER: zone %d: stop: %v", index, err)
		}
	}
}

// Statistics returns the supervisor counters.
func (s *Supervisor) Statistics() Statistics {
	s.mu.Lock()
	active := 0
	for _, zp := range s.players {
		zp.mu.Lock()
		if zp.sess != nil {
			active++
		}
		zp.mu.Unlock()
	}
	s.mu.Unlock()

	return Statistics{
		ActiveSessions: active,
		Started:        s.started.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
	}
}

// watch drains one session's progress stream and reports its exit.
func (s *Supervisor) watch(zp *zonePlayer, sess *session) {
	for pu := range sess.proc.Progress() {
		pos := sess.startOffsetMs + pu.PositionMs
		sess.positionMs.Store(pos)
		if s.onPosition != nil {
			progress := 0.0
			if sess.track.DurationMs > 0 {
				progress = state.ClampProgress(float64(pos) / float64(sess.track.DurationMs))
			}
			s.onPosition(zp.index, pos, progress, sess.track.DurationMs)
		}
	}

	err := sess.proc.Wait()
	if sess.solicited.Load() {
		return
	}

	zp.mu.Lock()
	if zp.sess == sess {
		zp.sess = nil
		zp.paused = false
	}
	zp.mu.Unlock()

	vendor := VendorEnd
	if err != nil {
		vendor = VendorFailed
		s.failed.Add(1)
		s.logger.Printf("PLAYER: zone %d: pipeline failed: %v", zp.index, err)
	} else {
		s.completed.Add(1)
	}
	if s.onPlaybackState != nil {
		s.onPlaybackState(zp.index, false, vendor)
	}
}
