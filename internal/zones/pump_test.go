package zones

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapdog/snapdog-go/internal/notify"
)

func TestService_PositionEvents_PublishOnlyOnChange(t *testing.T) {
	e := newZoneEnv(t, 30*time.Millisecond)
	e.startPlaying(t, 1, 1)

	e.play.setPosition(1, 1000, 10000)
	events := waitEvents(t, e.col, "ZoneProgressChanged", 1)
	payload := events[0].Payload.(notify.ZoneProgressPayload)
	require.Equal(t, int64(1000), payload.PositionMs)
	require.InDelta(t, 10.0, payload.ProgressPercent, 0.01)
	waitEvents(t, e.col, "ZoneTrackProgressChanged", 1)

	// The position holds still: further beats are suppressed.
	time.Sleep(120 * time.Millisecond)
	require.Len(t, e.col.byEvent("ZoneProgressChanged"), 1)

	e.play.setPosition(1, 2000, 10000)
	events = waitEvents(t, e.col, "ZoneProgressChanged", 2)
	payload = events[1].Payload.(notify.ZoneProgressPayload)
	require.Equal(t, int64(2000), payload.PositionMs)
	require.InDelta(t, 20.0, payload.ProgressPercent, 0.01)

	st := e.state(t, 1)
	require.Equal(t, int64(2000), st.Track.PositionMs)
	require.Equal(t, int64(10000), st.Track.DurationMs)
}

func TestService_PositionEvents_IgnoredWhenNotPlaying(t *testing.T) {
	e := newZoneEnv(t, 30*time.Millisecond)
	s := e.svc(t, 1)

	s.handlePosition(1000, 0.1, 10000)

	require.Zero(t, e.state(t, 1).Track.PositionMs)
	e.fence(t, s)
	require.Empty(t, e.col.byEvent("ZoneProgressChanged"))
}

func TestService_Pump_SteadyBeatWhilePlaying(t *testing.T) {
	e := newZoneEnv(t, 40*time.Millisecond)
	e.play.setAdvance(40)
	s := e.startPlaying(t, 1, 1)

	time.Sleep(440 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	n := len(e.col.byEvent("ZoneProgressChanged"))
	require.GreaterOrEqual(t, n, 5, "pump should have published most beats")
	require.LessOrEqual(t, n, 13, "pump should publish at most one record per beat")

	// The pump stops with playback.
	time.Sleep(150 * time.Millisecond)
	require.Len(t, e.col.byEvent("ZoneProgressChanged"), n)
}

func TestService_Pump_SkipsBeatsWhenZoneBusy(t *testing.T) {
	e := newZoneEnv(t, 40*time.Millisecond)
	e.play.setAdvance(40)
	e.startPlaying(t, 1, 1)

	waitEvents(t, e.col, "ZoneProgressChanged", 2)

	var during int
	err := e.locks.WithLock(context.Background(), 1, time.Second, func() error {
		time.Sleep(60 * time.Millisecond) // let an in-flight beat drain
		before := len(e.col.byEvent("ZoneProgressChanged"))
		time.Sleep(200 * time.Millisecond)
		during = len(e.col.byEvent("ZoneProgressChanged")) - before
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, during, "a held zone lock skips pump beats instead of queueing them")

	// Beats resume after the lock is released.
	resumeFrom := len(e.col.byEvent("ZoneProgressChanged"))
	waitEvents(t, e.col, "ZoneProgressChanged", resumeFrom+1)
}

func TestService_Seek_DelegatesToPlayer(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)
	s := e.startPlaying(t, 1, 1)
	ctx := context.Background()

	require.NoError(t, s.SeekToPosition(ctx, 90000))
	seeks := e.play.byOp("seek_position")
	require.Len(t, seeks, 1)
	require.Equal(t, int64(90000), seeks[0].positionMs)

	require.NoError(t, s.SeekToProgress(ctx, 1.5))
	progresses := e.play.byOp("seek_progress")
	require.Len(t, progresses, 1)
	require.Equal(t, 1.0, progresses[0].fraction)
}
