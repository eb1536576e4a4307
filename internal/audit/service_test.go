package audit

import (
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/notify"
)

type noteCollector struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (c *noteCollector) add(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

func (c *noteCollector) byEvent(event string) []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Notification
	for _, n := range c.notes {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

type auditEnv struct {
	svc *Service
	col *noteCollector
}

func newAuditEnv(t *testing.T, retentionDays int) *auditEnv {
	t.Helper()
	repo := NewRepository(setupTestDB(t))
	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)
	col := &noteCollector{}
	bus.Subscribe("audit-test", col.add)
	return &auditEnv{svc: NewService(repo, bus, retentionDays, nil), col: col}
}

func waitNotes(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestService_RecordPublishesCommandStatus(t *testing.T) {
	env := newAuditEnv(t, 0)

	entry, err := env.svc.Record(RecordInput{Origin: "api", Target: "zone:1", Command: "Play"})
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, entry.Outcome)

	waitNotes(t, func() bool { return len(env.col.byEvent("CommandStatus")) == 1 })
	note := env.col.byEvent("CommandStatus")[0]
	payload := note.Payload.(notify.CommandStatusPayload)
	require.Equal(t, "api", payload.Origin)
	require.Equal(t, "zone:1", payload.Target)
	require.Equal(t, "Play", payload.Command)
	require.Equal(t, OutcomeOK, payload.Outcome)
}

func TestService_RecordCommandSuccess(t *testing.T) {
	env := newAuditEnv(t, 0)

	env.svc.RecordCommand("mqtt", "zone:2", "SetVolume", map[string]any{"volume": 40}, nil, nil)

	entries, total, _, err := env.svc.Query(QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, OutcomeOK, entries[0].Outcome)
	require.Nil(t, entries[0].ErrorKind)
	require.Equal(t, float64(40), entries[0].Detail["volume"])
}

func TestService_RecordCommandDerivesErrorKind(t *testing.T) {
	env := newAuditEnv(t, 0)

	cmdErr := apperrors.NewNotFound("playlist 9 not found")
	env.svc.RecordCommand("api", "zone:1", "SetPlaylist", map[string]any{"playlist": 9}, strPtr("req-7"), cmdErr)

	entries, total, _, err := env.svc.Query(QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	entry := entries[0]
	require.Equal(t, OutcomeError, entry.Outcome)
	require.NotNil(t, entry.ErrorKind)
	require.Equal(t, string(apperrors.KindNotFound), *entry.ErrorKind)
	require.Equal(t, "playlist 9 not found", entry.Detail["message"])
	require.Equal(t, float64(9), entry.Detail["playlist"])
	require.NotNil(t, entry.RequestID)
	require.Equal(t, "req-7", *entry.RequestID)

	waitNotes(t, func() bool { return len(env.col.byEvent("CommandError")) == 1 })
	payload := env.col.byEvent("CommandError")[0].Payload.(notify.CommandStatusPayload)
	require.Equal(t, string(apperrors.KindNotFound), payload.ErrorKind)
	require.Equal(t, "playlist 9 not found", payload.Message)
}

func TestService_RecordCommandMarksUnauthorizedDenied(t *testing.T) {
	env := newAuditEnv(t, 0)

	env.svc.RecordCommand("api", "zone:1", "Stop", nil, nil, apperrors.NewUnauthorized("missing bearer token"))

	entries, total, _, err := env.svc.Query(QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, OutcomeDenied, entries[0].Outcome)
}

func TestService_QueryClampsLimitAndReportsHasMore(t *testing.T) {
	env := newAuditEnv(t, 0)

	for i := 0; i < 5; i++ {
		_, err := env.svc.Record(RecordInput{Origin: "api", Target: "zone:1", Command: "VolumeUp"})
		require.NoError(t, err)
	}

	entries, total, hasMore, err := env.svc.Query(QueryFilters{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, entries, 2)
	require.True(t, hasMore)

	entries, total, hasMore, err = env.svc.Query(QueryFilters{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, entries, 1)
	require.False(t, hasMore)

	entries, _, hasMore, err = env.svc.Query(QueryFilters{Limit: MaxQueryLimit + 1})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.False(t, hasMore)
}

func TestService_GetMissingReturnsNotFound(t *testing.T) {
	env := newAuditEnv(t, 0)

	_, err := env.svc.Get("no-such-id")
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestService_PruneRemovesExpiredEntries(t *testing.T) {
	pair := setupTestDB(t)
	repo := NewRepository(pair)
	svc := NewService(repo, nil, 30, nil)

	_, err := repo.Insert(RecordInput{Origin: "api", Target: "zone:1", Command: "Play"})
	require.NoError(t, err)

	old := time.Now().UTC().AddDate(0, 0, -45).Format(time.RFC3339)
	_, err = pair.Writer().Exec(`
		INSERT INTO command_audit (id, occurred_at, origin, target, command, detail, outcome)
		VALUES ('expired', ?, 'api', 'zone:1', 'Play', '{}', 'ok')
	`, old)
	require.NoError(t, err)

	deleted, err := svc.Prune()
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	entry, err := repo.Get("expired")
	require.NoError(t, err)
	require.Nil(t, entry)

	_, total, err := repo.Query(QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	deleted, err = svc.Prune()
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestService_HealthTracksConsecutiveFailures(t *testing.T) {
	pair := setupTestDB(t)
	svc := NewService(NewRepository(pair), nil, 0, nil)

	_, err := svc.Record(RecordInput{Origin: "api", Target: "zone:1", Command: "Play"})
	require.NoError(t, err)
	require.True(t, svc.IsHealthy())

	require.NoError(t, pair.Close())

	for i := 0; i < MaxConsecutiveFailures; i++ {
		_, err := svc.Record(RecordInput{Origin: "api", Target: "zone:1", Command: "Play"})
		require.Error(t, err)
	}
	require.False(t, svc.IsHealthy())
}
