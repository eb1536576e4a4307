package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/audit"
	"github.com/snapdog/snapdog-go/internal/auth"
	"github.com/snapdog/snapdog-go/internal/clients"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/db"
	"github.com/snapdog/snapdog-go/internal/knxbridge"
	"github.com/snapdog/snapdog-go/internal/locking"
	"github.com/snapdog/snapdog-go/internal/mqttbridge"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/openapi"
	"github.com/snapdog/snapdog-go/internal/player"
	"github.com/snapdog/snapdog-go/internal/playlist"
	"github.com/snapdog/snapdog-go/internal/scheduler"
	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
	"github.com/snapdog/snapdog-go/internal/system"
	"github.com/snapdog/snapdog-go/internal/ws"
	"github.com/snapdog/snapdog-go/internal/zones"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs all incoming HTTP requests
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Millisecond))
	})
}

// Options controls server wiring.
type Options struct {
	// PlayerBackend overrides the ffmpeg backend. Tests inject a
	// synthetic player so the handler comes up without the binary.
	PlayerBackend player.Backend
}

// NewHandler builds the control plane and returns a shutdown function.
// An empty SQLiteDBPath runs without persistence: no state restore, no
// audit trail, and fewer maintenance jobs.
func NewHandler(cfg config.Config, options Options) (http.Handler, func(context.Context) error, error) {
	var dbPair *db.DBPair
	if cfg.SQLiteDBPath != "" {
		log.Printf("Using database: %s", cfg.SQLiteDBPath)
		pair, err := db.Init(cfg.SQLiteDBPath)
		if err != nil {
			return nil, nil, err
		}
		dbPair = pair
	}

	backend := options.PlayerBackend
	if backend == nil {
		b, err := player.NewFFmpegBackend(cfg.FfmpegPath, nil)
		if err != nil {
			closePair(dbPair)
			return nil, nil, err
		}
		backend = b
	}

	bus := notify.NewBus(nil)

	addr := net.JoinHostPort(cfg.SnapcastHost, strconv.Itoa(cfg.SnapcastPort))
	conn := snapcast.NewConn(addr, snapcast.Options{
		RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
	})
	repo := snapcast.NewRepository(clientMACs(cfg.Clients), nil)
	conn.OnSnapshot(repo.ReplaceServer)
	conn.OnNotification(repo.Apply)

	zoneStore := state.NewZoneStore()
	clientStore := state.NewClientStore()

	var persister state.Persister
	if dbPair != nil {
		persister = state.NewSQLitePersister(dbPair, nil)
		restoreState(persister, zoneStore, clientStore, cfg)
	}

	var auditService *audit.Service
	if dbPair != nil {
		auditService = audit.NewService(audit.NewRepository(dbPair), bus, cfg.AuditRetentionDays, nil)
	}

	clientManager := clients.NewManager(cfg.Zones, cfg.Clients, conn, repo, clientStore, bus, nil)

	supervisor := player.NewSupervisor(backend, zoneSinks(cfg.Zones), nil)
	zoneManager := zones.NewManager(zones.Deps{
		Zones:     cfg.Zones,
		Interval:  time.Duration(cfg.ProgressUpdateIntervalMs) * time.Millisecond,
		Group:     conn,
		Clients:   clientManager,
		Player:    supervisor,
		Playlists: playlist.NewRadioProvider(cfg.Radio),
		Repo:      repo,
		Store:     zoneStore,
		Locks:     locking.NewEntityLock(nil),
		Bus:       bus,
	})
	zoneManager.BindPlayerEvents(supervisor)

	snapshot := func() (map[int]state.ZoneState, map[int]state.ClientState) {
		return zoneManager.AllStates(), clientManager.AllClients()
	}
	hub := ws.NewHub(bus, snapshot, nil)

	var auditHealth system.AuditHealth
	if auditService != nil {
		auditHealth = auditService
	}
	systemService := system.NewService(bus, conn, auditHealth, nil)

	var pruner scheduler.AuditPruner
	if auditService != nil {
		pruner = auditService
	}
	sched := scheduler.NewService(cfg, scheduler.Deps{
		Source:    conn,
		Mirror:    repo,
		Snapshot:  snapshot,
		Persister: persister,
		Pruner:    pruner,
	}, nil)

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLoggerMiddleware)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware)
	router.Use(auth.Middleware(cfg))

	registerHealthRoutes(router)
	openapi.RegisterRoutes(router)
	auth.RegisterRoutes(router, cfg)

	var cmdAuditor commandAuditor
	if auditService != nil {
		cmdAuditor = auditService
	}
	zones.RegisterRoutes(router, zoneManager, cmdAuditor)
	clients.RegisterRoutes(router, clientManager, cmdAuditor)
	if auditService != nil {
		audit.RegisterRoutes(router, auditService)
	}
	system.RegisterRoutes(router, systemService)
	router.Handle("/v1/ws", hub)

	var (
		mqttBridge *mqttbridge.Bridge
		knxBridge  *knxbridge.Bridge
	)
	shutdown := func(ctx context.Context) error {
		if ctx == nil {
			ctx = context.Background()
		}
		sched.Stop()
		systemService.StopStatsJob()
		if knxBridge != nil {
			knxBridge.Close()
		}
		if mqttBridge != nil {
			mqttBridge.Close()
		}
		hub.Close()
		zoneManager.Close()
		clientManager.Close()
		supervisor.StopAll(ctx)
		_ = conn.Close()
		if persister != nil {
			if err := persister.SaveAll(zoneManager.AllStates(), clientManager.AllClients()); err != nil {
				log.Printf("SERVER: final state flush: %v", err)
			}
		}
		bus.Close()
		return closePair(dbPair)
	}

	conn.Start()
	clientManager.Start()
	startCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.RequestTimeoutMs)*time.Millisecond)
	zoneManager.Start(startCtx)
	cancel()

	if cfg.MQTTBrokerURL != "" {
		var auditor mqttbridge.Auditor
		if auditService != nil {
			auditor = auditService
		}
		mqttBridge = mqttbridge.New(cfg, zoneManager, clientManager, auditor, bus, nil)
		if err := mqttBridge.Start(); err != nil {
			_ = shutdown(context.Background())
			return nil, nil, err
		}
	}
	if cfg.KNXGatewayAddr != "" {
		var auditor knxbridge.Auditor
		if auditService != nil {
			auditor = auditService
		}
		bridge, err := knxbridge.New(cfg, zoneManager, clientManager, auditor, bus, nil)
		if err == nil {
			knxBridge = bridge
			err = knxBridge.Start()
		}
		if err != nil {
			_ = shutdown(context.Background())
			return nil, nil, err
		}
	}

	sched.Start()
	systemService.StartStatsJob()

	return router, shutdown, nil
}

// commandAuditor matches the Auditor interface every command surface
// declares for itself.
type commandAuditor interface {
	RecordCommand(origin, target, command string, detail map[string]any, requestID *string, err error)
}

func closePair(pair *db.DBPair) error {
	if pair == nil {
		return nil
	}
	return pair.Close()
}

func clientMACs(conf []config.ClientConfig) []string {
	macs := make([]string, 0, len(conf))
	for _, c := range conf {
		macs = append(macs, c.MAC)
	}
	return macs
}

func zoneSinks(conf []config.ZoneConfig) map[int]string {
	sinks := make(map[int]string, len(conf))
	for i, z := range conf {
		sinks[i+1] = z.Sink
	}
	return sinks
}

// restoreState seeds the stores from the last persisted snapshot before
// the managers initialise their defaults. The configuration stays
// authoritative for identity fields, and playback always restarts
// stopped: no player session survives the process.
func restoreState(p state.Persister, zoneStore *state.ZoneStore, clientStore *state.ClientStore, cfg config.Config) {
	saved, err := p.LoadZoneStates()
	if err != nil {
		log.Printf("SERVER: restore zone states: %v", err)
	}
	for i, zc := range cfg.Zones {
		index := i + 1
		s, ok := saved[index]
		if !ok {
			continue
		}
		zoneStore.Set(index, s.With(func(z *state.ZoneState) {
			z.Name = zc.Name
			z.SnapcastStreamID = snapcast.StreamIDFromSink(zc.Sink)
			z.PlaybackState = state.PlaybackStopped
			if z.Track != nil {
				z.Track.IsPlaying = false
				z.Track.PositionMs = 0
				z.Track.Progress = 0
			}
		}))
	}

	savedClients, err := p.LoadClientStates()
	if err != nil {
		log.Printf("SERVER: restore client states: %v", err)
	}
	for i, cc := range cfg.Clients {
		index := i + 1
		s, ok := savedClients[index]
		if !ok {
			continue
		}
		clientStore.Set(index, s.With(func(c *state.ClientState) {
			c.Name = cc.Name
			c.Icon = cc.Icon
			c.MAC = cc.MAC
			c.Connected = false
		}))
	}
}

func registerHealthRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/v1/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		response := map[string]any{
			"status":    "healthy",
			"service":   "snapdog",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		return api.WriteJSON(w, http.StatusOK, response)
	}))
	router.Method(http.MethodGet, "/v1/health/live", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	router.Method(http.MethodGet, "/v1/health/ready", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}))
}
