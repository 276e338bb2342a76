package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/czd326/cooperative-indoor/internal/audit"
	"github.com/czd326/cooperative-indoor/internal/feature"
	"github.com/czd326/cooperative-indoor/internal/router"
	"github.com/czd326/cooperative-indoor/internal/server/middleware"
	"github.com/czd326/cooperative-indoor/internal/session"
	"github.com/czd326/cooperative-indoor/internal/store"
	"github.com/czd326/cooperative-indoor/pkg/config"
	"github.com/czd326/cooperative-indoor/pkg/transport"
)

// connEntry tracks a live connection together with the metadata the
// connection limiter needs.
type connEntry struct {
	conn    *transport.Connection
	ip      string
	created time.Time
}

type App struct {
	logger      *slog.Logger
	registry    *session.Registry
	eventRouter *router.EventRouter
	recorder    *audit.Recorder
	conns       *xsync.MapOf[uuid.UUID, *connEntry]
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, eventLog store.EventLog) *App {
	registry := session.NewRegistry(logger)
	recorder := audit.NewRecorder(logger, eventLog, audit.Config{
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: cfg.Audit.MaxRetries,
		RetryDelay: cfg.Audit.RetryDelay,
	})
	features := feature.NewController(logger, eventLog)

	app := &App{
		logger:   logger,
		registry: registry,
		recorder: recorder,
		conns:    xsync.NewMapOf[uuid.UUID, *connEntry](),
		config:   cfg,
		ctx:      rootCtx,
	}
	app.eventRouter = router.NewEventRouter(logger, registry, features, recorder, app)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				app.countByIP,
				app.cycleOldestByIP,
				cfg.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.New(
		r.Context(),
		&a.wg,
		wsConn,
		transport.Config{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)
	conn.SetOnMessage(a.eventRouter.HandleMessage)
	conn.SetOnClose(func(id uuid.UUID, err error) {
		a.conns.Delete(id)
		a.eventRouter.HandleDisconnect(id)
		connLogger.Info("connection closed", slog.String("connID", id.String()))
	})
	// Handlers must be in place before the entry becomes visible to the
	// limiter's cycler, which may Close it at any point from here on.
	a.conns.Store(conn.ID(), &connEntry{conn: conn, ip: reqMeta.IP, created: time.Now()})

	connLogger.Info("connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Lookup and Each make the App the router's connection table.

func (a *App) Lookup(connID uuid.UUID) (session.Sender, bool) {
	entry, ok := a.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

func (a *App) Each(fn func(s session.Sender)) {
	a.conns.Range(func(_ uuid.UUID, entry *connEntry) bool {
		fn(entry.conn)
		return true
	})
}

func (a *App) countByIP(ip string) int {
	n := 0
	a.conns.Range(func(_ uuid.UUID, entry *connEntry) bool {
		if entry.ip == ip {
			n++
		}
		return true
	})
	return n
}

func (a *App) cycleOldestByIP(ip string) {
	var oldest *connEntry
	a.conns.Range(func(_ uuid.UUID, entry *connEntry) bool {
		if entry.ip == ip && (oldest == nil || entry.created.Before(oldest.created)) {
			oldest = entry
		}
		return true
	})
	if oldest != nil {
		a.logger.Info("cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.conn.ID().String()))
		oldest.conn.Close(errors.New("connection cycled by new connection"))
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("closing all active connections...")
	a.conns.Range(func(_ uuid.UUID, entry *connEntry) bool {
		entry.conn.Close(errors.New("graceful shutdown"))
		return true
	})

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.recorder.Close()
	a.logger.Info("server shut down gracefully")
	return nil
}
