// Package app wires the RemoteConnect server runtime: config, logging, the desktop protocol
// listener, background workers, the admin console and the ops HTTP endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"remoteconnect/cmd/internal/admin"
	"remoteconnect/cmd/internal/approval"
	"remoteconnect/cmd/internal/audit"
	"remoteconnect/cmd/internal/chat"
	"remoteconnect/cmd/internal/realtime"
	"remoteconnect/cmd/internal/screen"
	"remoteconnect/cmd/internal/transfer"
	"remoteconnect/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const (
	patternWidth  = 640
	patternHeight = 360
	patternEvery  = 10
)

// App owns every long-lived service of one server process.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool

	chat      *chat.Log
	audit     *audit.Recorder
	transfers *transfer.Engine
	approvals *approval.Service
	coord     *realtime.Coordinator

	stdin *os.File

	listening atomic.Bool
	ready     chan struct{}
	protoAddr net.Addr
	httpAddr  net.Addr
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, stdin: os.Stdin, ready: make(chan struct{})}
	if err := a.build(context.Background()); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	clock := clockwork.NewRealClock()

	sink, err := a.newAuditSink(ctx)
	if err != nil {
		return err
	}
	a.audit = audit.NewRecorder(sink, clock, a.log.With("component", "audit"))

	pw, err := password.FromEnv()
	if err != nil {
		return fmt.Errorf("password config: %w", err)
	}
	if a.cfg.OTPLength > 0 {
		pw.OTPLength = a.cfg.OTPLength
	}
	a.approvals, err = approval.NewService(approval.NewMemoryStore(),
		approval.WithPasswordConfig(pw),
		approval.WithClock(clock),
		approval.WithLogger(a.log),
		approval.WithAutoAccept(a.cfg.AutoAccept),
	)
	if err != nil {
		return fmt.Errorf("approval: %w", err)
	}

	a.chat, err = chat.Open(a.log, chat.WithClock(clock))
	if err != nil {
		return err
	}

	a.transfers, err = transfer.New(a.cfg.transferConfig(), clock, a.log)
	if err != nil {
		return err
	}

	a.coord, err = realtime.NewCoordinator(a.cfg.realtimeConfig(), realtime.Deps{
		Clock:     clock,
		Log:       a.log,
		Transfers: a.transfers,
		Approvals: a.approvals,
		Chat:      a.chat,
		Audit:     a.audit,
		Screen:    a.newScreenSource(),
		Metrics:   realtime.NewMetrics(),
	})
	return err
}

// newAuditSink decides between the Postgres audit trail and the in-memory ring.
func (a *App) newAuditSink(ctx context.Context) (audit.Sink, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.memory_audit")
		return audit.NewMemorySink(0), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool

	sink, err := audit.NewPostgresSink(pool)
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.log.Info("db.enabled.postgres_audit")
	return sink, nil
}

func (a *App) newScreenSource() screen.Source {
	if a.cfg.ScreenSource == ScreenFile {
		a.log.Info("screen.source", "kind", ScreenFile, "path", a.cfg.ScreenFile)
		return screen.NewFileSource(a.cfg.ScreenFile)
	}
	a.log.Info("screen.source", "kind", ScreenPattern)
	return screen.NewPatternSource(patternWidth, patternHeight, patternEvery)
}

// Ready is closed once both listeners are bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

// ProtocolAddr is the bound desktop protocol address. Valid after Ready.
func (a *App) ProtocolAddr() net.Addr { return a.protoAddr }

// HTTPAddr is the bound ops address, nil when disabled. Valid after Ready.
func (a *App) HTTPAddr() net.Addr { return a.httpAddr }

// Run serves until ctx is done, the console issues stop, or a worker fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	a.protoAddr = ln.Addr()
	if a.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, a.cfg.MaxConnections)
	}

	var srv *http.Server
	var httpLn net.Listener
	if a.cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", a.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
		}
		a.httpAddr = httpLn.Addr()

		mux := http.NewServeMux()
		registerHTTP(mux, opsDeps{
			cfg:       a.cfg,
			log:       a.log,
			dbPool:    a.dbPool,
			registry:  a.coord.Metrics().Registry,
			listening: &a.listening,
		})
		srv = &http.Server{
			Handler:           WithRequestLogging(mux, a.log),
			ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		}
	}

	// The arbiter outlives Serve so disconnects during shutdown still release control.
	arbCtx, stopArbiter := context.WithCancel(context.WithoutCancel(ctx))
	arbDone := make(chan error, 1)
	go func() { arbDone <- a.coord.Arbiter().Run(arbCtx) }()
	defer func() {
		stopArbiter()
		<-arbDone
	}()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	a.listening.Store(true)
	g.Go(func() error {
		defer a.listening.Store(false)
		return a.coord.Serve(gctx, ln)
	})
	g.Go(func() error { return a.transfers.Run(gctx) })
	g.Go(func() error { return a.coord.RunScreen(gctx) })
	g.Go(func() error { return a.coord.RunLiveness(gctx) })

	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if admin.ShouldRun(a.cfg.AdminConsole, a.stdin) {
		console := admin.New(admin.Deps{
			Sessions:  a.coord,
			Approvals: a.approvals,
			Control:   a.coord.Arbiter(),
			Transfers: a.transfers,
			Chat:      a.chat,
			Stop:      stop,
			Log:       a.log,
		}, os.Stdout)
		g.Go(func() error { return console.Run(gctx, a.stdin) })
	}

	a.log.Info("server.start",
		"listen_addr", a.protoAddr.String(),
		"http_addr", addrString(a.httpAddr),
		"auto_accept", a.cfg.AutoAccept,
		"db_enabled", a.dbPool != nil,
		"max_connections", a.cfg.MaxConnections,
	)
	close(a.ready)

	err = g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
	} else {
		a.log.Info("server.stop")
	}
	return err
}

// close releases resources in reverse construction order. Safe on a partially built App.
func (a *App) close() {
	if a.chat != nil {
		if err := a.chat.Close(); err != nil {
			a.log.Error("chat.close.fail", "err", err)
		}
		a.chat = nil
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit.close.fail", "err", err)
		}
		a.audit = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
