package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/warp/kwh-ledger/api"
	"github.com/warp/kwh-ledger/config"
	"github.com/warp/kwh-ledger/ledger"
	"github.com/warp/kwh-ledger/notify"
	"github.com/warp/kwh-ledger/ratelimit"
	"github.com/warp/kwh-ledger/store/sqlite"
)

// Globals are flags shared by every command.
type Globals struct {
	ConfigDir string `help:"Directory holding an optional config.yaml." default:"." type:"path"`
	DB        string `help:"SQLite path, overrides DB_PATH." placeholder:"PATH"`
}

// app is what every command needs: configuration, logger, store and engine.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *sqlite.Store
	engine *ledger.Engine
}

func openApp(g *Globals) (*app, error) {
	cfg, err := config.Load(g.ConfigDir)
	if err != nil {
		return nil, err
	}
	if g.DB != "" {
		cfg.DBPath = g.DB
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}
	rate, err := cfg.Rate()
	if err != nil {
		return nil, err
	}

	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{
		cfg:    cfg,
		log:    logger,
		store:  st,
		engine: ledger.NewEngine(st, limits, rate, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("close database", "error", err)
	}
}

// =============================================================================
// SERVE
// =============================================================================

type ServeCmd struct {
	Port string `help:"HTTP port, overrides HTTP_PORT."`
}

func (cmd *ServeCmd) Run(g *Globals) error {
	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.cfg.HTTPPort
	if cmd.Port != "" {
		port = cmd.Port
	}

	auth, err := api.NewAuthenticator(a.cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("JWT_SECRET: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(a.engine, a.log)
	handler.Audits = a.store
	handler.Health = a.store

	if a.cfg.RedisAddr != "" {
		client, err := ratelimit.Connect(ctx, a.cfg.RedisAddr)
		if err != nil {
			a.log.Warn("redis unavailable, intake rate limit disabled", "error", err)
		} else {
			defer client.Close()
			handler.Limiter = ratelimit.New(client, a.cfg.IntakeRateLimit, a.cfg.IntakeRateWindow)
			a.log.Info("intake rate limit enabled", "limit", a.cfg.IntakeRateLimit, "window", a.cfg.IntakeRateWindow.String())
		}
	}

	publisher := notify.Publisher(notify.LogPublisher{Log: a.log})
	if a.cfg.AMQPURL != "" {
		p, err := notify.DialAMQP(a.cfg.AMQPURL, a.cfg.AMQPExchange)
		if err != nil {
			a.log.Warn("amqp unavailable, events will be logged", "error", err)
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	relay := notify.NewRelay(a.store, publisher, a.log)
	relay.Interval = a.cfg.OutboxInterval
	relay.MaxAttempts = a.cfg.OutboxMaxAttempts
	relayDone := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(relayDone)
	}()

	scheduler, err := api.NewAuditScheduler(a.engine, a.store, a.cfg.AuditSchedule, a.log)
	if err != nil {
		return err
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      api.NewRouter(handler, auth, a.cfg.Origins()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", server.Addr, "db", a.cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-scheduler.Stop().Done()
			<-relayDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("forced shutdown", "error", err)
	}
	<-scheduler.Stop().Done()
	<-relayDone
	a.log.Info("server stopped")
	return nil
}

// =============================================================================
// EXPORT
// =============================================================================

type ExportCmd struct {
	User string `help:"Only this user's entries."`
	From string `help:"Inclusive lower bound (YYYY-MM-DD or RFC 3339)."`
	To   string `help:"Exclusive upper bound (YYYY-MM-DD or RFC 3339)."`
}

func (cmd *ExportCmd) Run(ctx *kong.Context, g *Globals) error {
	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	var filter ledger.EntryFilter
	if cmd.User != "" {
		user := ledger.UserID(cmd.User)
		filter.User = &user
	}
	if filter.From, err = api.ParseTimeBound(cmd.From); err != nil {
		return err
	}
	if filter.To, err = api.ParseTimeBound(cmd.To); err != nil {
		return err
	}

	entries, err := a.engine.Export(context.Background(), filter)
	if err != nil {
		return err
	}
	return api.WriteEntriesCSV(ctx.Stdout, entries)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditCmd struct{}

func (cmd *AuditCmd) Run(ctx *kong.Context, g *Globals) error {
	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := api.NewAuditScheduler(a.engine, a.store, a.cfg.AuditSchedule, a.log)
	if err != nil {
		return err
	}
	run := scheduler.RunOnce(context.Background())
	if run.Error != "" {
		return errors.New(run.Error)
	}
	fmt.Fprintf(ctx.Stdout, "%d accounts checked, %d discrepancies\n", run.AccountsChecked, run.Discrepancies)
	if run.Discrepancies > 0 {
		return fmt.Errorf("ledger audit found %d discrepancies", run.Discrepancies)
	}
	return nil
}

// =============================================================================
// TOKEN
// =============================================================================

type TokenCmd struct {
	User string        `arg:"" help:"User id (token subject)."`
	Role string        `help:"member or admin." default:"member" enum:"member,admin"`
	TTL  time.Duration `help:"Token lifetime." default:"720h"`
}

func (cmd *TokenCmd) Run(ctx *kong.Context, g *Globals) error {
	cfg, err := config.Load(g.ConfigDir)
	if err != nil {
		return err
	}
	auth, err := api.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("JWT_SECRET: %w", err)
	}
	tok, err := auth.Issue(ledger.UserID(cmd.User), api.Role(cmd.Role), cmd.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Stdout, tok)
	return nil
}
