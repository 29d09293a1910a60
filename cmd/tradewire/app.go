package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/tradewire/tradewire/cmd/tradewire/internal/config"
	"github.com/tradewire/tradewire/emitter"
	"github.com/tradewire/tradewire/engine"
	"github.com/tradewire/tradewire/feed"
	"github.com/tradewire/tradewire/internal/api"
	twlog "github.com/tradewire/tradewire/log"
	"github.com/tradewire/tradewire/pkg/sqllogger"
	"github.com/tradewire/tradewire/ratelimit"
	"github.com/tradewire/tradewire/registry"
	"github.com/tradewire/tradewire/reporter"
	"github.com/tradewire/tradewire/rules"
	"github.com/tradewire/tradewire/tradewire"
	"github.com/tradewire/tradewire/webui"
)

// App bundles the daemon's components and their lifecycle.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Registry *registry.Registry
	Engine   *engine.Engine
	Emitter  *emitter.QueueEmitter
	Reporter *reporter.Queue
	Feed     *feed.Telegram

	Server      *http.Server
	serverAddr  string
	serverErrCh chan error

	logMirror *sqllogger.Handler

	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// AppOptions configures application creation.
type AppOptions struct {
	Config config.AppConfig

	// Registry may be injected for tests; created from Config.StoragePath
	// when nil.
	Registry *registry.Registry
}

func NewApp(ctx context.Context, opts AppOptions) (*App, error) {
	cfg := opts.Config

	logger := slog.New(config.GetLogHandler(cfg))
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	reg := opts.Registry
	if reg == nil {
		var err error
		reg, err = registry.New(cfg.StoragePath, logger)
		if err != nil {
			return nil, fmt.Errorf("registry init failed: %w", err)
		}
	}

	var logMirror *sqllogger.Handler
	if cfg.LogToDB {
		mirror, err := sqllogger.NewHandler(reg.LogInsertFunc())
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("log mirror init failed: %w", err)
		}
		logMirror = mirror
		logger = slog.New(twlog.NewFanoutHandler(logger.Handler(), mirror))
		slog.SetDefault(logger)
	}

	var dict rules.Dictionary
	if cfg.RulesPath != "" {
		loaded, ruleErrs, err := rules.Load(cfg.RulesPath)
		if err != nil {
			logger.Warn("rule dictionary unavailable, continuing without rules",
				slog.String("path", cfg.RulesPath), slog.String("error", err.Error()))
		} else {
			dict = loaded
			for _, re := range ruleErrs {
				logger.Warn("rule skipped", slog.String("error", re.Error()))
			}
		}
	}

	sink, err := reporter.NewLogSink(reporter.Config{
		Dir:           cfg.ReportDir,
		DedupWindow:   cfg.DedupWindow,
		KeepDays:      cfg.KeepDays,
		ParserVersion: version,
		ReviewChatID:  cfg.ReviewChatID,
	}, reporter.WithLogger(logger))
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("reporter init failed: %w", err)
	}

	fileSink, err := emitter.NewFileSink(cfg.ActionsDir, logger)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("action sink init failed: %w", err)
	}
	queueEmitter := emitter.NewQueueEmitter(fileSink, logger)
	reportQueue := reporter.NewQueue(sink, logger)

	engCfg := engine.DefaultConfig()
	engCfg.DefaultLegVolume = cfg.LegVolume
	engCfg.DefaultSymbol = cfg.DefaultSymbol
	engCfg.RequireSymbol = cfg.RequireSymbol
	engCfg.MinTextLen = cfg.MinTextLen
	engCfg.BreakEvenOffset = cfg.BreakEvenOffset
	engCfg.EnableIgnoreGate = cfg.IgnoreGate
	engCfg.ChatIDWhitelist = cfg.TelegramChats

	eng := engine.NewEngine(engCfg, dict, reg,
		engine.WithReporter(reportQueue),
		engine.WithLogger(logger))

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Registry:    reg,
		Engine:      eng,
		Emitter:     queueEmitter,
		Reporter:    reportQueue,
		serverErrCh: make(chan error, 1),
		logMirror:   logMirror,
	}

	sendLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.SendRateLimit,
		Logger:            logger,
	})
	tg, err := feed.NewTelegram(cfg.TelegramToken, app.handleMessage,
		feed.WithLogger(logger),
		feed.WithChats(cfg.TelegramChats...),
		feed.WithSendLimit(sendLimiter))
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("telegram feed init failed: %w", err)
	}
	app.Feed = tg
	reporter.WithForwarder(tg)(sink)

	// The preview endpoint dry-runs messages; it must never write through
	// the live engine.
	apiHandler := api.NewHandler(eng.Preview(), api.WithLogger(logger))
	apiMux := http.NewServeMux()
	apiHandler.Register(apiMux)
	apiMux.Handle("/", webui.Handler())

	allowedOrigins := []string{"http://" + cfg.HTTPListen}
	if cfg.PublicOrigin != "" {
		allowedOrigins = append(allowedOrigins, cfg.PublicOrigin)
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	app.Server = &http.Server{
		Addr:    cfg.HTTPListen,
		Handler: corsMiddleware.Handler(apiMux),
	}

	return app, nil
}

// handleMessage is the feed callback: build actions and emit them.
func (a *App) handleMessage(ctx context.Context, msg tradewire.Message) error {
	ctx = twlog.ContextWithLogger(ctx, a.Logger)
	actions := a.Engine.BuildActionsFromMessage(ctx, msg, a.Config.LegsCount, a.Config.LegVolume)
	for _, act := range actions {
		if err := a.Emitter.Emit(ctx, act); err != nil {
			return fmt.Errorf("emit action %s: %w", act.ActionID, err)
		}
	}
	return nil
}

// StartHTTPServer binds the listener and serves in the background.
func (a *App) StartHTTPServer() {
	listener, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		a.serverErrCh <- err
		return
	}
	a.serverAddr = listener.Addr().String()

	go func() {
		a.Logger.Info("HTTP API listening", slog.String("addr", a.serverAddr))
		if err := a.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErrCh <- err
		}
	}()
}

// Run starts the workers and the feed and blocks until ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		a.Emitter.Run(gCtx, a.Config.EmitWorkers)
		return nil
	})
	g.Go(func() error {
		a.Reporter.Run(gCtx, a.Config.ReportWorkers)
		return nil
	})
	g.Go(func() error {
		if err := a.Feed.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("telegram feed stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-a.serverErrCh:
			return fmt.Errorf("http server failed: %w", err)
		case <-gCtx.Done():
			return nil
		}
	})

	return g.Wait()
}

// Shutdown stops the HTTP server and closes the registry.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		a.Logger.Info("shutdown requested")

		if a.cancel != nil {
			a.cancel()
		}

		if a.Server != nil {
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := a.Server.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Warn("HTTP server shutdown error", slog.String("error", err.Error()))
				shutdownErr = err
			}
		}

		// The log mirror drains into the registry, so close it first.
		if a.logMirror != nil {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := a.logMirror.Close(mctx); err != nil {
				a.Logger.Warn("log mirror close error", slog.String("error", err.Error()))
			}
		}

		if a.Registry != nil {
			if err := a.Registry.Close(); err != nil {
				a.Logger.Warn("registry close error", slog.String("error", err.Error()))
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		a.Logger.Debug("shutdown complete")
	})

	return shutdownErr
}
