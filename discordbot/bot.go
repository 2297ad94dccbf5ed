package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Lalalavicious/discord-bot/discordbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = newStructValidator()
)

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// Bot wires configuration, logging, the database, the Discord session,
// the API server and the commission feeds together.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	db *database

	// Remembers which message announces which commission
	bindings BindingStore

	// Item names used when rendering commissions. Loaded during Run
	// if not already set.
	catalog *ItemCatalog

	// Handles the discord session and gateway events
	discord *Discord

	// Reconciles commission events with discord messages
	commissions *CommissionSub

	feed   *commissionFeed
	pgFeed *postgresFeed
	api    *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	// up, and the bot is handling commands and commission events
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New returns a Bot for the given config. Nothing is opened or connected
// until Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	b.discord = newDiscord(config.Discord, b.componentLogger(config.Discord.LogLevel, "discord"))

	return b, errors.Join(errs...)
}

// componentLogger returns a logger at the given level, falling back to
// the base log level if level isn't set
func (b *Bot) componentLogger(level *slog.LevelVar, name string) *slog.Logger {
	var leveler slog.Leveler = b.config.LogLevel
	if level != nil {
		leveler = level
	}
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     leveler,
				AddSource: true,
			},
		),
	).With(loggerNameKey, name)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Stop signals a running bot to shut down. Returns false if a stop
// signal is already pending.
func (b *Bot) Stop() bool {
	select {
	case b.signalStop <- struct{}{}:
		return true
	default:
		return false
	}
}

// Ready returns a channel which receives a value once Run has started
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Run starts the bot and blocks until ctx is cancelled, Stop is called,
// or the API server or postgres feed fail. Then it shuts down.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		b.closeResources(ctx)
		return err
	}
	logger.InfoContext(ctx, "init complete")

	// the runtime context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			if err := b.api.Serve(gctx); err != nil {
				return fmt.Errorf("error serving api: %w", err)
			}
			return nil
		},
	)

	if b.pgFeed != nil {
		g.Go(
			func() error {
				return b.pgFeed.Listen(gctx)
			},
		)
	}

	b.discord.addHandlers(gctx)
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
		cancel()
		_ = b.shutdown(ctx, g)
		return fmt.Errorf("error opening discord session: %w", err)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(b.startedAt))

	select {
	case <-b.signalStop:
		logger.WarnContext(ctx, "got stop signal")
	case <-gctx.Done():
		logger.WarnContext(ctx, "context canceled")
	}
	cancel()

	return b.shutdown(ctx, g)
}

// initRun opens the database and binding store, loads the item catalog,
// and sets up the discord session, commands, commission reconciler,
// feeds and API.
func (b *Bot) initRun(ctx context.Context) error {
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if b.bindings == nil {
		bindings, err := newBindingStore(b.config.Commissions, b.db)
		if err != nil {
			return err
		}
		b.bindings = bindings
	}

	if b.catalog == nil {
		catalog, err := LoadItemCatalog(ctx, b.config.HTTPClient, *b.config.Items)
		if err != nil {
			return err
		}
		b.catalog = catalog
		b.logger.InfoContext(ctx, "loaded item catalog", "items", catalog.Len())
	}

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	commands, err := NewCommandHandler(
		b.discord.session,
		b.config.Discord.CommandPrefix,
		b.discord.logger.With(loggerNameKey, "commands"),
		BlockedSiteCommand{},
	)
	if err != nil {
		return err
	}
	b.discord.commands = commands

	commissionLogger := b.componentLogger(b.config.Commissions.LogLevel, "commissions")
	b.commissions = NewCommissionSub(
		b.discord.session,
		b.bindings,
		b.catalog,
		b.config.Commissions,
		commissionLogger,
	)
	b.feed = newCommissionFeed(b.commissions, b.db, commissionLogger)

	if pg := b.config.Feed.Postgres; pg.Enabled {
		dsn := pg.DSN
		if dsn == "" && b.config.DatabaseType == dbTypePostgres {
			dsn = b.config.Database
		}
		if dsn == "" {
			return errors.New("postgres feed enabled, but no DSN is set")
		}
		b.pgFeed = newPostgresFeed(dsn, pg.Channel, b.feed, commissionLogger)
	}

	api, err := newAPI(
		b.config.API,
		b.config.Feed,
		b.config.Development,
		&APIHandlers{
			feed:       b.feed,
			db:         b.db,
			bindings:   b.bindings,
			connected:  b.discord.connected.Load,
			feedSecret: b.config.Feed.Secret,
		},
		b.componentLogger(b.config.API.LogLevel, "api"),
	)
	if err != nil {
		return err
	}
	b.api = api
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.db != nil {
		return nil
	}
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	db, err := getDB(
		b.config.DatabaseType,
		b.config.Database,
		newGORMLogger(handler, b.config.DatabaseSlowThreshold),
	)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if err = prepareDB(ctx, db, b.config.DatabaseType); err != nil {
		return err
	}

	b.db = newDatabase(
		db,
		slog.New(handler),
		b.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// shutdown stops the API server, the discord session and the feeds,
// allowing up to ShutdownTimeout for in-flight events to finish
func (b *Bot) shutdown(ctx context.Context, g *errgroup.Group) error {
	b.logger.WarnContext(ctx, "shutting down", "shutdown_timeout", b.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	if b.discord.session != nil {
		b.discord.removeHandlers()
		if err := b.discord.session.Close(); err != nil {
			b.logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	if b.api != nil {
		if err := b.api.Shutdown(closeCtx); err != nil {
			b.logger.WarnContext(ctx, "error stopping http server", tint.Err(err))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-closeCtx.Done():
		runErr = errors.New("timed out waiting for shutdown")
	}

	b.closeResources(ctx)
	b.logger.InfoContext(ctx, "shutdown complete")
	return runErr
}

func (b *Bot) closeResources(ctx context.Context) {
	if b.bindings != nil {
		if err := b.bindings.Close(); err != nil {
			b.logger.WarnContext(ctx, "error closing binding store", tint.Err(err))
		}
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
