package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	feedSourceWebhook  = "webhook"
	feedSourcePostgres = "postgres"
)

var feedListenRetryInterval = 5 * time.Second

// commissionReconciler is implemented by CommissionSub
type commissionReconciler interface {
	Handle(ctx context.Context, event CommissionEventType, c Commission) (ReconcileOutcome, error)
}

// commissionFeed passes commission events from any source to the
// reconciler, and keeps an audit record of each
type commissionFeed struct {
	reconciler commissionReconciler
	db         *database
	logger     *slog.Logger
}

func newCommissionFeed(
	reconciler commissionReconciler,
	db *database,
	logger *slog.Logger,
) *commissionFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &commissionFeed{reconciler: reconciler, db: db, logger: logger}
}

func (f *commissionFeed) Handle(
	ctx context.Context,
	source string,
	event CommissionEventType,
	c Commission,
) (ReconcileOutcome, error) {
	start := time.Now()
	outcome, err := f.reconciler.Handle(ctx, event, c)

	if f.db != nil {
		ev := &CommissionEvent{
			Event:         event,
			Source:        source,
			CommissionKey: c.Key,
			Datacenter:    c.Datacenter,
			Status:        c.Status,
			TotalItems:    c.TotalItems,
			Outcome:       outcome,
			DurationMS:    time.Since(start).Milliseconds(),
		}
		if err != nil {
			errText := err.Error()
			ev.Error = &errText
		}
		// audit with a fresh context, so a cancelled request is
		// still recorded
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
		f.db.RecordCommissionEvent(auditCtx, ev)
		cancel()
	}
	return outcome, err
}

// postgresFeed receives commission events via postgres LISTEN/NOTIFY.
// Payloads are JSON: {"event": "created", "commission": {...}}
type postgresFeed struct {
	dsn     string
	channel string
	feed    *commissionFeed
	logger  *slog.Logger
}

func newPostgresFeed(
	dsn string,
	channel string,
	feed *commissionFeed,
	logger *slog.Logger,
) *postgresFeed {
	return &postgresFeed{
		dsn:     dsn,
		channel: channel,
		feed:    feed,
		logger:  logger.With(loggerNameKey, "postgres_feed", "channel", channel),
	}
}

// Listen blocks, handling notifications in the order they arrive, until
// ctx is cancelled
func (p *postgresFeed) Listen(ctx context.Context) error {
	p.logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	listen := "LISTEN " + pgx.Identifier{p.channel}.Sanitize()
	if _, err = conn.Exec(ctx, listen); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	p.logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if errors.Is(e, context.Canceled) || ctx.Err() != nil {
				break
			}
			p.logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(feedListenRetryInterval):
			}
			continue
		}
		p.handleNotification(ctx, notification.Payload)
	}

	p.logger.InfoContext(ctx, "stopped db listener")
	return nil
}

func (p *postgresFeed) handleNotification(ctx context.Context, payload string) {
	event, c, err := ParseCommissionNotification(payload)
	if err != nil {
		p.logger.WarnContext(
			ctx,
			"skipping invalid commission notification",
			tint.Err(err),
			"payload", truncate(payload, 200),
		)
		return
	}
	_, _ = p.feed.Handle(ctx, feedSourcePostgres, event, c)
}
