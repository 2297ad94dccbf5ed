package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnCommissionKey = "commission_key"
	columnCreatedAt     = "created_at"
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// MessageBinding links a commission to the Discord message announcing it.
// There is at most one binding per commission key.
type MessageBinding struct {
	CommissionKey string `gorm:"primaryKey" json:"commission_key"`
	ChannelID     string `gorm:"not null" json:"channel_id"`
	MessageID     string `gorm:"not null" json:"message_id"`
	ModelUnixTime
}

func (b MessageBinding) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("commission_key", b.CommissionKey),
		slog.String("channel_id", b.ChannelID),
		slog.String("message_id", b.MessageID),
	)
}

// CommissionEvent is an audit record of a commission event received from
// a feed, and what was done about it.
type CommissionEvent struct {
	ModelUintID
	ModelUnixTime

	Event         CommissionEventType `gorm:"index;not null" json:"event"`
	Source        string              `gorm:"not null" json:"source"`
	CommissionKey string              `gorm:"index" json:"commission_key"`
	Datacenter    string              `json:"datacenter,omitempty"`
	Status        CommissionStatus    `json:"status"`
	TotalItems    int                 `json:"total_items"`
	Outcome       ReconcileOutcome    `gorm:"index" json:"outcome,omitempty"`
	Error         *string             `json:"error,omitempty"`
	DurationMS    int64               `json:"duration_ms"`
}

// database wraps a gorm connection. When concurrent writes are disabled
// (always the case for sqlite), writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout when ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

// Upsert inserts value, or updates all columns if a row with the same
// primary key exists.
func (d *database) Upsert(ctx context.Context, value any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(value)
	return rv.RowsAffected, rv.Error
}

// Delete permanently deletes rows of model matching conds
func (d *database) Delete(ctx context.Context, model any, conds ...any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Unscoped().Delete(model, conds...)
	return rv.RowsAffected, rv.Error
}

// First loads the first record matching conds into dest
func (d *database) First(ctx context.Context, dest any, conds ...any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).First(dest, conds...).Error
}

// RecordCommissionEvent writes an audit row. Failures are logged rather
// than returned, so auditing never blocks reconciliation.
func (d *database) RecordCommissionEvent(ctx context.Context, ev *CommissionEvent) {
	if _, err := d.Create(ctx, ev); err != nil {
		d.logger.ErrorContext(
			ctx,
			"error recording commission event",
			tint.Err(err),
			"event", ev.Event,
			columnCommissionKey, ev.CommissionKey,
		)
	}
}

// CommissionEvents returns the most recent commission events, newest
// first. If key is set, only events for that commission are returned.
func (d *database) CommissionEvents(
	ctx context.Context,
	key string,
	limit int,
) ([]CommissionEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var events []CommissionEvent
	q := d.db.WithContext(ctx).Order(columnCreatedAt + " desc").Order("id desc").Limit(limit)
	if key != "" {
		q = q.Where(columnCommissionKey+" = ?", key)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the schema.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//   - handler: Log handler for SQL logs. If nil, WARN and above are
//     logged to stdout.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
) (*gorm.DB, error) {
	if handler == nil {
		handler = tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: slog.LevelWarn, AddSource: true},
		)
	}

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	slog.New(handler).InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)

	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	if err = prepareDB(ctx, db, databaseType); err != nil {
		return db, err
	}

	return db, nil
}

// prepareDB applies sqlite pragmas, then migrates the schema
func prepareDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType == dbTypeSQLite {
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if err := errors.Join(pragmaErrors...); err != nil {
			return fmt.Errorf("error setting sqlite pragmas: %w", err)
		}
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&MessageBinding{},
		&CommissionEvent{},
	); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
