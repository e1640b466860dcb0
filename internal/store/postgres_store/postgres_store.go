package postgres_store

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/env"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/ctxkey"
	"github.com/jackc/pgx/v4/log/logrusadapter"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type txError struct {
	cause error
}

// Error implements the error interface.
func (e *txError) Error() string { return e.cause.Error() }

// Cause implements the pkg/errors causer interface.
func (e *txError) Cause() error { return e.cause }

// Unwrap implements the go error causer interface.
func (e *txError) Unwrap() error { return e.cause }

// AmbiguousCommitError represents an error that left a transaction in an
// ambiguous state: unclear if it committed or not.
type AmbiguousCommitError struct {
	txError
}

func newAmbiguousCommitError(err error) *AmbiguousCommitError {
	return &AmbiguousCommitError{txError{cause: err}}
}

var (
	PostgresStore store.Store = PostgresDbStore{}
	db            *gorm.DB
	pgxPool       *pgxpool.Pool
)

type PostgresDbStore struct{}

// GetDB returns the underlying gorm.DB connection
func (s PostgresDbStore) GetDB() *gorm.DB {
	return db
}

// getDB returns either the transaction from the context or the global DB
func (ps PostgresDbStore) getDB(ctx context.Context) *gorm.DB {
	return GetDBFromContext(ctx)
}

// GetDBFromContext returns either the transaction from the context or the global DB
func GetDBFromContext(ctx context.Context) *gorm.DB {
	if tx, ok := ctxkey.Tx(ctx).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return db
}

// InTransaction runs fn in one database transaction. Store calls made with the
// context fn receives run inside it; a call that is already inside one joins
// it. The transaction rolls back when fn returns an error.
func (ps PostgresDbStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctxkey.Tx(ctx).(*gorm.DB); ok {
		return fn(ctx)
	}
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	if err := fn(ctxkey.WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			logging.Log.WithError(rbErr).Warn("failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return newAmbiguousCommitError(err)
	}
	return nil
}

func (s PostgresDbStore) Initialize() (func(), error) {
	uri := config.DbUri
	maxRetries := env.GetEnvAsIntOrDefault("DB_CONNECT_MAX_RETRIES", "30")
	retryInterval := time.Duration(env.GetEnvAsIntOrDefault("DB_CONNECT_RETRY_INTERVAL_SECONDS", "2")) * time.Second

	pgxpoolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, err
	}
	logrusLogger := &logrus.Logger{
		Out:          os.Stderr,
		Formatter:    new(logrus.JSONFormatter),
		Hooks:        make(logrus.LevelHooks),
		Level:        logrus.ErrorLevel,
		ExitFunc:     os.Exit,
		ReportCaller: false,
	}
	pgxpoolConfig.ConnConfig.Logger = logrusadapter.NewLogger(logrusLogger)

	// Retry connection with backoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pgxPool, err = pgxpool.ConnectConfig(context.Background(), pgxpoolConfig)
		if err == nil {
			break
		}
		if attempt == maxRetries {
			return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
		}
		logging.Log.WithError(err).Warnf("Database connection attempt %d/%d failed, retrying in %v", attempt, maxRetries, retryInterval)
		time.Sleep(retryInterval)
	}

	gormLogger := getLogger()
	nowFunc := func() time.Time {
		return time.Now().UTC()
	}
	db, err = gorm.Open(postgres.Open(uri), &gorm.Config{Logger: gormLogger, NowFunc: nowFunc, TranslateError: true})
	if err != nil {
		pgxPool.Close()
		return nil, err
	}
	logging.Log.Info("postgres store initialized")
	return func() {
		pgxPool.Close()
	}, nil
}

// Ping checks the pool can reach the database.
func (s PostgresDbStore) Ping(ctx context.Context) error {
	if pgxPool == nil {
		return fmt.Errorf("%w: postgres store not initialized", store.ErrServiceUnavailable)
	}
	if err := pgxPool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrServiceUnavailable, err)
	}
	return nil
}

// Identifier names the connected database without credentials, for operator
// facing errors.
func Identifier(uri string) string {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return "unparseable database uri"
	}
	return fmt.Sprintf("%s:%d/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database)
}

func getLogger() logger.Interface {
	slowThresholdSeconds := env.GetEnvAsIntOrDefault("SQL_LOGGER_SLOW_SQL_SECONDS", "1")
	logLevel := env.GetEnvOrDefault("SQL_LOGGER_LEVEL", "error")
	ignoreRecordNotFound := env.GetEnvAsBoolOrDefault("SQL_LOGGER_IGNORE_RECORD_NOT_FOUND", "true")
	colorful := env.GetEnvAsBoolOrDefault("SQL_LOGGER_COLORFUL_LOGS", "true")
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             time.Duration(slowThresholdSeconds) * time.Second, // Slow SQL threshold
			LogLevel:                  getLogLevel(logLevel),                             // Log level
			IgnoreRecordNotFoundError: ignoreRecordNotFound,                              // Ignore ErrRecordNotFound error for logger
			Colorful:                  colorful,                                          // Disable color
		},
	)
}

func getLogLevel(loglevel string) logger.LogLevel {
	switch strings.ToLower(loglevel) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Error
	}
}
