package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"codecompete/pkg/utils/logger"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const (
	defaultMaxOpenConnections = 25
	defaultMaxIdleConnections = 5
	defaultConnMaxLifetime    = 5 * time.Minute
	defaultConnMaxIdleTime    = 10 * time.Minute
	defaultDialTimeout        = 5 * time.Second
	pingTimeout               = 5 * time.Second
)

// MySQLConfig holds the configuration for the MySQL connection pool.
type MySQLConfig struct {
	// DSN format: "user:password@tcp(host:port)/dbname". parseTime and UTC are always enforced.
	DSN string `yaml:"dsn"`

	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
	DialTimeout        time.Duration `yaml:"dialTimeout"`
	// SlowQueryThreshold logs statements slower than this at warn level. Zero disables it.
	SlowQueryThreshold time.Duration `yaml:"slowQueryThreshold"`
}

func (c *MySQLConfig) applyDefaults() {
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = defaultMaxOpenConnections
	}
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = defaultMaxIdleConnections
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// normalizeDSN forces the driver options the stores rely on: time columns scan into
// time.Time in UTC.
func normalizeDSN(dsn string, dialTimeout time.Duration) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	if parsed.Timeout == 0 {
		parsed.Timeout = dialTimeout
	}
	return parsed.FormatDSN(), nil
}

// conn is what *sql.DB and *sql.Tx have in common.
type conn interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// querier implements Querier over a conn with slow statement logging.
type querier struct {
	conn conn
	slow time.Duration
}

func (q querier) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	defer q.observe(ctx, query, time.Now())
	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

func (q querier) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	defer q.observe(ctx, query, time.Now())
	return q.conn.QueryRowContext(ctx, query, args...)
}

func (q querier) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	defer q.observe(ctx, query, time.Now())
	result, err := q.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

func (q querier) observe(ctx context.Context, query string, start time.Time) {
	if q.slow <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed >= q.slow {
		logger.Warn(ctx, "slow query", zap.String("query", query), zap.Duration("elapsed", elapsed))
	}
}

// MySQL implements Database on a pooled *sql.DB.
type MySQL struct {
	querier
	db *sql.DB
}

// NewMySQLWithConfig opens a pool and verifies it with a ping.
func NewMySQLWithConfig(config *MySQLConfig) (*MySQL, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	config.applyDefaults()

	dsn, err := normalizeDSN(config.DSN, config.DialTimeout)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConnections)
	sqlDB.SetMaxIdleConns(config.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &MySQL{querier: querier{conn: sqlDB, slow: config.SlowQueryThreshold}, db: sqlDB}, nil
}

// Transaction executes fn within a database transaction.
// A panic in fn rolls the transaction back before propagating.
func (m *MySQL) Transaction(ctx context.Context, opts *TxOptions, fn func(tx Transaction) error) error {
	tx, err := m.db.BeginTx(ctx, opts.sqlOptions())
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&mysqlTx{querier: querier{conn: tx, slow: m.slow}, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Ping verifies a connection to the database is still alive.
func (m *MySQL) Ping(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close closes the pool.
func (m *MySQL) Close() error {
	return m.db.Close()
}

type mysqlTx struct {
	querier
	tx *sql.Tx
}

func (t *mysqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *mysqlTx) Rollback() error {
	return t.tx.Rollback()
}
