package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
	StatementMs  int           // statement_timeout applied to every session, 0 for the default
	AppName      string        // application_name reported to pg_stat_activity
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return withSessionParams(c.DatabaseURL, c.StatementMs, c.AppName)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	return withSessionParams(dsn, c.StatementMs, c.AppName)
}

// withSessionParams appends statement_timeout and application_name to a DSN
// in either URL or key=value form. Parameters already present are left alone.
func withSessionParams(dsn string, timeoutMs int, appName string) string {
	if dsn == "" {
		return dsn
	}
	if timeoutMs <= 0 {
		timeoutMs = 60000
	}

	params := [][2]string{{"statement_timeout", strconv.Itoa(timeoutMs)}}
	if appName != "" {
		params = append(params, [2]string{"application_name", appName})
	}

	isURL := strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://")
	for _, p := range params {
		if strings.Contains(dsn, p[0]+"=") {
			continue
		}
		switch {
		case !isURL:
			dsn += " " + p[0] + "=" + p[1]
		case strings.Contains(dsn, "?"):
			dsn += "&" + p[0] + "=" + url.QueryEscape(p[1])
		default:
			dsn += "?" + p[0] + "=" + url.QueryEscape(p[1])
		}
	}
	return dsn
}

// validate checks required fields and fills pool defaults
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		if c.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Port == "" {
			return fmt.Errorf("database port is required")
		}
		if c.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
	return nil
}

// New opens a pooled PostgreSQL connection and verifies it with a ping.
// The pool is bounded by MaxOpenConns, so callers queue for a connection
// rather than opening new ones.
func New(ctx context.Context, config *Config) (*DB, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.PingContext(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Int("max_idle_conns", config.MaxIdleConns).
		Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// Wrap returns a DB around an existing handle. Used by tests with sqlmock.
func Wrap(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// X returns an sqlx view of the same pool for struct scanning.
func (db *DB) X() *sqlx.DB {
	return sqlx.NewDb(db.client, "pgx")
}

// Ping checks the connection is still usable
func (db *DB) Ping(ctx context.Context) error {
	return db.client.PingContext(ctx)
}
