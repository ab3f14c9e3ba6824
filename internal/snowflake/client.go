// Package snowflake is the evidence store: it reads the experiment registry,
// daily statistical-test results and the metric/source catalogs from
// Snowflake, and persists finished callouts.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// Client provides access to the Snowflake evidence tables.
type Client struct {
	config  Config
	db      *sql.DB
	catalog *domain.Catalog
	log     *logger.Logger
}

// NewClient opens a Snowflake connection pool.
func NewClient(cfg Config, catalog *domain.Catalog) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build snowflake dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newClient(db, cfg, catalog), nil
}

func newClient(db *sql.DB, cfg Config, catalog *domain.Catalog) *Client {
	if catalog == nil {
		catalog = domain.NewCatalog(nil, nil)
	}
	return &Client{
		config:  cfg.WithDefaults(),
		db:      db,
		catalog: catalog,
		log:     logger.Default().With("component", "snowflake"),
	}
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := c.config.QueryTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func unavailable(op, target string, err error) error {
	return &domain.EvidenceError{Op: op, Target: target, Err: err}
}
