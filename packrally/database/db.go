// Package database owns the Postgres connection pair (pgx pool for
// raw access, bun for query building) and the schema for the
// coordination collections.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/packrally/packrally/packrally/database/models"
)

const (
	defaultConnTimeout   = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = time.Second
)

type DBConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	PoolSize int    `toml:"pool_size"`
}

type DB struct {
	pool  *pgxpool.Pool
	bunDB *bun.DB
}

func New(ctx context.Context, cfg DBConfig) (*DB, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	var conn net.Conn
	var err error
	for i := 0; i < defaultMaxRetries; i++ {
		conn, err = net.DialTimeout("tcp", addr, defaultConnTimeout)
		if err == nil {
			break
		}
		time.Sleep(defaultRetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("database server unreachable after %d attempts: %w", defaultMaxRetries, err)
	}
	conn.Close()

	poolConfig, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolConfig.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connString(cfg) + "&sslmode=disable")))
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	return &DB{pool: pool, bunDB: bunDB}, nil
}

func connString(cfg DBConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=5",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)
}

func (db *DB) BunDB() *bun.DB {
	return db.bunDB
}

func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgxpool ping failed: %w", err)
	}
	if err := db.bunDB.PingContext(ctx); err != nil {
		return fmt.Errorf("bun ping failed: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
	if db.bunDB != nil {
		db.bunDB.Close()
	}
}

// InitializeSchema creates the coordination tables and indexes.
func (db *DB) InitializeSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.Room)(nil),
		(*models.Player)(nil),
		(*models.TradeSession)(nil),
		(*models.OfferLine)(nil),
		(*models.Profile)(nil),
		(*models.InventoryItem)(nil),
	}

	for _, model := range tables {
		_, err := db.bunDB.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_rooms_join_code ON rooms(join_code, status);",
		"CREATE INDEX IF NOT EXISTS idx_rooms_status_created ON rooms(status, created_at);",
		"CREATE INDEX IF NOT EXISTS idx_players_room_id ON players(room_id);",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_players_room_nickname ON players(room_id, nickname);",
		"CREATE INDEX IF NOT EXISTS idx_trade_sessions_target ON trade_sessions(target_nickname, status);",
		"CREATE INDEX IF NOT EXISTS idx_trade_sessions_requester ON trade_sessions(requester_nickname, status);",
		"CREATE INDEX IF NOT EXISTS idx_offer_lines_session ON offer_lines(session_id);",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_offer_lines_owner_item ON offer_lines(session_id, owner_nickname, item_name);",
		"CREATE INDEX IF NOT EXISTS idx_inventory_owner ON inventory_items(owner_nickname);",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_inventory_owner_item ON inventory_items(owner_nickname, item_name);",
	}

	for _, idx := range indexes {
		start := time.Now()
		if _, err := db.pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		slog.Debug("Index ensured",
			slog.String("type", "db"),
			slog.Duration("took", time.Since(start)))
	}

	return nil
}
