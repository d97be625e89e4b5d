package db

import (
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/notification-relay/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the reporting database, e.g.
// clickhouse://default:@localhost:9000/relay?dial_timeout=5s&compress=true.
// An empty DSN disables reporting and returns a nil DB.
func NewClickHouseConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	db, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, err
	}
	applyPool(db, cfg)

	if err := ping(db, cfg.PingTimeout, 3*time.Second); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
