package database

import (
	"context"
	"fmt"
	"log"

	"go-crmsync/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/fx"
)

// PostgresDB is the optional relational store backing the sync ledger.
// DB is nil unless LEDGER_BACKEND=postgres.
type PostgresDB struct {
	DB *sqlx.DB
}

// NewPostgres connects to Postgres only when the ledger is configured to live there.
func NewPostgres(lc fx.Lifecycle, cfg *config.Config) (*PostgresDB, error) {
	pg, err := ConnectPostgres(cfg)
	if err != nil {
		return nil, err
	}

	if pg.DB != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return pg.Close()
			},
		})
	}

	return pg, nil
}

// ConnectPostgres opens the ledger database outside of an fx graph.
func ConnectPostgres(cfg *config.Config) (*PostgresDB, error) {
	if cfg.LedgerBackend != "postgres" {
		return &PostgresDB{}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.LedgerPostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres ledger: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	log.Println("Connected to Postgres ledger!")

	return &PostgresDB{DB: db}, nil
}

func (p *PostgresDB) Close() error {
	if p.DB == nil {
		return nil
	}
	return p.DB.Close()
}
