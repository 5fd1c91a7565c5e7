package journal

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"driverlink/internal/domain/ride"
	"driverlink/internal/logger"
)

// PGConfig holds the Postgres connection parameters for the settlement
// journal.
type PGConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// NewPool builds a DSN from cfg, configures pgxpool, verifies connectivity,
// and returns the pool.
func NewPool(ctx context.Context, cfg PGConfig, log *logger.Logger) (*pgxpool.Pool, error) {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
		User:   url.UserPassword(cfg.User, cfg.Password),
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()

	pcfg, err := pgxpool.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}

	pcfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = make(map[string]string, 1)
	}
	pcfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pcfg.HealthCheckPeriod = 30 * time.Second
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("journal: pgxpool.NewWithConfig: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: postgres ping: %w", err)
	}

	log.Info(ctx, "journal_db_connected", "Connected to settlement journal database", map[string]any{
		"host": cfg.Host, "database": cfg.Database,
	})

	return pool, nil
}

// PG persists settlements to the `ride_settlements` table using pgx and
// plain SQL.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG constructs a Postgres-backed journal.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// Record inserts one settlement row. Redelivered settlements for the same
// ride are ignored, matching the at-most-once semantics of the lifecycle.
func (j *PG) Record(ctx context.Context, s ride.Settlement) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO ride_settlements (ride_id, outcome, fare_minor, distance_km, duration_minutes, accepted_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ride_id) DO NOTHING
	`,
		s.RideID,
		s.Outcome.String(),
		s.FareMinor,
		s.DistanceKM,
		s.DurationMinutes,
		s.AcceptedAt,
		s.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("journal: insert settlement: %w", err)
	}

	return nil
}
