package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

type Repository interface {
	Store(ctx context.Context, row *SnapshotRow) error
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing telemetry repository at: %s", cfg.DBPath)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS snapshots (
            timestamp INTEGER PRIMARY KEY,
            session_id TEXT,
            junction_temp REAL,
            avg_mhs REAL,
            accepted INTEGER,
            rejected INTEGER,
            hardware_errors INTEGER,
            error_rate REAL,
            silenced_unit INTEGER,
            profile TEXT,
            power_limit_w INTEGER,
            fan_percent INTEGER
        )
    `)

	return err
}

func (r *sqliteRepository) Store(ctx context.Context, row *SnapshotRow) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO snapshots (
            timestamp, session_id, junction_temp, avg_mhs,
            accepted, rejected, hardware_errors,
            error_rate, silenced_unit, profile, power_limit_w, fan_percent
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            session_id = excluded.session_id,
            junction_temp = excluded.junction_temp,
            avg_mhs = excluded.avg_mhs,
            accepted = excluded.accepted,
            rejected = excluded.rejected,
            hardware_errors = excluded.hardware_errors,
            error_rate = excluded.error_rate,
            silenced_unit = excluded.silenced_unit,
            profile = excluded.profile,
            power_limit_w = excluded.power_limit_w,
            fan_percent = excluded.fan_percent
    `,
		row.Timestamp.Unix(),
		row.SessionID,
		row.JunctionTempC,
		row.AvgRateMHS,
		row.Accepted,
		row.Rejected,
		row.HardwareErrors,
		row.ErrorRate,
		row.SilencedUnit,
		row.Profile,
		row.PowerLimitW,
		row.FanPercent,
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}
