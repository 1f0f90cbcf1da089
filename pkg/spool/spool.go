// Package spool persists failed append batches so their rows survive the
// at-most-once streaming loop and can be replayed through a fresh channel.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"adsb-streamer/pkg/models"
)

type DB struct {
	*bun.DB
}

// NewDB connects to the spool database configured under database.* keys.
func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// Configured reports whether a spool database is set up at all; spooling is
// optional and the stream loop skips it when unconfigured.
func Configured() bool {
	return viper.GetString("database.host") != ""
}

// InitSchema creates the spool table if it doesn't exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.SpooledBatch)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create table: %v", err)
	}

	return nil
}

// AddBatch stores a failed batch's payload and failure classification.
func (db *DB) AddBatch(ctx context.Context, batch *models.SpooledBatch) error {
	_, err := db.NewInsert().
		Model(batch).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error spooling batch: %v", err)
	}

	return nil
}

// UnreplayedBatches returns spooled batches not yet replayed, oldest first.
func (db *DB) UnreplayedBatches(ctx context.Context) ([]models.SpooledBatch, error) {
	var batches []models.SpooledBatch
	err := db.NewSelect().
		Model(&batches).
		Where("replayed_at IS NULL").
		Order("id ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting spooled batches: %v", err)
	}

	return batches, nil
}

// MarkReplayed records that a batch went out successfully on replay.
func (db *DB) MarkReplayed(ctx context.Context, id int64) error {
	_, err := db.NewUpdate().
		Model((*models.SpooledBatch)(nil)).
		Set("replayed_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error marking batch replayed: %v", err)
	}

	return nil
}

// PurgeReplayed deletes batches that have been replayed, returning the count.
func (db *DB) PurgeReplayed(ctx context.Context) (int64, error) {
	res, err := db.NewDelete().
		Model((*models.SpooledBatch)(nil)).
		Where("replayed_at IS NOT NULL").
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("error purging replayed batches: %v", err)
	}

	affected, _ := res.RowsAffected()
	return affected, nil
}

// Stats summarizes the spool contents.
type Stats struct {
	Pending     int64
	PendingRows int64
	Replayed    int64
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	var pending struct {
		Count int64 `bun:"count"`
		Rows  int64 `bun:"rows"`
	}
	err := db.NewSelect().
		Model((*models.SpooledBatch)(nil)).
		ColumnExpr("count(*) as count").
		ColumnExpr("coalesce(sum(row_count), 0) as rows").
		Where("replayed_at IS NULL").
		Scan(ctx, &pending)
	if err != nil {
		return stats, err
	}
	stats.Pending = pending.Count
	stats.PendingRows = pending.Rows

	replayed, err := db.NewSelect().
		Model((*models.SpooledBatch)(nil)).
		Where("replayed_at IS NOT NULL").
		Count(ctx)
	if err != nil {
		return stats, err
	}
	stats.Replayed = int64(replayed)

	return stats, nil
}
