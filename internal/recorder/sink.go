package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/kafka"
)

// Schema creates the sample table. Pass it to postgres.Client.Migrate.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS taxel_samples (
		id          BIGSERIAL PRIMARY KEY,
		device      TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		transport   TEXT NOT NULL,
		finger      TEXT NOT NULL DEFAULT '',
		taxels      JSONB NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS taxel_samples_device_captured_at
		ON taxel_samples (device, captured_at DESC)`,
}

// DB is satisfied by *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Sink writes consumed samples to postgres.
type Sink struct {
	db     DB
	logger *slog.Logger
}

func NewSink(db DB) *Sink {
	return &Sink{
		db:     db,
		logger: slog.Default().With("component", "sample-sink"),
	}
}

func (s *Sink) Insert(ctx context.Context, sample Sample) error {
	if sample.Device == "" {
		return fmt.Errorf("sample without device: %w", apperrors.ErrInvalidInput)
	}
	taxels, err := json.Marshal(sample.Taxels)
	if err != nil {
		return fmt.Errorf("marshaling taxels: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO taxel_samples (device, name, transport, finger, taxels, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sample.Device, sample.Name, sample.Transport, sample.Finger, taxels, sample.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting sample of %s: %w", sample.Device, err)
	}
	return nil
}

// HandleMessage returns a kafka handler that stores each sample. Messages
// that do not decode are logged and skipped so one bad record cannot stall
// the consumer.
func (s *Sink) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		sample, err := kafka.DecodeJSON[Sample](value)
		if err != nil {
			s.logger.Warn("skipping undecodable sample", "key", string(key), "error", err)
			return nil
		}
		if err := s.Insert(ctx, sample); err != nil {
			if apperrors.Is(err, apperrors.ErrInvalidInput) {
				s.logger.Warn("skipping invalid sample", "key", string(key), "error", err)
				return nil
			}
			return err
		}
		return nil
	}
}

// Recent returns up to limit samples of device, newest first.
func (s *Sink) Recent(ctx context.Context, device string, limit int) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device, name, transport, finger, taxels, captured_at
		   FROM taxel_samples
		  WHERE device = $1
		  ORDER BY captured_at DESC
		  LIMIT $2`,
		device, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying samples of %s: %w", device, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sample Sample
			taxels []byte
		)
		if err := rows.Scan(&sample.Device, &sample.Name, &sample.Transport, &sample.Finger, &taxels, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		if err := json.Unmarshal(taxels, &sample.Taxels); err != nil {
			return nil, fmt.Errorf("decoding taxels: %w", err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}
